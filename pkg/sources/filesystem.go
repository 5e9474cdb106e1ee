package sources

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/ledongthuc/pdf"
	"github.com/mitchellh/mapstructure"
)

// FilesystemConfig is the config block of a filesystem source.
type FilesystemConfig struct {
	// Path is relative to the manager's base directory; escaping it is an
	// error.
	Path              string   `mapstructure:"path"`
	AllowedExtensions []string `mapstructure:"allowedExtensions"`
}

var defaultAllowedExtensions = []string{".txt", ".md", ".json", ".csv", ".pdf"}

// FilesystemHandler serves documents from a sandboxed directory tree.
type FilesystemHandler struct {
	baseDir string
}

func NewFilesystemHandler(baseDir string) *FilesystemHandler {
	return &FilesystemHandler{baseDir: baseDir}
}

func (h *FilesystemHandler) CacheTTL() time.Duration { return 5 * time.Minute }

func (h *FilesystemHandler) Validate(cfg map[string]any) error {
	fc, err := decodeFilesystemConfig(cfg)
	if err != nil {
		return err
	}
	if fc.Path == "" {
		return fmt.Errorf("filesystem source requires a path")
	}
	if _, err := h.resolve(fc.Path); err != nil {
		return err
	}
	return nil
}

func (h *FilesystemHandler) Load(ctx context.Context, cfg map[string]any, rctx *RequestContext) (*Result, error) {
	fc, err := decodeFilesystemConfig(cfg)
	if err != nil {
		return nil, err
	}
	path, err := h.resolve(fc.Path)
	if err != nil {
		return nil, err
	}

	allowed := fc.AllowedExtensions
	if len(allowed) == 0 {
		allowed = defaultAllowedExtensions
	}

	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}

	var files []string
	if info.IsDir() {
		entries, err := os.ReadDir(path)
		if err != nil {
			return nil, err
		}
		for _, e := range entries {
			if !e.IsDir() && extAllowed(e.Name(), allowed) {
				files = append(files, filepath.Join(path, e.Name()))
			}
		}
	} else {
		if !extAllowed(path, allowed) {
			return nil, fmt.Errorf("file extension not allowed: %s", filepath.Ext(path))
		}
		files = []string{path}
	}

	var b strings.Builder
	for _, file := range files {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		content, err := readDocument(file)
		if err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", filepath.Base(file), err)
		}
		if b.Len() > 0 {
			b.WriteString("\n\n")
		}
		fmt.Fprintf(&b, "--- %s ---\n%s", filepath.Base(file), content)
	}

	return &Result{
		Content: b.String(),
		Meta:    map[string]any{"files": len(files)},
	}, nil
}

// resolve joins the relative path to the base dir and refuses traversal out
// of it.
func (h *FilesystemHandler) resolve(rel string) (string, error) {
	base, err := filepath.Abs(h.baseDir)
	if err != nil {
		return "", err
	}
	path := filepath.Clean(filepath.Join(base, rel))
	if path != base && !strings.HasPrefix(path, base+string(filepath.Separator)) {
		return "", fmt.Errorf("path escapes source directory: %s", rel)
	}
	return path, nil
}

func extAllowed(name string, allowed []string) bool {
	return slices.Contains(allowed, strings.ToLower(filepath.Ext(name)))
}

// readDocument returns the text of a file, extracting plain text from PDFs.
func readDocument(path string) (string, error) {
	if strings.ToLower(filepath.Ext(path)) == ".pdf" {
		return readPDF(path)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func readPDF(path string) (string, error) {
	f, reader, err := pdf.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	var buf bytes.Buffer
	content, err := reader.GetPlainText()
	if err != nil {
		return "", err
	}
	if _, err := buf.ReadFrom(content); err != nil {
		return "", err
	}
	return buf.String(), nil
}

func decodeFilesystemConfig(cfg map[string]any) (*FilesystemConfig, error) {
	out := &FilesystemConfig{}
	if err := mapstructure.Decode(cfg, out); err != nil {
		return nil, fmt.Errorf("invalid filesystem source config: %w", err)
	}
	return out, nil
}
