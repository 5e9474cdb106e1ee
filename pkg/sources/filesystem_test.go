package sources

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestFilesystemLoadDirectory(t *testing.T) {
	base := t.TempDir()
	docs := filepath.Join(base, "docs")
	if err := os.MkdirAll(docs, 0o755); err != nil {
		t.Fatal(err)
	}
	os.WriteFile(filepath.Join(docs, "a.md"), []byte("alpha"), 0o644)
	os.WriteFile(filepath.Join(docs, "b.txt"), []byte("beta"), 0o644)
	os.WriteFile(filepath.Join(docs, "skip.exe"), []byte("binary"), 0o644)

	h := NewFilesystemHandler(base)
	res, err := h.Load(context.Background(), map[string]any{"path": "docs"}, nil)
	if err != nil {
		t.Fatal(err)
	}

	if !strings.Contains(res.Content, "alpha") || !strings.Contains(res.Content, "beta") {
		t.Errorf("content = %q", res.Content)
	}
	if strings.Contains(res.Content, "binary") {
		t.Error("disallowed extensions must be skipped")
	}
	if res.Meta["files"] != 2 {
		t.Errorf("files meta = %v", res.Meta["files"])
	}
}

func TestFilesystemLoadSingleFile(t *testing.T) {
	base := t.TempDir()
	os.WriteFile(filepath.Join(base, "note.txt"), []byte("single"), 0o644)

	h := NewFilesystemHandler(base)
	res, err := h.Load(context.Background(), map[string]any{"path": "note.txt"}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(res.Content, "single") {
		t.Errorf("content = %q", res.Content)
	}
}

func TestFilesystemRefusesEscape(t *testing.T) {
	h := NewFilesystemHandler(t.TempDir())
	for _, path := range []string{"../outside", "docs/../../etc", "/etc/passwd"} {
		if err := h.Validate(map[string]any{"path": path}); err == nil {
			t.Errorf("path %q must be rejected", path)
		}
	}
}

func TestFilesystemAllowedExtensionsOverride(t *testing.T) {
	base := t.TempDir()
	os.WriteFile(filepath.Join(base, "data.xml"), []byte("<x/>"), 0o644)

	h := NewFilesystemHandler(base)
	if _, err := h.Load(context.Background(), map[string]any{"path": "data.xml"}, nil); err == nil {
		t.Error("xml is not allowed by default")
	}

	res, err := h.Load(context.Background(), map[string]any{
		"path":              "data.xml",
		"allowedExtensions": []any{".xml"},
	}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(res.Content, "<x/>") {
		t.Errorf("content = %q", res.Content)
	}
}

func TestFilesystemValidateRequiresPath(t *testing.T) {
	h := NewFilesystemHandler(t.TempDir())
	if err := h.Validate(map[string]any{}); err == nil {
		t.Error("missing path must be rejected")
	}
}
