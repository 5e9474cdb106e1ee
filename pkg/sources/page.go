package sources

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"github.com/mitchellh/mapstructure"
)

// PageConfig is the config block of a page source.
type PageConfig struct {
	Slug string `mapstructure:"slug"`
	// Lang overrides the request language.
	Lang string `mapstructure:"lang"`
}

var slugPattern = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)

// PageHandler serves static page content from pages/<lang>/<slug>.
type PageHandler struct {
	baseDir string
}

func NewPageHandler(baseDir string) *PageHandler {
	return &PageHandler{baseDir: baseDir}
}

func (h *PageHandler) CacheTTL() time.Duration { return 5 * time.Minute }

func (h *PageHandler) Validate(cfg map[string]any) error {
	pc, err := decodePageConfig(cfg)
	if err != nil {
		return err
	}
	if !slugPattern.MatchString(pc.Slug) {
		return fmt.Errorf("invalid page slug %q", pc.Slug)
	}
	if pc.Lang != "" && !slugPattern.MatchString(pc.Lang) {
		return fmt.Errorf("invalid page language %q", pc.Lang)
	}
	return nil
}

func (h *PageHandler) Load(ctx context.Context, cfg map[string]any, rctx *RequestContext) (*Result, error) {
	pc, err := decodePageConfig(cfg)
	if err != nil {
		return nil, err
	}
	if !slugPattern.MatchString(pc.Slug) {
		return nil, fmt.Errorf("invalid page slug %q", pc.Slug)
	}

	lang := pc.Lang
	if lang == "" && rctx != nil && rctx.Lang != "" {
		lang = rctx.Lang
	}
	if lang == "" {
		lang = "en"
	}
	if !slugPattern.MatchString(lang) {
		return nil, fmt.Errorf("invalid page language %q", lang)
	}

	// English is the authored fallback for untranslated pages.
	for _, candidate := range []string{lang, "en"} {
		dir := filepath.Join(h.baseDir, "pages", candidate)
		matches, err := filepath.Glob(filepath.Join(dir, pc.Slug+".*"))
		if err != nil || len(matches) == 0 {
			continue
		}
		data, err := os.ReadFile(matches[0])
		if err != nil {
			return nil, err
		}
		return &Result{
			Content: string(data),
			Meta:    map[string]any{"slug": pc.Slug, "lang": candidate},
		}, nil
	}
	return nil, fmt.Errorf("page %s not found for language %s", pc.Slug, lang)
}

func decodePageConfig(cfg map[string]any) (*PageConfig, error) {
	out := &PageConfig{}
	if err := mapstructure.Decode(cfg, out); err != nil {
		return nil, fmt.Errorf("invalid page source config: %w", err)
	}
	if out.Slug == "" {
		return nil, fmt.Errorf("page source requires a slug")
	}
	return out, nil
}
