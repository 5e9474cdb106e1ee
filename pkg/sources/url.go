package sources

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/mitchellh/mapstructure"

	"github.com/promptgate/promptgate/pkg/httpclient"
)

// URLConfig is the config block of a url source.
type URLConfig struct {
	URL     string            `mapstructure:"url"`
	Headers map[string]string `mapstructure:"headers"`
	// Selector narrows extraction to a CSS selector; defaults to body.
	Selector string `mapstructure:"selector"`
	MaxBytes int    `mapstructure:"maxBytes"`
}

const defaultURLMaxBytes = 2 << 20

// URLHandler fetches a page and extracts its primary text content.
type URLHandler struct {
	client *httpclient.Client
}

func NewURLHandler() *URLHandler {
	return &URLHandler{
		client: httpclient.New(httpclient.WithMaxRetries(2)),
	}
}

func (h *URLHandler) CacheTTL() time.Duration { return 10 * time.Minute }

func (h *URLHandler) Validate(cfg map[string]any) error {
	uc, err := decodeURLConfig(cfg)
	if err != nil {
		return err
	}
	parsed, err := url.Parse(uc.URL)
	if err != nil || (parsed.Scheme != "http" && parsed.Scheme != "https") {
		return fmt.Errorf("url source requires an absolute http(s) url")
	}
	return nil
}

func (h *URLHandler) Load(ctx context.Context, cfg map[string]any, rctx *RequestContext) (*Result, error) {
	uc, err := decodeURLConfig(cfg)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, uc.URL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", "promptgate/1.0")
	for k, v := range uc.Headers {
		req.Header.Set(k, v)
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch of %s returned status %d", uc.URL, resp.StatusCode)
	}

	maxBytes := uc.MaxBytes
	if maxBytes <= 0 {
		maxBytes = defaultURLMaxBytes
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, int64(maxBytes)))
	if err != nil {
		return nil, err
	}

	contentType := resp.Header.Get("Content-Type")
	content := string(body)
	if strings.Contains(contentType, "text/html") {
		content, err = ExtractText(strings.NewReader(content), uc.Selector)
		if err != nil {
			return nil, fmt.Errorf("failed to parse %s: %w", uc.URL, err)
		}
	}

	return &Result{
		Content: content,
		Meta: map[string]any{
			"url":         uc.URL,
			"contentType": contentType,
		},
	}, nil
}

var blankLines = regexp.MustCompile(`\n{3,}`)

// ExtractText pulls the readable text out of an HTML document, dropping
// script, style and navigation chrome.
func ExtractText(r io.Reader, selector string) (string, error) {
	doc, err := goquery.NewDocumentFromReader(r)
	if err != nil {
		return "", err
	}

	doc.Find("script, style, noscript, nav, header, footer, iframe").Remove()

	root := doc.Find("body")
	if selector != "" {
		if sel := doc.Find(selector); sel.Length() > 0 {
			root = sel
		}
	}

	var b strings.Builder
	root.Each(func(_ int, sel *goquery.Selection) {
		b.WriteString(sel.Text())
		b.WriteString("\n")
	})

	text := b.String()
	lines := strings.Split(text, "\n")
	for i, line := range lines {
		lines[i] = strings.TrimSpace(line)
	}
	text = strings.Join(lines, "\n")
	text = blankLines.ReplaceAllString(text, "\n\n")
	return strings.TrimSpace(text), nil
}

func decodeURLConfig(cfg map[string]any) (*URLConfig, error) {
	out := &URLConfig{}
	if err := mapstructure.Decode(cfg, out); err != nil {
		return nil, fmt.Errorf("invalid url source config: %w", err)
	}
	if out.URL == "" {
		return nil, fmt.Errorf("url source requires a url")
	}
	return out, nil
}
