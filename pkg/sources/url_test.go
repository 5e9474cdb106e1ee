package sources

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

const samplePage = `<html><head><style>.x{}</style><script>alert(1)</script></head>
<body>
<nav>Home | About</nav>
<header>Site header</header>
<main><h1>Title</h1><p>First paragraph.</p><p>Second paragraph.</p></main>
<footer>Copyright</footer>
</body></html>`

func TestExtractTextDropsChrome(t *testing.T) {
	text, err := ExtractText(strings.NewReader(samplePage), "")
	if err != nil {
		t.Fatal(err)
	}

	for _, noise := range []string{"alert(1)", ".x{}", "Home | About", "Site header", "Copyright"} {
		if strings.Contains(text, noise) {
			t.Errorf("extracted text must not contain %q", noise)
		}
	}
	if !strings.Contains(text, "First paragraph.") {
		t.Errorf("text = %q", text)
	}
}

func TestExtractTextSelector(t *testing.T) {
	text, err := ExtractText(strings.NewReader(samplePage), "h1")
	if err != nil {
		t.Fatal(err)
	}
	if text != "Title" {
		t.Errorf("selector extraction = %q", text)
	}

	// An unmatched selector falls back to the whole body.
	text, err = ExtractText(strings.NewReader(samplePage), ".does-not-exist")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(text, "First paragraph.") {
		t.Errorf("fallback text = %q", text)
	}
}

func TestURLHandlerLoad(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("X-Custom"); got != "yes" {
			t.Errorf("custom header = %q", got)
		}
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.Write([]byte(samplePage))
	}))
	defer srv.Close()

	h := NewURLHandler()
	res, err := h.Load(context.Background(), map[string]any{
		"url":      srv.URL,
		"headers":  map[string]any{"X-Custom": "yes"},
		"selector": "main",
	}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(res.Content, "First paragraph.") {
		t.Errorf("content = %q", res.Content)
	}
	if strings.Contains(res.Content, "Copyright") {
		t.Error("selector must scope the extraction")
	}
}

func TestURLHandlerNonHTMLPassthrough(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"raw":true}`))
	}))
	defer srv.Close()

	h := NewURLHandler()
	res, err := h.Load(context.Background(), map[string]any{"url": srv.URL}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if res.Content != `{"raw":true}` {
		t.Errorf("non-HTML bodies must pass through untouched, got %q", res.Content)
	}
}

func TestURLHandlerValidate(t *testing.T) {
	h := NewURLHandler()
	for _, cfg := range []map[string]any{
		{},
		{"url": "ftp://example.com/file"},
		{"url": "relative/path"},
	} {
		if err := h.Validate(cfg); err == nil {
			t.Errorf("config %v must be rejected", cfg)
		}
	}
	if err := h.Validate(map[string]any{"url": "https://example.com/docs"}); err != nil {
		t.Errorf("valid url rejected: %v", err)
	}
}
