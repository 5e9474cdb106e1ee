package tools

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/promptgate/promptgate/pkg/config"
	"github.com/promptgate/promptgate/pkg/httpclient"
	"github.com/promptgate/promptgate/pkg/sources"
)

func registerBuiltins(r *Registry) {
	r.RegisterFactory("webSearch", newWebSearch)
	r.RegisterFactory("enhancedWebSearch", newWebSearch)
	r.RegisterFactory("webContentExtractor", newWebContentExtractor)
	r.RegisterFactory("askUser", newAskUser)
}

// webSearch queries the DuckDuckGo HTML endpoint and scrapes the result
// list. No API key required.
type webSearch struct {
	client     *httpclient.Client
	maxResults int
}

func newWebSearch(tool *config.Tool) (Executor, error) {
	maxResults := 5
	if v, ok := tool.Settings["maxResults"].(float64); ok && v > 0 {
		maxResults = int(v)
	}
	return &webSearch{
		client:     httpclient.New(httpclient.WithMaxRetries(2)),
		maxResults: maxResults,
	}, nil
}

type searchResult struct {
	Title   string `json:"title"`
	URL     string `json:"url"`
	Snippet string `json:"snippet"`
}

func (w *webSearch) Execute(ctx context.Context, fn string, args map[string]any, ectx *ExecContext) (any, error) {
	query, _ := args["query"].(string)
	if strings.TrimSpace(query) == "" {
		return nil, &ValidationError{Tool: "webSearch", Message: "query must be a non-empty string"}
	}
	if ectx != nil && ectx.EmitAction != nil {
		ectx.EmitAction("search", map[string]any{"query": query})
	}

	endpoint := "https://html.duckduckgo.com/html/?q=" + url.QueryEscape(query)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", "Mozilla/5.0 (compatible; promptgate/1.0)")

	resp, err := w.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("search returned status %d", resp.StatusCode)
	}

	doc, err := goquery.NewDocumentFromReader(resp.Body)
	if err != nil {
		return nil, err
	}

	var results []searchResult
	doc.Find(".result").EachWithBreak(func(_ int, sel *goquery.Selection) bool {
		link := sel.Find(".result__a")
		href, _ := link.Attr("href")
		if href == "" {
			return true
		}
		results = append(results, searchResult{
			Title:   strings.TrimSpace(link.Text()),
			URL:     cleanDuckDuckGoURL(href),
			Snippet: strings.TrimSpace(sel.Find(".result__snippet").Text()),
		})
		return len(results) < w.maxResults
	})

	return map[string]any{"query": query, "results": results}, nil
}

// cleanDuckDuckGoURL unwraps the /l/?uddg= redirect wrapper.
func cleanDuckDuckGoURL(href string) string {
	parsed, err := url.Parse(href)
	if err != nil {
		return href
	}
	if target := parsed.Query().Get("uddg"); target != "" {
		return target
	}
	return href
}

// webContentExtractor fetches a URL and returns its readable text.
type webContentExtractor struct {
	client   *httpclient.Client
	maxBytes int64
}

func newWebContentExtractor(tool *config.Tool) (Executor, error) {
	return &webContentExtractor{
		client:   httpclient.New(httpclient.WithMaxRetries(2)),
		maxBytes: 2 << 20,
	}, nil
}

func (w *webContentExtractor) Execute(ctx context.Context, fn string, args map[string]any, ectx *ExecContext) (any, error) {
	raw, _ := args["url"].(string)
	parsed, err := url.Parse(raw)
	if err != nil || (parsed.Scheme != "http" && parsed.Scheme != "https") {
		return nil, &ValidationError{Tool: "webContentExtractor", Message: "url must be an absolute http(s) url"}
	}
	if ectx != nil && ectx.EmitAction != nil {
		ectx.EmitAction("fetch", map[string]any{"url": raw})
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, raw, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", "Mozilla/5.0 (compatible; promptgate/1.0)")

	resp, err := w.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch returned status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, w.maxBytes))
	if err != nil {
		return nil, err
	}

	content := string(body)
	if strings.Contains(resp.Header.Get("Content-Type"), "text/html") {
		content, err = sources.ExtractText(strings.NewReader(content), "")
		if err != nil {
			return nil, err
		}
	}
	return map[string]any{"url": raw, "content": content}, nil
}

// askUserExecutor exists so ask_user passes executor resolution; the
// orchestrator intercepts the call before execution ever happens.
type askUserExecutor struct{}

func newAskUser(tool *config.Tool) (Executor, error) {
	return askUserExecutor{}, nil
}

func (askUserExecutor) Execute(ctx context.Context, fn string, args map[string]any, ectx *ExecContext) (any, error) {
	return nil, fmt.Errorf("ask_user must be handled by the conversation loop")
}
