package sources

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"

	"github.com/promptgate/promptgate/pkg/httpclient"
)

// IFinderConfig is the config block of an ifinder source.
type IFinderConfig struct {
	BaseURL       string `mapstructure:"baseUrl"`
	SearchProfile string `mapstructure:"searchProfile"`
	MaxResults    int    `mapstructure:"maxResults"`
}

// IFinderHandler queries the iFinder enterprise search API. It requires an
// authenticated user; anonymous requests are rejected before any network
// call.
type IFinderHandler struct {
	client *httpclient.Client
}

func NewIFinderHandler() *IFinderHandler {
	return &IFinderHandler{client: httpclient.New(httpclient.WithMaxRetries(2))}
}

func (h *IFinderHandler) CacheTTL() time.Duration { return time.Minute }

func (h *IFinderHandler) Validate(cfg map[string]any) error {
	ic, err := decodeIFinderConfig(cfg)
	if err != nil {
		return err
	}
	if _, err := url.Parse(ic.BaseURL); err != nil {
		return fmt.Errorf("invalid ifinder baseUrl: %w", err)
	}
	return nil
}

func (h *IFinderHandler) Load(ctx context.Context, cfg map[string]any, rctx *RequestContext) (*Result, error) {
	ic, err := decodeIFinderConfig(cfg)
	if err != nil {
		return nil, err
	}
	if rctx == nil || rctx.User == nil || !rctx.User.Authenticated {
		return nil, fmt.Errorf("ifinder source requires an authenticated user")
	}

	query := ""
	if rctx != nil {
		query = rctx.Query
	}

	endpoint := strings.TrimRight(ic.BaseURL, "/") + "/api/v1/search"
	params := url.Values{"q": {query}}
	if ic.SearchProfile != "" {
		params.Set("profile", ic.SearchProfile)
	}
	maxResults := ic.MaxResults
	if maxResults <= 0 {
		maxResults = 5
	}
	params.Set("size", fmt.Sprint(maxResults))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint+"?"+params.Encode(), nil)
	if err != nil {
		return nil, err
	}
	if key := os.Getenv("IFINDER_API_KEY"); key != "" {
		req.Header.Set("Authorization", "Bearer "+key)
	}
	req.Header.Set("X-On-Behalf-Of", rctx.User.ID)

	resp, err := h.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("ifinder search returned status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, err
	}

	var parsed struct {
		Hits []struct {
			Title   string `json:"title"`
			Snippet string `json:"snippet"`
			URL     string `json:"url"`
		} `json:"hits"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		// Fall back to raw JSON when the response shape is unknown.
		return &Result{Content: string(body)}, nil
	}

	var b strings.Builder
	for i, hit := range parsed.Hits {
		fmt.Fprintf(&b, "%d. %s\n%s\n%s\n\n", i+1, hit.Title, hit.Snippet, hit.URL)
	}
	return &Result{
		Content: strings.TrimSpace(b.String()),
		Meta:    map[string]any{"hits": len(parsed.Hits)},
	}, nil
}

func decodeIFinderConfig(cfg map[string]any) (*IFinderConfig, error) {
	out := &IFinderConfig{}
	if err := mapstructure.Decode(cfg, out); err != nil {
		return nil, fmt.Errorf("invalid ifinder source config: %w", err)
	}
	if out.BaseURL == "" {
		return nil, fmt.Errorf("ifinder source requires a baseUrl")
	}
	return out, nil
}
