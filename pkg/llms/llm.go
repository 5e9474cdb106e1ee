// Package llms contains the provider adapters and the per-provider wire
// normalizers. One file per provider: the formats differ enough that a
// shared template with flags would obscure more than it saves.
package llms

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/promptgate/promptgate/pkg/config"
	"github.com/promptgate/promptgate/pkg/httpclient"
	"github.com/promptgate/promptgate/pkg/protocol"
)

// Request is one provider invocation assembled by the orchestrator.
type Request struct {
	Model    *config.Model
	Messages []*protocol.Message
	Tools    []protocol.ToolDefinition

	MaxTokens   int
	Temperature *float64

	// Continuation marks a mid-tool-loop request. Continuations are never
	// retried: a replay could duplicate tool effects.
	Continuation bool

	// PlatformSecret decrypts a stored per-model API key.
	PlatformSecret string
}

// Provider streams a model response as generic events. The returned channel
// is closed by the adapter when the response ends, errors out or ctx is
// cancelled; a finish or error event always precedes the close.
type Provider interface {
	Name() string
	Stream(ctx context.Context, req *Request) (<-chan protocol.StreamEvent, error)
}

// streamBufferSize absorbs bursts between SSE reads and the pipeline.
const streamBufferSize = 64

const defaultTimeout = 5 * time.Minute

// systemAndRest splits a leading system message from the conversation.
// Providers that carry the system prompt out-of-band use this.
func systemAndRest(messages []*protocol.Message) (string, []*protocol.Message) {
	system := ""
	rest := make([]*protocol.Message, 0, len(messages))
	for _, m := range messages {
		if m.Role == protocol.RoleSystem && system == "" {
			system = m.Content
			continue
		}
		rest = append(rest, m)
	}
	return system, rest
}

// errorEvent builds the terminal error event for a failed stream.
func errorEvent(err *protocol.ProviderError) protocol.StreamEvent {
	return protocol.StreamEvent{Type: protocol.EventError, Err: err}
}

func finishEvent(reason protocol.FinishReason, usage *protocol.Usage) protocol.StreamEvent {
	return protocol.StreamEvent{Type: protocol.EventFinish, FinishReason: reason, Usage: usage}
}

// newHTTPClient builds the underlying client with the provider deadline.
// The timeout covers the whole exchange including the streamed body.
func newHTTPClient(timeout time.Duration) *http.Client {
	return &http.Client{Timeout: timeout}
}

// postJSON sends a provider request. A non-2xx response is drained into a
// ProviderError; the caller only sees an open body on success.
func postJSON(ctx context.Context, client *httpclient.Client, url string, headers map[string]string, payload any) (*http.Response, *protocol.ProviderError, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		perr := parseErrorResponse(resp)
		resp.Body.Close()
		return nil, perr, nil
	}
	return resp, nil, nil
}
