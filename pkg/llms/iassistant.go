package llms

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/promptgate/promptgate/pkg/httpclient"
	"github.com/promptgate/promptgate/pkg/protocol"
)

// iAssistant streams newline-delimited JSON rather than SSE, so it gets its
// own buffer processing instead of the shared SSE loop.

type iassistantRequest struct {
	Question string              `json:"question"`
	History  []iassistantTurn    `json:"history,omitempty"`
	Profile  string              `json:"profile,omitempty"`
	Metadata map[string]any      `json:"metadata,omitempty"`
	Stream   bool                `json:"stream"`
}

type iassistantTurn struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type iassistantChunk struct {
	Event   string `json:"event"`
	Data    string `json:"data"`
	Message string `json:"message"`
	Usage   *struct {
		PromptTokens     int `json:"promptTokens"`
		CompletionTokens int `json:"completionTokens"`
	} `json:"usage"`
}

// IAssistantProvider integrates the iAssistant RAG service. Tools are not
// supported; the service answers from its own document index.
type IAssistantProvider struct {
	client *httpclient.Client
}

func NewIAssistant(timeout time.Duration) *IAssistantProvider {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &IAssistantProvider{
		client: httpclient.New(httpclient.WithHTTPClient(newHTTPClient(timeout))),
	}
}

func (p *IAssistantProvider) Name() string { return "iassistant" }

func (p *IAssistantProvider) Stream(ctx context.Context, req *Request) (<-chan protocol.StreamEvent, error) {
	key, err := ResolveAPIKey(req.Model, req.PlatformSecret)
	if err != nil {
		return nil, err
	}
	headers := map[string]string{"Accept": "application/x-ndjson"}
	if key != "" {
		headers["Authorization"] = "Bearer " + key
	}

	payload := buildIAssistantRequest(req)
	resp, perr, err := postJSON(ctx, p.client, endpointURL(req.Model), headers, payload)
	if err != nil {
		return nil, err
	}

	ch := make(chan protocol.StreamEvent, streamBufferSize)
	if perr != nil {
		ch <- errorEvent(perr)
		close(ch)
		return ch, nil
	}

	go func() {
		defer close(ch)
		defer resp.Body.Close()
		parseIAssistantStream(ctx, resp.Body, ch)
	}()
	return ch, nil
}

// buildIAssistantRequest flattens the conversation: the last user message is
// the question, everything before it is history.
func buildIAssistantRequest(req *Request) iassistantRequest {
	_, rest := systemAndRest(req.Messages)

	question := ""
	lastUser := -1
	for i := len(rest) - 1; i >= 0; i-- {
		if rest[i].Role == protocol.RoleUser {
			question = rest[i].Content
			lastUser = i
			break
		}
	}

	out := iassistantRequest{
		Question: question,
		Profile:  req.Model.ModelID,
		Stream:   true,
	}
	for i, m := range rest {
		if i == lastUser || (m.Role != protocol.RoleUser && m.Role != protocol.RoleAssistant) {
			continue
		}
		out.History = append(out.History, iassistantTurn{
			Role:    string(m.Role),
			Content: m.Content,
		})
	}
	return out
}

func parseIAssistantStream(ctx context.Context, body io.Reader, ch chan<- protocol.StreamEvent) {
	var usage *protocol.Usage

	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for scanner.Scan() {
		if ctx.Err() != nil {
			return
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		var chunk iassistantChunk
		if err := json.Unmarshal([]byte(line), &chunk); err != nil {
			slog.Debug("skipping malformed stream line", "error", err)
			continue
		}

		switch chunk.Event {
		case "token":
			if chunk.Data != "" {
				ch <- protocol.StreamEvent{Type: protocol.EventContentDelta, Text: chunk.Data}
			}
		case "done":
			if chunk.Usage != nil {
				usage = &protocol.Usage{
					PromptTokens:     chunk.Usage.PromptTokens,
					CompletionTokens: chunk.Usage.CompletionTokens,
					TotalTokens:      chunk.Usage.PromptTokens + chunk.Usage.CompletionTokens,
				}
			}
			ch <- finishEvent(protocol.FinishStop, usage)
			return
		case "error":
			message := chunk.Message
			if message == "" {
				message = "iassistant reported a failure"
			}
			ch <- errorEvent(&protocol.ProviderError{Kind: protocol.ErrUnknown, Message: message})
			return
		}
	}

	if err := scanner.Err(); err != nil && ctx.Err() == nil {
		ch <- errorEvent(&protocol.ProviderError{
			Kind:    protocol.ErrUnavailable,
			Message: fmt.Sprintf("stream read failed: %v", err),
		})
		return
	}
	if ctx.Err() != nil {
		return
	}
	ch <- finishEvent(protocol.FinishStop, usage)
}
