package llms

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/promptgate/promptgate/pkg/httpclient"
	"github.com/promptgate/promptgate/pkg/protocol"
)

// OpenAI Chat Completions wire format. Mistral and OpenAI-compatible local
// servers reuse these structs through their own adapters.

type openAIRequest struct {
	Model         string              `json:"model"`
	Messages      []openAIMessage     `json:"messages"`
	Tools         []openAIToolDef     `json:"tools,omitempty"`
	MaxTokens     int                 `json:"max_tokens,omitempty"`
	Temperature   *float64            `json:"temperature,omitempty"`
	Stream        bool                `json:"stream"`
	StreamOptions *openAIStreamOption `json:"stream_options,omitempty"`
}

type openAIStreamOption struct {
	IncludeUsage bool `json:"include_usage"`
}

type openAIMessage struct {
	Role       string           `json:"role"`
	Content    any              `json:"content"`
	Name       string           `json:"name,omitempty"`
	ToolCalls  []openAIToolCall `json:"tool_calls,omitempty"`
	ToolCallID string           `json:"tool_call_id,omitempty"`
}

type openAIToolCall struct {
	ID       string         `json:"id"`
	Type     string         `json:"type"`
	Function openAIFunction `json:"function"`
}

type openAIFunction struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

type openAIToolDef struct {
	Type     string            `json:"type"`
	Function openAIFunctionDef `json:"function"`
}

type openAIFunctionDef struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters"`
	Strict      bool           `json:"strict"`
}

type openAIContentPart struct {
	Type     string          `json:"type"`
	Text     string          `json:"text,omitempty"`
	ImageURL *openAIImageURL `json:"image_url,omitempty"`
}

type openAIImageURL struct {
	URL string `json:"url"`
}

type openAIUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

type openAIStreamChunk struct {
	Choices []struct {
		Delta struct {
			Content   string `json:"content"`
			ToolCalls []struct {
				Index    *int   `json:"index"`
				ID       string `json:"id"`
				Type     string `json:"type"`
				Function struct {
					Name      string `json:"name"`
					Arguments string `json:"arguments"`
				} `json:"function"`
			} `json:"tool_calls"`
		} `json:"delta"`
		FinishReason *string `json:"finish_reason"`
	} `json:"choices"`
	Usage *openAIUsage `json:"usage"`
}

// OpenAIProvider speaks the Chat Completions API.
type OpenAIProvider struct {
	client        *httpclient.Client
	noRetryClient *httpclient.Client
}

func NewOpenAI(timeout time.Duration) *OpenAIProvider {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &OpenAIProvider{
		client: httpclient.New(
			httpclient.WithHTTPClient(newHTTPClient(timeout)),
			httpclient.WithHeaderParser(httpclient.ParseOpenAIRateLimitHeaders),
		),
		noRetryClient: httpclient.New(
			httpclient.WithHTTPClient(newHTTPClient(timeout)),
			httpclient.WithRetryStrategy(httpclient.NoRetryStrategy),
		),
	}
}

func (p *OpenAIProvider) Name() string { return "openai" }

func (p *OpenAIProvider) Stream(ctx context.Context, req *Request) (<-chan protocol.StreamEvent, error) {
	key, err := requireKey(req.Model, req.PlatformSecret)
	if err != nil {
		return nil, err
	}
	return openAIStyleStream(ctx, p.pick(req), req, endpointURL(req.Model), map[string]string{
		"Authorization": "Bearer " + key,
		"Accept":        "text/event-stream",
	})
}

func (p *OpenAIProvider) pick(req *Request) *httpclient.Client {
	if req.Continuation {
		return p.noRetryClient
	}
	return p.client
}

// openAIStyleStream drives any Chat-Completions-compatible endpoint.
func openAIStyleStream(ctx context.Context, client *httpclient.Client, req *Request, url string, headers map[string]string) (<-chan protocol.StreamEvent, error) {
	payload := buildOpenAIRequest(req)

	resp, perr, err := postJSON(ctx, client, url, headers, payload)
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
		parseOpenAIStream(ctx, resp.Body, ch)
	}()
	return ch, nil
}

func buildOpenAIRequest(req *Request) openAIRequest {
	out := openAIRequest{
		Model:       req.Model.ModelID,
		Messages:    toOpenAIMessages(req.Messages),
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
		Stream:      true,
		StreamOptions: &openAIStreamOption{
			IncludeUsage: true,
		},
	}
	for _, tool := range req.Tools {
		out.Tools = append(out.Tools, openAIToolDef{
			Type: "function",
			Function: openAIFunctionDef{
				Name:        tool.Name,
				Description: tool.Description,
				Parameters:  strictSchema(tool.Parameters),
				Strict:      true,
			},
		})
	}
	return out
}

func toOpenAIMessages(messages []*protocol.Message) []openAIMessage {
	out := make([]openAIMessage, 0, len(messages))
	for _, m := range messages {
		out = append(out, toOpenAIMessage(m))
	}
	return out
}

func toOpenAIMessage(m *protocol.Message) openAIMessage {
	msg := openAIMessage{
		Role:       string(m.Role),
		Name:       m.Name,
		ToolCallID: m.ToolCallID,
	}

	if len(m.Images) > 0 && m.Role == protocol.RoleUser {
		parts := []openAIContentPart{}
		if m.Content != "" {
			parts = append(parts, openAIContentPart{Type: "text", Text: m.Content})
		}
		for _, img := range m.Images {
			parts = append(parts, openAIContentPart{
				Type:     "image_url",
				ImageURL: &openAIImageURL{URL: dataURL(img)},
			})
		}
		msg.Content = parts
	} else if m.Content != "" || len(m.ToolCalls) == 0 {
		msg.Content = m.Content
	}

	// Tool calls keep their index order; OpenAI infers index from position.
	calls := make([]*protocol.ToolCall, len(m.ToolCalls))
	copy(calls, m.ToolCalls)
	sort.SliceStable(calls, func(i, j int) bool { return calls[i].Index < calls[j].Index })
	for _, tc := range calls {
		msg.ToolCalls = append(msg.ToolCalls, openAIToolCall{
			ID:   tc.ID,
			Type: "function",
			Function: openAIFunction{
				Name:      tc.Function.Name,
				Arguments: tc.Function.Arguments,
			},
		})
	}
	return msg
}

// fromOpenAIAssistant converts a provider assistant message back to the
// generic form. Together with toOpenAIMessage this forms the round-trip the
// tool loop depends on.
func fromOpenAIAssistant(msg openAIMessage) *protocol.Message {
	out := &protocol.Message{Role: protocol.RoleAssistant}
	if s, ok := msg.Content.(string); ok {
		out.Content = s
	}
	for i, tc := range msg.ToolCalls {
		call := &protocol.ToolCall{
			ID:    tc.ID,
			Index: i,
			Type:  "function",
			Function: protocol.FunctionCall{
				Name:      tc.Function.Name,
				Arguments: tc.Function.Arguments,
			},
		}
		call.SetMeta(protocol.MetaOriginalFormat, "openai")
		out.ToolCalls = append(out.ToolCalls, call)
	}
	return out
}

// parseOpenAIStream reads the SSE body, accumulating tool-call fragments by
// index and flushing them when the finish chunk arrives.
func parseOpenAIStream(ctx context.Context, body io.Reader, ch chan<- protocol.StreamEvent) {
	type pendingCall struct {
		id   string
		name string
		args strings.Builder
	}
	pending := map[int]*pendingCall{}
	var usage *protocol.Usage
	finish := protocol.FinishStop
	sawFinish := false

	flush := func() {
		indices := make([]int, 0, len(pending))
		for idx := range pending {
			indices = append(indices, idx)
		}
		sort.Ints(indices)
		for _, idx := range indices {
			pc := pending[idx]
			call := &protocol.ToolCall{
				ID:    pc.id,
				Index: idx,
				Type:  "function",
				Function: protocol.FunctionCall{
					Name:      pc.name,
					Arguments: pc.args.String(),
				},
			}
			call.SetMeta(protocol.MetaOriginalFormat, "openai")
			ch <- protocol.StreamEvent{Type: protocol.EventToolCallComplete, Index: idx, Call: call}
		}
	}

	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for scanner.Scan() {
		if ctx.Err() != nil {
			return
		}
		line := strings.TrimSpace(scanner.Text())
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		data := strings.TrimPrefix(line, "data: ")
		if data == "[DONE]" {
			break
		}

		var chunk openAIStreamChunk
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			slog.Debug("skipping malformed stream chunk", "error", err)
			continue
		}

		if chunk.Usage != nil {
			usage = &protocol.Usage{
				PromptTokens:     chunk.Usage.PromptTokens,
				CompletionTokens: chunk.Usage.CompletionTokens,
				TotalTokens:      chunk.Usage.TotalTokens,
			}
		}
		if len(chunk.Choices) == 0 {
			continue
		}
		choice := chunk.Choices[0]

		if choice.Delta.Content != "" {
			ch <- protocol.StreamEvent{Type: protocol.EventContentDelta, Text: choice.Delta.Content}
		}

		for _, tc := range choice.Delta.ToolCalls {
			idx := len(pending)
			if tc.Index != nil {
				idx = *tc.Index
			}
			pc, ok := pending[idx]
			if !ok {
				pc = &pendingCall{}
				pending[idx] = pc
			}
			if tc.ID != "" {
				pc.id = tc.ID
			}
			if tc.Function.Name != "" {
				pc.name = tc.Function.Name
			}
			if tc.Function.Arguments != "" {
				pc.args.WriteString(tc.Function.Arguments)
			}
			ch <- protocol.StreamEvent{
				Type:      protocol.EventToolCallDelta,
				Index:     idx,
				ID:        tc.ID,
				Name:      tc.Function.Name,
				ArgsDelta: tc.Function.Arguments,
			}
		}

		if choice.FinishReason != nil {
			sawFinish = true
			finish = mapOpenAIFinish(*choice.FinishReason)
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

	if len(pending) > 0 {
		flush()
		finish = protocol.FinishToolCalls
	} else if !sawFinish {
		finish = protocol.FinishStop
	}
	ch <- finishEvent(finish, usage)
}

func mapOpenAIFinish(reason string) protocol.FinishReason {
	switch reason {
	case "tool_calls", "function_call":
		return protocol.FinishToolCalls
	case "length":
		return protocol.FinishLength
	case "content_filter":
		return protocol.FinishContentFilter
	default:
		return protocol.FinishStop
	}
}

// strictSchema prepares a parameter schema for OpenAI strict mode: every
// property must appear in required, and unknown properties are rejected.
func strictSchema(params map[string]any) map[string]any {
	if params == nil {
		return map[string]any{
			"type":                 "object",
			"properties":           map[string]any{},
			"required":             []any{},
			"additionalProperties": false,
		}
	}
	out := make(map[string]any, len(params)+2)
	for k, v := range params {
		out[k] = v
	}
	if props, ok := out["properties"].(map[string]any); ok {
		keys := make([]string, 0, len(props))
		for k := range props {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		required := make([]any, len(keys))
		for i, k := range keys {
			required[i] = k
		}
		out["required"] = required
	}
	if _, ok := out["additionalProperties"]; !ok {
		out["additionalProperties"] = false
	}
	return out
}

func dataURL(img *protocol.ImageData) string {
	return "data:" + img.MimeType + ";base64," + img.B64
}
