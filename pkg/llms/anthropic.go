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

const anthropicVersion = "2023-06-01"

// Anthropic requires max_tokens; this is the fallback when the request does
// not set one.
const anthropicDefaultMaxTokens = 4096

type anthropicRequest struct {
	Model       string             `json:"model"`
	System      string             `json:"system,omitempty"`
	Messages    []anthropicMessage `json:"messages"`
	Tools       []anthropicToolDef `json:"tools,omitempty"`
	MaxTokens   int                `json:"max_tokens"`
	Temperature *float64           `json:"temperature,omitempty"`
	Stream      bool               `json:"stream"`
}

type anthropicMessage struct {
	Role    string           `json:"role"`
	Content []anthropicBlock `json:"content"`
}

type anthropicBlock struct {
	Type string `json:"type"`

	Text string `json:"text,omitempty"`

	// tool_use fields.
	ID    string         `json:"id,omitempty"`
	Name  string         `json:"name,omitempty"`
	Input map[string]any `json:"input,omitempty"`

	// tool_result fields.
	ToolUseID string `json:"tool_use_id,omitempty"`
	Content   string `json:"content,omitempty"`

	// image fields.
	Source *anthropicImageSource `json:"source,omitempty"`
}

type anthropicImageSource struct {
	Type      string `json:"type"`
	MediaType string `json:"media_type"`
	Data      string `json:"data"`
}

type anthropicToolDef struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	InputSchema map[string]any `json:"input_schema"`
}

type anthropicStreamEvent struct {
	Type  string `json:"type"`
	Index int    `json:"index"`

	ContentBlock *anthropicBlock `json:"content_block"`
	Delta        *struct {
		Type        string `json:"type"`
		Text        string `json:"text"`
		PartialJSON string `json:"partial_json"`
		StopReason  string `json:"stop_reason"`
	} `json:"delta"`
	Message *struct {
		Usage *anthropicUsage `json:"usage"`
	} `json:"message"`
	Usage *anthropicUsage `json:"usage"`
	Error *struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

type anthropicUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// AnthropicProvider speaks the Messages API.
type AnthropicProvider struct {
	client        *httpclient.Client
	noRetryClient *httpclient.Client
}

func NewAnthropic(timeout time.Duration) *AnthropicProvider {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &AnthropicProvider{
		client: httpclient.New(
			httpclient.WithHTTPClient(newHTTPClient(timeout)),
			httpclient.WithHeaderParser(httpclient.ParseAnthropicRateLimitHeaders),
		),
		noRetryClient: httpclient.New(
			httpclient.WithHTTPClient(newHTTPClient(timeout)),
			httpclient.WithRetryStrategy(httpclient.NoRetryStrategy),
		),
	}
}

func (p *AnthropicProvider) Name() string { return "anthropic" }

func (p *AnthropicProvider) Stream(ctx context.Context, req *Request) (<-chan protocol.StreamEvent, error) {
	key, err := requireKey(req.Model, req.PlatformSecret)
	if err != nil {
		return nil, err
	}

	client := p.client
	if req.Continuation {
		client = p.noRetryClient
	}

	payload := buildAnthropicRequest(req)
	resp, perr, err := postJSON(ctx, client, endpointURL(req.Model), map[string]string{
		"x-api-key":         key,
		"anthropic-version": anthropicVersion,
		"Accept":            "text/event-stream",
	}, payload)
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
		parseAnthropicStream(ctx, resp.Body, ch)
	}()
	return ch, nil
}

func buildAnthropicRequest(req *Request) anthropicRequest {
	system, rest := systemAndRest(req.Messages)
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = anthropicDefaultMaxTokens
	}
	out := anthropicRequest{
		Model:       req.Model.ModelID,
		System:      system,
		Messages:    toAnthropicMessages(rest),
		MaxTokens:   maxTokens,
		Temperature: req.Temperature,
		Stream:      true,
	}
	for _, tool := range req.Tools {
		schema := tool.Parameters
		if schema == nil {
			schema = map[string]any{"type": "object", "properties": map[string]any{}}
		}
		out.Tools = append(out.Tools, anthropicToolDef{
			Name:        tool.Name,
			Description: tool.Description,
			InputSchema: schema,
		})
	}
	return out
}

// toAnthropicMessages converts the conversation. Tool results become
// tool_result blocks on a user turn; consecutive tool messages merge into
// one turn because the API rejects adjacent same-role messages.
func toAnthropicMessages(messages []*protocol.Message) []anthropicMessage {
	var out []anthropicMessage

	appendBlocks := func(role string, blocks []anthropicBlock) {
		if len(blocks) == 0 {
			return
		}
		if len(out) > 0 && out[len(out)-1].Role == role {
			out[len(out)-1].Content = append(out[len(out)-1].Content, blocks...)
			return
		}
		out = append(out, anthropicMessage{Role: role, Content: blocks})
	}

	for _, m := range messages {
		switch m.Role {
		case protocol.RoleUser:
			var blocks []anthropicBlock
			if m.Content != "" {
				blocks = append(blocks, anthropicBlock{Type: "text", Text: m.Content})
			}
			for _, img := range m.Images {
				blocks = append(blocks, anthropicBlock{
					Type: "image",
					Source: &anthropicImageSource{
						Type:      "base64",
						MediaType: img.MimeType,
						Data:      img.B64,
					},
				})
			}
			appendBlocks("user", blocks)

		case protocol.RoleAssistant:
			var blocks []anthropicBlock
			if m.Content != "" {
				blocks = append(blocks, anthropicBlock{Type: "text", Text: m.Content})
			}
			calls := make([]*protocol.ToolCall, len(m.ToolCalls))
			copy(calls, m.ToolCalls)
			sort.SliceStable(calls, func(i, j int) bool { return calls[i].Index < calls[j].Index })
			for _, tc := range calls {
				input, err := tc.Args()
				if err != nil {
					slog.Warn("tool call arguments are not valid JSON, sending empty input", "tool", tc.Function.Name, "error", err)
					input = map[string]any{}
				}
				blocks = append(blocks, anthropicBlock{
					Type:  "tool_use",
					ID:    tc.ID,
					Name:  tc.Function.Name,
					Input: input,
				})
			}
			appendBlocks("assistant", blocks)

		case protocol.RoleTool:
			appendBlocks("user", []anthropicBlock{{
				Type:      "tool_result",
				ToolUseID: m.ToolCallID,
				Content:   m.Content,
			}})
		}
	}
	return out
}

// fromAnthropicBlocks converts a completed assistant turn back to the
// generic form.
func fromAnthropicBlocks(blocks []anthropicBlock) *protocol.Message {
	msg := &protocol.Message{Role: protocol.RoleAssistant}
	index := 0
	for _, block := range blocks {
		switch block.Type {
		case "text":
			msg.Content += block.Text
		case "tool_use":
			args, err := json.Marshal(block.Input)
			if err != nil {
				args = []byte("{}")
			}
			call := &protocol.ToolCall{
				ID:    block.ID,
				Index: index,
				Type:  "function",
				Function: protocol.FunctionCall{
					Name:      block.Name,
					Arguments: string(args),
				},
			}
			call.SetMeta(protocol.MetaOriginalFormat, "anthropic")
			msg.ToolCalls = append(msg.ToolCalls, call)
			index++
		}
	}
	return msg
}

func parseAnthropicStream(ctx context.Context, body io.Reader, ch chan<- protocol.StreamEvent) {
	type pendingCall struct {
		index int
		id    string
		name  string
		args  strings.Builder
	}
	// Keyed by content-block index; tool-call ordinals assigned in order of
	// appearance.
	pending := map[int]*pendingCall{}
	nextOrdinal := 0
	var usage protocol.Usage
	finish := protocol.FinishStop

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

		var event anthropicStreamEvent
		if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &event); err != nil {
			slog.Debug("skipping malformed stream event", "error", err)
			continue
		}

		switch event.Type {
		case "message_start":
			if event.Message != nil && event.Message.Usage != nil {
				usage.PromptTokens = event.Message.Usage.InputTokens
			}

		case "content_block_start":
			if event.ContentBlock == nil || event.ContentBlock.Type != "tool_use" {
				continue
			}
			pc := &pendingCall{
				index: nextOrdinal,
				id:    event.ContentBlock.ID,
				name:  event.ContentBlock.Name,
			}
			nextOrdinal++
			pending[event.Index] = pc
			ch <- protocol.StreamEvent{
				Type:  protocol.EventToolCallDelta,
				Index: pc.index,
				ID:    pc.id,
				Name:  pc.name,
			}

		case "content_block_delta":
			if event.Delta == nil {
				continue
			}
			switch event.Delta.Type {
			case "text_delta":
				if event.Delta.Text != "" {
					ch <- protocol.StreamEvent{Type: protocol.EventContentDelta, Text: event.Delta.Text}
				}
			case "input_json_delta":
				if pc, ok := pending[event.Index]; ok {
					pc.args.WriteString(event.Delta.PartialJSON)
					ch <- protocol.StreamEvent{
						Type:      protocol.EventToolCallDelta,
						Index:     pc.index,
						ArgsDelta: event.Delta.PartialJSON,
					}
				}
			}

		case "content_block_stop":
			pc, ok := pending[event.Index]
			if !ok {
				continue
			}
			delete(pending, event.Index)
			args := pc.args.String()
			if args == "" {
				args = "{}"
			}
			call := &protocol.ToolCall{
				ID:    pc.id,
				Index: pc.index,
				Type:  "function",
				Function: protocol.FunctionCall{
					Name:      pc.name,
					Arguments: args,
				},
			}
			call.SetMeta(protocol.MetaOriginalFormat, "anthropic")
			ch <- protocol.StreamEvent{Type: protocol.EventToolCallComplete, Index: pc.index, Call: call}

		case "message_delta":
			if event.Delta != nil && event.Delta.StopReason != "" {
				finish = mapAnthropicStop(event.Delta.StopReason)
			}
			if event.Usage != nil {
				usage.CompletionTokens = event.Usage.OutputTokens
			}

		case "message_stop":
			usage.TotalTokens = usage.PromptTokens + usage.CompletionTokens
			ch <- finishEvent(finish, &usage)
			return

		case "error":
			message := "provider reported a failure"
			if event.Error != nil && event.Error.Message != "" {
				message = event.Error.Message
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
	// Stream ended without message_stop; report what we have.
	usage.TotalTokens = usage.PromptTokens + usage.CompletionTokens
	ch <- finishEvent(finish, &usage)
}

func mapAnthropicStop(reason string) protocol.FinishReason {
	switch reason {
	case "tool_use":
		return protocol.FinishToolCalls
	case "max_tokens":
		return protocol.FinishLength
	case "refusal":
		return protocol.FinishContentFilter
	default:
		return protocol.FinishStop
	}
}
