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

// OpenAI Responses API wire format. Tool definitions are FLAT here: name,
// description and parameters sit directly on the tool object, not nested
// under "function" as in Chat Completions.

type responsesRequest struct {
	Model           string              `json:"model"`
	Input           []responsesItem     `json:"input"`
	Instructions    string              `json:"instructions,omitempty"`
	Tools           []responsesToolDef  `json:"tools,omitempty"`
	MaxOutputTokens int                 `json:"max_output_tokens,omitempty"`
	Temperature     *float64            `json:"temperature,omitempty"`
	Stream          bool                `json:"stream"`
}

type responsesToolDef struct {
	Type        string         `json:"type"`
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters"`
	Strict      bool           `json:"strict"`
}

// responsesItem covers all input/output item shapes; unused fields stay
// empty per type.
type responsesItem struct {
	Type    string             `json:"type,omitempty"`
	ID      string             `json:"id,omitempty"`
	Role    string             `json:"role,omitempty"`
	Content []responsesContent `json:"content,omitempty"`

	// function_call / function_call_output fields.
	CallID    string `json:"call_id,omitempty"`
	Name      string `json:"name,omitempty"`
	Arguments string `json:"arguments,omitempty"`
	Output    string `json:"output,omitempty"`
}

type responsesContent struct {
	Type     string `json:"type"`
	Text     string `json:"text,omitempty"`
	ImageURL string `json:"image_url,omitempty"`
}

type responsesUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
	TotalTokens  int `json:"total_tokens"`
}

// responsesStreamEvent is the union of the SSE payloads we care about.
type responsesStreamEvent struct {
	Type        string         `json:"type"`
	Delta       string         `json:"delta"`
	ItemID      string         `json:"item_id"`
	OutputIndex int            `json:"output_index"`
	Arguments   string         `json:"arguments"`
	Item        *responsesItem `json:"item"`
	Response    *struct {
		Output []responsesItem `json:"output"`
		Usage  *responsesUsage `json:"usage"`
	} `json:"response"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}

// ResponsesProvider speaks the OpenAI Responses API.
type ResponsesProvider struct {
	client        *httpclient.Client
	noRetryClient *httpclient.Client
}

func NewResponses(timeout time.Duration) *ResponsesProvider {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &ResponsesProvider{
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

func (p *ResponsesProvider) Name() string { return "openai-responses" }

func (p *ResponsesProvider) Stream(ctx context.Context, req *Request) (<-chan protocol.StreamEvent, error) {
	key, err := requireKey(req.Model, req.PlatformSecret)
	if err != nil {
		return nil, err
	}

	client := p.client
	if req.Continuation {
		client = p.noRetryClient
	}

	payload := buildResponsesRequest(req)
	resp, perr, err := postJSON(ctx, client, endpointURL(req.Model), map[string]string{
		"Authorization": "Bearer " + key,
		"Accept":        "text/event-stream",
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
		parseResponsesStream(ctx, resp.Body, ch)
	}()
	return ch, nil
}

func buildResponsesRequest(req *Request) responsesRequest {
	system, rest := systemAndRest(req.Messages)
	out := responsesRequest{
		Model:           req.Model.ModelID,
		Input:           toResponsesItems(rest),
		Instructions:    system,
		MaxOutputTokens: req.MaxTokens,
		Temperature:     req.Temperature,
		Stream:          true,
	}
	for _, tool := range req.Tools {
		out.Tools = append(out.Tools, responsesToolDef{
			Type:        "function",
			Name:        tool.Name,
			Description: tool.Description,
			Parameters:  strictSchema(tool.Parameters),
			Strict:      true,
		})
	}
	return out
}

func toResponsesItems(messages []*protocol.Message) []responsesItem {
	var items []responsesItem
	for _, m := range messages {
		switch m.Role {
		case protocol.RoleUser:
			content := []responsesContent{}
			if m.Content != "" {
				content = append(content, responsesContent{Type: "input_text", Text: m.Content})
			}
			for _, img := range m.Images {
				content = append(content, responsesContent{Type: "input_image", ImageURL: dataURL(img)})
			}
			items = append(items, responsesItem{Type: "message", Role: "user", Content: content})

		case protocol.RoleAssistant:
			if m.Content != "" {
				items = append(items, responsesItem{
					Type: "message",
					Role: "assistant",
					Content: []responsesContent{
						{Type: "output_text", Text: m.Content},
					},
				})
			}
			calls := make([]*protocol.ToolCall, len(m.ToolCalls))
			copy(calls, m.ToolCalls)
			sort.SliceStable(calls, func(i, j int) bool { return calls[i].Index < calls[j].Index })
			for _, tc := range calls {
				items = append(items, responsesItem{
					Type:      "function_call",
					ID:        tc.Meta(protocol.MetaItemID),
					CallID:    tc.ID,
					Name:      tc.Function.Name,
					Arguments: tc.Function.Arguments,
				})
			}

		case protocol.RoleTool:
			items = append(items, responsesItem{
				Type:   "function_call_output",
				CallID: m.ToolCallID,
				Output: m.Content,
			})
		}
	}
	return items
}

// fromResponsesOutput converts a full output array back to a generic
// assistant message. Also the source of the derived finish reason: the
// Responses API reports none, so the presence of function_call items decides.
func fromResponsesOutput(output []responsesItem) (*protocol.Message, protocol.FinishReason) {
	msg := &protocol.Message{Role: protocol.RoleAssistant}
	finish := protocol.FinishStop
	index := 0

	for _, item := range output {
		switch item.Type {
		case "message":
			for _, c := range item.Content {
				if c.Type == "output_text" {
					msg.Content += c.Text
				}
			}
		case "function_call":
			call := &protocol.ToolCall{
				ID:    item.CallID,
				Index: index,
				Type:  "function",
				Function: protocol.FunctionCall{
					Name:      item.Name,
					Arguments: item.Arguments,
				},
			}
			call.SetMeta(protocol.MetaOriginalFormat, "openai-responses")
			if item.ID != "" {
				call.SetMeta(protocol.MetaItemID, item.ID)
			}
			msg.ToolCalls = append(msg.ToolCalls, call)
			index++
			finish = protocol.FinishToolCalls
		}
	}
	return msg, finish
}

// parseResponsesStream assembles tool calls from the added/delta/done event
// sequence. The *.done events carry the authoritative name and argument
// string, so late or out-of-order deltas cannot corrupt the result.
func parseResponsesStream(ctx context.Context, body io.Reader, ch chan<- protocol.StreamEvent) {
	type pendingCall struct {
		index  int
		callID string
		name   string
		args   strings.Builder
		final  string
		done   bool
	}
	pending := map[string]*pendingCall{}
	order := []string{}
	var usage *protocol.Usage
	sawFunctionCall := false

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

		var event responsesStreamEvent
		if err := json.Unmarshal([]byte(data), &event); err != nil {
			slog.Debug("skipping malformed stream event", "error", err)
			continue
		}

		switch event.Type {
		case "response.output_text.delta":
			if event.Delta != "" {
				ch <- protocol.StreamEvent{Type: protocol.EventContentDelta, Text: event.Delta}
			}

		case "response.output_item.added":
			if event.Item == nil || event.Item.Type != "function_call" {
				continue
			}
			sawFunctionCall = true
			pc := &pendingCall{
				index:  event.OutputIndex,
				callID: event.Item.CallID,
				name:   event.Item.Name,
			}
			pending[event.Item.ID] = pc
			order = append(order, event.Item.ID)
			ch <- protocol.StreamEvent{
				Type:  protocol.EventToolCallDelta,
				Index: pc.index,
				ID:    pc.callID,
				Name:  pc.name,
			}

		case "response.function_call_arguments.delta":
			pc, ok := pending[event.ItemID]
			if !ok {
				// Delta before its added event; key defensively by item id.
				pc = &pendingCall{index: event.OutputIndex}
				pending[event.ItemID] = pc
				order = append(order, event.ItemID)
			}
			pc.args.WriteString(event.Delta)
			ch <- protocol.StreamEvent{
				Type:      protocol.EventToolCallDelta,
				Index:     pc.index,
				ArgsDelta: event.Delta,
			}

		case "response.function_call_arguments.done":
			if pc, ok := pending[event.ItemID]; ok {
				pc.final = event.Arguments
			}

		case "response.output_item.done":
			if event.Item == nil || event.Item.Type != "function_call" {
				continue
			}
			pc, ok := pending[event.Item.ID]
			if !ok {
				pc = &pendingCall{index: event.OutputIndex}
				pending[event.Item.ID] = pc
				order = append(order, event.Item.ID)
			}
			pc.done = true
			// The done item is authoritative for every field.
			if event.Item.CallID != "" {
				pc.callID = event.Item.CallID
			}
			if event.Item.Name != "" {
				pc.name = event.Item.Name
			}
			if event.Item.Arguments != "" {
				pc.final = event.Item.Arguments
			}
			args := pc.final
			if args == "" {
				args = pc.args.String()
			}
			call := &protocol.ToolCall{
				ID:    pc.callID,
				Index: pc.index,
				Type:  "function",
				Function: protocol.FunctionCall{
					Name:      pc.name,
					Arguments: args,
				},
			}
			call.SetMeta(protocol.MetaOriginalFormat, "openai-responses")
			call.SetMeta(protocol.MetaItemID, event.Item.ID)
			sawFunctionCall = true
			ch <- protocol.StreamEvent{Type: protocol.EventToolCallComplete, Index: pc.index, Call: call}

		case "response.completed":
			if event.Response != nil {
				if event.Response.Usage != nil {
					usage = &protocol.Usage{
						PromptTokens:     event.Response.Usage.InputTokens,
						CompletionTokens: event.Response.Usage.OutputTokens,
						TotalTokens:      event.Response.Usage.TotalTokens,
					}
				}
				for _, item := range event.Response.Output {
					if item.Type == "function_call" {
						sawFunctionCall = true
					}
				}
			}

		case "response.failed", "error":
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

	// No finish_reason on this API: function calls present means tool_calls.
	finish := protocol.FinishStop
	if sawFunctionCall {
		finish = protocol.FinishToolCalls
	}
	ch <- finishEvent(finish, usage)
}
