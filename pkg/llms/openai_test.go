package llms

import (
	"context"
	"reflect"
	"strings"
	"testing"

	"github.com/promptgate/promptgate/pkg/protocol"
)

func collectEvents(ch <-chan protocol.StreamEvent) []protocol.StreamEvent {
	var out []protocol.StreamEvent
	for ev := range ch {
		out = append(out, ev)
	}
	return out
}

func TestParseOpenAIStreamAssemblesToolCalls(t *testing.T) {
	body := strings.NewReader(strings.Join([]string{
		`data: {"choices":[{"delta":{"content":"Checking."}}]}`,
		`data: {"choices":[{"delta":{"tool_calls":[{"index":0,"id":"call_a","function":{"name":"webSearch","arguments":"{\"qu"}}]}}]}`,
		`data: {"choices":[{"delta":{"tool_calls":[{"index":1,"id":"call_b","function":{"name":"webSearch","arguments":"{\"query\":\"b\"}"}}]}}]}`,
		`data: {"choices":[{"delta":{"tool_calls":[{"index":0,"function":{"arguments":"ery\":\"a\"}"}}]}}]}`,
		`data: {"choices":[{"delta":{},"finish_reason":"tool_calls"}]}`,
		`data: {"choices":[],"usage":{"prompt_tokens":10,"completion_tokens":5,"total_tokens":15}}`,
		`data: [DONE]`,
		"",
	}, "\n\n"))

	ch := make(chan protocol.StreamEvent, 64)
	go func() {
		defer close(ch)
		parseOpenAIStream(context.Background(), body, ch)
	}()
	events := collectEvents(ch)

	var calls []*protocol.ToolCall
	var finish *protocol.StreamEvent
	for i := range events {
		switch events[i].Type {
		case protocol.EventToolCallComplete:
			calls = append(calls, events[i].Call)
		case protocol.EventFinish:
			finish = &events[i]
		}
	}

	if len(calls) != 2 {
		t.Fatalf("expected 2 completed calls, got %d", len(calls))
	}
	if calls[0].Index != 0 || calls[1].Index != 1 {
		t.Errorf("completed calls out of index order: %d, %d", calls[0].Index, calls[1].Index)
	}
	if calls[0].Function.Arguments != `{"query":"a"}` {
		t.Errorf("interleaved argument fragments must reassemble per index, got %q", calls[0].Function.Arguments)
	}
	if calls[1].ID != "call_b" {
		t.Errorf("call id = %q, want call_b", calls[1].ID)
	}

	if finish == nil {
		t.Fatal("missing finish event")
	}
	if finish.FinishReason != protocol.FinishToolCalls {
		t.Errorf("finish = %s, want tool_calls", finish.FinishReason)
	}
	if finish.Usage == nil || finish.Usage.TotalTokens != 15 {
		t.Errorf("usage not taken from the final chunk: %+v", finish.Usage)
	}
}

func TestParseOpenAIStreamPlainCompletion(t *testing.T) {
	body := strings.NewReader(strings.Join([]string{
		`data: {"choices":[{"delta":{"content":"Hello"}}]}`,
		`data: {"choices":[{"delta":{"content":" world"}}]}`,
		`data: {"choices":[{"delta":{},"finish_reason":"stop"}]}`,
		`data: [DONE]`,
		"",
	}, "\n\n"))

	ch := make(chan protocol.StreamEvent, 64)
	go func() {
		defer close(ch)
		parseOpenAIStream(context.Background(), body, ch)
	}()
	events := collectEvents(ch)

	var text strings.Builder
	for _, ev := range events {
		if ev.Type == protocol.EventContentDelta {
			text.WriteString(ev.Text)
		}
	}
	if text.String() != "Hello world" {
		t.Errorf("content = %q", text.String())
	}
	last := events[len(events)-1]
	if last.Type != protocol.EventFinish || last.FinishReason != protocol.FinishStop {
		t.Errorf("stream must end with a stop finish, got %+v", last)
	}
}

func TestToOpenAIMessageOrdersToolCallsByIndex(t *testing.T) {
	msg := &protocol.Message{
		Role: protocol.RoleAssistant,
		ToolCalls: []*protocol.ToolCall{
			{ID: "b", Index: 1, Function: protocol.FunctionCall{Name: "second"}},
			{ID: "a", Index: 0, Function: protocol.FunctionCall{Name: "first"}},
		},
	}
	out := toOpenAIMessage(msg)
	if len(out.ToolCalls) != 2 || out.ToolCalls[0].ID != "a" || out.ToolCalls[1].ID != "b" {
		t.Errorf("tool calls must serialize in index order, got %+v", out.ToolCalls)
	}
}

func TestToolCallRoundTrip(t *testing.T) {
	original := &protocol.Message{
		Role:    protocol.RoleAssistant,
		Content: "Let me check.",
		ToolCalls: []*protocol.ToolCall{
			{ID: "call_1", Index: 0, Function: protocol.FunctionCall{Name: "webSearch", Arguments: `{"query":"go"}`}},
		},
	}

	wire := toOpenAIMessage(original)
	back := fromOpenAIAssistant(wire)

	if back.Content != original.Content {
		t.Errorf("content = %q, want %q", back.Content, original.Content)
	}
	if len(back.ToolCalls) != 1 {
		t.Fatalf("expected one tool call, got %d", len(back.ToolCalls))
	}
	got, want := back.ToolCalls[0], original.ToolCalls[0]
	if got.ID != want.ID || got.Index != want.Index ||
		got.Function.Name != want.Function.Name || got.Function.Arguments != want.Function.Arguments {
		t.Errorf("round trip altered the call: %+v", got)
	}
}

func TestStrictSchemaPromotesAllProperties(t *testing.T) {
	schema := strictSchema(map[string]any{
		"type": "object",
		"properties": map[string]any{
			"query":      map[string]any{"type": "string"},
			"maxResults": map[string]any{"type": "integer"},
		},
		"required": []any{"query"},
	})

	required, ok := schema["required"].([]any)
	if !ok {
		t.Fatalf("required missing: %v", schema)
	}
	want := []any{"maxResults", "query"}
	if !reflect.DeepEqual(required, want) {
		t.Errorf("strict mode must require every property (sorted), got %v", required)
	}
	if schema["additionalProperties"] != false {
		t.Error("strict mode must reject additional properties")
	}
}

func TestStrictSchemaNilParameters(t *testing.T) {
	schema := strictSchema(nil)
	if schema["type"] != "object" || schema["additionalProperties"] != false {
		t.Errorf("nil parameters must produce an empty strict object schema, got %v", schema)
	}
}
