package stream

import (
	"context"
	"testing"

	"github.com/promptgate/promptgate/pkg/protocol"
)

func feed(events ...protocol.StreamEvent) <-chan protocol.StreamEvent {
	ch := make(chan protocol.StreamEvent, len(events))
	for _, ev := range events {
		ch <- ev
	}
	close(ch)
	return ch
}

func TestCollectAssemblesContentAndCalls(t *testing.T) {
	var emitted []Event
	turn := Collect(context.Background(), feed(
		protocol.StreamEvent{Type: protocol.EventContentDelta, Text: "Hello "},
		protocol.StreamEvent{Type: protocol.EventContentDelta, Text: "world"},
		protocol.StreamEvent{Type: protocol.EventToolCallComplete, Call: &protocol.ToolCall{
			ID: "b", Index: 1, Function: protocol.FunctionCall{Name: "second", Arguments: "{}"},
		}},
		protocol.StreamEvent{Type: protocol.EventToolCallComplete, Call: &protocol.ToolCall{
			ID: "a", Index: 0, Function: protocol.FunctionCall{Name: "first", Arguments: "{}"},
		}},
		protocol.StreamEvent{Type: protocol.EventFinish, FinishReason: protocol.FinishToolCalls},
	), func(ev Event) { emitted = append(emitted, ev) })

	if turn.Message.Content != "Hello world" {
		t.Errorf("content = %q", turn.Message.Content)
	}
	if len(turn.Message.ToolCalls) != 2 {
		t.Fatalf("calls = %d, want 2", len(turn.Message.ToolCalls))
	}
	if turn.Message.ToolCalls[0].ID != "a" || turn.Message.ToolCalls[1].ID != "b" {
		t.Error("calls must be reordered by their output index")
	}
	if turn.FinishReason != protocol.FinishToolCalls {
		t.Errorf("finish = %s", turn.FinishReason)
	}

	announced := 0
	for _, ev := range emitted {
		if ev.Type == EventToolCall {
			announced++
		}
	}
	if announced != 2 {
		t.Errorf("each call must be announced exactly once, got %d", announced)
	}
}

func TestCollectPromotesFinishWhenCallsPresent(t *testing.T) {
	turn := Collect(context.Background(), feed(
		protocol.StreamEvent{Type: protocol.EventToolCallComplete, Call: &protocol.ToolCall{
			ID: "a", Function: protocol.FunctionCall{Name: "lookup", Arguments: "{}"},
		}},
		protocol.StreamEvent{Type: protocol.EventFinish, FinishReason: protocol.FinishStop},
	), func(Event) {})

	if turn.FinishReason != protocol.FinishToolCalls {
		t.Errorf("stop with calls attached must become tool_calls, got %s", turn.FinishReason)
	}
}

func TestCollectDeltaAnnouncedOnce(t *testing.T) {
	var emitted []Event
	Collect(context.Background(), feed(
		protocol.StreamEvent{Type: protocol.EventToolCallDelta, Index: 0, Name: "lookup"},
		protocol.StreamEvent{Type: protocol.EventToolCallDelta, Index: 0},
		protocol.StreamEvent{Type: protocol.EventToolCallComplete, Call: &protocol.ToolCall{
			ID: "a", Index: 0, Function: protocol.FunctionCall{Name: "lookup", Arguments: "{}"},
		}},
		protocol.StreamEvent{Type: protocol.EventFinish, FinishReason: protocol.FinishToolCalls},
	), func(ev Event) { emitted = append(emitted, ev) })

	announced := 0
	for _, ev := range emitted {
		if ev.Type == EventToolCall {
			announced++
		}
	}
	if announced != 1 {
		t.Errorf("delta then completion must announce once, got %d", announced)
	}
}

func TestCollectCancelledContextDrains(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	var emitted []Event
	turn := Collect(ctx, feed(
		protocol.StreamEvent{Type: protocol.EventContentDelta, Text: "late"},
		protocol.StreamEvent{Type: protocol.EventFinish, FinishReason: protocol.FinishStop},
	), func(ev Event) { emitted = append(emitted, ev) })

	if len(emitted) != 0 {
		t.Errorf("cancelled collect must not forward events, got %d", len(emitted))
	}
	if turn.FinishReason != protocol.FinishCancelled {
		t.Errorf("finish = %s, want cancelled", turn.FinishReason)
	}
}

func TestCollectError(t *testing.T) {
	turn := Collect(context.Background(), feed(
		protocol.StreamEvent{Type: protocol.EventContentDelta, Text: "partial"},
		protocol.StreamEvent{Type: protocol.EventError, Err: &protocol.ProviderError{
			Kind: protocol.ErrUnavailable, Message: "gone",
		}},
	), func(Event) {})

	if turn.Err == nil || turn.Err.Message != "gone" {
		t.Errorf("err = %+v", turn.Err)
	}
	if turn.Message.Content != "partial" {
		t.Errorf("partial content must survive an error, got %q", turn.Message.Content)
	}
}

func TestCollectSignaturesAttach(t *testing.T) {
	turn := Collect(context.Background(), feed(
		protocol.StreamEvent{Type: protocol.EventContentDelta, Text: "answer"},
		protocol.StreamEvent{
			Type:              protocol.EventFinish,
			FinishReason:      protocol.FinishStop,
			ThoughtSignatures: []string{"sig-1", "sig-2"},
		},
	), func(Event) {})

	if len(turn.Message.ThoughtSignatures) != 2 {
		t.Errorf("signatures = %v", turn.Message.ThoughtSignatures)
	}
}
