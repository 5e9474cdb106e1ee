package llms

import (
	"context"
	"strings"
	"testing"

	"github.com/promptgate/promptgate/pkg/config"
	"github.com/promptgate/promptgate/pkg/protocol"
)

func TestParseIAssistantStream(t *testing.T) {
	body := strings.NewReader(strings.Join([]string{
		`{"event":"token","data":"The "}`,
		`{"event":"token","data":"answer."}`,
		`not json at all`,
		`{"event":"done","usage":{"promptTokens":9,"completionTokens":4}}`,
	}, "\n") + "\n")

	ch := make(chan protocol.StreamEvent, 64)
	go func() {
		defer close(ch)
		parseIAssistantStream(context.Background(), body, ch)
	}()
	events := collectEvents(ch)

	var text strings.Builder
	var finish *protocol.StreamEvent
	for i := range events {
		switch events[i].Type {
		case protocol.EventContentDelta:
			text.WriteString(events[i].Text)
		case protocol.EventFinish:
			finish = &events[i]
		}
	}

	if text.String() != "The answer." {
		t.Errorf("content = %q", text.String())
	}
	if finish == nil {
		t.Fatal("missing finish event")
	}
	if finish.FinishReason != protocol.FinishStop {
		t.Errorf("finish = %s", finish.FinishReason)
	}
	if finish.Usage == nil || finish.Usage.TotalTokens != 13 {
		t.Errorf("usage = %+v", finish.Usage)
	}
}

func TestParseIAssistantStreamError(t *testing.T) {
	body := strings.NewReader(`{"event":"error","message":"index unavailable"}` + "\n")

	ch := make(chan protocol.StreamEvent, 64)
	go func() {
		defer close(ch)
		parseIAssistantStream(context.Background(), body, ch)
	}()
	events := collectEvents(ch)

	if len(events) != 1 || events[0].Type != protocol.EventError {
		t.Fatalf("expected a single error event, got %+v", events)
	}
	if events[0].Err.Message != "index unavailable" {
		t.Errorf("message = %q", events[0].Err.Message)
	}
}

func TestParseIAssistantStreamTruncated(t *testing.T) {
	// Stream ends without a done line; the parser still finishes cleanly.
	body := strings.NewReader(`{"event":"token","data":"partial"}` + "\n")

	ch := make(chan protocol.StreamEvent, 64)
	go func() {
		defer close(ch)
		parseIAssistantStream(context.Background(), body, ch)
	}()
	events := collectEvents(ch)

	last := events[len(events)-1]
	if last.Type != protocol.EventFinish || last.FinishReason != protocol.FinishStop {
		t.Errorf("truncated stream must still finish, got %+v", last)
	}
}

func TestBuildIAssistantRequest(t *testing.T) {
	req := buildIAssistantRequest(&Request{
		Model: &config.Model{ID: "ia", ModelID: "support-profile"},
		Messages: []*protocol.Message{
			{Role: protocol.RoleSystem, Content: "you are helpful"},
			{Role: protocol.RoleUser, Content: "earlier question"},
			{Role: protocol.RoleAssistant, Content: "earlier answer"},
			{Role: protocol.RoleTool, ToolCallID: "x", Content: "ignored"},
			{Role: protocol.RoleUser, Content: "current question"},
		},
	})

	if req.Question != "current question" {
		t.Errorf("question = %q", req.Question)
	}
	if req.Profile != "support-profile" {
		t.Errorf("profile = %q", req.Profile)
	}
	if !req.Stream {
		t.Error("stream must be requested")
	}
	if len(req.History) != 2 {
		t.Fatalf("history = %+v, want the two prior conversational turns", req.History)
	}
	if req.History[0].Content != "earlier question" || req.History[1].Content != "earlier answer" {
		t.Errorf("history order wrong: %+v", req.History)
	}
}
