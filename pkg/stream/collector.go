package stream

import (
	"context"
	"sort"
	"strings"

	"github.com/promptgate/promptgate/pkg/protocol"
)

// Turn is one fully collected provider response.
type Turn struct {
	Message      *protocol.Message
	Images       []*protocol.ImageData
	FinishReason protocol.FinishReason
	Usage        *protocol.Usage
	Err          *protocol.ProviderError
}

// Collect drains a generic provider stream, forwarding displayable events
// through emit while assembling the assistant message. Content and image
// events forward immediately; tool-call deltas only surface as progress
// markers, the full call is attached to the returned message.
func Collect(ctx context.Context, events <-chan protocol.StreamEvent, emit func(Event)) *Turn {
	var content strings.Builder
	var calls []*protocol.ToolCall
	announced := map[int]bool{}

	turn := &Turn{FinishReason: protocol.FinishStop}

	for event := range events {
		if ctx.Err() != nil {
			// Drain without forwarding so the producer goroutine can exit.
			continue
		}

		switch event.Type {
		case protocol.EventContentDelta:
			content.WriteString(event.Text)
			emit(Event{Type: EventContent, Data: map[string]any{"content": event.Text}})

		case protocol.EventImage:
			turn.Images = append(turn.Images, event.Image)
			emit(Event{Type: EventImage, Data: event.Image})

		case protocol.EventToolCallDelta:
			if !announced[event.Index] && event.Name != "" {
				announced[event.Index] = true
				emit(Event{Type: EventToolCall, Data: map[string]any{
					"index": event.Index,
					"name":  event.Name,
				}})
			}

		case protocol.EventToolCallComplete:
			if event.Call != nil {
				calls = append(calls, event.Call)
				if !announced[event.Call.Index] && event.Call.Function.Name != "" {
					announced[event.Call.Index] = true
					emit(Event{Type: EventToolCall, Data: map[string]any{
						"index": event.Call.Index,
						"name":  event.Call.Function.Name,
					}})
				}
			}

		case protocol.EventFinish:
			turn.FinishReason = event.FinishReason
			turn.Usage = event.Usage
			if len(event.ThoughtSignatures) > 0 {
				if turn.Message == nil {
					turn.Message = &protocol.Message{Role: protocol.RoleAssistant}
				}
				turn.Message.ThoughtSignatures = event.ThoughtSignatures
			}

		case protocol.EventError:
			turn.Err = event.Err
		}
	}

	if ctx.Err() != nil {
		turn.FinishReason = protocol.FinishCancelled
	}

	if turn.Message == nil {
		turn.Message = &protocol.Message{Role: protocol.RoleAssistant}
	}
	turn.Message.Content = content.String()

	// Parallel fan-in may deliver completions out of order; restore the
	// original output positions.
	sort.SliceStable(calls, func(i, j int) bool { return calls[i].Index < calls[j].Index })
	turn.Message.ToolCalls = calls
	if len(calls) > 0 && turn.FinishReason == protocol.FinishStop {
		turn.FinishReason = protocol.FinishToolCalls
	}
	return turn
}
