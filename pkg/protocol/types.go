// Package protocol defines the provider-agnostic chat representation shared
// by the orchestrator, the streaming pipeline and the provider adapters.
//
// Every provider wire format is converted to and from these types. Opaque
// provider state (Google thought signatures in particular) rides in metadata
// bags so a conversation can hop formats without losing continuation tokens.
package protocol

import "encoding/json"

// Role identifies the author of a message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// Metadata keys recognized on tool calls.
const (
	MetaOriginalFormat   = "originalFormat"
	MetaThoughtSignature = "thoughtSignature"
	MetaItemID           = "itemId"
)

// FunctionCall is the function invocation inside a tool call. Arguments is
// the raw JSON string exactly as the provider produced it.
type FunctionCall struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// ToolCall is a generic tool invocation request emitted by a model.
// Index preserves the original output position end-to-end.
type ToolCall struct {
	ID       string            `json:"id"`
	Index    int               `json:"index"`
	Type     string            `json:"type"`
	Function FunctionCall      `json:"function"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// Meta returns a metadata value, tolerating a nil map.
func (tc *ToolCall) Meta(key string) string {
	if tc.Metadata == nil {
		return ""
	}
	return tc.Metadata[key]
}

// SetMeta sets a metadata value, allocating the map on first use.
func (tc *ToolCall) SetMeta(key, value string) {
	if tc.Metadata == nil {
		tc.Metadata = make(map[string]string)
	}
	tc.Metadata[key] = value
}

// Args unmarshals the argument JSON into a map.
func (tc *ToolCall) Args() (map[string]any, error) {
	args := map[string]any{}
	if tc.Function.Arguments == "" {
		return args, nil
	}
	if err := json.Unmarshal([]byte(tc.Function.Arguments), &args); err != nil {
		return nil, err
	}
	return args, nil
}

// ImageData is a generated or uploaded image.
type ImageData struct {
	MimeType string `json:"mimeType"`
	B64      string `json:"b64"`
}

// Message is one turn in a conversation.
//
// ThoughtSignatures holds every signature from a Google response, in part
// order, including signatures attached to text parts. They must be replayed
// on continuation or Gemini rejects the request with INVALID_ARGUMENT.
type Message struct {
	Role              Role         `json:"role"`
	Content           string       `json:"content"`
	Name              string       `json:"name,omitempty"`
	ToolCalls         []*ToolCall  `json:"tool_calls,omitempty"`
	ToolCallID        string       `json:"tool_call_id,omitempty"`
	ThoughtSignatures []string     `json:"thoughtSignatures,omitempty"`
	Images            []*ImageData `json:"images,omitempty"`
}

// ToolDefinition is a provider-neutral function declaration.
// Parameters is a JSON-Schema object.
type ToolDefinition struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

// FinishReason indicates why a model turn ended.
type FinishReason string

const (
	FinishStop          FinishReason = "stop"
	FinishToolCalls     FinishReason = "tool_calls"
	FinishLength        FinishReason = "length"
	FinishContentFilter FinishReason = "content_filter"
	FinishClarification FinishReason = "clarification"
	FinishError         FinishReason = "error"
	FinishCancelled     FinishReason = "cancelled"
)

// Usage is token accounting reported by the provider.
type Usage struct {
	PromptTokens     int `json:"promptTokens"`
	CompletionTokens int `json:"completionTokens"`
	TotalTokens      int `json:"totalTokens"`
}

// EventType enumerates generic stream events produced by adapters.
type EventType string

const (
	EventContentDelta     EventType = "content-delta"
	EventToolCallDelta    EventType = "tool-call-delta"
	EventToolCallComplete EventType = "tool-call-complete"
	EventImage            EventType = "image"
	EventFinish           EventType = "finish"
	EventError            EventType = "error"
)

// StreamEvent is one element of the generic provider event stream.
// Field usage depends on Type:
//
//	content-delta:      Text
//	tool-call-delta:    Index, ID (first delta only), Name, ArgsDelta
//	tool-call-complete: Index, Call
//	image:              Image
//	finish:             FinishReason, Usage, ThoughtSignatures
//	error:              Err
type StreamEvent struct {
	Type EventType

	Text string

	Index     int
	ID        string
	Name      string
	ArgsDelta string
	Call      *ToolCall

	Image *ImageData

	FinishReason      FinishReason
	Usage             *Usage
	ThoughtSignatures []string

	Err *ProviderError
}
