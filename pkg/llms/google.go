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

// Google Gemini generateContent wire format.
//
// With thinking enabled Gemini attaches an opaque thoughtSignature to text
// parts AND functionCall parts. Every signature must be replayed on its
// original part kind in the continuation request or the API rejects it with
// INVALID_ARGUMENT. Signatures therefore ride both on the tool-call metadata
// (per call) and on the assistant message (full part-order list).

type googleRequest struct {
	SystemInstruction *googleContent     `json:"systemInstruction,omitempty"`
	Contents          []googleContent    `json:"contents"`
	Tools             []googleTool       `json:"tools,omitempty"`
	GenerationConfig  *googleGenConfig   `json:"generationConfig,omitempty"`
}

type googleContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []googlePart `json:"parts"`
}

type googlePart struct {
	Text             string                  `json:"text,omitempty"`
	Thought          bool                    `json:"thought,omitempty"`
	ThoughtSignature string                  `json:"thoughtSignature,omitempty"`
	InlineData       *googleInlineData       `json:"inlineData,omitempty"`
	FunctionCall     *googleFunctionCall     `json:"functionCall,omitempty"`
	FunctionResponse *googleFunctionResponse `json:"functionResponse,omitempty"`
}

type googleInlineData struct {
	MimeType string `json:"mimeType"`
	Data     string `json:"data"`
}

type googleFunctionCall struct {
	Name string         `json:"name"`
	Args map[string]any `json:"args"`
}

type googleFunctionResponse struct {
	Name     string         `json:"name"`
	Response map[string]any `json:"response"`
}

type googleTool struct {
	FunctionDeclarations []googleFunctionDecl `json:"functionDeclarations"`
}

type googleFunctionDecl struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

type googleGenConfig struct {
	MaxOutputTokens int      `json:"maxOutputTokens,omitempty"`
	Temperature     *float64 `json:"temperature,omitempty"`
}

type googleStreamChunk struct {
	Candidates []struct {
		Content      *googleContent `json:"content"`
		FinishReason string         `json:"finishReason"`
	} `json:"candidates"`
	UsageMetadata *struct {
		PromptTokenCount     int `json:"promptTokenCount"`
		CandidatesTokenCount int `json:"candidatesTokenCount"`
		TotalTokenCount      int `json:"totalTokenCount"`
	} `json:"usageMetadata"`
	Error *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// GoogleProvider speaks the Gemini API via streamGenerateContent.
type GoogleProvider struct {
	client        *httpclient.Client
	noRetryClient *httpclient.Client
}

func NewGoogle(timeout time.Duration) *GoogleProvider {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &GoogleProvider{
		client: httpclient.New(
			httpclient.WithHTTPClient(newHTTPClient(timeout)),
			httpclient.WithHeaderParser(httpclient.ParseGoogleRateLimitHeaders),
		),
		noRetryClient: httpclient.New(
			httpclient.WithHTTPClient(newHTTPClient(timeout)),
			httpclient.WithRetryStrategy(httpclient.NoRetryStrategy),
		),
	}
}

func (p *GoogleProvider) Name() string { return "google" }

func (p *GoogleProvider) Stream(ctx context.Context, req *Request) (<-chan protocol.StreamEvent, error) {
	key, err := requireKey(req.Model, req.PlatformSecret)
	if err != nil {
		return nil, err
	}

	client := p.client
	if req.Continuation {
		client = p.noRetryClient
	}

	url := googleStreamURL(endpointURL(req.Model), req.Model.ModelID)
	payload := buildGoogleRequest(req)
	resp, perr, err := postJSON(ctx, client, url, map[string]string{
		"x-goog-api-key": key,
		"Accept":         "text/event-stream",
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
		parseGoogleStream(ctx, resp.Body, ch)
	}()
	return ch, nil
}

// googleStreamURL appends the model path unless the configured URL already
// names a full method endpoint.
func googleStreamURL(base, modelID string) string {
	if strings.Contains(base, ":streamGenerateContent") {
		return base
	}
	return fmt.Sprintf("%s/models/%s:streamGenerateContent?alt=sse",
		strings.TrimRight(base, "/"), modelID)
}

func buildGoogleRequest(req *Request) googleRequest {
	system, rest := systemAndRest(req.Messages)
	out := googleRequest{Contents: toGoogleContents(rest)}
	if system != "" {
		out.SystemInstruction = &googleContent{Parts: []googlePart{{Text: system}}}
	}
	if req.MaxTokens > 0 || req.Temperature != nil {
		out.GenerationConfig = &googleGenConfig{
			MaxOutputTokens: req.MaxTokens,
			Temperature:     req.Temperature,
		}
	}
	if len(req.Tools) > 0 {
		decls := make([]googleFunctionDecl, 0, len(req.Tools))
		for _, tool := range req.Tools {
			decls = append(decls, googleFunctionDecl{
				Name:        tool.Name,
				Description: tool.Description,
				Parameters:  sanitizeGoogleSchema(tool.Parameters),
			})
		}
		out.Tools = []googleTool{{FunctionDeclarations: decls}}
	}
	return out
}

func toGoogleContents(messages []*protocol.Message) []googleContent {
	var out []googleContent
	for _, m := range messages {
		switch m.Role {
		case protocol.RoleUser:
			var parts []googlePart
			if m.Content != "" {
				parts = append(parts, googlePart{Text: m.Content})
			}
			for _, img := range m.Images {
				parts = append(parts, googlePart{
					InlineData: &googleInlineData{MimeType: img.MimeType, Data: img.B64},
				})
			}
			out = append(out, googleContent{Role: "user", Parts: parts})

		case protocol.RoleAssistant:
			out = append(out, googleContent{Role: "model", Parts: assistantGoogleParts(m)})

		case protocol.RoleTool:
			var response map[string]any
			if err := json.Unmarshal([]byte(m.Content), &response); err != nil {
				response = map[string]any{"result": m.Content}
			}
			out = append(out, googleContent{
				Role: "user",
				Parts: []googlePart{{
					FunctionResponse: &googleFunctionResponse{
						Name:     m.Name,
						Response: response,
					},
				}},
			})
		}
	}
	return out
}

// assistantGoogleParts rebuilds the model turn with every thought signature
// on its original part kind: per-call signatures from the tool-call metadata,
// the remaining ones on text parts.
func assistantGoogleParts(m *protocol.Message) []googlePart {
	calls := make([]*protocol.ToolCall, len(m.ToolCalls))
	copy(calls, m.ToolCalls)
	sort.SliceStable(calls, func(i, j int) bool { return calls[i].Index < calls[j].Index })

	// ThoughtSignatures is in part order. Consume each occurrence against the
	// next unconsumed call signature so a value appearing on both a text part
	// and a functionCall part keeps one carrier per occurrence.
	var callSigs []string
	for _, tc := range calls {
		if sig := tc.Meta(protocol.MetaThoughtSignature); sig != "" {
			callSigs = append(callSigs, sig)
		}
	}
	var textSigs []string
	next := 0
	for _, sig := range m.ThoughtSignatures {
		if next < len(callSigs) && sig == callSigs[next] {
			next++
			continue
		}
		textSigs = append(textSigs, sig)
	}

	var parts []googlePart
	if m.Content != "" || len(textSigs) > 0 {
		part := googlePart{Text: m.Content}
		if len(textSigs) > 0 {
			part.ThoughtSignature = textSigs[0]
			textSigs = textSigs[1:]
		}
		parts = append(parts, part)
	}
	// A signature may never be dropped; rare extra text signatures get their
	// own carrier parts.
	for _, sig := range textSigs {
		parts = append(parts, googlePart{Text: " ", ThoughtSignature: sig})
	}

	for _, tc := range calls {
		args, err := tc.Args()
		if err != nil {
			slog.Warn("tool call arguments are not valid JSON, sending empty args", "tool", tc.Function.Name, "error", err)
			args = map[string]any{}
		}
		parts = append(parts, googlePart{
			FunctionCall:     &googleFunctionCall{Name: tc.Function.Name, Args: args},
			ThoughtSignature: tc.Meta(protocol.MetaThoughtSignature),
		})
	}
	return parts
}

// fromGoogleParts converts a completed model turn back to the generic form,
// collecting every signature in part order.
func fromGoogleParts(parts []googlePart) *protocol.Message {
	msg := &protocol.Message{Role: protocol.RoleAssistant}
	index := 0
	for _, part := range parts {
		if part.ThoughtSignature != "" {
			msg.ThoughtSignatures = append(msg.ThoughtSignatures, part.ThoughtSignature)
		}
		switch {
		case part.FunctionCall != nil:
			args, err := json.Marshal(part.FunctionCall.Args)
			if err != nil {
				args = []byte("{}")
			}
			call := &protocol.ToolCall{
				ID:    fmt.Sprintf("call_%d", index),
				Index: index,
				Type:  "function",
				Function: protocol.FunctionCall{
					Name:      part.FunctionCall.Name,
					Arguments: string(args),
				},
			}
			call.SetMeta(protocol.MetaOriginalFormat, "google")
			if part.ThoughtSignature != "" {
				call.SetMeta(protocol.MetaThoughtSignature, part.ThoughtSignature)
			}
			msg.ToolCalls = append(msg.ToolCalls, call)
			index++
		case part.Text != "" && !part.Thought:
			msg.Content += part.Text
		}
	}
	return msg
}

func parseGoogleStream(ctx context.Context, body io.Reader, ch chan<- protocol.StreamEvent) {
	var usage *protocol.Usage
	var signatures []string
	finish := protocol.FinishStop
	callIndex := 0
	sawCall := false

	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	for scanner.Scan() {
		if ctx.Err() != nil {
			return
		}
		line := strings.TrimSpace(scanner.Text())
		if !strings.HasPrefix(line, "data: ") {
			continue
		}

		var chunk googleStreamChunk
		if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &chunk); err != nil {
			slog.Debug("skipping malformed stream chunk", "error", err)
			continue
		}

		if chunk.Error != nil {
			ch <- errorEvent(&protocol.ProviderError{
				Kind:    protocol.ClassifyStatus(chunk.Error.Code),
				Status:  chunk.Error.Code,
				Message: chunk.Error.Message,
			})
			return
		}

		if chunk.UsageMetadata != nil {
			usage = &protocol.Usage{
				PromptTokens:     chunk.UsageMetadata.PromptTokenCount,
				CompletionTokens: chunk.UsageMetadata.CandidatesTokenCount,
				TotalTokens:      chunk.UsageMetadata.TotalTokenCount,
			}
		}
		if len(chunk.Candidates) == 0 {
			continue
		}
		candidate := chunk.Candidates[0]

		if candidate.Content != nil {
			for _, part := range candidate.Content.Parts {
				if part.ThoughtSignature != "" {
					signatures = append(signatures, part.ThoughtSignature)
				}
				switch {
				case part.FunctionCall != nil:
					args, err := json.Marshal(part.FunctionCall.Args)
					if err != nil {
						args = []byte("{}")
					}
					call := &protocol.ToolCall{
						ID:    fmt.Sprintf("call_%d", callIndex),
						Index: callIndex,
						Type:  "function",
						Function: protocol.FunctionCall{
							Name:      part.FunctionCall.Name,
							Arguments: string(args),
						},
					}
					call.SetMeta(protocol.MetaOriginalFormat, "google")
					if part.ThoughtSignature != "" {
						call.SetMeta(protocol.MetaThoughtSignature, part.ThoughtSignature)
					}
					sawCall = true
					ch <- protocol.StreamEvent{Type: protocol.EventToolCallComplete, Index: callIndex, Call: call}
					callIndex++

				case part.InlineData != nil:
					ch <- protocol.StreamEvent{Type: protocol.EventImage, Image: &protocol.ImageData{
						MimeType: part.InlineData.MimeType,
						B64:      part.InlineData.Data,
					}}

				case part.Text != "" && !part.Thought:
					ch <- protocol.StreamEvent{Type: protocol.EventContentDelta, Text: part.Text}
				}
			}
		}

		if candidate.FinishReason != "" {
			finish = mapGoogleFinish(candidate.FinishReason)
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

	if sawCall {
		finish = protocol.FinishToolCalls
	}
	event := finishEvent(finish, usage)
	event.ThoughtSignatures = signatures
	ch <- event
}

func mapGoogleFinish(reason string) protocol.FinishReason {
	switch reason {
	case "MAX_TOKENS":
		return protocol.FinishLength
	case "SAFETY", "PROHIBITED_CONTENT", "BLOCKLIST":
		return protocol.FinishContentFilter
	default:
		return protocol.FinishStop
	}
}

// sanitizeGoogleSchema strips JSON-Schema keywords the Gemini API rejects.
func sanitizeGoogleSchema(schema map[string]any) map[string]any {
	if schema == nil {
		return nil
	}
	out := make(map[string]any, len(schema))
	for k, v := range schema {
		switch k {
		case "additionalProperties", "$schema", "$id", "strict":
			continue
		}
		switch nested := v.(type) {
		case map[string]any:
			out[k] = sanitizeGoogleSchema(nested)
		case []any:
			list := make([]any, len(nested))
			for i, item := range nested {
				if m, ok := item.(map[string]any); ok {
					list[i] = sanitizeGoogleSchema(m)
				} else {
					list[i] = item
				}
			}
			out[k] = list
		default:
			out[k] = v
		}
	}
	return out
}
