package chat

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/promptgate/promptgate/pkg/config"
	"github.com/promptgate/promptgate/pkg/llms"
	"github.com/promptgate/promptgate/pkg/protocol"
	"github.com/promptgate/promptgate/pkg/sources"
	"github.com/promptgate/promptgate/pkg/store"
	"github.com/promptgate/promptgate/pkg/stream"
	"github.com/promptgate/promptgate/pkg/tools"
)

// defaultToolConcurrency bounds parallel executions of one tool within a
// single assistant turn when the tool config does not set its own limit.
const defaultToolConcurrency = 4

// toolBinding is a resolved tool for one conversation: either a registry
// entry or a synthetic source tool.
type toolBinding struct {
	def      protocol.ToolDefinition
	entry    *tools.Entry
	sourceID string
}

// runLoop drives one conversation to completion: stream a model turn,
// execute requested tools, append results, repeat until the model stops,
// asks the user, errors out or the depth cap is hit.
func (o *Orchestrator) runLoop(ctx context.Context, snap *store.Snapshot, req *Request, user *config.User, app *config.App, model *config.Model) {
	messages, resuming := o.buildMessages(ctx, snap, req, user, app)
	bindings := o.resolveTools(snap, req, app, model)

	defs := make([]protocol.ToolDefinition, 0, len(bindings))
	byName := make(map[string]*toolBinding, len(bindings))
	for i := range bindings {
		defs = append(defs, bindings[i].def)
		byName[bindings[i].def.Name] = &bindings[i]
	}

	platform := snap.Platform
	maxDepth := platform.MaxDepth()
	totalUsage := &protocol.Usage{}

	ectx := &tools.ExecContext{
		User:   user,
		ChatID: req.ChatID,
		Lang:   req.Language,
		EmitAction: func(action string, payload map[string]any) {
			o.emit(req.ChatID, stream.Event{Type: stream.EventAction, Data: map[string]any{
				"action":  action,
				"payload": payload,
			}})
		},
	}

	for depth := 0; ; depth++ {
		if depth >= maxDepth {
			slog.Warn("tool loop depth cap reached", "chatId", req.ChatID, "depth", depth)
			o.emit(req.ChatID, stream.Event{Type: stream.EventContent, Data: map[string]any{
				"content": "\n\n[tool call limit reached]",
			}})
			o.finish(req, protocol.FinishStop, totalUsage, model)
			return
		}

		llmReq := &llms.Request{
			Model:          model,
			Messages:       messages,
			MaxTokens:      req.Options.MaxTokens,
			Temperature:    req.Options.Temperature,
			Continuation:   depth > 0 || resuming,
			PlatformSecret: platformSecret(platform),
		}
		if model.SupportsTools && len(defs) > 0 {
			llmReq.Tools = defs
		}

		events, err := o.llms.Stream(ctx, llmReq)
		if err != nil {
			o.fail(req.ChatID, err.Error())
			return
		}

		turn := stream.Collect(ctx, events, func(event stream.Event) {
			o.emit(req.ChatID, event)
		})
		if turn.Usage != nil {
			totalUsage.PromptTokens += turn.Usage.PromptTokens
			totalUsage.CompletionTokens += turn.Usage.CompletionTokens
			totalUsage.TotalTokens += turn.Usage.TotalTokens
		}

		switch {
		case turn.FinishReason == protocol.FinishCancelled:
			o.emit(req.ChatID, stream.Event{Type: stream.EventCancelled, Data: map[string]any{"chatId": req.ChatID}})
			return

		case turn.Err != nil:
			o.fail(req.ChatID, turn.Err.Message)
			return

		case turn.FinishReason != protocol.FinishToolCalls || len(turn.Message.ToolCalls) == 0:
			o.finish(req, turn.FinishReason, totalUsage, model)
			return
		}

		messages = append(messages, turn.Message)

		// ask_user suspends the loop; the answer arrives as the next request.
		// Sibling calls in the same turn still run first: every tool call id
		// needs a result message before the conversation pauses or continues.
		if call := findAskUser(turn.Message.ToolCalls, byName); call != nil {
			siblings := make([]*protocol.ToolCall, 0, len(turn.Message.ToolCalls)-1)
			for _, tc := range turn.Message.ToolCalls {
				if tc != call {
					siblings = append(siblings, tc)
				}
			}
			if len(siblings) > 0 {
				results := o.executeCalls(ctx, siblings, byName, ectx, user, req)
				if ctx.Err() != nil {
					o.emit(req.ChatID, stream.Event{Type: stream.EventCancelled, Data: map[string]any{"chatId": req.ChatID}})
					return
				}
				messages = append(messages, results...)
			}
			done := o.handleClarification(req, messages, call, &messages)
			if done {
				o.finish(req, protocol.FinishClarification, totalUsage, model)
				return
			}
			continue
		}

		results := o.executeCalls(ctx, turn.Message.ToolCalls, byName, ectx, user, req)
		if ctx.Err() != nil {
			o.emit(req.ChatID, stream.Event{Type: stream.EventCancelled, Data: map[string]any{"chatId": req.ChatID}})
			return
		}
		messages = append(messages, results...)
	}
}

func (o *Orchestrator) finish(req *Request, reason protocol.FinishReason, usage *protocol.Usage, model *config.Model) {
	if o.usage != nil && usage.TotalTokens > 0 {
		o.usage.Record(req.AppID, model.ID, usage)
	}
	o.emit(req.ChatID, stream.Event{Type: stream.EventDone, Data: map[string]any{
		"chatId":       req.ChatID,
		"finishReason": string(reason),
		"usage":        usage,
		"model":        model.ID,
	}})
}

func (o *Orchestrator) fail(chatID, message string) {
	o.emit(chatID, stream.Event{Type: stream.EventError, Data: map[string]any{
		"chatId":  chatID,
		"message": message,
	}})
}

func platformSecret(p *config.Platform) string {
	if p == nil {
		return ""
	}
	return p.Secret
}

// resolveTools builds the tool surface for a conversation: configured tools
// from the app plus any request overrides, and one synthetic tool per
// tool-exposed source.
func (o *Orchestrator) resolveTools(snap *store.Snapshot, req *Request, app *config.App, model *config.Model) []toolBinding {
	if !model.SupportsTools {
		return nil
	}

	ids := append([]string{}, app.Tools...)
	for _, id := range req.Options.Tools {
		if !containsString(ids, id) {
			ids = append(ids, id)
		}
	}

	var bindings []toolBinding
	for _, entry := range o.tools.Resolve(ids) {
		bindings = append(bindings, toolBinding{def: entry.Definition(), entry: entry})
	}

	for _, id := range app.Sources {
		src, ok := snap.Source(id)
		if !ok || src.ExposeAs != config.ExposeAsTool {
			continue
		}
		name := src.Name.Get(req.Language)
		if name == "" {
			name = id
		}
		bindings = append(bindings, toolBinding{
			def: protocol.ToolDefinition{
				Name:        sources.ToolName(id),
				Description: fmt.Sprintf("Search the %s knowledge source.", name),
				Parameters: map[string]any{
					"type": "object",
					"properties": map[string]any{
						"query": map[string]any{
							"type":        "string",
							"description": "Search query",
						},
					},
					"required": []string{"query"},
				},
			},
			sourceID: id,
		})
	}
	return bindings
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func findAskUser(calls []*protocol.ToolCall, byName map[string]*toolBinding) *protocol.ToolCall {
	for _, call := range calls {
		if call.Function.Name == tools.AskUserToolID {
			return call
		}
		if b, ok := byName[call.Function.Name]; ok && b.entry != nil && b.entry.RequiresUserInput {
			return call
		}
	}
	return nil
}

// handleClarification validates an ask_user call against the per-chat cap.
// When accepted it stores the paused conversation and emits the question;
// over the cap it injects an error tool result so the model answers with
// what it has. Returns true when the loop should stop and wait.
func (o *Orchestrator) handleClarification(req *Request, messages []*protocol.Message, call *protocol.ToolCall, out *[]*protocol.Message) bool {
	var args map[string]any
	if err := json.Unmarshal([]byte(call.Function.Arguments), &args); err != nil {
		args = map[string]any{}
	}

	parsed, err := tools.ParseAskUser(args)

	o.mu.Lock()
	count := o.clarifications[req.ChatID]
	o.mu.Unlock()

	if err != nil || count >= tools.MaxClarifications {
		reason := "clarification limit reached, answer with the information available"
		if err != nil {
			reason = err.Error()
		}
		*out = append(*out, &protocol.Message{
			Role:       protocol.RoleTool,
			Name:       call.Function.Name,
			ToolCallID: call.ID,
			Content:    fmt.Sprintf(`{"error":%q}`, reason),
		})
		return false
	}

	o.mu.Lock()
	o.clarifications[req.ChatID] = count + 1
	o.pending[req.ChatID] = &pendingClarification{
		messages:   append([]*protocol.Message{}, messages...),
		toolCallID: call.ID,
		toolName:   call.Function.Name,
	}
	o.mu.Unlock()

	o.emit(req.ChatID, stream.Event{Type: stream.EventClarification, Data: map[string]any{
		"question": parsed.Question,
		"options":  parsed.Options,
		"pattern":  parsed.Pattern,
	}})
	return true
}

// executeCalls runs one turn's tool calls, bounded per tool by its
// configured concurrency, and returns tool messages in call order.
func (o *Orchestrator) executeCalls(ctx context.Context, calls []*protocol.ToolCall, byName map[string]*toolBinding, ectx *tools.ExecContext, user *config.User, req *Request) []*protocol.Message {
	results := make([]*protocol.Message, len(calls))

	sems := map[string]chan struct{}{}
	semFor := func(name string) chan struct{} {
		sem, ok := sems[name]
		if !ok {
			limit := defaultToolConcurrency
			if b, ok := byName[name]; ok && b.entry != nil && b.entry.Concurrency > 0 {
				limit = b.entry.Concurrency
			}
			sem = make(chan struct{}, limit)
			sems[name] = sem
		}
		return sem
	}

	var wg sync.WaitGroup
	for i, call := range calls {
		wg.Add(1)
		sem := semFor(call.Function.Name)
		go func(i int, call *protocol.ToolCall) {
			defer wg.Done()
			select {
			case sem <- struct{}{}:
				defer func() { <-sem }()
			case <-ctx.Done():
				return
			}
			results[i] = o.executeCall(ctx, call, byName, ectx, user, req)
		}(i, call)
	}
	wg.Wait()

	out := make([]*protocol.Message, 0, len(calls))
	for i, r := range results {
		if r == nil {
			r = toolMessage(calls[i], "", fmt.Errorf("cancelled"))
		}
		out = append(out, r)
	}
	return out
}

func (o *Orchestrator) executeCall(ctx context.Context, call *protocol.ToolCall, byName map[string]*toolBinding, ectx *tools.ExecContext, user *config.User, req *Request) *protocol.Message {
	binding, ok := byName[call.Function.Name]
	if !ok {
		return toolMessage(call, "", fmt.Errorf("unknown tool %q", call.Function.Name))
	}

	var args map[string]any
	if call.Function.Arguments != "" {
		if err := json.Unmarshal([]byte(call.Function.Arguments), &args); err != nil {
			return toolMessage(call, "", fmt.Errorf("malformed arguments: %v", err))
		}
	}

	if binding.sourceID != "" {
		return o.executeSourceCall(ctx, call, binding.sourceID, args, user, req)
	}

	result, err := o.tools.Invoke(ctx, binding.entry.ID, args, ectx)
	if err != nil {
		slog.Error("tool execution failed", "tool", binding.entry.ID, "chatId", req.ChatID, "error", err)
		return toolMessage(call, "", err)
	}

	content, err := json.Marshal(result)
	if err != nil {
		return toolMessage(call, "", fmt.Errorf("unserializable tool result: %v", err))
	}
	return toolMessage(call, string(content), nil)
}

func (o *Orchestrator) executeSourceCall(ctx context.Context, call *protocol.ToolCall, sourceID string, args map[string]any, user *config.User, req *Request) *protocol.Message {
	snap := o.store.Snapshot()
	src, ok := snap.Source(sourceID)
	if !ok {
		return toolMessage(call, "", fmt.Errorf("source %q no longer exists", sourceID))
	}

	query, _ := args["query"].(string)
	result, err := o.sources.Load(ctx, src, &sources.RequestContext{
		User:   user,
		ChatID: req.ChatID,
		Lang:   req.Language,
		Query:  query,
	})
	if err != nil {
		slog.Error("source tool failed", "source", sourceID, "chatId", req.ChatID, "error", err)
		return toolMessage(call, "", fmt.Errorf("source lookup failed"))
	}
	return toolMessage(call, result.Content, nil)
}

func toolMessage(call *protocol.ToolCall, content string, err error) *protocol.Message {
	if err != nil {
		content = fmt.Sprintf(`{"error":%q}`, err.Error())
	}
	return &protocol.Message{
		Role:       protocol.RoleTool,
		Name:       call.Function.Name,
		ToolCallID: call.ID,
		Content:    content,
	}
}
