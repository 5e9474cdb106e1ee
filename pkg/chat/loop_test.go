package chat

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/promptgate/promptgate/pkg/config"
	"github.com/promptgate/promptgate/pkg/llms"
	"github.com/promptgate/promptgate/pkg/protocol"
	"github.com/promptgate/promptgate/pkg/sources"
	"github.com/promptgate/promptgate/pkg/store"
	"github.com/promptgate/promptgate/pkg/stream"
	"github.com/promptgate/promptgate/pkg/tools"
)

// wireRequest mirrors the Chat Completions payload so tests can inspect what
// the orchestrator actually sent.
type wireRequest struct {
	Model    string            `json:"model"`
	Messages []wireMessage     `json:"messages"`
	Tools    []json.RawMessage `json:"tools"`
}

type wireMessage struct {
	Role       string         `json:"role"`
	Content    any            `json:"content"`
	Name       string         `json:"name"`
	ToolCalls  []wireToolCall `json:"tool_calls"`
	ToolCallID string         `json:"tool_call_id"`
}

type wireToolCall struct {
	ID       string `json:"id"`
	Function struct {
		Name      string `json:"name"`
		Arguments string `json:"arguments"`
	} `json:"function"`
}

// scriptedProvider is a Chat-Completions endpoint that serves one canned SSE
// turn per request and records every request body. Requests beyond the script
// replay the last turn.
type scriptedProvider struct {
	mu       sync.Mutex
	turns    [][]string
	requests []wireRequest

	// hangFirst stalls the first request until the client aborts it,
	// signalling started once the response headers are out.
	hangFirst bool
	started   chan struct{}
}

func (p *scriptedProvider) handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req wireRequest
		_ = json.NewDecoder(r.Body).Decode(&req)

		p.mu.Lock()
		n := len(p.requests)
		p.requests = append(p.requests, req)
		var turn []string
		if n < len(p.turns) {
			turn = p.turns[n]
		} else if len(p.turns) > 0 {
			turn = p.turns[len(p.turns)-1]
		}
		p.mu.Unlock()

		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		w.(http.Flusher).Flush()

		if p.hangFirst && n == 0 {
			select {
			case p.started <- struct{}{}:
			default:
			}
			<-r.Context().Done()
			return
		}

		for _, chunk := range turn {
			fmt.Fprintf(w, "data: %s\n\n", chunk)
		}
		fmt.Fprint(w, "data: [DONE]\n\n")
	}
}

func (p *scriptedProvider) request(t *testing.T, i int) wireRequest {
	t.Helper()
	p.mu.Lock()
	defer p.mu.Unlock()
	if i >= len(p.requests) {
		t.Fatalf("provider received %d requests, want at least %d", len(p.requests), i+1)
	}
	return p.requests[i]
}

func (p *scriptedProvider) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.requests)
}

func contentChunk(text string) string {
	return fmt.Sprintf(`{"choices":[{"delta":{"content":%s}}]}`, strconv.Quote(text))
}

func toolCallChunk(index int, id, name, args string) string {
	return fmt.Sprintf(`{"choices":[{"delta":{"tool_calls":[{"index":%d,"id":%q,"type":"function","function":{"name":%q,"arguments":%s}}]}}]}`,
		index, id, name, strconv.Quote(args))
}

func finishChunk(reason string) string {
	return fmt.Sprintf(`{"choices":[{"delta":{},"finish_reason":%q}]}`, reason)
}

func usageChunk(prompt, completion int) string {
	return fmt.Sprintf(`{"choices":[],"usage":{"prompt_tokens":%d,"completion_tokens":%d,"total_tokens":%d}}`,
		prompt, completion, prompt+completion)
}

// echoExecutor is the test tool: it returns its text argument, optionally
// sleeping or failing first so tests can force orderings and errors.
type echoExecutor struct{}

func (echoExecutor) Execute(ctx context.Context, fn string, args map[string]any, ectx *tools.ExecContext) (any, error) {
	if ms, ok := args["delayMs"].(float64); ok && ms > 0 {
		select {
		case <-time.After(time.Duration(ms) * time.Millisecond):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if msg, ok := args["fail"].(string); ok && msg != "" {
		return nil, fmt.Errorf("%s", msg)
	}
	return map[string]any{"echo": args["text"]}, nil
}

type recordingUsage struct {
	mu      sync.Mutex
	records []string
}

func (r *recordingUsage) Record(appID, modelID string, usage *protocol.Usage) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records = append(r.records, fmt.Sprintf("%s/%s:%d", appID, modelID, usage.TotalTokens))
}

const testPlatformSecret = "0123456789abcdef0123456789abcdef"

// fixtureConfig overrides parts of the default configuration tree. Nil fields
// keep the defaults: a plain "chat" app, a tool-bound "researcher" app, one
// OpenAI model pointed at the scripted provider and an all-access group.
type fixtureConfig struct {
	apps     []*config.App
	models   []*config.Model
	groups   []*config.Group
	toolDefs []*config.Tool
	sources  []*config.Source
	platform *config.Platform
	// files are extra documents under the contents dir, for source tests.
	files map[string]string
}

type fixture struct {
	orch     *Orchestrator
	hub      *stream.Hub
	store    *store.Store
	provider *scriptedProvider
	usage    *recordingUsage
}

func writeConfigFile(t *testing.T, dir, rel string, v any) {
	t.Helper()
	path := filepath.Join(dir, rel)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}
}

func newFixture(t *testing.T, p *scriptedProvider, cfg fixtureConfig) *fixture {
	t.Helper()
	t.Setenv("OPENAI_API_KEY", "test-key")

	server := httptest.NewServer(p.handler())
	t.Cleanup(server.Close)

	if cfg.apps == nil {
		cfg.apps = []*config.App{
			{ID: "chat", Name: config.LocalizedText{"en": "Chat"}, System: "You are helpful."},
			{ID: "researcher", Name: config.LocalizedText{"en": "Researcher"},
				System: "Research things.", Tools: []string{"echo", "ask_user"}},
		}
	}
	if cfg.models == nil {
		cfg.models = []*config.Model{
			{ID: "gpt", ModelID: "gpt-4o", Provider: config.ProviderOpenAI, SupportsTools: true, Default: true},
		}
	}
	for _, m := range cfg.models {
		if m.URL == "" {
			m.URL = server.URL
		}
	}
	if cfg.groups == nil {
		cfg.groups = []*config.Group{
			{ID: "anonymous", Permissions: config.Permissions{Apps: []string{"*"}, Models: []string{"*"}}},
		}
	}
	if cfg.platform == nil {
		cfg.platform = &config.Platform{Secret: testPlatformSecret}
	}
	if cfg.toolDefs == nil {
		cfg.toolDefs = []*config.Tool{
			{ID: "echo", Script: "echo.js", Description: config.LocalizedText{"en": "Echo the input"},
				Parameters: map[string]any{
					"type": "object",
					"properties": map[string]any{
						"text":    map[string]any{"type": "string"},
						"delayMs": map[string]any{"type": "number"},
						"fail":    map[string]any{"type": "string"},
					},
					"required": []any{"text"},
				}},
			{ID: "ask_user", Script: "askUser.js", Description: config.LocalizedText{"en": "Ask the user"},
				RequiresUserInput: true,
				Parameters: map[string]any{
					"type": "object",
					"properties": map[string]any{
						"question": map[string]any{"type": "string"},
						"options":  map[string]any{"type": "array"},
						"pattern":  map[string]any{"type": "string"},
					},
					"required": []any{"question"},
				}},
		}
	}

	contents := t.TempDir()
	for _, app := range cfg.apps {
		writeConfigFile(t, contents, filepath.Join("apps", app.ID+".json"), app)
	}
	for _, m := range cfg.models {
		writeConfigFile(t, contents, filepath.Join("models", m.ID+".json"), m)
	}
	writeConfigFile(t, contents, "config/groups.json", cfg.groups)
	writeConfigFile(t, contents, "config/platform.json", cfg.platform)
	if cfg.sources != nil {
		writeConfigFile(t, contents, "sources.json", cfg.sources)
	}
	for rel, content := range cfg.files {
		path := filepath.Join(contents, rel)
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
			t.Fatal(err)
		}
	}

	st, err := store.New(contents, t.TempDir())
	if err != nil {
		t.Fatal(err)
	}

	registry := tools.NewRegistry(5 * time.Second)
	registry.RegisterFactory("echo", func(*config.Tool) (tools.Executor, error) { return echoExecutor{}, nil })
	registry.Rebuild(cfg.toolDefs, "en")

	hub := stream.NewHub()
	usage := &recordingUsage{}
	orch := NewOrchestrator(st, registry, llms.NewRegistry(30*time.Second),
		sources.NewManager(contents, 5*time.Second), hub, usage)

	return &fixture{orch: orch, hub: hub, store: st, provider: p, usage: usage}
}

// run starts a conversation, waits for it to finish and returns the events it
// published.
func (f *fixture) run(t *testing.T, req *Request) []stream.Event {
	t.Helper()
	events, cancelSub := f.hub.Subscribe(req.ChatID)
	t.Cleanup(cancelSub)

	done, err := f.orch.Start(context.Background(), req, nil)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("conversation did not finish")
	}
	return drainEvents(events)
}

func drainEvents(ch <-chan stream.Event) []stream.Event {
	var out []stream.Event
	for {
		select {
		case e, ok := <-ch:
			if !ok {
				return out
			}
			out = append(out, e)
		default:
			return out
		}
	}
}

func eventsOfType(events []stream.Event, typ string) []stream.Event {
	var out []stream.Event
	for _, e := range events {
		if e.Type == typ {
			out = append(out, e)
		}
	}
	return out
}

func eventTypes(events []stream.Event) []string {
	out := make([]string, len(events))
	for i, e := range events {
		out[i] = e.Type
	}
	return out
}

func firstEvent(t *testing.T, events []stream.Event, typ string) stream.Event {
	t.Helper()
	for _, e := range events {
		if e.Type == typ {
			return e
		}
	}
	t.Fatalf("no %s event, got %v", typ, eventTypes(events))
	return stream.Event{}
}

func eventData(t *testing.T, e stream.Event) map[string]any {
	t.Helper()
	data, ok := e.Data.(map[string]any)
	if !ok {
		t.Fatalf("event data is %T, want a map", e.Data)
	}
	return data
}

func streamedContent(events []stream.Event) string {
	var b strings.Builder
	for _, e := range events {
		if e.Type != stream.EventContent {
			continue
		}
		if data, ok := e.Data.(map[string]any); ok {
			if s, ok := data["content"].(string); ok {
				b.WriteString(s)
			}
		}
	}
	return b.String()
}

func toolMessages(req wireRequest) []wireMessage {
	var out []wireMessage
	for _, m := range req.Messages {
		if m.Role == "tool" {
			out = append(out, m)
		}
	}
	return out
}

func userMessage(text string) []IncomingMessage {
	return []IncomingMessage{{Role: "user", Content: text}}
}

func TestChatStreamsContentAndUsage(t *testing.T) {
	p := &scriptedProvider{turns: [][]string{{
		contentChunk("Hel"),
		contentChunk("lo!"),
		finishChunk("stop"),
		usageChunk(12, 3),
	}}}
	f := newFixture(t, p, fixtureConfig{})

	events := f.run(t, &Request{ChatID: "c1", AppID: "chat", Messages: userMessage("Hello")})

	if got := streamedContent(events); got != "Hello!" {
		t.Errorf("streamed content = %q", got)
	}
	done := firstEvent(t, events, stream.EventDone)
	data := eventData(t, done)
	if data["finishReason"] != "stop" {
		t.Errorf("finishReason = %v", data["finishReason"])
	}
	if usage, ok := data["usage"].(*protocol.Usage); !ok || usage.TotalTokens != 15 {
		t.Errorf("usage = %+v", data["usage"])
	}

	req := p.request(t, 0)
	if req.Model != "gpt-4o" {
		t.Errorf("wire model = %q", req.Model)
	}
	if len(req.Tools) != 0 {
		t.Errorf("an app without tools must not send a tools field, got %d entries", len(req.Tools))
	}
	if len(req.Messages) != 2 ||
		req.Messages[0].Role != "system" || req.Messages[0].Content != "You are helpful." ||
		req.Messages[1].Role != "user" || req.Messages[1].Content != "Hello" {
		t.Errorf("messages = %+v", req.Messages)
	}

	f.usage.mu.Lock()
	defer f.usage.mu.Unlock()
	if len(f.usage.records) != 1 || f.usage.records[0] != "chat/gpt:15" {
		t.Errorf("usage records = %v", f.usage.records)
	}
}

func TestToolLoopExecutesAndContinues(t *testing.T) {
	p := &scriptedProvider{turns: [][]string{
		{toolCallChunk(0, "call_1", "echo", `{"text":"ping"}`), finishChunk("tool_calls"), usageChunk(10, 5)},
		{contentChunk("pong"), finishChunk("stop"), usageChunk(10, 5)},
	}}
	f := newFixture(t, p, fixtureConfig{})

	events := f.run(t, &Request{ChatID: "c1", AppID: "researcher", Messages: userMessage("ping?")})

	if p.count() != 2 {
		t.Fatalf("provider calls = %d, want 2", p.count())
	}
	if got := len(p.request(t, 0).Tools); got != 2 {
		t.Errorf("first request carries %d tool definitions, want echo and ask_user", got)
	}

	second := p.request(t, 1)
	n := len(second.Messages)
	assistant, result := second.Messages[n-2], second.Messages[n-1]
	if assistant.Role != "assistant" || len(assistant.ToolCalls) != 1 {
		t.Fatalf("continuation assistant message = %+v", assistant)
	}
	if assistant.ToolCalls[0].ID != "call_1" || assistant.ToolCalls[0].Function.Arguments != `{"text":"ping"}` {
		t.Errorf("replayed call = %+v", assistant.ToolCalls[0])
	}
	if result.Role != "tool" || result.ToolCallID != "call_1" || result.Name != "echo" {
		t.Fatalf("tool result message = %+v", result)
	}
	if content, _ := result.Content.(string); !strings.Contains(content, `"echo":"ping"`) {
		t.Errorf("tool result content = %v", result.Content)
	}

	firstEvent(t, events, stream.EventToolCall)
	if got := streamedContent(events); got != "pong" {
		t.Errorf("final content = %q", got)
	}
	if data := eventData(t, firstEvent(t, events, stream.EventDone)); data["finishReason"] != "stop" {
		t.Errorf("finishReason = %v", data["finishReason"])
	}

	// Usage accumulates across both loop turns.
	f.usage.mu.Lock()
	defer f.usage.mu.Unlock()
	if len(f.usage.records) != 1 || f.usage.records[0] != "researcher/gpt:30" {
		t.Errorf("usage records = %v", f.usage.records)
	}
}

func TestToolResultsFollowCallOrder(t *testing.T) {
	p := &scriptedProvider{turns: [][]string{
		{
			toolCallChunk(0, "call_slow", "echo", `{"text":"slow","delayMs":60}`),
			toolCallChunk(1, "call_fast", "echo", `{"text":"fast"}`),
			finishChunk("tool_calls"),
		},
		{contentChunk("done"), finishChunk("stop")},
	}}
	f := newFixture(t, p, fixtureConfig{})

	f.run(t, &Request{ChatID: "c1", AppID: "researcher", Messages: userMessage("go")})

	results := toolMessages(p.request(t, 1))
	if len(results) != 2 || results[0].ToolCallID != "call_slow" || results[1].ToolCallID != "call_fast" {
		ids := make([]string, len(results))
		for i, r := range results {
			ids[i] = r.ToolCallID
		}
		t.Errorf("tool results = %v, want the original call order regardless of completion order", ids)
	}
}

func TestToolFailuresReturnErrorResults(t *testing.T) {
	p := &scriptedProvider{turns: [][]string{
		{
			toolCallChunk(0, "call_a", "echo", `{"text":"x","fail":"backend exploded"}`),
			toolCallChunk(1, "call_b", "echo", `{"delayMs":1}`),
			finishChunk("tool_calls"),
		},
		{contentChunk("recovered"), finishChunk("stop")},
	}}
	f := newFixture(t, p, fixtureConfig{})

	events := f.run(t, &Request{ChatID: "c1", AppID: "researcher", Messages: userMessage("try")})

	results := toolMessages(p.request(t, 1))
	if len(results) != 2 {
		t.Fatalf("tool results = %d, want one per call", len(results))
	}
	if content, _ := results[0].Content.(string); !strings.Contains(content, "backend exploded") {
		t.Errorf("executor failure must reach the model, got %v", results[0].Content)
	}
	if content, _ := results[1].Content.(string); !strings.Contains(content, "invalid arguments") {
		t.Errorf("schema rejection must reach the model, got %v", results[1].Content)
	}

	// The model recovers and the conversation still completes normally.
	if got := streamedContent(events); got != "recovered" {
		t.Errorf("final content = %q", got)
	}
	if data := eventData(t, firstEvent(t, events, stream.EventDone)); data["finishReason"] != "stop" {
		t.Errorf("finishReason = %v", data["finishReason"])
	}
}

func TestToolLoopDepthCap(t *testing.T) {
	p := &scriptedProvider{turns: [][]string{
		{toolCallChunk(0, "call_1", "echo", `{"text":"again"}`), finishChunk("tool_calls")},
	}}
	f := newFixture(t, p, fixtureConfig{
		platform: &config.Platform{Secret: testPlatformSecret, MaxToolDepth: 2},
	})

	events := f.run(t, &Request{ChatID: "c1", AppID: "researcher", Messages: userMessage("loop")})

	if p.count() != 2 {
		t.Errorf("provider calls = %d, want exactly the configured depth", p.count())
	}
	if !strings.Contains(streamedContent(events), "tool call limit reached") {
		t.Error("hitting the depth cap must surface a visible notice")
	}
	if data := eventData(t, firstEvent(t, events, stream.EventDone)); data["finishReason"] != "stop" {
		t.Errorf("finishReason = %v", data["finishReason"])
	}
}

func TestClarificationPausesAndResumes(t *testing.T) {
	p := &scriptedProvider{turns: [][]string{
		{toolCallChunk(0, "call_ask", "ask_user", `{"question":"Which city?"}`), finishChunk("tool_calls")},
		{contentChunk("Berlin it is."), finishChunk("stop")},
	}}
	f := newFixture(t, p, fixtureConfig{})

	events := f.run(t, &Request{ChatID: "c1", AppID: "researcher", Messages: userMessage("Plan a trip")})

	clar := firstEvent(t, events, stream.EventClarification)
	if eventData(t, clar)["question"] != "Which city?" {
		t.Errorf("clarification data = %+v", clar.Data)
	}
	if data := eventData(t, firstEvent(t, events, stream.EventDone)); data["finishReason"] != string(protocol.FinishClarification) {
		t.Errorf("finishReason = %v", data["finishReason"])
	}
	if p.count() != 1 {
		t.Fatalf("the loop must pause on a clarification, provider calls = %d", p.count())
	}

	f.orch.mu.Lock()
	used := f.orch.clarifications["c1"]
	f.orch.mu.Unlock()
	if used != 1 {
		t.Errorf("clarification count = %d, want 1", used)
	}

	// The next user message answers the pending call.
	events = f.run(t, &Request{ChatID: "c1", AppID: "researcher", Messages: []IncomingMessage{
		{Role: "user", Content: "Plan a trip"},
		{Role: "user", Content: "Berlin"},
	}})

	second := p.request(t, 1)
	n := len(second.Messages)
	if prev := second.Messages[n-2]; prev.Role != "assistant" || len(prev.ToolCalls) != 1 {
		t.Fatalf("resume must replay the asking assistant turn, got %+v", prev)
	}
	last := second.Messages[n-1]
	if last.Role != "tool" || last.ToolCallID != "call_ask" {
		t.Fatalf("resume answer = %+v", last)
	}
	if content, _ := last.Content.(string); !strings.Contains(content, "Berlin") {
		t.Errorf("answer content = %v", last.Content)
	}
	if got := streamedContent(events); got != "Berlin it is." {
		t.Errorf("resumed content = %q", got)
	}
}

func TestClarificationRunsSiblingCallsFirst(t *testing.T) {
	p := &scriptedProvider{turns: [][]string{
		{
			toolCallChunk(0, "call_echo", "echo", `{"text":"background"}`),
			toolCallChunk(1, "call_ask", "ask_user", `{"question":"Proceed?"}`),
			finishChunk("tool_calls"),
		},
		{contentChunk("ok"), finishChunk("stop")},
	}}
	f := newFixture(t, p, fixtureConfig{})

	f.run(t, &Request{ChatID: "c1", AppID: "researcher", Messages: userMessage("start")})
	f.run(t, &Request{ChatID: "c1", AppID: "researcher", Messages: userMessage("yes")})

	// Every call id from the paused turn must have a result in the
	// continuation; a dangling sibling id is a provider 400.
	results := toolMessages(p.request(t, 1))
	if len(results) != 2 {
		t.Fatalf("tool results = %d, want the sibling and the answer", len(results))
	}
	if results[0].ToolCallID != "call_echo" {
		t.Errorf("first result = %+v, want the sibling call", results[0])
	}
	if content, _ := results[0].Content.(string); !strings.Contains(content, "background") {
		t.Errorf("sibling result content = %v", results[0].Content)
	}
	if results[1].ToolCallID != "call_ask" {
		t.Errorf("second result = %+v, want the clarification answer", results[1])
	}
}

func TestClarificationCapReturnsErrorToModel(t *testing.T) {
	p := &scriptedProvider{turns: [][]string{
		{toolCallChunk(0, "call_ask", "ask_user", `{"question":"One more?"}`), finishChunk("tool_calls")},
		{contentChunk("Working with what I have."), finishChunk("stop")},
	}}
	f := newFixture(t, p, fixtureConfig{})

	f.orch.mu.Lock()
	f.orch.clarifications["c1"] = tools.MaxClarifications
	f.orch.mu.Unlock()

	events := f.run(t, &Request{ChatID: "c1", AppID: "researcher", Messages: userMessage("more")})

	if evs := eventsOfType(events, stream.EventClarification); len(evs) != 0 {
		t.Fatalf("an over-cap ask_user must not reach the client, got %d clarification events", len(evs))
	}
	if p.count() != 2 {
		t.Fatalf("provider calls = %d, the loop must continue with an error result", p.count())
	}

	second := p.request(t, 1)
	last := second.Messages[len(second.Messages)-1]
	if last.Role != "tool" || last.ToolCallID != "call_ask" {
		t.Fatalf("last message = %+v", last)
	}
	if content, _ := last.Content.(string); !strings.Contains(content, "clarification limit reached") {
		t.Errorf("error result = %v", last.Content)
	}
	if data := eventData(t, firstEvent(t, events, stream.EventDone)); data["finishReason"] != "stop" {
		t.Errorf("finishReason = %v", data["finishReason"])
	}

	f.orch.mu.Lock()
	_, waiting := f.orch.pending["c1"]
	f.orch.mu.Unlock()
	if waiting {
		t.Error("an over-cap ask_user must not leave the chat waiting for an answer")
	}
}

func TestRequestToolOverridesExtendAppTools(t *testing.T) {
	p := &scriptedProvider{turns: [][]string{{contentChunk("hi"), finishChunk("stop")}}}
	f := newFixture(t, p, fixtureConfig{})

	f.run(t, &Request{
		ChatID:   "c1",
		AppID:    "chat",
		Messages: userMessage("hello"),
		Options:  Options{Tools: []string{"echo"}},
	})

	req := p.request(t, 0)
	if len(req.Tools) != 1 || !strings.Contains(string(req.Tools[0]), `"echo"`) {
		t.Errorf("tools = %v, want the override added to the tool-less app", req.Tools)
	}
}

func TestPromptSourcesAreInlined(t *testing.T) {
	p := &scriptedProvider{turns: [][]string{{contentChunk("noted"), finishChunk("stop")}}}
	f := newFixture(t, p, fixtureConfig{
		apps: []*config.App{{
			ID: "docs", Name: config.LocalizedText{"en": "Docs"},
			System:  "Use the notes.\n\n{{sources}}",
			Sources: []string{"notes"},
		}},
		sources: []*config.Source{{
			ID: "notes", Type: config.SourceFilesystem, ExposeAs: config.ExposeAsPrompt,
			Config: map[string]any{"path": "docs/notes.md"},
		}},
		files: map[string]string{"docs/notes.md": "Remember the milk."},
	})

	f.run(t, &Request{ChatID: "c1", AppID: "docs", Messages: userMessage("what now?")})

	system := p.request(t, 0).Messages[0]
	if system.Role != "system" {
		t.Fatalf("first message = %+v", system)
	}
	content, _ := system.Content.(string)
	if !strings.Contains(content, "Remember the milk.") {
		t.Errorf("system prompt must inline the source, got %q", content)
	}
	if strings.Contains(content, "{{sources}}") {
		t.Errorf("placeholder must be substituted, got %q", content)
	}
}

func TestToolSourcesAnswerQueries(t *testing.T) {
	p := &scriptedProvider{turns: [][]string{
		{toolCallChunk(0, "call_s", sources.ToolName("notes"), `{"query":"milk"}`), finishChunk("tool_calls")},
		{contentChunk("from the notes"), finishChunk("stop")},
	}}
	f := newFixture(t, p, fixtureConfig{
		apps: []*config.App{{
			ID: "docs", Name: config.LocalizedText{"en": "Docs"},
			System:  "Look things up.",
			Sources: []string{"notes"},
		}},
		sources: []*config.Source{{
			ID: "notes", Name: config.LocalizedText{"en": "Notes"},
			Type: config.SourceFilesystem, ExposeAs: config.ExposeAsTool,
			Config: map[string]any{"path": "docs/notes.md"},
		}},
		files: map[string]string{"docs/notes.md": "Remember the milk."},
	})

	f.run(t, &Request{ChatID: "c1", AppID: "docs", Messages: userMessage("what was it?")})

	first := p.request(t, 0)
	declared := false
	for _, raw := range first.Tools {
		if strings.Contains(string(raw), sources.ToolName("notes")) {
			declared = true
		}
	}
	if !declared {
		t.Errorf("tool-exposed source must be declared under its namespaced id, tools = %v", first.Tools)
	}

	second := p.request(t, 1)
	last := second.Messages[len(second.Messages)-1]
	if last.Role != "tool" || last.ToolCallID != "call_s" {
		t.Fatalf("source result = %+v", last)
	}
	if content, _ := last.Content.(string); !strings.Contains(content, "Remember the milk.") {
		t.Errorf("source result content = %v", last.Content)
	}
}
