// Package chat is the conversation orchestrator: it resolves the app, model,
// tools and sources for a request, drives the provider tool loop and feeds
// the per-chat event stream.
package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/promptgate/promptgate/pkg/config"
	"github.com/promptgate/promptgate/pkg/llms"
	"github.com/promptgate/promptgate/pkg/protocol"
	"github.com/promptgate/promptgate/pkg/sources"
	"github.com/promptgate/promptgate/pkg/store"
	"github.com/promptgate/promptgate/pkg/stream"
	"github.com/promptgate/promptgate/pkg/tools"
)

// Start failure classes. The HTTP layer maps these to status codes.
var (
	ErrAppNotFound       = errors.New("app not found")
	ErrForbidden         = errors.New("access not permitted")
	ErrNoCompatibleModel = errors.New("no compatible model")
)

// chatRetention is how long finished per-chat state survives, giving a
// disconnected client room to reattach and read the tail of the stream.
const chatRetention = 5 * time.Minute

// Request is one chat invocation from a client. Messages carry the full
// visible history; the server holds no conversation state beyond pending
// clarifications.
type Request struct {
	ChatID    string
	AppID     string
	ModelID   string            `json:"modelId"`
	Language  string            `json:"language"`
	Messages  []IncomingMessage `json:"messages"`
	Variables map[string]string `json:"variables"`
	Options   Options           `json:"options"`
}

type IncomingMessage struct {
	Role    string                `json:"role"`
	Content string                `json:"content"`
	Images  []*protocol.ImageData `json:"images,omitempty"`
}

type Options struct {
	Tools       []string `json:"tools,omitempty"`
	Temperature *float64 `json:"temperature,omitempty"`
	MaxTokens   int      `json:"maxTokens,omitempty"`
}

// UsageRecorder receives per-request token accounting.
type UsageRecorder interface {
	Record(appID, modelID string, usage *protocol.Usage)
}

type run struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// pendingClarification holds the server-side half of a paused ask_user
// exchange: the conversation including the asking assistant turn, and the
// tool call the next user message answers.
type pendingClarification struct {
	messages   []*protocol.Message
	toolCallID string
	toolName   string
}

// Orchestrator owns the per-chat run table and drives conversations.
type Orchestrator struct {
	store   *store.Store
	tools   *tools.Registry
	llms    *llms.Registry
	sources *sources.Manager
	hub     *stream.Hub
	usage   UsageRecorder

	mu             sync.Mutex
	active         map[string]*run
	pending        map[string]*pendingClarification
	clarifications map[string]int
	cleanup        map[string]*time.Timer
	retention      time.Duration
}

func NewOrchestrator(st *store.Store, toolReg *tools.Registry, llmReg *llms.Registry, srcMgr *sources.Manager, hub *stream.Hub, usage UsageRecorder) *Orchestrator {
	return &Orchestrator{
		store:          st,
		tools:          toolReg,
		llms:           llmReg,
		sources:        srcMgr,
		hub:            hub,
		usage:          usage,
		active:         make(map[string]*run),
		pending:        make(map[string]*pendingClarification),
		clarifications: make(map[string]int),
		cleanup:        make(map[string]*time.Timer),
		retention:      chatRetention,
	}
}

// Start validates the request and launches the conversation loop. The
// returned channel closes when the run finishes. A live run on the same
// chatId is cancelled first.
func (o *Orchestrator) Start(ctx context.Context, req *Request, user *config.User) (<-chan struct{}, error) {
	snap := o.store.Snapshot()

	app, _, ok := snap.AppView(user, req.AppID)
	if !ok {
		if _, exists := snap.App(req.AppID); exists {
			return nil, fmt.Errorf("app %s: %w", req.AppID, ErrForbidden)
		}
		return nil, fmt.Errorf("app %s: %w", req.AppID, ErrAppNotFound)
	}

	subset := FilterModels(snap.PermittedModels(user), app)
	model, fellBack := ResolveModel(subset, app, req.ModelID)
	if model == nil {
		return nil, fmt.Errorf("app %s: %w", req.AppID, ErrNoCompatibleModel)
	}
	if fellBack {
		slog.Info("requested model incompatible with app, falling back",
			"app", req.AppID, "requested", req.ModelID, "resolved", model.ID)
	}

	runCtx, cancel := context.WithCancel(ctx)
	r := &run{cancel: cancel, done: make(chan struct{})}

	o.mu.Lock()
	if prev, ok := o.active[req.ChatID]; ok {
		prev.cancel()
	}
	if t, ok := o.cleanup[req.ChatID]; ok {
		t.Stop()
		delete(o.cleanup, req.ChatID)
	}
	o.active[req.ChatID] = r
	o.mu.Unlock()

	go func() {
		defer close(r.done)
		defer cancel()
		defer func() {
			o.mu.Lock()
			if o.active[req.ChatID] == r {
				delete(o.active, req.ChatID)
			}
			o.mu.Unlock()
			o.scheduleRelease(req.ChatID)
		}()
		o.runLoop(runCtx, snap, req, user, app, model)
	}()
	return r.done, nil
}

// scheduleRelease arms the retention timer for a finished chat. A new run on
// the same chatId disarms it.
func (o *Orchestrator) scheduleRelease(chatID string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if t, ok := o.cleanup[chatID]; ok {
		t.Stop()
	}
	o.cleanup[chatID] = time.AfterFunc(o.retention, func() { o.release(chatID) })
}

// release frees the per-chat state once a conversation has been idle past
// the retention window. Chats waiting on a clarification answer stay alive.
func (o *Orchestrator) release(chatID string) {
	o.mu.Lock()
	if _, live := o.active[chatID]; live {
		o.mu.Unlock()
		return
	}
	if _, waiting := o.pending[chatID]; waiting {
		o.mu.Unlock()
		return
	}
	delete(o.clarifications, chatID)
	if t, ok := o.cleanup[chatID]; ok {
		t.Stop()
		delete(o.cleanup, chatID)
	}
	o.mu.Unlock()
	o.hub.Close(chatID)
}

// Stop cancels the active run for a chat. Idempotent.
func (o *Orchestrator) Stop(chatID string) bool {
	o.mu.Lock()
	r, ok := o.active[chatID]
	o.mu.Unlock()
	if ok {
		r.cancel()
	}
	return ok
}

// Active reports whether a chat has a live run.
func (o *Orchestrator) Active(chatID string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	_, ok := o.active[chatID]
	return ok
}

func (o *Orchestrator) emit(chatID string, event stream.Event) {
	o.hub.Publish(chatID, event)
}

// buildMessages assembles the provider conversation: system prompt with
// variables and sources substituted, then the client-supplied history. When
// a clarification is pending it instead replays the stored conversation with
// the new user message converted into the awaited tool result.
func (o *Orchestrator) buildMessages(ctx context.Context, snap *store.Snapshot, req *Request, user *config.User, app *config.App) ([]*protocol.Message, bool) {
	o.mu.Lock()
	p, resuming := o.pending[req.ChatID]
	if resuming {
		delete(o.pending, req.ChatID)
	}
	o.mu.Unlock()

	if resuming {
		answer := ""
		for i := len(req.Messages) - 1; i >= 0; i-- {
			if req.Messages[i].Role == string(protocol.RoleUser) {
				answer = req.Messages[i].Content
				break
			}
		}
		messages := append([]*protocol.Message{}, p.messages...)
		messages = append(messages, &protocol.Message{
			Role:       protocol.RoleTool,
			Name:       p.toolName,
			ToolCallID: p.toolCallID,
			Content:    fmt.Sprintf(`{"answer":%q}`, answer),
		})
		return messages, true
	}

	system := o.renderSystemPrompt(ctx, snap, req, user, app)

	var messages []*protocol.Message
	if system != "" {
		messages = append(messages, &protocol.Message{Role: protocol.RoleSystem, Content: system})
	}
	for _, m := range req.Messages {
		role := protocol.Role(m.Role)
		if role != protocol.RoleUser && role != protocol.RoleAssistant {
			continue
		}
		messages = append(messages, &protocol.Message{
			Role:    role,
			Content: m.Content,
			Images:  m.Images,
		})
	}

	// autoStart apps open the conversation unprompted.
	if app.AutoStart && len(messages) > 0 && messages[len(messages)-1].Role != protocol.RoleUser {
		messages = append(messages, &protocol.Message{Role: protocol.RoleUser, Content: ""})
	}
	return messages, false
}

// renderSystemPrompt substitutes {{variable}} placeholders and inlines
// prompt-exposed sources.
func (o *Orchestrator) renderSystemPrompt(ctx context.Context, snap *store.Snapshot, req *Request, user *config.User, app *config.App) string {
	system := app.System

	vars := map[string]string{"language": req.Language}
	for _, v := range app.Variables {
		if v.DefaultValue != "" {
			vars[v.Name] = v.DefaultValue
		}
	}
	for k, v := range req.Variables {
		vars[k] = v
	}
	for name, value := range vars {
		system = strings.ReplaceAll(system, "{{"+name+"}}", value)
	}

	inlined := o.inlineSources(ctx, snap, req, user, app)
	if strings.Contains(system, "{{sources}}") {
		system = strings.ReplaceAll(system, "{{sources}}", inlined)
	} else if inlined != "" {
		system = strings.TrimSpace(system + "\n\n" + inlined)
	}
	return system
}

func (o *Orchestrator) inlineSources(ctx context.Context, snap *store.Snapshot, req *Request, user *config.User, app *config.App) string {
	rctx := &sources.RequestContext{User: user, ChatID: req.ChatID, Lang: req.Language}

	var b strings.Builder
	for _, id := range app.Sources {
		src, ok := snap.Source(id)
		if !ok {
			slog.Warn("app references unknown source", "app", app.ID, "source", id)
			continue
		}
		if src.ExposeAs == config.ExposeAsTool {
			continue
		}
		result, err := o.sources.Load(ctx, src, rctx)
		if err != nil {
			// Provider error text never leaks into the prompt.
			slog.Error("skipping failed source", "source", id, "error", err)
			continue
		}
		if b.Len() > 0 {
			b.WriteString("\n\n")
		}
		fmt.Fprintf(&b, "<source id=%q>\n%s\n</source>", id, result.Content)
	}
	return b.String()
}
