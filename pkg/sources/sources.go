// Package sources loads external content referenced by apps: filesystem
// documents, fetched URLs, static pages and the iFinder enterprise search.
//
// Sources are either inlined into the system prompt (exposeAs=prompt) or
// surfaced to the model as a synthetic query tool (exposeAs=tool).
package sources

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/promptgate/promptgate/pkg/config"
)

// RequestContext carries per-request state into a handler.
type RequestContext struct {
	User   *config.User
	ChatID string
	Lang   string
	// Query is set when the source is invoked as a tool.
	Query string
}

// Result is a loaded source.
type Result struct {
	Content string         `json:"content"`
	Meta    map[string]any `json:"meta,omitempty"`
}

// Handler loads one source type.
type Handler interface {
	// Validate rejects a malformed source config at load/admin-write time.
	Validate(cfg map[string]any) error
	// Load fetches the content. Implementations must honor ctx.
	Load(ctx context.Context, cfg map[string]any, rctx *RequestContext) (*Result, error)
	// CacheTTL is the default cache lifetime for this handler's results.
	CacheTTL() time.Duration
}

// ToolNamePrefix namespaces synthetic source tools so they can never
// collide with configured tool ids.
const ToolNamePrefix = "source__"

// ToolName returns the synthetic tool id for a source.
func ToolName(sourceID string) string { return ToolNamePrefix + sourceID }

type cacheEntry struct {
	result  *Result
	expires time.Time
}

// Manager dispatches to handlers and caches their results. The cache key is
// the canonical JSON of the source config, so two sources with identical
// config share an entry and a config edit is a new key.
type Manager struct {
	timeout  time.Duration
	handlers map[config.SourceType]Handler

	mu    sync.Mutex
	cache map[string]cacheEntry
}

// NewManager builds a manager with the built-in handlers registered.
func NewManager(baseDir string, timeout time.Duration) *Manager {
	m := &Manager{
		timeout:  timeout,
		handlers: make(map[config.SourceType]Handler),
		cache:    make(map[string]cacheEntry),
	}
	m.Register(config.SourceFilesystem, NewFilesystemHandler(baseDir))
	m.Register(config.SourceURL, NewURLHandler())
	m.Register(config.SourcePage, NewPageHandler(baseDir))
	m.Register(config.SourceIFinder, NewIFinderHandler())
	return m
}

// Register installs a handler for a source type.
func (m *Manager) Register(t config.SourceType, h Handler) {
	m.handlers[t] = h
}

// Validate checks a source definition against its handler.
func (m *Manager) Validate(source *config.Source) error {
	h, ok := m.handlers[source.Type]
	if !ok {
		return fmt.Errorf("unknown source type %q", source.Type)
	}
	return h.Validate(source.Config)
}

// Load fetches a source, serving from cache when fresh. Query-bearing loads
// (tool invocations) bypass the cache since each query is distinct content.
func (m *Manager) Load(ctx context.Context, source *config.Source, rctx *RequestContext) (*Result, error) {
	h, ok := m.handlers[source.Type]
	if !ok {
		return nil, fmt.Errorf("unknown source type %q", source.Type)
	}

	cacheable := rctx == nil || rctx.Query == ""
	key := cacheKey(source)
	if cacheable {
		if result, ok := m.cached(key); ok {
			return result, nil
		}
	}

	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	result, err := h.Load(ctx, source.Config, rctx)
	if err != nil {
		slog.Error("source load failed", "source", source.ID, "type", source.Type, "error", err)
		return nil, fmt.Errorf("source %s failed to load: %w", source.ID, err)
	}

	if cacheable {
		ttl := h.CacheTTL()
		if source.CacheTTLSeconds > 0 {
			ttl = time.Duration(source.CacheTTLSeconds) * time.Second
		}
		m.store(key, result, ttl)
	}
	return result, nil
}

func cacheKey(source *config.Source) string {
	cfg, _ := json.Marshal(source.Config)
	return string(source.Type) + ":" + string(cfg)
}

func (m *Manager) cached(key string) (*Result, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.cache[key]
	if !ok || time.Now().After(entry.expires) {
		delete(m.cache, key)
		return nil, false
	}
	return entry.result, true
}

func (m *Manager) store(key string, result *Result, ttl time.Duration) {
	if ttl <= 0 {
		return
	}
	m.mu.Lock()
	m.cache[key] = cacheEntry{result: result, expires: time.Now().Add(ttl)}
	m.mu.Unlock()
}
