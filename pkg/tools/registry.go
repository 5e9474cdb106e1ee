// Package tools loads tool definitions, expands multi-function tools and
// exposes a uniform invocation contract to the chat orchestrator.
package tools

import (
	"context"
	"fmt"
	"log/slog"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/promptgate/promptgate/pkg/config"
	"github.com/promptgate/promptgate/pkg/protocol"
)

// ExecContext carries per-request state into a tool execution.
type ExecContext struct {
	User   *config.User
	ChatID string
	Lang   string
	// EmitAction forwards a tool progress marker to the client stream.
	EmitAction func(action string, payload map[string]any)
}

// Executor runs one tool script. fn is the function name for multi-function
// tools, empty otherwise.
type Executor interface {
	Execute(ctx context.Context, fn string, args map[string]any, ectx *ExecContext) (any, error)
}

// ExecutorFactory builds an executor for one configured tool.
type ExecutorFactory func(tool *config.Tool) (Executor, error)

// ValidationError marks arguments rejected by the tool's schema. It is
// returned to the model as a tool error, not surfaced to the user.
type ValidationError struct {
	Tool    string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid arguments for tool %s: %s", e.Tool, e.Message)
}

// Entry is one invocable tool. Multi-function tools contribute one entry
// per function with id "parent.function".
type Entry struct {
	ID                string
	Function          string
	Description       string
	Parameters        map[string]any
	Concurrency       int
	RequiresUserInput bool
	IsSpecialTool     bool

	tool     *config.Tool
	executor Executor
	schema   *jsonschema.Schema
}

// Definition converts the entry to the generic tool-definition shape.
func (e *Entry) Definition() protocol.ToolDefinition {
	params := e.Parameters
	if params == nil {
		params = map[string]any{"type": "object", "properties": map[string]any{}}
	}
	return protocol.ToolDefinition{
		Name:        e.ID,
		Description: e.Description,
		Parameters:  params,
	}
}

// Registry holds the expanded tool entries. It is immutable after Rebuild;
// readers take the lock only to fetch the current table.
type Registry struct {
	timeout   time.Duration
	factories map[string]ExecutorFactory

	mu      sync.RWMutex
	entries map[string]*Entry
}

// NewRegistry builds a registry with the built-in executors registered.
func NewRegistry(timeout time.Duration) *Registry {
	r := &Registry{
		timeout:   timeout,
		factories: make(map[string]ExecutorFactory),
		entries:   make(map[string]*Entry),
	}
	registerBuiltins(r)
	return r
}

// RegisterFactory installs an executor factory under a script name.
func (r *Registry) RegisterFactory(script string, factory ExecutorFactory) {
	r.factories[script] = factory
}

// Rebuild replaces the entry table from the given tool configs. Called at
// startup and after admin writes.
func (r *Registry) Rebuild(toolConfigs []*config.Tool, lang string) {
	entries := make(map[string]*Entry)

	for _, tool := range toolConfigs {
		executor, err := r.executorFor(tool)
		if err != nil {
			slog.Warn("tool has no executable script, registering as definition only", "tool", tool.ID, "error", err)
		}

		if len(tool.Functions) > 0 {
			for name, fn := range tool.Functions {
				id := tool.ID + "." + name
				entry := &Entry{
					ID:                id,
					Function:          name,
					Description:       fn.Description.Get(lang),
					Parameters:        fn.Parameters,
					Concurrency:       tool.Concurrency,
					RequiresUserInput: tool.RequiresUserInput,
					IsSpecialTool:     tool.IsSpecialTool,
					tool:              tool,
					executor:          executor,
				}
				entry.schema = compileSchema(id, fn.Parameters)
				entries[id] = entry
			}
			continue
		}

		entry := &Entry{
			ID:                tool.ID,
			Description:       tool.Description.Get(lang),
			Parameters:        tool.Parameters,
			Concurrency:       tool.Concurrency,
			RequiresUserInput: tool.RequiresUserInput,
			IsSpecialTool:     tool.IsSpecialTool,
			tool:              tool,
			executor:          executor,
		}
		entry.schema = compileSchema(tool.ID, tool.Parameters)
		entries[tool.ID] = entry
	}

	r.mu.Lock()
	r.entries = entries
	r.mu.Unlock()
	slog.Debug("tool registry rebuilt", "entries", len(entries))
}

func (r *Registry) executorFor(tool *config.Tool) (Executor, error) {
	name := tool.Provider
	if name == "" && tool.Script != "" {
		name = strings.TrimSuffix(path.Base(tool.Script), path.Ext(tool.Script))
	}
	if name == "" {
		return nil, fmt.Errorf("tool %s declares neither script nor provider", tool.ID)
	}
	factory, ok := r.factories[name]
	if !ok {
		return nil, fmt.Errorf("no executor registered for script %q", name)
	}
	return factory(tool)
}

// Get returns an entry by id.
func (r *Registry) Get(id string) (*Entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entry, ok := r.entries[id]
	return entry, ok
}

// Resolve maps tool ids to entries, expanding a parent id to all of its
// function entries. Unknown ids are skipped with a log line.
func (r *Registry) Resolve(ids []string) []*Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*Entry
	seen := make(map[string]bool)
	for _, id := range ids {
		if entry, ok := r.entries[id]; ok {
			if !seen[entry.ID] {
				seen[entry.ID] = true
				out = append(out, entry)
			}
			continue
		}
		matched := false
		for entryID, entry := range r.entries {
			if strings.HasPrefix(entryID, id+".") {
				matched = true
				if !seen[entryID] {
					seen[entryID] = true
					out = append(out, entry)
				}
			}
		}
		if !matched {
			slog.Warn("app references unknown tool", "tool", id)
		}
	}
	return out
}

// Invoke validates the arguments and runs the tool under its deadline.
func (r *Registry) Invoke(ctx context.Context, id string, args map[string]any, ectx *ExecContext) (any, error) {
	entry, ok := r.Get(id)
	if !ok {
		return nil, fmt.Errorf("unknown tool %q", id)
	}
	if entry.executor == nil {
		return nil, fmt.Errorf("tool %q has no executable implementation", id)
	}

	if entry.schema != nil {
		if err := entry.schema.Validate(normalizeForSchema(args)); err != nil {
			return nil, &ValidationError{Tool: id, Message: err.Error()}
		}
	}

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	return entry.executor.Execute(ctx, entry.Function, args, ectx)
}

// compileSchema prepares the argument validator. A nil or malformed schema
// disables validation for that tool rather than breaking it.
func compileSchema(id string, params map[string]any) *jsonschema.Schema {
	if len(params) == 0 {
		return nil
	}
	compiler := jsonschema.NewCompiler()
	resource := "inmem://tools/" + id + ".json"
	if err := compiler.AddResource(resource, normalizeForSchema(params)); err != nil {
		slog.Warn("failed to register tool schema", "tool", id, "error", err)
		return nil
	}
	schema, err := compiler.Compile(resource)
	if err != nil {
		slog.Warn("failed to compile tool schema", "tool", id, "error", err)
		return nil
	}
	return schema
}

// normalizeForSchema converts nested map values to the exact shapes the
// schema library expects from json.Unmarshal output.
func normalizeForSchema(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[k] = normalizeForSchema(val)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = normalizeForSchema(val)
		}
		return out
	case int:
		return float64(t)
	case int64:
		return float64(t)
	default:
		return v
	}
}
