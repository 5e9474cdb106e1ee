package tools

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/promptgate/promptgate/pkg/config"
)

type stubExecutor struct {
	fn   string
	args map[string]any
}

func (s *stubExecutor) Execute(ctx context.Context, fn string, args map[string]any, ectx *ExecContext) (any, error) {
	s.fn = fn
	s.args = args
	return map[string]any{"ok": true}, nil
}

func testRegistry(t *testing.T, tools ...*config.Tool) (*Registry, *stubExecutor) {
	t.Helper()
	r := NewRegistry(5 * time.Second)
	stub := &stubExecutor{}
	r.RegisterFactory("stub", func(tool *config.Tool) (Executor, error) { return stub, nil })
	r.Rebuild(tools, "en")
	return r, stub
}

func TestRebuildExpandsFunctions(t *testing.T) {
	r, _ := testRegistry(t, &config.Tool{
		ID:       "jira",
		Provider: "stub",
		Functions: map[string]*config.ToolFunction{
			"createIssue": {Description: config.LocalizedText{"en": "Create an issue"}},
			"searchIssues": {Description: config.LocalizedText{"en": "Search issues", "de": "Vorgänge suchen"},
				Parameters: map[string]any{"type": "object", "properties": map[string]any{"jql": map[string]any{"type": "string"}}}},
		},
	})

	if _, ok := r.Get("jira"); ok {
		t.Error("the parent id of a multi-function tool must not be invocable")
	}
	entry, ok := r.Get("jira.searchIssues")
	if !ok {
		t.Fatal("expanded function entry missing")
	}
	if entry.Function != "searchIssues" {
		t.Errorf("function = %q", entry.Function)
	}
	if entry.Description != "Search issues" {
		t.Errorf("description = %q", entry.Description)
	}
}

func TestResolveExpandsParentID(t *testing.T) {
	r, _ := testRegistry(t,
		&config.Tool{ID: "jira", Provider: "stub", Functions: map[string]*config.ToolFunction{
			"createIssue":  {},
			"searchIssues": {},
		}},
		&config.Tool{ID: "webSearch", Provider: "stub"},
	)

	entries := r.Resolve([]string{"jira", "webSearch", "jira.createIssue", "ghost"})
	ids := make(map[string]bool)
	for _, e := range entries {
		ids[e.ID] = true
	}

	if len(entries) != 3 {
		t.Fatalf("resolved %d entries, want 3 distinct: %v", len(entries), ids)
	}
	for _, want := range []string{"jira.createIssue", "jira.searchIssues", "webSearch"} {
		if !ids[want] {
			t.Errorf("missing %s", want)
		}
	}
}

func TestInvokeValidatesArguments(t *testing.T) {
	r, stub := testRegistry(t, &config.Tool{
		ID:       "lookup",
		Provider: "stub",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"query":      map[string]any{"type": "string"},
				"maxResults": map[string]any{"type": "integer"},
			},
			"required": []any{"query"},
		},
	})

	_, err := r.Invoke(context.Background(), "lookup", map[string]any{"maxResults": 3}, nil)
	var verr *ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("missing required field must fail validation, got %v", err)
	}

	out, err := r.Invoke(context.Background(), "lookup", map[string]any{"query": "go", "maxResults": 3}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if out == nil || stub.args["query"] != "go" {
		t.Errorf("executor did not receive the arguments: %+v", stub.args)
	}
}

func TestInvokeUnknownTool(t *testing.T) {
	r, _ := testRegistry(t)
	if _, err := r.Invoke(context.Background(), "nope", nil, nil); err == nil {
		t.Error("unknown tool must error")
	}
}

func TestInvokeDefinitionOnlyTool(t *testing.T) {
	r, _ := testRegistry(t, &config.Tool{ID: "orphan", Provider: "unregistered"})
	if _, err := r.Invoke(context.Background(), "orphan", nil, nil); err == nil {
		t.Error("a tool without an executor must reject invocation")
	}
}

func TestRebuildReplacesTable(t *testing.T) {
	r, _ := testRegistry(t, &config.Tool{ID: "old", Provider: "stub"})
	r.Rebuild([]*config.Tool{{ID: "new", Provider: "stub"}}, "en")

	if _, ok := r.Get("old"); ok {
		t.Error("stale entries must not survive a rebuild")
	}
	if _, ok := r.Get("new"); !ok {
		t.Error("rebuilt entry missing")
	}
}

func TestDefinitionFillsEmptyParameters(t *testing.T) {
	entry := &Entry{ID: "bare"}
	def := entry.Definition()
	if def.Parameters == nil {
		t.Fatal("definition must always carry an object schema")
	}
	if def.Parameters["type"] != "object" {
		t.Errorf("parameters = %+v", def.Parameters)
	}
}

func TestLocalizedDescription(t *testing.T) {
	r := NewRegistry(time.Second)
	stub := &stubExecutor{}
	r.RegisterFactory("stub", func(tool *config.Tool) (Executor, error) { return stub, nil })
	r.Rebuild([]*config.Tool{{
		ID:          "translate",
		Provider:    "stub",
		Description: config.LocalizedText{"en": "Translate text", "de": "Text übersetzen"},
	}}, "de")

	entry, _ := r.Get("translate")
	if entry.Description != "Text übersetzen" {
		t.Errorf("description = %q, want the German variant", entry.Description)
	}
}
