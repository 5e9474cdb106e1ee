package chat

import (
	"testing"

	"github.com/promptgate/promptgate/pkg/config"
)

func modelFixture() []*config.Model {
	return []*config.Model{
		{ID: "basic"},
		{ID: "tools-a", SupportsTools: true},
		{ID: "tools-b", SupportsTools: true, Default: true},
		{ID: "vision", SupportsTools: true, SupportsImages: true},
	}
}

func TestFilterModelsAllowList(t *testing.T) {
	app := &config.App{ID: "chat", AllowedModels: []string{"basic", "vision"}}
	subset := FilterModels(modelFixture(), app)
	if len(subset) != 2 || subset[0].ID != "basic" || subset[1].ID != "vision" {
		t.Errorf("subset = %v", ids(subset))
	}
}

func TestFilterModelsRequiresToolSupport(t *testing.T) {
	app := &config.App{ID: "chat", Tools: []string{"webSearch"}}
	for _, m := range FilterModels(modelFixture(), app) {
		if !m.SupportsTools {
			t.Errorf("model %s lacks tool support", m.ID)
		}
	}
}

func TestFilterModelsCapabilityFilter(t *testing.T) {
	app := &config.App{ID: "chat", Settings: config.AppSettings{
		Model: config.ModelFilterSettings{Filter: map[string]bool{"supportsImages": true}},
	}}
	subset := FilterModels(modelFixture(), app)
	if len(subset) != 1 || subset[0].ID != "vision" {
		t.Errorf("subset = %v", ids(subset))
	}
}

func TestDefaultForPrefersAppChoice(t *testing.T) {
	models := modelFixture()

	app := &config.App{ID: "chat", PreferredModel: "tools-a"}
	if got := DefaultFor(models, app); got.ID != "tools-a" {
		t.Errorf("default = %s, want the preferred model", got.ID)
	}

	// An incompatible preference falls through to the flagged default.
	app = &config.App{ID: "chat", PreferredModel: "gone"}
	if got := DefaultFor(models, app); got.ID != "tools-b" {
		t.Errorf("default = %s, want the flagged default", got.ID)
	}

	// Without a flagged default the first compatible model wins.
	plain := []*config.Model{{ID: "one"}, {ID: "two"}}
	if got := DefaultFor(plain, &config.App{ID: "chat"}); got.ID != "one" {
		t.Errorf("default = %s", got.ID)
	}

	if got := DefaultFor(nil, &config.App{ID: "chat"}); got != nil {
		t.Errorf("empty subset must yield nil, got %v", got)
	}
}

func TestResolveModelFallback(t *testing.T) {
	models := modelFixture()
	app := &config.App{ID: "chat"}

	m, fellBack := ResolveModel(models, app, "vision")
	if m.ID != "vision" || fellBack {
		t.Errorf("exact match must not fall back: %s %v", m.ID, fellBack)
	}

	m, fellBack = ResolveModel(models, app, "retired-model")
	if m.ID != "tools-b" || !fellBack {
		t.Errorf("unknown request must fall back to the default: %s %v", m.ID, fellBack)
	}

	m, fellBack = ResolveModel(models, app, "")
	if m.ID != "tools-b" || fellBack {
		t.Errorf("absent request uses the default without counting as fallback: %s %v", m.ID, fellBack)
	}
}

func ids(models []*config.Model) []string {
	out := make([]string, len(models))
	for i, m := range models {
		out[i] = m.ID
	}
	return out
}
