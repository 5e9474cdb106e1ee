package chat

import (
	"slices"

	"github.com/promptgate/promptgate/pkg/config"
)

// FilterModels produces the subset of models compatible with an app:
// the app's allow-list first, then tool support when the app binds tools,
// then the app's capability filter.
func FilterModels(models []*config.Model, app *config.App) []*config.Model {
	out := make([]*config.Model, 0, len(models))
	for _, m := range models {
		if len(app.AllowedModels) > 0 && !slices.Contains(app.AllowedModels, m.ID) {
			continue
		}
		if len(app.Tools) > 0 && !m.SupportsTools {
			continue
		}
		if !matchesCapabilityFilter(m, app.Settings.Model.Filter) {
			continue
		}
		out = append(out, m)
	}
	return out
}

func matchesCapabilityFilter(m *config.Model, filter map[string]bool) bool {
	for capability, required := range filter {
		if m.Capability(capability) != required {
			return false
		}
	}
	return true
}

// DefaultFor picks the subset's default: the app's preferred model when
// compatible, else the model flagged default, else the first.
func DefaultFor(subset []*config.Model, app *config.App) *config.Model {
	if len(subset) == 0 {
		return nil
	}
	if app.PreferredModel != "" {
		for _, m := range subset {
			if m.ID == app.PreferredModel {
				return m
			}
		}
	}
	for _, m := range subset {
		if m.Default {
			return m
		}
	}
	return subset[0]
}

// ResolveModel maps a requested model id onto the compatible subset,
// falling back to the subset default when the request is absent or
// incompatible. The second return reports whether a fallback happened.
func ResolveModel(subset []*config.Model, app *config.App, requested string) (*config.Model, bool) {
	if requested != "" {
		for _, m := range subset {
			if m.ID == requested {
				return m, false
			}
		}
	}
	fallback := DefaultFor(subset, app)
	return fallback, fallback != nil && requested != "" && fallback.ID != requested
}
