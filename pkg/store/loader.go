package store

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/promptgate/promptgate/pkg/authz"
	"github.com/promptgate/promptgate/pkg/config"
)

// Loader reads configuration from disk. Reads prefer contentsDir and fall
// back to defaultsDir; list resources may be a single <name>.json or a
// one-file-per-id <name>/ directory, merged by id with contents winning.
type Loader struct {
	contentsDir string
	defaultsDir string
}

func NewLoader(contentsDir, defaultsDir string) *Loader {
	return &Loader{contentsDir: contentsDir, defaultsDir: defaultsDir}
}

// ContentsDir exposes the write target for the admin layer.
func (l *Loader) ContentsDir() string { return l.contentsDir }

// LoadAll builds a complete snapshot from disk.
func (l *Loader) LoadAll() (*Snapshot, error) {
	snap := &Snapshot{loadedAt: time.Now()}

	snap.Apps = loadEntities(l, "apps", "", func(a *config.App) string { return a.ID })
	snap.Models = loadEntities(l, "models", "", func(m *config.Model) string { return m.ID })
	snap.Tools = loadEntities(l, "tools", "tools.json", func(t *config.Tool) string { return t.ID })
	snap.Sources = loadEntities(l, "sources", "sources.json", func(s *config.Source) string { return s.ID })
	snap.Groups = loadEntities(l, "", "config/groups.json", func(g *config.Group) string { return g.ID })
	snap.Users = loadEntities(l, "", "config/users.json", func(u *config.User) string { return u.ID })
	snap.Prompts = loadEntities(l, "", "config/prompts.json", func(p *config.Prompt) string { return p.ID })

	snap.Platform = l.loadPlatform()
	snap.UI = l.loadObject("config/ui.json")
	snap.Styles = l.loadObject("config/styles.json")
	snap.Translations = l.loadTranslations()

	sortApps(snap.Apps)
	snap.Resolver = authz.NewResolver(snap.Groups)
	for _, warning := range authz.DetectCycles(snap.Groups) {
		slog.Warn("group configuration issue", "warning", warning)
	}

	snap.computeETags()

	if len(snap.Apps) == 0 && len(snap.Models) == 0 {
		return nil, fmt.Errorf("no apps or models found under %s or %s", l.contentsDir, l.defaultsDir)
	}
	return snap, nil
}

// Reload rebuilds one resource on top of the current snapshot. The returned
// snapshot shares the untouched slices with the previous one; both are
// immutable so sharing is safe.
func (l *Loader) Reload(current *Snapshot, resource string) (*Snapshot, error) {
	next := *current
	next.loadedAt = time.Now()

	switch resource {
	case ResourceApps:
		next.Apps = loadEntities(l, "apps", "", func(a *config.App) string { return a.ID })
		sortApps(next.Apps)
	case ResourceModels:
		next.Models = loadEntities(l, "models", "", func(m *config.Model) string { return m.ID })
	case ResourceTools:
		next.Tools = loadEntities(l, "tools", "tools.json", func(t *config.Tool) string { return t.ID })
	case ResourceSources:
		next.Sources = loadEntities(l, "sources", "sources.json", func(s *config.Source) string { return s.ID })
	case ResourceGroups:
		next.Groups = loadEntities(l, "", "config/groups.json", func(g *config.Group) string { return g.ID })
		next.Resolver = authz.NewResolver(next.Groups)
	case ResourceUsers:
		next.Users = loadEntities(l, "", "config/users.json", func(u *config.User) string { return u.ID })
	case ResourcePrompts:
		next.Prompts = loadEntities(l, "", "config/prompts.json", func(p *config.Prompt) string { return p.ID })
	case ResourcePlatform:
		next.Platform = l.loadPlatform()
	case ResourceUI:
		next.UI = l.loadObject("config/ui.json")
	case ResourceStyles:
		next.Styles = l.loadObject("config/styles.json")
	case ResourceTranslations:
		next.Translations = l.loadTranslations()
	default:
		return l.LoadAll()
	}

	next.computeETags()
	return &next, nil
}

// loadEntities merges defaults and contents for one list resource. dirName
// selects the per-id directory form, fileName the single-file form; either
// may be empty when the layout does not use it.
func loadEntities[T any](l *Loader, dirName, fileName string, idOf func(*T) string) []*T {
	byID := make(map[string]*T)
	var order []string

	add := func(entity *T, path string) {
		id := idOf(entity)
		if id == "" {
			slog.Warn("skipping config entry without id", "path", path)
			return
		}
		if _, exists := byID[id]; !exists {
			order = append(order, id)
		}
		byID[id] = entity
	}

	for _, base := range []string{l.defaultsDir, l.contentsDir} {
		if fileName != "" {
			path := filepath.Join(base, fileName)
			if data, err := os.ReadFile(path); err == nil {
				var list []*T
				if err := json.Unmarshal(data, &list); err != nil {
					slog.Error("skipping malformed config file", "path", path, "error", err)
				} else {
					for _, entity := range list {
						add(entity, path)
					}
				}
			}
		}
		if dirName != "" {
			dir := filepath.Join(base, dirName)
			entries, err := os.ReadDir(dir)
			if err != nil {
				continue
			}
			names := make([]string, 0, len(entries))
			for _, e := range entries {
				if !e.IsDir() && strings.HasSuffix(e.Name(), ".json") {
					names = append(names, e.Name())
				}
			}
			sort.Strings(names)
			for _, name := range names {
				path := filepath.Join(dir, name)
				data, err := os.ReadFile(path)
				if err != nil {
					slog.Error("failed to read config file", "path", path, "error", err)
					continue
				}
				entity := new(T)
				if err := json.Unmarshal(data, entity); err != nil {
					slog.Error("skipping malformed config file", "path", path, "error", err)
					continue
				}
				add(entity, path)
			}
		}
	}

	out := make([]*T, 0, len(order))
	ids := make([]string, len(order))
	copy(ids, order)
	sort.Strings(ids)
	for _, id := range ids {
		out = append(out, byID[id])
	}
	return out
}

// loadPlatform reads config/platform.json with environment expansion and
// merges config/features.json into the feature flags.
func (l *Loader) loadPlatform() *config.Platform {
	platform := &config.Platform{}
	if data, ok := l.readPreferred("config/platform.json"); ok {
		expanded := config.ExpandEnvVars(string(data))
		if err := json.Unmarshal([]byte(expanded), platform); err != nil {
			slog.Error("skipping malformed platform config", "error", err)
			platform = &config.Platform{}
		}
	}
	if platform.Secret == "" {
		platform.Secret = os.Getenv("JWT_SECRET")
	}

	if data, ok := l.readPreferred("config/features.json"); ok {
		features := make(map[string]bool)
		if err := json.Unmarshal(data, &features); err != nil {
			slog.Error("skipping malformed features config", "error", err)
		} else {
			if platform.Features == nil {
				platform.Features = make(map[string]bool)
			}
			for k, v := range features {
				platform.Features[k] = v
			}
		}
	}
	return platform
}

func (l *Loader) loadObject(rel string) map[string]any {
	out := make(map[string]any)
	if data, ok := l.readPreferred(rel); ok {
		if err := json.Unmarshal(data, &out); err != nil {
			slog.Error("skipping malformed config file", "path", rel, "error", err)
			return map[string]any{}
		}
	}
	return out
}

// loadTranslations reads locales/<lang>.json from both trees, contents
// winning per language.
func (l *Loader) loadTranslations() map[string]map[string]any {
	out := make(map[string]map[string]any)
	for _, base := range []string{l.defaultsDir, l.contentsDir} {
		dir := filepath.Join(base, "locales")
		entries, err := os.ReadDir(dir)
		if err != nil {
			continue
		}
		for _, e := range entries {
			if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
				continue
			}
			path := filepath.Join(dir, e.Name())
			data, err := os.ReadFile(path)
			if err != nil {
				slog.Error("failed to read translation file", "path", path, "error", err)
				continue
			}
			table := make(map[string]any)
			if err := json.Unmarshal(data, &table); err != nil {
				slog.Error("skipping malformed translation file", "path", path, "error", err)
				continue
			}
			lang := strings.TrimSuffix(e.Name(), ".json")
			out[lang] = table
		}
	}
	return out
}

// readPreferred returns the contents-tree file when present, else the
// defaults-tree file.
func (l *Loader) readPreferred(rel string) ([]byte, bool) {
	for _, base := range []string{l.contentsDir, l.defaultsDir} {
		path := filepath.Join(base, rel)
		data, err := os.ReadFile(path)
		if err == nil {
			return data, true
		}
		if !os.IsNotExist(err) {
			slog.Error("failed to read config file", "path", path, "error", err)
		}
	}
	return nil, false
}

// ReadModelFile reads a model's on-disk JSON directly, bypassing the cache.
// The admin key-update path uses this so a cold cache cannot drop a stored
// encrypted key.
func (l *Loader) ReadModelFile(id string) (*config.Model, error) {
	for _, base := range []string{l.contentsDir, l.defaultsDir} {
		path := filepath.Join(base, "models", id+".json")
		data, err := os.ReadFile(path)
		if os.IsNotExist(err) {
			continue
		}
		if err != nil {
			return nil, err
		}
		model := &config.Model{}
		if err := json.Unmarshal(data, model); err != nil {
			return nil, fmt.Errorf("malformed model file %s: %w", path, err)
		}
		return model, nil
	}
	return nil, os.ErrNotExist
}
