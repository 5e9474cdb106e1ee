package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"regexp"
	"sync"

	"github.com/go-chi/chi/v5"

	"github.com/promptgate/promptgate/pkg/store"
)

// idPattern constrains resource ids to filesystem-safe names.
var idPattern = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)

// writeLocks serializes writes per resource so concurrent admin edits cannot
// interleave within one file.
var writeLocks sync.Map

func lockFor(resource string) *sync.Mutex {
	mu, _ := writeLocks.LoadOrStore(resource, &sync.Mutex{})
	return mu.(*sync.Mutex)
}

func (s *Server) adminRoutes(r chi.Router) {
	r.Get("/apps", s.adminList(store.ResourceApps))
	r.Put("/apps/{id}", s.adminUpsertApp)
	r.Delete("/apps/{id}", s.adminDeleteApp)

	r.Get("/models", s.adminListModels)
	r.Put("/models/{id}", s.adminUpsertModel)
	r.Delete("/models/{id}", s.adminDeleteModel)

	r.Get("/tools", s.adminList(store.ResourceTools))
	r.Put("/tools/{id}", s.adminUpsertTool)
	r.Delete("/tools/{id}", s.adminDeleteTool)

	r.Get("/sources", s.adminList(store.ResourceSources))
	r.Put("/sources/{id}", s.adminUpsertSource)
	r.Delete("/sources/{id}", s.adminDeleteSource)

	r.Get("/groups", s.adminList(store.ResourceGroups))
	r.Put("/groups/{id}", s.adminUpsertGroup)
	r.Delete("/groups/{id}", s.adminDeleteGroup)

	r.Get("/users", s.adminList(store.ResourceUsers))
	r.Put("/users/{id}", s.adminUpsertUser)
	r.Delete("/users/{id}", s.adminDeleteUser)

	r.Get("/prompts", s.adminList(store.ResourcePrompts))
	r.Put("/prompts/{id}", s.adminUpsertPrompt)
	r.Delete("/prompts/{id}", s.adminDeletePrompt)

	r.Get("/configs/schema/{resource}", s.adminSchema)

	r.Get("/usage", s.adminUsage)
	r.Post("/refresh", s.adminRefresh)
}

func (s *Server) adminList(resource string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		snap := s.store.Snapshot()
		var v any
		switch resource {
		case store.ResourceApps:
			v = snap.Apps
		case store.ResourceTools:
			v = snap.Tools
		case store.ResourceSources:
			v = snap.Sources
		case store.ResourceGroups:
			v = snap.Groups
		case store.ResourceUsers:
			v = snap.AdminUsersView()
		case store.ResourcePrompts:
			v = snap.Prompts
		}
		writeJSON(w, http.StatusOK, v)
	}
}

func (s *Server) adminListModels(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.store.Snapshot().AdminModelsView())
}

func (s *Server) adminUsage(w http.ResponseWriter, r *http.Request) {
	report, err := s.usage.Report()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to read usage data")
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// adminRefresh drops the whole cache and rebuilds from disk.
func (s *Server) adminRefresh(w http.ResponseWriter, r *http.Request) {
	s.store.Invalidate()
	writeJSON(w, http.StatusOK, map[string]any{"refreshed": true})
}

// writeUpdated responds to a successful admin write with the entity and the
// resource's post-refresh ETag so clients can revalidate immediately.
func (s *Server) writeUpdated(w http.ResponseWriter, resource string, v any) {
	w.Header().Set("ETag", fmt.Sprintf("%q", s.store.Snapshot().ETag(resource)))
	writeJSON(w, http.StatusOK, v)
}

// decodeEntity parses the body and checks the payload id against the URL.
func decodeEntity[T any](r *http.Request, idOf func(*T) string) (*T, string, error) {
	id := chi.URLParam(r, "id")
	if !idPattern.MatchString(id) {
		return nil, "", fmt.Errorf("invalid id")
	}
	entity := new(T)
	if err := json.NewDecoder(r.Body).Decode(entity); err != nil {
		return nil, "", fmt.Errorf("malformed body: %v", err)
	}
	if got := idOf(entity); got != "" && got != id {
		return nil, "", fmt.Errorf("payload id %q does not match URL id %q", got, id)
	}
	return entity, id, nil
}

// writeEntityFile persists one entity as contents/<dir>/<id>.json with
// atomic replace, then refreshes the resource cache.
func (s *Server) writeEntityFile(resource, dir, id string, v any) error {
	mu := lockFor(resource)
	mu.Lock()
	defer mu.Unlock()

	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}

	target := filepath.Join(s.store.Loader().ContentsDir(), dir, id+".json")
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(target), id+".*.json")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(append(data, '\n')); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	if err := os.Rename(tmp.Name(), target); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return s.store.Refresh(resource)
}

// deleteEntityFile removes contents/<dir>/<id>.json. Entities that only
// exist in the defaults tree cannot be deleted.
func (s *Server) deleteEntityFile(resource, dir, id string) error {
	mu := lockFor(resource)
	mu.Lock()
	defer mu.Unlock()

	target := filepath.Join(s.store.Loader().ContentsDir(), dir, id+".json")
	if err := os.Remove(target); err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("%s %s is built in and cannot be deleted", resource, id)
		}
		return err
	}
	return s.store.Refresh(resource)
}

// writeListFile rewrites a whole-list resource file (groups, users,
// prompts) under config/.
func writeListFile[T any](s *Server, resource, rel string, list []*T) error {
	mu := lockFor(resource)
	mu.Lock()
	defer mu.Unlock()

	data, err := json.MarshalIndent(list, "", "  ")
	if err != nil {
		return err
	}
	target := filepath.Join(s.store.Loader().ContentsDir(), rel)
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(target), filepath.Base(rel)+".*")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(append(data, '\n')); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	if err := os.Rename(tmp.Name(), target); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return s.store.Refresh(resource)
}

func upsertInList[T any](list []*T, entity *T, idOf func(*T) string) []*T {
	id := idOf(entity)
	for i, existing := range list {
		if idOf(existing) == id {
			out := append([]*T{}, list...)
			out[i] = entity
			return out
		}
	}
	return append(append([]*T{}, list...), entity)
}

func removeFromList[T any](list []*T, id string, idOf func(*T) string) ([]*T, bool) {
	out := make([]*T, 0, len(list))
	found := false
	for _, existing := range list {
		if idOf(existing) == id {
			found = true
			continue
		}
		out = append(out, existing)
	}
	return out, found
}

func writeDependencyConflict(w http.ResponseWriter, kind string, dependents []string) {
	writeJSON(w, http.StatusConflict, map[string]any{
		"error":      fmt.Sprintf("%s is still referenced", kind),
		"dependents": dependents,
	})
}
