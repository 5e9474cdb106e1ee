package server

import (
	"fmt"
	"net/http"
	"os"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/promptgate/promptgate/pkg/auth"
	"github.com/promptgate/promptgate/pkg/config"
	"github.com/promptgate/promptgate/pkg/store"
)

// ---- apps ----

func (s *Server) adminUpsertApp(w http.ResponseWriter, r *http.Request) {
	app, id, err := decodeEntity(r, func(a *config.App) string { return a.ID })
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	app.ID = id
	if app.Name.Get("en") == "" {
		writeError(w, http.StatusBadRequest, "app name is required")
		return
	}
	if err := s.writeEntityFile(store.ResourceApps, "apps", id, app); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeUpdated(w, store.ResourceApps, app)
}

func (s *Server) adminDeleteApp(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.deleteEntityFile(store.ResourceApps, "apps", id); err != nil {
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	s.writeUpdated(w, store.ResourceApps, map[string]any{"deleted": id})
}

// ---- models ----

// adminUpsertModel stores a model, encrypting a newly supplied API key. The
// masked placeholder preserves whatever key is already on disk, so admin
// round-trips of the masked view never destroy a stored key.
func (s *Server) adminUpsertModel(w http.ResponseWriter, r *http.Request) {
	model, id, err := decodeEntity(r, func(m *config.Model) string { return m.ID })
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	model.ID = id
	if model.Provider == "" {
		writeError(w, http.StatusBadRequest, "provider is required")
		return
	}

	switch {
	case model.APIKey == config.MaskedAPIKey:
		prior, err := s.store.Loader().ReadModelFile(id)
		if err != nil && !os.IsNotExist(err) {
			writeError(w, http.StatusInternalServerError, "failed to read stored model")
			return
		}
		if prior != nil {
			model.APIKey = prior.APIKey
		} else {
			model.APIKey = ""
		}

	case model.APIKey != "" && !config.IsEncrypted(model.APIKey):
		secret := s.store.Snapshot().Platform.Secret
		encrypted, err := config.EncryptAPIKey(model.APIKey, secret)
		if err != nil {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("cannot store API key: %v", err))
			return
		}
		model.APIKey = encrypted
	}

	if err := s.writeEntityFile(store.ResourceModels, "models", id, model); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeUpdated(w, store.ResourceModels, sanitizedModelResponse(model))
}

func sanitizedModelResponse(m *config.Model) *config.Model {
	out := *m
	if out.APIKey != "" {
		out.APIKey = config.MaskedAPIKey
	}
	return &out
}

func (s *Server) adminDeleteModel(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var dependents []string
	for _, app := range s.store.Snapshot().Apps {
		if app.PreferredModel == id || containsString(app.AllowedModels, id) {
			dependents = append(dependents, "app:"+app.ID)
		}
	}
	if len(dependents) > 0 {
		writeDependencyConflict(w, "model", dependents)
		return
	}

	if err := s.deleteEntityFile(store.ResourceModels, "models", id); err != nil {
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	s.writeUpdated(w, store.ResourceModels, map[string]any{"deleted": id})
}

// ---- tools ----

func (s *Server) adminUpsertTool(w http.ResponseWriter, r *http.Request) {
	tool, id, err := decodeEntity(r, func(t *config.Tool) string { return t.ID })
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	tool.ID = id
	if err := s.writeEntityFile(store.ResourceTools, "tools", id, tool); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeUpdated(w, store.ResourceTools, tool)
}

func (s *Server) adminDeleteTool(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var dependents []string
	for _, app := range s.store.Snapshot().Apps {
		for _, toolID := range app.Tools {
			if toolID == id || strings.HasPrefix(toolID, id+".") {
				dependents = append(dependents, "app:"+app.ID)
				break
			}
		}
	}
	if len(dependents) > 0 {
		writeDependencyConflict(w, "tool", dependents)
		return
	}

	if err := s.deleteEntityFile(store.ResourceTools, "tools", id); err != nil {
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	s.writeUpdated(w, store.ResourceTools, map[string]any{"deleted": id})
}

// ---- sources ----

func (s *Server) adminUpsertSource(w http.ResponseWriter, r *http.Request) {
	src, id, err := decodeEntity(r, func(s *config.Source) string { return s.ID })
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	src.ID = id
	if src.Type == "" {
		writeError(w, http.StatusBadRequest, "source type is required")
		return
	}
	if err := s.writeEntityFile(store.ResourceSources, "sources", id, src); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeUpdated(w, store.ResourceSources, src)
}

func (s *Server) adminDeleteSource(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var dependents []string
	for _, app := range s.store.Snapshot().Apps {
		if containsString(app.Sources, id) {
			dependents = append(dependents, "app:"+app.ID)
		}
	}
	if len(dependents) > 0 {
		writeDependencyConflict(w, "source", dependents)
		return
	}

	if err := s.deleteEntityFile(store.ResourceSources, "sources", id); err != nil {
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	s.writeUpdated(w, store.ResourceSources, map[string]any{"deleted": id})
}

// ---- groups ----

func (s *Server) adminUpsertGroup(w http.ResponseWriter, r *http.Request) {
	group, id, err := decodeEntity(r, func(g *config.Group) string { return g.ID })
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	group.ID = id

	list := upsertInList(s.store.Snapshot().Groups, group, func(g *config.Group) string { return g.ID })
	if err := writeListFile(s, store.ResourceGroups, "config/groups.json", list); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeUpdated(w, store.ResourceGroups, group)
}

func (s *Server) adminDeleteGroup(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	snap := s.store.Snapshot()

	var dependents []string
	for _, u := range snap.Users {
		if containsString(u.Groups, id) {
			dependents = append(dependents, "user:"+u.ID)
		}
	}
	for _, g := range snap.Groups {
		if g.ID != id && containsString(g.Inherits, id) {
			dependents = append(dependents, "group:"+g.ID)
		}
	}
	if len(dependents) > 0 {
		writeDependencyConflict(w, "group", dependents)
		return
	}

	list, found := removeFromList(snap.Groups, id, func(g *config.Group) string { return g.ID })
	if !found {
		writeError(w, http.StatusNotFound, "group not found")
		return
	}
	if err := writeListFile(s, store.ResourceGroups, "config/groups.json", list); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeUpdated(w, store.ResourceGroups, map[string]any{"deleted": id})
}

// ---- users ----

// adminUser accepts an optional plaintext password on write, which is
// stored only as its scrypt hash.
type adminUser struct {
	config.User
	Password string `json:"password,omitempty"`
}

func (s *Server) adminUpsertUser(w http.ResponseWriter, r *http.Request) {
	body, id, err := decodeEntity(r, func(u *adminUser) string { return u.ID })
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	user := body.User
	user.ID = id

	if body.Password != "" {
		hash, err := auth.HashPassword(body.Password)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "failed to hash password")
			return
		}
		user.PasswordHash = hash
	} else if user.PasswordHash == "" {
		if prior, ok := s.store.Snapshot().FindUser(id); ok {
			user.PasswordHash = prior.PasswordHash
		}
	}

	list := upsertInList(s.store.Snapshot().Users, &user, func(u *config.User) string { return u.ID })
	if err := writeListFile(s, store.ResourceUsers, "config/users.json", list); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	public := user
	public.PasswordHash = ""
	s.writeUpdated(w, store.ResourceUsers, &public)
}

func (s *Server) adminDeleteUser(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	list, found := removeFromList(s.store.Snapshot().Users, id, func(u *config.User) string { return u.ID })
	if !found {
		writeError(w, http.StatusNotFound, "user not found")
		return
	}
	if err := writeListFile(s, store.ResourceUsers, "config/users.json", list); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeUpdated(w, store.ResourceUsers, map[string]any{"deleted": id})
}

// ---- prompts ----

func (s *Server) adminUpsertPrompt(w http.ResponseWriter, r *http.Request) {
	prompt, id, err := decodeEntity(r, func(p *config.Prompt) string { return p.ID })
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	prompt.ID = id
	if prompt.Prompt == "" {
		writeError(w, http.StatusBadRequest, "prompt text is required")
		return
	}

	list := upsertInList(s.store.Snapshot().Prompts, prompt, func(p *config.Prompt) string { return p.ID })
	if err := writeListFile(s, store.ResourcePrompts, "config/prompts.json", list); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeUpdated(w, store.ResourcePrompts, prompt)
}

func (s *Server) adminDeletePrompt(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	list, found := removeFromList(s.store.Snapshot().Prompts, id, func(p *config.Prompt) string { return p.ID })
	if !found {
		writeError(w, http.StatusNotFound, "prompt not found")
		return
	}
	if err := writeListFile(s, store.ResourcePrompts, "config/prompts.json", list); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeUpdated(w, store.ResourcePrompts, map[string]any{"deleted": id})
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
