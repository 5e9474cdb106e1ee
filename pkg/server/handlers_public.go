package server

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/promptgate/promptgate/pkg/auth"
)

func (s *Server) handleApps(w http.ResponseWriter, r *http.Request) {
	user := auth.UserFrom(r.Context())
	apps, etag := s.store.Snapshot().AppsView(user)
	writeCached(w, r, etag, apps)
}

func (s *Server) handleApp(w http.ResponseWriter, r *http.Request) {
	user := auth.UserFrom(r.Context())
	app, etag, ok := s.store.Snapshot().AppView(user, chi.URLParam(r, "appId"))
	if !ok {
		writeError(w, http.StatusNotFound, "app not found")
		return
	}
	writeCached(w, r, etag, app)
}

func (s *Server) handleModels(w http.ResponseWriter, r *http.Request) {
	user := auth.UserFrom(r.Context())
	models, etag := s.store.Snapshot().ModelsView(user)
	writeCached(w, r, etag, models)
}

func (s *Server) handlePrompts(w http.ResponseWriter, r *http.Request) {
	user := auth.UserFrom(r.Context())
	prompts, etag := s.store.Snapshot().PromptsView(user)
	writeCached(w, r, etag, prompts)
}

func (s *Server) handleTools(w http.ResponseWriter, r *http.Request) {
	tools, etag := s.store.Snapshot().ToolsView()
	writeCached(w, r, etag, tools)
}

func (s *Server) handleTranslations(w http.ResponseWriter, r *http.Request) {
	table, etag, ok := s.store.Snapshot().TranslationsView(chi.URLParam(r, "lang"))
	if !ok {
		writeError(w, http.StatusNotFound, "no translations available")
		return
	}
	writeCached(w, r, etag, table)
}

func (s *Server) handleUIConfig(w http.ResponseWriter, r *http.Request) {
	ui, etag := s.store.Snapshot().UIView()
	writeCached(w, r, etag, ui)
}

func (s *Server) handleStyles(w http.ResponseWriter, r *http.Request) {
	styles, etag := s.store.Snapshot().StylesView()
	writeCached(w, r, etag, styles)
}

func (s *Server) handlePlatform(w http.ResponseWriter, r *http.Request) {
	platform, etag := s.store.Snapshot().PlatformView()
	writeCached(w, r, etag, platform)
}

func (s *Server) handleShortlinkResolve(w http.ResponseWriter, r *http.Request) {
	link, err := s.shortlinks.Resolve(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusNotFound, "shortlink not found")
		return
	}
	// The link only resolves for users who can see the target app.
	user := auth.UserFrom(r.Context())
	if _, _, ok := s.store.Snapshot().AppView(user, link.AppID); !ok {
		writeError(w, http.StatusNotFound, "shortlink not found")
		return
	}
	writeJSON(w, http.StatusOK, link)
}

func (s *Server) handleShortlinkCreate(w http.ResponseWriter, r *http.Request) {
	var body struct {
		AppID     string            `json:"appId"`
		Variables map[string]string `json:"variables"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.AppID == "" {
		writeError(w, http.StatusBadRequest, "appId is required")
		return
	}

	user := auth.UserFrom(r.Context())
	if _, _, ok := s.store.Snapshot().AppView(user, body.AppID); !ok {
		writeError(w, http.StatusNotFound, "app not found")
		return
	}

	createdBy := ""
	if user != nil {
		createdBy = user.ID
	}
	link, err := s.shortlinks.Create(body.AppID, createdBy, body.Variables)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to create shortlink")
		return
	}
	writeJSON(w, http.StatusCreated, link)
}
