package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/promptgate/promptgate/pkg/auth"
	"github.com/promptgate/promptgate/pkg/config"
)

// handleAuthStatus reports the auth mode and the caller's identity. It never
// returns 401: clients poll it to decide whether to show a login screen or
// redirect to the identity provider.
func (s *Server) handleAuthStatus(w http.ResponseWriter, r *http.Request) {
	snap := s.store.Snapshot()
	mode := snap.Platform.Auth.Mode
	if mode == "" {
		mode = config.AuthModeAnonymous
	}

	state := auth.StateFrom(r.Context())
	resp := map[string]any{
		"mode":          string(mode),
		"authenticated": false,
	}
	if mode == config.AuthModeOIDC {
		resp["autoRedirect"] = snap.Platform.Auth.JWKSURL != ""
	}

	if state == nil {
		writeJSON(w, http.StatusOK, resp)
		return
	}
	if state.Err != nil {
		resp["expired"] = errors.Is(state.Err, auth.ErrTokenExpired)
		writeJSON(w, http.StatusOK, resp)
		return
	}
	if state.User != nil && state.User.Authenticated {
		resp["authenticated"] = true
		resp["user"] = map[string]any{
			"id":     state.User.ID,
			"email":  state.User.Email,
			"name":   state.User.Name,
			"groups": state.User.Groups,
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleLogin issues a local session token. Only available in local auth
// mode.
func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	snap := s.store.Snapshot()
	if snap.Platform.Auth.Mode != config.AuthModeLocal {
		writeJSON(w, http.StatusForbidden, map[string]any{
			"error": "local login is not enabled",
			"code":  auth.CodeFeatureDisabled,
		})
		return
	}

	var body struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Username == "" || body.Password == "" {
		writeError(w, http.StatusBadRequest, "username and password are required")
		return
	}

	token, user, err := s.auth.Login(body.Username, body.Password)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "invalid credentials")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"token": token,
		"user": map[string]any{
			"id":     user.ID,
			"email":  user.Email,
			"name":   user.Name,
			"groups": user.Groups,
		},
	})
}
