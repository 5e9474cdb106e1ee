package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/promptgate/promptgate/pkg/auth"
	"github.com/promptgate/promptgate/pkg/chat"
	"github.com/promptgate/promptgate/pkg/stream"
)

// handleChat starts (or resumes) a conversation and streams its events as
// SSE on the POST response. A live run on the same chatId is superseded.
func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	user := auth.UserFrom(r.Context())
	req := &chat.Request{}
	if err := json.NewDecoder(r.Body).Decode(req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}
	req.AppID = chi.URLParam(r, "appId")
	req.ChatID = chi.URLParam(r, "chatId")
	if req.Language == "" {
		req.Language = "en"
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	events, cancelSub := s.hub.Subscribe(req.ChatID)
	defer cancelSub()

	start := time.Now()
	done, err := s.orchestrator.Start(r.Context(), req, user)
	if err != nil {
		writeError(w, chatStartStatus(err), err.Error())
		return
	}
	defer func() {
		s.metrics.RecordChat(r.Context(), req.AppID, req.ModelID, time.Since(start))
	}()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	heartbeat := time.NewTicker(25 * time.Second)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			return

		case <-heartbeat.C:
			if _, err := w.Write([]byte(": keep-alive\n\n")); err != nil {
				return
			}
			flusher.Flush()

		case event, ok := <-events:
			if !ok {
				return
			}
			stream.WriteEvent(w, flusher, event)

		case <-done:
			// Drain whatever the run published before finishing.
			for {
				select {
				case event, ok := <-events:
					if !ok {
						return
					}
					stream.WriteEvent(w, flusher, event)
				default:
					return
				}
			}
		}
	}
}

// chatStartStatus maps orchestrator start failures to HTTP status codes. An
// app the user may not touch is forbidden, not hidden.
func chatStartStatus(err error) int {
	switch {
	case errors.Is(err, chat.ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, chat.ErrNoCompatibleModel):
		return http.StatusBadRequest
	default:
		return http.StatusNotFound
	}
}

// handleChatStream attaches a client to an existing chat's event stream.
func (s *Server) handleChatStream(w http.ResponseWriter, r *http.Request) {
	chatID := chi.URLParam(r, "chatId")
	events, cancelSub := s.hub.Subscribe(chatID)
	defer cancelSub()
	stream.ServeSSE(r.Context(), w, events)
}

func (s *Server) handleChatStop(w http.ResponseWriter, r *http.Request) {
	chatID := chi.URLParam(r, "chatId")
	stopped := s.orchestrator.Stop(chatID)
	writeJSON(w, http.StatusOK, map[string]any{"stopped": stopped})
}

func (s *Server) handleChatStatus(w http.ResponseWriter, r *http.Request) {
	chatID := chi.URLParam(r, "chatId")
	writeJSON(w, http.StatusOK, map[string]any{"active": s.orchestrator.Active(chatID)})
}
