// Package server is the HTTP surface of the gateway: public config reads
// with per-user ETags, the chat SSE endpoints, auth and the admin CRUD API.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"github.com/promptgate/promptgate/pkg/auth"
	"github.com/promptgate/promptgate/pkg/chat"
	"github.com/promptgate/promptgate/pkg/config"
	"github.com/promptgate/promptgate/pkg/jsonstore"
	"github.com/promptgate/promptgate/pkg/observability"
	"github.com/promptgate/promptgate/pkg/ratelimit"
	"github.com/promptgate/promptgate/pkg/store"
	"github.com/promptgate/promptgate/pkg/stream"
)

// Server wires all components behind a chi router.
type Server struct {
	cfg          *config.ServerConfig
	store        *store.Store
	auth         *auth.Service
	orchestrator *chat.Orchestrator
	hub          *stream.Hub
	limiter      *ratelimit.Limiter
	shortlinks   *jsonstore.Shortlinks
	usage        *jsonstore.Usage
	metrics      *observability.Metrics

	http *http.Server
}

type Deps struct {
	Store        *store.Store
	Auth         *auth.Service
	Orchestrator *chat.Orchestrator
	Hub          *stream.Hub
	Shortlinks   *jsonstore.Shortlinks
	Usage        *jsonstore.Usage
	Metrics      *observability.Metrics
}

func New(cfg *config.ServerConfig, deps Deps) *Server {
	s := &Server{
		cfg:          cfg,
		store:        deps.Store,
		auth:         deps.Auth,
		orchestrator: deps.Orchestrator,
		hub:          deps.Hub,
		shortlinks:   deps.Shortlinks,
		usage:        deps.Usage,
		metrics:      deps.Metrics,
	}
	s.limiter = ratelimit.New(func() map[string]config.RateLimitBucket {
		return s.store.Snapshot().Platform.RateLimits
	})
	s.http = &http.Server{
		Addr:              cfg.Address(),
		Handler:           s.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(chimiddleware.RealIP)
	r.Use(recoveryMiddleware)
	r.Use(loggingMiddleware)
	r.Use(corsMiddleware)
	r.Use(s.auth.ResolveUser)

	r.Get("/health", s.handleHealth)
	if s.cfg.Metrics.Enabled {
		r.Method(http.MethodGet, s.cfg.Metrics.Path, observability.Handler())
	}

	r.Route("/api", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			r.Use(s.limiter.Middleware(ratelimit.BucketAuth))
			r.Get("/auth/status", s.handleAuthStatus)
			r.Post("/auth/login", s.handleLogin)
		})

		r.Group(func(r chi.Router) {
			r.Use(s.limiter.Middleware(ratelimit.BucketPublic))
			r.Use(s.auth.RequireAuth)

			r.Get("/apps", s.handleApps)
			r.Get("/apps/{appId}", s.handleApp)
			r.Get("/models", s.handleModels)
			r.Get("/prompts", s.handlePrompts)
			r.Get("/tools", s.handleTools)
			r.Get("/translations/{lang}", s.handleTranslations)
			r.Get("/styles", s.handleStyles)
			r.Get("/configs/ui", s.handleUIConfig)
			r.Get("/configs/platform", s.handlePlatform)
			r.Get("/shortlinks/{id}", s.handleShortlinkResolve)
			r.Post("/shortlinks", s.handleShortlinkCreate)
		})

		r.Group(func(r chi.Router) {
			r.Use(s.limiter.Middleware(ratelimit.BucketInference))
			r.Use(s.auth.RequireAuth)

			r.Post("/apps/{appId}/chat/{chatId}", s.handleChat)
			r.Get("/apps/{appId}/chat/{chatId}", s.handleChatStream)
			r.Post("/apps/{appId}/chat/{chatId}/stop", s.handleChatStop)
			r.Get("/apps/{appId}/chat/{chatId}/status", s.handleChatStatus)
		})

		r.Route("/admin", func(r chi.Router) {
			r.Use(s.limiter.Middleware(ratelimit.BucketAdmin))
			r.Use(s.auth.RequireAdmin)
			s.adminRoutes(r)
		})
	})

	return r
}

// Start serves until ctx is cancelled, then drains connections.
func (s *Server) Start(ctx context.Context) error {
	s.limiter.StartSweep(ctx)

	errCh := make(chan error, 1)
	go func() {
		slog.Info("gateway listening", "addr", s.http.Addr)
		if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	return s.http.Shutdown(shutdownCtx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("response encoding failed", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]any{"error": message})
}

// writeCached applies the per-user ETag protocol: strong validator, 304 on
// If-None-Match.
func writeCached(w http.ResponseWriter, r *http.Request, etag string, v any) {
	quoted := fmt.Sprintf("%q", etag)
	w.Header().Set("ETag", quoted)
	w.Header().Set("Cache-Control", "private, no-cache")
	if r.Header.Get("If-None-Match") == quoted {
		w.WriteHeader(http.StatusNotModified)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

func loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := chimiddleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		slog.Info("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration", time.Since(start).Round(time.Millisecond).String(),
		)
	})
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type, If-None-Match")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// recoveryMiddleware turns handler panics into a 500 carrying a correlation
// id. The panic itself is only logged.
func recoveryMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			rec := recover()
			if rec == nil {
				return
			}
			if rec == http.ErrAbortHandler {
				panic(rec)
			}
			id := uuid.NewString()
			slog.Error("handler panic",
				"correlationId", id,
				"method", r.Method,
				"path", r.URL.Path,
				"panic", rec,
			)
			writeJSON(w, http.StatusInternalServerError, map[string]any{
				"error":         "internal error",
				"correlationId": id,
			})
		}()
		next.ServeHTTP(w, r)
	})
}
