// Package web is the thin HTTP boundary over discovery, the panel
// registry, and the action executor: request validation, JSON shaping,
// and the WebSocket push channel. All domain logic lives below it.
package web

import (
	"crypto/subtle"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"sync"

	"panelhub/internal/actions"
	"panelhub/internal/discovery"
	"panelhub/internal/registry"
	"panelhub/internal/store"
)

// ServerOption configures the web server.
type ServerOption func(*Server)

// WithAPIKey enables API key authentication on /api/ routes.
func WithAPIKey(key string) ServerOption {
	return func(s *Server) { s.apiKey = key }
}

// WithAllowedOrigins sets allowed CORS/WebSocket origin patterns.
func WithAllowedOrigins(origins []string) ServerOption {
	return func(s *Server) { s.allowedOrigins = origins }
}

// WithVersion sets the version string reported by /api/version.
func WithVersion(v string) ServerOption {
	return func(s *Server) { s.version = v }
}

// Server is the HTTP server for the hub API.
type Server struct {
	registry *registry.Registry
	executor *actions.Executor
	scanner  *discovery.Scanner
	progress *discovery.Progress
	meta     store.Store // optional; nil disables the known-panel cache
	logger   *slog.Logger
	mux      *http.ServeMux
	wsHub    *WSHub

	apiKey         string
	allowedOrigins []string
	version        string

	scanMu   sync.Mutex
	scanning bool

	wg          sync.WaitGroup
	unsubEvents func()
}

// NewServer wires the API over the given services. meta may be nil.
func NewServer(reg *registry.Registry, exec *actions.Executor, scanner *discovery.Scanner,
	progress *discovery.Progress, meta store.Store, logger *slog.Logger, opts ...ServerOption) *Server {

	s := &Server{
		registry: reg,
		executor: exec,
		scanner:  scanner,
		progress: progress,
		meta:     meta,
		logger:   logger.With("component", "web"),
		mux:      http.NewServeMux(),
	}
	for _, opt := range opts {
		opt(s)
	}

	s.wsHub = NewWSHub(logger)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.wsHub.Run()
	}()

	// Every registry event fans out to WebSocket clients.
	id := reg.AddListener(func(ev registry.Event) {
		s.wsHub.Broadcast(ev)
	})
	s.unsubEvents = func() { reg.RemoveListener(id) }

	s.routes()
	return s
}

// Stop shuts down the WebSocket hub and waits for its goroutines.
func (s *Server) Stop() {
	if s.unsubEvents != nil {
		s.unsubEvents()
	}
	s.wsHub.Stop()
	s.wg.Wait()
}

func (s *Server) routes() {
	s.mux.HandleFunc("POST /api/discover", s.handleDiscover)
	s.mux.HandleFunc("GET /api/discover/progress", s.handleDiscoverProgress)

	s.mux.HandleFunc("GET /api/panels", s.handleListPanels)
	s.mux.HandleFunc("GET /api/panels/known", s.handleKnownPanels)
	s.mux.HandleFunc("GET /api/panels/{ip}", s.handleGetPanel)
	s.mux.HandleFunc("POST /api/panels/connect", s.handleConnectPanels)
	s.mux.HandleFunc("DELETE /api/panels/{ip}", s.handleDisconnectPanel)

	s.mux.HandleFunc("POST /api/command", s.handleCommand)

	s.mux.HandleFunc("POST /api/actions", s.handleStartAction)
	s.mux.HandleFunc("GET /api/actions/{id}", s.handleActionProgress)
	s.mux.HandleFunc("POST /api/actions/{id}/stop", s.handleStopAction)

	s.mux.HandleFunc("GET /api/version", s.handleVersion)

	s.mux.HandleFunc("GET /ws", s.handleWS)
}

// ServeHTTP implements http.Handler, applying auth and CORS middleware.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if len(s.allowedOrigins) > 0 {
		origin := r.Header.Get("Origin")
		if origin != "" {
			if r.Method == http.MethodOptions {
				if s.isOriginAllowed(origin) {
					w.Header().Set("Access-Control-Allow-Origin", origin)
					w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
					w.Header().Set("Access-Control-Allow-Headers", "Content-Type, X-API-Key")
					w.Header().Set("Access-Control-Max-Age", "3600")
					w.WriteHeader(http.StatusNoContent)
					return
				}
				http.Error(w, "Forbidden", http.StatusForbidden)
				return
			}
			if r.Method != http.MethodGet {
				if !s.isOriginAllowed(origin) {
					http.Error(w, "Forbidden", http.StatusForbidden)
					return
				}
				w.Header().Set("Access-Control-Allow-Origin", origin)
			}
		}
	}

	if s.apiKey != "" && strings.HasPrefix(r.URL.Path, "/api/") {
		key := r.Header.Get("X-API-Key")
		if subtle.ConstantTimeCompare([]byte(key), []byte(s.apiKey)) != 1 {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
	}
	s.mux.ServeHTTP(w, r)
}

func (s *Server) isOriginAllowed(origin string) bool {
	for _, allowed := range s.allowedOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	return false
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("write response", "err", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]string{"error": msg})
}
