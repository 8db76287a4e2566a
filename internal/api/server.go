// Package api exposes the service's HTTP surface: the streaming execute
// endpoint, health, and container diagnostics. Metrics are served from a
// separate listener in cmd/server.
package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/agentcloud/workspace/internal/lifecycle"
	"github.com/agentcloud/workspace/internal/orchestrator"
	"github.com/agentcloud/workspace/internal/store"
)

// Server wires the router to the orchestrator.
type Server struct {
	orch    *orchestrator.Orchestrator
	store   *store.Store
	backend lifecycle.Backend

	maxUploadBytes int64
}

// Options tunes the HTTP layer.
type Options struct {
	MaxUploadBytes int64 // per-request multipart cap, default 100 MiB
}

// New builds the Server.
func New(orch *orchestrator.Orchestrator, st *store.Store, backend lifecycle.Backend, opts Options) *Server {
	if opts.MaxUploadBytes == 0 {
		opts.MaxUploadBytes = 100 << 20
	}
	return &Server{
		orch:           orch,
		store:          st,
		backend:        backend,
		maxUploadBytes: opts.MaxUploadBytes,
	}
}

// Router builds the gorilla/mux router with logging on every route.
func (s *Server) Router() http.Handler {
	r := mux.NewRouter()
	r.Use(requestLogging)

	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/api/tenants/{tenant_id}/conversations/{conversation_id}/stream",
		s.handleStream).Methods(http.MethodPost)
	r.HandleFunc("/api/tenants/{tenant_id}/conversations/{conversation_id}/containers",
		s.handleConversationContainer).Methods(http.MethodGet)
	r.HandleFunc("/api/diagnostics/containers", s.handleDiagnostics).Methods(http.MethodGet)

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// containerDiagnostic is one row of the diagnostics listing.
type containerDiagnostic struct {
	ContainerID    string `json:"container_id"`
	ConversationID string `json:"conversation_id"`
	State          string `json:"state"`
	ManagerType    string `json:"manager_type"`
	Endpoint       string `json:"endpoint,omitempty"`
	LastUsedAt     string `json:"last_used_at"`
	ExpiresAt      string `json:"expires_at"`
}

// handleDiagnostics lists every tracked container with its TTL horizon.
func (s *Server) handleDiagnostics(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	conversations, err := s.store.ListConversations(ctx)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "kv scan failed")
		return
	}

	ttl := s.store.ContainerTTL()
	out := make([]containerDiagnostic, 0, len(conversations))
	for _, conv := range conversations {
		c, err := s.store.GetContainer(ctx, conv)
		if err != nil {
			continue
		}
		out = append(out, containerDiagnostic{
			ContainerID:    c.ID,
			ConversationID: c.ConversationID,
			State:          string(c.State),
			ManagerType:    string(c.ManagerType),
			Endpoint:       c.Endpoint,
			LastUsedAt:     c.LastUsedAt.UTC().Format(time.RFC3339),
			ExpiresAt:      c.LastUsedAt.Add(ttl).UTC().Format(time.RFC3339),
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"containers": out, "count": len(out)})
}

// handleConversationContainer reports the container assigned to one
// conversation, including a live backend health probe.
func (s *Server) handleConversationContainer(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	conv := mux.Vars(r)["conversation_id"]

	c, err := s.store.GetContainer(ctx, conv)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "no container assigned")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "kv read failed")
		return
	}

	ttl := s.store.ContainerTTL()
	writeJSON(w, http.StatusOK, map[string]any{
		"container": containerDiagnostic{
			ContainerID:    c.ID,
			ConversationID: c.ConversationID,
			State:          string(c.State),
			ManagerType:    string(c.ManagerType),
			Endpoint:       c.Endpoint,
			LastUsedAt:     c.LastUsedAt.UTC().Format(time.RFC3339),
			ExpiresAt:      c.LastUsedAt.Add(ttl).UTC().Format(time.RFC3339),
		},
		"healthy": s.backend.IsHealthy(ctx, c, true),
	})
}

// requestLogging is the access-log middleware.
func requestLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		slog.Info("HTTP request",
			"method", r.Method, "path", r.URL.Path,
			"remote", r.RemoteAddr, "duration_ms", time.Since(start).Milliseconds())
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
