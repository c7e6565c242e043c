// Package server wires the gateway's HTTP surface together: the
// webhook orchestrator, health/status endpoints, and a Prometheus
// metrics handler, with graceful shutdown over a net.Listener.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/oculair/graphiti-gateway/internal/agenttracker"
	"github.com/oculair/graphiti-gateway/internal/webhook"
)

// Server owns the gateway's net.Listener and http.Server lifecycle.
type Server struct {
	addr     string
	log      *slog.Logger
	tracker  *agenttracker.Tracker
	startAt  time.Time
	handler  *webhook.Handler
	http     *http.Server
	listener net.Listener
}

// New builds a Server. addr is the bind address (host:port); handler is
// the webhook orchestrator; tracker backs the agent-tracker diagnostic
// endpoints.
func New(addr string, handler *webhook.Handler, tracker *agenttracker.Tracker, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	return &Server{
		addr:    addr,
		log:     log,
		tracker: tracker,
		handler: handler,
	}
}

func (s *Server) mux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/agent-tracker/status", s.handleAgentTrackerStatus)
	mux.HandleFunc("/agent-tracker/reset", s.handleAgentTrackerReset)
	mux.Handle("/webhook", withRequestID(s.log, s.handler))
	mux.Handle("/webhook/letta", withRequestID(s.log, s.handler))
	return mux
}

// Start binds the listener and begins serving in a background
// goroutine; it returns once the listener is established.
func (s *Server) Start(ctx context.Context) error {
	listener, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("http listen: %w", err)
	}
	s.listener = listener
	s.startAt = time.Now()

	s.http = &http.Server{
		Handler:           s.mux(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
	}

	go func() {
		if err := s.http.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("http server error", "error", err)
		}
	}()

	s.log.Info("gateway listening", "addr", s.addr)
	return nil
}

// Stop gracefully drains in-flight requests and, separately, waits for
// the agent-tracker's background side-effect tasks.
func (s *Server) Stop(ctx context.Context) error {
	if s.http == nil {
		return nil
	}
	shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	err := s.http.Shutdown(shutdownCtx)
	if s.tracker != nil {
		s.tracker.Wait()
	}
	return err
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "healthy",
		"service":   "webhook-server",
		"timestamp": time.Now().UTC(),
	})
}

func (s *Server) handleAgentTrackerStatus(w http.ResponseWriter, r *http.Request) {
	if s.tracker == nil {
		writeJSON(w, http.StatusOK, map[string]any{"known_agents": []string{}, "agent_count": 0, "timestamp": time.Now().UTC()})
		return
	}
	writeJSON(w, http.StatusOK, s.tracker.Status(time.Now().UTC()))
}

func (s *Server) handleAgentTrackerReset(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.tracker != nil {
		s.tracker.Reset()
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "reset"})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

type requestIDKey struct{}

// withRequestID stamps every webhook call with a request ID used only
// for log correlation; it isn't part of any wire contract.
func withRequestID(log *slog.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := uuid.NewString()
		ctx := context.WithValue(r.Context(), requestIDKey{}, id)
		log.Debug("webhook request", "request_id", id, "path", r.URL.Path)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
