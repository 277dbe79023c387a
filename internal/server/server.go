package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"converge/internal/config"
	"converge/internal/engine"
	"converge/internal/registry"
	"converge/pkg/logging"
)

const (
	// DefaultReadHeaderTimeout is the default timeout for reading request headers.
	DefaultReadHeaderTimeout = 10 * time.Second
	// DefaultWriteTimeout is the default timeout for writing responses.
	DefaultWriteTimeout = 30 * time.Second
	// DefaultIdleTimeout is the default idle timeout for keepalive connections.
	DefaultIdleTimeout = 120 * time.Second

	// shutdownTimeout bounds graceful shutdown of in-flight requests.
	shutdownTimeout = 10 * time.Second
)

// Server exposes the target registry and scheduler over HTTP.
type Server struct {
	scheduler *engine.Scheduler
	store     *registry.Store
	defaults  config.ConvergeConfig

	httpServer *http.Server
}

// New creates a Server bound to host:port and sets up its routes.
func New(cfg config.ConvergeConfig, scheduler *engine.Scheduler, store *registry.Store) *Server {
	s := &Server{
		scheduler: scheduler,
		store:     store,
		defaults:  cfg,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/targets", s.handleCreateTarget)
	mux.HandleFunc("GET /api/targets", s.handleListTargets)
	mux.HandleFunc("GET /api/targets/{name}", s.handleGetTarget)
	mux.HandleFunc("PUT /api/targets/{name}", s.handleUpdateTarget)
	mux.HandleFunc("DELETE /api/targets/{name}", s.handleDeleteTarget)
	mux.HandleFunc("POST /api/targets/{name}/sync", s.handleSyncTarget)
	mux.HandleFunc("GET /api/metrics", s.handleMetrics)
	mux.HandleFunc("GET /healthz", s.handleHealthz)

	s.httpServer = &http.Server{
		Addr:              net.JoinHostPort(cfg.Server.Host, strconv.Itoa(cfg.Server.Port)),
		Handler:           mux,
		ReadHeaderTimeout: DefaultReadHeaderTimeout,
		WriteTimeout:      DefaultWriteTimeout,
		IdleTimeout:       DefaultIdleTimeout,
	}
	return s
}

// Handler returns the route multiplexer, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Start begins serving in a background goroutine. The returned channel
// yields the listener error, if any, once the server stops.
func (s *Server) Start() <-chan error {
	errCh := make(chan error, 1)
	go func() {
		logging.Info("Server", "API listening on %s", s.httpServer.Addr)
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()
	return errCh
}

// Stop gracefully shuts down the HTTP server.
func (s *Server) Stop() error {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return s.httpServer.Shutdown(ctx)
}

// targetStateResponse is the API shape for a target and its state.
type targetStateResponse struct {
	Target engine.Target      `json:"target"`
	State  engine.TargetState `json:"state"`
}

func (s *Server) handleCreateTarget(w http.ResponseWriter, r *http.Request) {
	var target engine.Target
	if err := json.NewDecoder(r.Body).Decode(&target); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid request body: %w", err))
		return
	}
	defer r.Body.Close()

	target = s.defaults.ApplyTargetDefaults(target)

	if err := s.scheduler.AddTarget(target); err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	if err := s.store.Save(target); err != nil {
		// Keep the registration; the scheduler runs it either way, only
		// the restart persistence is degraded.
		logging.Error("Server", err, "Failed to persist target %s", target.Name)
	}

	logging.Info("Server", "Created target %s", target.Name)
	writeJSON(w, http.StatusCreated, target)
}

func (s *Server) handleListTargets(w http.ResponseWriter, r *http.Request) {
	states := s.scheduler.ListStates()
	resp := make([]targetStateResponse, 0, len(states))
	for _, state := range states {
		target, ok := s.scheduler.GetTarget(state.Target)
		if !ok {
			continue
		}
		resp = append(resp, targetStateResponse{Target: target, State: state})
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleGetTarget(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	target, ok := s.scheduler.GetTarget(name)
	if !ok {
		writeError(w, http.StatusNotFound, fmt.Errorf("%w: %q", engine.ErrTargetNotFound, name))
		return
	}
	state, _ := s.scheduler.GetState(name)
	writeJSON(w, http.StatusOK, targetStateResponse{Target: target, State: state})
}

func (s *Server) handleUpdateTarget(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")

	var target engine.Target
	if err := json.NewDecoder(r.Body).Decode(&target); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid request body: %w", err))
		return
	}
	defer r.Body.Close()

	if target.Name == "" {
		target.Name = name
	}
	if target.Name != name {
		writeError(w, http.StatusBadRequest, fmt.Errorf("body names target %q, path names %q", target.Name, name))
		return
	}
	target = s.defaults.ApplyTargetDefaults(target)

	if err := s.scheduler.UpdateTarget(target); err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	if err := s.store.Save(target); err != nil {
		logging.Error("Server", err, "Failed to persist target %s", target.Name)
	}

	writeJSON(w, http.StatusOK, target)
}

func (s *Server) handleDeleteTarget(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")

	if err := s.scheduler.RemoveTarget(name); err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	if err := s.store.Delete(name); err != nil {
		logging.Error("Server", err, "Failed to delete target file for %s", name)
	}

	logging.Info("Server", "Deleted target %s", name)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleSyncTarget(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")

	if err := s.scheduler.RequestSync(name, "api"); err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"target": name, "status": "sync requested"})
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	snapshot := s.scheduler.Metrics().Snapshot()
	writeJSON(w, http.StatusOK, map[string]any{
		"metrics":     snapshot,
		"queueLength": s.scheduler.QueueLength(),
	})
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// statusFor maps scheduler errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, engine.ErrTargetNotFound):
		return http.StatusNotFound
	case errors.Is(err, engine.ErrTargetExists):
		return http.StatusConflict
	default:
		return http.StatusBadRequest
	}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		logging.Error("Server", err, "Failed to encode response")
	}
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
