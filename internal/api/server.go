// Package api exposes the batch control surface over HTTP: lane start,
// stop, status, the scheduled process-next callbacks, the manual watchdog
// trigger, health, and metrics.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"clipforge/internal/batch"
	"clipforge/internal/ledger"
	"clipforge/internal/logging"
	"clipforge/internal/metrics"
)

// Controller is the lane control surface the handlers call into.
type Controller interface {
	Start(ctx context.Context) (batch.StartResult, error)
	Stop(ctx context.Context) (batch.StopResult, error)
	Status(ctx context.Context) (batch.LaneStatus, error)
	ProcessNext(ctx context.Context) (batch.ProcessResult, error)
	StartArchive(ctx context.Context) (batch.StartResult, error)
	StopArchive(ctx context.Context) (batch.StopResult, error)
	StatusArchive(ctx context.Context) (batch.LaneStatus, error)
	ProcessNextArchive(ctx context.Context) (batch.ProcessResult, error)
	RunWatchdog(ctx context.Context) (int, error)
}

// Server holds the HTTP handlers.
type Server struct {
	controller  Controller
	secret      string
	metrics     *metrics.Metrics
	logger      *slog.Logger
	diagnostics func() map[string]any
}

// Option customizes the server.
type Option func(*Server)

// WithDiagnostics adds extra fields (tool availability, configured
// providers) to the health response.
func WithDiagnostics(fn func() map[string]any) Option {
	return func(s *Server) {
		if fn != nil {
			s.diagnostics = fn
		}
	}
}

// NewServer constructs the API server. secret guards every mutating
// endpoint; an empty secret rejects all of them.
func NewServer(controller Controller, secret string, m *metrics.Metrics, logger *slog.Logger, opts ...Option) *Server {
	if m == nil {
		m = metrics.New()
	}
	server := &Server{
		controller: controller,
		secret:     secret,
		metrics:    m,
		logger:     logging.NewComponentLogger(logger, "api"),
	}
	for _, opt := range opts {
		opt(server)
	}
	return server
}

// Handler builds the route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.Handle("GET /metrics", s.metrics.Handler())

	mux.HandleFunc("POST /batch/start", s.authed(s.handleStart))
	mux.HandleFunc("POST /batch/stop", s.authed(s.handleStop))
	mux.HandleFunc("GET /batch/status", s.handleStatus)
	mux.HandleFunc("POST /batch/process-next", s.authed(s.handleProcessNext))
	mux.HandleFunc("POST /batch/watchdog", s.authed(s.handleWatchdog))

	mux.HandleFunc("POST /batch/archive/start", s.authed(s.handleArchiveStart))
	mux.HandleFunc("POST /batch/archive/stop", s.authed(s.handleArchiveStop))
	mux.HandleFunc("GET /batch/archive/status", s.handleArchiveStatus)
	mux.HandleFunc("POST /batch/archive/process-next", s.authed(s.handleArchiveProcessNext))

	return mux
}

// authed enforces the worker secret as a bearer token. A server without a
// secret refuses mutating requests outright.
func (s *Server) authed(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.secret == "" || r.Header.Get("Authorization") != "Bearer "+s.secret {
			s.writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		next(w, r)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	payload := map[string]any{
		"status": "ok",
		"time":   time.Now().UTC().Format(time.RFC3339),
	}
	if s.diagnostics != nil {
		for key, value := range s.diagnostics() {
			payload[key] = value
		}
	}
	s.writeJSON(w, http.StatusOK, payload)
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	s.start(w, r, s.controller.Start)
}

func (s *Server) handleArchiveStart(w http.ResponseWriter, r *http.Request) {
	s.start(w, r, s.controller.StartArchive)
}

func (s *Server) start(w http.ResponseWriter, r *http.Request, start func(context.Context) (batch.StartResult, error)) {
	result, err := start(r.Context())
	switch {
	case errors.Is(err, batch.ErrAlreadyActive):
		s.writeError(w, http.StatusConflict, "batch already running")
	case errors.Is(err, batch.ErrNoWork):
		s.writeError(w, http.StatusBadRequest, "no pending jobs to process")
	case err != nil:
		s.logger.Error("batch start failed", logging.Error(err))
		s.writeError(w, http.StatusInternalServerError, err.Error())
	default:
		s.writeJSON(w, http.StatusOK, map[string]any{
			"success":      true,
			"pending_jobs": result.PendingJobs,
			"first_task":   result.FirstTask,
		})
	}
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	s.stop(w, r, s.controller.Stop)
}

func (s *Server) handleArchiveStop(w http.ResponseWriter, r *http.Request) {
	s.stop(w, r, s.controller.StopArchive)
}

func (s *Server) stop(w http.ResponseWriter, r *http.Request, stop func(context.Context) (batch.StopResult, error)) {
	result, err := stop(r.Context())
	if err != nil {
		s.logger.Error("batch stop failed", logging.Error(err))
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"success":         true,
		"cancelled_tasks": result.CancelledTasks,
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	s.status(w, r, s.controller.Status)
}

func (s *Server) handleArchiveStatus(w http.ResponseWriter, r *http.Request) {
	s.status(w, r, s.controller.StatusArchive)
}

func (s *Server) status(w http.ResponseWriter, r *http.Request, status func(context.Context) (batch.LaneStatus, error)) {
	result, err := status(r.Context())
	if err != nil {
		s.logger.Error("batch status failed", logging.Error(err))
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	counts := map[string]int{}
	for status, count := range result.StatusCounts {
		counts[string(status)] = count
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"batch_active": result.Active,
		"started_at":   result.StartedAt,
		"counters": map[string]any{
			"pending":            result.Pending,
			"total_in_batch":     result.TotalInBatch,
			"processed_in_batch": result.Processed,
			"failed_in_batch":    result.Failed,
			"by_status":          counts,
		},
	})
}

func (s *Server) handleProcessNext(w http.ResponseWriter, r *http.Request) {
	s.processNext(w, r, s.controller.ProcessNext)
}

func (s *Server) handleArchiveProcessNext(w http.ResponseWriter, r *http.Request) {
	s.processNext(w, r, s.controller.ProcessNextArchive)
}

func (s *Server) processNext(w http.ResponseWriter, r *http.Request, process func(context.Context) (batch.ProcessResult, error)) {
	result, err := process(r.Context())
	if err != nil {
		s.logger.Error("process-next failed", logging.Error(err))
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	switch {
	case result.Skipped:
		s.writeJSON(w, http.StatusOK, map[string]any{
			"skipped": true,
			"reason":  "batch not active",
		})
	case result.Completed:
		s.writeJSON(w, http.StatusOK, map[string]any{
			"completed": true,
			"message":   "all jobs processed, batch stopped",
		})
	default:
		s.writeJSON(w, http.StatusOK, map[string]any{
			"processed": true,
			"job_id":    result.JobID,
			"success":   result.Success,
		})
	}
}

func (s *Server) handleWatchdog(w http.ResponseWriter, r *http.Request) {
	reset, err := s.controller.RunWatchdog(r.Context())
	if err != nil {
		s.logger.Error("watchdog failed", logging.Error(err))
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"success":             true,
		"reset_count":         reset,
		"transitional_states": ledger.TransitionalStatuses,
	})
}

func (s *Server) writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Warn("response encoding failed", logging.Error(err))
	}
}

func (s *Server) writeError(w http.ResponseWriter, code int, message string) {
	s.writeJSON(w, code, map[string]any{"error": message})
}
