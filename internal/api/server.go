package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"wake-dispatch/internal/config"
	"wake-dispatch/internal/models"
	"wake-dispatch/internal/ratelimit"
	"wake-dispatch/internal/store"
	"wake-dispatch/internal/telemetry"
)

// Store is the persistence the API reads and writes.
type Store interface {
	CreateExecution(ctx context.Context, p store.CreateExecutionParams) (models.Execution, bool, error)
	GetExecution(ctx context.Context, id string) (models.Execution, error)
	LoadSteps(ctx context.Context, executionID string) ([]models.StepRecord, error)
	ListEvents(ctx context.Context, executionID string) ([]models.ExecutionEvent, error)
	AppendEvent(ctx context.Context, executionID, event, detail string) error
}

// Queue makes new executions runnable and exposes the dead letters.
type Queue interface {
	Enqueue(ctx context.Context, executionID string, runAt time.Time) error
	DLQPeek(ctx context.Context, count int64) ([]string, error)
}

// Limiter throttles execution creation per user.
type Limiter interface {
	Allow(ctx context.Context, key string) (ratelimit.Decision, error)
}

// Server wires HTTP handlers for the execution API.
type Server struct {
	cfg     config.Config
	store   Store
	queue   Queue
	limiter Limiter
	logger  *slog.Logger
}

// New constructs the API server. limiter may be nil.
func New(cfg config.Config, st Store, q Queue, limiter Limiter, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		cfg:     cfg,
		store:   st,
		queue:   q,
		limiter: limiter,
		logger:  logger,
	}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Mount("/metrics", telemetry.Handler())

	r.Post("/executions", s.handleCreate)
	r.Get("/executions/{id}", s.handleGet)
	r.Get("/dlq", s.handleDLQ)
	return r
}

type createRequest struct {
	JobID        string            `json:"jobId"`
	Payload      models.JobPayload `json:"payload"`
	InitialState string            `json:"initialState"`
}

type createResponse struct {
	Execution models.Execution `json:"execution"`
	Existing  bool             `json:"existing"`
}

type executionResponse struct {
	Execution models.Execution        `json:"execution"`
	Steps     []models.StepRecord     `json:"steps"`
	Events    []models.ExecutionEvent `json:"events"`
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	var req createRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	switch {
	case req.JobID != "" && req.Payload.Job.ID != "" && req.JobID != req.Payload.Job.ID:
		writeError(w, http.StatusBadRequest, "jobId does not match payload.job.id")
		return
	case req.JobID == "":
		req.JobID = req.Payload.Job.ID
	case req.Payload.Job.ID == "":
		req.Payload.Job.ID = req.JobID
	}
	if req.JobID == "" {
		writeError(w, http.StatusBadRequest, "jobId is required")
		return
	}

	if s.limiter != nil {
		key := req.Payload.UserID
		if key == "" {
			key = "anonymous"
		}
		d, err := s.limiter.Allow(r.Context(), key)
		if err != nil {
			s.logger.Error("rate limit check failed", "err", err)
			writeError(w, http.StatusInternalServerError, "rate limit error")
			return
		}
		if !d.Allowed {
			telemetry.RateLimitRejects.Inc()
			w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(d.RetryAfter.Seconds()))))
			writeError(w, http.StatusTooManyRequests, "rate limited")
			return
		}
	}

	exec, existing, err := s.store.CreateExecution(r.Context(), store.CreateExecutionParams{
		ID:           req.JobID,
		Payload:      req.Payload,
		InitialState: models.ParseHostState(req.InitialState),
	})
	if err != nil {
		s.logger.Error("create execution failed", "execution_id", req.JobID, "err", err)
		writeError(w, http.StatusInternalServerError, "create execution failed")
		return
	}

	if existing {
		telemetry.ExecutionsDuplicate.Inc()
	} else {
		// The row is durable; a lost enqueue is picked up by the worker sweep.
		if err := s.queue.Enqueue(r.Context(), exec.ID, time.Now()); err != nil {
			s.logger.Warn("enqueue failed, deferring to sweep", "execution_id", exec.ID, "err", err)
		}
		_ = s.store.AppendEvent(r.Context(), exec.ID, "enqueued", fmt.Sprintf("user=%s", req.Payload.UserID))
		telemetry.ExecutionsCreated.Inc()
		s.logger.Info("execution created", "execution_id", exec.ID, "initial_state", exec.InitialState)
	}

	writeJSON(w, http.StatusAccepted, createResponse{Execution: exec, Existing: existing})
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	exec, err := s.store.GetExecution(r.Context(), id)
	if errors.Is(err, store.ErrExecutionNotFound) {
		writeError(w, http.StatusNotFound, "execution not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	steps, err := s.store.LoadSteps(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	events, err := s.store.ListEvents(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, executionResponse{Execution: exec, Steps: steps, Events: events})
}

// handleDLQ returns the DLQ contents (IDs only).
func (s *Server) handleDLQ(w http.ResponseWriter, r *http.Request) {
	items, err := s.queue.DLQPeek(r.Context(), 100)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to read dlq")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
