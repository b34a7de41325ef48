package durable

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"wake-dispatch/internal/models"
)

// Workflow is the code an execution runs. It must be deterministic: given the same step
// outcomes it must request the same steps in the same order.
type Workflow func(ctx context.Context, run *Run) error

// Status is the result of a single invocation.
type Status string

const (
	// StatusCompleted means the workflow returned nil.
	StatusCompleted Status = "completed"
	// StatusSuspended means a durable timer is pending; invoke again at WakeAt.
	StatusSuspended Status = "suspended"
	// StatusFailed means the workflow returned a fatal error. The execution is done.
	StatusFailed Status = "failed"
	// StatusRetry means the invocation was interrupted before it could finish,
	// by a step log failure or cancellation. Invoke again later.
	StatusRetry Status = "retry"
)

// Outcome describes how an invocation ended.
type Outcome struct {
	Status       Status
	WakeAt       time.Time
	Err          error
	InvocationID string
}

// Engine invokes workflows against a step log.
type Engine struct {
	log    StepLog
	now    func() time.Time
	logger *slog.Logger
}

// Option configures an Engine.
type Option func(*Engine)

// WithClock replaces time.Now, mainly for tests.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithLogger sets the base logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// NewEngine builds an engine over log.
func NewEngine(log StepLog, opts ...Option) *Engine {
	e := &Engine{
		log:    log,
		now:    time.Now,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Invoke runs wf once for executionID, replaying recorded steps.
func (e *Engine) Invoke(ctx context.Context, executionID string, wf Workflow) Outcome {
	invocationID := uuid.NewString()
	logger := e.logger.With("execution_id", executionID, "invocation_id", invocationID)

	records, err := e.log.LoadSteps(ctx, executionID)
	if err != nil {
		return Outcome{Status: StatusRetry, Err: &CheckpointError{Op: "load", Err: err}, InvocationID: invocationID}
	}
	steps := make(map[string]models.StepRecord, len(records))
	for _, rec := range records {
		steps[rec.Name] = rec
	}

	run := &Run{
		ExecutionID:  executionID,
		InvocationID: invocationID,
		log:          e.log,
		steps:        steps,
		now:          e.now,
		logger:       logger,
	}
	err = wf(ctx, run)
	out := classify(ctx, err)
	out.InvocationID = invocationID

	switch out.Status {
	case StatusCompleted:
		logger.Info("execution completed", "steps", len(run.steps))
	case StatusSuspended:
		logger.Debug("execution suspended", "wake_at", out.WakeAt)
	case StatusRetry:
		logger.Warn("invocation interrupted", "err", out.Err)
	case StatusFailed:
		logger.Error("execution failed", "err", out.Err)
	}
	return out
}

func classify(ctx context.Context, err error) Outcome {
	if err == nil {
		return Outcome{Status: StatusCompleted}
	}
	var suspend *SuspendError
	if errors.As(err, &suspend) {
		return Outcome{Status: StatusSuspended, WakeAt: suspend.WakeAt, Err: err}
	}
	var cp *CheckpointError
	if errors.As(err, &cp) {
		return Outcome{Status: StatusRetry, Err: err}
	}
	if ctx.Err() != nil {
		return Outcome{Status: StatusRetry, Err: err}
	}
	return Outcome{Status: StatusFailed, Err: err}
}
