// Package durable runs workflow functions against an append-only step log so that an
// interrupted execution resumes where it left off instead of starting over.
//
// Every invocation replays the workflow from the top. A step whose name is already in
// the log returns its recorded outcome without running its body; a sleep whose wake-at
// time is still in the future suspends the invocation, and the caller is expected to
// re-invoke once the timer is due.
package durable

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"wake-dispatch/internal/models"
	"wake-dispatch/internal/telemetry"
)

// StepLog persists step records for executions.
type StepLog interface {
	// LoadSteps returns the recorded steps of an execution in append order.
	LoadSteps(ctx context.Context, executionID string) ([]models.StepRecord, error)
	// RecordStep stores rec unless a record with the same name exists, and returns the
	// stored record either way. The first writer wins.
	RecordStep(ctx context.Context, executionID string, rec models.StepRecord) (models.StepRecord, error)
}

// SuspendError is returned by Sleep while its timer is pending.
type SuspendError struct {
	Timer  string
	WakeAt time.Time
}

func (e *SuspendError) Error() string {
	return fmt.Sprintf("suspended on timer %q until %s", e.Timer, e.WakeAt.UTC().Format(time.RFC3339))
}

// CheckpointError means the step log could not be read or written. The execution itself
// has not failed; the invocation should be retried.
type CheckpointError struct {
	Op   string
	Step string
	Err  error
}

func (e *CheckpointError) Error() string {
	if e.Step == "" {
		return fmt.Sprintf("checkpoint %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("checkpoint %s %q: %v", e.Op, e.Step, e.Err)
}

func (e *CheckpointError) Unwrap() error { return e.Err }

// ErrKindMismatch means a name was recorded as a step and requested as a sleep, or the
// reverse. The workflow is not deterministic and the execution cannot continue.
var ErrKindMismatch = errors.New("step log kind mismatch")

// Run is one invocation of one execution.
type Run struct {
	ExecutionID  string
	InvocationID string

	log    StepLog
	steps  map[string]models.StepRecord
	now    func() time.Time
	logger *slog.Logger
}

// Logger returns a logger carrying the execution and invocation ids.
func (r *Run) Logger() *slog.Logger {
	return r.logger
}

// Recorded reports whether name is already in the step log.
func (r *Run) Recorded(name string) bool {
	_, ok := r.steps[name]
	return ok
}

// Step runs fn at most once per successful checkpoint. If name is recorded, the stored
// outcome is returned and fn is not called. Otherwise fn runs, and its outcome is
// recorded before being returned. An error from fn is returned as is and nothing is
// recorded, so the body runs again on the next invocation.
func Step[T any](ctx context.Context, run *Run, name string, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	if rec, ok := run.steps[name]; ok {
		if rec.Kind != models.StepKindStep {
			return zero, fmt.Errorf("%w: %q is a %s", ErrKindMismatch, name, rec.Kind)
		}
		out, err := decodeOutcome[T](rec)
		if err != nil {
			return zero, &CheckpointError{Op: "decode", Step: name, Err: err}
		}
		telemetry.StepReplays.Inc()
		run.logger.Debug("step replayed", "step", name)
		return out, nil
	}

	out, err := fn(ctx)
	if err != nil {
		return zero, err
	}
	raw, err := json.Marshal(out)
	if err != nil {
		return zero, fmt.Errorf("encode outcome of %q: %w", name, err)
	}
	stored, err := run.log.RecordStep(ctx, run.ExecutionID, models.StepRecord{
		Name:        name,
		Kind:        models.StepKindStep,
		Outcome:     raw,
		CompletedAt: run.now().UTC(),
	})
	if err != nil {
		return zero, &CheckpointError{Op: "record", Step: name, Err: err}
	}
	run.steps[name] = stored
	run.logger.Debug("step recorded", "step", name)

	// A concurrent invocation may have recorded first; its outcome is the one that counts.
	out, err = decodeOutcome[T](stored)
	if err != nil {
		return zero, &CheckpointError{Op: "decode", Step: name, Err: err}
	}
	return out, nil
}

func decodeOutcome[T any](rec models.StepRecord) (T, error) {
	var out T
	if len(rec.Outcome) == 0 {
		return out, nil
	}
	err := json.Unmarshal(rec.Outcome, &out)
	return out, err
}

// Sleep is a durable timer. The first call records a wake-at time of now+d; every call
// made before that time returns a *SuspendError, and calls at or after it return nil.
func (r *Run) Sleep(ctx context.Context, name string, d time.Duration) error {
	rec, ok := r.steps[name]
	if !ok {
		now := r.now().UTC()
		wake := now.Add(d)
		stored, err := r.log.RecordStep(ctx, r.ExecutionID, models.StepRecord{
			Name:        name,
			Kind:        models.StepKindSleep,
			WakeAt:      &wake,
			CompletedAt: now,
		})
		if err != nil {
			return &CheckpointError{Op: "record", Step: name, Err: err}
		}
		r.steps[name] = stored
		rec = stored
		telemetry.TimersScheduled.Inc()
	}
	if rec.Kind != models.StepKindSleep {
		return fmt.Errorf("%w: %q is a %s", ErrKindMismatch, name, rec.Kind)
	}
	if rec.WakeAt == nil || !r.now().Before(*rec.WakeAt) {
		return nil
	}
	return &SuspendError{Timer: name, WakeAt: *rec.WakeAt}
}
