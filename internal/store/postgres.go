package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"wake-dispatch/internal/models"
)

var (
	// ErrExecutionNotFound is returned when no execution has the requested id.
	ErrExecutionNotFound = errors.New("execution not found")
	// ErrStatusTransitionDenied is returned when an update would move an execution out
	// of a terminal state, or claim one that another invocation holds.
	ErrStatusTransitionDenied = errors.New("status transition denied")
)

// Store wraps pgxpool for Postgres persistence.
type Store struct {
	pool *pgxpool.Pool
}

// New creates a pooled connection to Postgres.
func New(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Store{pool: pool}, nil
}

func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// Ping checks connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// CreateExecutionParams collects inputs required to insert an execution.
type CreateExecutionParams struct {
	ID           string
	Payload      models.JobPayload
	InitialState models.HostState
}

// CreateExecution inserts an execution keyed by the job id. When the id already exists
// nothing is written and the stored execution is returned with existed=true.
func (s *Store) CreateExecution(ctx context.Context, p CreateExecutionParams) (models.Execution, bool, error) {
	if p.ID == "" {
		return models.Execution{}, false, errors.New("execution id is required")
	}
	payloadJSON, err := json.Marshal(p.Payload)
	if err != nil {
		return models.Execution{}, false, fmt.Errorf("marshal payload: %w", err)
	}

	now := time.Now().UTC()
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO executions (id, payload, initial_state, status, invocations, created_at, updated_at)
		VALUES ($1, $2, $3, $4, 0, $5, $5)
		ON CONFLICT (id) DO NOTHING
	`, p.ID, payloadJSON, string(p.InitialState), models.StatusPending, now)
	if err != nil {
		return models.Execution{}, false, fmt.Errorf("insert execution: %w", err)
	}
	if tag.RowsAffected() == 0 {
		existing, err := s.GetExecution(ctx, p.ID)
		if err != nil {
			return models.Execution{}, false, err
		}
		return existing, true, nil
	}

	_ = s.AppendEvent(ctx, p.ID, "created", fmt.Sprintf("initial_state=%s", p.InitialState))
	return models.Execution{
		ID:           p.ID,
		Payload:      p.Payload,
		InitialState: p.InitialState,
		Status:       models.StatusPending,
		CreatedAt:    now,
		UpdatedAt:    now,
	}, false, nil
}

// GetExecution fetches an execution by id.
func (s *Store) GetExecution(ctx context.Context, id string) (models.Execution, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, payload, initial_state, status, invocations, next_wake_at, last_error, created_at, updated_at, completed_at
		FROM executions WHERE id = $1
	`, id)

	var exec models.Execution
	var payloadJSON []byte
	var initial string
	var nextWake, completed pgtype.Timestamptz
	var lastErr pgtype.Text

	if err := row.Scan(&exec.ID, &payloadJSON, &initial, &exec.Status, &exec.Invocations, &nextWake, &lastErr, &exec.CreatedAt, &exec.UpdatedAt, &completed); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Execution{}, fmt.Errorf("%w: %s", ErrExecutionNotFound, id)
		}
		return models.Execution{}, fmt.Errorf("scan execution: %w", err)
	}
	if err := json.Unmarshal(payloadJSON, &exec.Payload); err != nil {
		return models.Execution{}, fmt.Errorf("unmarshal payload: %w", err)
	}
	exec.InitialState = models.HostState(initial)
	exec.NextWakeAt = timePtr(nextWake)
	exec.CompletedAt = timePtr(completed)
	exec.LastError = textPtr(lastErr)
	return exec, nil
}

// ClaimExecution marks an execution running for one invocation. It is denied when the
// execution is terminal, or running under another invocation whose claim is younger
// than staleAfter.
func (s *Store) ClaimExecution(ctx context.Context, id string, staleAfter time.Duration) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE executions
		SET status = $2, invocations = invocations + 1, updated_at = NOW()
		WHERE id = $1
		  AND (status IN ($3, $4) OR (status = $2 AND updated_at < $5))
	`, id, models.StatusRunning, models.StatusPending, models.StatusSleeping, time.Now().UTC().Add(-staleAfter))
	if err != nil {
		return fmt.Errorf("claim execution: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return s.deniedOrMissing(ctx, id)
	}
	return nil
}

// MarkSleeping records the wake-at time of the pending durable timer.
func (s *Store) MarkSleeping(ctx context.Context, id string, wakeAt time.Time) error {
	return s.transition(ctx, id, `
		UPDATE executions SET status = $2, next_wake_at = $3, updated_at = NOW()
		WHERE id = $1 AND status NOT IN ($4, $5)
	`, models.StatusSleeping, wakeAt.UTC(), models.StatusCompleted, models.StatusFailed)
}

// Release returns a running execution to pending so another invocation can claim it.
func (s *Store) Release(ctx context.Context, id string, lastError string) error {
	return s.transition(ctx, id, `
		UPDATE executions SET status = $2, last_error = $3, updated_at = NOW()
		WHERE id = $1 AND status NOT IN ($4, $5)
	`, models.StatusPending, lastError, models.StatusCompleted, models.StatusFailed)
}

// MarkCompleted transitions an execution to completed.
func (s *Store) MarkCompleted(ctx context.Context, id string) error {
	return s.transition(ctx, id, `
		UPDATE executions
		SET status = $2, next_wake_at = NULL, last_error = NULL, updated_at = NOW(), completed_at = NOW()
		WHERE id = $1 AND status NOT IN ($3, $4)
	`, models.StatusCompleted, models.StatusCompleted, models.StatusFailed)
}

// MarkFailed transitions an execution to failed with the fatal error.
func (s *Store) MarkFailed(ctx context.Context, id string, lastError string) error {
	return s.transition(ctx, id, `
		UPDATE executions
		SET status = $2, next_wake_at = NULL, last_error = $3, updated_at = NOW(), completed_at = NOW()
		WHERE id = $1 AND status NOT IN ($4, $5)
	`, models.StatusFailed, lastError, models.StatusCompleted, models.StatusFailed)
}

func (s *Store) transition(ctx context.Context, id string, sql string, args ...any) error {
	tag, err := s.pool.Exec(ctx, sql, append([]any{id}, args...)...)
	if err != nil {
		return fmt.Errorf("update execution: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return s.deniedOrMissing(ctx, id)
	}
	return nil
}

func (s *Store) deniedOrMissing(ctx context.Context, id string) error {
	var exists bool
	if err := s.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM executions WHERE id = $1)`, id).Scan(&exists); err != nil {
		return fmt.Errorf("check execution: %w", err)
	}
	if !exists {
		return fmt.Errorf("%w: %s", ErrExecutionNotFound, id)
	}
	return ErrStatusTransitionDenied
}

// DueExecutions lists executions that should be running but may have lost their queue
// entry: sleepers whose timer passed before cutoff, pending ones created before cutoff,
// and running ones not touched since cutoff.
func (s *Store) DueExecutions(ctx context.Context, cutoff time.Time, limit int) ([]string, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id FROM executions
		WHERE (status = $1 AND next_wake_at <= $4)
		   OR (status = $2 AND updated_at <= $4)
		   OR (status = $3 AND updated_at <= $4)
		ORDER BY updated_at
		LIMIT $5
	`, models.StatusSleeping, models.StatusPending, models.StatusRunning, cutoff.UTC(), limit)
	if err != nil {
		return nil, fmt.Errorf("query due executions: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan due execution: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// LoadSteps returns the step log of an execution in append order.
func (s *Store) LoadSteps(ctx context.Context, executionID string) ([]models.StepRecord, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT name, kind, outcome, wake_at, completed_at
		FROM execution_steps WHERE execution_id = $1
		ORDER BY seq
	`, executionID)
	if err != nil {
		return nil, fmt.Errorf("query steps: %w", err)
	}
	defer rows.Close()

	var out []models.StepRecord
	for rows.Next() {
		rec, err := scanStep(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// RecordStep inserts rec unless the name is already recorded, and returns the stored
// record.
func (s *Store) RecordStep(ctx context.Context, executionID string, rec models.StepRecord) (models.StepRecord, error) {
	var outcome []byte
	if len(rec.Outcome) > 0 {
		outcome = rec.Outcome
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO execution_steps (execution_id, name, kind, outcome, wake_at, completed_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (execution_id, name) DO NOTHING
	`, executionID, rec.Name, rec.Kind, outcome, rec.WakeAt, rec.CompletedAt)
	if err != nil {
		return models.StepRecord{}, fmt.Errorf("insert step: %w", err)
	}

	row := s.pool.QueryRow(ctx, `
		SELECT name, kind, outcome, wake_at, completed_at
		FROM execution_steps WHERE execution_id = $1 AND name = $2
	`, executionID, rec.Name)
	return scanStep(row)
}

func scanStep(row pgx.Row) (models.StepRecord, error) {
	var rec models.StepRecord
	var outcome []byte
	var wake pgtype.Timestamptz
	if err := row.Scan(&rec.Name, &rec.Kind, &outcome, &wake, &rec.CompletedAt); err != nil {
		return models.StepRecord{}, fmt.Errorf("scan step: %w", err)
	}
	if len(outcome) > 0 {
		rec.Outcome = json.RawMessage(outcome)
	}
	rec.WakeAt = timePtr(wake)
	return rec, nil
}

// AppendEvent adds an audit row.
func (s *Store) AppendEvent(ctx context.Context, executionID, event, detail string) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO execution_events (execution_id, event, detail, ts)
		VALUES ($1, $2, $3, NOW())
	`, executionID, event, detail)
	return err
}

// ListEvents returns the audit trail of an execution, oldest first.
func (s *Store) ListEvents(ctx context.Context, executionID string) ([]models.ExecutionEvent, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT execution_id, event, detail, ts FROM execution_events
		WHERE execution_id = $1 ORDER BY ts, id
	`, executionID)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	var out []models.ExecutionEvent
	for rows.Next() {
		var ev models.ExecutionEvent
		if err := rows.Scan(&ev.ExecutionID, &ev.Event, &ev.Detail, &ev.Recorded); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

func textPtr(t pgtype.Text) *string {
	if t.Valid {
		return &t.String
	}
	return nil
}

func timePtr(t pgtype.Timestamptz) *time.Time {
	if t.Valid {
		v := t.Time.UTC()
		return &v
	}
	return nil
}
