package durable

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"wake-dispatch/internal/logging"
	"wake-dispatch/internal/models"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

func newTestEngine(log StepLog, clock *fakeClock) *Engine {
	return NewEngine(log, WithClock(clock.Now), WithLogger(logging.Discard()))
}

func TestStepRunsOnceAndReplays(t *testing.T) {
	ctx := context.Background()
	log := NewMemoryLog()
	eng := newTestEngine(log, newFakeClock())

	calls := 0
	wf := func(ctx context.Context, run *Run) error {
		n, err := Step(ctx, run, "count", func(context.Context) (int, error) {
			calls++
			return 42, nil
		})
		if err != nil {
			return err
		}
		if n != 42 {
			return errors.New("unexpected outcome")
		}
		return nil
	}

	for i := 0; i < 3; i++ {
		out := eng.Invoke(ctx, "exec-1", wf)
		require.Equal(t, StatusCompleted, out.Status, "invocation %d: %v", i, out.Err)
	}
	assert.Equal(t, 1, calls)

	recs, err := log.LoadSteps(ctx, "exec-1")
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, models.StepKindStep, recs[0].Kind)
	assert.JSONEq(t, "42", string(recs[0].Outcome))
}

func TestStepErrorIsNotRecorded(t *testing.T) {
	ctx := context.Background()
	log := NewMemoryLog()
	eng := newTestEngine(log, newFakeClock())

	calls := 0
	boom := errors.New("boom")
	wf := func(ctx context.Context, run *Run) error {
		_, err := Step(ctx, run, "flaky", func(context.Context) (string, error) {
			calls++
			if calls == 1 {
				return "", boom
			}
			return "ok", nil
		})
		return err
	}

	out := eng.Invoke(ctx, "exec-1", wf)
	assert.Equal(t, StatusFailed, out.Status)
	assert.ErrorIs(t, out.Err, boom)

	out = eng.Invoke(ctx, "exec-1", wf)
	assert.Equal(t, StatusCompleted, out.Status)
	assert.Equal(t, 2, calls)
}

func TestSleepSuspendsUntilDue(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	start := clock.Now()
	eng := newTestEngine(NewMemoryLog(), clock)

	after := 0
	wf := func(ctx context.Context, run *Run) error {
		if err := run.Sleep(ctx, "nap", 5*time.Second); err != nil {
			return err
		}
		after++
		return nil
	}

	out := eng.Invoke(ctx, "exec-1", wf)
	require.Equal(t, StatusSuspended, out.Status)
	assert.Equal(t, start.Add(5*time.Second), out.WakeAt)

	// Re-invoking early keeps the original wake-at; the timer is not re-armed.
	clock.Set(start.Add(4 * time.Second))
	out = eng.Invoke(ctx, "exec-1", wf)
	require.Equal(t, StatusSuspended, out.Status)
	assert.Equal(t, start.Add(5*time.Second), out.WakeAt)

	clock.Set(start.Add(5 * time.Second))
	out = eng.Invoke(ctx, "exec-1", wf)
	require.Equal(t, StatusCompleted, out.Status)
	assert.Equal(t, 1, after)
}

func TestZeroSleepDoesNotSuspend(t *testing.T) {
	eng := newTestEngine(NewMemoryLog(), newFakeClock())
	out := eng.Invoke(context.Background(), "exec-1", func(ctx context.Context, run *Run) error {
		return run.Sleep(ctx, "none", 0)
	})
	assert.Equal(t, StatusCompleted, out.Status)
}

type failingLog struct {
	*MemoryLog
	failLoad   bool
	failRecord string
}

func (f *failingLog) LoadSteps(ctx context.Context, id string) ([]models.StepRecord, error) {
	if f.failLoad {
		return nil, errors.New("db down")
	}
	return f.MemoryLog.LoadSteps(ctx, id)
}

func (f *failingLog) RecordStep(ctx context.Context, id string, rec models.StepRecord) (models.StepRecord, error) {
	if rec.Name == f.failRecord {
		return models.StepRecord{}, errors.New("db down")
	}
	return f.MemoryLog.RecordStep(ctx, id, rec)
}

func TestCheckpointFailureIsRetry(t *testing.T) {
	ctx := context.Background()
	log := &failingLog{MemoryLog: NewMemoryLog(), failRecord: "side-effect"}
	eng := newTestEngine(log, newFakeClock())

	calls := 0
	wf := func(ctx context.Context, run *Run) error {
		_, err := Step(ctx, run, "side-effect", func(context.Context) (bool, error) {
			calls++
			return true, nil
		})
		return err
	}

	out := eng.Invoke(ctx, "exec-1", wf)
	require.Equal(t, StatusRetry, out.Status)
	var cp *CheckpointError
	require.ErrorAs(t, out.Err, &cp)
	assert.Equal(t, "side-effect", cp.Step)

	// The body ran but was never checkpointed, so it runs again: at-least-once.
	log.failRecord = ""
	out = eng.Invoke(ctx, "exec-1", wf)
	require.Equal(t, StatusCompleted, out.Status)
	assert.Equal(t, 2, calls)

	log.failLoad = true
	out = eng.Invoke(ctx, "exec-1", wf)
	assert.Equal(t, StatusRetry, out.Status)
}

func TestCancelledInvocationIsRetry(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	eng := newTestEngine(NewMemoryLog(), newFakeClock())

	out := eng.Invoke(ctx, "exec-1", func(ctx context.Context, run *Run) error {
		_, err := Step(ctx, run, "call", func(ctx context.Context) (int, error) {
			cancel()
			return 0, ctx.Err()
		})
		return err
	})
	assert.Equal(t, StatusRetry, out.Status)
}

func TestFirstRecordWins(t *testing.T) {
	ctx := context.Background()
	log := NewMemoryLog()
	_, err := log.RecordStep(ctx, "exec-1", models.StepRecord{Name: "pick", Kind: models.StepKindStep, Outcome: []byte(`"first"`)})
	require.NoError(t, err)

	// Simulate an invocation that loaded the log before the other writer recorded.
	run := &Run{
		ExecutionID: "exec-1",
		log:         log,
		steps:       map[string]models.StepRecord{},
		now:         time.Now,
		logger:      logging.Discard(),
	}
	got, err := Step(ctx, run, "pick", func(context.Context) (string, error) { return "second", nil })
	require.NoError(t, err)
	assert.Equal(t, "first", got)
}

func TestKindMismatchFails(t *testing.T) {
	ctx := context.Background()
	eng := newTestEngine(NewMemoryLog(), newFakeClock())

	_ = eng.Invoke(ctx, "exec-1", func(ctx context.Context, run *Run) error {
		_, err := Step(ctx, run, "x", func(context.Context) (int, error) { return 1, nil })
		return err
	})
	out := eng.Invoke(ctx, "exec-1", func(ctx context.Context, run *Run) error {
		return run.Sleep(ctx, "x", time.Second)
	})
	assert.Equal(t, StatusFailed, out.Status)
	assert.ErrorIs(t, out.Err, ErrKindMismatch)
}

func TestExecutionsAreIndependent(t *testing.T) {
	ctx := context.Background()
	eng := newTestEngine(NewMemoryLog(), newFakeClock())

	calls := map[string]int{}
	var mu sync.Mutex
	wf := func(ctx context.Context, run *Run) error {
		_, err := Step(ctx, run, "only", func(context.Context) (string, error) {
			mu.Lock()
			calls[run.ExecutionID]++
			mu.Unlock()
			return run.ExecutionID, nil
		})
		return err
	}

	var wg sync.WaitGroup
	for _, id := range []string{"a", "b", "c"} {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			eng.Invoke(ctx, id, wf)
		}(id)
	}
	wg.Wait()
	assert.Equal(t, map[string]int{"a": 1, "b": 1, "c": 1}, calls)
}
