package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"math/rand"
	"sync"
	"time"

	"wake-dispatch/internal/config"
	"wake-dispatch/internal/durable"
	"wake-dispatch/internal/models"
	"wake-dispatch/internal/queue"
	"wake-dispatch/internal/store"
	"wake-dispatch/internal/telemetry"
	"wake-dispatch/internal/workflow"
)

// Store is the execution persistence the processor needs.
type Store interface {
	durable.StepLog
	GetExecution(ctx context.Context, id string) (models.Execution, error)
	ClaimExecution(ctx context.Context, id string, staleAfter time.Duration) error
	MarkSleeping(ctx context.Context, id string, wakeAt time.Time) error
	MarkCompleted(ctx context.Context, id string) error
	MarkFailed(ctx context.Context, id string, lastError string) error
	Release(ctx context.Context, id string, lastError string) error
	DueExecutions(ctx context.Context, cutoff time.Time, limit int) ([]string, error)
	AppendEvent(ctx context.Context, executionID, event, detail string) error
}

// Archiver stores finished executions. Optional.
type Archiver interface {
	Archive(ctx context.Context, exec models.Execution, steps []models.StepRecord) (string, error)
}

// Processor drives the worker loop: it hosts the durable engine and invokes the
// orchestrator for every execution whose turn has come.
type Processor struct {
	cfg          config.Config
	queue        *queue.RedisQueue
	store        Store
	engine       *durable.Engine
	orchestrator *workflow.Orchestrator
	archiver     Archiver
	logger       *slog.Logger
	workerID     string
	now          func() time.Time

	mu        sync.Mutex
	retries   map[string]int
	lastSweep time.Time
}

// Option configures a Processor.
type Option func(*Processor)

// WithArchiver archives terminal executions.
func WithArchiver(a Archiver) Option {
	return func(p *Processor) { p.archiver = a }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(p *Processor) { p.logger = l }
}

// WithClock replaces time.Now for the processor and its engine.
func WithClock(now func() time.Time) Option {
	return func(p *Processor) { p.now = now }
}

// NewProcessorWithID creates a processor with a specific worker ID for tracking.
func NewProcessorWithID(cfg config.Config, q *queue.RedisQueue, st Store, host workflow.Host, workerID string, opts ...Option) *Processor {
	p := &Processor{
		cfg:      cfg,
		queue:    q,
		store:    st,
		logger:   slog.Default(),
		workerID: workerID,
		now:      time.Now,
		retries:  make(map[string]int),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.logger = p.logger.With("worker_id", workerID)
	p.engine = durable.NewEngine(st, durable.WithClock(p.now), durable.WithLogger(p.logger))
	p.orchestrator = workflow.New(host, workflow.SettingsFromConfig(cfg))
	return p
}

// Run starts the main worker loop until context cancellation.
func (p *Processor) Run(ctx context.Context) error {
	p.logger.Info("worker started", "visibility", p.cfg.VisibilityTimeout, "poll", p.cfg.WorkerPollInterval)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		p.housekeeping(ctx)

		processed, err := p.ProcessNext(ctx)
		if err != nil {
			p.logger.Warn("dequeue failed", "err", err)
		}
		if processed {
			continue
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(p.cfg.WorkerPollInterval):
		}
	}
}

// housekeeping fires due timers, reclaims expired leases and periodically re-arms
// executions whose queue entries were lost.
func (p *Processor) housekeeping(ctx context.Context) {
	now := p.now()
	if n, err := p.queue.PromoteScheduled(ctx, now, int64(p.cfg.TimerBatchSize)); err != nil {
		p.logger.Warn("promote timers failed", "err", err)
	} else if n > 0 {
		p.logger.Debug("timers fired", "count", n)
	}
	if reclaimed, err := p.queue.RequeueExpired(ctx, now, 100); err != nil {
		p.logger.Warn("reclaim leases failed", "err", err)
	} else if len(reclaimed) > 0 {
		p.logger.Warn("reclaimed expired leases", "executions", reclaimed)
	}
	if depth, err := p.queue.ReadyDepth(ctx); err == nil {
		telemetry.QueueDepthGauge.Set(float64(depth))
	}

	p.mu.Lock()
	due := now.Sub(p.lastSweep) >= p.cfg.VisibilityTimeout
	if due {
		p.lastSweep = now
	}
	p.mu.Unlock()
	if due {
		p.sweep(ctx, now)
	}
}

// sweep re-arms executions that Postgres says are due but Redis no longer tracks.
func (p *Processor) sweep(ctx context.Context, now time.Time) {
	ids, err := p.store.DueExecutions(ctx, now.Add(-p.cfg.VisibilityTimeout), p.cfg.TimerBatchSize)
	if err != nil {
		p.logger.Warn("sweep failed", "err", err)
		return
	}
	for _, id := range ids {
		if _, armed, err := p.queue.TimerAt(ctx, id); err != nil || armed {
			continue
		}
		if err := p.queue.Enqueue(ctx, id, now); err != nil {
			p.logger.Warn("re-arm failed", "execution_id", id, "err", err)
			continue
		}
		p.logger.Info("re-armed execution", "execution_id", id)
	}
}

// ProcessNext leases one ready execution and invokes it. It reports whether an
// execution was dequeued.
func (p *Processor) ProcessNext(ctx context.Context) (bool, error) {
	id, err := p.queue.DequeueWithLease(ctx)
	if err != nil {
		return false, err
	}
	if id == "" {
		return false, nil
	}
	p.process(ctx, id)
	return true, nil
}

func (p *Processor) process(ctx context.Context, id string) {
	logger := p.logger.With("execution_id", id)

	exec, err := p.store.GetExecution(ctx, id)
	if errors.Is(err, store.ErrExecutionNotFound) {
		logger.Warn("dropping unknown execution")
		_ = p.queue.Ack(ctx, id)
		return
	}
	if err != nil {
		p.retry(ctx, id, fmt.Errorf("load execution: %w", err))
		return
	}
	if models.IsTerminal(exec.Status) {
		_ = p.queue.Ack(ctx, id)
		return
	}

	if err := p.store.ClaimExecution(ctx, id, p.cfg.VisibilityTimeout); err != nil {
		if errors.Is(err, store.ErrStatusTransitionDenied) {
			// Terminal, or another worker holds it. The lease is keyed by id and
			// belongs to the holder, so it is left for the holder to ack.
			logger.Debug("execution claimed elsewhere")
			p.clearRetries(id)
			return
		}
		p.retry(ctx, id, fmt.Errorf("claim execution: %w", err))
		return
	}
	if err := p.queue.ExtendLease(ctx, id, p.cfg.VisibilityTimeout); err != nil {
		logger.Warn("extend lease failed", "err", err)
	}

	telemetry.InFlightGauge.Inc()
	out := p.engine.Invoke(ctx, id, p.orchestrator.Workflow(workflow.InputFromExecution(exec)))
	telemetry.InFlightGauge.Dec()

	switch out.Status {
	case durable.StatusCompleted:
		if err := p.store.MarkCompleted(ctx, id); err != nil && !errors.Is(err, store.ErrStatusTransitionDenied) {
			p.retry(ctx, id, fmt.Errorf("mark completed: %w", err))
			return
		}
		p.clearRetries(id)
		_ = p.queue.Ack(ctx, id)
		_ = p.store.AppendEvent(ctx, id, "completed", "job dispatched")
		telemetry.ExecutionsCompleted.Inc()
		p.archive(ctx, id)

	case durable.StatusSuspended:
		if err := p.store.MarkSleeping(ctx, id, out.WakeAt); err != nil {
			p.retry(ctx, id, fmt.Errorf("mark sleeping: %w", err))
			return
		}
		p.clearRetries(id)
		_ = p.queue.Ack(ctx, id)
		if err := p.queue.Schedule(ctx, id, out.WakeAt); err != nil {
			// The sweep re-arms it from Postgres.
			logger.Warn("arm timer failed", "err", err)
		}

	case durable.StatusFailed:
		msg := out.Err.Error()
		if err := p.store.MarkFailed(ctx, id, msg); err != nil && !errors.Is(err, store.ErrStatusTransitionDenied) {
			p.retry(ctx, id, fmt.Errorf("mark failed: %w", err))
			return
		}
		p.clearRetries(id)
		_ = p.queue.Ack(ctx, id)
		_ = p.queue.DLQPush(ctx, id)
		_ = p.store.AppendEvent(ctx, id, "failed", msg)
		telemetry.ExecutionsFailed.Inc()
		p.archive(ctx, id)

	case durable.StatusRetry:
		if err := p.store.Release(ctx, id, out.Err.Error()); err != nil {
			logger.Warn("release failed", "err", err)
		}
		p.retry(ctx, id, out.Err)
	}
}

// retry gives up the lease and re-arms the execution after a jittered backoff. The
// execution's step log is untouched, so the next invocation resumes where this one
// stopped.
func (p *Processor) retry(ctx context.Context, id string, cause error) {
	p.mu.Lock()
	p.retries[id]++
	attempt := p.retries[id]
	p.mu.Unlock()

	backoff := backoffWithJitter(p.cfg.InvokeBackoffInitial, p.cfg.InvokeBackoffMax, attempt)
	nextRun := p.now().Add(backoff)
	p.logger.Warn("invocation will be retried", "execution_id", id, "attempt", attempt, "next_run", nextRun, "err", cause)

	_ = p.queue.Ack(ctx, id)
	if err := p.queue.Schedule(ctx, id, nextRun); err != nil {
		p.logger.Warn("schedule retry failed", "execution_id", id, "err", err)
	}
	telemetry.InvocationRetries.Inc()
}

func (p *Processor) clearRetries(id string) {
	p.mu.Lock()
	delete(p.retries, id)
	p.mu.Unlock()
}

func (p *Processor) archive(ctx context.Context, id string) {
	if p.archiver == nil {
		return
	}
	exec, err := p.store.GetExecution(ctx, id)
	if err != nil {
		p.logger.Warn("archive skipped", "execution_id", id, "err", err)
		return
	}
	steps, err := p.store.LoadSteps(ctx, id)
	if err != nil {
		p.logger.Warn("archive skipped", "execution_id", id, "err", err)
		return
	}
	loc, err := p.archiver.Archive(ctx, exec, steps)
	if err != nil {
		p.logger.Warn("archive failed", "execution_id", id, "err", err)
		return
	}
	p.logger.Debug("execution archived", "execution_id", id, "location", loc)
}

func backoffWithJitter(base, max time.Duration, attempt int) time.Duration {
	if base <= 0 {
		base = time.Second
	}
	if max < base {
		max = base
	}
	if attempt <= 0 {
		return base
	}
	exp := float64(base) * math.Pow(2, float64(attempt-1))
	wait := time.Duration(exp)
	if exp > float64(max) {
		wait = max
	}
	jitter := time.Duration(rand.Int63n(int64(wait/2) + 1))
	return wait/2 + jitter
}
