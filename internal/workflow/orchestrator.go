// Package workflow wakes the remote host, waits for it to report ready and delivers one
// job payload to it, as a durable step sequence.
package workflow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"wake-dispatch/internal/config"
	"wake-dispatch/internal/durable"
	"wake-dispatch/internal/models"
)

// Step and timer names written to the step log. Changing them breaks replay of
// executions already in flight.
const (
	StepWake     = "check-and-wake"
	TimerSettle  = "settle"
	StepDispatch = "final-dispatch"
)

// PingStep names the readiness attempt with the given zero-based index.
func PingStep(attempt int) string { return fmt.Sprintf("ping-%d", attempt) }

// BackoffTimer names the delay that follows the given zero-based attempt.
func BackoffTimer(attempt int) string { return fmt.Sprintf("backoff-%d", attempt) }

// ErrReadinessExhausted is the fatal error raised when the host never reports ready.
var ErrReadinessExhausted = errors.New("host did not become ready")

// Host is the remote compute host as the orchestrator sees it.
type Host interface {
	Wake(ctx context.Context, state models.HostState) error
	Ready(ctx context.Context) bool
	Dispatch(ctx context.Context, payload models.JobPayload) error
}

// Settings bound the readiness poller.
type Settings struct {
	MaxAttempts int
	Interval    time.Duration
	SettleDelay time.Duration
}

// DefaultSettings: 40 attempts five seconds apart after a two second settle delay.
func DefaultSettings() Settings {
	return Settings{MaxAttempts: 40, Interval: 5 * time.Second, SettleDelay: 2 * time.Second}
}

// SettingsFromConfig reads the poller bounds from process configuration.
func SettingsFromConfig(cfg config.Config) Settings {
	return Settings{
		MaxAttempts: cfg.MaxReadinessAttempts,
		Interval:    cfg.ReadinessInterval,
		SettleDelay: cfg.SettleDelay,
	}
}

// Input is the creation contract handed over by the gateway.
type Input struct {
	JobID        string
	Payload      models.JobPayload
	InitialState models.HostState
}

// InputFromExecution rebuilds the workflow input from a stored execution.
func InputFromExecution(exec models.Execution) Input {
	return Input{JobID: exec.ID, Payload: exec.Payload, InitialState: exec.InitialState}
}

// Orchestrator sequences wake, settle delay, readiness polling and dispatch.
type Orchestrator struct {
	host     Host
	settings Settings
}

// New builds an orchestrator. Non-positive settings fall back to the defaults.
func New(host Host, settings Settings) *Orchestrator {
	def := DefaultSettings()
	if settings.MaxAttempts <= 0 {
		settings.MaxAttempts = def.MaxAttempts
	}
	if settings.Interval <= 0 {
		settings.Interval = def.Interval
	}
	if settings.SettleDelay < 0 {
		settings.SettleDelay = def.SettleDelay
	}
	return &Orchestrator{host: host, settings: settings}
}

// Workflow binds in to a durable workflow function.
func (o *Orchestrator) Workflow(in Input) durable.Workflow {
	return func(ctx context.Context, run *durable.Run) error {
		return o.run(ctx, run, in)
	}
}

func (o *Orchestrator) run(ctx context.Context, run *durable.Run, in Input) error {
	// The wake step is left out of the log entirely for states that need no wake.
	// InitialState is fixed at creation, so every replay makes the same choice.
	if in.InitialState.NeedsWake() {
		_, err := durable.Step(ctx, run, StepWake, func(ctx context.Context) (models.HostState, error) {
			return in.InitialState, o.host.Wake(ctx, in.InitialState)
		})
		if err != nil {
			return fmt.Errorf("wake %s host: %w", in.InitialState, err)
		}
	}

	if err := run.Sleep(ctx, TimerSettle, o.settings.SettleDelay); err != nil {
		return err
	}

	if err := o.awaitReady(ctx, run); err != nil {
		return err
	}

	if !run.Recorded(StepDispatch) {
		run.Logger().Info("host ready, dispatching job", "job_id", in.Payload.Job.ID)
	}
	_, err := durable.Step(ctx, run, StepDispatch, func(ctx context.Context) (bool, error) {
		if err := o.host.Dispatch(ctx, in.Payload); err != nil {
			return false, err
		}
		return true, nil
	})
	if err != nil {
		return fmt.Errorf("final dispatch: %w", err)
	}
	return nil
}

// awaitReady polls until the host is ready. Each attempt is its own step so a restarted
// execution resumes at the first unrecorded attempt.
func (o *Orchestrator) awaitReady(ctx context.Context, run *durable.Run) error {
	max := o.settings.MaxAttempts
	for attempt := 0; attempt < max; attempt++ {
		ready, err := durable.Step(ctx, run, PingStep(attempt), func(ctx context.Context) (bool, error) {
			ready := o.host.Ready(ctx)
			// A probe cut short by shutdown says nothing about the host; leave the
			// attempt unrecorded so it runs again.
			if err := ctx.Err(); err != nil {
				return false, err
			}
			return ready, nil
		})
		if err != nil {
			return err
		}
		if ready {
			return nil
		}
		if attempt == max-1 {
			break
		}
		if err := run.Sleep(ctx, BackoffTimer(attempt), o.settings.Interval); err != nil {
			return err
		}
	}
	return fmt.Errorf("%w after %d attempts", ErrReadinessExhausted, max)
}
