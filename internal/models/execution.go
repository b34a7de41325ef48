package models

import (
	"encoding/json"
	"strings"
	"time"
)

// ExecutionStatus enumerates lifecycle states persisted in Postgres.
const (
	StatusPending   = "pending"
	StatusRunning   = "running"
	StatusSleeping  = "sleeping"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

// IsTerminal reports whether no further invocation may change the execution.
func IsTerminal(status string) bool {
	return status == StatusCompleted || status == StatusFailed
}

// HostState is the host's last known lifecycle state, captured by the gateway.
type HostState string

const (
	HostRunning  HostState = "RUNNING"
	HostSleeping HostState = "SLEEPING"
	HostStopped  HostState = "STOPPED"
	HostPaused   HostState = "PAUSED"
	HostUnknown  HostState = "UNKNOWN"
)

// ParseHostState maps free-form input onto a known state; anything unrecognised is UNKNOWN.
func ParseHostState(s string) HostState {
	switch st := HostState(strings.ToUpper(strings.TrimSpace(s))); st {
	case HostRunning, HostSleeping, HostStopped, HostPaused:
		return st
	default:
		return HostUnknown
	}
}

// NeedsWake reports whether the state calls for a wake action before polling.
func (s HostState) NeedsWake() bool {
	return s == HostSleeping || s == HostStopped || s == HostPaused
}

// JobRef identifies the job on the downstream engine.
type JobRef struct {
	Name string `json:"name"`
	ID   string `json:"id"`
}

// JobPayload is delivered verbatim to the host's dispatch endpoint.
type JobPayload struct {
	Job         JobRef         `json:"job"`
	WebhookURL  string         `json:"webhookUrl"`
	DisplayName string         `json:"displayName"`
	UserID      string         `json:"userId"`
	Inputs      map[string]any `json:"inputs"`
}

// Execution is the durable unit of work, keyed by the job id.
type Execution struct {
	ID           string     `json:"id"`
	Payload      JobPayload `json:"payload"`
	InitialState HostState  `json:"initial_state"`
	Status       string     `json:"status"`
	Invocations  int        `json:"invocations"`
	NextWakeAt   *time.Time `json:"next_wake_at,omitempty"`
	LastError    *string    `json:"last_error,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`
}

// StepKind distinguishes checkpointed step bodies from durable timers.
const (
	StepKindStep  = "step"
	StepKindSleep = "sleep"
)

// StepRecord is one entry in an execution's step log. Once written it never changes.
type StepRecord struct {
	Name        string          `json:"name"`
	Kind        string          `json:"kind"`
	Outcome     json.RawMessage `json:"outcome,omitempty"`
	WakeAt      *time.Time      `json:"wake_at,omitempty"`
	CompletedAt time.Time       `json:"completed_at"`
}

// ExecutionEvent is a simple audit event row.
type ExecutionEvent struct {
	ExecutionID string    `json:"execution_id"`
	Event       string    `json:"event"`
	Detail      string    `json:"detail"`
	Recorded    time.Time `json:"recorded_at"`
}
