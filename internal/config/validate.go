package config

import (
	"fmt"
	"net/url"
	"time"
)

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidationErrors is a collection of validation errors.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return ""
	}
	if len(e) == 1 {
		return e[0].Error()
	}
	msg := fmt.Sprintf("%d validation errors:", len(e))
	for _, err := range e {
		msg += "\n  - " + err.Error()
	}
	return msg
}

// Validate checks the settings shared by the API and the worker.
// Returns nil if valid, or ValidationErrors if invalid.
func Validate(cfg Config) error {
	return result(validateShared(cfg))
}

// ValidateWorker checks the shared settings plus everything the worker needs to reach
// and drive the remote host.
func ValidateWorker(cfg Config) error {
	errs := validateShared(cfg)
	errs = append(errs, validateHost(cfg)...)
	return result(errs)
}

func result(errs ValidationErrors) error {
	if len(errs) > 0 {
		return errs
	}
	return nil
}

func validateShared(cfg Config) ValidationErrors {
	var errs ValidationErrors

	if cfg.PostgresDSN == "" {
		errs = append(errs, ValidationError{Field: "POSTGRES_DSN", Message: "required"})
	}
	errs = append(errs, positive(
		duration{"VISIBILITY_TIMEOUT", cfg.VisibilityTimeout},
		duration{"WORKER_POLL_INTERVAL", cfg.WorkerPollInterval},
	)...)
	return errs
}

func validateHost(cfg Config) ValidationErrors {
	var errs ValidationErrors

	host := cfg.HostAddress()
	if host == "" {
		errs = append(errs, ValidationError{Field: "SPACE_ID", Message: "SPACE_ID or SPACE_HOST required"})
	} else if u, err := url.Parse(host); err != nil || u.Scheme == "" || u.Host == "" {
		errs = append(errs, ValidationError{Field: "SPACE_HOST", Message: fmt.Sprintf("invalid url %q", host)})
	}

	if cfg.MaxReadinessAttempts < 1 || cfg.MaxReadinessAttempts > 1000 {
		errs = append(errs, ValidationError{
			Field:   "MAX_READINESS_ATTEMPTS",
			Message: fmt.Sprintf("must be between 1 and 1000, got %d", cfg.MaxReadinessAttempts),
		})
	}

	errs = append(errs, positive(
		duration{"READINESS_INTERVAL", cfg.ReadinessInterval},
		duration{"PROBE_TIMEOUT", cfg.ProbeTimeout},
		duration{"WAKE_TIMEOUT", cfg.WakeTimeout},
		duration{"DISPATCH_TIMEOUT", cfg.DispatchTimeout},
	)...)
	// A zero settle delay is allowed; it only skips the pause.
	if cfg.SettleDelay < 0 {
		errs = append(errs, ValidationError{Field: "SETTLE_DELAY", Message: "must not be negative"})
	}
	return errs
}

type duration struct {
	field string
	value time.Duration
}

func positive(ds ...duration) ValidationErrors {
	var errs ValidationErrors
	for _, d := range ds {
		if d.value <= 0 {
			errs = append(errs, ValidationError{Field: d.field, Message: "must be positive"})
		}
	}
	return errs
}
