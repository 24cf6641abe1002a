package config

import (
	"errors"
	"fmt"
	"time"
)

// ValidationError contains details about what failed validation.
type ValidationError struct {
	Field   string
	Value   any
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("config.%s: %s (got: %v)", e.Field, e.Message, e.Value)
}

// validateConfig checks all config values for validity.
// Returns nil if valid, or joined errors for all validation failures.
func validateConfig(cfg *Config) error {
	var errs []error

	if cfg.Parallelism < 1 {
		errs = append(errs, &ValidationError{
			Field:   "parallelism",
			Value:   cfg.Parallelism,
			Message: "must be at least 1",
		})
	}

	durations := []struct {
		field    string
		value    string
		positive bool
	}{
		{"lock_wait", cfg.LockWait, false},
		{"mount_timeout", cfg.MountTimeout, true},
		{"unmount_timeout", cfg.UnmountTimeout, true},
		{"retry.initial_backoff", cfg.Retry.InitialBackoff, false},
		{"retry.max_backoff", cfg.Retry.MaxBackoff, false},
		{"checkpoint.retention", cfg.Checkpoint.Retention, false},
	}
	for _, d := range durations {
		parsed, err := time.ParseDuration(d.value)
		if err != nil {
			errs = append(errs, &ValidationError{
				Field:   d.field,
				Value:   d.value,
				Message: fmt.Sprintf("invalid duration: %v", err),
			})
			continue
		}
		if parsed < 0 || (d.positive && parsed == 0) {
			errs = append(errs, &ValidationError{
				Field:   d.field,
				Value:   d.value,
				Message: "must be positive",
			})
		}
	}

	if cfg.Retry.MaxAttempts < 1 {
		errs = append(errs, &ValidationError{
			Field:   "retry.max_attempts",
			Value:   cfg.Retry.MaxAttempts,
			Message: "must be at least 1",
		})
	}
	if cfg.Retry.Multiplier < 1 {
		errs = append(errs, &ValidationError{
			Field:   "retry.multiplier",
			Value:   cfg.Retry.Multiplier,
			Message: "must be at least 1.0",
		})
	}

	if cfg.Checkpoint.Every < 1 {
		errs = append(errs, &ValidationError{
			Field:   "checkpoint.every",
			Value:   cfg.Checkpoint.Every,
			Message: "must be at least 1",
		})
	}
	if cfg.Checkpoint.FullEvery < 0 {
		errs = append(errs, &ValidationError{
			Field:   "checkpoint.full_every",
			Value:   cfg.Checkpoint.FullEvery,
			Message: "must be non-negative (0 = root only)",
		})
	}
	if cfg.Checkpoint.HashWorkers < 0 {
		errs = append(errs, &ValidationError{
			Field:   "checkpoint.hash_workers",
			Value:   cfg.Checkpoint.HashWorkers,
			Message: "must be non-negative (0 = number of CPUs)",
		})
	}

	if cfg.WorkDir == cfg.StateDir {
		errs = append(errs, &ValidationError{
			Field:   "work_dir",
			Value:   cfg.WorkDir,
			Message: "must differ from state_dir",
		})
	}

	// LogLevel must be one of: debug, info, warn, error (case-sensitive)
	validLogLevels := map[string]bool{
		"debug": true,
		"info":  true,
		"warn":  true,
		"error": true,
	}
	if !validLogLevels[cfg.LogLevel] {
		errs = append(errs, &ValidationError{
			Field:   "log_level",
			Value:   cfg.LogLevel,
			Message: "must be one of: debug, info, warn, error",
		})
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}
