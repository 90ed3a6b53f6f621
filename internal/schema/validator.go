package schema

import (
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
)

// Validator handles validation of records before they are queued.
type Validator struct {
	validate        *validator.Validate
	maxAge          time.Duration
	maxFuture       time.Duration
	requireComplete bool
}

// ValidatorConfig holds configuration for the validator.
type ValidatorConfig struct {
	// MaxAge rejects events whose time is older than now minus MaxAge; 0 disables.
	MaxAge time.Duration
	// MaxFuture rejects events whose time is later than now plus MaxFuture; 0 disables.
	MaxFuture time.Duration
	// RequireComplete rejects lines whose header was truncated.
	RequireComplete bool
}

// DefaultValidatorConfig returns the default validator configuration.
func DefaultValidatorConfig() ValidatorConfig {
	return ValidatorConfig{
		MaxAge:          0,
		MaxFuture:       24 * time.Hour,
		RequireComplete: true,
	}
}

// NewValidator creates a new Validator with default configuration.
func NewValidator() *Validator {
	return NewValidatorWithConfig(DefaultValidatorConfig())
}

// NewValidatorWithConfig creates a new Validator with the specified configuration.
func NewValidatorWithConfig(cfg ValidatorConfig) *Validator {
	return &Validator{
		validate:        validator.New(),
		maxAge:          cfg.MaxAge,
		maxFuture:       cfg.MaxFuture,
		requireComplete: cfg.RequireComplete,
	}
}

// Validate validates a record. Parse failures are wrapped so that
// errors.Is matches cef.ErrNotCEF and cef.ErrTruncatedHeader.
func (v *Validator) Validate(record *Record) error {
	if record == nil || record.Event == nil {
		return fmt.Errorf("validation failed: record has no event")
	}

	if err := record.Event.Err(); err != nil {
		if record.Event.IsCEF() && !v.requireComplete {
			err = nil
		}
		if err != nil {
			return fmt.Errorf("validation failed: %w", err)
		}
	}

	// Struct validation using go-playground/validator
	if err := v.validate.Struct(record); err != nil {
		return fmt.Errorf("validation failed: %w", err)
	}

	if record.EventTime.IsZero() {
		return nil
	}
	now := time.Now().UTC()

	if v.maxAge > 0 && record.EventTime.Before(now.Add(-v.maxAge)) {
		return fmt.Errorf("event time too old: %v (max age: %v)", record.EventTime, v.maxAge)
	}

	if v.maxFuture > 0 && record.EventTime.After(now.Add(v.maxFuture)) {
		return fmt.Errorf("event time in future: %v (max future: %v)", record.EventTime, v.maxFuture)
	}

	return nil
}
