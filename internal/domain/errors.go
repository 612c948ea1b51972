package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrConfiguration marks fatal configuration problems. Runs abort before
	// any detection work.
	ErrConfiguration = errors.New("configuration error")

	// ErrSourceUnavailable marks an unreachable data source.
	ErrSourceUnavailable = errors.New("data source unavailable")

	// ErrData marks a malformed input row. Rows are skipped, never fatal.
	ErrData = errors.New("data error")

	ErrNotFound     = errors.New("record not found")
	ErrInvalidInput = errors.New("invalid input")
)

// ConfigError describes one invalid configuration field.
type ConfigError struct {
	Field  string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("configuration error: %s: %s", e.Field, e.Reason)
}

func (e *ConfigError) Unwrap() error {
	return ErrConfiguration
}

// IsFatal reports whether err must abort the run.
func IsFatal(err error) bool {
	return errors.Is(err, ErrConfiguration) || errors.Is(err, ErrSourceUnavailable)
}
