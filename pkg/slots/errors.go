package slots

import (
	"errors"
	"fmt"
)

var (
	// ErrAcquireTimeout is returned when no slot could be granted in time.
	// It is an expected outcome under load, not a failure of the manager.
	ErrAcquireTimeout = errors.New("slots: no slot available before timeout")

	ErrInvalidConfig   = errors.New("slots: invalid configuration")
	ErrUnknownClass    = errors.New("slots: unknown class")
	ErrNilGrant        = errors.New("slots: nil grant")
	ErrAlreadyReleased = errors.New("slots: grant already released")
	ErrForeignGrant    = errors.New("slots: grant belongs to another manager")

	errTimedOut = errors.New("slots: wait timed out")
)

// ConfigError reports which construction parameter was rejected.
type ConfigError struct {
	Field string
	Value int64
	Want  string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("slots: invalid %s %d: must be %s", e.Field, e.Value, e.Want)
}

func (e *ConfigError) Unwrap() error {
	return ErrInvalidConfig
}
