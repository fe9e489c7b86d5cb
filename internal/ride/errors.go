package ride

import (
	"errors"
	"fmt"
)

var (
	ErrUnauthorized  = errors.New("unauthorized")
	ErrNotFound      = errors.New("not found")
	ErrNotRegistered = errors.New("not registered for event")
	ErrUnavailable   = errors.New("backend unavailable")
	ErrTimeout       = errors.New("timeout")
	ErrInvalidInput  = errors.New("invalid input")
	// ErrInvalidGrant is a refresh token the identity service no longer accepts.
	ErrInvalidGrant = errors.New("invalid grant")
)

// TimeoutError marks a remote operation that did not resolve in time.
type TimeoutError struct {
	Op string
}

func (e *TimeoutError) Error() string {
	if e.Op == "" {
		return "timeout"
	}
	return fmt.Sprintf("%s-timeout", e.Op)
}

func (e *TimeoutError) Is(target error) bool {
	if target == ErrTimeout {
		return true
	}
	other, ok := target.(*TimeoutError)
	return ok && other.Op == e.Op
}

type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "invalid input: " + e.Message
	}
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Message)
}

func (e *ValidationError) Is(target error) bool {
	return target == ErrInvalidInput
}

// IsExpected reports failures that are normal while browsing: not registered for an
// event, or not signed in. They resolve to empty state rather than a visible error.
func IsExpected(err error) bool {
	return errors.Is(err, ErrNotRegistered) || errors.Is(err, ErrUnauthorized)
}

// IsTransient reports failures worth retrying later (network, timeout).
func IsTransient(err error) bool {
	return errors.Is(err, ErrUnavailable) || errors.Is(err, ErrTimeout)
}
