package hooks

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/traylinx/hookbridge/internal/breaker"
)

// ErrorKind classifies failures for callers and guidance lookup.
type ErrorKind string

const (
	KindValidation   ErrorKind = "validation"
	KindUnregistered ErrorKind = "unregistered"
	KindCircuitOpen  ErrorKind = "circuit_open"
	KindTimeout      ErrorKind = "timeout"
	KindHandler      ErrorKind = "handler_failed"
	KindCanceled     ErrorKind = "canceled"
	KindSkipped      ErrorKind = "skipped"
)

// ErrTransient marks a failure as safe to retry.
var ErrTransient = errors.New("transient failure")

// FieldError describes one invalid or missing field.
type FieldError struct {
	Field   string `json:"field"`
	Problem string `json:"problem"`
}

// ValidationError lists every problem found in a hook context.
type ValidationError struct {
	Hook     HookType
	Problems []FieldError
}

func (e *ValidationError) Error() string {
	parts := make([]string, len(e.Problems))
	for i, p := range e.Problems {
		parts[i] = p.Field + " " + p.Problem
	}
	return fmt.Sprintf("invalid context for %s: %s", e.Hook, strings.Join(parts, "; "))
}

// UnregisteredHookError is returned when no handler exists for a hook type.
type UnregisteredHookError struct {
	Hook HookType
}

func (e *UnregisteredHookError) Error() string {
	return fmt.Sprintf("no handler registered for hook %q", e.Hook)
}

// HandlerExecutionError wraps an error returned or raised by a handler.
type HandlerExecutionError struct {
	Hook HookType
	Err  error
}

func (e *HandlerExecutionError) Error() string {
	return fmt.Sprintf("hook %s failed: %v", e.Hook, e.Err)
}

func (e *HandlerExecutionError) Unwrap() error { return e.Err }

// TimeoutError is returned when an execution exceeds its configured timeout.
type TimeoutError struct {
	Operation string
	After     time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s timed out after %s", e.Operation, e.After)
}

// Timeout reports true so TimeoutError satisfies net.Error-style checks.
func (e *TimeoutError) Timeout() bool { return true }

type temporaryError struct{ err error }

func (e temporaryError) Error() string   { return e.err.Error() }
func (e temporaryError) Unwrap() error   { return e.err }
func (e temporaryError) Temporary() bool { return true }

// MarkTemporary marks err as retryable.
func MarkTemporary(err error) error {
	if err == nil {
		return nil
	}
	return temporaryError{err: err}
}

// IsRetryable reports whether err may be retried: timeouts, transient
// network failures and errors marked temporary. Validation, registration and
// open-breaker errors are never retried.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var (
		valErr *ValidationError
		regErr *UnregisteredHookError
	)
	if errors.As(err, &valErr) || errors.As(err, &regErr) || errors.Is(err, breaker.ErrCircuitOpen) {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}

	var timeoutErr *TimeoutError
	if errors.As(err, &timeoutErr) || errors.Is(err, ErrTransient) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	var temp interface{ Temporary() bool }
	if errors.As(err, &temp) && temp.Temporary() {
		return true
	}
	return false
}

// KindOf classifies err.
func KindOf(err error) ErrorKind {
	var (
		valErr     *ValidationError
		regErr     *UnregisteredHookError
		timeoutErr *TimeoutError
	)
	switch {
	case err == nil:
		return ""
	case errors.As(err, &valErr):
		return KindValidation
	case errors.As(err, &regErr):
		return KindUnregistered
	case errors.Is(err, breaker.ErrCircuitOpen):
		return KindCircuitOpen
	case errors.As(err, &timeoutErr), errors.Is(err, context.DeadlineExceeded):
		return KindTimeout
	case errors.Is(err, context.Canceled):
		return KindCanceled
	default:
		return KindHandler
	}
}
