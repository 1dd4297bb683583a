package domain

import (
	"errors"
	"fmt"
	"time"
)

// Sentinel errors for the engine error taxonomy. Every typed error below
// matches exactly one of them through errors.Is.
var (
	ErrValidation = errors.New("validation error")
	ErrNotFound   = errors.New("not found")
	ErrSecurity   = errors.New("security violation")
	ErrExecution  = errors.New("execution failed")
	ErrTimeout    = errors.New("execution timed out")
	ErrUpstream   = errors.New("upstream failure")
)

// ValidationError reports malformed caller input.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string        { return e.Reason }
func (e *ValidationError) Is(target error) bool { return target == ErrValidation }

// NewValidationError creates a ValidationError with a formatted reason.
func NewValidationError(format string, args ...any) error {
	return &ValidationError{Reason: fmt.Sprintf(format, args...)}
}

// NotFoundError reports a missing catalog entry or record.
type NotFoundError struct {
	Reason string
}

func (e *NotFoundError) Error() string        { return e.Reason }
func (e *NotFoundError) Is(target error) bool { return target == ErrNotFound }

// NewNotFoundError creates a NotFoundError with a formatted reason.
func NewNotFoundError(format string, args ...any) error {
	return &NotFoundError{Reason: fmt.Sprintf(format, args...)}
}

// SecurityError reports a script or request rejected by a security check.
// Callers log these separately from validation failures.
type SecurityError struct {
	Reason string
}

func (e *SecurityError) Error() string        { return e.Reason }
func (e *SecurityError) Is(target error) bool { return target == ErrSecurity }

// NewSecurityError creates a SecurityError with a formatted reason.
func NewSecurityError(format string, args ...any) error {
	return &SecurityError{Reason: fmt.Sprintf(format, args...)}
}

// ExecutionError reports a sandbox run that finished unsuccessfully.
// Detail holds the diagnostic captured inside the sandbox.
type ExecutionError struct {
	Reason string
	Detail string
}

func (e *ExecutionError) Error() string        { return e.Reason }
func (e *ExecutionError) Is(target error) bool { return target == ErrExecution }

// TimeoutError reports a sandbox run that exceeded its wall-clock ceiling.
type TimeoutError struct {
	Timeout time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("script exceeded the %s time limit", e.Timeout)
}
func (e *TimeoutError) Is(target error) bool { return target == ErrTimeout }

// UpstreamError wraps a failure of the record store, serializer or other
// collaborator.
type UpstreamError struct {
	Op  string
	Err error
}

func (e *UpstreamError) Error() string        { return e.Op + ": " + e.Err.Error() }
func (e *UpstreamError) Unwrap() error        { return e.Err }
func (e *UpstreamError) Is(target error) bool { return target == ErrUpstream }

// NewUpstreamError wraps err unless it already carries an engine error kind.
func NewUpstreamError(op string, err error) error {
	if err == nil {
		return nil
	}
	if IsEngineError(err) {
		return err
	}
	return &UpstreamError{Op: op, Err: err}
}

// IsEngineError reports whether err already belongs to the taxonomy.
func IsEngineError(err error) bool {
	for _, kind := range []error{ErrValidation, ErrNotFound, ErrSecurity, ErrExecution, ErrTimeout, ErrUpstream} {
		if errors.Is(err, kind) {
			return true
		}
	}
	return false
}
