package model

import (
	"errors"
	"fmt"
)

// Sentinel errors for registry and lifecycle violations. These are always
// surfaced to the caller, never silently retried.
var (
	// ErrNotFound indicates an unknown version, instance, or token.
	ErrNotFound = errors.New("not found")

	// ErrConflict indicates a version ordering violation: the new version is
	// not strictly greater than every existing non-archived version.
	ErrConflict = errors.New("version conflict")

	// ErrInvalidState indicates an operation that is not legal in the
	// entity's current lifecycle state.
	ErrInvalidState = errors.New("invalid lifecycle state")

	// ErrInstanceNotReady indicates an execute call against an instance that
	// is not running.
	ErrInstanceNotReady = errors.New("instance not ready")

	// ErrTokenInvalid indicates an expired, revoked, or wrong-scope token.
	ErrTokenInvalid = errors.New("token invalid")

	// ErrRateLimited indicates the token's request budget for the current
	// window is exhausted.
	ErrRateLimited = errors.New("rate limit exceeded")
)

// ExecutionError is a sandbox-reported execution failure. Retryable failures
// (sandbox transient) leave instance state untouched; fatal failures
// transition the instance to error.
type ExecutionError struct {
	Reason    string
	Retryable bool
	Err       error
}

func (e *ExecutionError) Error() string {
	kind := "fatal"
	if e.Retryable {
		kind = "retryable"
	}
	if e.Err != nil {
		return fmt.Sprintf("execution failed (%s): %s: %v", kind, e.Reason, e.Err)
	}
	return fmt.Sprintf("execution failed (%s): %s", kind, e.Reason)
}

func (e *ExecutionError) Unwrap() error { return e.Err }
