// Package taskerr provides the error taxonomy used by stage handlers and the
// retry policy. Handlers wrap collaborator failures into classified errors so
// the dispatcher can decide between reschedule and terminal failure without
// string matching.
package taskerr

import (
	"errors"
	"fmt"
)

// Kind classifies an error for retry decisions.
type Kind string

const (
	// KindInput marks malformed or policy-violating external data. Never retried.
	KindInput Kind = "input"
	// KindTransient marks storage contention, network hiccups and collaborator
	// timeouts. Retried with backoff.
	KindTransient Kind = "transient"
	// KindCollaborator marks structured errors from external services. Retryable
	// when rate-limited or 5xx, terminal on auth/permission 4xx.
	KindCollaborator Kind = "collaborator"
	// KindSafety marks tripped policy guards (dangerous diff, path escape,
	// oversized payload). Never retried.
	KindSafety Kind = "safety"
	// KindExhaustion marks attempt-limit exhaustion. Terminal.
	KindExhaustion Kind = "exhaustion"
	// KindInternal marks bugs (unexpected nil, invariant violation). Retried
	// once, then terminal.
	KindInternal Kind = "internal"
)

// Error is a classified error carrying an operation name and optional cause.
type Error struct {
	Kind      Kind
	Op        string
	Message   string
	Cause     error
	retryable bool
}

func (e *Error) Error() string {
	msg := e.Message
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", msg, e.Cause)
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Cause }

// Input creates a non-retryable input validation error.
func Input(op, message string) *Error {
	return &Error{Kind: KindInput, Op: op, Message: message}
}

// Transient creates a retryable error wrapping cause.
func Transient(op string, cause error) *Error {
	return &Error{Kind: KindTransient, Op: op, Message: "transient failure", Cause: cause, retryable: true}
}

// Transientf creates a retryable error with a formatted message.
func Transientf(op, format string, args ...any) *Error {
	return &Error{Kind: KindTransient, Op: op, Message: fmt.Sprintf(format, args...), retryable: true}
}

// Collaborator creates an error from an external service; retryable controls
// whether a later attempt could succeed (rate limit, 5xx) or not (auth 4xx).
func Collaborator(op, message string, retryable bool, cause error) *Error {
	return &Error{Kind: KindCollaborator, Op: op, Message: message, Cause: cause, retryable: retryable}
}

// Safety creates a non-retryable policy-guard error.
func Safety(op, message string) *Error {
	return &Error{Kind: KindSafety, Op: op, Message: message}
}

// Exhaustion creates a terminal attempt-limit error.
func Exhaustion(op string, attempts int) *Error {
	return &Error{Kind: KindExhaustion, Op: op, Message: fmt.Sprintf("exhausted after %d attempts", attempts)}
}

// Internal creates a bug-class error. The retry policy grants it a single
// retry before going terminal.
func Internal(op string, cause error) *Error {
	return &Error{Kind: KindInternal, Op: op, Message: "internal error", Cause: cause}
}

// Internalf creates a bug-class error with a formatted message.
func Internalf(op, format string, args ...any) *Error {
	return &Error{Kind: KindInternal, Op: op, Message: fmt.Sprintf(format, args...)}
}

// KindOf returns the classification of err, or KindInternal for unclassified
// errors (an unwrapped error reaching the dispatcher is by definition a bug).
func KindOf(err error) Kind {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Kind
	}
	return KindInternal
}

// Retryable reports whether a later attempt could plausibly succeed.
// Unclassified errors are treated as internal: retryable exactly once, which
// the retry policy enforces via the attempt counter.
func Retryable(err error) bool {
	var ce *Error
	if errors.As(err, &ce) {
		switch ce.Kind {
		case KindTransient:
			return true
		case KindCollaborator:
			return ce.retryable
		case KindInternal:
			return true
		default:
			return false
		}
	}
	return true
}
