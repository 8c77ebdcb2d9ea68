// Package apperr defines the error taxonomy shared by the identity and job layers
// and its mapping onto HTTP status codes.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies an error for propagation and transport mapping.
type Kind string

const (
	KindValidation       Kind = "validation"
	KindUnauthorized     Kind = "unauthorized"
	KindForbidden        Kind = "forbidden"
	KindConflict         Kind = "conflict"
	KindNotFound         Kind = "not_found"
	KindProvider         Kind = "provider"
	KindQueueUnavailable Kind = "queue_unavailable"
	KindDeadLettered     Kind = "dead_lettered"
	KindInternal         Kind = "internal"
)

// Error is the concrete error type carried across service boundaries.
type Error struct {
	Kind      Kind
	Code      string
	Message   string
	Status    int
	Retryable bool
	Err       error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

func newErr(kind Kind, status int, code, msg string, cause error) *Error {
	return &Error{Kind: kind, Code: code, Message: msg, Status: status, Err: cause}
}

// Validation reports bad input.
func Validation(code, msg string) *Error {
	return newErr(KindValidation, http.StatusBadRequest, code, msg, nil)
}

// Unauthorized reports a missing, invalid or expired credential.
func Unauthorized(msg string, cause error) *Error {
	return newErr(KindUnauthorized, http.StatusUnauthorized, "UNAUTHORIZED", msg, cause)
}

// Forbidden reports an authenticated actor that is not permitted.
func Forbidden(code, msg string) *Error {
	return newErr(KindForbidden, http.StatusForbidden, code, msg, nil)
}

// Conflict reports a duplicate identity.
func Conflict(code, msg string) *Error {
	return newErr(KindConflict, http.StatusConflict, code, msg, nil)
}

// NotFound reports an unknown record.
func NotFound(code, msg string) *Error {
	return newErr(KindNotFound, http.StatusNotFound, code, msg, nil)
}

// Provider reports a failure of the external identity service. Client-caused
// failures (bad credentials, duplicate email) surface as 400, outages as 502.
func Provider(msg string, upstream bool, cause error) *Error {
	status := http.StatusBadRequest
	if upstream {
		status = http.StatusBadGateway
	}
	e := newErr(KindProvider, status, "PROVIDER_ERROR", msg, cause)
	e.Retryable = upstream
	return e
}

// QueueUnavailable reports an unreachable or saturated broker. Always retryable.
func QueueUnavailable(code, msg string, cause error) *Error {
	e := newErr(KindQueueUnavailable, http.StatusServiceUnavailable, code, msg, cause)
	e.Retryable = true
	return e
}

// DeadLettered marks a job that exhausted its attempts.
func DeadLettered(jobID string, cause error) *Error {
	return newErr(KindDeadLettered, http.StatusInternalServerError, "JOB_DEAD_LETTERED",
		fmt.Sprintf("job %s exhausted its attempts", jobID), cause)
}

// Internal wraps an unexpected failure.
func Internal(msg string, cause error) *Error {
	return newErr(KindInternal, http.StatusInternalServerError, "INTERNAL_ERROR", msg, cause)
}

// KindOf returns the Kind of err, or KindInternal for foreign errors.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	if err == nil {
		return false
	}
	return KindOf(err) == kind
}

// HTTPStatus maps err onto a response status code.
func HTTPStatus(err error) int {
	var e *Error
	if errors.As(err, &e) && e.Status != 0 {
		return e.Status
	}
	return http.StatusInternalServerError
}
