package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"
	"time"
)

// ErrorCode identifies a class of failure surfaced by the session core or the HTTP API.
type ErrorCode string

const (
	ErrNoCredential   ErrorCode = "NO_CREDENTIAL"   // connect aborted, no usable secret
	ErrNotConnected   ErrorCode = "NOT_CONNECTED"   // command issued without a transport
	ErrInvalidRequest ErrorCode = "INVALID_REQUEST" // 400
	ErrNotFound       ErrorCode = "NOT_FOUND"       // 404
	ErrRateLimited    ErrorCode = "RATE_LIMITED"    // 429
	ErrBudgetExceeded ErrorCode = "BUDGET_EXCEEDED" // 429
	ErrUpstream       ErrorCode = "UPSTREAM"        // 502
	ErrInternal       ErrorCode = "INTERNAL"        // 500
)

// Error is a structured error with code, HTTP status and details.
type Error struct {
	Code    ErrorCode
	Status  int
	Message string
	Details map[string]any
	Err     error
}

// Error implements the error interface.
func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// NewNoCredential reports that the credential endpoint did not yield a usable secret.
func NewNoCredential(cause error) *Error {
	msg := "credential endpoint returned no client secret"
	if cause != nil {
		msg = fmt.Sprintf("credential fetch failed: %v", cause)
	}
	return &Error{
		Code:    ErrNoCredential,
		Status:  http.StatusBadGateway,
		Message: msg,
		Err:     cause,
	}
}

// NewNotConnected reports a command issued while no transport is owned.
func NewNotConnected(op string) *Error {
	return &Error{
		Code:    ErrNotConnected,
		Status:  http.StatusConflict,
		Message: fmt.Sprintf("%s: no realtime session", op),
		Details: map[string]any{"operation": op},
	}
}

// NewInvalidRequest creates a 400 error for invalid request parameters.
func NewInvalidRequest(msg string) *Error {
	return &Error{
		Code:    ErrInvalidRequest,
		Status:  http.StatusBadRequest,
		Message: msg,
	}
}

// NewNotFound creates a 404 error.
func NewNotFound(what, identifier string) *Error {
	return &Error{
		Code:    ErrNotFound,
		Status:  http.StatusNotFound,
		Message: fmt.Sprintf("%s not found", what),
		Details: map[string]any{"identifier": identifier},
	}
}

// NewRateLimited creates a 429 error carrying the window reset time.
func NewRateLimited(msg string, reset time.Time) *Error {
	return &Error{
		Code:    ErrRateLimited,
		Status:  http.StatusTooManyRequests,
		Message: msg,
		Details: map[string]any{"resetTime": reset.UnixMilli()},
	}
}

// NewBudgetExceeded creates a 429 error for an exhausted daily token budget.
func NewBudgetExceeded(used, limit int, reset time.Time) *Error {
	return &Error{
		Code:    ErrBudgetExceeded,
		Status:  http.StatusTooManyRequests,
		Message: "Daily token limit exceeded",
		Details: map[string]any{
			"used":      used,
			"limit":     limit,
			"resetTime": reset.UTC().Format(time.RFC3339),
		},
	}
}

// NewUpstream wraps a failure of an upstream dependency.
func NewUpstream(service string, err error) *Error {
	msg := service + " request failed"
	if err != nil {
		msg = fmt.Sprintf("%s request failed: %v", service, err)
	}
	return &Error{
		Code:    ErrUpstream,
		Status:  http.StatusBadGateway,
		Message: msg,
		Details: map[string]any{"service": service},
		Err:     err,
	}
}

// NewInternal creates a 500 error for unexpected internal errors.
func NewInternal(err error) *Error {
	msg := "internal error"
	if err != nil {
		msg = err.Error()
	}
	return &Error{
		Code:    ErrInternal,
		Status:  http.StatusInternalServerError,
		Message: msg,
		Err:     err,
	}
}

// Is reports whether err is, or wraps, an *Error with the given code.
func Is(err error, code ErrorCode) bool {
	var e *Error
	if stderrors.As(err, &e) {
		return e.Code == code
	}
	return false
}

// StatusOf returns the HTTP status for err, defaulting to 500.
func StatusOf(err error) int {
	var e *Error
	if stderrors.As(err, &e) && e.Status != 0 {
		return e.Status
	}
	return http.StatusInternalServerError
}
