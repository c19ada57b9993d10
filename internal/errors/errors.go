// Package errors defines the error codes the aggregator branches on.
//
// Failures inside a scheduled run are returned as values carrying one of
// these codes and logged by the caller; they never abort the run.
package errors

import (
	stderrors "errors"
	"fmt"
)

// ErrorCode identifies a class of aggregator failure.
type ErrorCode string

const (
	// Outbound request quota for the current run is exhausted.
	ErrRequestLimit ErrorCode = "core:aggregator:http_request-limit"

	// Remote import exists but has not finished fetching yet.
	ErrQueuePending ErrorCode = "core:aggregator:queue-pending"

	// Remote service answered with an error or an unreadable body.
	ErrService ErrorCode = "core:aggregator:service-error"

	// Remote import finished with a failure.
	ErrImportFailed ErrorCode = "core:aggregator:import-failed"

	// Record origin has no fetcher.
	ErrInvalidOrigin ErrorCode = "core:aggregator:invalid-origin"

	// Record, child or event does not exist.
	ErrNotFound ErrorCode = "core:aggregator:not-found"

	// Input rejected before any work was done.
	ErrInvalid ErrorCode = "core:aggregator:invalid"

	// Persisting a record or an event failed.
	ErrStorage ErrorCode = "core:aggregator:storage"
)

// AppError is an aggregator failure with a code, a message and optional data.
type AppError struct {
	Code    ErrorCode
	Message string
	Data    map[string]string
	Err     error
}

// Error implements the error interface.
func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying error.
func (e *AppError) Unwrap() error {
	return e.Err
}

// New creates a new AppError.
func New(code ErrorCode, message string) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
	}
}

// Newf creates a new AppError with a formatted message.
func Newf(code ErrorCode, format string, args ...any) *AppError {
	return New(code, fmt.Sprintf(format, args...))
}

// Wrap wraps an existing error with an error code.
func Wrap(code ErrorCode, message string, err error) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// WithData attaches key/value context to the error and returns it.
func (e *AppError) WithData(key, value string) *AppError {
	if e.Data == nil {
		e.Data = make(map[string]string)
	}
	e.Data[key] = value
	return e
}

// Is reports whether err, or anything it wraps, carries the given code.
func Is(err error, code ErrorCode) bool {
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return appErr.Code == code
	}
	return false
}

// Message returns the human readable message of an AppError, or err.Error()
// for anything else.
func Message(err error) string {
	if err == nil {
		return ""
	}
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return appErr.Message
	}
	return err.Error()
}
