// Package errors provides error code definitions shared across the engine
// and its API surface.
package errors

import "fmt"

// ErrorCode represents a unique error code surfaced to API consumers.
type ErrorCode string

const (
	// General errors
	ErrInternal   ErrorCode = "INTERNAL_ERROR"
	ErrNotFound   ErrorCode = "NOT_FOUND"
	ErrValidation ErrorCode = "VALIDATION_ERROR"

	// Database errors
	ErrDatabase   ErrorCode = "DATABASE_ERROR"
	ErrMigration  ErrorCode = "MIGRATION_FAILED"
	ErrConstraint ErrorCode = "CONSTRAINT_VIOLATION"

	// Sync errors
	ErrNetwork        ErrorCode = "NETWORK_ERROR"
	ErrSyncTimeout    ErrorCode = "SYNC_TIMEOUT"
	ErrAuthMismatch   ErrorCode = "AUTH_MISMATCH"
	ErrServerRejected ErrorCode = "SERVER_REJECTED"
	ErrSyncFailed     ErrorCode = "SYNC_FAILED"

	// Credential errors
	ErrCryptoFailed ErrorCode = "CRYPTO_FAILED"
)

// AppError represents an application error with code and message.
type AppError struct {
	Code    ErrorCode
	Message string
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

// Wrap wraps an existing error with an error code.
func Wrap(code ErrorCode, message string, err error) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// Is checks if an error is of a specific code.
func Is(err error, code ErrorCode) bool {
	if appErr, ok := err.(*AppError); ok {
		return appErr.Code == code
	}
	return false
}

// Code extracts the ErrorCode from an error, or ErrInternal for
// errors that did not originate as an AppError.
func Code(err error) ErrorCode {
	if appErr, ok := err.(*AppError); ok {
		return appErr.Code
	}
	return ErrInternal
}

// Retryable reports whether a failed push may succeed on a later
// attempt. Auth mismatches and server-side rejections are terminal;
// everything network-shaped is worth retrying.
func Retryable(err error) bool {
	return RetryableCode(Code(err))
}

// RetryableCode is Retryable for a bare code, used when only the
// persisted code of a past failure is available.
func RetryableCode(code ErrorCode) bool {
	switch code {
	case ErrAuthMismatch, ErrServerRejected, ErrValidation:
		return false
	default:
		return true
	}
}
