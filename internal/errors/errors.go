// Package errors provides error code definitions shared by the core and its
// FFI/HTTP boundaries.
package errors

import (
	stderrors "errors"
	"fmt"
)

// ErrorCode represents a unique error code that can be bridged to clients.
type ErrorCode string

const (
	// General errors
	ErrInternal   ErrorCode = "INTERNAL_ERROR"
	ErrInvalid    ErrorCode = "INVALID_INPUT"
	ErrNotFound   ErrorCode = "NOT_FOUND"
	ErrConfig     ErrorCode = "INVALID_CONFIGURATION"
	ErrPermission ErrorCode = "UNAUTHORIZED"

	// Database errors
	ErrDatabase  ErrorCode = "DATABASE_ERROR"
	ErrMigration ErrorCode = "MIGRATION_FAILED"

	// Validation errors
	ErrNotFoundOffline ErrorCode = "NOT_FOUND_OFFLINE"
	ErrRevoked         ErrorCode = "LICENSE_REVOKED"
	ErrExpired         ErrorCode = "LICENSE_EXPIRED"

	// Network errors
	ErrNetworkTimeout ErrorCode = "NETWORK_TIMEOUT"
	ErrNetwork        ErrorCode = "NETWORK_ERROR"
	ErrRemote         ErrorCode = "REMOTE_ERROR"

	// Cache errors
	ErrStorage      ErrorCode = "STORAGE_FAILURE"
	ErrCacheFull    ErrorCode = "CACHE_FULL"
	ErrHashMismatch ErrorCode = "CONTENT_HASH_MISMATCH"

	// Sync errors
	ErrSyncFailed ErrorCode = "SYNC_FAILED"
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

// Newf creates a new AppError with a formatted message.
func Newf(code ErrorCode, format string, args ...interface{}) *AppError {
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

// Is reports whether any AppError in err's chain carries code.
func Is(err error, code ErrorCode) bool {
	for err != nil {
		var appErr *AppError
		if !stderrors.As(err, &appErr) {
			return false
		}
		if appErr.Code == code {
			return true
		}
		err = appErr.Err
	}
	return false
}

// CodeOf returns the code of the outermost AppError in err's chain, or
// ErrInternal when there is none.
func CodeOf(err error) ErrorCode {
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return appErr.Code
	}
	return ErrInternal
}

// IsNetwork reports whether err is a transient connectivity failure.
func IsNetwork(err error) bool {
	return Is(err, ErrNetworkTimeout) || Is(err, ErrNetwork)
}

// IsRetryable reports whether the operation that produced err may succeed
// if attempted again later.
func IsRetryable(err error) bool {
	switch CodeOf(err) {
	case ErrNetworkTimeout, ErrNetwork, ErrRemote, ErrStorage, ErrHashMismatch:
		return true
	}
	return false
}
