// Package errors provides error code definitions for the sync engine
// and the Go-platform boundary.
package errors

import (
	stderrors "errors"
	"fmt"
)

// ErrorCode represents a unique error code that can be bridged to the UI layer.
type ErrorCode string

const (
	// General errors
	ErrInternal   ErrorCode = "INTERNAL_ERROR"
	ErrInvalid    ErrorCode = "INVALID_INPUT"
	ErrNotFound   ErrorCode = "NOT_FOUND"
	ErrDuplicate  ErrorCode = "DUPLICATE"
	ErrValidation ErrorCode = "VALIDATION_ERROR"

	// Local durable store errors
	ErrStorage    ErrorCode = "STORAGE_ERROR"
	ErrMigration  ErrorCode = "MIGRATION_FAILED"
	ErrConstraint ErrorCode = "CONSTRAINT_VIOLATION"

	// Queue errors
	ErrQueueEntryNotFound ErrorCode = "QUEUE_ENTRY_NOT_FOUND"
	ErrPhotoLimit         ErrorCode = "PHOTO_LIMIT_EXCEEDED"

	// Remote sync errors
	ErrSyncTransient   ErrorCode = "SYNC_TRANSIENT"
	ErrSyncPermanent   ErrorCode = "SYNC_PERMANENT"
	ErrSyncAuthExpired ErrorCode = "SYNC_AUTH_EXPIRED"
	ErrSyncTimeout     ErrorCode = "SYNC_TIMEOUT"
	ErrSyncOffline     ErrorCode = "SYNC_OFFLINE"

	// Media errors
	ErrMediaUnsupported ErrorCode = "MEDIA_UNSUPPORTED"
	ErrMediaDecode      ErrorCode = "MEDIA_DECODE_FAILED"
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

// Is checks if an error carries a specific code, unwrapping as needed.
func Is(err error, code ErrorCode) bool {
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return appErr.Code == code
	}
	return false
}

// CodeOf returns the error code of err, or ErrInternal if err carries none.
func CodeOf(err error) ErrorCode {
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return appErr.Code
	}
	return ErrInternal
}

// =====================================================
// Sync failure classification
// =====================================================
//
// Workers never propagate errors past their own boundary; every remote
// outcome is classified here and converted into a queue-entry status
// transition.

// IsTransient reports whether a retry may succeed later
// (network unreachable, request timeout, 5xx).
func IsTransient(err error) bool {
	return Is(err, ErrSyncTransient) || Is(err, ErrSyncTimeout) || Is(err, ErrSyncOffline)
}

// IsPermanent reports whether retrying cannot help
// (validation rejection, 4xx other than auth expiry).
func IsPermanent(err error) bool {
	return Is(err, ErrSyncPermanent) || Is(err, ErrValidation)
}

// IsAuthExpired reports whether the session needs a refresh before the
// worker may continue. Not counted as a retry.
func IsAuthExpired(err error) bool {
	return Is(err, ErrSyncAuthExpired)
}

// IsStorage reports whether the local durable store failed. Fatal for
// the affected entry only.
func IsStorage(err error) bool {
	return Is(err, ErrStorage) || Is(err, ErrConstraint)
}
