// Package errors provides the error codes shared by the offline sync engine
// and the hosts embedding it.
package errors

import (
	stderrors "errors"
	"fmt"
)

// ErrorCode represents a unique, host-visible error code.
type ErrorCode string

const (
	// General errors
	ErrInternal      ErrorCode = "INTERNAL_ERROR"
	ErrInvalid       ErrorCode = "INVALID_INPUT"
	ErrInvalidConfig ErrorCode = "INVALID_CONFIG"
	ErrDatabase      ErrorCode = "DATABASE_ERROR"
	ErrMigration     ErrorCode = "MIGRATION_FAILED"

	// Queue errors
	ErrQueueUnavailable  ErrorCode = "QUEUE_UNAVAILABLE"
	ErrMutationNotFound  ErrorCode = "MUTATION_NOT_FOUND"
	ErrMutationNotFailed ErrorCode = "MUTATION_NOT_FAILED"

	// Replay errors
	ErrTransientTransport ErrorCode = "TRANSIENT_TRANSPORT"
	ErrTerminalValidation ErrorCode = "TERMINAL_VALIDATION"
	ErrSyncConflict       ErrorCode = "SYNC_CONFLICT"
	ErrSyncOffline        ErrorCode = "SYNC_OFFLINE"

	// Resolution errors
	ErrConflictNotFound   ErrorCode = "CONFLICT_NOT_FOUND"
	ErrConflictOutOfOrder ErrorCode = "CONFLICT_OUT_OF_ORDER"
	ErrInvalidResolution  ErrorCode = "INVALID_RESOLUTION"

	// Session errors
	ErrSessionClosed ErrorCode = "SESSION_CLOSED"
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

// Is reports whether any error in err's chain is an AppError with the given code.
func Is(err error, code ErrorCode) bool {
	var appErr *AppError
	for err != nil {
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

// Transient marks err as a retriable transport failure (network hiccup,
// 5xx-equivalent, timeout).
func Transient(err error) *AppError {
	return Wrap(ErrTransientTransport, "transient transport error", err)
}

// Terminal marks a payload the server rejected structurally. Terminal errors
// are never retried.
func Terminal(message string, err error) *AppError {
	return Wrap(ErrTerminalValidation, message, err)
}

// QueueUnavailable reports a durable store that refused a write.
func QueueUnavailable(message string, err error) *AppError {
	return Wrap(ErrQueueUnavailable, message, err)
}

// IsTerminal reports whether err is a terminal validation error.
func IsTerminal(err error) bool {
	return Is(err, ErrTerminalValidation)
}

// IsQueueUnavailable reports whether err means the store refused a write.
func IsQueueUnavailable(err error) bool {
	return Is(err, ErrQueueUnavailable)
}
