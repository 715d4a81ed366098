// Package errors tests for error code definitions and error handling.
package errors

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
)

// TestErrorCodes_areUnique verifies no two codes share a value.
func TestErrorCodes_areUnique(t *testing.T) {
	codes := []ErrorCode{
		ErrInternal, ErrInvalid, ErrInvalidConfig, ErrDatabase, ErrMigration,
		ErrQueueUnavailable, ErrMutationNotFound, ErrMutationNotFailed,
		ErrTransientTransport, ErrTerminalValidation, ErrSyncConflict, ErrSyncOffline,
		ErrConflictNotFound, ErrConflictOutOfOrder, ErrInvalidResolution,
		ErrSessionClosed,
	}

	seen := make(map[ErrorCode]bool)
	for _, code := range codes {
		if code == "" {
			t.Error("ErrorCode should not be empty")
		}
		if seen[code] {
			t.Errorf("duplicate ErrorCode %q", code)
		}
		seen[code] = true
	}
}

// TestAppError_Error verifies error message formatting.
func TestAppError_Error(t *testing.T) {
	tests := []struct {
		name     string
		appError *AppError
		want     string
	}{
		{
			name:     "error without underlying error",
			appError: &AppError{Code: ErrInternal, Message: "something failed"},
			want:     "[INTERNAL_ERROR] something failed",
		},
		{
			name:     "error with underlying error",
			appError: &AppError{Code: ErrQueueUnavailable, Message: "queue is full", Err: errors.New("capacity 10")},
			want:     "[QUEUE_UNAVAILABLE] queue is full: capacity 10",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.appError.Error(); got != tt.want {
				t.Errorf("Error() = %q, want %q", got, tt.want)
			}
		})
	}
}

// TestAppError_Unwrap verifies the underlying error is reachable.
func TestAppError_Unwrap(t *testing.T) {
	inner := context.DeadlineExceeded
	err := Transient(inner)

	if !errors.Is(err, context.DeadlineExceeded) {
		t.Error("errors.Is should find the wrapped deadline error")
	}
	if err.Unwrap() != inner {
		t.Error("Unwrap() did not return the wrapped error")
	}
}

// TestIs verifies code matching through wrapping layers.
func TestIs(t *testing.T) {
	terminal := Terminal("name is required", nil)
	wrapped := fmt.Errorf("replay mutation: %w", terminal)
	nested := Wrap(ErrSyncConflict, "outer", Wrap(ErrQueueUnavailable, "inner", nil))

	tests := []struct {
		name string
		err  error
		code ErrorCode
		want bool
	}{
		{"direct match", terminal, ErrTerminalValidation, true},
		{"fmt wrapped", wrapped, ErrTerminalValidation, true},
		{"different code", terminal, ErrTransientTransport, false},
		{"nested inner code", nested, ErrQueueUnavailable, true},
		{"nil error", nil, ErrInternal, false},
		{"plain error", errors.New("boom"), ErrInternal, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Is(tt.err, tt.code); got != tt.want {
				t.Errorf("Is() = %v, want %v", got, tt.want)
			}
		})
	}
}

// TestCodeOf verifies the outermost code is reported.
func TestCodeOf(t *testing.T) {
	if got := CodeOf(QueueUnavailable("disk full", nil)); got != ErrQueueUnavailable {
		t.Errorf("CodeOf() = %v, want ErrQueueUnavailable", got)
	}
	if got := CodeOf(errors.New("plain")); got != ErrInternal {
		t.Errorf("CodeOf(plain) = %v, want ErrInternal", got)
	}
}

// TestClassificationHelpers verifies IsTerminal and IsQueueUnavailable.
func TestClassificationHelpers(t *testing.T) {
	if !IsTerminal(Terminal("bad payload", nil)) {
		t.Error("IsTerminal() should be true for Terminal errors")
	}
	if IsTerminal(Transient(errors.New("reset"))) {
		t.Error("IsTerminal() should be false for Transient errors")
	}
	if !IsQueueUnavailable(fmt.Errorf("enqueue: %w", QueueUnavailable("full", nil))) {
		t.Error("IsQueueUnavailable() should see through fmt wrapping")
	}
}

// TestWrap_withNilError verifies Wrap tolerates a nil cause.
func TestWrap_withNilError(t *testing.T) {
	err := Wrap(ErrDatabase, "no cause", nil)
	if strings.Contains(err.Error(), "<nil>") {
		t.Errorf("Error() = %q, should not render a nil cause", err.Error())
	}
}
