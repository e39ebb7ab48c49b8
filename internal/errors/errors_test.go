// Package errors tests for error code definitions and error handling.
package errors

import (
	"errors"
	"fmt"
	"testing"
)

// TestErrorCodeValues verifies all error codes have non-empty, distinct values.
func TestErrorCodeValues(t *testing.T) {
	codes := []ErrorCode{
		ErrInternal, ErrInvalid, ErrNotFound,
		ErrStorageUnavailable, ErrMigration,
		ErrInvalidTransition,
		ErrSyncFailed, ErrSyncConflict, ErrSyncNotConfigured, ErrProcessInterrupted,
		ErrCryptoFailed, ErrConfigInvalid, ErrNotificationDropped,
	}

	seen := make(map[ErrorCode]bool)
	for _, c := range codes {
		if c == "" {
			t.Error("ErrorCode should not be empty")
		}
		if seen[c] {
			t.Errorf("duplicate ErrorCode %q", c)
		}
		seen[c] = true
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
			appError: &AppError{Code: ErrStorageUnavailable, Message: "insert record", Err: errors.New("disk full")},
			want:     "[STORAGE_UNAVAILABLE] insert record: disk full",
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

// TestWrap_Unwrap verifies the wrapped error is reachable.
func TestWrap_Unwrap(t *testing.T) {
	base := errors.New("database is locked")
	err := Wrap(ErrStorageUnavailable, "update record", base)

	if !errors.Is(err, base) {
		t.Error("errors.Is() should find the wrapped error")
	}
	if err.Unwrap() != base {
		t.Error("Unwrap() did not return the base error")
	}
}

// TestIs verifies code matching through fmt wrapping and nested AppErrors.
func TestIs(t *testing.T) {
	inner := New(ErrNotFound, "record missing")
	outer := Wrap(ErrInvalidTransition, "retry record", inner)
	wrapped := fmt.Errorf("handler: %w", outer)

	if !Is(wrapped, ErrInvalidTransition) {
		t.Error("Is() should match outer code through fmt wrapping")
	}
	if !Is(wrapped, ErrNotFound) {
		t.Error("Is() should match nested code")
	}
	if Is(wrapped, ErrSyncConflict) {
		t.Error("Is() matched an absent code")
	}
	if Is(errors.New("plain"), ErrInternal) {
		t.Error("Is() should not match plain errors")
	}
	if Is(nil, ErrInternal) {
		t.Error("Is(nil) should be false")
	}
}

func TestCodeOf(t *testing.T) {
	if got := CodeOf(Newf(ErrInvalid, "bad kind %q", "x")); got != ErrInvalid {
		t.Errorf("CodeOf() = %s, want %s", got, ErrInvalid)
	}
	if got := CodeOf(errors.New("plain")); got != ErrInternal {
		t.Errorf("CodeOf(plain) = %s, want %s", got, ErrInternal)
	}
}
