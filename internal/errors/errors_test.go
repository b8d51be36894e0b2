// Package errors tests for error code definitions and classification.
package errors

import (
	stderrors "errors"
	"fmt"
	"testing"
)

// TestAppError_Error verifies message formatting with and without cause.
func TestAppError_Error(t *testing.T) {
	err := New(ErrStorage, "device storage full")
	want := "[STORAGE_ERROR] device storage full"
	if err.Error() != want {
		t.Errorf("Error() = %q, want %q", err.Error(), want)
	}

	wrapped := Wrap(ErrSyncTransient, "create exposure", stderrors.New("connection refused"))
	want = "[SYNC_TRANSIENT] create exposure: connection refused"
	if wrapped.Error() != want {
		t.Errorf("Error() = %q, want %q", wrapped.Error(), want)
	}
}

// TestAppError_Unwrap verifies errors.Is/As interop through wrapping.
func TestAppError_Unwrap(t *testing.T) {
	cause := stderrors.New("disk I/O error")
	err := Wrap(ErrStorage, "update status", cause)

	if !stderrors.Is(err, cause) {
		t.Error("wrapped error should match its cause via errors.Is")
	}
}

// TestIs verifies code matching through fmt.Errorf wrapping.
func TestIs(t *testing.T) {
	err := New(ErrSyncAuthExpired, "session expired")

	if !Is(err, ErrSyncAuthExpired) {
		t.Error("Is() should match the direct code")
	}
	if Is(err, ErrSyncTransient) {
		t.Error("Is() should not match a different code")
	}

	deep := fmt.Errorf("worker: %w", err)
	if !Is(deep, ErrSyncAuthExpired) {
		t.Error("Is() should unwrap nested errors")
	}

	if Is(stderrors.New("plain"), ErrInternal) {
		t.Error("Is() should not match a plain error")
	}
}

// TestCodeOf verifies code extraction with a fallback.
func TestCodeOf(t *testing.T) {
	if got := CodeOf(New(ErrPhotoLimit, "too many photos")); got != ErrPhotoLimit {
		t.Errorf("CodeOf() = %v, want %v", got, ErrPhotoLimit)
	}
	if got := CodeOf(stderrors.New("plain")); got != ErrInternal {
		t.Errorf("CodeOf(plain) = %v, want %v", got, ErrInternal)
	}
}

// TestClassification verifies the transient/permanent/auth/storage split
// used by the sync workers.
func TestClassification(t *testing.T) {
	tests := []struct {
		code      ErrorCode
		transient bool
		permanent bool
		auth      bool
		storage   bool
	}{
		{ErrSyncTransient, true, false, false, false},
		{ErrSyncTimeout, true, false, false, false},
		{ErrSyncOffline, true, false, false, false},
		{ErrSyncPermanent, false, true, false, false},
		{ErrValidation, false, true, false, false},
		{ErrSyncAuthExpired, false, false, true, false},
		{ErrStorage, false, false, false, true},
		{ErrConstraint, false, false, false, true},
	}

	for _, tt := range tests {
		err := New(tt.code, "x")
		if IsTransient(err) != tt.transient {
			t.Errorf("%s: IsTransient = %v, want %v", tt.code, IsTransient(err), tt.transient)
		}
		if IsPermanent(err) != tt.permanent {
			t.Errorf("%s: IsPermanent = %v, want %v", tt.code, IsPermanent(err), tt.permanent)
		}
		if IsAuthExpired(err) != tt.auth {
			t.Errorf("%s: IsAuthExpired = %v, want %v", tt.code, IsAuthExpired(err), tt.auth)
		}
		if IsStorage(err) != tt.storage {
			t.Errorf("%s: IsStorage = %v, want %v", tt.code, IsStorage(err), tt.storage)
		}
	}

	// A classification must be mutually exclusive per error.
	err := New(ErrSyncTransient, "timeout talking to API")
	if IsPermanent(err) || IsAuthExpired(err) || IsStorage(err) {
		t.Error("transient error must not classify as anything else")
	}
}
