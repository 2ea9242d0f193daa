package errors

import (
	stderrors "errors"
	"fmt"
	"testing"
)

func TestErrorFormatting(t *testing.T) {
	err := New(ErrQueueFull, "queue is full")
	want := "[QUEUE_FULL] queue is full"
	if err.Error() != want {
		t.Errorf("Error() = %q, want %q", err.Error(), want)
	}

	wrapped := Wrap(ErrDatabase, "enqueue failed", stderrors.New("disk I/O error"))
	want = "[DATABASE_ERROR] enqueue failed: disk I/O error"
	if wrapped.Error() != want {
		t.Errorf("Error() = %q, want %q", wrapped.Error(), want)
	}
}

func TestIsWalksChain(t *testing.T) {
	inner := New(ErrStorageUnavailable, "cannot open database")
	outer := Wrap(ErrDatabase, "bootstrap failed", inner)

	if !Is(outer, ErrDatabase) {
		t.Error("Expected outer code to match")
	}
	if !Is(outer, ErrStorageUnavailable) {
		t.Error("Expected inner code to match")
	}
	if Is(outer, ErrQueueFull) {
		t.Error("Unrelated code should not match")
	}
	if Is(nil, ErrDatabase) {
		t.Error("nil error should never match")
	}

	// Standard wrapping in the middle of the chain is traversed too.
	mixed := fmt.Errorf("context: %w", inner)
	if !Is(mixed, ErrStorageUnavailable) {
		t.Error("Expected code found through fmt.Errorf wrapping")
	}
}

func TestCode(t *testing.T) {
	if Code(New(ErrAuthRequired, "remote returned 401")) != ErrAuthRequired {
		t.Error("Expected AUTH_REQUIRED")
	}
	if Code(stderrors.New("plain")) != ErrInternal {
		t.Error("Expected INTERNAL_ERROR for uncoded error")
	}
	if Code(fmt.Errorf("outer: %w", New(ErrNotFound, "gone"))) != ErrNotFound {
		t.Error("Expected code found through wrapping")
	}
}

func TestUnwrap(t *testing.T) {
	cause := stderrors.New("root cause")
	err := Wrap(ErrNetworkFailure, "request failed", cause)
	if !stderrors.Is(err, cause) {
		t.Error("Expected errors.Is to find the cause")
	}
}
