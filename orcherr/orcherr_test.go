package orcherr

import (
	"errors"
	"fmt"
	"testing"
)

func TestErrorMessage(t *testing.T) {
	t.Parallel()

	e := NewModel(CodeNotFound, "moondream3", "model not registered")
	got := e.Error()
	want := "MODEL.NOT_FOUND (moondream3): model not registered"
	if got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}
}

func TestErrorMessageWithCause(t *testing.T) {
	t.Parallel()

	cause := errors.New("connection refused")
	e := NewTransport("dial failed", cause)
	if !errors.Is(e, e) {
		t.Fatal("expected self-match via errors.Is")
	}
	if !errors.Is(e.Unwrap(), cause) {
		t.Errorf("Unwrap() = %v, want %v", e.Unwrap(), cause)
	}
}

func TestIsTimeout(t *testing.T) {
	t.Parallel()

	timeoutErr := NewTimeout("receive")
	if !IsTimeout(timeoutErr) {
		t.Error("expected IsTimeout to be true")
	}

	wrapped := fmt.Errorf("while waiting: %w", timeoutErr)
	if !IsTimeout(wrapped) {
		t.Error("expected IsTimeout to see through fmt.Errorf wrapping")
	}

	notTimeout := NewTransport("dial failed", nil)
	if IsTimeout(notTimeout) {
		t.Error("expected IsTimeout to be false for a plain transport error")
	}
}

func TestIsKindAndIsCode(t *testing.T) {
	t.Parallel()

	e := NewLease(CodeStartupTimeout, "engine did not become ready", nil)
	if !IsKind(e, KindLease) {
		t.Error("expected IsKind(KindLease) to be true")
	}
	if IsKind(e, KindModel) {
		t.Error("expected IsKind(KindModel) to be false")
	}
	if !IsCode(e, CodeStartupTimeout) {
		t.Error("expected IsCode(CodeStartupTimeout) to be true")
	}
}

func TestErrorIsMatchesKindAndCode(t *testing.T) {
	t.Parallel()

	e := NewModel(CodeNotFound, "some-id", "not found")
	target := &Error{Kind: KindModel, Code: CodeNotFound}
	if !errors.Is(e, target) {
		t.Error("expected errors.Is to match on Kind+Code")
	}

	other := &Error{Kind: KindLease, Code: CodeStartupTimeout}
	if errors.Is(e, other) {
		t.Error("expected errors.Is to not match a different Kind+Code")
	}
}
