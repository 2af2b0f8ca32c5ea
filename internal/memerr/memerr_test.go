package memerr

import (
	"errors"
	"fmt"
	"testing"
)

func TestKindString(t *testing.T) {
	cases := map[Kind]string{
		KindInvalidInput:     "invalid_input",
		KindNotFound:         "not_found",
		KindConflict:         "conflict",
		KindTransientBackend: "transient_backend",
		KindExtraction:       "extraction",
		KindRateLimited:      "rate_limited",
		KindFatal:            "fatal",
	}
	for kind, want := range cases {
		if got := kind.String(); got != want {
			t.Errorf("Kind %d: got %q, want %q", kind, got, want)
		}
	}
}

func TestKindOfWrapped(t *testing.T) {
	inner := New(KindNotFound, "store.get", errors.New("no row"))
	wrapped := fmt.Errorf("handling request: %w", inner)

	if got := KindOf(wrapped); got != KindNotFound {
		t.Errorf("KindOf(wrapped) = %v, want KindNotFound", got)
	}
	if !IsKind(wrapped, KindNotFound) {
		t.Error("IsKind should see through fmt.Errorf wrapping")
	}
	if IsKind(wrapped, KindConflict) {
		t.Error("IsKind matched the wrong kind")
	}
}

func TestKindOfUntyped(t *testing.T) {
	if got := KindOf(errors.New("plain")); got != KindFatal {
		t.Errorf("untyped errors should default to KindFatal, got %v", got)
	}
}

func TestRetryable(t *testing.T) {
	if !Retryable(New(KindTransientBackend, "op", errors.New("x"))) {
		t.Error("transient backend errors should be retryable")
	}
	if !Retryable(New(KindRateLimited, "op", errors.New("x"))) {
		t.Error("rate limited errors should be retryable")
	}
	if Retryable(New(KindInvalidInput, "op", errors.New("x"))) {
		t.Error("invalid input should not be retryable")
	}
	if Retryable(errors.New("plain")) {
		t.Error("untyped errors should not be retryable")
	}
}

func TestNewfMessage(t *testing.T) {
	err := Newf(KindInvalidInput, "segment.boundary", "split_index %d out of range", 9)
	if err.Error() == "" {
		t.Fatal("empty error message")
	}
	if !IsKind(err, KindInvalidInput) {
		t.Error("Newf lost its kind")
	}
}

func TestUnwrap(t *testing.T) {
	inner := errors.New("disk full")
	err := New(KindTransientBackend, "store.insert", inner)
	if !errors.Is(err, inner) {
		t.Error("errors.Is should reach the wrapped cause")
	}
}
