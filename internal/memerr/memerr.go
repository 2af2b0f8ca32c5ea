// Package memerr defines the typed error taxonomy shared by all memory
// components. Adapters classify transport failures into kinds; callers
// match on kind instead of inspecting error strings.
package memerr

import (
	"errors"
	"fmt"
)

// Kind classifies a failure.
type Kind int

const (
	// KindInvalidInput is a malformed request or missing required field.
	KindInvalidInput Kind = iota
	// KindNotFound means the requested record does not exist.
	KindNotFound
	// KindConflict is a duplicate-id write (tolerated as an idempotent no-op).
	KindConflict
	// KindTransientBackend is a store/index/LLM transport failure that
	// survived adapter-level retries.
	KindTransientBackend
	// KindExtraction means the LLM returned schema-invalid output after all
	// parse retries.
	KindExtraction
	// KindRateLimited is a 429-style rejection, surfaced only after jittered
	// retries are exhausted.
	KindRateLimited
	// KindFatal is an internal invariant violation; the task must not be
	// retried automatically.
	KindFatal
)

// String returns the kind name used in logs and API error codes.
func (k Kind) String() string {
	switch k {
	case KindInvalidInput:
		return "invalid_input"
	case KindNotFound:
		return "not_found"
	case KindConflict:
		return "conflict"
	case KindTransientBackend:
		return "transient_backend"
	case KindExtraction:
		return "extraction_error"
	case KindRateLimited:
		return "rate_limited"
	case KindFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// Error is a classified failure. Op names the operation that failed
// ("segment.detect", "store.append") for log correlation.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches two classified errors by kind, so sentinel comparisons like
// errors.Is(err, memerr.New(memerr.KindConflict, "", nil)) work.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return e.Kind == t.Kind
}

// New wraps err with a kind and operation name.
func New(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Newf is New with a formatted message instead of a wrapped error.
func Newf(kind Kind, op, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

// KindOf extracts the kind from err, or KindFatal for unclassified errors.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindFatal
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind Kind) bool {
	var e *Error
	return errors.As(err, &e) && e.Kind == kind
}

// Retryable reports whether a single worker-level retry is permitted for err.
// Extraction and fatal errors require a caller re-submit.
func Retryable(err error) bool {
	switch KindOf(err) {
	case KindTransientBackend, KindRateLimited:
		return true
	default:
		return false
	}
}
