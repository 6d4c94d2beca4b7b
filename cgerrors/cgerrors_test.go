package cgerrors

import (
	"errors"
	"fmt"
	"testing"
)

func TestErrorString(t *testing.T) {
	e := New(CodeNotFound, "bucket missing")
	if got := e.Error(); got != "NOT_FOUND: bucket missing" {
		t.Fatalf("unexpected error string: %q", got)
	}
	wrapped := Wrap(CodeInternal, "boom", errors.New("disk on fire"))
	if got := wrapped.Error(); got != "INTERNAL_ERROR: boom: disk on fire" {
		t.Fatalf("unexpected wrapped string: %q", got)
	}
}

func TestAsThroughChain(t *testing.T) {
	base := New(CodeForbidden, "nope")
	chained := fmt.Errorf("handler: %w", base)
	e, ok := As(chained)
	if !ok {
		t.Fatalf("expected typed error through chain")
	}
	if e.Code != CodeForbidden {
		t.Fatalf("code = %s, want FORBIDDEN", e.Code)
	}
}

func TestInternalize(t *testing.T) {
	if Internalize(nil) != nil {
		t.Fatalf("nil should stay nil")
	}
	typed := New(CodeRateLimited, "slow down").WithDetails(map[string]any{"retryAfterMs": 250})
	if got := Internalize(typed); got != typed {
		t.Fatalf("typed errors must pass through unchanged")
	}
	plain := errors.New("pq: connection reset")
	got := Internalize(plain)
	if got.Code != CodeInternal {
		t.Fatalf("code = %s, want INTERNAL_ERROR", got.Code)
	}
	if got.Message != "internal error" {
		t.Fatalf("generic message expected, got %q", got.Message)
	}
	if !errors.Is(got, plain) {
		t.Fatalf("cause should remain reachable via errors.Is")
	}
}

func TestWithDetailsCopies(t *testing.T) {
	e := New(CodeRateLimited, "limit")
	d := e.WithDetails(map[string]any{"retryAfterMs": 100})
	if e.Details != nil {
		t.Fatalf("original must not gain details")
	}
	if d.Details == nil {
		t.Fatalf("copy should carry details")
	}
}

func TestCodeOf(t *testing.T) {
	if CodeOf(errors.New("x")) != CodeInternal {
		t.Fatalf("untyped should map to INTERNAL_ERROR")
	}
	if CodeOf(New(CodeConflict, "c")) != CodeConflict {
		t.Fatalf("typed should keep its code")
	}
}
