package faults

import (
	"context"
	"fmt"
	"testing"

	"github.com/cockroachdb/errors"
)

func TestKindOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Kind
	}{
		{"nil", nil, ""},
		{"validation", Validation("structure", "disjoint", "page 3"), KindValidation},
		{"wrapped validation", errors.Wrap(Validation("", "kind", "x"), "stage"), KindValidation},
		{"capability", Capability("source", "text", fmt.Errorf("boom")), KindCapability},
		{"not available", fmt.Errorf("hints: %w", ErrNotAvailable), KindCapability},
		{"recovery", &RecoveryError{SessionID: "s"}, KindRecovery},
		{"cancelled", ErrCancelled, KindCancelled},
		{"plain", fmt.Errorf("plain"), KindUnknown},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := KindOf(tt.err); got != tt.want {
				t.Errorf("expected %q, got %q", tt.want, got)
			}
		})
	}
}

func TestCapability_Timeout(t *testing.T) {
	err := Capability("renderer", "render", fmt.Errorf("call: %w", context.DeadlineExceeded))
	var ce *CapabilityError
	if !errors.As(err, &ce) {
		t.Fatalf("expected CapabilityError, got %T", err)
	}
	if !ce.Timeout {
		t.Error("expected timeout flag")
	}
	if !IsRetryable(err) {
		t.Error("timeouts should be retryable")
	}
}

func TestCapability_NoDoubleWrap(t *testing.T) {
	inner := Capability("a", "op", fmt.Errorf("x"))
	outer := Capability("b", "op2", inner)
	var ce *CapabilityError
	errors.As(outer, &ce)
	if ce.Capability != "a" {
		t.Errorf("expected innermost capability a, got %q", ce.Capability)
	}
	if Capability("a", "op", nil) != nil {
		t.Error("nil error should stay nil")
	}
}

func TestIsRetryable(t *testing.T) {
	if IsRetryable(Validation("", "r", "d")) {
		t.Error("validation is not retryable")
	}
	if IsRetryable(Capability("s", "hints", ErrNotAvailable)) {
		t.Error("not-available is not retryable")
	}
	if !IsRetryable(Capability("s", "text", fmt.Errorf("io"))) {
		t.Error("capability failure should be retryable")
	}
	if IsRetryable(Capability("assist", "suggest", fmt.Errorf("call: %w", Permanent(fmt.Errorf("status 401"))))) {
		t.Error("a permanent failure is not retryable")
	}
	if Permanent(nil) != nil {
		t.Error("nil error should stay nil")
	}
}
