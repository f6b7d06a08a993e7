// Package faults defines the error taxonomy shared by the pipeline stages,
// the checkpoint store and the capability adapters.
package faults

import (
	"context"
	"fmt"

	"github.com/cockroachdb/errors"
)

// Kind classifies a failure for retry and reporting decisions.
type Kind string

const (
	KindValidation Kind = "validation"
	KindCapability Kind = "capability"
	KindRecovery   Kind = "recovery"
	KindCancelled  Kind = "cancelled"
	KindUnknown    Kind = "unknown"
)

// ErrNotAvailable is returned by a capability that cannot serve a request at
// all (no outline in the document, no assist configured). It is not fatal:
// callers switch to their next strategy.
var ErrNotAvailable = errors.New("capability not available")

// ErrCancelled marks a run stopped by a cooperative cancel request.
var ErrCancelled = errors.New("pipeline cancelled")

// ErrPermanent marks a capability failure that another attempt with the same
// input cannot fix, such as a rejected request or bad credentials.
var ErrPermanent = errors.New("permanent failure")

// Permanent marks err as not worth retrying. A nil err stays nil.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

type permanentError struct{ err error }

func (e *permanentError) Error() string        { return e.err.Error() }
func (e *permanentError) Unwrap() error        { return e.err }
func (e *permanentError) Is(target error) bool { return target == ErrPermanent }

// ValidationError reports a violated invariant on pipeline data.
type ValidationError struct {
	Stage  string // empty when raised outside a stage
	Rule   string
	Detail string
}

func (e *ValidationError) Error() string {
	if e.Stage != "" {
		return fmt.Sprintf("validation failed [%s/%s]: %s", e.Stage, e.Rule, e.Detail)
	}
	return fmt.Sprintf("validation failed [%s]: %s", e.Rule, e.Detail)
}

// Validation builds a ValidationError.
func Validation(stage, rule, format string, args ...any) error {
	return &ValidationError{Stage: stage, Rule: rule, Detail: fmt.Sprintf(format, args...)}
}

// CapabilityError reports a failed or timed-out external capability call.
type CapabilityError struct {
	Capability string
	Op         string
	Timeout    bool
	Err        error
}

func (e *CapabilityError) Error() string {
	if e.Timeout {
		return fmt.Sprintf("%s.%s timed out: %v", e.Capability, e.Op, e.Err)
	}
	return fmt.Sprintf("%s.%s failed: %v", e.Capability, e.Op, e.Err)
}

func (e *CapabilityError) Unwrap() error { return e.Err }

// Capability wraps err as a CapabilityError. A nil err stays nil. Deadline
// errors are flagged as timeouts.
func Capability(capability, op string, err error) error {
	if err == nil {
		return nil
	}
	var ce *CapabilityError
	if errors.As(err, &ce) {
		return err
	}
	return &CapabilityError{
		Capability: capability,
		Op:         op,
		Timeout:    errors.Is(err, context.DeadlineExceeded),
		Err:        err,
	}
}

// RecoveryError reports that no usable snapshot exists for a session.
type RecoveryError struct {
	SessionID string
	Err       error
}

func (e *RecoveryError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("no recoverable checkpoint for session %s", e.SessionID)
	}
	return fmt.Sprintf("no recoverable checkpoint for session %s: %v", e.SessionID, e.Err)
}

func (e *RecoveryError) Unwrap() error { return e.Err }

// KindOf classifies err. Wrapped errors are inspected through the chain.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var (
		ve *ValidationError
		ce *CapabilityError
		re *RecoveryError
	)
	switch {
	case errors.Is(err, ErrCancelled), errors.Is(err, context.Canceled):
		return KindCancelled
	case errors.As(err, &ve):
		return KindValidation
	case errors.As(err, &re):
		return KindRecovery
	case errors.As(err, &ce), errors.Is(err, ErrNotAvailable):
		return KindCapability
	}
	return KindUnknown
}

// IsRetryable reports whether another attempt may succeed. Validation
// failures, unavailable capabilities and errors marked Permanent are not.
func IsRetryable(err error) bool {
	if err == nil || errors.Is(err, ErrNotAvailable) || errors.Is(err, ErrPermanent) {
		return false
	}
	var ce *CapabilityError
	return errors.As(err, &ce)
}
