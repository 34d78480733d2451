// Package ferrors defines the FamilyOS error taxonomy.
//
// Every failure that crosses a component boundary is wrapped in a
// FamilyOSError carrying a closed Kind, so callers can switch on failure
// category without parsing strings. Kinds mirror the taxonomy in the
// design's error-handling section: validation, policy denial, conflict,
// unavailable, exhausted, internal, and timeout.
package ferrors

import (
	"errors"
	"fmt"
)

// Kind is a closed enumeration of FamilyOS error categories.
type Kind string

const (
	// KindValidation marks malformed input: a missing required field, an
	// out-of-range value, an envelope that fails schema checks.
	KindValidation Kind = "validation"

	// KindPolicyDenied marks a Policy Gate DENY decision.
	KindPolicyDenied Kind = "policy_denied"

	// KindConflict marks an idempotency or ordering conflict: a duplicate
	// idempotency_key with different payload, a causally-unready CRDT op.
	KindConflict Kind = "conflict"

	// KindUnavailable marks a dependency that is temporarily down: storage
	// open failure, a sync peer unreachable.
	KindUnavailable Kind = "unavailable"

	// KindExhausted marks a resource budget hit: back-pressure on the Bus,
	// a sandbox CPU/time budget, a token bucket at zero.
	KindExhausted Kind = "exhausted"

	// KindInternal marks a bug or invariant violation that should never
	// happen in a correctly operating system.
	KindInternal Kind = "internal"

	// KindTimeout marks a blocking operation that exceeded its deadline.
	KindTimeout Kind = "timeout"
)

// FamilyOSError is the single error type returned across component
// boundaries. Context carries structured fields for logging (topic, pid,
// space_id, etc.) without building ad-hoc format strings.
type FamilyOSError struct {
	Kind    Kind
	Op      string // the operation that failed, e.g. "bus.publish"
	Cause   error
	Context map[string]any
}

func (e *FamilyOSError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Kind)
}

func (e *FamilyOSError) Unwrap() error { return e.Cause }

// New constructs a FamilyOSError with no wrapped cause.
func New(kind Kind, op string, ctx map[string]any) *FamilyOSError {
	return &FamilyOSError{Kind: kind, Op: op, Context: ctx}
}

// Wrap constructs a FamilyOSError wrapping cause. If cause is already a
// FamilyOSError with the same Op, it is returned unchanged.
func Wrap(kind Kind, op string, cause error, ctx map[string]any) *FamilyOSError {
	var existing *FamilyOSError
	if errors.As(cause, &existing) && existing.Op == op {
		return existing
	}
	return &FamilyOSError{Kind: kind, Op: op, Cause: cause, Context: ctx}
}

// KindOf returns the Kind of err if it is (or wraps) a FamilyOSError, and
// ok=false otherwise.
func KindOf(err error) (Kind, bool) {
	var fe *FamilyOSError
	if errors.As(err, &fe) {
		return fe.Kind, true
	}
	return "", false
}

// Is reports whether err is a FamilyOSError of the given kind.
func Is(err error, kind Kind) bool {
	k, ok := KindOf(err)
	return ok && k == kind
}
