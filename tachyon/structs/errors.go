// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package structs

import (
	"errors"
	"fmt"
)

// ErrorKind is the closed set of failure categories surfaced by the
// service. Capacity misses and constraint failures during planning are
// not errors; they shrink the candidate set silently. Kinds exist for
// malformed input, contract violations and store failures.
type ErrorKind string

const (
	// ErrKindBadRequest is malformed input: bad identifier, unknown
	// resource class, inconsistent request shape.
	ErrKindBadRequest ErrorKind = "bad_request"

	// ErrKindNotFound is an unknown identifier.
	ErrKindNotFound ErrorKind = "not_found"

	// ErrKindConflictGeneration means the caller's generation is stale.
	// Re-read and retry.
	ErrKindConflictGeneration ErrorKind = "conflict_generation"

	// ErrKindConflictUniqueness is a name or UUID collision. Not
	// retryable.
	ErrKindConflictUniqueness ErrorKind = "conflict_uniqueness"

	// ErrKindOutOfCapacity means capacity was exhausted between planning
	// and claiming. Re-plan.
	ErrKindOutOfCapacity ErrorKind = "out_of_capacity"

	// ErrKindInvalidState is a contract violation against current state,
	// for example appending to a non-active session.
	ErrKindInvalidState ErrorKind = "invalid_state"

	// ErrKindDeadlineExceeded is an operation timeout with partial work
	// rolled back.
	ErrKindDeadlineExceeded ErrorKind = "deadline_exceeded"

	// ErrKindTransient is a store-level retryable failure.
	ErrKindTransient ErrorKind = "transient"

	// ErrKindFatal is an unrecoverable store or schema error.
	ErrKindFatal ErrorKind = "fatal"
)

// Error is the service error type: a kind from the closed taxonomy plus
// a human readable detail.
type Error struct {
	Kind   ErrorKind
	Detail string
}

func (e *Error) Error() string {
	return e.Detail
}

// Retryable reports whether the caller may retry the same operation
// after re-reading state.
func (e *Error) Retryable() bool {
	switch e.Kind {
	case ErrKindConflictGeneration, ErrKindTransient:
		return true
	default:
		return false
	}
}

// NewErr builds an error of the given kind.
func NewErr(kind ErrorKind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Detail: fmt.Sprintf(format, args...)}
}

// NewErrNotFound reports an unknown identifier.
func NewErrNotFound(entity, id string) *Error {
	return NewErr(ErrKindNotFound, "%s %q not found", entity, id)
}

// NewErrGenerationConflict reports a stale generation on an entity.
func NewErrGenerationConflict(entity, id string, expected, actual uint64) *Error {
	return NewErr(ErrKindConflictGeneration,
		"%s %q generation conflict: expected %d, found %d", entity, id, expected, actual)
}

// NewErrUniqueness reports a name or UUID collision.
func NewErrUniqueness(entity, key string) *Error {
	return NewErr(ErrKindConflictUniqueness, "%s %q already exists", entity, key)
}

// NewErrOutOfCapacity reports capacity exhaustion at claim time.
func NewErrOutOfCapacity(providerID, class string, detail error) *Error {
	return NewErr(ErrKindOutOfCapacity,
		"out of capacity on provider %s for %s: %v", providerID, class, detail)
}

// KindOf extracts the taxonomy kind from err, defaulting to fatal for
// foreign errors so unexpected failures are never silently retried.
func KindOf(err error) ErrorKind {
	var terr *Error
	if errors.As(err, &terr) {
		return terr.Kind
	}
	return ErrKindFatal
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind ErrorKind) bool {
	return KindOf(err) == kind
}

// IsErrNotFound is a convenience predicate for the most common check.
func IsErrNotFound(err error) bool {
	return IsKind(err, ErrKindNotFound)
}

// IsRetryable reports whether the error kind invites a retry.
func IsRetryable(err error) bool {
	var terr *Error
	if errors.As(err, &terr) {
		return terr.Retryable()
	}
	return false
}
