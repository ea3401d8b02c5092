// Package errors provides error handling for evalq.
//
// This package re-exports github.com/cockroachdb/errors and defines the
// sentinel taxonomy shared by the stores, the registry, the worker directory
// and the control-plane API:
//
//	ErrInvalidRequest   malformed input, rejected before touching state
//	ErrNotFound         unknown job or worker id
//	ErrUnauthorized     any failed credential check
//	ErrConflict         a state transition that is not allowed
//	ErrStoreUnavailable persistence failure; never reported as "not found"
//	ErrRateLimited      caller exceeded its request budget
//
// Sentinels are attached with Mark so that they survive any amount of
// wrapping and still match with Is.
package errors

import (
	crdb "github.com/cockroachdb/errors"
)

// Core error creation and wrapping
var (
	New          = crdb.New
	Newf         = crdb.Newf
	Wrap         = crdb.Wrap
	Wrapf        = crdb.Wrapf
	WithStack    = crdb.WithStack
	WithMessage  = crdb.WithMessage
	WithMessagef = crdb.WithMessagef
)

// User-facing messages and details
var (
	WithHint    = crdb.WithHint
	WithHintf   = crdb.WithHintf
	WithDetail  = crdb.WithDetail
	WithDetailf = crdb.WithDetailf
)

// Error inspection
var (
	Is             = crdb.Is
	IsAny          = crdb.IsAny
	As             = crdb.As
	Mark           = crdb.Mark
	UnwrapAll      = crdb.UnwrapAll
	GetAllHints    = crdb.GetAllHints
	FlattenDetails = crdb.FlattenDetails
)

// Assertions
var (
	AssertionFailedf = crdb.AssertionFailedf
)

var (
	// ErrInvalidRequest indicates the request was malformed or invalid
	ErrInvalidRequest = New("invalid request")

	// ErrNotFound indicates the requested entity does not exist
	ErrNotFound = New("not found")

	// ErrUnauthorized indicates a credential check failed
	ErrUnauthorized = New("unauthorized")

	// ErrConflict indicates the entity is not in a state that allows the operation
	ErrConflict = New("conflict")

	// ErrStoreUnavailable indicates the backing store could not serve the request
	ErrStoreUnavailable = New("store unavailable")

	// ErrRateLimited indicates the caller exceeded its request budget
	ErrRateLimited = New("rate limited")
)

// InvalidRequestf creates a validation error with a formatted message.
func InvalidRequestf(format string, args ...interface{}) error {
	return Mark(Newf(format, args...), ErrInvalidRequest)
}

// NotFoundf creates a not-found error with a formatted message.
func NotFoundf(format string, args ...interface{}) error {
	return Mark(Newf(format, args...), ErrNotFound)
}

// Conflictf creates a conflict error with a formatted message.
func Conflictf(format string, args ...interface{}) error {
	return Mark(Newf(format, args...), ErrConflict)
}

// Unavailable wraps a persistence failure so callers can tell it apart from
// absence. A nil err returns nil.
func Unavailable(err error, msg string) error {
	if err == nil {
		return nil
	}
	return Mark(Wrap(err, msg), ErrStoreUnavailable)
}

// IsNotFound checks if an error is or wraps ErrNotFound
func IsNotFound(err error) bool {
	return err != nil && Is(err, ErrNotFound)
}

// IsInvalidRequest checks if an error is or wraps ErrInvalidRequest
func IsInvalidRequest(err error) bool {
	return err != nil && Is(err, ErrInvalidRequest)
}

// IsConflict checks if an error is or wraps ErrConflict
func IsConflict(err error) bool {
	return err != nil && Is(err, ErrConflict)
}

// IsStoreUnavailable checks if an error is or wraps ErrStoreUnavailable
func IsStoreUnavailable(err error) bool {
	return err != nil && Is(err, ErrStoreUnavailable)
}
