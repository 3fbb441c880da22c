// Package dberr defines the typed error kinds shared across the collection
// engine, storage adapters, WAL, transaction manager, and subscription core.
package dberr

import (
	"errors"
	"fmt"
)

// Kind identifies a category of failure. Callers should branch on Kind via
// errors.As(err, &dbErr) rather than string-matching error messages.
type Kind string

const (
	KindNotFound           Kind = "not_found"
	KindValidation         Kind = "validation_error"
	KindUniqueViolation    Kind = "unique_violation"
	KindRequiredViolation  Kind = "required_violation"
	KindAuthorizationDenied Kind = "authorization_denied"
	KindRateLimited        Kind = "rate_limited"
	KindTransactionAborted Kind = "transaction_aborted"
	KindWalCorruption      Kind = "wal_corruption"
	KindWalIoError         Kind = "wal_io_error"
	KindAdapterIoError     Kind = "adapter_io_error"
	KindEngineNotRunning   Kind = "engine_not_running"
	KindResourceExhausted  Kind = "resource_exhausted"
)

// Error is the concrete error type carried across package boundaries.
type Error struct {
	Kind    Kind
	Op      string // the operation that failed, e.g. "collection.push"
	Subject string // the entity involved, e.g. a record id or index name
	Err     error  // wrapped cause, may be nil
}

func (e *Error) Error() string {
	if e.Err == nil {
		if e.Subject == "" {
			return fmt.Sprintf("%s: %s", e.Op, e.Kind)
		}
		return fmt.Sprintf("%s: %s: %s", e.Op, e.Kind, e.Subject)
	}
	if e.Subject == "" {
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %s: %s: %v", e.Op, e.Kind, e.Subject, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Is allows errors.Is(err, dberr.NotFound) style sentinel comparisons by
// matching on Kind alone when the target is a bare *Error with only Kind set.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && t.Op == "" && t.Subject == ""
}

// New constructs an *Error without a wrapped cause.
func New(kind Kind, op, subject string) *Error {
	return &Error{Kind: kind, Op: op, Subject: subject}
}

// Wrap constructs an *Error wrapping an underlying cause.
func Wrap(kind Kind, op, subject string, err error) *Error {
	return &Error{Kind: kind, Op: op, Subject: subject, Err: err}
}

// KindOf extracts the Kind of err if it is (or wraps) a *Error, and ok=false
// otherwise.
func KindOf(err error) (Kind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	return "", false
}

// Is reports whether err is, or wraps, an *Error of the given kind.
func Is(err error, kind Kind) bool {
	k, ok := KindOf(err)
	return ok && k == kind
}

// Sentinels usable with errors.Is(err, dberr.NotFound) for the common kinds.
var (
	NotFound            = &Error{Kind: KindNotFound}
	Validation           = &Error{Kind: KindValidation}
	UniqueViolation      = &Error{Kind: KindUniqueViolation}
	RequiredViolation    = &Error{Kind: KindRequiredViolation}
	AuthorizationDenied  = &Error{Kind: KindAuthorizationDenied}
	RateLimited          = &Error{Kind: KindRateLimited}
	TransactionAborted   = &Error{Kind: KindTransactionAborted}
	WalCorruption        = &Error{Kind: KindWalCorruption}
	WalIoError           = &Error{Kind: KindWalIoError}
	AdapterIoError       = &Error{Kind: KindAdapterIoError}
	EngineNotRunning     = &Error{Kind: KindEngineNotRunning}
	ResourceExhausted    = &Error{Kind: KindResourceExhausted}
)
