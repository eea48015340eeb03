// Package faults defines the ledger error taxonomy.
//
// Every failure a command can produce carries a Kind. Callers receive the
// serializable Record form; internal code matches kinds with errors.Is
// against the Kind sentinels or with KindOf.
package faults

import (
	"errors"
	"fmt"
)

// Kind classifies a failure.
type Kind string

const (
	KindValidation          Kind = "ValidationError"
	KindNotFound            Kind = "NotFoundError"
	KindInvalidTransition   Kind = "InvalidStateTransition"
	KindInsufficientBudget  Kind = "InsufficientBudget"
	KindKeyReuse            Kind = "IdempotencyKeyReuseConflict"
	KindConcurrencyConflict Kind = "ConcurrencyConflict"
	KindRetryable           Kind = "RetryableError"
	KindInvariantViolation  Kind = "InvariantViolation"
	KindVoucherNotTentative Kind = "VoucherNotTentative"
	KindVoucherExpired      Kind = "VoucherExpired"
	KindClosePrecondition   Kind = "ClosePreconditionFailed"
	KindInternal            Kind = "InternalError"
)

// Error implements error for a Kind. Two kinds are equal under errors.Is.
func (k Kind) Error() string { return string(k) }

// Error is a classified failure.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Message == "" {
		return string(e.Kind)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// Is matches a Kind sentinel or another *Error of the same kind.
func (e *Error) Is(target error) bool {
	switch t := target.(type) {
	case Kind:
		return e.Kind == t
	case *Error:
		return e.Kind == t.Kind
	}
	return false
}

// New builds an error of the given kind.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap classifies cause under kind.
func Wrap(kind Kind, cause error, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Cause: cause}
}

func Validation(format string, args ...any) *Error {
	return New(KindValidation, format, args...)
}

func NotFound(format string, args ...any) *Error {
	return New(KindNotFound, format, args...)
}

// InvalidTransition names the attempted transition and the current state.
func InvalidTransition(aggregate, transition string, current any) *Error {
	return New(KindInvalidTransition, "%s: cannot %s from state %v", aggregate, transition, current)
}

func Invariant(format string, args ...any) *Error {
	return New(KindInvariantViolation, format, args...)
}

// KindOf classifies any error. Unclassified errors are KindInternal.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	var k Kind
	if errors.As(err, &k) {
		return k
	}
	return KindInternal
}

// Retryable reports whether a client may retry the same request.
func Retryable(err error) bool {
	switch KindOf(err) {
	case KindRetryable, KindConcurrencyConflict:
		return true
	}
	return false
}

// Definitive reports whether the failure is a final outcome of the command
// that must be replayed identically on retry.
func Definitive(err error) bool {
	switch KindOf(err) {
	case KindNotFound, KindInvalidTransition, KindInsufficientBudget,
		KindVoucherNotTentative, KindVoucherExpired, KindClosePrecondition,
		KindInvariantViolation, KindValidation:
		return true
	}
	return false
}

// Record is the caller-facing {errorKind, message} form.
type Record struct {
	Kind    Kind   `json:"errorKind"`
	Message string `json:"message"`
}

// ToRecord converts err into its Record.
func ToRecord(err error) Record {
	kind := KindOf(err)
	var fe *Error
	if errors.As(err, &fe) && fe.Message != "" {
		return Record{Kind: kind, Message: fe.Message}
	}
	return Record{Kind: kind, Message: err.Error()}
}

// Err rebuilds the error a Record describes.
func (r Record) Err() error {
	return &Error{Kind: r.Kind, Message: r.Message}
}
