// Package apperr defines the error kinds shared by all checkout domains.
//
// Domain packages declare their sentinels with New and return typed errors
// implementing Kinded. Transport layers map a Kind to a response status with
// KindOf, which walks the wrap chain.
package apperr

import (
	"fmt"

	"github.com/go-faster/errors"
)

// Kind classifies an error by who is at fault and whether compensation ran.
type Kind string

const (
	// Unknown is returned by KindOf for errors that carry no kind.
	Unknown Kind = ""
	// Validation is malformed input. No side effects occurred.
	Validation Kind = "validation"
	// NotFound is a missing cart, order, coupon or wallet.
	NotFound Kind = "not_found"
	// Conflict is a business rule rejection: insufficient stock or balance,
	// coupon limit reached, illegal status transition, concurrent update.
	Conflict Kind = "conflict"
	// External is a payment gateway failure or timeout.
	External Kind = "external"
	// Invariant is a broken internal invariant. It must never be swallowed.
	Invariant Kind = "invariant"
)

// Kinded is implemented by errors that know their Kind.
type Kinded interface {
	error
	Kind() Kind
}

// Error is a message with a kind and an optional cause.
type Error struct {
	kind Kind
	msg  string
	err  error
}

// New returns a sentinel error of the given kind.
func New(kind Kind, msg string) error {
	return &Error{kind: kind, msg: msg}
}

// Errorf formats a new error of the given kind. A %w verb wraps its operand.
func Errorf(kind Kind, format string, args ...any) error {
	wrapped := fmt.Errorf(format, args...)
	return &Error{kind: kind, msg: wrapped.Error(), err: errors.Unwrap(wrapped)}
}

// Wrap attaches a kind to err, keeping err in the chain.
func Wrap(kind Kind, err error, msg string) error {
	if err == nil {
		return nil
	}
	return &Error{kind: kind, msg: msg + ": " + err.Error(), err: err}
}

func (e *Error) Error() string { return e.msg }

// Kind returns the error kind.
func (e *Error) Kind() Kind { return e.kind }

func (e *Error) Unwrap() error { return e.err }

// KindOf returns the kind of the first Kinded error in err's chain.
func KindOf(err error) Kind {
	var k Kinded
	if errors.As(err, &k) {
		return k.Kind()
	}
	return Unknown
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}
