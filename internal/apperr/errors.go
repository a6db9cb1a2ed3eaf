// Package apperr holds sentinel errors and the failure taxonomy used to route
// pipeline errors: transient failures are retried, deferred ones wait for the
// next sweep, permanent ones go to the error bucket and partial ones only
// degrade the output.
package apperr

import (
	"context"
	"errors"
	"fmt"
)

var (
	ErrNotFound      = errors.New("not found")
	ErrAlreadyExists = errors.New("already exists")
)

// Kind classifies a failure.
type Kind uint8

// Failure kinds.
const (
	KindUnknown Kind = iota
	KindTransient
	KindDeferred
	KindPermanent
	KindPartial
)

// String returns the kind name.
func (k Kind) String() string {
	switch k {
	case KindTransient:
		return "transient"
	case KindDeferred:
		return "deferred"
	case KindPermanent:
		return "permanent"
	case KindPartial:
		return "partial"
	default:
		return "unknown"
	}
}

// Error attaches a Kind to an underlying error.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Op == "" {
		return e.Err.Error()
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func wrap(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// Transient marks err as retryable.
func Transient(op string, err error) error { return wrap(KindTransient, op, err) }

// Deferred marks err as retryable on the next sweep only.
func Deferred(op string, err error) error { return wrap(KindDeferred, op, err) }

// Permanent marks err as a content failure that will not heal by retrying.
func Permanent(op string, err error) error { return wrap(KindPermanent, op, err) }

// Partial marks err as a degraded-but-usable result.
func Partial(op string, err error) error { return wrap(KindPartial, op, err) }

// KindOf returns the outermost Kind attached to err. Deadline errors without
// an explicit kind count as transient.
func KindOf(err error) Kind {
	if err == nil {
		return KindUnknown
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTransient
	}
	return KindUnknown
}

// IsTransient reports whether err should be retried in place.
func IsTransient(err error) bool { return KindOf(err) == KindTransient }

// IsPermanent reports whether err should route the item to the error bucket.
func IsPermanent(err error) bool { return KindOf(err) == KindPermanent }
