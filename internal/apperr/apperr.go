// Package apperr defines the error taxonomy shared by the ingestion,
// consumption and read paths.
//
// Callers classify with errors.Is against the Kind sentinels:
//
//	if errors.Is(err, apperr.NotFound) { ... }
package apperr

import (
	"context"
	"errors"
	"strings"
)

// Kind classifies an error. Kinds are comparable sentinels.
type Kind string

func (k Kind) Error() string { return string(k) }

const (
	// Validation marks client input that failed validation.
	Validation Kind = "validation error"
	// NotFound marks a lookup with no matching row.
	NotFound Kind = "not found"
	// Dependency marks a broker, store or cache failure, timeouts included.
	Dependency Kind = "dependency error"
	// Malformed marks a queue payload that cannot be parsed.
	Malformed Kind = "malformed message"
	// Rejected marks data the store refused permanently. Retrying the
	// same input cannot succeed.
	Rejected Kind = "rejected by store"
)

// Error is a classified error carrying the failing operation.
type Error struct {
	Kind Kind
	Op   string
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	var b strings.Builder
	if e.Op != "" {
		b.WriteString(e.Op)
		b.WriteString(": ")
	}
	switch {
	case e.Msg != "":
		b.WriteString(e.Msg)
	default:
		b.WriteString(string(e.Kind))
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches the error's Kind so errors.Is(err, apperr.NotFound) works
// through any amount of wrapping.
func (e *Error) Is(target error) bool {
	k, ok := target.(Kind)
	return ok && k == e.Kind
}

// Validationf returns a Validation error with a client-facing message.
func Validationf(op, msg string) error {
	return &Error{Kind: Validation, Op: op, Msg: msg}
}

// NotFoundf returns a NotFound error with a client-facing message.
func NotFoundf(op, msg string) error {
	return &Error{Kind: NotFound, Op: op, Msg: msg}
}

// Dep wraps err as a Dependency error. A nil err yields nil.
func Dep(op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: Dependency, Op: op, Err: err}
}

// Reject wraps err as a Rejected error.
func Reject(op string, err error) error {
	return &Error{Kind: Rejected, Op: op, Err: err}
}

// Malformedf wraps a payload parsing failure.
func Malformedf(op, msg string, err error) error {
	return &Error{Kind: Malformed, Op: op, Msg: msg, Err: err}
}

// KindOf returns the Kind of err. Unclassified errors, context deadline
// and cancellation included, are reported as Dependency.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Dependency
}

// Timeout reports whether err was caused by a context deadline.
func Timeout(err error) bool {
	return errors.Is(err, context.DeadlineExceeded)
}

// Message returns the client-facing text of a Validation or NotFound
// error. Anything else is reported with a generic message.
func Message(err error) string {
	var e *Error
	if errors.As(err, &e) && (e.Kind == Validation || e.Kind == NotFound) && e.Msg != "" {
		return e.Msg
	}
	return "an internal error occurred"
}
