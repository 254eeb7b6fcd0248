// Package apierrors implements the error taxonomy shared by the sandbox
// and the orchestrator: a small set of classification codes, wrapped
// errors that preserve their cause across multiple layers, and an
// aggregate type for batch operations that partially fail.
package apierrors

import (
	"errors"
	"fmt"
	"strings"

	pkgerrors "github.com/pkg/errors"
)

// Code classifies an error for programmatic handling. The CLI and
// control-channel clients switch on this rather than string-matching
// messages.
type Code string

const (
	InvalidArgument Code = "invalidArgument"
	InvalidState    Code = "invalidState"
	NotFound        Code = "notFound"
	Exists          Code = "exists"
	Unsupported     Code = "unsupported"
	Interrupted     Code = "interrupted"
	Empty           Code = "empty"
	InternalError   Code = "internalError"
)

// Error wraps an underlying cause with a classification code and a
// human-readable message, following the teacher's fmt.Errorf("...: %w")
// convention but keeping the code recoverable after wrapping.
type Error struct {
	code    Code
	message string
	cause   error
}

// New creates an Error with no cause.
func New(code Code, message string) *Error {
	return &Error{code: code, message: message}
}

// Wrap creates an Error that preserves cause for Unwrap/Cause/errors.Is.
// The cause is annotated with a stack trace via github.com/pkg/errors so
// a logged error still points at its origin after crossing several
// layers of wrapping (control channel -> sandbox -> orchestrator).
func Wrap(code Code, message string, cause error) *Error {
	if cause != nil {
		if _, hasStack := cause.(interface{ StackTrace() pkgerrors.StackTrace }); !hasStack {
			cause = pkgerrors.WithStack(cause)
		}
	}
	return &Error{code: code, message: message, cause: cause}
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %v", e.message, e.cause)
	}
	return e.message
}

// Unwrap supports errors.Is/errors.As over the wrapped cause.
func (e *Error) Unwrap() error { return e.cause }

// Cause supports github.com/pkg/errors-style cause extraction.
func (e *Error) Cause() error { return e.cause }

// Code returns the error's classification.
func (e *Error) Code() Code { return e.code }

// IsCode reports whether err (or any error it wraps) carries the given
// code. Errors produced outside this package are never matched, by
// design: the taxonomy is the sandbox/orchestrator's own contract, not
// a general-purpose classifier over arbitrary library errors.
func IsCode(err error, code Code) bool {
	var apiErr *Error
	if errors.As(err, &apiErr) {
		return apiErr.code == code
	}
	return false
}

// CodeOf returns the code of err, or InternalError if err does not
// carry one of its own.
func CodeOf(err error) Code {
	var apiErr *Error
	if errors.As(err, &apiErr) {
		return apiErr.code
	}
	return InternalError
}

// Aggregate collects per-id failures from a batch operation (delete,
// stop, kill across several ids per §7) while still letting the caller
// see which ids succeeded.
type Aggregate struct {
	Succeeded []string
	Failures  map[string]error
}

// NewAggregate returns an empty Aggregate.
func NewAggregate() *Aggregate {
	return &Aggregate{Failures: make(map[string]error)}
}

// Add records the outcome of operating on id.
func (a *Aggregate) Add(id string, err error) {
	if err == nil {
		a.Succeeded = append(a.Succeeded, id)
		return
	}
	a.Failures[id] = err
}

// ErrorOrNil returns nil if every id succeeded, otherwise an error
// enumerating every failed id and its cause.
func (a *Aggregate) ErrorOrNil() error {
	if len(a.Failures) == 0 {
		return nil
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%d of %d operations failed:", len(a.Failures), len(a.Failures)+len(a.Succeeded))
	for id, err := range a.Failures {
		fmt.Fprintf(&b, "\n  %s: %v", id, err)
	}
	return New(InternalError, b.String())
}
