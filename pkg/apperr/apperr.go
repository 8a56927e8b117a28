// Package apperr is the error taxonomy shared by every deal lifecycle
// component. Handlers map kinds to HTTP statuses; callers branch on kind to
// decide retry vs terminal failure.
package apperr

import (
	"errors"
	"fmt"
)

type Kind int

const (
	Validation Kind = iota
	Authorization
	NotFound
	Conflict
	ExternalService
	State
)

func (k Kind) Code() string {
	switch k {
	case Validation:
		return "VALIDATION_ERROR"
	case Authorization:
		return "NOT_AUTHORIZED"
	case NotFound:
		return "NOT_FOUND"
	case Conflict:
		return "CONFLICT"
	case ExternalService:
		return "EXTERNAL_SERVICE_ERROR"
	case State:
		return "INVALID_STATE"
	}
	return "INTERNAL_ERROR"
}

type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind.Code(), e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind.Code(), e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

func Wrap(kind Kind, err error, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Err: err}
}

// KindOf reports the kind of err if it is (or wraps) an *Error.
func KindOf(err error) (Kind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	return 0, false
}

func IsKind(err error, kind Kind) bool {
	k, ok := KindOf(err)
	return ok && k == kind
}

// Retryable reports whether the caller may retry the operation as-is.
// External service failures and conflicts (stale read) are retryable;
// validation, authorization, and state errors are terminal.
func Retryable(err error) bool {
	k, ok := KindOf(err)
	if !ok {
		return false
	}
	return k == ExternalService || k == Conflict
}
