package core

import (
	"errors"
	"fmt"
)

// Error kinds. Wrap them with NewError and test with errors.Is.
var (
	ErrTransientConnection  = errors.New("transient connection error")
	ErrAuthentication       = errors.New("authentication error")
	ErrMalformedMessage     = errors.New("malformed message")
	ErrValidationRegression = errors.New("model validation regression")
	ErrSchemaMismatch       = errors.New("feature schema version mismatch")
	ErrNoActiveModel        = errors.New("no active model snapshot")
	ErrNotFound             = errors.New("not found")
)

// Error carries a kind and the operation that failed
type Error struct {
	Kind error
	Op   string
	Err  error
}

// NewError wraps err with a kind and operation name
func NewError(kind error, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %v", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %v: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// KindOf returns the kind of err, or nil when err is not classified
func KindOf(err error) error {
	for _, kind := range []error{
		ErrAuthentication,
		ErrTransientConnection,
		ErrMalformedMessage,
		ErrValidationRegression,
		ErrSchemaMismatch,
		ErrNoActiveModel,
		ErrNotFound,
	} {
		if errors.Is(err, kind) {
			return kind
		}
	}
	return nil
}
