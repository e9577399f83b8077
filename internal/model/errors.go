package model

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound        = errors.New("not found")
	ErrAlreadyExists   = errors.New("already exists")
	ErrVersionConflict = errors.New("schedule version conflict")
	ErrClosed          = errors.New("lead schedule is closed")
	ErrOptedOut        = errors.New("lead opted out")
	ErrNotOptedIn      = errors.New("lead has not opted in")
)

type ErrorKind string

const (
	KindConsentDenied ErrorKind = "consent_denied"
	KindGeneration    ErrorKind = "generation_error"
	KindDelivery      ErrorKind = "delivery_error"
	KindStorage       ErrorKind = "storage_error"
	KindConfiguration ErrorKind = "configuration_error"
)

// Error tags an underlying error with its place in the error taxonomy.
type Error struct {
	Kind ErrorKind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Op == "" {
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %s: %v", e.Kind, e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func NewError(kind ErrorKind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// KindOf returns the taxonomy kind of err, or "" when err is untagged.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}
