package platform

import (
	"errors"
	"fmt"
)

// ErrorKind classifies adapter failures. Adapters must return *Error so the
// orchestrator can switch on kind instead of sniffing message strings.
type ErrorKind string

const (
	KindAuth       ErrorKind = "auth"       // expired or invalid token
	KindPermission ErrorKind = "permission" // insufficient write scope
	KindDuplicate  ErrorKind = "duplicate"  // identical content already posted
	KindTransient  ErrorKind = "transient"  // network, 5xx, timeout
)

type Error struct {
	Kind    ErrorKind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("%s: %s", e.Kind, e.Message)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return string(e.Kind)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func NewError(kind ErrorKind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

func WrapError(kind ErrorKind, err error) *Error {
	return &Error{Kind: kind, Err: err}
}

// KindOf extracts the error kind, defaulting to transient for anything an
// adapter failed to classify. Unclassified errors are retried.
func KindOf(err error) ErrorKind {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Kind
	}
	return KindTransient
}
