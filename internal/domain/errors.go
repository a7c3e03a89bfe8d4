package domain

import (
	"errors"
	"fmt"
)

// ErrorKind classifies failures reported by the scoring core.
type ErrorKind string

const (
	KindValidation        ErrorKind = "validation"
	KindUntrainedModel    ErrorKind = "untrained_model"
	KindDataShapeMismatch ErrorKind = "data_shape_mismatch"
	KindConflict          ErrorKind = "conflict"
	KindNotFound          ErrorKind = "not_found"
)

// Sentinels for errors.Is. They match any *Error of the same kind.
var (
	ErrValidation         = &Error{Kind: KindValidation}
	ErrUntrainedModel     = &Error{Kind: KindUntrainedModel}
	ErrDataShapeMismatch  = &Error{Kind: KindDataShapeMismatch}
	ErrTrainingInProgress = &Error{Kind: KindConflict}
	ErrNotFound           = &Error{Kind: KindNotFound}
)

// Error is a structured failure carrying a kind and a message.
type Error struct {
	Kind    ErrorKind
	Message string
	Err     error
}

// NewError builds an Error with a formatted message.
func NewError(kind ErrorKind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// WrapError builds an Error that wraps cause.
func WrapError(kind ErrorKind, cause error, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Err: cause}
}

func (e *Error) Error() string {
	msg := string(e.Kind)
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches sentinels by kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Message == "" && t.Err == nil && t.Kind == e.Kind
}

// KindOf returns the kind of the first *Error in err's chain, or "".
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}
