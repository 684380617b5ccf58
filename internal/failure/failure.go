// SPDX-FileCopyrightText: 2025 The PowerAPI Authors
// SPDX-License-Identifier: Apache-2.0

// Package failure classifies errors returned by actor handlers.
//
// A handler decides itself whether a failure lets the actor keep processing
// messages (Recoverable) or stops it (Fatal). Errors that were never
// classified are treated as Fatal.
package failure

import (
	"errors"
	"fmt"
)

// Kind is the classification of a handler failure
type Kind int

const (
	// Fatal failures stop the actor loop
	Fatal Kind = iota
	// Recoverable failures are logged and the actor loop continues
	Recoverable
)

func (k Kind) String() string {
	switch k {
	case Recoverable:
		return "recoverable"
	case Fatal:
		return "fatal"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// Error is an error carrying its Kind
type Error struct {
	Kind Kind
	Err  error
}

func (e *Error) Error() string {
	return e.Err.Error()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// AsRecoverable wraps err as a Recoverable failure. A nil err stays nil.
func AsRecoverable(err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: Recoverable, Err: err}
}

// AsFatal wraps err as a Fatal failure. A nil err stays nil.
func AsFatal(err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: Fatal, Err: err}
}

// Recoverablef formats a new Recoverable failure
func Recoverablef(format string, args ...any) error {
	return &Error{Kind: Recoverable, Err: fmt.Errorf(format, args...)}
}

// Fatalf formats a new Fatal failure
func Fatalf(format string, args ...any) error {
	return &Error{Kind: Fatal, Err: fmt.Errorf(format, args...)}
}

// KindOf returns the outermost classification found in err's chain,
// defaulting to Fatal.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return Fatal
}

// IsRecoverable reports whether err is classified as Recoverable
func IsRecoverable(err error) bool {
	return err != nil && KindOf(err) == Recoverable
}
