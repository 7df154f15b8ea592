// Package errs classifies failures of the reactor core so callers can branch
// on the kind of a failure instead of matching messages.
package errs

import (
	"errors"
	"fmt"
)

// Kind is the class of a failure
type Kind uint8

const (
	// Unknown is reported for errors that were not produced by this module
	Unknown Kind = iota
	// Setup failures (socket, bind, listen, poller creation) abort startup
	Setup
	// Conn failures are local to one connection and close it
	Conn
	// Protocol failures come from malformed or not yet knowable HTTP input
	Protocol
	// Misuse signals a caller breaking an operation's contract
	Misuse
)

func (k Kind) String() string {
	switch k {
	case Setup:
		return "setup"
	case Conn:
		return "connection"
	case Protocol:
		return "protocol"
	case Misuse:
		return "misuse"
	default:
		return "unknown"
	}
}

// Error carries the kind and the operation that failed
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Op == "" {
		return fmt.Sprintf("%s error: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// E wraps err with a kind and an operation name
func E(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// KindOf returns the kind of the outermost *Error in err's chain
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Unknown
}

// Is reports whether err is classified as kind
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}
