// Package status defines the error model shared by the SDK and the wire
// protocol. Every server-reported failure carries one of the canonical
// codes below; SDK-generated errors use the same codes so callers can
// branch on CodeOf regardless of where an error originated.
package status

import (
	"errors"
	"fmt"
	"strings"
)

// Code is a canonical RPC error code.
type Code int

const (
	OK Code = iota
	Cancelled
	Unknown
	InvalidArgument
	DeadlineExceeded
	NotFound
	AlreadyExists
	PermissionDenied
	ResourceExhausted
	FailedPrecondition
	Aborted
	OutOfRange
	Unimplemented
	Internal
	Unavailable
	DataLoss
	Unauthenticated
)

var codeNames = map[Code]string{
	OK:                 "OK",
	Cancelled:          "Cancelled",
	Unknown:            "Unknown",
	InvalidArgument:    "InvalidArgument",
	DeadlineExceeded:   "DeadlineExceeded",
	NotFound:           "NotFound",
	AlreadyExists:      "AlreadyExists",
	PermissionDenied:   "PermissionDenied",
	ResourceExhausted:  "ResourceExhausted",
	FailedPrecondition: "FailedPrecondition",
	Aborted:            "Aborted",
	OutOfRange:         "OutOfRange",
	Unimplemented:      "Unimplemented",
	Internal:           "Internal",
	Unavailable:        "Unavailable",
	DataLoss:           "DataLoss",
	Unauthenticated:    "Unauthenticated",
}

func (c Code) String() string {
	if name, ok := codeNames[c]; ok {
		return name
	}
	return fmt.Sprintf("Code(%d)", int(c))
}

// Error is a coded error. It is also the wire form of server failures.
type Error struct {
	Code    Code   `cbor:"code" json:"code"`
	Message string `cbor:"message,omitempty" json:"message,omitempty"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("spandb: code = %s desc = %s", e.Code, e.Message)
}

// New returns a coded error.
func New(code Code, msg string) *Error {
	return &Error{Code: code, Message: msg}
}

// Errorf returns a coded error with a formatted message.
func Errorf(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// FromError extracts a coded error from err's chain.
func FromError(err error) (*Error, bool) {
	var se *Error
	if errors.As(err, &se) {
		return se, true
	}
	return nil, false
}

// CodeOf returns err's code: OK for nil, Unknown for errors without one.
func CodeOf(err error) Code {
	if err == nil {
		return OK
	}
	if se, ok := FromError(err); ok {
		return se.Code
	}
	return Unknown
}

// IsSessionNotFound reports whether err means the server no longer knows
// the session, which callers handle by replacing the session rather than
// retrying.
func IsSessionNotFound(err error) bool {
	se, ok := FromError(err)
	if !ok {
		return false
	}
	return se.Code == NotFound && strings.Contains(se.Message, "Session not found")
}
