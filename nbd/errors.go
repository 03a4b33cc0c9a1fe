package nbd

import (
	"errors"
	"fmt"
)

type ErrorKind int

const (
	// KindGeneral covers bind/lifecycle failures.
	KindGeneral ErrorKind = iota
	// KindDevice wraps a failing ioctl or device open.
	KindDevice
	// KindRemote is a permanent remote contract violation.
	KindRemote
	// KindProtocol is malformed NBD wire data.
	KindProtocol
	// KindConn is an expected peer/kernel disconnect.
	KindConn
	// KindValidation is an invalid bind URL or option set.
	KindValidation
)

// Error is the domain error for the NBD engine. Low-level failures are
// translated into one of the kinds at their origin; subtask boundaries
// classify on Kind.
type Error struct {
	Kind ErrorKind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return e.Msg
	}
	return fmt.Sprintf("%s: %v", e.Msg, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func Errorf(kind ErrorKind, format string, args ...any) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

func wrapError(kind ErrorKind, msg string, err error) *Error {
	return &Error{Kind: kind, Msg: msg, Err: err}
}

// KindOf extracts the domain error kind, if any.
func KindOf(err error) (ErrorKind, bool) {
	var ne *Error
	if errors.As(err, &ne) {
		return ne.Kind, true
	}
	return 0, false
}

func IsConnError(err error) bool {
	kind, ok := KindOf(err)
	return ok && kind == KindConn
}
