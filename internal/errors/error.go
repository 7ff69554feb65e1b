package errors

import (
	"context"
	stderrors "errors"
	"fmt"
	"net"
	"os"
	"syscall"
)

// Kind classifies a gateway error.
type Kind uint8

const (
	Unknown Kind = iota
	MalformedFrame
	ConnectTimeout
	ConnectionRefused
	NetworkError
	NotConnected
	NotFound
	InvalidConfig
	ShuttingDown
	Conflict
	LimitExceeded
	InvalidTransition
	Unauthorized
)

// String returns the kind name as used in logs and events.
func (k Kind) String() string {
	if t, ok := registry[k]; ok {
		return t.Name
	}
	return "unknown"
}

// Code returns the stable short code for the kind.
func (k Kind) Code() string {
	if t, ok := registry[k]; ok {
		return t.Code
	}
	return "DG000"
}

// Sentinels for errors.Is. They match any *Error of the same kind.
var (
	ErrMalformedFrame    = &Error{Kind: MalformedFrame}
	ErrConnectTimeout    = &Error{Kind: ConnectTimeout}
	ErrConnectionRefused = &Error{Kind: ConnectionRefused}
	ErrNetwork           = &Error{Kind: NetworkError}
	ErrNotConnected      = &Error{Kind: NotConnected}
	ErrNotFound          = &Error{Kind: NotFound}
	ErrInvalidConfig     = &Error{Kind: InvalidConfig}
	ErrShuttingDown      = &Error{Kind: ShuttingDown}
	ErrConflict          = &Error{Kind: Conflict}
	ErrLimitExceeded     = &Error{Kind: LimitExceeded}
	ErrInvalidTransition = &Error{Kind: InvalidTransition}
	ErrUnauthorized      = &Error{Kind: Unauthorized}
)

// Error is a structured gateway error.
type Error struct {
	// Kind is the failure class.
	Kind Kind

	// Op is the operation that failed, e.g. "transport.open".
	Op string

	// Subject identifies what the operation acted on (session ID,
	// host:port, device ID). Optional.
	Subject string

	// Message overrides the kind's default message. Optional.
	Message string

	// Err is the underlying error, if any.
	Err error
}

// E builds an *Error. err may be nil.
func E(kind Kind, op, subject string, err error) *Error {
	return &Error{Kind: kind, Op: op, Subject: subject, Err: err}
}

// Newf builds an *Error with a formatted message and no wrapped error.
func Newf(kind Kind, op, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Message: fmt.Sprintf(format, args...)}
}

// Error implements the error interface.
func (e *Error) Error() string {
	msg := e.Message
	if msg == "" {
		msg = registry[e.Kind].Message
		if msg == "" {
			msg = "unknown error"
		}
	}

	prefix := "deskgate"
	if e.Op != "" {
		prefix = e.Op
	}
	if e.Subject != "" {
		prefix += " " + e.Subject
	}

	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", prefix, msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", prefix, msg)
}

// Unwrap returns the wrapped error for errors.Is/As support.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports whether target is an *Error of the same kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// KindOf returns the kind of the first *Error in err's chain, or Unknown.
func KindOf(err error) Kind {
	var e *Error
	if stderrors.As(err, &e) {
		return e.Kind
	}
	return Unknown
}

// Classify maps a dial or I/O error onto ConnectTimeout, ConnectionRefused
// or NetworkError.
func Classify(err error) Kind {
	if err == nil {
		return Unknown
	}
	if k := KindOf(err); k != Unknown {
		return k
	}
	if stderrors.Is(err, context.DeadlineExceeded) || stderrors.Is(err, os.ErrDeadlineExceeded) {
		return ConnectTimeout
	}
	if stderrors.Is(err, syscall.ECONNREFUSED) {
		return ConnectionRefused
	}
	var netErr net.Error
	if stderrors.As(err, &netErr) && netErr.Timeout() {
		return ConnectTimeout
	}
	return NetworkError
}

// IsConnectError reports whether err is one of the session-creation kinds.
func IsConnectError(err error) bool {
	switch KindOf(err) {
	case ConnectTimeout, ConnectionRefused, NetworkError:
		return true
	}
	return false
}

// IsRecoverable reports whether the error can be handled locally without
// tearing anything down.
func IsRecoverable(err error) bool {
	switch KindOf(err) {
	case MalformedFrame, NotConnected, NotFound:
		return true
	}
	return false
}
