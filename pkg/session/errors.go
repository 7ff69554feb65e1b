package session

import (
	"fmt"

	gwerrors "github.com/deskgate/deskgate/internal/errors"
)

// Sentinels callers match with errors.Is.
var (
	ErrNotFound      = gwerrors.ErrNotFound
	ErrConflict      = gwerrors.ErrConflict
	ErrNotConnected  = gwerrors.ErrNotConnected
	ErrShuttingDown  = gwerrors.ErrShuttingDown
	ErrLimitReached  = gwerrors.ErrLimitExceeded
	ErrInvalidConfig = gwerrors.ErrInvalidConfig
)

// SessionError wraps a failure of an operation on a live session.
type SessionError struct {
	SessionID string
	Op        string
	Err       error
}

func (e *SessionError) Error() string {
	return fmt.Sprintf("session %s: %s: %v", e.SessionID, e.Op, e.Err)
}

func (e *SessionError) Unwrap() error {
	return e.Err
}
