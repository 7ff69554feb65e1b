package session

import (
	"fmt"
)

// Status is the lifecycle state of a Session.
type Status int32

const (
	StatusConnecting Status = iota
	StatusConnected
	StatusDisconnected
	StatusError
)

var statusNames = [...]string{
	StatusConnecting:   "connecting",
	StatusConnected:    "connected",
	StatusDisconnected: "disconnected",
	StatusError:        "error",
}

func (s Status) String() string {
	if int(s) >= 0 && int(s) < len(statusNames) {
		return statusNames[s]
	}
	return fmt.Sprintf("status(%d)", int32(s))
}

// MarshalText encodes the status by name.
func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText decodes a status name.
func (s *Status) UnmarshalText(b []byte) error {
	for i, name := range statusNames {
		if name == string(b) {
			*s = Status(i)
			return nil
		}
	}
	return fmt.Errorf("session: unknown status %q", b)
}

// Terminal reports whether no further transition is possible.
func (s Status) Terminal() bool {
	return s == StatusDisconnected
}

// canTransition lists the allowed edges:
//
//	connecting -> connected | error
//	connected  -> disconnected
//	error      -> disconnected
func canTransition(from, to Status) bool {
	switch from {
	case StatusConnecting:
		return to == StatusConnected || to == StatusError
	case StatusConnected, StatusError:
		return to == StatusDisconnected
	default:
		return false
	}
}
