package protocol

import (
	"errors"

	gwerrors "github.com/deskgate/deskgate/internal/errors"
)

// Codec errors.
var (
	// ErrMalformedFrame matches every decode failure caused by a short or
	// inconsistent frame.
	ErrMalformedFrame = gwerrors.ErrMalformedFrame

	ErrFrameTooLarge  = errors.New("protocol: frame too large")
	ErrUnknownCommand = errors.New("protocol: unknown command")
	ErrInvalidInput   = errors.New("protocol: invalid input")
)

func malformed(op string, err error) error {
	return gwerrors.E(gwerrors.MalformedFrame, "protocol."+op, "", err)
}
