package transport

import (
	gwerrors "github.com/deskgate/deskgate/internal/errors"
)

// Errors returned by Open and Send. Match with errors.Is.
var (
	ErrConnectTimeout    = gwerrors.ErrConnectTimeout
	ErrConnectionRefused = gwerrors.ErrConnectionRefused
	ErrNetwork           = gwerrors.ErrNetwork
	ErrNotConnected      = gwerrors.ErrNotConnected
	ErrInvalidOptions    = gwerrors.ErrInvalidConfig
)
