package server

import (
	"encoding/json"
	"errors"
	"net/http"

	gwerrors "github.com/deskgate/deskgate/internal/errors"
	"github.com/deskgate/deskgate/pkg/redirect"
)

// statusFor maps an error onto an HTTP status.
func statusFor(err error) int {
	if errors.Is(err, redirect.ErrTooLarge) {
		return http.StatusRequestEntityTooLarge
	}
	var maxBytes *http.MaxBytesError
	if errors.As(err, &maxBytes) {
		return http.StatusRequestEntityTooLarge
	}
	switch gwerrors.KindOf(err) {
	case gwerrors.MalformedFrame, gwerrors.InvalidConfig:
		return http.StatusBadRequest
	case gwerrors.Unauthorized:
		return http.StatusUnauthorized
	case gwerrors.NotFound:
		return http.StatusNotFound
	case gwerrors.Conflict, gwerrors.InvalidTransition, gwerrors.NotConnected:
		return http.StatusConflict
	case gwerrors.LimitExceeded:
		return http.StatusTooManyRequests
	case gwerrors.ShuttingDown:
		return http.StatusServiceUnavailable
	case gwerrors.ConnectTimeout:
		return http.StatusGatewayTimeout
	case gwerrors.ConnectionRefused, gwerrors.NetworkError:
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	writeJSON(w, statusFor(err), map[string]any{"error": toWireError(err)})
}
