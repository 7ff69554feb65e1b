package auth

import (
	"context"
	"slices"
	"time"

	gwerrors "github.com/deskgate/deskgate/internal/errors"
)

// ErrUnauthorized is returned when a token is missing, invalid, expired
// or revoked.
var ErrUnauthorized = gwerrors.ErrUnauthorized

// ErrForbidden is returned when an identity lacks a permission.
var ErrForbidden = gwerrors.Newf(gwerrors.Unauthorized, "auth", "forbidden: insufficient permissions")

// Permissions a token can grant.
const (
	PermSession   = "session"
	PermInput     = "input"
	PermClipboard = "clipboard"
	PermFiles     = "files"
	PermDevices   = "devices"
	PermAdmin     = "admin"
)

// Identity is an authenticated control-channel client.
type Identity struct {
	ClientID    string    `json:"client_id"`
	Subject     string    `json:"sub,omitempty"`
	Permissions []string  `json:"permissions,omitempty"`
	TokenID     string    `json:"jti,omitempty"`
	ExpiresAt   time.Time `json:"expires_at,omitempty"`
}

// Can reports whether the identity holds perm. PermAdmin grants all.
func (id *Identity) Can(perm string) bool {
	if id == nil {
		return false
	}
	return slices.Contains(id.Permissions, perm) || slices.Contains(id.Permissions, PermAdmin)
}

// Verifier authenticates a raw token.
type Verifier interface {
	Verify(ctx context.Context, token string) (*Identity, error)
}

// VerifierFunc adapts a function to Verifier.
type VerifierFunc func(ctx context.Context, token string) (*Identity, error)

// Verify implements Verifier.
func (f VerifierFunc) Verify(ctx context.Context, token string) (*Identity, error) {
	return f(ctx, token)
}

type identityKey struct{}

// WithIdentity returns a context carrying id.
func WithIdentity(ctx context.Context, id *Identity) context.Context {
	return context.WithValue(ctx, identityKey{}, id)
}

// FromContext returns the identity stored by Middleware.
func FromContext(ctx context.Context) (*Identity, bool) {
	id, ok := ctx.Value(identityKey{}).(*Identity)
	return id, ok && id != nil
}
