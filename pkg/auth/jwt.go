package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	gwerrors "github.com/deskgate/deskgate/internal/errors"
)

// Claims is the JWT payload. The jti claim keys revocation.
type Claims struct {
	ClientID    string   `json:"cid"`
	Permissions []string `json:"perms,omitempty"`
	jwt.RegisteredClaims
}

// JWTConfig configures a JWTVerifier.
type JWTConfig struct {
	// Secret is the HMAC key. Required.
	Secret []byte

	// Issuer, when set, must match the token's iss claim.
	Issuer string

	// Leeway tolerates clock skew on exp and nbf.
	// Default: 30 seconds.
	Leeway time.Duration

	// Revocation is consulted for tokens carrying a jti. Optional.
	Revocation Revocation

	// FailOpen accepts tokens when the revocation check itself fails.
	// Default: false, the token is rejected.
	FailOpen bool

	Logger *zap.Logger
}

// JWTVerifier validates HMAC-signed JWTs.
type JWTVerifier struct {
	cfg    JWTConfig
	parser *jwt.Parser
	logger *zap.Logger
}

// NewJWTVerifier creates a verifier. An empty secret is a configuration
// error.
func NewJWTVerifier(cfg JWTConfig) (*JWTVerifier, error) {
	if len(cfg.Secret) == 0 {
		return nil, gwerrors.Newf(gwerrors.InvalidConfig, "auth.jwt", "secret is required")
	}
	if cfg.Leeway == 0 {
		cfg.Leeway = 30 * time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{"HS256", "HS384", "HS512"}),
		jwt.WithLeeway(cfg.Leeway),
		jwt.WithExpirationRequired(),
	}
	if cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(cfg.Issuer))
	}
	return &JWTVerifier{
		cfg:    cfg,
		parser: jwt.NewParser(opts...),
		logger: logger.With(zap.String("component", "jwt_verifier")),
	}, nil
}

// Verify implements Verifier.
func (v *JWTVerifier) Verify(ctx context.Context, raw string) (*Identity, error) {
	const op = "auth.verify"
	if raw == "" {
		return nil, gwerrors.Newf(gwerrors.Unauthorized, op, "missing token")
	}

	claims := &Claims{}
	token, err := v.parser.ParseWithClaims(raw, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return v.cfg.Secret, nil
	})
	if err != nil {
		return nil, gwerrors.E(gwerrors.Unauthorized, op, "", err)
	}
	if !token.Valid {
		return nil, gwerrors.Newf(gwerrors.Unauthorized, op, "token is invalid")
	}

	clientID := claims.ClientID
	if clientID == "" {
		clientID = claims.Subject
	}
	if clientID == "" {
		return nil, gwerrors.Newf(gwerrors.Unauthorized, op, "token has no client id")
	}

	if v.cfg.Revocation != nil && claims.ID != "" {
		revoked, err := v.cfg.Revocation.Revoked(ctx, claims.ID)
		switch {
		case err != nil && v.cfg.FailOpen:
			v.logger.Error("revocation check failed, accepting token", zap.String("jti", claims.ID), zap.Error(err))
		case err != nil:
			return nil, gwerrors.E(gwerrors.Unauthorized, op, claims.ID, fmt.Errorf("revocation check: %w", err))
		case revoked:
			return nil, gwerrors.E(gwerrors.Unauthorized, op, claims.ID, errors.New("token has been revoked"))
		}
	}

	id := &Identity{
		ClientID:    clientID,
		Subject:     claims.Subject,
		Permissions: claims.Permissions,
		TokenID:     claims.ID,
	}
	if claims.ExpiresAt != nil {
		id.ExpiresAt = claims.ExpiresAt.Time
	}
	return id, nil
}

// Issue signs an HS256 token for id, valid for ttl. A missing TokenID is
// generated.
func Issue(secret []byte, issuer string, id Identity, ttl time.Duration) (string, error) {
	if len(secret) == 0 {
		return "", gwerrors.Newf(gwerrors.InvalidConfig, "auth.issue", "secret is required")
	}
	if id.ClientID == "" {
		return "", gwerrors.Newf(gwerrors.InvalidConfig, "auth.issue", "client id is required")
	}
	if id.TokenID == "" {
		id.TokenID = uuid.NewString()
	}
	now := time.Now()
	claims := Claims{
		ClientID:    id.ClientID,
		Permissions: id.Permissions,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        id.TokenID,
			Subject:   id.Subject,
			Issuer:    issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
}
