// Package auth authenticates control-channel clients.
//
// A Verifier turns a bearer token into an Identity. The identity's
// ClientID is what the session manager keys sessions on, so a client can
// only ever see and drive its own session.
//
// JWTVerifier checks HMAC-signed tokens issued by Issue (or any issuer
// sharing the secret) and optionally consults a Revocation list, such as
// RedisRevocation, by the token's jti claim.
//
// Middleware wires a Verifier into an HTTP stack:
//
//	r := chi.NewRouter()
//	r.Use(auth.Middleware(verifier, auth.MiddlewareConfig{QueryParam: "token"}))
//	r.With(auth.RequirePermission(auth.PermFiles)).Post("/files", upload)
//
// Handlers read the identity with FromContext.
package auth
