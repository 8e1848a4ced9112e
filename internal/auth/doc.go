// Package auth authenticates relay API callers.
//
// Identities are issued elsewhere. The relay only verifies HS256 JWTs signed
// with the configured auth.jwt_secret and takes the "sub" claim as the
// caller's identity:
//
//	verifier, err := auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret))
//	mux.Handle("/api/", auth.HTTPAuthMiddleware(verifier, logger)(api))
//
// Handlers read the identity back with IdentityFromContext. Tokens must
// carry an expiry and the "coven-relay" issuer.
package auth
