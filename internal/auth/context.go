// ABOUTME: Carries the authenticated identity through request handlers
// ABOUTME: WithIdentity/IdentityFromContext are the only way handlers learn who is calling

package auth

import (
	"context"
)

type identityKey struct{}

// WithIdentity returns a new context carrying identity.
func WithIdentity(ctx context.Context, identity string) context.Context {
	return context.WithValue(ctx, identityKey{}, identity)
}

// IdentityFromContext returns the authenticated identity, or false if the
// request was not authenticated.
func IdentityFromContext(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(identityKey{}).(string)
	if !ok || id == "" {
		return "", false
	}
	return id, true
}
