package auth

import (
	"context"

	"learnhub-api/internal/user"
)

type contextKey struct{}

var principalKey contextKey

// WithPrincipal binds the authenticated user to the request context.
func WithPrincipal(ctx context.Context, u user.User) context.Context {
	return context.WithValue(ctx, principalKey, u)
}

// PrincipalFrom returns the bound user, if the request authenticated.
func PrincipalFrom(ctx context.Context) (user.User, bool) {
	u, ok := ctx.Value(principalKey).(user.User)
	return u, ok
}
