package auth

import "context"

type userContextKey struct{}

// ContextWithUser attaches the resolved user to the context.
func ContextWithUser(ctx context.Context, user User) context.Context {
	return context.WithValue(ctx, userContextKey{}, user)
}

// UserFromContext returns the user stored in ctx, or Anonymous.
func UserFromContext(ctx context.Context) User {
	if ctx == nil {
		return Anonymous
	}
	u, ok := ctx.Value(userContextKey{}).(User)
	if !ok {
		return Anonymous
	}
	return u
}

// UserIDFromContext extracts the authenticated user ID from context.
func UserIDFromContext(ctx context.Context) (string, bool) {
	u := UserFromContext(ctx)
	if !u.IsAuthenticated() {
		return "", false
	}
	return u.ID, true
}
