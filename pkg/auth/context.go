package auth

import "context"

type tokenKey struct{}

// WithToken returns a copy of ctx carrying t.
func WithToken(ctx context.Context, t *Token) context.Context {
	return context.WithValue(ctx, tokenKey{}, t)
}

// TokenFromContext returns the token carried by ctx, or nil.
func TokenFromContext(ctx context.Context) *Token {
	t, _ := ctx.Value(tokenKey{}).(*Token)
	return t
}

// IdentityFromContext returns the identity behind the token in ctx. It is
// nil when the request is unauthenticated or its token was released.
func IdentityFromContext(ctx context.Context) *Identity {
	return TokenFromContext(ctx).Identity()
}
