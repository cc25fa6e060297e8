package token

import "context"

type tokenContextKey struct{}

// ContextWith attaches the resolved access token to the context so audit
// logging and handlers can attribute actions to the owning user.
func ContextWith(ctx context.Context, tok *AccessToken) context.Context {
	if tok == nil {
		return ctx
	}
	return context.WithValue(ctx, tokenContextKey{}, tok)
}

// FromContext returns the access token if one was previously attached.
func FromContext(ctx context.Context) (*AccessToken, bool) {
	if ctx == nil {
		return nil, false
	}
	v, ok := ctx.Value(tokenContextKey{}).(*AccessToken)
	if !ok || v == nil {
		return nil, false
	}
	return v, true
}

// UserIDFromContext returns the owning user id of the request token.
func UserIDFromContext(ctx context.Context) (string, bool) {
	tok, ok := FromContext(ctx)
	if !ok {
		return "", false
	}
	return tok.UserID, true
}
