package token

import (
	"context"
	"time"
)

// AccessToken is the introspection view of a bearer token: who owns it,
// what it may do, and until when.
type AccessToken struct {
	Token     string
	UserID    string
	Scopes    map[string]struct{}
	ExpiresAt time.Time
}

// HasScope reports whether the token carries the named scope.
func (t *AccessToken) HasScope(scope string) bool {
	_, ok := t.Scopes[scope]
	return ok
}

// Expired reports whether the token is past its expiry at the given instant.
func (t *AccessToken) Expired(now time.Time) bool {
	return !t.ExpiresAt.IsZero() && now.After(t.ExpiresAt)
}

// Store resolves raw bearer tokens. The token issuance side lives in a
// separate system; this service only introspects.
type Store interface {
	FetchByToken(ctx context.Context, raw string) (*AccessToken, error)
}

// ScopeSet builds a scope lookup from a list.
func ScopeSet(scopes ...string) map[string]struct{} {
	set := make(map[string]struct{}, len(scopes))
	for _, s := range scopes {
		if s == "" {
			continue
		}
		set[s] = struct{}{}
	}
	return set
}
