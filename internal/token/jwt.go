package token

import (
	"context"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"biobank.org/internal/fault"
)

// JWTSource verifies self-contained HS256 bearer tokens carrying a
// space-separated scope claim. Expiry is deliberately not validated here:
// the gateway performs the expiry check itself, in its fixed order, so an
// expired token is reported as InvalidToken rather than unknown.
type JWTSource struct {
	secret []byte
	parser *jwt.Parser
}

func NewJWTSource(secret []byte) *JWTSource {
	return &JWTSource{
		secret: secret,
		parser: jwt.NewParser(
			jwt.WithValidMethods([]string{"HS256"}),
			jwt.WithoutClaimsValidation(),
		),
	}
}

func (s *JWTSource) FetchByToken(ctx context.Context, raw string) (*AccessToken, error) {
	parsed, err := s.parser.Parse(raw, func(t *jwt.Token) (any, error) {
		return s.secret, nil
	})
	if err != nil || !parsed.Valid {
		return nil, fault.AccessTokenNotFound()
	}
	claims, ok := parsed.Claims.(jwt.MapClaims)
	if !ok {
		return nil, fault.AccessTokenNotFound()
	}
	sub, _ := claims["sub"].(string)
	if sub == "" {
		return nil, fault.AccessTokenNotFound()
	}
	scope, _ := claims["scope"].(string)

	var expires time.Time
	if exp, err := claims.GetExpirationTime(); err == nil && exp != nil {
		expires = exp.Time
	}

	return &AccessToken{
		Token:     raw,
		UserID:    sub,
		Scopes:    ScopeSet(strings.Fields(scope)...),
		ExpiresAt: expires,
	}, nil
}
