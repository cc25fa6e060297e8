package token

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"biobank.org/internal/fault"
)

// PGStore resolves opaque tokens against the access_tokens table kept in
// sync by the external token-issuance service.
type PGStore struct {
	db *sql.DB
}

func NewPGStore(db *sql.DB) *PGStore {
	return &PGStore{db: db}
}

func (s *PGStore) FetchByToken(ctx context.Context, raw string) (*AccessToken, error) {
	row := s.db.QueryRowContext(ctx,
		`select user_id, scopes, expires_at from access_tokens where token=$1`, raw,
	)
	var (
		userID  string
		scopes  string
		expires time.Time
	)
	if err := row.Scan(&userID, &scopes, &expires); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fault.AccessTokenNotFound()
		}
		return nil, err
	}
	return &AccessToken{
		Token:     raw,
		UserID:    userID,
		Scopes:    ScopeSet(strings.Fields(scopes)...),
		ExpiresAt: expires,
	}, nil
}
