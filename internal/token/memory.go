package token

import (
	"context"
	"sync"

	"biobank.org/internal/fault"
)

// MemoryStore is an in-process token store used in tests and smoke runs.
type MemoryStore struct {
	mu     sync.RWMutex
	tokens map[string]*AccessToken
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{tokens: make(map[string]*AccessToken)}
}

// Add registers a token. Later additions with the same raw value replace
// earlier ones.
func (s *MemoryStore) Add(tok *AccessToken) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tokens[tok.Token] = tok
}

func (s *MemoryStore) FetchByToken(ctx context.Context, raw string) (*AccessToken, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	tok, ok := s.tokens[raw]
	if !ok {
		return nil, fault.AccessTokenNotFound()
	}
	copy := *tok
	return &copy, nil
}
