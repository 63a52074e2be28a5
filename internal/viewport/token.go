package viewport

import (
	"crypto/rand"
	"encoding/base64"
	"sync"
	"time"
)

// DefaultTokenTTL is how long a stream-auth token remains valid after
// issuance before it must be consumed or swept.
const DefaultTokenTTL = 30 * time.Second

type tokenEntry struct {
	agentID   string
	clientID  string
	expiresAt time.Time
}

// TokenStore issues and validates short-TTL per-(agentID,clientID) stream
// auth tokens (spec §4.11). Expired tokens are removed by a periodic sweep.
type TokenStore struct {
	mu     sync.Mutex
	tokens map[string]tokenEntry
	ttl    time.Duration
	now    func() time.Time
}

// NewTokenStore creates a TokenStore with the given TTL (DefaultTokenTTL if
// zero).
func NewTokenStore(ttl time.Duration) *TokenStore {
	if ttl <= 0 {
		ttl = DefaultTokenTTL
	}
	return &TokenStore{
		tokens: make(map[string]tokenEntry),
		ttl:    ttl,
		now:    time.Now,
	}
}

func randomToken() (string, error) {
	b := make([]byte, 24)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// Issue creates a fresh token for (agentID, clientID).
func (s *TokenStore) Issue(agentID, clientID string) (string, error) {
	tok, err := randomToken()
	if err != nil {
		return "", err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tokens[tok] = tokenEntry{
		agentID:   agentID,
		clientID:  clientID,
		expiresAt: s.now().Add(s.ttl),
	}
	return tok, nil
}

// Consume validates and single-uses a token, returning the (agentID,
// clientID) pair it was issued for.
func (s *TokenStore) Consume(token string) (agentID, clientID string, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, found := s.tokens[token]
	if !found {
		return "", "", false
	}
	delete(s.tokens, token)
	if s.now().After(entry.expiresAt) {
		return "", "", false
	}
	return entry.agentID, entry.clientID, true
}

// Sweep removes every expired token. Intended to be called periodically.
func (s *TokenStore) Sweep() {
	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()
	for tok, entry := range s.tokens {
		if now.After(entry.expiresAt) {
			delete(s.tokens, tok)
		}
	}
}
