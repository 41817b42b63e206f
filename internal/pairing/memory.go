package pairing

import (
	"context"
	"sync"
	"time"
)

// MemoryStore keeps credentials in process. Expired entries are pruned on
// every Save so the map stays bounded by the issue rate times the TTL.
type MemoryStore struct {
	mu    sync.Mutex
	creds map[string]Credential
	now   func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		creds: make(map[string]Credential),
		now:   time.Now,
	}
}

func (s *MemoryStore) Save(_ context.Context, c Credential) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	for tok, existing := range s.creds {
		if existing.Expired(now) {
			delete(s.creds, tok)
		}
	}
	s.creds[c.Token] = c
	return nil
}

func (s *MemoryStore) Get(_ context.Context, token string) (Credential, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.creds[token]
	if !ok {
		return Credential{}, ErrNotFound
	}
	return c, nil
}

func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.creds)
}
