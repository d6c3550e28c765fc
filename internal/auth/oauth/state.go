package oauth

import (
	"context"
	"sync"
	"time"
)

const defaultStateTTL = 10 * time.Minute

// PendingAuth is the server-side record bound to one authorize redirect.
// The PKCE verifier never leaves the server.
type PendingAuth struct {
	Provider     string
	CodeVerifier string
	ReturnTo     string
	IdentityID   string
	CreatedAt    time.Time
	ExpiresAt    time.Time
}

// StateStore persists pending authorizations keyed by the opaque state
// value. Consume must remove the record atomically so a state can be
// redeemed at most once.
type StateStore interface {
	Put(ctx context.Context, state string, pending PendingAuth) error
	Consume(ctx context.Context, state string) (*PendingAuth, error)
}

// MemoryStateStore keeps pending authorizations in process memory.
type MemoryStateStore struct {
	mu      sync.Mutex
	entries map[string]PendingAuth
	now     func() time.Time
}

func NewMemoryStateStore() *MemoryStateStore {
	return &MemoryStateStore{
		entries: make(map[string]PendingAuth),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

func (s *MemoryStateStore) Put(_ context.Context, state string, pending PendingAuth) error {
	if state == "" {
		return ErrInvalidState
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[state] = pending
	return nil
}

// Consume returns the pending record and removes it in the same critical
// section, so a replayed state always misses.
func (s *MemoryStateStore) Consume(_ context.Context, state string) (*PendingAuth, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	pending, ok := s.entries[state]
	if !ok {
		return nil, ErrInvalidState
	}
	delete(s.entries, state)
	if s.now().After(pending.ExpiresAt) {
		return nil, ErrInvalidState
	}
	return &pending, nil
}

// PurgeExpired drops pending records past their deadline.
func (s *MemoryStateStore) PurgeExpired() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	removed := 0
	for state, pending := range s.entries {
		if now.After(pending.ExpiresAt) {
			delete(s.entries, state)
			removed++
		}
	}
	return removed
}
