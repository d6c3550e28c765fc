package auth

import (
	"context"
	"sync"
	"time"
)

// MemoryBlacklist is an in-process BlacklistStore. Suitable as the local
// cache in front of a shared store, or standalone in single-instance
// deployments.
type MemoryBlacklist struct {
	mu      sync.RWMutex
	entries map[string]time.Time
	now     func() time.Time
}

var _ BlacklistStore = (*MemoryBlacklist)(nil)

// BlacklistOption configures MemoryBlacklist.
type BlacklistOption func(*MemoryBlacklist)

// WithBlacklistClock overrides the time source (tests).
func WithBlacklistClock(fn func() time.Time) BlacklistOption {
	return func(b *MemoryBlacklist) {
		if fn != nil {
			b.now = fn
		}
	}
}

// NewMemoryBlacklist constructs an empty in-memory blacklist.
func NewMemoryBlacklist(opts ...BlacklistOption) *MemoryBlacklist {
	b := &MemoryBlacklist{
		entries: make(map[string]time.Time),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Add records a revoked jti until its natural expiry.
func (b *MemoryBlacklist) Add(_ context.Context, entry BlacklistEntry) error {
	if entry.JTI == "" {
		return ErrInvalidInput
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.entries[entry.JTI] = entry.ExpiresAt
	return nil
}

// Contains answers the hot-path revocation check. Entries past their expiry
// answer false even before the sweeper removes them.
func (b *MemoryBlacklist) Contains(_ context.Context, jti string) (bool, error) {
	b.mu.RLock()
	expiresAt, ok := b.entries[jti]
	b.mu.RUnlock()
	if !ok {
		return false, nil
	}
	return b.now().Before(expiresAt), nil
}

// Purge drops entries whose expiry has passed; they can never be needed
// again once the signed token itself would have expired.
func (b *MemoryBlacklist) Purge(_ context.Context, now time.Time) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for jti, expiresAt := range b.entries {
		if !now.Before(expiresAt) {
			delete(b.entries, jti)
		}
	}
	return nil
}

// Len reports the number of live entries (tests and readiness probes).
func (b *MemoryBlacklist) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.entries)
}

// CachedBlacklist fronts a shared BlacklistStore with a write-through local
// cache so the per-request revocation check rarely leaves the process.
// Positive answers are cached until the entry's own expiry; negative answers
// are re-checked against the shared store every time, so a revocation made
// by another instance is observed immediately.
type CachedBlacklist struct {
	shared BlacklistStore
	local  *MemoryBlacklist
}

var _ BlacklistStore = (*CachedBlacklist)(nil)

// NewCachedBlacklist wraps a shared store with a local cache.
func NewCachedBlacklist(shared BlacklistStore) *CachedBlacklist {
	return &CachedBlacklist{shared: shared, local: NewMemoryBlacklist()}
}

func (c *CachedBlacklist) Add(ctx context.Context, entry BlacklistEntry) error {
	if err := c.shared.Add(ctx, entry); err != nil {
		return err
	}
	return c.local.Add(ctx, entry)
}

func (c *CachedBlacklist) Contains(ctx context.Context, jti string) (bool, error) {
	if hit, err := c.local.Contains(ctx, jti); err == nil && hit {
		return true, nil
	}
	hit, err := c.shared.Contains(ctx, jti)
	if err != nil {
		return false, err
	}
	if hit {
		// Cache with a short horizon; the shared store knows the real expiry.
		_ = c.local.Add(ctx, BlacklistEntry{JTI: jti, ExpiresAt: time.Now().Add(defaultAccessTTL)})
	}
	return hit, nil
}

func (c *CachedBlacklist) Purge(ctx context.Context, now time.Time) error {
	if err := c.local.Purge(ctx, now); err != nil {
		return err
	}
	return c.shared.Purge(ctx, now)
}

// StartBlacklistSweeper evicts expired entries in the background until the
// context is cancelled.
func StartBlacklistSweeper(ctx context.Context, store BlacklistStore, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case now := <-ticker.C:
				_ = store.Purge(ctx, now)
			}
		}
	}()
}
