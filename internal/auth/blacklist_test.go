package auth

import (
	"context"
	"testing"
	"time"
)

func TestMemoryBlacklist(t *testing.T) {
	ctx := context.Background()
	b := NewMemoryBlacklist()
	now := time.Now().UTC()

	if err := b.Add(ctx, BlacklistEntry{JTI: "jti-1", ExpiresAt: now.Add(time.Minute)}); err != nil {
		t.Fatalf("Add: %v", err)
	}
	hit, err := b.Contains(ctx, "jti-1")
	if err != nil {
		t.Fatalf("Contains: %v", err)
	}
	if !hit {
		t.Fatal("jti-1 should be blacklisted")
	}
	hit, err = b.Contains(ctx, "jti-2")
	if err != nil {
		t.Fatalf("Contains: %v", err)
	}
	if hit {
		t.Fatal("jti-2 should not be blacklisted")
	}
}

func TestMemoryBlacklistExpiry(t *testing.T) {
	ctx := context.Background()
	b := NewMemoryBlacklist()
	now := time.Now().UTC()

	_ = b.Add(ctx, BlacklistEntry{JTI: "stale", ExpiresAt: now.Add(-time.Minute)})
	_ = b.Add(ctx, BlacklistEntry{JTI: "live", ExpiresAt: now.Add(time.Hour)})

	if hit, _ := b.Contains(ctx, "stale"); hit {
		t.Fatal("expired entry must not report as blacklisted")
	}
	if err := b.Purge(ctx, now); err != nil {
		t.Fatalf("Purge: %v", err)
	}
	if b.Len() != 1 {
		t.Fatalf("Len = %d after purge, want 1", b.Len())
	}
	if hit, _ := b.Contains(ctx, "live"); !hit {
		t.Fatal("live entry lost in purge")
	}
}

func TestCachedBlacklistWriteThrough(t *testing.T) {
	ctx := context.Background()
	shared := NewMemoryBlacklist()
	cached := NewCachedBlacklist(shared)
	now := time.Now().UTC()

	if err := cached.Add(ctx, BlacklistEntry{JTI: "jti-1", ExpiresAt: now.Add(time.Minute)}); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if hit, _ := shared.Contains(ctx, "jti-1"); !hit {
		t.Fatal("Add must write through to the shared store")
	}
	if hit, _ := cached.Contains(ctx, "jti-1"); !hit {
		t.Fatal("cached lookup missed a written entry")
	}
}

func TestCachedBlacklistSeesRemoteRevocations(t *testing.T) {
	ctx := context.Background()
	shared := NewMemoryBlacklist()
	cached := NewCachedBlacklist(shared)
	now := time.Now().UTC()

	// A miss is never cached, so a revocation written by another instance
	// is visible on the next lookup.
	if hit, _ := cached.Contains(ctx, "jti-1"); hit {
		t.Fatal("unexpected hit")
	}
	_ = shared.Add(ctx, BlacklistEntry{JTI: "jti-1", ExpiresAt: now.Add(time.Minute)})
	if hit, _ := cached.Contains(ctx, "jti-1"); !hit {
		t.Fatal("revocation from another instance not visible")
	}
}

func TestMemoryBlacklistInjectedClock(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	b := NewMemoryBlacklist(WithBlacklistClock(func() time.Time { return now }))

	// Expiry far in the fixture's past relative to the wall clock: the
	// check must still answer against the injected clock.
	_ = b.Add(ctx, BlacklistEntry{JTI: "jti-1", ExpiresAt: now.Add(15 * time.Minute)})

	if hit, _ := b.Contains(ctx, "jti-1"); !hit {
		t.Fatal("entry live at the injected clock must report as blacklisted")
	}
	now = now.Add(16 * time.Minute)
	if hit, _ := b.Contains(ctx, "jti-1"); hit {
		t.Fatal("entry past expiry at the injected clock must not report as blacklisted")
	}
}

func TestMemoryStoreBlacklistHonorsClock(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	store := NewMemoryStore(WithMemoryClock(func() time.Time { return now }))

	entry := BlacklistEntry{JTI: "jti-logout", ExpiresAt: now.Add(15 * time.Minute)}
	if err := store.Blacklist().Add(ctx, entry); err != nil {
		t.Fatalf("Add: %v", err)
	}
	hit, err := store.Blacklist().Contains(ctx, "jti-logout")
	if err != nil {
		t.Fatalf("Contains: %v", err)
	}
	if !hit {
		t.Fatal("revoked jti must stay blacklisted while the fixed clock is before expiry")
	}
}
