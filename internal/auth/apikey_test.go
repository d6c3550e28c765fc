package auth

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"
)

func testAPIKeyService(t *testing.T, store *MemoryStore, now *time.Time) *APIKeyService {
	t.Helper()
	svc, err := NewAPIKeyService(store.APIKeys(), store.ServiceAccounts(), []byte("pepper-secret"),
		WithKeyClock(func() time.Time { return *now }))
	if err != nil {
		t.Fatalf("NewAPIKeyService: %v", err)
	}
	return svc
}

func seedServiceAccount(t *testing.T, store *MemoryStore, id string) {
	t.Helper()
	if err := store.ServiceAccounts().Create(context.Background(), &ServiceAccount{ID: id, Name: "ci-bot"}); err != nil {
		t.Fatalf("seed service account: %v", err)
	}
}

func TestAPIKeyIssueAndValidate(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	store := NewMemoryStore()
	svc := testAPIKeyService(t, store, &now)
	seedServiceAccount(t, store, "sa-1")
	ctx := context.Background()

	perms := []Permission{perm(ResourceTickets, ActionRead, ScopeAll)}
	plaintext, rec, err := svc.Issue(ctx, "sa-1", perms, nil)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	if !strings.HasPrefix(plaintext, "qpk_") {
		t.Fatalf("key = %q, want qpk_ prefix", plaintext)
	}
	if rec.KeyHash == plaintext || strings.Contains(rec.KeyHash, plaintext) {
		t.Fatal("record must not contain the plaintext key")
	}

	sp, err := svc.Validate(ctx, plaintext)
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if sp.ServiceAccountID != "sa-1" || sp.KeyID != rec.ID {
		t.Fatalf("principal = %+v", sp)
	}
	if !sp.Allows(perm(ResourceTickets, ActionRead, ScopeOwn)) {
		t.Fatal("scope all key must allow a scope own read")
	}
	if sp.Allows(perm(ResourceTickets, ActionUpdate, ScopeOwn)) {
		t.Fatal("key must not allow unlisted actions")
	}
}

func TestAPIKeyIssueUnknownAccount(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	store := NewMemoryStore()
	svc := testAPIKeyService(t, store, &now)

	if _, _, err := svc.Issue(context.Background(), "ghost", nil, nil); !errors.Is(err, ErrNotFound) {
		t.Fatalf("error = %v, want ErrNotFound", err)
	}
}

func TestAPIKeyValidateUnknown(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	store := NewMemoryStore()
	svc := testAPIKeyService(t, store, &now)

	for _, key := range []string{"", "qpk_deadbeef", "sk_wrongprefix"} {
		if _, err := svc.Validate(context.Background(), key); !errors.Is(err, ErrInvalidToken) {
			t.Fatalf("Validate(%q) = %v, want ErrInvalidToken", key, err)
		}
	}
}

func TestAPIKeyExpiry(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	store := NewMemoryStore()
	svc := testAPIKeyService(t, store, &now)
	seedServiceAccount(t, store, "sa-1")
	ctx := context.Background()

	expires := now.Add(time.Hour)
	plaintext, _, err := svc.Issue(ctx, "sa-1", nil, &expires)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	if _, err := svc.Validate(ctx, plaintext); err != nil {
		t.Fatalf("Validate before expiry: %v", err)
	}
	now = now.Add(2 * time.Hour)
	if _, err := svc.Validate(ctx, plaintext); !errors.Is(err, ErrKeyExpired) {
		t.Fatalf("error = %v, want ErrKeyExpired", err)
	}
}

func TestAPIKeyRotateGrace(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	store := NewMemoryStore()
	svc := testAPIKeyService(t, store, &now)
	seedServiceAccount(t, store, "sa-1")
	ctx := context.Background()

	perms := []Permission{perm(ResourceReports, ActionRead, ScopeAll)}
	oldKey, _, err := svc.Issue(ctx, "sa-1", perms, nil)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	newKey, newRec, err := svc.Rotate(ctx, "sa-1")
	if err != nil {
		t.Fatalf("Rotate: %v", err)
	}
	if newKey == oldKey {
		t.Fatal("rotation returned the old key")
	}
	if len(newRec.Permissions) != 1 || newRec.Permissions[0] != perms[0] {
		t.Fatalf("new key permissions = %v, want carried over", newRec.Permissions)
	}

	// Inside the grace window both keys validate.
	now = now.Add(time.Minute)
	if _, err := svc.Validate(ctx, oldKey); err != nil {
		t.Fatalf("old key inside grace: %v", err)
	}
	if _, err := svc.Validate(ctx, newKey); err != nil {
		t.Fatalf("new key: %v", err)
	}

	// Past the grace window only the new key survives.
	now = now.Add(10 * time.Minute)
	if _, err := svc.Validate(ctx, oldKey); !errors.Is(err, ErrKeyInactive) {
		t.Fatalf("old key past grace = %v, want ErrKeyInactive", err)
	}
	if _, err := svc.Validate(ctx, newKey); err != nil {
		t.Fatalf("new key past grace: %v", err)
	}
}

func TestAPIKeyRotateWithoutActiveKey(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	store := NewMemoryStore()
	svc := testAPIKeyService(t, store, &now)
	seedServiceAccount(t, store, "sa-1")

	if _, _, err := svc.Rotate(context.Background(), "sa-1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("error = %v, want ErrNotFound", err)
	}
}

func TestAPIKeyRevokeImmediate(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	store := NewMemoryStore()
	svc := testAPIKeyService(t, store, &now)
	seedServiceAccount(t, store, "sa-1")
	ctx := context.Background()

	plaintext, rec, err := svc.Issue(ctx, "sa-1", nil, nil)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	if err := svc.Revoke(ctx, rec.ID); err != nil {
		t.Fatalf("Revoke: %v", err)
	}
	if _, err := svc.Validate(ctx, plaintext); !errors.Is(err, ErrKeyInactive) {
		t.Fatalf("error = %v, want ErrKeyInactive", err)
	}
}
