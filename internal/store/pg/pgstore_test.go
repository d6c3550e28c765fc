package pg

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jackc/pgx/v5/pgconn"

	"qapms.org/internal/auth"
)

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return NewWithDB(db), mock
}

func expectationsMet(t *testing.T, mock sqlmock.Sqlmock) {
	t.Helper()
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestIdentityCreateMapsUniqueViolation(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectExec(`insert into identities`).
		WillReturnError(&pgconn.PgError{Code: pgErrUniqueViolation})

	err := store.Identities().Create(context.Background(), &auth.Identity{
		ID:    "id-1",
		Email: "dev@example.com",
	})
	if !errors.Is(err, auth.ErrConflict) {
		t.Fatalf("error = %v, want ErrConflict", err)
	}
	expectationsMet(t, mock)
}

func TestIdentityFindByEmail(t *testing.T) {
	store, mock := newMockStore(t)
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	rows := sqlmock.NewRows([]string{
		"id", "email", "password_hash", "status", "mfa_enabled", "locked_until", "created_at", "updated_at",
	}).AddRow("id-1", "dev@example.com", "$argon2id$...", "active", false, nil, now, now)
	mock.ExpectQuery(`select .+ from identities\s+where email = \$1`).
		WithArgs("dev@example.com").
		WillReturnRows(rows)

	identity, err := store.Identities().FindByEmail(context.Background(), "dev@example.com")
	if err != nil {
		t.Fatalf("FindByEmail: %v", err)
	}
	if identity.ID != "id-1" || identity.LockedUntil != nil {
		t.Fatalf("identity = %+v", identity)
	}
	expectationsMet(t, mock)
}

func TestIdentityFindNotFound(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery(`select .+ from identities\s+where id = \$1`).
		WithArgs("ghost").
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	if _, err := store.Identities().Find(context.Background(), "ghost"); !errors.Is(err, auth.ErrNotFound) {
		t.Fatalf("error = %v, want ErrNotFound", err)
	}
	expectationsMet(t, mock)
}

func TestMarkRotatedWinsOnce(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectExec(`update refresh_tokens\s+set rotated_to = \$2\s+where id = \$1 and rotated_to is null and revoked_at is null`).
		WithArgs("rt-1", "rt-2").
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := store.RefreshTokens().MarkRotated(context.Background(), "rt-1", "rt-2"); err != nil {
		t.Fatalf("MarkRotated: %v", err)
	}
	expectationsMet(t, mock)
}

func TestMarkRotatedLoserGetsConflict(t *testing.T) {
	store, mock := newMockStore(t)

	// Zero affected rows means another rotation already claimed the record.
	mock.ExpectExec(`update refresh_tokens`).
		WithArgs("rt-1", "rt-3").
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := store.RefreshTokens().MarkRotated(context.Background(), "rt-1", "rt-3")
	if !errors.Is(err, auth.ErrConflict) {
		t.Fatalf("error = %v, want ErrConflict", err)
	}
	expectationsMet(t, mock)
}

func TestRevokeFamilyReturnsRecords(t *testing.T) {
	store, mock := newMockStore(t)
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	mock.ExpectBegin()
	mock.ExpectExec(`update refresh_tokens set revoked_at = \$2\s+where family_id = \$1 and revoked_at is null`).
		WithArgs("fam-1", now).
		WillReturnResult(sqlmock.NewResult(0, 2))
	rows := sqlmock.NewRows([]string{
		"id", "identity_id", "token_hash", "family_id", "access_token_id",
		"rotated_to", "issued_at", "expires_at", "revoked_at", "device_fingerprint",
	}).
		AddRow("rt-1", "id-1", "h1", "fam-1", "jti-1", "rt-2", now.Add(-time.Hour), now.Add(6*24*time.Hour), now, nil).
		AddRow("rt-2", "id-1", "h2", "fam-1", "jti-2", nil, now.Add(-time.Minute), now.Add(7*24*time.Hour), now, "laptop")
	mock.ExpectQuery(`select .+ from refresh_tokens\s+where family_id = \$1`).
		WithArgs("fam-1").
		WillReturnRows(rows)
	mock.ExpectCommit()

	records, err := store.RefreshTokens().RevokeFamily(context.Background(), "fam-1", now)
	if err != nil {
		t.Fatalf("RevokeFamily: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("records = %d, want 2", len(records))
	}
	if records[0].RotatedTo == nil || *records[0].RotatedTo != "rt-2" {
		t.Fatalf("RotatedTo = %v", records[0].RotatedTo)
	}
	if records[1].DeviceFingerprint != "laptop" {
		t.Fatalf("fingerprint = %q", records[1].DeviceFingerprint)
	}
	expectationsMet(t, mock)
}

func TestRolesForAggregatesPermissions(t *testing.T) {
	store, mock := newMockStore(t)
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	rows := sqlmock.NewRows([]string{"id", "name", "is_system", "created_at", "updated_at", "keys"}).
		AddRow("role-1", "member", false, now, now, "tickets:read:own,tickets:update:own").
		AddRow("role-2", "qa_lead", true, now, now, "")
	mock.ExpectQuery(`select r\.id, r\.name, r\.is_system`).
		WithArgs("id-1").
		WillReturnRows(rows)

	roles, err := store.Identities().RolesFor(context.Background(), "id-1")
	if err != nil {
		t.Fatalf("RolesFor: %v", err)
	}
	if len(roles) != 2 {
		t.Fatalf("roles = %d, want 2", len(roles))
	}
	if len(roles[0].Permissions) != 2 || roles[0].Permissions[0].Key() != "tickets:read:own" {
		t.Fatalf("permissions = %v", roles[0].Permissions)
	}
	if len(roles[1].Permissions) != 0 || !roles[1].IsSystem {
		t.Fatalf("system role = %+v", roles[1])
	}
	expectationsMet(t, mock)
}

func TestBlacklistContains(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery(`select 1 from token_blacklist`).
		WithArgs("jti-1").
		WillReturnRows(sqlmock.NewRows([]string{"?column?"}).AddRow(1))
	hit, err := store.Blacklist().Contains(context.Background(), "jti-1")
	if err != nil {
		t.Fatalf("Contains: %v", err)
	}
	if !hit {
		t.Fatal("expected a hit")
	}

	mock.ExpectQuery(`select 1 from token_blacklist`).
		WithArgs("jti-2").
		WillReturnRows(sqlmock.NewRows([]string{"?column?"}))
	hit, err = store.Blacklist().Contains(context.Background(), "jti-2")
	if err != nil {
		t.Fatalf("Contains: %v", err)
	}
	if hit {
		t.Fatal("expected a miss")
	}
	expectationsMet(t, mock)
}

func TestAPIKeyFindByHash(t *testing.T) {
	store, mock := newMockStore(t)
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	rows := sqlmock.NewRows([]string{
		"id", "service_account_id", "key_hash", "prefix", "permission_keys",
		"is_active", "expires_at", "grace_until", "last_used_at", "created_at",
	}).AddRow("key-1", "sa-1", "hash", "qpk_", "reports:read:all", true, nil, nil, nil, now)
	mock.ExpectQuery(`select .+ from api_keys\s+where key_hash = \$1`).
		WithArgs("hash").
		WillReturnRows(rows)

	rec, err := store.APIKeys().FindByHash(context.Background(), "hash")
	if err != nil {
		t.Fatalf("FindByHash: %v", err)
	}
	if rec.ServiceAccountID != "sa-1" || len(rec.Permissions) != 1 {
		t.Fatalf("record = %+v", rec)
	}
	expectationsMet(t, mock)
}
