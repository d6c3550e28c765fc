package pg

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"qapms.org/internal/auth"
)

type identityStore struct {
	db *sql.DB
}

func (s *identityStore) Create(ctx context.Context, identity *auth.Identity) error {
	_, err := s.db.ExecContext(ctx, `
		insert into identities (id, email, password_hash, status, mfa_enabled, created_at, updated_at)
		values ($1, $2, $3, $4, $5, $6, $7)
	`, identity.ID, identity.Email, identity.PasswordHash, identity.Status, identity.MFAEnabled,
		identity.CreatedAt, identity.UpdatedAt)
	if err != nil {
		return mapWriteError(err)
	}
	return nil
}

func (s *identityStore) Find(ctx context.Context, id string) (*auth.Identity, error) {
	return s.scanOne(s.db.QueryRowContext(ctx, `
		select id, email, password_hash, status, mfa_enabled, locked_until, created_at, updated_at
		from identities
		where id = $1
	`, id))
}

func (s *identityStore) FindByEmail(ctx context.Context, email string) (*auth.Identity, error) {
	return s.scanOne(s.db.QueryRowContext(ctx, `
		select id, email, password_hash, status, mfa_enabled, locked_until, created_at, updated_at
		from identities
		where email = $1
	`, email))
}

func (s *identityStore) scanOne(row *sql.Row) (*auth.Identity, error) {
	var (
		identity auth.Identity
		locked   sql.NullTime
	)
	err := row.Scan(&identity.ID, &identity.Email, &identity.PasswordHash, &identity.Status,
		&identity.MFAEnabled, &locked, &identity.CreatedAt, &identity.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, auth.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if locked.Valid {
		identity.LockedUntil = &locked.Time
	}
	return &identity, nil
}

func (s *identityStore) UpdatePassword(ctx context.Context, id, passwordHash string) error {
	return s.exec(ctx, `
		update identities set password_hash = $2, updated_at = now() where id = $1
	`, id, passwordHash)
}

func (s *identityStore) UpdateStatus(ctx context.Context, id, status string) error {
	return s.exec(ctx, `
		update identities set status = $2, updated_at = now() where id = $1
	`, id, status)
}

func (s *identityStore) SetLockedUntil(ctx context.Context, id string, until *time.Time) error {
	return s.exec(ctx, `
		update identities set locked_until = $2, updated_at = now() where id = $1
	`, id, nullIfZero(until))
}

func (s *identityStore) exec(ctx context.Context, query string, args ...any) error {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return mapWriteError(err)
	}
	aff, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if aff == 0 {
		return auth.ErrNotFound
	}
	return nil
}

func (s *identityStore) AssignRole(ctx context.Context, identityID, roleID string) error {
	_, err := s.db.ExecContext(ctx, `
		insert into identity_roles (identity_id, role_id)
		values ($1, $2)
		on conflict (identity_id, role_id) do nothing
	`, identityID, roleID)
	return mapWriteError(err)
}

func (s *identityStore) RemoveRole(ctx context.Context, identityID, roleID string) error {
	_, err := s.db.ExecContext(ctx, `
		delete from identity_roles where identity_id = $1 and role_id = $2
	`, identityID, roleID)
	return err
}

func (s *identityStore) RolesFor(ctx context.Context, identityID string) ([]auth.Role, error) {
	rows, err := s.db.QueryContext(ctx, `
		select r.id, r.name, r.is_system, r.created_at, r.updated_at,
		       coalesce(string_agg(rp.permission_key, ','), '')
		from identity_roles ir
		join roles r on r.id = ir.role_id
		left join role_permissions rp on rp.role_id = r.id
		where ir.identity_id = $1
		group by r.id, r.name, r.is_system, r.created_at, r.updated_at
		order by r.name
	`, identityID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanRoles(rows)
}
