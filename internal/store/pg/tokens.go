package pg

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"qapms.org/internal/auth"
)

type refreshTokenStore struct {
	db *sql.DB
}

const refreshColumns = `id, identity_id, token_hash, family_id, access_token_id,
       rotated_to, issued_at, expires_at, revoked_at, device_fingerprint`

func (s *refreshTokenStore) Create(ctx context.Context, rec *auth.RefreshTokenRecord) error {
	_, err := s.db.ExecContext(ctx, `
		insert into refresh_tokens
			(id, identity_id, token_hash, family_id, access_token_id, issued_at, expires_at, device_fingerprint)
		values ($1, $2, $3, $4, $5, $6, $7, nullif($8, ''))
	`, rec.ID, rec.IdentityID, rec.TokenHash, rec.FamilyID, rec.AccessTokenID,
		rec.IssuedAt, rec.ExpiresAt, rec.DeviceFingerprint)
	return mapWriteError(err)
}

func (s *refreshTokenStore) FindByHash(ctx context.Context, tokenHash string) (*auth.RefreshTokenRecord, error) {
	return s.scanOne(s.db.QueryRowContext(ctx, `
		select `+refreshColumns+`
		from refresh_tokens
		where token_hash = $1
	`, tokenHash))
}

func (s *refreshTokenStore) FindByAccessTokenID(ctx context.Context, jti string) (*auth.RefreshTokenRecord, error) {
	return s.scanOne(s.db.QueryRowContext(ctx, `
		select `+refreshColumns+`
		from refresh_tokens
		where access_token_id = $1
	`, jti))
}

func (s *refreshTokenStore) scanOne(row *sql.Row) (*auth.RefreshTokenRecord, error) {
	var (
		rec         auth.RefreshTokenRecord
		rotatedTo   sql.NullString
		revokedAt   sql.NullTime
		fingerprint sql.NullString
	)
	err := row.Scan(&rec.ID, &rec.IdentityID, &rec.TokenHash, &rec.FamilyID, &rec.AccessTokenID,
		&rotatedTo, &rec.IssuedAt, &rec.ExpiresAt, &revokedAt, &fingerprint)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, auth.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if rotatedTo.Valid {
		rec.RotatedTo = &rotatedTo.String
	}
	if revokedAt.Valid {
		rec.RevokedAt = &revokedAt.Time
	}
	if fingerprint.Valid {
		rec.DeviceFingerprint = fingerprint.String
	}
	return &rec, nil
}

// MarkRotated is the compare-and-set behind rotation: the update matches
// only while the record is unrotated and unrevoked, so of two concurrent
// rotations exactly one sees an affected row.
func (s *refreshTokenStore) MarkRotated(ctx context.Context, id, rotatedTo string) error {
	res, err := s.db.ExecContext(ctx, `
		update refresh_tokens
		set rotated_to = $2
		where id = $1 and rotated_to is null and revoked_at is null
	`, id, rotatedTo)
	if err != nil {
		return err
	}
	aff, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if aff == 0 {
		return auth.ErrConflict
	}
	return nil
}

func (s *refreshTokenStore) MarkRevoked(ctx context.Context, id string, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		update refresh_tokens
		set revoked_at = $2
		where id = $1 and revoked_at is null
	`, id, at)
	return err
}

func (s *refreshTokenStore) RevokeFamily(ctx context.Context, familyID string, at time.Time) ([]auth.RefreshTokenRecord, error) {
	return s.revokeWhere(ctx, "family_id", familyID, at)
}

func (s *refreshTokenStore) RevokeAllForIdentity(ctx context.Context, identityID string, at time.Time) ([]auth.RefreshTokenRecord, error) {
	return s.revokeWhere(ctx, "identity_id", identityID, at)
}

func (s *refreshTokenStore) revokeWhere(ctx context.Context, column, value string, at time.Time) ([]auth.RefreshTokenRecord, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		update refresh_tokens set revoked_at = $2
		where `+column+` = $1 and revoked_at is null
	`, value, at); err != nil {
		return nil, err
	}
	rows, err := tx.QueryContext(ctx, `
		select `+refreshColumns+`
		from refresh_tokens
		where `+column+` = $1
		order by issued_at
	`, value)
	if err != nil {
		return nil, err
	}
	records, err := collectRefresh(rows)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return records, nil
}

func collectRefresh(rows *sql.Rows) ([]auth.RefreshTokenRecord, error) {
	defer rows.Close()
	var records []auth.RefreshTokenRecord
	for rows.Next() {
		var (
			rec         auth.RefreshTokenRecord
			rotatedTo   sql.NullString
			revokedAt   sql.NullTime
			fingerprint sql.NullString
		)
		if err := rows.Scan(&rec.ID, &rec.IdentityID, &rec.TokenHash, &rec.FamilyID, &rec.AccessTokenID,
			&rotatedTo, &rec.IssuedAt, &rec.ExpiresAt, &revokedAt, &fingerprint); err != nil {
			return nil, err
		}
		if rotatedTo.Valid {
			rec.RotatedTo = &rotatedTo.String
		}
		if revokedAt.Valid {
			rec.RevokedAt = &revokedAt.Time
		}
		if fingerprint.Valid {
			rec.DeviceFingerprint = fingerprint.String
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return records, nil
}

// blacklistStore is the shared jti blacklist across API instances.
type blacklistStore struct {
	db *sql.DB
}

func (s *blacklistStore) Add(ctx context.Context, entry auth.BlacklistEntry) error {
	_, err := s.db.ExecContext(ctx, `
		insert into token_blacklist (jti, expires_at)
		values ($1, $2)
		on conflict (jti) do nothing
	`, entry.JTI, entry.ExpiresAt)
	return err
}

func (s *blacklistStore) Contains(ctx context.Context, jti string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx, `
		select 1 from token_blacklist where jti = $1 and expires_at > now()
	`, jti).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (s *blacklistStore) Purge(ctx context.Context, now time.Time) error {
	_, err := s.db.ExecContext(ctx, `delete from token_blacklist where expires_at <= $1`, now)
	return err
}
