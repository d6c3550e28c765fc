package pg

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"qapms.org/internal/auth"
)

type oauthAccountStore struct {
	db *sql.DB
}

func (s *oauthAccountStore) Create(ctx context.Context, acct *auth.OAuthAccount) error {
	_, err := s.db.ExecContext(ctx, `
		insert into oauth_accounts
			(provider, provider_user_id, identity_id, access_token_enc, refresh_token_enc, expires_at, created_at, updated_at)
		values ($1, $2, $3, $4, $5, $6, $7, $8)
	`, acct.Provider, acct.ProviderUserID, acct.IdentityID, acct.AccessTokenEnc, acct.RefreshTokenEnc,
		acct.ExpiresAt, acct.CreatedAt, acct.UpdatedAt)
	return mapWriteError(err)
}

func (s *oauthAccountStore) Find(ctx context.Context, provider, providerUserID string) (*auth.OAuthAccount, error) {
	var acct auth.OAuthAccount
	err := s.db.QueryRowContext(ctx, `
		select provider, provider_user_id, identity_id, access_token_enc, refresh_token_enc, expires_at, created_at, updated_at
		from oauth_accounts
		where provider = $1 and provider_user_id = $2
	`, provider, providerUserID).Scan(&acct.Provider, &acct.ProviderUserID, &acct.IdentityID,
		&acct.AccessTokenEnc, &acct.RefreshTokenEnc, &acct.ExpiresAt, &acct.CreatedAt, &acct.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, auth.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &acct, nil
}

func (s *oauthAccountStore) ListForIdentity(ctx context.Context, identityID string) ([]auth.OAuthAccount, error) {
	rows, err := s.db.QueryContext(ctx, `
		select provider, provider_user_id, identity_id, access_token_enc, refresh_token_enc, expires_at, created_at, updated_at
		from oauth_accounts
		where identity_id = $1
		order by provider
	`, identityID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var accounts []auth.OAuthAccount
	for rows.Next() {
		var acct auth.OAuthAccount
		if err := rows.Scan(&acct.Provider, &acct.ProviderUserID, &acct.IdentityID,
			&acct.AccessTokenEnc, &acct.RefreshTokenEnc, &acct.ExpiresAt, &acct.CreatedAt, &acct.UpdatedAt); err != nil {
			return nil, err
		}
		accounts = append(accounts, acct)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return accounts, nil
}

func (s *oauthAccountStore) UpdateTokens(ctx context.Context, provider, providerUserID, accessEnc, refreshEnc string, expiresAt time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		update oauth_accounts
		set access_token_enc = $3, refresh_token_enc = $4, expires_at = $5, updated_at = now()
		where provider = $1 and provider_user_id = $2
	`, provider, providerUserID, accessEnc, refreshEnc, expiresAt)
	if err != nil {
		return err
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

type serviceAccountStore struct {
	db *sql.DB
}

func (s *serviceAccountStore) Create(ctx context.Context, acct *auth.ServiceAccount) error {
	_, err := s.db.ExecContext(ctx, `
		insert into service_accounts (id, name, created_at) values ($1, $2, $3)
	`, acct.ID, acct.Name, acct.CreatedAt)
	return mapWriteError(err)
}

func (s *serviceAccountStore) Find(ctx context.Context, id string) (*auth.ServiceAccount, error) {
	var acct auth.ServiceAccount
	err := s.db.QueryRowContext(ctx, `
		select id, name, created_at from service_accounts where id = $1
	`, id).Scan(&acct.ID, &acct.Name, &acct.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, auth.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &acct, nil
}

func (s *serviceAccountStore) List(ctx context.Context) ([]auth.ServiceAccount, error) {
	rows, err := s.db.QueryContext(ctx, `
		select id, name, created_at from service_accounts order by name
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var accounts []auth.ServiceAccount
	for rows.Next() {
		var acct auth.ServiceAccount
		if err := rows.Scan(&acct.ID, &acct.Name, &acct.CreatedAt); err != nil {
			return nil, err
		}
		accounts = append(accounts, acct)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return accounts, nil
}

type apiKeyStore struct {
	db *sql.DB
}

const apiKeyColumns = `id, service_account_id, key_hash, prefix, permission_keys,
       is_active, expires_at, grace_until, last_used_at, created_at`

func (s *apiKeyStore) Create(ctx context.Context, rec *auth.APIKeyRecord) error {
	keys := make([]string, 0, len(rec.Permissions))
	for _, p := range rec.Permissions {
		keys = append(keys, p.Key())
	}
	_, err := s.db.ExecContext(ctx, `
		insert into api_keys (id, service_account_id, key_hash, prefix, permission_keys, is_active, expires_at, created_at)
		values ($1, $2, $3, $4, $5, $6, $7, $8)
	`, rec.ID, rec.ServiceAccountID, rec.KeyHash, rec.Prefix, strings.Join(keys, ","),
		rec.IsActive, nullIfZero(rec.ExpiresAt), rec.CreatedAt)
	return mapWriteError(err)
}

func (s *apiKeyStore) FindByHash(ctx context.Context, keyHash string) (*auth.APIKeyRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		select `+apiKeyColumns+`
		from api_keys
		where key_hash = $1
	`, keyHash)
	rec, err := scanAPIKey(row)
	if err != nil {
		return nil, err
	}
	return rec, nil
}

func (s *apiKeyStore) ListForAccount(ctx context.Context, serviceAccountID string) ([]auth.APIKeyRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		select `+apiKeyColumns+`
		from api_keys
		where service_account_id = $1
		order by created_at
	`, serviceAccountID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []auth.APIKeyRecord
	for rows.Next() {
		rec, err := scanAPIKey(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, *rec)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return records, nil
}

func (s *apiKeyStore) SetGraceUntil(ctx context.Context, id string, until time.Time) error {
	return s.exec(ctx, `update api_keys set grace_until = $2 where id = $1`, id, until)
}

func (s *apiKeyStore) Deactivate(ctx context.Context, id string) error {
	return s.exec(ctx, `update api_keys set is_active = false where id = $1`, id)
}

func (s *apiKeyStore) TouchLastUsed(ctx context.Context, id string, at time.Time) error {
	return s.exec(ctx, `update api_keys set last_used_at = $2 where id = $1`, id, at)
}

func (s *apiKeyStore) exec(ctx context.Context, query string, args ...any) error {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
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

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAPIKey(row rowScanner) (*auth.APIKeyRecord, error) {
	var (
		rec        auth.APIKeyRecord
		keys       string
		expiresAt  sql.NullTime
		graceUntil sql.NullTime
		lastUsed   sql.NullTime
	)
	err := row.Scan(&rec.ID, &rec.ServiceAccountID, &rec.KeyHash, &rec.Prefix, &keys,
		&rec.IsActive, &expiresAt, &graceUntil, &lastUsed, &rec.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, auth.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if keys != "" {
		for _, key := range strings.Split(keys, ",") {
			p, perr := auth.ParsePermission(key)
			if perr != nil {
				return nil, perr
			}
			rec.Permissions = append(rec.Permissions, p)
		}
	}
	if expiresAt.Valid {
		rec.ExpiresAt = &expiresAt.Time
	}
	if graceUntil.Valid {
		rec.GraceUntil = &graceUntil.Time
	}
	if lastUsed.Valid {
		rec.LastUsedAt = &lastUsed.Time
	}
	return &rec, nil
}
