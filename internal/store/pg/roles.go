package pg

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"qapms.org/internal/auth"
)

type roleStore struct {
	db *sql.DB
}

const roleColumns = `r.id, r.name, r.is_system, r.created_at, r.updated_at,
       coalesce(string_agg(rp.permission_key, ','), '')`

func (s *roleStore) Create(ctx context.Context, role *auth.Role) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		insert into roles (id, name, is_system, created_at, updated_at)
		values ($1, $2, $3, $4, $5)
	`, role.ID, role.Name, role.IsSystem, role.CreatedAt, role.UpdatedAt); err != nil {
		return mapWriteError(err)
	}
	for _, p := range role.Permissions {
		if _, err := tx.ExecContext(ctx, `
			insert into role_permissions (role_id, permission_key) values ($1, $2)
		`, role.ID, p.Key()); err != nil {
			return mapWriteError(err)
		}
	}
	return tx.Commit()
}

func (s *roleStore) Find(ctx context.Context, id string) (*auth.Role, error) {
	return s.findWhere(ctx, "r.id = $1", id)
}

func (s *roleStore) FindByName(ctx context.Context, name string) (*auth.Role, error) {
	return s.findWhere(ctx, "r.name = $1", name)
}

func (s *roleStore) findWhere(ctx context.Context, cond string, arg any) (*auth.Role, error) {
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(`
		select %s
		from roles r
		left join role_permissions rp on rp.role_id = r.id
		where %s
		group by r.id, r.name, r.is_system, r.created_at, r.updated_at
	`, roleColumns, cond), arg)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	roles, err := scanRoles(rows)
	if err != nil {
		return nil, err
	}
	if len(roles) == 0 {
		return nil, auth.ErrNotFound
	}
	return &roles[0], nil
}

func (s *roleStore) List(ctx context.Context) ([]auth.Role, error) {
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(`
		select %s
		from roles r
		left join role_permissions rp on rp.role_id = r.id
		group by r.id, r.name, r.is_system, r.created_at, r.updated_at
		order by r.name
	`, roleColumns))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanRoles(rows)
}

func (s *roleStore) SetPermissions(ctx context.Context, roleID string, perms []auth.Permission) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	var exists int
	if err := tx.QueryRowContext(ctx, `select 1 from roles where id = $1`, roleID).Scan(&exists); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return auth.ErrNotFound
		}
		return err
	}
	if _, err := tx.ExecContext(ctx, `delete from role_permissions where role_id = $1`, roleID); err != nil {
		return err
	}
	for _, p := range perms {
		if _, err := tx.ExecContext(ctx, `
			insert into role_permissions (role_id, permission_key) values ($1, $2)
		`, roleID, p.Key()); err != nil {
			return mapWriteError(err)
		}
	}
	if _, err := tx.ExecContext(ctx, `update roles set updated_at = now() where id = $1`, roleID); err != nil {
		return err
	}
	return tx.Commit()
}

// scanRoles reads rows of role columns plus a comma-joined permission key
// list, as produced by the string_agg queries above.
func scanRoles(rows *sql.Rows) ([]auth.Role, error) {
	var roles []auth.Role
	for rows.Next() {
		var (
			role auth.Role
			keys string
		)
		if err := rows.Scan(&role.ID, &role.Name, &role.IsSystem, &role.CreatedAt, &role.UpdatedAt, &keys); err != nil {
			return nil, err
		}
		if keys != "" {
			for _, key := range strings.Split(keys, ",") {
				p, err := auth.ParsePermission(key)
				if err != nil {
					return nil, fmt.Errorf("role %s: %w", role.ID, err)
				}
				role.Permissions = append(role.Permissions, p)
			}
		}
		roles = append(roles, role)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return roles, nil
}

type overrideStore struct {
	db *sql.DB
}

func (s *overrideStore) Set(ctx context.Context, o auth.Override) error {
	_, err := s.db.ExecContext(ctx, `
		insert into permission_overrides (identity_id, permission_key, effect)
		values ($1, $2, $3)
		on conflict (identity_id, permission_key) do update set effect = excluded.effect
	`, o.IdentityID, o.Permission.Key(), string(o.Effect))
	return mapWriteError(err)
}

func (s *overrideStore) Remove(ctx context.Context, identityID string, perm auth.Permission) error {
	_, err := s.db.ExecContext(ctx, `
		delete from permission_overrides where identity_id = $1 and permission_key = $2
	`, identityID, perm.Key())
	return err
}

func (s *overrideStore) ListFor(ctx context.Context, identityID string) ([]auth.Override, error) {
	rows, err := s.db.QueryContext(ctx, `
		select identity_id, permission_key, effect
		from permission_overrides
		where identity_id = $1
	`, identityID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var overrides []auth.Override
	for rows.Next() {
		var (
			o      auth.Override
			key    string
			effect string
		)
		if err := rows.Scan(&o.IdentityID, &key, &effect); err != nil {
			return nil, err
		}
		p, err := auth.ParsePermission(key)
		if err != nil {
			return nil, err
		}
		o.Permission = p
		o.Effect = auth.OverrideEffect(effect)
		overrides = append(overrides, o)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return overrides, nil
}
