package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/mattn/go-sqlite3"
)

func isUniqueViolation(err error) bool {
	var se sqlite3.Error
	if errors.As(err, &se) {
		return se.ExtendedCode == sqlite3.ErrConstraintUnique
	}
	return false
}

// CreateAccount inserts a new account. The email must be unused.
func (s *Store) CreateAccount(ctx context.Context, a *Account) error {
	if a.CreatedAt == 0 {
		a.CreatedAt = time.Now().UnixMilli()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO accounts (account_id, email, password_hash, salt, oauth_provider, oauth_subject, sync_enabled, device_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.Email, a.PasswordHash, nullString(a.Salt), nullString(a.OAuthProvider), nullString(a.OAuthSubject),
		boolInt(a.SyncEnabled), a.DeviceID, a.CreatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicateEmail
		}
		return fmt.Errorf("insert account: %w", err)
	}
	return nil
}

const accountColumns = `account_id, email, password_hash, salt, oauth_provider, oauth_subject, sync_enabled, device_id, created_at`

func scanAccount(row interface{ Scan(...any) error }) (*Account, error) {
	var a Account
	var salt, provider, subject sql.NullString
	var syncEnabled int
	if err := row.Scan(&a.ID, &a.Email, &a.PasswordHash, &salt, &provider, &subject, &syncEnabled, &a.DeviceID, &a.CreatedAt); err != nil {
		return nil, err
	}
	a.Salt = salt.String
	a.OAuthProvider = provider.String
	a.OAuthSubject = subject.String
	a.SyncEnabled = syncEnabled != 0
	return &a, nil
}

// GetAccount returns the account with id, or nil.
func (s *Store) GetAccount(ctx context.Context, id string) (*Account, error) {
	a, err := scanAccount(s.db.QueryRowContext(ctx, `SELECT `+accountColumns+` FROM accounts WHERE account_id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query account: %w", err)
	}
	return a, nil
}

// GetAccountByEmail returns the account registered with email, or nil.
func (s *Store) GetAccountByEmail(ctx context.Context, email string) (*Account, error) {
	a, err := scanAccount(s.db.QueryRowContext(ctx, `SELECT `+accountColumns+` FROM accounts WHERE email = ?`, email))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query account by email: %w", err)
	}
	return a, nil
}

// UpdateAccount rewrites the mutable account fields.
func (s *Store) UpdateAccount(ctx context.Context, a *Account) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	res, err := s.db.ExecContext(ctx, `
		UPDATE accounts SET email = ?, password_hash = ?, salt = ?, oauth_provider = ?, oauth_subject = ?,
			sync_enabled = ?, device_id = ?
		WHERE account_id = ?`,
		a.Email, a.PasswordHash, nullString(a.Salt), nullString(a.OAuthProvider), nullString(a.OAuthSubject),
		boolInt(a.SyncEnabled), a.DeviceID, a.ID,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicateEmail
		}
		return fmt.Errorf("update account: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update account: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteAccount removes an account and, by cascade, its grants.
func (s *Store) DeleteAccount(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	res, err := s.db.ExecContext(ctx, `DELETE FROM accounts WHERE account_id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete account: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ListAccounts returns all accounts by creation time.
func (s *Store) ListAccounts(ctx context.Context) ([]*Account, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+accountColumns+` FROM accounts ORDER BY created_at, account_id`)
	if err != nil {
		return nil, fmt.Errorf("query accounts: %w", err)
	}
	defer rows.Close()

	var out []*Account
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, fmt.Errorf("scan account: %w", err)
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate accounts: %w", err)
	}
	return out, nil
}

// GrantPermission records a direct grant. An existing role grant of the
// same permission becomes direct.
func (s *Store) GrantPermission(ctx context.Context, accountID, permission, grantedBy string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO permissions (account_id, permission, granted_at, granted_by) VALUES (?, ?, ?, ?)
		ON CONFLICT(account_id, permission) DO UPDATE SET
			granted_at = excluded.granted_at,
			granted_by = excluded.granted_by`,
		accountID, permission, time.Now().UnixMilli(), grantedBy,
	)
	if err != nil {
		return fmt.Errorf("grant permission: %w", err)
	}
	return nil
}

// RevokePermission removes a grant regardless of its origin.
func (s *Store) RevokePermission(ctx context.Context, accountID, permission string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.db.ExecContext(ctx, `DELETE FROM permissions WHERE account_id = ? AND permission = ?`, accountID, permission); err != nil {
		return fmt.Errorf("revoke permission: %w", err)
	}
	return nil
}

// CreateRole stores a named permission set.
func (s *Store) CreateRole(ctx context.Context, r *Role) error {
	if r.CreatedAt == 0 {
		r.CreatedAt = time.Now().UnixMilli()
	}
	perms, err := json.Marshal(sortedSet(r.Permissions))
	if err != nil {
		return fmt.Errorf("insert role: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.db.ExecContext(ctx, `
		INSERT INTO roles (role_id, name, permissions_json, created_at) VALUES (?, ?, ?, ?)`,
		r.ID, r.Name, string(perms), r.CreatedAt,
	); err != nil {
		return fmt.Errorf("insert role: %w", err)
	}
	return nil
}

// GetRole returns the role with id, or nil.
func (s *Store) GetRole(ctx context.Context, id string) (*Role, error) {
	var r Role
	var perms string
	err := s.db.QueryRowContext(ctx, `SELECT role_id, name, permissions_json, created_at FROM roles WHERE role_id = ?`, id).
		Scan(&r.ID, &r.Name, &perms, &r.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query role: %w", err)
	}
	if err := json.Unmarshal([]byte(perms), &r.Permissions); err != nil {
		return nil, fmt.Errorf("decode role %s: %w", id, err)
	}
	return &r, nil
}

// AssignRole gives the role to the account and materializes its
// permissions as grants marked role:<id>. Existing grants are left as they
// are.
func (s *Store) AssignRole(ctx context.Context, accountID, roleID string) error {
	role, err := s.GetRole(ctx, roleID)
	if err != nil {
		return err
	}
	if role == nil {
		return ErrNotFound
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UnixMilli()
	if _, err := tx.ExecContext(ctx, `
		INSERT OR IGNORE INTO account_roles (account_id, role_id, granted_at) VALUES (?, ?, ?)`,
		accountID, roleID, now,
	); err != nil {
		return fmt.Errorf("assign role: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT OR IGNORE INTO permissions (account_id, permission, granted_at, granted_by) VALUES (?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare grant: %w", err)
	}
	defer stmt.Close()

	for _, p := range role.Permissions {
		if _, err := stmt.ExecContext(ctx, accountID, p, now, RoleGrant(roleID)); err != nil {
			return fmt.Errorf("grant %s from role %s: %w", p, roleID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit assign role: %w", err)
	}
	return nil
}

// RemoveRole takes the role away and revokes exactly the grants it
// supplied. Permissions still supplied by another assigned role are
// re-granted under that role.
func (s *Store) RemoveRole(ctx context.Context, accountID, roleID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM account_roles WHERE account_id = ? AND role_id = ?`, accountID, roleID); err != nil {
		return fmt.Errorf("remove role: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM permissions WHERE account_id = ? AND granted_by = ?`, accountID, RoleGrant(roleID)); err != nil {
		return fmt.Errorf("revoke role grants: %w", err)
	}

	rows, err := tx.QueryContext(ctx, `
		SELECT r.role_id, r.permissions_json FROM account_roles ar
		JOIN roles r ON r.role_id = ar.role_id
		WHERE ar.account_id = ?
		ORDER BY ar.granted_at, r.role_id`, accountID)
	if err != nil {
		return fmt.Errorf("query remaining roles: %w", err)
	}
	type grant struct{ perm, role string }
	var regrants []grant
	for rows.Next() {
		var id, raw string
		if err := rows.Scan(&id, &raw); err != nil {
			rows.Close()
			return fmt.Errorf("scan role: %w", err)
		}
		var perms []string
		if err := json.Unmarshal([]byte(raw), &perms); err != nil {
			rows.Close()
			return fmt.Errorf("decode role %s: %w", id, err)
		}
		for _, p := range perms {
			regrants = append(regrants, grant{perm: p, role: id})
		}
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return fmt.Errorf("iterate roles: %w", err)
	}
	rows.Close()

	now := time.Now().UnixMilli()
	for _, g := range regrants {
		if _, err := tx.ExecContext(ctx, `
			INSERT OR IGNORE INTO permissions (account_id, permission, granted_at, granted_by) VALUES (?, ?, ?, ?)`,
			accountID, g.perm, now, RoleGrant(g.role),
		); err != nil {
			return fmt.Errorf("regrant %s: %w", g.perm, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit remove role: %w", err)
	}
	return nil
}

// ListPermissions returns the account's grants ordered by permission.
func (s *Store) ListPermissions(ctx context.Context, accountID string) ([]Permission, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT account_id, permission, granted_at, granted_by FROM permissions
		WHERE account_id = ? ORDER BY permission`, accountID)
	if err != nil {
		return nil, fmt.Errorf("query permissions: %w", err)
	}
	defer rows.Close()

	var out []Permission
	for rows.Next() {
		var p Permission
		if err := rows.Scan(&p.AccountID, &p.Permission, &p.GrantedAt, &p.GrantedBy); err != nil {
			return nil, fmt.Errorf("scan permission: %w", err)
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate permissions: %w", err)
	}
	return out, nil
}

// RolesForAccount returns the ids of the roles assigned to the account.
func (s *Store) RolesForAccount(ctx context.Context, accountID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT role_id FROM account_roles WHERE account_id = ? ORDER BY granted_at, role_id`, accountID)
	if err != nil {
		return nil, fmt.Errorf("query account roles: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan account role: %w", err)
		}
		out = append(out, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate account roles: %w", err)
	}
	return out, nil
}

// HasPermission reports whether the account holds permission directly or
// through any assigned role.
func (s *Store) HasPermission(ctx context.Context, accountID, permission string) (bool, error) {
	var direct int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM permissions WHERE account_id = ? AND permission = ?`, accountID, permission,
	).Scan(&direct)
	if err != nil {
		return false, fmt.Errorf("query permission: %w", err)
	}
	if direct > 0 {
		return true, nil
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT r.permissions_json FROM account_roles ar
		JOIN roles r ON r.role_id = ar.role_id
		WHERE ar.account_id = ?`, accountID)
	if err != nil {
		return false, fmt.Errorf("query role permissions: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return false, fmt.Errorf("scan role permissions: %w", err)
		}
		var perms []string
		if err := json.Unmarshal([]byte(raw), &perms); err != nil {
			return false, fmt.Errorf("decode role permissions: %w", err)
		}
		for _, p := range perms {
			if p == permission {
				return true, nil
			}
		}
	}
	if err := rows.Err(); err != nil {
		return false, fmt.Errorf("iterate role permissions: %w", err)
	}
	return false, nil
}

func sortedSet(in []string) []string {
	seen := make(map[string]bool, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		if s == "" || seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}
