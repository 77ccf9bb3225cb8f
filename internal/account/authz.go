package account

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"devcompanion/internal/store"
)

// Permissions checked by the CLI.
const (
	PermSync       = "sync"
	PermAdmin      = "admin"
	PermReadEvents = "events:read"
)

// ErrForbidden is returned when the current account lacks a permission.
var ErrForbidden = errors.New("account: permission denied")

// PermissionStore is the permission and role persistence.
type PermissionStore interface {
	GrantPermission(ctx context.Context, accountID, permission, grantedBy string) error
	RevokePermission(ctx context.Context, accountID, permission string) error
	CreateRole(ctx context.Context, r *store.Role) error
	GetRole(ctx context.Context, id string) (*store.Role, error)
	AssignRole(ctx context.Context, accountID, roleID string) error
	RemoveRole(ctx context.Context, accountID, roleID string) error
	ListPermissions(ctx context.Context, accountID string) ([]store.Permission, error)
	RolesForAccount(ctx context.Context, accountID string) ([]string, error)
	HasPermission(ctx context.Context, accountID, permission string) (bool, error)
}

// Authorizer answers permission questions for the current account and
// manages grants.
type Authorizer struct {
	store  PermissionStore
	ctx    *Context
	logger *slog.Logger
}

// NewAuthorizer returns an authorizer reading the current account from ac.
func NewAuthorizer(s PermissionStore, ac *Context, logger *slog.Logger) *Authorizer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Authorizer{store: s, ctx: ac, logger: logger}
}

// Require returns nil if the current account holds permission.
func (a *Authorizer) Require(ctx context.Context, permission string) error {
	cur := a.ctx.Current()
	if cur == nil {
		return ErrNotSignedIn
	}
	ok, err := a.store.HasPermission(ctx, cur.ID, permission)
	if err != nil {
		return fmt.Errorf("check permission: %w", err)
	}
	if !ok {
		a.logger.Debug("permission denied", "account_id", cur.ID, "permission", permission)
		return fmt.Errorf("%w: %s", ErrForbidden, permission)
	}
	return nil
}

// Grant gives accountID a direct permission, recorded as granted by the
// current account.
func (a *Authorizer) Grant(ctx context.Context, accountID, permission string) error {
	if err := a.store.GrantPermission(ctx, accountID, permission, a.actor()); err != nil {
		return err
	}
	a.logger.Info("permission granted", "account_id", accountID, "permission", permission)
	return nil
}

// Revoke removes a permission.
func (a *Authorizer) Revoke(ctx context.Context, accountID, permission string) error {
	if err := a.store.RevokePermission(ctx, accountID, permission); err != nil {
		return err
	}
	a.logger.Info("permission revoked", "account_id", accountID, "permission", permission)
	return nil
}

// DefineRole creates a role unless one with the same id exists.
func (a *Authorizer) DefineRole(ctx context.Context, r *store.Role) error {
	existing, err := a.store.GetRole(ctx, r.ID)
	if err != nil {
		return err
	}
	if existing != nil {
		return nil
	}
	return a.store.CreateRole(ctx, r)
}

// AssignRole grants every permission of roleID to accountID.
func (a *Authorizer) AssignRole(ctx context.Context, accountID, roleID string) error {
	if err := a.store.AssignRole(ctx, accountID, roleID); err != nil {
		return err
	}
	a.logger.Info("role assigned", "account_id", accountID, "role", roleID)
	return nil
}

// RemoveRole revokes what roleID supplied.
func (a *Authorizer) RemoveRole(ctx context.Context, accountID, roleID string) error {
	if err := a.store.RemoveRole(ctx, accountID, roleID); err != nil {
		return err
	}
	a.logger.Info("role removed", "account_id", accountID, "role", roleID)
	return nil
}

// Permissions lists the grants and role ids of accountID.
func (a *Authorizer) Permissions(ctx context.Context, accountID string) ([]store.Permission, []string, error) {
	perms, err := a.store.ListPermissions(ctx, accountID)
	if err != nil {
		return nil, nil, err
	}
	roles, err := a.store.RolesForAccount(ctx, accountID)
	if err != nil {
		return nil, nil, err
	}
	return perms, roles, nil
}

func (a *Authorizer) actor() string {
	if cur := a.ctx.Current(); cur != nil {
		return cur.ID
	}
	return "system"
}
