// Package account holds the signed-in account state shared by the password
// service, the authorizer and the sync coordinator.
package account

import (
	"context"
	"fmt"
	"sync"

	"devcompanion/internal/cloudsync"
	"devcompanion/internal/store"
)

// sync_state keys for the persisted session.
const (
	KeyCurrentAccount = "current_account_id"
	KeyToken          = "auth_token"
)

// Store is the persistence the account services need.
type Store interface {
	CreateAccount(ctx context.Context, a *store.Account) error
	GetAccount(ctx context.Context, id string) (*store.Account, error)
	GetAccountByEmail(ctx context.Context, email string) (*store.Account, error)
	UpdateAccount(ctx context.Context, a *store.Account) error
	GetSyncState(ctx context.Context, key string) (string, bool, error)
	PutSyncState(ctx context.Context, key, value string) error
}

// Context is the current account and bearer token. It is safe for
// concurrent use and implements cloudsync.CredentialSource.
type Context struct {
	store Store

	mu      sync.RWMutex
	account *store.Account
	token   string
}

// NewContext returns an empty context backed by s.
func NewContext(s Store) *Context {
	return &Context{store: s}
}

// Load restores the session persisted by a previous process.
func (c *Context) Load(ctx context.Context) error {
	id, ok, err := c.store.GetSyncState(ctx, KeyCurrentAccount)
	if err != nil {
		return fmt.Errorf("load session: %w", err)
	}
	if !ok || id == "" {
		return nil
	}
	a, err := c.store.GetAccount(ctx, id)
	if err != nil {
		return fmt.Errorf("load session: %w", err)
	}
	if a == nil {
		return nil
	}
	token, _, err := c.store.GetSyncState(ctx, KeyToken)
	if err != nil {
		return fmt.Errorf("load session: %w", err)
	}

	c.mu.Lock()
	c.account = a
	c.token = token
	c.mu.Unlock()
	return nil
}

// Current returns a copy of the signed-in account, or nil.
func (c *Context) Current() *store.Account {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.account == nil {
		return nil
	}
	a := *c.account
	return &a
}

// Token returns the bearer token for the remote service.
func (c *Context) Token() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.token
}

// SignIn makes a the current account and persists the choice.
func (c *Context) SignIn(ctx context.Context, a *store.Account) error {
	if err := c.store.PutSyncState(ctx, KeyCurrentAccount, a.ID); err != nil {
		return fmt.Errorf("save session: %w", err)
	}
	cp := *a
	c.mu.Lock()
	if c.account == nil || c.account.ID != a.ID {
		c.token = ""
	}
	c.account = &cp
	c.mu.Unlock()
	return nil
}

// SetToken stores the bearer token issued by the remote service.
func (c *Context) SetToken(ctx context.Context, token string) error {
	if err := c.store.PutSyncState(ctx, KeyToken, token); err != nil {
		return fmt.Errorf("save token: %w", err)
	}
	c.mu.Lock()
	c.token = token
	c.mu.Unlock()
	return nil
}

// SignOut clears the session.
func (c *Context) SignOut(ctx context.Context) error {
	if err := c.store.PutSyncState(ctx, KeyCurrentAccount, ""); err != nil {
		return fmt.Errorf("clear session: %w", err)
	}
	if err := c.store.PutSyncState(ctx, KeyToken, ""); err != nil {
		return fmt.Errorf("clear session: %w", err)
	}
	c.mu.Lock()
	c.account = nil
	c.token = ""
	c.mu.Unlock()
	return nil
}

func (c *Context) update(a *store.Account) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.account != nil && c.account.ID == a.ID {
		cp := *a
		c.account = &cp
	}
}

// Credentials implements cloudsync.CredentialSource.
func (c *Context) Credentials() (cloudsync.Credentials, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.account == nil {
		return cloudsync.Credentials{}, false
	}
	return cloudsync.Credentials{
		AccountID:   c.account.ID,
		DeviceID:    c.account.DeviceID,
		Token:       c.token,
		SyncEnabled: c.account.SyncEnabled,
	}, true
}

var _ cloudsync.CredentialSource = (*Context)(nil)
