package account

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"net/mail"
	"strings"

	"github.com/google/uuid"
	"golang.org/x/crypto/argon2"

	"devcompanion/internal/store"
)

var (
	// ErrInvalidCredentials is returned for an unknown email or wrong
	// password. The two cases are not distinguished.
	ErrInvalidCredentials = errors.New("account: invalid credentials")
	// ErrNotSignedIn is returned when an operation needs a current account.
	ErrNotSignedIn = errors.New("account: not signed in")
)

// MinPasswordLength is the shortest accepted password.
const MinPasswordLength = 8

// Params are the argon2id cost parameters.
type Params struct {
	Time    uint32
	Memory  uint32
	Threads uint8
	KeyLen  uint32
	SaltLen int
}

// DefaultParams follow the OWASP argon2id recommendation.
var DefaultParams = Params{Time: 3, Memory: 64 * 1024, Threads: 4, KeyLen: 32, SaltLen: 16}

// Service registers accounts and verifies passwords.
type Service struct {
	store  Store
	ctx    *Context
	params Params
	logger *slog.Logger
}

// NewService returns a password service that signs accounts into ac.
func NewService(s Store, ac *Context, params Params, logger *slog.Logger) *Service {
	if params.KeyLen == 0 {
		params = DefaultParams
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{store: s, ctx: ac, params: params, logger: logger}
}

// HashPassword derives a hash for password with a fresh salt. Both are
// base64 encoded.
func (s *Service) HashPassword(password string) (hash, salt string, err error) {
	raw := make([]byte, s.params.SaltLen)
	if _, err := rand.Read(raw); err != nil {
		return "", "", fmt.Errorf("generate salt: %w", err)
	}
	key := argon2.IDKey([]byte(password), raw, s.params.Time, s.params.Memory, s.params.Threads, s.params.KeyLen)
	return base64.RawStdEncoding.EncodeToString(key), base64.RawStdEncoding.EncodeToString(raw), nil
}

// VerifyPassword reports whether password matches hash and salt.
func (s *Service) VerifyPassword(password, hash, salt string) (bool, error) {
	rawSalt, err := base64.RawStdEncoding.DecodeString(salt)
	if err != nil {
		return false, fmt.Errorf("decode salt: %w", err)
	}
	want, err := base64.RawStdEncoding.DecodeString(hash)
	if err != nil {
		return false, fmt.Errorf("decode hash: %w", err)
	}
	got := argon2.IDKey([]byte(password), rawSalt, s.params.Time, s.params.Memory, s.params.Threads, uint32(len(want)))
	return subtle.ConstantTimeCompare(got, want) == 1, nil
}

// Register creates a local account with a new device id and signs it in.
func (s *Service) Register(ctx context.Context, email, password string) (*store.Account, error) {
	email, err := normalizeEmail(email)
	if err != nil {
		return nil, err
	}
	if len(password) < MinPasswordLength {
		return nil, fmt.Errorf("register: password must be at least %d characters", MinPasswordLength)
	}
	hash, salt, err := s.HashPassword(password)
	if err != nil {
		return nil, fmt.Errorf("register: %w", err)
	}
	a := &store.Account{
		ID:           uuid.NewString(),
		Email:        email,
		PasswordHash: hash,
		Salt:         salt,
		DeviceID:     uuid.NewString(),
	}
	if err := s.store.CreateAccount(ctx, a); err != nil {
		return nil, fmt.Errorf("register: %w", err)
	}
	if err := s.ctx.SignIn(ctx, a); err != nil {
		return nil, err
	}
	s.logger.Info("account registered", "account_id", a.ID, "device_id", a.DeviceID)
	return a, nil
}

// Login verifies the password and signs the account in.
func (s *Service) Login(ctx context.Context, email, password string) (*store.Account, error) {
	email, err := normalizeEmail(email)
	if err != nil {
		return nil, ErrInvalidCredentials
	}
	a, err := s.store.GetAccountByEmail(ctx, email)
	if err != nil {
		return nil, fmt.Errorf("login: %w", err)
	}
	if a == nil || a.PasswordHash == "" {
		s.logger.Debug("login rejected", "reason", "unknown account")
		return nil, ErrInvalidCredentials
	}
	ok, err := s.VerifyPassword(password, a.PasswordHash, a.Salt)
	if err != nil {
		return nil, fmt.Errorf("login: %w", err)
	}
	if !ok {
		s.logger.Debug("login rejected", "account_id", a.ID, "reason", "password mismatch")
		return nil, ErrInvalidCredentials
	}
	if err := s.ctx.SignIn(ctx, a); err != nil {
		return nil, err
	}
	s.logger.Info("account signed in", "account_id", a.ID)
	return a, nil
}

// ChangePassword replaces the current account's password after checking
// the old one.
func (s *Service) ChangePassword(ctx context.Context, oldPassword, newPassword string) error {
	a, err := s.fresh(ctx)
	if err != nil {
		return err
	}
	ok, err := s.VerifyPassword(oldPassword, a.PasswordHash, a.Salt)
	if err != nil {
		return fmt.Errorf("change password: %w", err)
	}
	if !ok {
		return ErrInvalidCredentials
	}
	if len(newPassword) < MinPasswordLength {
		return fmt.Errorf("change password: password must be at least %d characters", MinPasswordLength)
	}
	if a.PasswordHash, a.Salt, err = s.HashPassword(newPassword); err != nil {
		return fmt.Errorf("change password: %w", err)
	}
	if err := s.store.UpdateAccount(ctx, a); err != nil {
		return fmt.Errorf("change password: %w", err)
	}
	s.ctx.update(a)
	return nil
}

// SetSyncEnabled toggles cloud sync for the current account.
func (s *Service) SetSyncEnabled(ctx context.Context, enabled bool) error {
	a, err := s.fresh(ctx)
	if err != nil {
		return err
	}
	a.SyncEnabled = enabled
	if err := s.store.UpdateAccount(ctx, a); err != nil {
		return fmt.Errorf("set sync: %w", err)
	}
	s.ctx.update(a)
	s.logger.Info("account sync updated", "account_id", a.ID, "enabled", enabled)
	return nil
}

// Logout signs the current account out.
func (s *Service) Logout(ctx context.Context) error {
	return s.ctx.SignOut(ctx)
}

func (s *Service) fresh(ctx context.Context) (*store.Account, error) {
	cur := s.ctx.Current()
	if cur == nil {
		return nil, ErrNotSignedIn
	}
	a, err := s.store.GetAccount(ctx, cur.ID)
	if err != nil {
		return nil, fmt.Errorf("load account: %w", err)
	}
	if a == nil {
		return nil, ErrNotSignedIn
	}
	return a, nil
}

func normalizeEmail(email string) (string, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	addr, err := mail.ParseAddress(email)
	if err != nil || addr.Address != email {
		return "", fmt.Errorf("invalid email %q", email)
	}
	return email, nil
}
