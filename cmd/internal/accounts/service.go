package accounts

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"dmrelay/cmd/internal/ids"
)

const (
	maxUsernameLen    = 64
	maxDisplayNameLen = 128
)

// SignupInput is the signup request after JSON decoding.
type SignupInput struct {
	Username    string
	DisplayName string
	Password    string
}

// Service implements the account operations on top of a Store.
type Service struct {
	log   *slog.Logger
	store Store
	pw    PasswordConfig
	now   func() time.Time

	dummyHash string
}

// NewService constructs a Service.
func NewService(log *slog.Logger, store Store, pw PasswordConfig) (*Service, error) {
	if store == nil {
		return nil, errors.New("accounts: nil store")
	}
	if log == nil {
		log = slog.Default()
	}
	s := &Service{
		log:   log,
		store: store,
		pw:    pw,
		now:   func() time.Time { return time.Now().UTC() },
	}

	// Dummy hash for timing-resistant login checks.
	if h, err := pw.Hash("dummy-password-for-timing-only"); err == nil {
		s.dummyHash = h
	}
	return s, nil
}

// Signup creates a user. Username and display name are trimmed; both are required.
func (s *Service) Signup(ctx context.Context, in SignupInput) (User, error) {
	username := strings.TrimSpace(in.Username)
	display := strings.TrimSpace(in.DisplayName)
	if username == "" || display == "" || in.Password == "" {
		return User{}, fmt.Errorf("%w: username, display name, and password are required", ErrInvalidInput)
	}
	if len(username) > maxUsernameLen || len(display) > maxDisplayNameLen {
		return User{}, fmt.Errorf("%w: field too long", ErrInvalidInput)
	}

	hash, err := s.pw.Hash(in.Password)
	if err != nil {
		if errors.Is(err, ErrPasswordTooShort) || errors.Is(err, ErrPasswordTooLong) {
			return User{}, fmt.Errorf("%w: %v", ErrInvalidInput, err)
		}
		return User{}, err
	}

	now := s.now()
	id, err := ids.NewULID(now)
	if err != nil {
		return User{}, err
	}
	u := User{
		ID:           id,
		Username:     username,
		DisplayName:  display,
		PasswordHash: hash,
		CreatedAt:    now,
		LastActive:   now,
	}
	if err := s.store.Create(ctx, u); err != nil {
		return User{}, err
	}

	s.log.Info("accounts.signup", "user_id", u.ID, "username", u.Username)
	return u, nil
}

// Login checks credentials and bumps last_active.
func (s *Service) Login(ctx context.Context, username, password string) (User, error) {
	username = strings.TrimSpace(username)
	if username == "" || password == "" {
		return User{}, fmt.Errorf("%w: username and password are required", ErrInvalidInput)
	}

	u, err := s.store.GetByUsername(ctx, username)
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			return User{}, err
		}
		// Timing resistance: perform a dummy verify when the user is missing.
		if s.dummyHash != "" {
			_, _ = s.pw.Verify(s.dummyHash, password)
		}
		return User{}, ErrInvalidCredentials
	}

	ok, err := s.pw.Verify(u.PasswordHash, password)
	if err != nil || !ok {
		return User{}, ErrInvalidCredentials
	}

	now := s.now()
	if err := s.store.TouchLastActive(ctx, u.ID, now); err != nil {
		return User{}, err
	}
	u.LastActive = now
	return u, nil
}

// List returns every user.
func (s *Service) List(ctx context.Context) ([]User, error) {
	return s.store.List(ctx)
}

// Touch records activity for userID. Relay identities that have no account are ignored.
func (s *Service) Touch(ctx context.Context, userID string, at time.Time) error {
	err := s.store.TouchLastActive(ctx, userID, at)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	return err
}
