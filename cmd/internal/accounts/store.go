// Package accounts is the user directory behind /api/users: signup, login, listing and
// last_active bookkeeping for the relay.
package accounts

import (
	"context"
	"time"
)

// User is a registered account. PasswordHash never leaves the package's HTTP layer.
type User struct {
	ID           string
	Username     string
	DisplayName  string
	PasswordHash string
	CreatedAt    time.Time
	LastActive   time.Time
}

// Store persists users.
//
// Requirements:
//   - Create fails with ErrConflict when the username is taken.
//   - Lookups fail with ErrNotFound.
//   - List is ordered by username.
type Store interface {
	Create(ctx context.Context, u User) error
	GetByUsername(ctx context.Context, username string) (User, error)
	GetByID(ctx context.Context, id string) (User, error)
	List(ctx context.Context) ([]User, error)
	TouchLastActive(ctx context.Context, id string, at time.Time) error
}
