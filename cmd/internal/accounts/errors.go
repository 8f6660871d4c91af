package accounts

import "errors"

// Public, stable errors for callers.
var (
	ErrInvalidInput       = errors.New("accounts: invalid input")
	ErrNotFound           = errors.New("accounts: user not found")
	ErrConflict           = errors.New("accounts: username already exists")
	ErrInvalidCredentials = errors.New("accounts: invalid username or password")

	ErrPasswordTooShort = errors.New("password too short")
	ErrPasswordTooLong  = errors.New("password too long")
	ErrInvalidHash      = errors.New("invalid password hash")
)
