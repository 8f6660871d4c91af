package accounts

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"runtime"
	"strings"
	"unicode/utf8"

	"golang.org/x/crypto/argon2"
)

const argon2Version = 19 // argon2.Version is 0x13 (19)

// Argon2idParams controls Argon2id hashing cost.
// MemoryKiB is in KiB as required by argon2.IDKey.
type Argon2idParams struct {
	MemoryKiB   uint32
	Iterations  uint32
	Parallelism uint8
	SaltLength  uint32
	KeyLength   uint32
}

// PasswordConfig is the hashing cost plus the length policy applied on signup.
type PasswordConfig struct {
	Params    Argon2idParams
	MinLength int
	MaxLength int
}

// DefaultPasswordConfig returns interactive-login settings.
func DefaultPasswordConfig() PasswordConfig {
	threads := runtime.NumCPU()
	if threads <= 0 {
		threads = 1
	}
	if threads > 4 {
		threads = 4
	}

	return PasswordConfig{
		Params: Argon2idParams{
			MemoryKiB:   64 * 1024,
			Iterations:  3,
			Parallelism: uint8(threads), // #nosec G115 -- clamped to [1..4] above.
			SaltLength:  16,
			KeyLength:   32,
		},
		MinLength: 8,
		MaxLength: 256,
	}
}

// Validate checks the length policy in runes.
func (c PasswordConfig) Validate(password string) error {
	n := utf8.RuneCountInString(password)
	if n < c.MinLength {
		return ErrPasswordTooShort
	}
	if c.MaxLength > 0 && n > c.MaxLength {
		return ErrPasswordTooLong
	}
	return nil
}

// Hash hashes a password using Argon2id and returns an encoded hash string.
// Format:
// $argon2id$v=19$m=<mem>,t=<iter>,p=<par>$<salt_b64>$<hash_b64>
func (c PasswordConfig) Hash(password string) (string, error) {
	if err := c.Validate(password); err != nil {
		return "", err
	}

	salt := make([]byte, c.Params.SaltLength)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("salt: %w", err)
	}

	key := argon2.IDKey([]byte(password), salt, c.Params.Iterations, c.Params.MemoryKiB, c.Params.Parallelism, c.Params.KeyLength)

	b64 := base64.RawStdEncoding
	return fmt.Sprintf(
		"$argon2id$v=%d$m=%d,t=%d,p=%d$%s$%s",
		argon2Version,
		c.Params.MemoryKiB,
		c.Params.Iterations,
		c.Params.Parallelism,
		b64.EncodeToString(salt),
		b64.EncodeToString(key),
	), nil
}

// Verify reports whether password matches encodedHash.
// Malformed or out-of-bounds hashes return ErrInvalidHash.
func (c PasswordConfig) Verify(encodedHash, password string) (bool, error) {
	params, salt, expected, err := decodeHash(encodedHash)
	if err != nil {
		return false, err
	}

	// Refuse attacker-controlled hash strings with pathological cost.
	if !withinReasonableBounds(params, c.Params) {
		return false, ErrInvalidHash
	}

	key := argon2.IDKey(
		[]byte(password),
		salt,
		params.Iterations,
		params.MemoryKiB,
		params.Parallelism,
		uint32(len(expected)), // #nosec G115 -- bounded by withinReasonableBounds.
	)
	return subtle.ConstantTimeCompare(key, expected) == 1, nil
}

func withinReasonableBounds(got, limits Argon2idParams) bool {
	switch {
	case got.MemoryKiB > limits.MemoryKiB*2:
		return false
	case got.Iterations > limits.Iterations*2:
		return false
	case got.Parallelism > limits.Parallelism*2:
		return false
	case got.SaltLength < 8 || got.SaltLength > 64:
		return false
	case got.KeyLength < 16 || got.KeyLength > 128:
		return false
	}
	return true
}

func decodeHash(encoded string) (Argon2idParams, []byte, []byte, error) {
	parts := strings.Split(encoded, "$")
	if len(parts) != 6 || parts[0] != "" || parts[1] != "argon2id" || parts[2] != "v=19" {
		return Argon2idParams{}, nil, nil, ErrInvalidHash
	}

	var mem, it, par uint32
	if _, err := fmt.Sscanf(parts[3], "m=%d,t=%d,p=%d", &mem, &it, &par); err != nil {
		return Argon2idParams{}, nil, nil, ErrInvalidHash
	}
	if mem == 0 || it == 0 || par == 0 || par > 255 {
		return Argon2idParams{}, nil, nil, ErrInvalidHash
	}

	b64 := base64.RawStdEncoding
	salt, err := b64.DecodeString(parts[4])
	if err != nil {
		return Argon2idParams{}, nil, nil, ErrInvalidHash
	}
	hash, err := b64.DecodeString(parts[5])
	if err != nil {
		return Argon2idParams{}, nil, nil, ErrInvalidHash
	}

	return Argon2idParams{
		MemoryKiB:   mem,
		Iterations:  it,
		Parallelism: uint8(par),
		SaltLength:  uint32(len(salt)), // #nosec G115 -- base64 payload of a bounded string.
		KeyLength:   uint32(len(hash)), // #nosec G115 -- base64 payload of a bounded string.
	}, salt, hash, nil
}
