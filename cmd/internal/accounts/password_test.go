package accounts

import (
	"errors"
	"strings"
	"testing"
)

func testPasswordConfig() PasswordConfig {
	return PasswordConfig{
		Params: Argon2idParams{
			MemoryKiB:   8 * 1024,
			Iterations:  1,
			Parallelism: 1,
			SaltLength:  16,
			KeyLength:   32,
		},
		MinLength: 8,
		MaxLength: 64,
	}
}

func TestPassword_HashVerify(t *testing.T) {
	t.Parallel()
	pw := testPasswordConfig()

	h, err := pw.Hash("correct horse battery")
	if err != nil {
		t.Fatalf("Hash: %v", err)
	}
	if !strings.HasPrefix(h, "$argon2id$v=19$") {
		t.Fatalf("unexpected hash format: %q", h)
	}

	ok, err := pw.Verify(h, "correct horse battery")
	if err != nil || !ok {
		t.Fatalf("Verify(correct)=%v,%v want true,nil", ok, err)
	}
	ok, err = pw.Verify(h, "wrong horse battery")
	if err != nil || ok {
		t.Fatalf("Verify(wrong)=%v,%v want false,nil", ok, err)
	}
}

func TestPassword_SaltDiffers(t *testing.T) {
	t.Parallel()
	pw := testPasswordConfig()

	a, err := pw.Hash("same-password")
	if err != nil {
		t.Fatalf("Hash: %v", err)
	}
	b, err := pw.Hash("same-password")
	if err != nil {
		t.Fatalf("Hash: %v", err)
	}
	if a == b {
		t.Fatalf("two hashes of the same password must differ")
	}
}

func TestPassword_LengthPolicy(t *testing.T) {
	t.Parallel()
	pw := testPasswordConfig()

	if _, err := pw.Hash("short"); !errors.Is(err, ErrPasswordTooShort) {
		t.Fatalf("expected ErrPasswordTooShort, got %v", err)
	}
	if _, err := pw.Hash(strings.Repeat("x", pw.MaxLength+1)); !errors.Is(err, ErrPasswordTooLong) {
		t.Fatalf("expected ErrPasswordTooLong, got %v", err)
	}
	// Rune count, not bytes.
	if err := pw.Validate(strings.Repeat("é", 8)); err != nil {
		t.Fatalf("8 runes must pass: %v", err)
	}
}

func TestPassword_VerifyRejectsMalformed(t *testing.T) {
	t.Parallel()
	pw := testPasswordConfig()

	cases := []string{
		"",
		"plain",
		"$argon2i$v=19$m=8192,t=1,p=1$c2FsdHNhbHRzYWx0$aGFzaGhhc2hoYXNoaGFzaA",
		"$argon2id$v=18$m=8192,t=1,p=1$c2FsdHNhbHRzYWx0$aGFzaGhhc2hoYXNoaGFzaA",
		"$argon2id$v=19$m=x,t=1,p=1$c2FsdHNhbHRzYWx0$aGFzaGhhc2hoYXNoaGFzaA",
		"$argon2id$v=19$m=8192,t=1,p=1$!!!$aGFzaGhhc2hoYXNoaGFzaA",
	}
	for _, c := range cases {
		if _, err := pw.Verify(c, "whatever-password"); !errors.Is(err, ErrInvalidHash) {
			t.Fatalf("Verify(%q) err=%v want ErrInvalidHash", c, err)
		}
	}
}

func TestPassword_VerifyRejectsPathologicalCost(t *testing.T) {
	t.Parallel()
	pw := testPasswordConfig()

	h := "$argon2id$v=19$m=1048576,t=1,p=1$c2FsdHNhbHRzYWx0$aGFzaGhhc2hoYXNoaGFzaA"
	if _, err := pw.Verify(h, "whatever-password"); !errors.Is(err, ErrInvalidHash) {
		t.Fatalf("expected ErrInvalidHash for oversized memory cost, got %v", err)
	}
}
