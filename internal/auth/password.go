package auth

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

// MinPasswordLength applies to every path that sets a password.
const MinPasswordLength = 8

// HashPassword hashes a plaintext password using bcrypt. The legacy scheme is
// never produced; it exists only on the verification side.
func HashPassword(password string) (string, error) {
	if len(password) == 0 {
		return "", ErrInvalidInput
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

// VerifyPassword compares a plaintext password with a stored hash in either
// supported form. needsRehash reports that the stored value uses the legacy
// "salt$sha256hex" scheme inherited from the previous system and should be
// re-hashed with bcrypt once the password has been confirmed. A mismatch in
// either form returns ErrInvalidCredentials; malformed stored values verify
// as a mismatch, never panic.
func VerifyPassword(stored, password string) (needsRehash bool, err error) {
	if stored == "" {
		return false, ErrInvalidCredentials
	}
	if isBcryptHash(stored) {
		if bcrypt.CompareHashAndPassword([]byte(stored), []byte(password)) != nil {
			return false, ErrInvalidCredentials
		}
		return false, nil
	}
	if verifyLegacyHash(stored, password) {
		return true, nil
	}
	return false, ErrInvalidCredentials
}

func isBcryptHash(stored string) bool {
	return strings.HasPrefix(stored, "$2a$") ||
		strings.HasPrefix(stored, "$2b$") ||
		strings.HasPrefix(stored, "$2y$")
}

// verifyLegacyHash checks the pre-migration "salt$sha256hex" form.
func verifyLegacyHash(stored, password string) bool {
	salt, want, ok := strings.Cut(stored, "$")
	if !ok || want == "" {
		return false
	}
	sum := sha256.Sum256([]byte(salt + password))
	got := hex.EncodeToString(sum[:])
	return subtle.ConstantTimeCompare([]byte(got), []byte(want)) == 1
}
