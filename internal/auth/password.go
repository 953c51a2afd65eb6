package auth

import (
	"errors"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

// bcryptCost matches the cost the original seed data was written with.
// Digests created under a different cost still verify; the cost is encoded in
// the digest itself.
const bcryptCost = 12

// HashPassword hashes a plaintext password using bcrypt.
func HashPassword(password string) (string, error) {
	if len(password) == 0 {
		return "", errors.New("password is empty")
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcryptCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

// VerifyPassword compares a plaintext password with a stored digest. It fails
// closed: a corrupt, empty or non-bcrypt digest is reported as a mismatch, and
// the plaintext is never logged or echoed in the error.
func VerifyPassword(hash, password string) bool {
	if hash == "" || !strings.HasPrefix(hash, "$2") {
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil
}
