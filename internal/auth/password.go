package auth

import (
	"crypto/subtle"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

// BcryptCost is the cost factor for bcrypt hashing.
const BcryptCost = 12

// HashPassword generates a bcrypt hash from a plain text password.
func HashPassword(password string) (string, error) {
	bytes, err := bcrypt.GenerateFromPassword([]byte(password), BcryptCost)
	if err != nil {
		return "", err
	}
	return string(bytes), nil
}

// IsPasswordHashed reports whether a configured password looks like a bcrypt
// hash. Bcrypt hashes start with $2a$, $2b$, or $2y$ and are 60 characters.
func IsPasswordHashed(password string) bool {
	return strings.HasPrefix(password, "$2") && len(password) == 60
}

// CheckPassword compares a presented password with the configured one. The
// configured value may be either a bcrypt hash or a plain string; plain
// comparison is constant-time.
func CheckPassword(presented, configured string) bool {
	if configured == "" {
		return false
	}
	if IsPasswordHashed(configured) {
		return bcrypt.CompareHashAndPassword([]byte(configured), []byte(presented)) == nil
	}
	return subtle.ConstantTimeCompare([]byte(presented), []byte(configured)) == 1
}

// CheckToken compares a presented bearer token with the configured one in
// constant time.
func CheckToken(presented, configured string) bool {
	if configured == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(presented), []byte(configured)) == 1
}
