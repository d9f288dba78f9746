// Package crypto provides password hashing for chat accounts.
package crypto

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"io"

	"golang.org/x/crypto/argon2"
)

// Argon2id parameters. Changing them invalidates every stored hash.
const (
	argonTime    = 1
	argonMemory  = 64 * 1024
	argonThreads = 4
	argonKeyLen  = 32

	// SaltLength is the number of random bytes in a fresh salt.
	SaltLength = 24
)

// NewSalt returns a fresh random salt, hex encoded.
func NewSalt() (string, error) {
	b := make([]byte, SaltLength)
	if _, err := io.ReadFull(rand.Reader, b); err != nil {
		return "", fmt.Errorf("crypto: generate salt: %w", err)
	}
	return hex.EncodeToString(b), nil
}

// HashPassword hashes a password with the given salt using Argon2id and
// returns the hex encoded key.
func HashPassword(password, salt string) string {
	key := argon2.IDKey([]byte(password), []byte(salt), argonTime, argonMemory, argonThreads, argonKeyLen)
	return hex.EncodeToString(key)
}

// VerifyPassword reports whether password hashes to hash under salt.
// The comparison is constant time.
func VerifyPassword(password, salt, hash string) bool {
	got := HashPassword(password, salt)
	return subtle.ConstantTimeCompare([]byte(got), []byte(hash)) == 1
}
