package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"fmt"

	"golang.org/x/crypto/pbkdf2"
)

const (
	passwordSaltLength = 16
	passwordIterations = 100_000
	passwordKeyLength  = sha256.Size
)

// HashSecret derives a salted PBKDF2-SHA256 hash of the secret and returns
// base64(salt || hash).
func HashSecret(secret string) (string, error) {
	salt := make([]byte, passwordSaltLength)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("auth: generate salt: %w", err)
	}
	derived := pbkdf2.Key([]byte(secret), salt, passwordIterations, passwordKeyLength, sha256.New)
	return base64.StdEncoding.EncodeToString(append(salt, derived...)), nil
}

// VerifySecret reports whether the secret matches the stored salted hash,
// comparing in constant time.
func VerifySecret(secret, stored string) bool {
	decoded, err := base64.StdEncoding.DecodeString(stored)
	if err != nil || len(decoded) != passwordSaltLength+passwordKeyLength {
		return false
	}
	salt, expected := decoded[:passwordSaltLength], decoded[passwordSaltLength:]
	derived := pbkdf2.Key([]byte(secret), salt, passwordIterations, passwordKeyLength, sha256.New)
	return subtle.ConstantTimeCompare(expected, derived) == 1
}
