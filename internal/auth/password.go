package auth

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"

	"golang.org/x/crypto/pbkdf2"
)

const (
	hashAlgo       = "pbkdf2_sha256"
	hashIterations = 120_000
)

// HashPassword derives a salted PBKDF2-HMAC-SHA256 hash in the form
// "pbkdf2_sha256$iterations$salt$digest".
func HashPassword(password string) (string, error) {
	raw := make([]byte, 16)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("auth: generate salt: %w", err)
	}
	salt := hex.EncodeToString(raw)
	digest := pbkdf2.Key([]byte(password), []byte(salt), hashIterations, sha256.Size, sha256.New)
	return fmt.Sprintf("%s$%d$%s$%s", hashAlgo, hashIterations, salt, hex.EncodeToString(digest)), nil
}

// VerifyPassword checks a candidate password against a stored hash in
// constant time. Malformed hashes verify as false, never as an error.
func VerifyPassword(password, stored string) bool {
	parts := strings.SplitN(stored, "$", 4)
	if len(parts) != 4 || parts[0] != hashAlgo {
		return false
	}
	rounds, err := strconv.Atoi(parts[1])
	if err != nil || rounds <= 0 {
		return false
	}
	expected, err := hex.DecodeString(parts[3])
	if err != nil || len(expected) != sha256.Size {
		return false
	}
	candidate := pbkdf2.Key([]byte(password), []byte(parts[2]), rounds, len(expected), sha256.New)
	return hmac.Equal(candidate, expected)
}
