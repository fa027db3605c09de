package auth

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/argon2"
)

// Argon2id cost for user API keys. Keyring hashes each configured key once
// at startup, and every request verification pays this cost again.
const (
	argonTime    = 1
	argonMemory  = 64 * 1024 // KiB
	argonThreads = 4
	argonKeyLen  = 32
	saltLen      = 16
)

var errHashFormat = errors.New("auth: invalid hash format")

func deriveKey(apiKey string, salt []byte) []byte {
	return argon2.IDKey([]byte(apiKey), salt, argonTime, argonMemory, argonThreads, argonKeyLen)
}

// HashAPIKey returns "<salt>$<hash>", both base64, for a user's API key.
func HashAPIKey(apiKey string) (string, error) {
	salt := make([]byte, saltLen)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("auth: generate salt: %w", err)
	}
	enc := base64.StdEncoding
	return enc.EncodeToString(salt) + "$" + enc.EncodeToString(deriveKey(apiKey, salt)), nil
}

// DummyVerify burns one derivation so that a login for an unknown user id
// takes as long as one for a known user.
func DummyVerify() {
	_ = deriveKey("", make([]byte, saltLen))
}

// VerifyAPIKey reports whether apiKey matches an encoded hash from HashAPIKey.
func VerifyAPIKey(apiKey, encoded string) (bool, error) {
	saltPart, hashPart, ok := strings.Cut(encoded, "$")
	if !ok {
		return false, errHashFormat
	}
	salt, err := base64.StdEncoding.DecodeString(saltPart)
	if err != nil {
		return false, fmt.Errorf("auth: decode salt: %w", err)
	}
	want, err := base64.StdEncoding.DecodeString(hashPart)
	if err != nil {
		return false, fmt.Errorf("auth: decode hash: %w", err)
	}
	return subtle.ConstantTimeCompare(want, deriveKey(apiKey, salt)) == 1, nil
}
