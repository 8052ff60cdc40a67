// Package auth provides API key verification for the check API.
package auth

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/alexedwards/argon2id"
)

// ErrInvalidKey is returned when no configured key matches.
var ErrInvalidKey = errors.New("invalid api key")

// ErrUnknownHashType is returned when a stored hash has an unrecognized format.
var ErrUnknownHashType = errors.New("unknown hash type")

// KeyEntry is a configured API key: a stored hash plus the client name it
// authenticates (the gateway or controller holding the key, not the subject
// being authorized).
type KeyEntry struct {
	// Hash is the stored key hash: Argon2id PHC format or "sha256:<hex>".
	Hash string
	// Name identifies the API client for access logs.
	Name string
}

// Keyring verifies raw API keys against the configured entries.
type Keyring struct {
	entries []KeyEntry
}

// NewKeyring creates a keyring from configured entries.
func NewKeyring(entries []KeyEntry) *Keyring {
	return &Keyring{entries: entries}
}

// Empty reports whether no keys are configured.
func (k *Keyring) Empty() bool { return len(k.entries) == 0 }

// Verify checks a raw key against every configured entry and returns the
// matching client name. Returns ErrInvalidKey when nothing matches.
func (k *Keyring) Verify(rawKey string) (string, error) {
	for _, e := range k.entries {
		match, err := VerifyKey(rawKey, e.Hash)
		if err != nil {
			continue
		}
		if match {
			return e.Name, nil
		}
	}
	return "", ErrInvalidKey
}

// argon2idParams uses OWASP minimum parameters for Argon2id.
var argon2idParams = &argon2id.Params{
	Memory:      47 * 1024, // 47 MiB
	Iterations:  1,
	Parallelism: 1,
	SaltLength:  16,
	KeyLength:   32,
}

// HashKey returns an Argon2id hash of the raw key in PHC format,
// suitable for the auth.api_keys config section.
func HashKey(rawKey string) (string, error) {
	return argon2id.CreateHash(rawKey, argon2idParams)
}

// hashSHA256 returns the SHA-256 hex hash of the raw key.
func hashSHA256(rawKey string) string {
	sum := sha256.Sum256([]byte(rawKey))
	return hex.EncodeToString(sum[:])
}

// DetectHashType identifies the algorithm of a stored hash: "argon2id" for
// PHC format, "sha256" for prefixed hex, "unknown" otherwise.
func DetectHashType(storedHash string) string {
	switch {
	case strings.HasPrefix(storedHash, "$argon2id$"):
		return "argon2id"
	case strings.HasPrefix(storedHash, "sha256:"):
		return "sha256"
	default:
		return "unknown"
	}
}

// VerifyKey verifies a raw key against a stored hash. Returns
// ErrUnknownHashType for unrecognized hash formats.
func VerifyKey(rawKey, storedHash string) (bool, error) {
	switch DetectHashType(storedHash) {
	case "argon2id":
		return safeArgon2idCompare(rawKey, storedHash)
	case "sha256":
		expected := strings.TrimPrefix(storedHash, "sha256:")
		computed := hashSHA256(rawKey)
		return subtle.ConstantTimeCompare([]byte(computed), []byte(expected)) == 1, nil
	default:
		return false, ErrUnknownHashType
	}
}

// safeArgon2idCompare wraps argon2id.ComparePasswordAndHash with panic
// recovery: the underlying library panics on malformed PHC parameters
// (t=0, p=0), and a bad config entry must not crash the server.
func safeArgon2idCompare(rawKey, storedHash string) (match bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			match = false
			err = fmt.Errorf("invalid argon2id hash parameters: %v", r)
		}
	}()
	return argon2id.ComparePasswordAndHash(rawKey, storedHash)
}
