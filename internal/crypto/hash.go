// Package crypto provides key hashing and token generation.
package crypto

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"strings"
	"sync"

	"golang.org/x/crypto/scrypt"
)

// adminHashCache avoids re-running scrypt for a key that already verified.
var adminHashCache sync.Map

// N=16384 (2^14), r=8, p=1 are recommended for interactive logins.
const (
	scryptN      = 16384
	scryptR      = 8
	scryptP      = 1
	scryptKeyLen = 32

	adminSalt = "relay-admin"
)

// HashWithScrypt hashes input with the given salt and returns it hex-encoded.
// The salt is lowercased before use.
func HashWithScrypt(input, salt string) (string, error) {
	saltBytes := []byte(strings.ToLower(salt))
	dk, err := scrypt.Key([]byte(input), saltBytes, scryptN, scryptR, scryptP, scryptKeyLen)
	if err != nil {
		return "", fmt.Errorf("scrypt key derivation failed: %w", err)
	}
	return hex.EncodeToString(dk), nil
}

// HashAdminKey returns the value to store in ADMIN_KEY_HASH for key.
func HashAdminKey(key string) (string, error) {
	return HashWithScrypt(strings.TrimSpace(key), adminSalt)
}

// VerifyAdminKey reports whether key hashes to expectedHash.
func VerifyAdminKey(key, expectedHash string) bool {
	if key == "" || expectedHash == "" {
		return false
	}
	cacheKey := key + ":" + expectedHash
	if _, ok := adminHashCache.Load(cacheKey); ok {
		return true
	}
	got, err := HashAdminKey(key)
	if err != nil {
		return false
	}
	if subtle.ConstantTimeCompare([]byte(got), []byte(strings.ToLower(expectedHash))) != 1 {
		return false
	}
	adminHashCache.Store(cacheKey, struct{}{})
	return true
}

// RandomToken returns n random bytes encoded as unpadded base64url.
func RandomToken(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("read random bytes: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}
