// Package sha256 derives the keys that index jobs by normalized URL.
package sha256

import (
	"crypto/sha256"
	"encoding/hex"
)

// KeyLen is the length of a key returned by Key.
const KeyLen = sha256.Size * 2

// Key returns the lowercase hex SHA-256 digest of s.
func Key(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}

// IsKey reports whether s has the shape of a Key result.
func IsKey(s string) bool {
	if len(s) != KeyLen {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return false
		}
	}
	return true
}
