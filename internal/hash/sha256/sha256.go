// Package sha256 derives fixed-size member keys for shared seen-sets.
package sha256

import (
	"crypto/sha256"
	"encoding/hex"
)

// Digest returns the hex SHA-256 of key. Normalized URLs can run to kilobytes; digests keep
// every seen-set member at 64 bytes.
func Digest(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}
