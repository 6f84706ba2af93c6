// Package sha256 derives content-addressed blob names.
package sha256

import (
	"crypto/sha256"
	"encoding/hex"
)

// Hasher implements crawler.Hasher using SHA-256.
type Hasher struct {
	length int
}

// New returns a hasher whose digests are cut to length hex characters (0 keeps all 64).
func New(length int) *Hasher {
	if length <= 0 || length > sha256.Size*2 {
		length = sha256.Size * 2
	}
	return &Hasher{length: length}
}

// Hash returns the (possibly truncated) hex digest of data.
func (h *Hasher) Hash(data []byte) (string, error) {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])[:h.length], nil
}
