// Package sha256 provides the SHA-256 digests used for cache file names and ETags.
package sha256

import (
	"crypto/sha256"
	"encoding/hex"

	"github.com/JakeFAU/webchain-artifacts/internal/artifact"
)

// Hasher implements artifact.Hasher using SHA-256.
type Hasher struct{}

var _ artifact.Hasher = (*Hasher)(nil)

// New returns a SHA-256 hasher.
func New() *Hasher {
	return &Hasher{}
}

// Hash returns the lowercase hex digest of data.
func (h *Hasher) Hash(data []byte) (string, error) {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}
