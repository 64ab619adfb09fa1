// Package sha256 computes the content digests stored alongside artifacts.
package sha256

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// Prefix tags digests so ledger rows and capture events stay self-describing.
const Prefix = "sha256:"

// Hasher implements shot.Hasher over screenshot bytes.
type Hasher struct{}

// New returns an artifact digest hasher.
func New() *Hasher {
	return &Hasher{}
}

// Hash returns "sha256:" followed by the lowercase hex digest of data.
func (h *Hasher) Hash(data []byte) (string, error) {
	sum := sha256.Sum256(data)
	var b strings.Builder
	b.Grow(len(Prefix) + hex.EncodedLen(len(sum)))
	b.WriteString(Prefix)
	b.WriteString(hex.EncodeToString(sum[:]))
	return b.String(), nil
}
