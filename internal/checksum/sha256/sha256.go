// Package sha256 checksums document content with SHA-256.
package sha256

import (
	"crypto/sha256"
	"encoding/hex"

	"github.com/JakeFAU/gridcrawler/internal/ledger"
)

// Name identifies the checksummer in configuration.
const Name = "sha256"

// Checksummer hashes document content.
type Checksummer struct{}

// New returns a content checksummer.
func New() *Checksummer {
	return &Checksummer{}
}

// Name returns "sha256".
func (*Checksummer) Name() string { return Name }

// Checksum returns the hex digest of content. Empty content has no checksum.
func (*Checksummer) Checksum(_ ledger.DocContext, content []byte) (string, error) {
	if len(content) == 0 {
		return "", nil
	}
	sum := sha256.Sum256(content)
	return hex.EncodeToString(sum[:]), nil
}
