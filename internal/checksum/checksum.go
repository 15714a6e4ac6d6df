// Package checksum resolves configured checksummers by name.
package checksum

import (
	"fmt"

	"github.com/JakeFAU/gridcrawler/internal/checksum/sha256"
	"github.com/JakeFAU/gridcrawler/internal/checksum/xxh3"
	"github.com/JakeFAU/gridcrawler/internal/ledger"
)

// Checksummer computes a checksum for a document. An empty result means the
// document has nothing to checksum.
type Checksummer interface {
	Name() string
	Checksum(doc ledger.DocContext, content []byte) (string, error)
}

// New builds the named checksummer. An empty name yields nil. fields only
// apply to metadata checksummers.
func New(name string, fields []string) (Checksummer, error) {
	switch name {
	case "":
		return nil, nil
	case sha256.Name:
		return sha256.New(), nil
	case xxh3.Name:
		return xxh3.New(fields...), nil
	}
	return nil, fmt.Errorf("unknown checksummer %q", name)
}
