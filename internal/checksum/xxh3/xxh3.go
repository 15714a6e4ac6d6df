// Package xxh3 checksums selected document metadata fields with XXH3.
package xxh3

import (
	"sort"
	"strconv"
	"strings"

	"github.com/zeebo/xxh3"

	"github.com/JakeFAU/gridcrawler/internal/ledger"
)

// Name identifies the checksummer in configuration.
const Name = "xxh3"

// Checksummer hashes metadata. With no fields configured every field counts.
type Checksummer struct {
	fields []string
}

// New returns a metadata checksummer over fields.
func New(fields ...string) *Checksummer {
	return &Checksummer{fields: append([]string(nil), fields...)}
}

// Name returns "xxh3".
func (*Checksummer) Name() string { return Name }

// Checksum hashes the selected fields in name order. Documents carrying none
// of them have no checksum.
func (c *Checksummer) Checksum(doc ledger.DocContext, _ []byte) (string, error) {
	fields := c.fields
	if len(fields) == 0 {
		fields = make([]string, 0, len(doc.Metadata))
		for k := range doc.Metadata {
			fields = append(fields, k)
		}
	} else {
		fields = append([]string(nil), fields...)
	}
	sort.Strings(fields)

	var b strings.Builder
	for _, f := range fields {
		values, ok := doc.Metadata[f]
		if !ok || len(values) == 0 {
			continue
		}
		b.WriteString(f)
		b.WriteByte('=')
		b.WriteString(strings.Join(values, "\x1f"))
		b.WriteByte('\n')
	}
	if b.Len() == 0 {
		return "", nil
	}
	return strconv.FormatUint(xxh3.HashString(b.String()), 16), nil
}
