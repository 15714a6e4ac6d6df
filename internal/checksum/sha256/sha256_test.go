package sha256

import (
	"testing"

	"github.com/JakeFAU/gridcrawler/internal/ledger"
)

// TestChecksumDeterministic ensures repeated hashing yields the same digest.
func TestChecksumDeterministic(t *testing.T) {
	t.Parallel()

	c := New()
	doc := ledger.DocContext{Reference: "https://a.example/"}
	got, err := c.Checksum(doc, []byte("hello world"))
	if err != nil {
		t.Fatalf("Checksum() error = %v", err)
	}
	want := "b94d27b9934d3e08a52e52d7da7dabfac484efe37a5380ee9088f7ace2efcde9"
	if got != want {
		t.Fatalf("expected %s, got %s", want, got)
	}
	again, err := c.Checksum(ledger.DocContext{Reference: "other"}, []byte("hello world"))
	if err != nil {
		t.Fatalf("Checksum() repeat error = %v", err)
	}
	if again != got {
		t.Fatalf("expected checksum to ignore the reference, got %s vs %s", got, again)
	}
}

func TestChecksumSkipsEmptyContent(t *testing.T) {
	t.Parallel()

	got, err := New().Checksum(ledger.DocContext{}, nil)
	if err != nil {
		t.Fatalf("Checksum() error = %v", err)
	}
	if got != "" {
		t.Fatalf("expected no checksum, got %q", got)
	}
}
