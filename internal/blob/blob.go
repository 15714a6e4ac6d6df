// Package blob stores crawl artifacts (document bodies, ledger reports) in a
// filesystem directory, a GCS bucket, or memory.
package blob

import (
	"context"
	"fmt"
	"io"
	"strings"

	gcsclient "cloud.google.com/go/storage"

	"github.com/JakeFAU/gridcrawler/internal/blob/gcs"
	"github.com/JakeFAU/gridcrawler/internal/blob/local"
	"github.com/JakeFAU/gridcrawler/internal/blob/memory"
)

// Store writes objects and returns their URI.
type Store interface {
	PutObject(ctx context.Context, path string, contentType string, data io.Reader) (string, error)
}

// Config selects and configures a Store.
type Config struct {
	// Backend is one of "memory", "local" or "gcs".
	Backend string
	BaseDir string
	Bucket  string
}

// Open builds the configured store. The returned close function releases
// clients owned by the store.
func Open(ctx context.Context, cfg Config) (Store, func() error, error) {
	noop := func() error { return nil }
	switch strings.ToLower(cfg.Backend) {
	case "", "memory":
		return memory.New(), noop, nil
	case "local":
		s, err := local.New(local.Config{BaseDir: cfg.BaseDir})
		if err != nil {
			return nil, nil, err
		}
		return s, noop, nil
	case "gcs":
		client, err := gcsclient.NewClient(ctx)
		if err != nil {
			return nil, nil, fmt.Errorf("create gcs client: %w", err)
		}
		s, err := gcs.New(client, gcs.Config{Bucket: cfg.Bucket})
		if err != nil {
			_ = client.Close()
			return nil, nil, err
		}
		return s, client.Close, nil
	}
	return nil, nil, fmt.Errorf("unknown blob backend %q", cfg.Backend)
}
