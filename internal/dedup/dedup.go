// Package dedup detects documents whose content or metadata checksum was
// already seen during the crawl.
package dedup

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/JakeFAU/gridcrawler/internal/grid/storage"
	"github.com/JakeFAU/gridcrawler/internal/ledger"
)

// Store names.
const (
	MetadataStore = "dedupMetadata"
	DocumentStore = "dedupDocument"
)

// Config enables each kind of deduplication. A kind is tracked only when its
// checksummer is configured and its flag is set.
type Config struct {
	MetadataChecksummer string
	DocumentChecksummer string
	MetadataDeduplicate bool
	DocumentDeduplicate bool
}

// Service maps checksums to the first reference that carried them.
type Service struct {
	metadata *storage.Map[string]
	document *storage.Map[string]
	logger   *zap.Logger
}

// Init opens the stores enabled by cfg.
func Init(backend storage.Backend, cfg Config, logger *zap.Logger) (*Service, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Service{logger: logger}
	var err error
	if cfg.MetadataChecksummer != "" && cfg.MetadataDeduplicate {
		if s.metadata, err = storage.MapOf[string](backend, MetadataStore); err != nil {
			return nil, fmt.Errorf("open metadata dedup store: %w", err)
		}
	}
	if cfg.DocumentChecksummer != "" && cfg.DocumentDeduplicate {
		if s.document, err = storage.MapOf[string](backend, DocumentStore); err != nil {
			return nil, fmt.Errorf("open document dedup store: %w", err)
		}
	}
	return s, nil
}

// TracksMetadata reports whether metadata deduplication is enabled.
func (s *Service) TracksMetadata() bool { return s.metadata != nil }

// TracksDocument reports whether content deduplication is enabled.
func (s *Service) TracksDocument() bool { return s.document != nil }

// FindOrTrackMetadata returns the reference that first carried doc's metadata
// checksum, or records doc as the first one.
func (s *Service) FindOrTrackMetadata(ctx context.Context, doc ledger.DocContext) (string, bool, error) {
	return s.findOrTrack(ctx, s.metadata, doc.MetaChecksum, doc.Reference)
}

// FindOrTrackDocument returns the reference that first carried doc's content
// checksum, or records doc as the first one.
func (s *Service) FindOrTrackDocument(ctx context.Context, doc ledger.DocContext) (string, bool, error) {
	return s.findOrTrack(ctx, s.document, doc.ContentChecksum, doc.Reference)
}

func (s *Service) findOrTrack(ctx context.Context, m *storage.Map[string], checksum, ref string) (string, bool, error) {
	if m == nil || checksum == "" {
		return "", false, nil
	}
	first, loaded, err := m.PutIfAbsent(ctx, checksum, ref)
	if err != nil {
		return "", false, fmt.Errorf("%s dedup %s: %w", m.Name(), ref, err)
	}
	if !loaded || first == ref {
		return "", false, nil
	}
	s.logger.Debug("duplicate checksum", zap.String("store", m.Name()),
		zap.String("reference", ref), zap.String("first", first))
	return first, true, nil
}

// Clear forgets every tracked checksum.
func (s *Service) Clear(ctx context.Context) error {
	for _, m := range []*storage.Map[string]{s.metadata, s.document} {
		if m == nil {
			continue
		}
		if err := m.Clear(ctx); err != nil {
			return fmt.Errorf("clear %s: %w", m.Name(), err)
		}
	}
	return nil
}
