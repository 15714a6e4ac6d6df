// Package report exports the document ledger of a finished crawl to a blob
// store as JSON lines.
package report

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"path"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/gridcrawler/internal/blob"
	"github.com/JakeFAU/gridcrawler/internal/ledger"
)

// ContentType of exported reports.
const ContentType = "application/x-ndjson"

// Clock returns the current time.
type Clock interface {
	Now() time.Time
}

// Exporter writes one JSON line per ledger entry, processed entries first,
// then whatever is still queued, active or cached.
type Exporter struct {
	store  blob.Store
	prefix string
	clock  Clock
	logger *zap.Logger
}

// New builds an exporter writing under prefix.
func New(store blob.Store, prefix string, clock Clock, logger *zap.Logger) (*Exporter, error) {
	if store == nil {
		return nil, fmt.Errorf("report: blob store is required")
	}
	if clock == nil {
		return nil, fmt.Errorf("report: clock is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Exporter{store: store, prefix: prefix, clock: clock, logger: logger}, nil
}

// Path returns the object path of a report generated at ts.
func (e *Exporter) Path(crawler string, ts time.Time) string {
	return path.Join(e.prefix, crawler, ts.UTC().Format("20060102T150405Z")+".jsonl")
}

// Export writes the report and returns its URI.
func (e *Exporter) Export(ctx context.Context, crawler string, l *ledger.Ledger) (string, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	var encErr error
	write := func(doc ledger.DocContext) bool {
		if encErr = enc.Encode(doc); encErr != nil {
			return false
		}
		return true
	}
	scans := []func(context.Context, func(ledger.DocContext) bool) (bool, error){
		l.ForEachProcessed, l.ForEachQueued, l.ForEachActive, l.ForEachCached,
	}
	lines := 0
	for _, scan := range scans {
		if _, err := scan(ctx, func(doc ledger.DocContext) bool {
			lines++
			return write(doc)
		}); err != nil {
			return "", fmt.Errorf("scan ledger: %w", err)
		}
		if encErr != nil {
			return "", fmt.Errorf("encode ledger entry: %w", encErr)
		}
	}

	uri, err := e.store.PutObject(ctx, e.Path(crawler, e.clock.Now()), ContentType, &buf)
	if err != nil {
		return "", fmt.Errorf("write report: %w", err)
	}
	e.logger.Debug("ledger exported", zap.String("uri", uri), zap.Int("entries", lines))
	return uri, nil
}
