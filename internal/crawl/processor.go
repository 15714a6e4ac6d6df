package crawl

import (
	"context"
	"errors"

	"github.com/JakeFAU/gridcrawler/internal/ledger"
)

// ErrDuplicate is returned by processors for documents whose checksum was
// already seen on another reference. The document is finalized as REJECTED
// and REJECTED_DUPLICATE is fired instead of REJECTED_ERROR.
var ErrDuplicate = errors.New("crawl: duplicate document")

// Doc is the working document handed to processors and hooks.
type Doc struct {
	ledger.DocContext
	// Cached is the entry left by the previous crawl when crawling
	// incrementally.
	Cached *ledger.DocContext
}

// IsNew reports whether the reference was unknown to the previous crawl.
func (d *Doc) IsNew() bool { return d.Cached == nil }

// Processor does the per-document work. Implementations set Doc.State.
type Processor interface {
	Upsert(ctx context.Context, doc *Doc) error
	Delete(ctx context.Context, doc *Doc) error
}

// Hooks are optional callbacks around crawl tasks and documents.
type Hooks struct {
	BeforeCrawlTask          func(ctx context.Context, mode Mode)
	AfterCrawlTask           func(ctx context.Context, mode Mode)
	BeforeDocumentProcessing func(ctx context.Context, doc *Doc) error
	AfterDocumentProcessing  func(ctx context.Context, doc *Doc) error
}

// Reporter exports the ledger at the end of a crawl.
type Reporter interface {
	Export(ctx context.Context, crawler string, l *ledger.Ledger) (string, error)
}

// NopProcessor only records ledger states. Upsert marks documents NEW and
// Delete marks them DELETED.
type NopProcessor struct{}

// Upsert marks the document NEW.
func (NopProcessor) Upsert(_ context.Context, doc *Doc) error {
	doc.State = ledger.StateNew
	return nil
}

// Delete marks the document DELETED.
func (NopProcessor) Delete(_ context.Context, doc *Doc) error {
	doc.State = ledger.StateDeleted
	return nil
}
