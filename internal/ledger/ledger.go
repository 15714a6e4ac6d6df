// Package ledger records where every crawl reference sits in its lifecycle:
// queued, active, processed, or cached from the previous crawl.
package ledger

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JakeFAU/gridcrawler/internal/grid/storage"
)

// Stage is the lifecycle position of a reference.
type Stage string

// Lifecycle stages.
const (
	Queued    Stage = "QUEUED"
	Active    Stage = "ACTIVE"
	Processed Stage = "PROCESSED"
	Cached    Stage = "CACHED"
)

// State is the processing outcome of a document.
type State string

// Processing outcomes.
const (
	StateNew        State = "NEW"
	StateModified   State = "MODIFIED"
	StateUnmodified State = "UNMODIFIED"
	StateError      State = "ERROR"
	StateRejected   State = "REJECTED"
	StateDeleted    State = "DELETED"
	StatePremature  State = "PREMATURE"
)

// NewOrModified reports whether the document content changed this crawl.
func (s State) NewOrModified() bool { return s == StateNew || s == StateModified }

// Good reports whether the document was processed without trouble.
func (s State) Good() bool {
	switch s {
	case StateNew, StateModified, StateUnmodified, StatePremature:
		return true
	}
	return false
}

// Store names. A namespace, when set, prefixes each with "<namespace>.".
const (
	QueueStore     = "queue"
	ActiveStore    = "active"
	ProcessedStore = "processed"
	CachedStore    = "cached"
	ClaimsStore    = "claims"
)

// DocContext is a ledger entry.
type DocContext struct {
	Reference       string              `json:"reference"`
	ParentReference string              `json:"parent_reference,omitempty"`
	Depth           int                 `json:"depth"`
	Stage           Stage               `json:"stage"`
	State           State               `json:"state,omitempty"`
	ContentChecksum string              `json:"content_checksum,omitempty"`
	MetaChecksum    string              `json:"meta_checksum,omitempty"`
	ContentType     string              `json:"content_type,omitempty"`
	Orphan          bool                `json:"orphan,omitempty"`
	CrawlDate       time.Time           `json:"crawl_date,omitempty"`
	Metadata        map[string][]string `json:"metadata,omitempty"`
	// Owner is the node processing an active entry.
	Owner string `json:"owner,omitempty"`
}

// claim marks a poll in flight: taken from the queue but not yet active.
type claim struct {
	Owner string `json:"owner"`
	ID    string `json:"id"`
}

// FillFrom copies fields left empty on d from a cached entry of the same
// reference. Used for documents found unmodified.
func (d *DocContext) FillFrom(cached DocContext) {
	if d.ContentChecksum == "" {
		d.ContentChecksum = cached.ContentChecksum
	}
	if d.MetaChecksum == "" {
		d.MetaChecksum = cached.MetaChecksum
	}
	if d.ContentType == "" {
		d.ContentType = cached.ContentType
	}
	if d.ParentReference == "" {
		d.ParentReference = cached.ParentReference
	}
	if d.CrawlDate.IsZero() {
		d.CrawlDate = cached.CrawlDate
	}
	if len(d.Metadata) == 0 && len(cached.Metadata) > 0 {
		d.Metadata = make(map[string][]string, len(cached.Metadata))
		for k, v := range cached.Metadata {
			d.Metadata[k] = append([]string(nil), v...)
		}
	}
}

// Ledger is the crawl reference store shared by every node.
type Ledger struct {
	queue     *storage.Queue[DocContext]
	active    *storage.Map[DocContext]
	processed *storage.Map[DocContext]
	cached    *storage.Map[DocContext]
	claims    *storage.Set[claim]
	logger    *zap.Logger
}

// Open binds the ledger stores on backend.
func Open(backend storage.Backend, namespace string, logger *zap.Logger) (*Ledger, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	name := func(store string) string {
		if namespace == "" {
			return store
		}
		return namespace + "." + store
	}
	queue, err := storage.QueueOf[DocContext](backend, name(QueueStore))
	if err != nil {
		return nil, err
	}
	active, err := storage.MapOf[DocContext](backend, name(ActiveStore))
	if err != nil {
		return nil, err
	}
	processed, err := storage.MapOf[DocContext](backend, name(ProcessedStore))
	if err != nil {
		return nil, err
	}
	cached, err := storage.MapOf[DocContext](backend, name(CachedStore))
	if err != nil {
		return nil, err
	}
	claims, err := storage.SetOf[claim](backend, name(ClaimsStore))
	if err != nil {
		return nil, err
	}
	return &Ledger{
		queue:     queue,
		active:    active,
		processed: processed,
		cached:    cached,
		claims:    claims,
		logger:    logger,
	}, nil
}

// Queue adds doc to the queue. It returns false when the reference is already
// queued, active, or processed in this crawl.
func (l *Ledger) Queue(ctx context.Context, doc DocContext) (bool, error) {
	if doc.Reference == "" {
		return false, fmt.Errorf("queue: empty reference")
	}
	for _, m := range []*storage.Map[DocContext]{l.active, l.processed} {
		_, ok, err := m.Get(ctx, doc.Reference)
		if err != nil {
			return false, fmt.Errorf("queue %s: %w", doc.Reference, err)
		}
		if ok {
			return false, nil
		}
	}
	doc.Stage = Queued
	doc.Owner = ""
	added, err := l.queue.Put(ctx, doc.Reference, doc)
	if err != nil {
		return false, fmt.Errorf("queue %s: %w", doc.Reference, err)
	}
	if added {
		l.logger.Debug("queued", zap.String("reference", doc.Reference))
	}
	return added, nil
}

// PollQueue takes the oldest queued entry and marks it active on behalf of
// owner. A claim is held from before the poll until the entry is active, so
// HasPendingWork never sees the entry in neither store.
func (l *Ledger) PollQueue(ctx context.Context, owner string) (DocContext, bool, error) {
	cl := claim{Owner: owner, ID: uuid.NewString()}
	if _, err := l.claims.Add(ctx, cl); err != nil {
		return DocContext{}, false, fmt.Errorf("claim poll: %w", err)
	}
	defer func() {
		if _, err := l.claims.Remove(context.WithoutCancel(ctx), cl); err != nil {
			l.logger.Warn("release poll claim", zap.String("owner", owner), zap.Error(err))
		}
	}()
	_, doc, ok, err := l.queue.Poll(ctx)
	if err != nil || !ok {
		return DocContext{}, false, err
	}
	doc.Stage = Active
	doc.Owner = owner
	if err := l.active.Put(context.WithoutCancel(ctx), doc.Reference, doc); err != nil {
		return DocContext{}, false, fmt.Errorf("activate %s: %w", doc.Reference, err)
	}
	return doc, true, nil
}

// Processed moves doc to the processed store and forgets its cached entry.
func (l *Ledger) Processed(ctx context.Context, doc DocContext) error {
	doc.Stage = Processed
	doc.Owner = ""
	if err := l.processed.Put(ctx, doc.Reference, doc); err != nil {
		return fmt.Errorf("mark processed %s: %w", doc.Reference, err)
	}
	if _, err := l.active.Delete(ctx, doc.Reference); err != nil {
		return fmt.Errorf("deactivate %s: %w", doc.Reference, err)
	}
	if _, err := l.cached.Delete(ctx, doc.Reference); err != nil {
		return fmt.Errorf("uncache %s: %w", doc.Reference, err)
	}
	return nil
}

// GetCached returns the entry of ref from the previous crawl.
func (l *Ledger) GetCached(ctx context.Context, ref string) (DocContext, bool, error) {
	return l.cached.Get(ctx, ref)
}

// GetProcessed returns the processed entry of ref.
func (l *Ledger) GetProcessed(ctx context.Context, ref string) (DocContext, bool, error) {
	return l.processed.Get(ctx, ref)
}

// StageOf reports which store currently holds ref in this crawl, checking the
// cached store last.
func (l *Ledger) StageOf(ctx context.Context, ref string) (Stage, bool, error) {
	if ok, err := l.queue.Contains(ctx, ref); err != nil || ok {
		return Queued, ok, err
	}
	stores := []struct {
		stage Stage
		m     *storage.Map[DocContext]
	}{{Active, l.active}, {Processed, l.processed}, {Cached, l.cached}}
	for _, s := range stores {
		_, ok, err := s.m.Get(ctx, ref)
		if err != nil || ok {
			return s.stage, ok, err
		}
	}
	return "", false, nil
}

// ForEachQueued visits queued entries in FIFO order. The result is true when
// every entry was visited.
func (l *Ledger) ForEachQueued(ctx context.Context, fn func(DocContext) bool) (bool, error) {
	return l.queue.ForEach(ctx, func(_ string, d DocContext) bool { return fn(d) })
}

// ForEachActive visits active entries.
func (l *Ledger) ForEachActive(ctx context.Context, fn func(DocContext) bool) (bool, error) {
	return l.active.ForEach(ctx, func(_ string, d DocContext) bool { return fn(d) })
}

// ForEachProcessed visits processed entries.
func (l *Ledger) ForEachProcessed(ctx context.Context, fn func(DocContext) bool) (bool, error) {
	return l.processed.ForEach(ctx, func(_ string, d DocContext) bool { return fn(d) })
}

// ForEachCached visits cached entries.
func (l *Ledger) ForEachCached(ctx context.Context, fn func(DocContext) bool) (bool, error) {
	return l.cached.ForEach(ctx, func(_ string, d DocContext) bool { return fn(d) })
}

// QueueCount returns the number of queued entries.
func (l *Ledger) QueueCount(ctx context.Context) (int64, error) { return l.queue.Size(ctx) }

// ActiveCount returns the number of entries being processed.
func (l *Ledger) ActiveCount(ctx context.Context) (int64, error) { return l.active.Size(ctx) }

// ProcessedCount returns the number of entries processed this crawl.
func (l *Ledger) ProcessedCount(ctx context.Context) (int64, error) { return l.processed.Size(ctx) }

// CachedCount returns the number of entries left from the previous crawl.
func (l *Ledger) CachedCount(ctx context.Context) (int64, error) { return l.cached.Size(ctx) }

// IsQueueEmpty reports whether nothing is queued.
func (l *Ledger) IsQueueEmpty(ctx context.Context) (bool, error) {
	n, err := l.queue.Size(ctx)
	return n == 0, err
}

// HasPendingWork reports whether any node may still produce or process
// references: the queue, the active store or the in-flight polls are
// non-empty.
func (l *Ledger) HasPendingWork(ctx context.Context) (bool, error) {
	for _, size := range []func(context.Context) (int64, error){l.queue.Size, l.claims.Size, l.active.Size} {
		n, err := size(ctx)
		if err != nil {
			return false, err
		}
		if n > 0 {
			return true, nil
		}
	}
	return false, nil
}

// Counts is a snapshot of store sizes.
type Counts struct {
	Queued    int64 `json:"queued"`
	Active    int64 `json:"active"`
	Processed int64 `json:"processed"`
	Cached    int64 `json:"cached"`
}

// Counts returns the size of every store.
func (l *Ledger) Counts(ctx context.Context) (Counts, error) {
	var c Counts
	var err error
	if c.Queued, err = l.QueueCount(ctx); err != nil {
		return c, err
	}
	if c.Active, err = l.ActiveCount(ctx); err != nil {
		return c, err
	}
	if c.Processed, err = l.ProcessedCount(ctx); err != nil {
		return c, err
	}
	c.Cached, err = l.CachedCount(ctx)
	return c, err
}

// CacheProcessed starts an incremental crawl: the previous cache is dropped,
// every processed entry becomes cached and the processed store is emptied.
func (l *Ledger) CacheProcessed(ctx context.Context) error {
	if err := l.cached.Clear(ctx); err != nil {
		return fmt.Errorf("clear cache: %w", err)
	}
	var entries []DocContext
	if _, err := l.processed.ForEach(ctx, func(_ string, d DocContext) bool {
		entries = append(entries, d)
		return true
	}); err != nil {
		return fmt.Errorf("scan processed: %w", err)
	}
	for _, d := range entries {
		d.Stage = Cached
		if err := l.cached.Put(ctx, d.Reference, d); err != nil {
			return fmt.Errorf("cache %s: %w", d.Reference, err)
		}
	}
	if err := l.processed.Clear(ctx); err != nil {
		return fmt.Errorf("clear processed: %w", err)
	}
	l.logger.Info("cached previous crawl", zap.Int("entries", len(entries)))
	return nil
}

// RequeueActive puts entries left active by a crashed run back in the queue.
func (l *Ledger) RequeueActive(ctx context.Context) (int, error) {
	var stale []DocContext
	if _, err := l.active.ForEach(ctx, func(_ string, d DocContext) bool {
		stale = append(stale, d)
		return true
	}); err != nil {
		return 0, fmt.Errorf("scan active: %w", err)
	}
	n := 0
	for _, d := range stale {
		if _, err := l.active.Delete(ctx, d.Reference); err != nil {
			return n, fmt.Errorf("deactivate %s: %w", d.Reference, err)
		}
		added, err := l.requeue(ctx, d)
		if err != nil {
			return n, err
		}
		if added {
			n++
		}
	}
	return n, nil
}

// RequeueOrphaned puts back in the queue the active entries whose owner is
// not in live, and drops the poll claims of those owners. Entries without an
// owner are left alone.
func (l *Ledger) RequeueOrphaned(ctx context.Context, live []string) (int, error) {
	alive := make(map[string]struct{}, len(live))
	for _, name := range live {
		alive[name] = struct{}{}
	}
	departed := func(owner string) bool {
		if owner == "" {
			return false
		}
		_, ok := alive[owner]
		return !ok
	}

	var stale []claim
	if _, err := l.claims.ForEach(ctx, func(c claim) bool {
		if departed(c.Owner) {
			stale = append(stale, c)
		}
		return true
	}); err != nil {
		return 0, fmt.Errorf("scan claims: %w", err)
	}
	for _, c := range stale {
		if _, err := l.claims.Remove(ctx, c); err != nil {
			return 0, fmt.Errorf("drop claim of %s: %w", c.Owner, err)
		}
	}

	var orphans []DocContext
	if _, err := l.active.ForEach(ctx, func(_ string, d DocContext) bool {
		if departed(d.Owner) {
			orphans = append(orphans, d)
		}
		return true
	}); err != nil {
		return 0, fmt.Errorf("scan active: %w", err)
	}
	n := 0
	for _, d := range orphans {
		// The owner may have finished the entry since the scan.
		removed, err := l.active.Delete(ctx, d.Reference)
		if err != nil {
			return n, fmt.Errorf("deactivate %s: %w", d.Reference, err)
		}
		if !removed {
			continue
		}
		added, err := l.requeue(ctx, d)
		if err != nil {
			return n, err
		}
		if added {
			l.logger.Info("requeued reference of departed node",
				zap.String("reference", d.Reference), zap.String("owner", d.Owner))
			n++
		}
	}
	return n, nil
}

func (l *Ledger) requeue(ctx context.Context, d DocContext) (bool, error) {
	d.Stage = Queued
	d.Owner = ""
	added, err := l.queue.Put(ctx, d.Reference, d)
	if err != nil {
		return false, fmt.Errorf("requeue %s: %w", d.Reference, err)
	}
	return added, nil
}

// Clear empties every store.
func (l *Ledger) Clear(ctx context.Context) error {
	if err := l.queue.Clear(ctx); err != nil {
		return err
	}
	if err := l.claims.Clear(ctx); err != nil {
		return err
	}
	for _, m := range []*storage.Map[DocContext]{l.active, l.processed, l.cached} {
		if err := m.Clear(ctx); err != nil {
			return err
		}
	}
	return nil
}
