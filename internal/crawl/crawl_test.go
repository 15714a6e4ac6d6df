package crawl

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/gridcrawler/internal/event"
	"github.com/JakeFAU/gridcrawler/internal/grid"
	"github.com/JakeFAU/gridcrawler/internal/grid/cluster"
	"github.com/JakeFAU/gridcrawler/internal/grid/compute"
	"github.com/JakeFAU/gridcrawler/internal/grid/storage"
	"github.com/JakeFAU/gridcrawler/internal/grid/storage/memory"
	"github.com/JakeFAU/gridcrawler/internal/grid/transport/local"
	"github.com/JakeFAU/gridcrawler/internal/ledger"
)

type recorder struct {
	mu     sync.Mutex
	events []event.Event
}

func (r *recorder) Fire(evt event.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, evt)
}

func (r *recorder) named(name event.Name) []event.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []event.Event
	for _, e := range r.events {
		if e.Name == name {
			out = append(out, e)
		}
	}
	return out
}

type funcProcessor struct {
	upsert func(ctx context.Context, doc *Doc) error
}

func (p funcProcessor) Upsert(ctx context.Context, doc *Doc) error {
	if p.upsert == nil {
		doc.State = ledger.StateNew
		return nil
	}
	return p.upsert(ctx, doc)
}

func (funcProcessor) Delete(_ context.Context, doc *Doc) error {
	doc.State = ledger.StateDeleted
	return nil
}

func newCrawler(t *testing.T, backend storage.Backend, cfg Config, p Processor, events event.Firer) *Crawler {
	t.Helper()
	l, err := ledger.Open(backend, "site", nil)
	require.NoError(t, err)
	if cfg.Name == "" {
		cfg.Name = "site"
	}
	if cfg.IdleBackoff == 0 {
		cfg.IdleBackoff = 10 * time.Millisecond
	}
	c, err := New(cfg, Options{Ledger: l, Processor: p, Events: events})
	require.NoError(t, err)
	return c
}

func connect(t *testing.T, bus *local.Bus, backend storage.Backend, node string) *grid.Grid {
	t.Helper()
	g, err := grid.Connect(context.Background(), grid.Options{
		Node:      node,
		Backend:   backend,
		Transport: bus.Endpoint(node),
		Compute:   compute.Config{MembershipCheck: 20 * time.Millisecond},
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = g.Close(context.Background()) })
	return g
}

func waitCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func queue(t *testing.T, l *ledger.Ledger, refs ...string) {
	t.Helper()
	for _, ref := range refs {
		added, err := l.Queue(context.Background(), ledger.DocContext{Reference: ref})
		require.NoError(t, err)
		require.True(t, added)
	}
}

func seedCached(t *testing.T, l *ledger.Ledger, refs ...string) {
	t.Helper()
	ctx := context.Background()
	for _, ref := range refs {
		require.NoError(t, l.Processed(ctx, ledger.DocContext{Reference: ref, State: ledger.StateNew, ContentChecksum: "sum-" + ref}))
	}
	require.NoError(t, l.CacheProcessed(ctx))
}

func TestParseOrphansStrategy(t *testing.T) {
	t.Parallel()

	s, err := ParseOrphansStrategy("process")
	require.NoError(t, err)
	assert.Equal(t, OrphansProcess, s)
	s, err = ParseOrphansStrategy("")
	require.NoError(t, err)
	assert.Equal(t, OrphansIgnore, s)
	_, err = ParseOrphansStrategy("keep")
	require.Error(t, err)
}

func TestNewRequiresLedgerAndProcessor(t *testing.T) {
	t.Parallel()

	_, err := New(Config{Name: "x"}, Options{Processor: NopProcessor{}})
	require.Error(t, err)
	l, err := ledger.Open(memory.New(), "", nil)
	require.NoError(t, err)
	_, err = New(Config{Name: "x"}, Options{Ledger: l})
	require.Error(t, err)
	_, err = New(Config{Name: "x", OrphansStrategy: "KEEP"}, Options{Ledger: l, Processor: NopProcessor{}})
	require.Error(t, err)
}

func TestTaskDrainsQueueAndFinalizesEachDocument(t *testing.T) {
	t.Parallel()
	ctx := waitCtx(t)
	backend := memory.New()
	events := &recorder{}
	c := newCrawler(t, backend, Config{NumThreads: 3}, NopProcessor{}, events)
	queue(t, c.Ledger(), "a", "b", "c", "d", "e")

	tc := compute.NewTaskContext("crawl.crawl", "n0", cluster.Coordinator, backend)
	_, err := c.NewTask(CrawlAll).Execute(ctx, tc)
	require.NoError(t, err)

	counts, err := c.Ledger().Counts(ctx)
	require.NoError(t, err)
	assert.Equal(t, ledger.Counts{Processed: 5}, counts)
	assert.Len(t, events.named(event.DocumentProcessed), 5)
	assert.Len(t, events.named(event.CrawlerRunThreadBegin), 3)
	assert.Len(t, events.named(event.CrawlerRunThreadEnd), 3)
	doc, ok, err := c.Ledger().GetProcessed(ctx, "c")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, ledger.StateNew, doc.State)
}

func TestTaskRequeuesDocumentHeldByDepartedNode(t *testing.T) {
	ctx := waitCtx(t)
	bus := local.NewBus()
	backend := memory.New()
	coord := connect(t, bus, backend, "n0")
	peer := connect(t, bus, backend, "n1")

	c := newCrawler(t, backend, Config{NumThreads: 1}, NopProcessor{}, nil)
	queue(t, c.Ledger(), "held", "a", "b")
	held, ok, err := c.Ledger().PollQueue(ctx, peer.Node())
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "held", held.Reference)

	require.NoError(t, peer.Membership.Leave(ctx))

	_, err = coord.Compute.RunOnOne(ctx, "site.crawl", c.NewTask(CrawlAll)).Get(ctx)
	require.NoError(t, err)

	counts, err := c.Ledger().Counts(ctx)
	require.NoError(t, err)
	assert.Equal(t, ledger.Counts{Processed: 3}, counts)
	doc, ok, err := c.Ledger().GetProcessed(ctx, "held")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Empty(t, doc.Owner)
}

func TestUnsetStateIsFinalizedAsError(t *testing.T) {
	t.Parallel()
	ctx := waitCtx(t)
	backend := memory.New()
	c := newCrawler(t, backend, Config{NumThreads: 1}, funcProcessor{upsert: func(context.Context, *Doc) error {
		return nil
	}}, nil)
	queue(t, c.Ledger(), "a")

	_, err := c.NewTask(CrawlAll).Execute(ctx, compute.NewTaskContext("t", "n0", cluster.Coordinator, backend))
	require.NoError(t, err)
	doc, ok, err := c.Ledger().GetProcessed(ctx, "a")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, ledger.StateError, doc.State)
}

type brokenQueueBackend struct{ storage.Backend }

func (b brokenQueueBackend) Queue(name string) (storage.FIFO, error) {
	q, err := b.Backend.Queue(name)
	return brokenFIFO{q}, err
}

type brokenFIFO struct{ storage.FIFO }

func (brokenFIFO) Poll(context.Context) (string, []byte, bool, error) {
	return "", nil, false, errors.New("queue unavailable")
}

func TestQueueFailureStopsCrawlOnce(t *testing.T) {
	t.Parallel()
	ctx := waitCtx(t)
	backend := brokenQueueBackend{memory.New()}
	events := &recorder{}
	c := newCrawler(t, backend, Config{NumThreads: 4}, NopProcessor{}, events)

	tc := compute.NewTaskContext("crawl.crawl", "n0", cluster.Coordinator, backend)
	_, err := c.NewTask(CrawlAll).Execute(ctx, tc)
	require.NoError(t, err)

	assert.Len(t, events.named(event.CrawlerStopRequested), 1)
	assert.NotEmpty(t, events.named(event.CrawlerError))
	assert.True(t, tc.StopRequested())
}

var errFatal = errors.New("fatal")

func TestStopOnErrorsStopsAfterRejection(t *testing.T) {
	t.Parallel()
	ctx := waitCtx(t)
	backend := memory.New()
	events := &recorder{}
	p := funcProcessor{upsert: func(_ context.Context, doc *Doc) error {
		switch doc.Reference {
		case "bad":
			return errors.New("transient")
		case "fatal":
			return errFatal
		}
		doc.State = ledger.StateNew
		return nil
	}}
	c := newCrawler(t, backend, Config{NumThreads: 1, StopOnErrors: []error{errFatal}}, p, events)
	queue(t, c.Ledger(), "ok", "bad", "fatal", "never")

	tc := compute.NewTaskContext("crawl.crawl", "n0", cluster.Coordinator, backend)
	_, err := c.NewTask(CrawlAll).Execute(ctx, tc)
	require.NoError(t, err)

	rejected := events.named(event.RejectedError)
	require.Len(t, rejected, 2)
	assert.Equal(t, "bad", rejected[0].Reference)
	assert.Equal(t, "fatal", rejected[1].Reference)
	assert.Equal(t, "fatal", rejected[1].Error)
	assert.Len(t, events.named(event.CrawlerStopRequested), 1)

	for ref, want := range map[string]ledger.State{"ok": ledger.StateNew, "bad": ledger.StateError, "fatal": ledger.StateError} {
		doc, ok, err := c.Ledger().GetProcessed(ctx, ref)
		require.NoError(t, err)
		require.True(t, ok, ref)
		assert.Equal(t, want, doc.State, ref)
	}
	stage, ok, err := c.Ledger().StageOf(ctx, "never")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, ledger.Queued, stage)
}

func TestDuplicateIsRejectedWithoutError(t *testing.T) {
	t.Parallel()
	ctx := waitCtx(t)
	backend := memory.New()
	events := &recorder{}
	p := funcProcessor{upsert: func(_ context.Context, doc *Doc) error {
		return ErrDuplicate
	}}
	c := newCrawler(t, backend, Config{NumThreads: 1}, p, events)
	queue(t, c.Ledger(), "copy")

	_, err := c.NewTask(CrawlAll).Execute(ctx, compute.NewTaskContext("t", "n0", cluster.Coordinator, backend))
	require.NoError(t, err)
	assert.Len(t, events.named(event.RejectedDuplicate), 1)
	assert.Empty(t, events.named(event.RejectedError))
	doc, _, err := c.Ledger().GetProcessed(ctx, "copy")
	require.NoError(t, err)
	assert.Equal(t, ledger.StateRejected, doc.State)
}

func TestIncrementalCrawlHydratesFromCache(t *testing.T) {
	t.Parallel()
	ctx := waitCtx(t)
	backend := memory.New()
	var sawCached bool
	p := funcProcessor{upsert: func(_ context.Context, doc *Doc) error {
		sawCached = !doc.IsNew()
		doc.State = ledger.StateUnmodified
		return nil
	}}
	c := newCrawler(t, backend, Config{NumThreads: 1, Incremental: true}, p, nil)
	seedCached(t, c.Ledger(), "a")
	queue(t, c.Ledger(), "a")

	_, err := c.NewTask(CrawlAll).Execute(ctx, compute.NewTaskContext("t", "n0", cluster.Coordinator, backend))
	require.NoError(t, err)
	assert.True(t, sawCached)
	doc, ok, err := c.Ledger().GetProcessed(ctx, "a")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "sum-a", doc.ContentChecksum, "unmodified documents keep cached values")
	n, err := c.Ledger().CachedCount(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestMaxDocumentsCapsTheCrawl(t *testing.T) {
	t.Parallel()
	ctx := waitCtx(t)
	backend := memory.New()
	c := newCrawler(t, backend, Config{NumThreads: 1, MaxDocuments: 2}, NopProcessor{}, nil)
	queue(t, c.Ledger(), "a", "b", "c")

	_, err := c.NewTask(CrawlAll).Execute(ctx, compute.NewTaskContext("t", "n0", cluster.Coordinator, backend))
	require.NoError(t, err)
	counts, err := c.Ledger().Counts(ctx)
	require.NoError(t, err)
	assert.Equal(t, ledger.Counts{Queued: 1, Processed: 2}, counts)
}

func TestOrphansProcessRequeuesEveryCachedEntry(t *testing.T) {
	ctx := waitCtx(t)
	backend := memory.New()
	g := connect(t, local.NewBus(), backend, "n0")
	events := &recorder{}
	c := newCrawler(t, backend, Config{NumThreads: 2, OrphansStrategy: OrphansProcess}, NopProcessor{}, events)
	seedCached(t, c.Ledger(), "x", "y", "z")

	tc := compute.NewTaskContext("crawl.orphans", g.Node(), g.Role(), backend)
	n, err := c.HandleOrphans(ctx, tc, g.Compute)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	counts, err := c.Ledger().Counts(ctx)
	require.NoError(t, err)
	assert.Equal(t, ledger.Counts{Processed: 3}, counts)
	doc, _, err := c.Ledger().GetProcessed(ctx, "y")
	require.NoError(t, err)
	assert.True(t, doc.Orphan)
	queued := events.named(event.OrphansQueued)
	require.Len(t, queued, 1)
	assert.EqualValues(t, 3, queued[0].Count)
}

func TestOrphansProcessSkippedWhenMaxDocumentsReached(t *testing.T) {
	ctx := waitCtx(t)
	backend := memory.New()
	g := connect(t, local.NewBus(), backend, "n0")
	c := newCrawler(t, backend, Config{MaxDocuments: 1, OrphansStrategy: OrphansProcess}, NopProcessor{}, nil)
	seedCached(t, c.Ledger(), "x", "y", "z")
	require.NoError(t, c.Ledger().Processed(ctx, ledger.DocContext{Reference: "fresh", State: ledger.StateNew}))

	tc := compute.NewTaskContext("crawl.orphans", g.Node(), g.Role(), backend)
	n, err := c.HandleOrphans(ctx, tc, g.Compute)
	require.NoError(t, err)
	assert.Zero(t, n)
	cached, err := c.Ledger().CachedCount(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 3, cached)
}

func TestOrphansDeleteRunsDeletePath(t *testing.T) {
	ctx := waitCtx(t)
	backend := memory.New()
	g := connect(t, local.NewBus(), backend, "n0")
	events := &recorder{}
	c := newCrawler(t, backend, Config{MaxDocuments: 1, OrphansStrategy: OrphansDelete}, funcProcessor{}, events)
	seedCached(t, c.Ledger(), "x", "y")
	require.NoError(t, c.Ledger().Processed(ctx, ledger.DocContext{Reference: "fresh", State: ledger.StateNew}))

	tc := compute.NewTaskContext("crawl.orphans", g.Node(), g.Role(), backend)
	n, err := c.HandleOrphans(ctx, tc, g.Compute)
	require.NoError(t, err)
	assert.Equal(t, 2, n, "deletions ignore the document cap")
	assert.Len(t, events.named(event.DocumentDeleted), 2)
	doc, _, err := c.Ledger().GetProcessed(ctx, "x")
	require.NoError(t, err)
	assert.Equal(t, ledger.StateDeleted, doc.State)
	assert.False(t, doc.Orphan)
}

func TestOrphansIgnoreDoesNothing(t *testing.T) {
	t.Parallel()
	ctx := waitCtx(t)
	backend := memory.New()
	c := newCrawler(t, backend, Config{}, NopProcessor{}, nil)
	seedCached(t, c.Ledger(), "x")

	n, err := c.HandleOrphans(ctx, compute.NewTaskContext("t", "n0", cluster.Coordinator, backend), nil)
	require.NoError(t, err)
	assert.Zero(t, n)
}
