package crawl

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/gridcrawler/internal/clock/system"
	"github.com/JakeFAU/gridcrawler/internal/event"
	"github.com/JakeFAU/gridcrawler/internal/grid/compute"
	"github.com/JakeFAU/gridcrawler/internal/ledger"
)

// Task drains the ledger queue with NumThreads workers on the executing
// node. It implements compute.Task.
type Task struct {
	crawler *Crawler
	mode    Mode
	stopped atomic.Bool
}

// NewTask builds the worker loop for mode.
func (c *Crawler) NewTask(mode Mode) *Task {
	return &Task{crawler: c, mode: mode}
}

// Mode returns the task mode.
func (t *Task) Mode() Mode { return t.mode }

// Stop asks every worker of the running execution to exit after its current
// document.
func (t *Task) Stop() {
	t.stopped.Store(true)
}

// Execute runs the worker pool until the queue is drained cluster-wide, a
// stop is requested, or the document cap is reached.
func (t *Task) Execute(ctx context.Context, tc *compute.TaskContext) (any, error) {
	t.stopped.Store(false)
	c := t.crawler
	log := c.logger.With(zap.String("node", tc.Node()), zap.Stringer("mode", t.mode))
	log.Info("processing crawler queue", zap.Int("threads", c.cfg.NumThreads))

	if c.hooks.BeforeCrawlTask != nil {
		c.hooks.BeforeCrawlTask(ctx, t.mode)
	}
	defer func() {
		if c.hooks.AfterCrawlTask != nil {
			c.hooks.AfterCrawlTask(ctx, t.mode)
		}
	}()

	progressCtx, stopProgress := context.WithCancel(ctx)
	defer stopProgress()
	go c.logProgress(progressCtx, t.mode)

	run := &taskRun{task: t, tc: tc, log: log}
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < c.cfg.NumThreads; i++ {
		g.Go(func() error {
			return run.thread(gctx, i)
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	log.Info("crawler queue processed", zap.Int64("processed", c.processed.Value()))
	return nil, nil
}

// taskRun is the state of one Execute call shared by its threads.
type taskRun struct {
	task     *Task
	tc       *compute.TaskContext
	log      *zap.Logger
	stopOnce sync.Once
}

func (r *taskRun) stopRequested() bool {
	return r.task.stopped.Load() || r.tc.StopRequested()
}

// stopCrawl signals a grid-wide stop of this task at most once per run.
func (r *taskRun) stopCrawl(ctx context.Context, cause error) {
	r.stopOnce.Do(func() {
		r.log.Error("stopping crawl", zap.Error(cause))
		r.task.stopped.Store(true)
		r.task.crawler.fire(r.tc.Node(), event.Event{Name: event.CrawlerStopRequested}.WithError(cause))
		if err := r.tc.StopAll(ctx); err != nil {
			r.log.Error("broadcast crawl stop", zap.Error(err))
		}
	})
}

func (r *taskRun) thread(ctx context.Context, idx int) error {
	c := r.task.crawler
	log := r.log.With(zap.Int("thread", idx))
	log.Debug("crawler thread starting")
	c.fire(r.tc.Node(), event.Event{Name: event.CrawlerRunThreadBegin, Note: fmt.Sprintf("thread %d", idx)})
	defer c.fire(r.tc.Node(), event.Event{Name: event.CrawlerRunThreadEnd, Note: fmt.Sprintf("thread %d", idx)})

	for {
		if r.stopRequested() || ctx.Err() != nil {
			return nil
		}
		reached, err := c.maxDocsReached(ctx, r.task.mode)
		if err != nil {
			log.Warn("max documents check failed", zap.Error(err))
		}
		if reached {
			log.Info("maximum documents reached", zap.Int64("max", c.cfg.MaxDocuments))
			return nil
		}
		if !r.next(ctx, log) {
			return nil
		}
	}
}

// next processes one queued reference and reports whether the thread should
// keep going.
func (r *taskRun) next(ctx context.Context, log *zap.Logger) bool {
	c := r.task.crawler
	entry, ok, err := c.ledger.PollQueue(ctx, r.tc.Node())
	if err != nil {
		if ctx.Err() != nil {
			return false
		}
		log.Error("unrecoverable error reading the queue, the crawler will stop", zap.Error(err))
		c.fire(r.tc.Node(), event.Event{Name: event.CrawlerError}.WithError(err))
		r.stopCrawl(ctx, err)
		return false
	}
	if !ok {
		return r.waitForActivity(ctx, log)
	}

	doc, err := r.workingDoc(ctx, entry)
	p := &processing{doc: doc}
	defer r.finalize(ctx, p, log)
	if err == nil {
		err = r.process(ctx, doc)
	}
	if err == nil {
		return true
	}
	return !r.handleError(ctx, p, err, log)
}

// waitForActivity keeps an idle thread alive while other threads or nodes
// still hold active documents that may enqueue more references. Documents
// held by nodes that left the grid are put back in the queue.
func (r *taskRun) waitForActivity(ctx context.Context, log *zap.Logger) bool {
	c := r.task.crawler
	pending, err := c.ledger.HasPendingWork(ctx)
	if err != nil {
		log.Warn("activity check failed", zap.Error(err))
		return false
	}
	if !pending {
		return false
	}
	if r.requeueOrphans(ctx, log) > 0 {
		return true
	}
	return system.Sleep(ctx, c.cfg.IdleBackoff) == nil
}

func (r *taskRun) requeueOrphans(ctx context.Context, log *zap.Logger) int {
	live, err := r.tc.Members(ctx)
	if err != nil {
		log.Warn("could not list live nodes", zap.Error(err))
		return 0
	}
	n, err := r.task.crawler.ledger.RequeueOrphaned(ctx, live)
	if err != nil {
		log.Warn("could not requeue references of departed nodes", zap.Error(err))
	}
	return n
}

func (r *taskRun) workingDoc(ctx context.Context, entry ledger.DocContext) (*Doc, error) {
	c := r.task.crawler
	doc := &Doc{DocContext: entry}
	doc.State = ""
	doc.CrawlDate = c.clock.Now()
	if !c.cfg.Incremental {
		return doc, nil
	}
	cached, ok, err := c.ledger.GetCached(ctx, entry.Reference)
	if err != nil {
		return doc, fmt.Errorf("read cached %s: %w", entry.Reference, err)
	}
	if ok {
		doc.Cached = &cached
	}
	return doc, nil
}

func (r *taskRun) process(ctx context.Context, doc *Doc) error {
	c := r.task.crawler
	if h := c.hooks.BeforeDocumentProcessing; h != nil {
		if err := h(ctx, doc); err != nil {
			return fmt.Errorf("before processing %s: %w", doc.Reference, err)
		}
	}
	var err error
	if r.task.mode == DeleteAll {
		err = c.processor.Delete(ctx, doc)
	} else {
		err = c.processor.Upsert(ctx, doc)
	}
	if err != nil {
		return err
	}
	if h := c.hooks.AfterDocumentProcessing; h != nil {
		if err := h(ctx, doc); err != nil {
			return fmt.Errorf("after processing %s: %w", doc.Reference, err)
		}
	}
	return nil
}

// handleError records a failed document and reports whether the crawl must
// stop.
func (r *taskRun) handleError(ctx context.Context, p *processing, err error, log *zap.Logger) bool {
	c := r.task.crawler
	doc := p.doc
	c.rejected.Incr(1)
	if errors.Is(err, ErrDuplicate) {
		doc.State = ledger.StateRejected
		log.Debug("duplicate document", zap.String("reference", doc.Reference), zap.Error(err))
		c.fire(r.tc.Node(), event.Event{Name: event.RejectedDuplicate, Reference: doc.Reference}.WithError(err))
		r.finalize(ctx, p, log)
		return false
	}

	doc.State = ledger.StateError
	log.Info("could not process document", zap.String("reference", doc.Reference), zap.Error(err))
	c.fire(r.tc.Node(), event.Event{
		Name:      event.RejectedError,
		Reference: doc.Reference,
		State:     string(doc.State),
	}.WithError(err))
	r.finalize(ctx, p, log)

	for _, target := range c.cfg.StopOnErrors {
		if errors.Is(err, target) {
			log.Error("encountered a crawler-stopping error", zap.Error(err))
			r.stopCrawl(ctx, err)
			return true
		}
	}
	return false
}

type processing struct {
	doc       *Doc
	finalized bool
}

// finalize marks the document processed exactly once.
func (r *taskRun) finalize(ctx context.Context, p *processing, log *zap.Logger) {
	if p.finalized || p.doc == nil {
		return
	}
	p.finalized = true
	c := r.task.crawler
	doc := p.doc

	if doc.State == "" {
		log.Warn("reference state is unknown, assuming error", zap.String("reference", doc.Reference))
		doc.State = ledger.StateError
	}
	if !doc.State.NewOrModified() && doc.Cached != nil {
		doc.FillFrom(*doc.Cached)
	}
	if err := c.ledger.Processed(context.WithoutCancel(ctx), doc.DocContext); err != nil {
		log.Error("could not mark reference as processed", zap.String("reference", doc.Reference), zap.Error(err))
		return
	}
	c.processed.Incr(1)
	c.processedRate.Incr(1)
	name := event.DocumentProcessed
	if doc.State == ledger.StateDeleted {
		name = event.DocumentDeleted
	}
	c.fire(r.tc.Node(), event.Event{Name: name, Reference: doc.Reference, State: string(doc.State)})
}
