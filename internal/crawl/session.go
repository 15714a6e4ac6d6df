package crawl

import (
	"context"
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
	"go.uber.org/zap"

	"github.com/JakeFAU/gridcrawler/internal/event"
	"github.com/JakeFAU/gridcrawler/internal/grid/compute"
	"github.com/JakeFAU/gridcrawler/internal/grid/pipeline"
	"github.com/JakeFAU/gridcrawler/internal/grid/storage"
	"github.com/JakeFAU/gridcrawler/internal/ledger"
)

// PipelineName is the name of the crawl session pipeline.
const PipelineName = "crawl"

// Session stage names.
const (
	StageInit    = "init"
	StageCrawl   = "crawl"
	StageOrphans = "orphans"
	StageEnd     = "end"
)

// Resetter clears per-session state such as dedup checksums.
type Resetter interface {
	Clear(ctx context.Context) error
}

// Session drives one crawl across the grid: seed, crawl on every node,
// handle orphans, and report.
type Session struct {
	crawler  *Crawler
	compute  Compute
	resets   []Resetter
	crawl    *Task
	pipeline *pipeline.Pipeline[*Session]
	orphans  int
}

// NewSession builds the session pipeline. resets are cleared when a fresh
// session starts.
func NewSession(c *Crawler, cmp Compute, resets ...Resetter) (*Session, error) {
	s := &Session{crawler: c, compute: cmp, resets: resets, crawl: c.NewTask(CrawlAll)}
	p, err := pipeline.New(PipelineName,
		pipeline.Stage[*Session]{Name: StageInit, Task: initStage, RunOn: compute.One},
		pipeline.Stage[*Session]{Name: StageCrawl, Task: crawlStage, RunOn: compute.All, OnStop: s.crawl.Stop},
		pipeline.Stage[*Session]{
			Name:   StageOrphans,
			Task:   orphansStage,
			RunOn:  compute.One,
			OnlyIf: func(s *Session) bool { return s.crawler.cfg.OrphansStrategy != OrphansIgnore },
		},
		pipeline.Stage[*Session]{Name: StageEnd, Task: endStage, RunOn: compute.One, Always: true},
	)
	if err != nil {
		return nil, err
	}
	s.pipeline = p
	return s, nil
}

// Pipeline returns the underlying pipeline.
func (s *Session) Pipeline() *pipeline.Pipeline[*Session] { return s.pipeline }

// Run joins the session on this node. The coordinator drives it; other nodes
// take part in the grid-wide stages. When a previous run was interrupted,
// documents it left active are queued again before resuming.
func (s *Session) Run(ctx context.Context, r *pipeline.Runner) *compute.Future[bool] {
	c := s.crawler
	for name, mode := range map[string]Mode{OrphansProcessTask: CrawlAll, OrphansDeleteTask: DeleteAll} {
		if err := s.compute.Register(ctx, name, c.NewTask(mode)); err != nil {
			return compute.Resolved(false, fmt.Errorf("register %s: %w", name, err))
		}
	}
	if r.IsCoordinator() {
		status, err := r.Status(ctx, PipelineName)
		if err != nil {
			return compute.Resolved(false, err)
		}
		if status.State == pipeline.Active {
			n, err := c.ledger.RequeueActive(ctx)
			if err != nil {
				return compute.Resolved(false, fmt.Errorf("recover active documents: %w", err))
			}
			c.logger.Info("resuming interrupted crawl", zap.String("stage", status.Stage), zap.Int("requeued", n))
		}
	}
	return s.pipeline.Run(ctx, r, s)
}

func startedAt(tc *compute.TaskContext, crawler string) (*storage.Attribute[time.Time], error) {
	return storage.AttributeOf[time.Time](tc.Storage(), crawler+".startedAt")
}

func initStage(ctx context.Context, tc *compute.TaskContext, s *Session) (any, error) {
	c := s.crawler
	log := c.logger.With(zap.String("node", tc.Node()))

	if c.cfg.Incremental {
		processed, err := c.ledger.ProcessedCount(ctx)
		if err != nil {
			return nil, err
		}
		if processed > 0 {
			if err := c.ledger.CacheProcessed(ctx); err != nil {
				return nil, err
			}
		}
	} else if err := c.ledger.Clear(ctx); err != nil {
		return nil, fmt.Errorf("clear ledger: %w", err)
	}
	for _, r := range s.resets {
		if err := r.Clear(ctx); err != nil {
			return nil, fmt.Errorf("reset session state: %w", err)
		}
	}

	empty, err := c.ledger.IsQueueEmpty(ctx)
	if err != nil {
		return nil, err
	}
	if empty {
		queued := 0
		for _, ref := range c.cfg.StartReferences {
			added, err := c.ledger.Queue(ctx, ledger.DocContext{Reference: ref})
			if err != nil {
				return nil, fmt.Errorf("queue start reference: %w", err)
			}
			if added {
				queued++
				c.fire(tc.Node(), event.Event{Name: event.DocumentQueued, Reference: ref})
			}
		}
		log.Info("start references queued", zap.Int("count", queued))
	}

	attr, err := startedAt(tc, c.cfg.Name)
	if err != nil {
		return nil, err
	}
	if err := attr.Set(ctx, c.clock.Now()); err != nil {
		return nil, fmt.Errorf("record crawl start: %w", err)
	}
	c.fire(tc.Node(), event.Event{Name: event.CrawlerStart})
	return nil, nil
}

// crawlStage reports false when the crawl was stopped so the remaining
// stages are skipped.
func crawlStage(ctx context.Context, tc *compute.TaskContext, s *Session) (any, error) {
	if _, err := s.crawl.Execute(ctx, tc); err != nil {
		return nil, err
	}
	return !s.crawl.stopped.Load() && !tc.StopRequested(), nil
}

func orphansStage(ctx context.Context, tc *compute.TaskContext, s *Session) (any, error) {
	n, err := s.crawler.HandleOrphans(ctx, tc, s.compute)
	s.orphans = n
	return n, err
}

func endStage(ctx context.Context, tc *compute.TaskContext, s *Session) (any, error) {
	c := s.crawler
	counts, err := c.ledger.Counts(ctx)
	if err != nil {
		return nil, err
	}
	var elapsed time.Duration
	attr, err := startedAt(tc, c.cfg.Name)
	if err != nil {
		return nil, err
	}
	if started, ok, err := attr.Get(ctx); err == nil && ok {
		elapsed = c.clock.Now().Sub(started)
	}

	c.logger.Info("crawl ended",
		zap.String("processed", humanize.Comma(counts.Processed)),
		zap.String("queued", humanize.Comma(counts.Queued)),
		zap.String("orphans", humanize.Comma(int64(s.orphans))),
		zap.String("rejected_here", humanize.Comma(c.rejected.Value())),
		zap.Duration("elapsed", elapsed.Round(time.Second)),
	)
	if c.reporter != nil {
		location, err := c.reporter.Export(ctx, c.cfg.Name, c.ledger)
		if err != nil {
			c.logger.Error("export crawl report", zap.Error(err))
		} else {
			c.logger.Info("crawl report exported", zap.String("location", location))
		}
	}
	c.fire(tc.Node(), event.Event{Name: event.CrawlerEnd, Count: counts.Processed, Dur: elapsed})
	return nil, nil
}
