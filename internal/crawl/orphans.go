package crawl

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/JakeFAU/gridcrawler/internal/event"
	"github.com/JakeFAU/gridcrawler/internal/grid/compute"
	"github.com/JakeFAU/gridcrawler/internal/ledger"
)

// Task names of the grid-wide orphan runs.
const (
	OrphansProcessTask = "crawl.orphans-process"
	OrphansDeleteTask  = "crawl.orphans-delete"
)

// Compute is the part of the grid compute service the crawl needs.
type Compute interface {
	Register(ctx context.Context, name string, task compute.Task) error
	RunOnAll(ctx context.Context, name string, task compute.Task) *compute.Future[any]
}

// HandleOrphans deals with cached references the crawl did not reach again,
// according to the orphans strategy, and returns how many were queued.
// It runs on one node and fans the resulting work out to every node.
func (c *Crawler) HandleOrphans(ctx context.Context, tc *compute.TaskContext, cmp Compute) (int, error) {
	log := c.logger.With(zap.String("node", tc.Node()), zap.String("strategy", string(c.cfg.OrphansStrategy)))
	switch c.cfg.OrphansStrategy {
	case OrphansProcess:
		reached, err := c.maxDocsReached(ctx, CrawlAll)
		if err != nil {
			return 0, err
		}
		if reached {
			log.Info("max documents reached, not reprocessing orphans")
			return 0, nil
		}
		return c.requeueOrphans(ctx, tc, cmp, OrphansProcessTask, CrawlAll, log)
	case OrphansDelete:
		return c.requeueOrphans(ctx, tc, cmp, OrphansDeleteTask, DeleteAll, log)
	default:
		return 0, nil
	}
}

func (c *Crawler) requeueOrphans(
	ctx context.Context,
	tc *compute.TaskContext,
	cmp Compute,
	task string,
	mode Mode,
	log *zap.Logger,
) (int, error) {
	var orphans []ledger.DocContext
	if _, err := c.ledger.ForEachCached(ctx, func(doc ledger.DocContext) bool {
		orphans = append(orphans, doc)
		return true
	}); err != nil {
		return 0, fmt.Errorf("list orphans: %w", err)
	}

	queued := 0
	for _, doc := range orphans {
		doc.Orphan = mode == CrawlAll
		doc.State = ""
		added, err := c.ledger.Queue(ctx, doc)
		if err != nil {
			return queued, fmt.Errorf("queue orphan %s: %w", doc.Reference, err)
		}
		if added {
			queued++
		}
	}
	log.Info("orphans queued", zap.Int("count", queued), zap.Stringer("mode", mode))
	if queued == 0 {
		return 0, nil
	}
	c.fire(tc.Node(), event.Event{Name: event.OrphansQueued, Count: int64(queued), Note: mode.String()})

	if _, err := cmp.RunOnAll(ctx, task, c.NewTask(mode)).Get(ctx); err != nil {
		return queued, fmt.Errorf("process orphans: %w", err)
	}
	return queued, nil
}
