package crawl

import (
	"context"
	"fmt"
	"time"

	"github.com/paulbellamy/ratecounter"
	"go.uber.org/zap"

	"github.com/JakeFAU/gridcrawler/internal/clock/system"
	"github.com/JakeFAU/gridcrawler/internal/event"
	"github.com/JakeFAU/gridcrawler/internal/ledger"
)

// Clock returns the current time.
type Clock interface {
	Now() time.Time
}

// Options carries the collaborators of a Crawler.
type Options struct {
	Ledger    *ledger.Ledger
	Processor Processor
	Hooks     Hooks
	Events    event.Firer
	Reporter  Reporter
	Clock     Clock
	Logger    *zap.Logger
}

// Crawler holds what every crawl task on a node shares.
type Crawler struct {
	cfg       Config
	ledger    *ledger.Ledger
	processor Processor
	hooks     Hooks
	events    event.Firer
	reporter  Reporter
	clock     Clock
	logger    *zap.Logger

	processedRate *ratecounter.RateCounter
	processed     ratecounter.Counter
	rejected      ratecounter.Counter
}

// New validates cfg and builds a Crawler.
func New(cfg Config, opts Options) (*Crawler, error) {
	if opts.Ledger == nil {
		return nil, fmt.Errorf("crawl: ledger is required")
	}
	if opts.Processor == nil {
		return nil, fmt.Errorf("crawl: processor is required")
	}
	if cfg.Name == "" {
		return nil, fmt.Errorf("crawl: crawler name is required")
	}
	if _, err := ParseOrphansStrategy(string(cfg.OrphansStrategy)); err != nil {
		return nil, fmt.Errorf("crawl: %w", err)
	}
	if opts.Events == nil {
		opts.Events = event.Discard
	}
	if opts.Clock == nil {
		opts.Clock = system.New()
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Crawler{
		cfg:           cfg.withDefaults(),
		ledger:        opts.Ledger,
		processor:     opts.Processor,
		hooks:         opts.Hooks,
		events:        opts.Events,
		reporter:      opts.Reporter,
		clock:         opts.Clock,
		logger:        opts.Logger.Named("crawl").With(zap.String("crawler", cfg.Name)),
		processedRate: ratecounter.NewRateCounter(time.Second),
	}, nil
}

// Config returns the effective configuration.
func (c *Crawler) Config() Config { return c.cfg }

// Ledger returns the document ledger the crawler drains.
func (c *Crawler) Ledger() *ledger.Ledger { return c.ledger }

func (c *Crawler) fire(node string, evt event.Event) {
	evt.Node = node
	evt.Crawler = c.cfg.Name
	c.events.Fire(evt)
}

// maxDocsReached applies to CRAWL_ALL only; deletions are never capped.
func (c *Crawler) maxDocsReached(ctx context.Context, mode Mode) (bool, error) {
	if mode == DeleteAll || c.cfg.MaxDocuments < 0 {
		return false, nil
	}
	n, err := c.ledger.ProcessedCount(ctx)
	if err != nil {
		return false, fmt.Errorf("count processed documents: %w", err)
	}
	return n >= c.cfg.MaxDocuments, nil
}

// logProgress logs throughput until ctx is done.
func (c *Crawler) logProgress(ctx context.Context, mode Mode) {
	ticker := time.NewTicker(c.cfg.ProgressEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			queued, err := c.ledger.QueueCount(ctx)
			if err != nil {
				c.logger.Debug("progress: queue size unavailable", zap.Error(err))
			}
			c.logger.Info("crawl progress",
				zap.Stringer("mode", mode),
				zap.Int64("processed", c.processed.Value()),
				zap.Int64("rejected", c.rejected.Value()),
				zap.Int64("docs_per_sec", c.processedRate.Rate()),
				zap.Int64("queued", queued),
			)
		}
	}
}
