// Package server builds a grid node from configuration and runs the crawl
// session on it.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"cloud.google.com/go/pubsub"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/zap"

	"github.com/JakeFAU/gridcrawler/internal/api"
	"github.com/JakeFAU/gridcrawler/internal/blob"
	"github.com/JakeFAU/gridcrawler/internal/checksum"
	"github.com/JakeFAU/gridcrawler/internal/clock/system"
	"github.com/JakeFAU/gridcrawler/internal/config"
	"github.com/JakeFAU/gridcrawler/internal/crawl"
	"github.com/JakeFAU/gridcrawler/internal/crawl/web"
	"github.com/JakeFAU/gridcrawler/internal/dedup"
	"github.com/JakeFAU/gridcrawler/internal/event"
	"github.com/JakeFAU/gridcrawler/internal/event/sinks"
	collyfetcher "github.com/JakeFAU/gridcrawler/internal/fetcher/colly"
	"github.com/JakeFAU/gridcrawler/internal/grid"
	"github.com/JakeFAU/gridcrawler/internal/grid/cluster"
	"github.com/JakeFAU/gridcrawler/internal/grid/compute"
	"github.com/JakeFAU/gridcrawler/internal/grid/messenger"
	"github.com/JakeFAU/gridcrawler/internal/grid/storage"
	"github.com/JakeFAU/gridcrawler/internal/grid/storage/memory"
	"github.com/JakeFAU/gridcrawler/internal/grid/storage/postgres"
	"github.com/JakeFAU/gridcrawler/internal/grid/transport/local"
	pubsubtransport "github.com/JakeFAU/gridcrawler/internal/grid/transport/pubsub"
	"github.com/JakeFAU/gridcrawler/internal/id/uuid"
	"github.com/JakeFAU/gridcrawler/internal/ledger"
	"github.com/JakeFAU/gridcrawler/internal/policy/ratelimit"
	"github.com/JakeFAU/gridcrawler/internal/report"
	"github.com/JakeFAU/gridcrawler/internal/telemetry"
)

const stopGrace = 30 * time.Second

// Options adjust how the app is built beyond the config file.
type Options struct {
	// LocalNodes starts this many nodes in the process on the local bus.
	// Only valid with memory storage and the local transport.
	LocalNodes int
	// Fetcher replaces the HTTP fetcher.
	Fetcher web.Fetcher
}

// App contains the node's dependencies.
type App struct {
	cfg      config.Config
	logger   *zap.Logger
	registry *prometheus.Registry

	backend      storage.Backend
	pubsubClient *pubsub.Client
	store        blob.Store
	closeStore   func() error
	hub          *event.Hub
	tracer       *sdktrace.TracerProvider

	nodes     []*node
	apiServer *api.Server
}

type node struct {
	grid    *grid.Grid
	ledger  *ledger.Ledger
	session *crawl.Session
}

// Build creates the application's dependencies and joins the grid.
func Build(ctx context.Context, cfg config.Config, opts Options, logger *zap.Logger) (app *App, err error) {
	if opts.LocalNodes <= 0 {
		opts.LocalNodes = 1
	}
	if opts.LocalNodes > 1 && (cfg.Grid.Storage != "memory" || cfg.Grid.Transport != "local") {
		return nil, errors.New("local nodes require memory storage and the local transport")
	}
	a := &App{cfg: cfg, logger: logger, registry: prometheus.NewRegistry()}
	defer func() {
		if err != nil {
			a.Close(context.WithoutCancel(ctx))
		}
	}()
	a.registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	a.logger.Info("building application dependencies",
		zap.String("storage", cfg.Grid.Storage),
		zap.String("transport", cfg.Grid.Transport),
		zap.Int("local_nodes", opts.LocalNodes),
	)
	if cfg.Tracing.Enabled {
		a.tracer, err = telemetry.InitTracerProvider(ctx, telemetry.Config{
			ServiceName: "gridcrawler",
			Instance:    cfg.Node.Name,
			SampleRatio: cfg.Tracing.SampleRatio,
		})
		if err != nil {
			return nil, err
		}
	}
	if err := a.setupBackend(ctx); err != nil {
		return nil, err
	}
	if err := a.setupPubSub(ctx); err != nil {
		return nil, err
	}
	if err := a.setupStore(ctx); err != nil {
		return nil, err
	}
	if err := a.setupEvents(); err != nil {
		return nil, err
	}
	shared, err := a.setupProcessing(opts)
	if err != nil {
		return nil, err
	}

	var bus *local.Bus
	if cfg.Grid.Transport == "local" {
		bus = local.NewBus()
	}
	for i := 0; i < opts.LocalNodes; i++ {
		n, err := a.joinNode(ctx, i, bus, shared)
		if err != nil {
			return nil, err
		}
		a.nodes = append(a.nodes, n)
	}

	if cfg.Server.Enabled {
		first := a.nodes[0]
		apiKey := ""
		if cfg.Auth.Enabled {
			apiKey = cfg.Auth.APIKey
		}
		a.apiServer, err = api.NewServer(first.grid.Membership, first.grid.Pipelines, first.ledger, a.registry,
			api.Config{Pipeline: crawl.PipelineName, APIKey: apiKey}, logger.Named("api"))
		if err != nil {
			return nil, err
		}
	}
	return a, nil
}

// Handler returns the admin API handler, or nil when the server is disabled.
func (a *App) Handler() http.Handler {
	if a.apiServer == nil {
		return nil
	}
	return a.apiServer.Handler()
}

// Nodes returns the names of the nodes this process runs.
func (a *App) Nodes() []string {
	names := make([]string, 0, len(a.nodes))
	for _, n := range a.nodes {
		names = append(names, n.grid.Node())
	}
	return names
}

// Run serves the admin API and runs the crawl session on every local node
// until it ends. Canceling ctx stops the pipeline cluster-wide and waits for
// the always stages to finish.
func (a *App) Run(ctx context.Context) error {
	var srv *http.Server
	if a.apiServer != nil {
		srv = &http.Server{
			Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
			Handler:           a.apiServer.Handler(),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			a.logger.Info("http server started", zap.Int("port", a.cfg.Server.Port))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				a.logger.Error("http server error", zap.Error(err))
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				a.logger.Error("server shutdown error", zap.Error(err))
			}
		}()
	}

	runCtx := context.WithoutCancel(ctx)
	futures := make([]*compute.Future[bool], 0, len(a.nodes))
	for _, n := range a.nodes {
		futures = append(futures, n.session.Run(runCtx, n.grid.Pipelines))
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		for _, f := range futures {
			_, _ = f.Get(runCtx)
		}
	}()
	select {
	case <-done:
	case <-ctx.Done():
		a.logger.Info("shutdown initiated, stopping crawl")
		if err := a.nodes[0].grid.Pipelines.Stop(runCtx, crawl.PipelineName); err != nil {
			a.logger.Warn("stop pipeline failed", zap.Error(err))
		}
		select {
		case <-done:
		case <-time.After(stopGrace):
			a.logger.Warn("crawl did not stop in time", zap.Duration("grace", stopGrace))
			return ctx.Err()
		}
	}

	var errs []error
	for i, f := range futures {
		ok, err := f.Get(runCtx)
		if err != nil {
			errs = append(errs, fmt.Errorf("node %s: %w", a.nodes[i].grid.Node(), err))
			continue
		}
		a.logger.Info("crawl session finished", zap.String("node", a.nodes[i].grid.Node()), zap.Bool("completed", ok))
	}
	return errors.Join(errs...)
}

// Close leaves the grid and releases clients.
func (a *App) Close(ctx context.Context) {
	for i := len(a.nodes) - 1; i >= 0; i-- {
		if err := a.nodes[i].grid.Close(ctx); err != nil {
			a.logger.Warn("grid close failed", zap.String("node", a.nodes[i].grid.Node()), zap.Error(err))
		}
	}
	a.nodes = nil
	if a.hub != nil {
		if err := a.hub.Close(ctx); err != nil {
			a.logger.Warn("event hub close failed", zap.Error(err))
		}
		a.hub = nil
	}
	if a.closeStore != nil {
		if err := a.closeStore(); err != nil {
			a.logger.Warn("blob store close failed", zap.Error(err))
		}
		a.closeStore = nil
	}
	if a.pubsubClient != nil {
		if err := a.pubsubClient.Close(); err != nil {
			a.logger.Warn("pubsub client close failed", zap.Error(err))
		}
		a.pubsubClient = nil
	}
	if a.backend != nil {
		if err := a.backend.Close(); err != nil {
			a.logger.Warn("storage close failed", zap.Error(err))
		}
		a.backend = nil
	}
	if a.tracer != nil {
		if err := a.tracer.Shutdown(ctx); err != nil {
			a.logger.Warn("tracer shutdown failed", zap.Error(err))
		}
		a.tracer = nil
	}
}

func (a *App) setupBackend(ctx context.Context) error {
	switch a.cfg.Grid.Storage {
	case "postgres":
		db := a.cfg.Grid.DB
		be, err := postgres.New(ctx, postgres.Config{
			DSN:         db.DSN,
			TablePrefix: db.TablePrefix,
			MaxConns:    db.MaxConns,
			MinConns:    db.MinConns,
			PageSize:    db.PageSize,
		})
		if err != nil {
			return fmt.Errorf("postgres storage init failed: %w", err)
		}
		a.backend = be
		a.logger.Info("using postgres grid storage", zap.String("table_prefix", db.TablePrefix))
	default:
		a.backend = memory.New()
		a.logger.Info("using in-memory grid storage")
	}
	return nil
}

func (a *App) setupPubSub(ctx context.Context) error {
	ps := a.cfg.Grid.PubSub
	if a.cfg.Grid.Transport != "pubsub" && a.cfg.Events.PubSubTopic == "" {
		return nil
	}
	if ps.ProjectID == "" {
		return errors.New("grid.pubsub.project_id is required for Pub/Sub")
	}
	client, err := pubsub.NewClient(ctx, ps.ProjectID)
	if err != nil {
		return fmt.Errorf("pubsub client init failed: %w", err)
	}
	a.pubsubClient = client
	a.logger.Info("Pub/Sub client initialized", zap.String("project", ps.ProjectID))
	return nil
}

func (a *App) setupStore(ctx context.Context) error {
	if !a.cfg.Storage.StoreDocuments && !a.cfg.Report.Enabled {
		return nil
	}
	s := a.cfg.Storage
	store, closeFn, err := blob.Open(ctx, blob.Config{Backend: s.Backend, BaseDir: s.BaseDir, Bucket: s.GCSBucket})
	if err != nil {
		return fmt.Errorf("blob store init failed: %w", err)
	}
	a.store, a.closeStore = store, closeFn
	a.logger.Info("blob store initialized", zap.String("backend", s.Backend))
	return nil
}

func (a *App) setupEvents() error {
	ev := a.cfg.Events
	var sinkList []event.Sink
	if ev.Log {
		sinkList = append(sinkList, sinks.NewLogSink(a.logger.Named("events")))
	}
	if ev.Prometheus {
		s, err := sinks.NewPrometheusSink(a.registry)
		if err != nil {
			return fmt.Errorf("prometheus sink init failed: %w", err)
		}
		sinkList = append(sinkList, s)
	}
	if ev.PubSubTopic != "" {
		s, err := sinks.NewPubSubSink(a.pubsubClient.Topic(ev.PubSubTopic))
		if err != nil {
			return err
		}
		sinkList = append(sinkList, s)
		a.logger.Info("publishing events to Pub/Sub", zap.String("topic", ev.PubSubTopic))
	}
	clock := system.New()
	a.hub = event.NewHub(event.Config{
		BufferSize: ev.BufferSize,
		Logger:     a.logger.Named("event_hub"),
		Now:        clock.Now,
	}, sinkList...)
	return nil
}

// processing holds collaborators shared by every local node.
type processing struct {
	fetcher  web.Fetcher
	limiter  *ratelimit.Limiter
	metrics  *web.Metrics
	meta     checksum.Checksummer
	doc      checksum.Checksummer
	reporter crawl.Reporter
}

func (a *App) setupProcessing(opts Options) (processing, error) {
	var p processing
	var err error
	p.fetcher = opts.Fetcher
	if p.fetcher == nil {
		fallback, err := collyfetcher.ParseRobotsFallback(a.cfg.Fetch.RobotsFallback)
		if err != nil {
			return p, fmt.Errorf("fetch config: %w", err)
		}
		p.fetcher = collyfetcher.New(collyfetcher.Config{
			UserAgent:      a.cfg.Fetch.UserAgent,
			RespectRobots:  !a.cfg.Fetch.IgnoreRobots,
			Timeout:        a.cfg.FetchTimeout(),
			RobotsFallback: fallback,
		})
		a.logger.Info("using colly fetcher", zap.String("user_agent", a.cfg.Fetch.UserAgent))
	}
	if p.metrics, err = web.NewMetrics(a.registry); err != nil {
		return p, fmt.Errorf("fetch metrics init failed: %w", err)
	}
	p.limiter = ratelimit.New(ratelimit.Config{
		DefaultRPS:   a.cfg.Fetch.HostRPS,
		DefaultBurst: a.cfg.Fetch.HostBurst,
	}).ObserveDelays(p.metrics.RateDelay)
	if p.meta, err = checksum.New(a.cfg.Dedup.MetadataChecksummer, a.cfg.Dedup.MetadataFields); err != nil {
		return p, err
	}
	if p.doc, err = checksum.New(a.cfg.Dedup.DocumentChecksummer, nil); err != nil {
		return p, err
	}
	if a.cfg.Report.Enabled && a.store != nil {
		exporter, err := report.New(a.store, a.cfg.Report.Prefix, system.New(), a.logger.Named("report"))
		if err != nil {
			return p, err
		}
		p.reporter = exporter
	}
	return p, nil
}

func (a *App) nodeName(i int) (string, error) {
	name := a.cfg.Node.Name
	if name == "" {
		generated, err := uuid.New().NodeName(a.cfg.Node.NamePrefix)
		if err != nil {
			return "", err
		}
		return generated, nil
	}
	if i > 0 {
		name = fmt.Sprintf("%s-%d", name, i)
	}
	return name, nil
}

func (a *App) transport(ctx context.Context, name string, bus *local.Bus) (messenger.Transport, error) {
	if bus != nil {
		return bus.Endpoint(name), nil
	}
	ps := a.cfg.Grid.PubSub
	t, err := pubsubtransport.New(ctx, a.pubsubClient, name, pubsubtransport.Config{
		TopicID:            ps.TopicID,
		SubscriptionPrefix: ps.SubscriptionPrefix,
		CreateIfMissing:    ps.CreateIfMissing,
	})
	if err != nil {
		return nil, fmt.Errorf("pubsub transport init failed: %w", err)
	}
	return t, nil
}

func (a *App) joinNode(ctx context.Context, i int, bus *local.Bus, shared processing) (*node, error) {
	name, err := a.nodeName(i)
	if err != nil {
		return nil, err
	}
	logger := a.logger.With(zap.String("node", name))
	t, err := a.transport(ctx, name, bus)
	if err != nil {
		return nil, err
	}
	g, err := grid.Connect(ctx, grid.Options{
		Node:      name,
		Backend:   a.backend,
		Transport: t,
		Messenger: messenger.Config{AckTimeout: a.cfg.Grid.AckTimeout},
		Cluster: cluster.Config{
			HeartbeatInterval: a.cfg.Grid.HeartbeatInterval,
			NodeTimeout:       a.cfg.Grid.NodeTimeout,
		},
		Compute: compute.Config{MembershipCheck: a.cfg.Grid.MembershipCheck},
		Logger:  logger,
	})
	if err != nil {
		_ = t.Close()
		return nil, fmt.Errorf("join grid as %s: %w", name, err)
	}
	n, err := a.buildSession(g, shared, logger)
	if err != nil {
		_ = g.Close(ctx)
		return nil, err
	}
	logger.Info("joined grid", zap.String("role", g.Role().String()))
	return n, nil
}

func (a *App) buildSession(g *grid.Grid, shared processing, logger *zap.Logger) (*node, error) {
	cc := a.cfg.Crawl
	l, err := ledger.Open(a.backend, cc.Name, logger.Named("ledger"))
	if err != nil {
		return nil, err
	}
	dd, err := dedup.Init(a.backend, dedup.Config{
		MetadataChecksummer: a.cfg.Dedup.MetadataChecksummer,
		DocumentChecksummer: a.cfg.Dedup.DocumentChecksummer,
		MetadataDeduplicate: a.cfg.Dedup.MetadataDeduplicate,
		DocumentDeduplicate: a.cfg.Dedup.DocumentDeduplicate,
	}, logger.Named("dedup"))
	if err != nil {
		return nil, err
	}
	var docStore blob.Store
	if a.cfg.Storage.StoreDocuments {
		docStore = a.store
	}
	proc, err := web.New(web.Config{
		Crawler:      cc.Name,
		Node:         g.Node(),
		MaxDepth:     cc.MaxDepth,
		SameHost:     cc.SameHost,
		BlobPrefix:   a.cfg.Storage.Prefix,
		BlockedHosts: cc.BlockedHosts,
		Retry:        retryPolicy(a.cfg.Fetch.Attempts),
	}, web.Options{
		Fetcher:         shared.fetcher,
		Limiter:         shared.limiter,
		Ledger:          l,
		Dedup:           dd,
		MetaChecksummer: shared.meta,
		DocChecksummer:  shared.doc,
		Store:           docStore,
		Events:          a.hub,
		Metrics:         shared.metrics,
		Logger:          logger.Named("web"),
	})
	if err != nil {
		return nil, err
	}
	strategy, err := crawl.ParseOrphansStrategy(cc.Orphans)
	if err != nil {
		return nil, err
	}
	c, err := crawl.New(crawl.Config{
		Name:            cc.Name,
		NumThreads:      cc.Threads,
		MaxDocuments:    cc.MaxDocuments,
		OrphansStrategy: strategy,
		StopOnErrors:    stopErrors(cc.StopOnErrors),
		Incremental:     cc.Incremental,
		IdleBackoff:     cc.IdleBackoff,
		ProgressEvery:   cc.ProgressEvery,
		StartReferences: cc.StartURLs,
	}, crawl.Options{
		Ledger:    l,
		Processor: proc,
		Events:    a.hub,
		Reporter:  shared.reporter,
		Logger:    logger.Named("crawl"),
	})
	if err != nil {
		return nil, err
	}
	s, err := crawl.NewSession(c, g.Compute, dd)
	if err != nil {
		return nil, err
	}
	return &node{grid: g, ledger: l, session: s}, nil
}

func retryPolicy(attempts int) web.RetryPolicy {
	p := web.DefaultRetryPolicy()
	p.MaxAttempts = attempts
	return p
}

func stopErrors(kinds []string) []error {
	var out []error
	for _, kind := range kinds {
		switch kind {
		case "fetch":
			out = append(out, web.ErrFetch)
		case "status":
			out = append(out, web.ErrBadStatus)
		}
	}
	return out
}
