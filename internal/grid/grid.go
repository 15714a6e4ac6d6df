// Package grid connects a node to the cluster: shared storage, messaging,
// membership, compute and pipelines.
package grid

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/JakeFAU/gridcrawler/internal/clock/system"
	"github.com/JakeFAU/gridcrawler/internal/grid/cluster"
	"github.com/JakeFAU/gridcrawler/internal/grid/compute"
	"github.com/JakeFAU/gridcrawler/internal/grid/messenger"
	"github.com/JakeFAU/gridcrawler/internal/grid/pipeline"
	"github.com/JakeFAU/gridcrawler/internal/grid/storage"
	"github.com/JakeFAU/gridcrawler/internal/id/uuid"
)

// Options describe how a node connects.
type Options struct {
	Node      string
	Backend   storage.Backend
	Transport messenger.Transport

	Messenger messenger.Config
	Cluster   cluster.Config
	Compute   compute.Config

	// CloseBackend closes Backend when the grid closes. Leave false when
	// several in-process nodes share one backend.
	CloseBackend bool

	Clock  messenger.Clock
	IDs    messenger.IDGenerator
	Logger *zap.Logger
}

// Grid is a connected node.
type Grid struct {
	node      string
	backend   storage.Backend
	transport messenger.Transport
	closeBE   bool
	logger    *zap.Logger

	Membership *cluster.Membership
	Messenger  *messenger.Messenger
	Compute    *compute.Compute
	Pipelines  *pipeline.Runner
}

// Connect joins the cluster. The node role is fixed from here on.
func Connect(ctx context.Context, opts Options) (*Grid, error) {
	if opts.Backend == nil {
		return nil, fmt.Errorf("grid storage backend is required")
	}
	if opts.Transport == nil {
		return nil, fmt.Errorf("grid transport is required")
	}
	if opts.Clock == nil {
		opts.Clock = system.New()
	}
	if opts.IDs == nil {
		opts.IDs = uuid.New()
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Node == "" {
		name, err := uuid.New().NodeName("node")
		if err != nil {
			return nil, err
		}
		opts.Node = name
	}
	logger := opts.Logger.Named("grid")

	membership, err := cluster.New(opts.Backend, opts.Node, opts.Cluster, opts.Clock, logger)
	if err != nil {
		return nil, err
	}
	if _, err := membership.Join(ctx); err != nil {
		return nil, err
	}

	msgr := messenger.New(opts.Node, opts.Transport, nil, opts.Messenger, opts.Clock, opts.IDs, logger)
	c := compute.New(membership, msgr, opts.Backend, opts.Compute, opts.Clock, opts.IDs, logger)
	runner := pipeline.NewRunner(membership, c, msgr, opts.Backend, opts.Clock, logger)
	msgr.Start(context.WithoutCancel(ctx))

	return &Grid{
		node:       opts.Node,
		backend:    opts.Backend,
		transport:  opts.Transport,
		closeBE:    opts.CloseBackend,
		logger:     logger,
		Membership: membership,
		Messenger:  msgr,
		Compute:    c,
		Pipelines:  runner,
	}, nil
}

// Node returns the local node name.
func (g *Grid) Node() string { return g.node }

// Role returns the role resolved when the node joined.
func (g *Grid) Role() cluster.Role { return g.Membership.Role() }

// Storage returns the shared storage backend.
func (g *Grid) Storage() storage.Backend { return g.backend }

// Close leaves the cluster and releases the transport.
func (g *Grid) Close(ctx context.Context) error {
	var errs []error
	errs = append(errs, g.Pipelines.Close(), g.Compute.Close(), g.Messenger.Close())
	if err := g.Membership.Leave(ctx); err != nil {
		errs = append(errs, err)
	}
	if err := g.transport.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close transport: %w", err))
	}
	if g.closeBE {
		if err := g.backend.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close storage: %w", err))
		}
	}
	g.logger.Info("left grid", zap.String("node", g.node))
	return errors.Join(errs...)
}
