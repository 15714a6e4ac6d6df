package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/gridcrawler/internal/server"
)

const closeTimeout = 15 * time.Second

func newRunCmd() *cobra.Command {
	var localNodes int
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Joins the grid and runs the crawl session",
		Long: `Joins the grid as a new node and runs the crawl session pipeline.
The earliest node to join coordinates the pipeline; the others process
documents from the shared queue. SIGINT or SIGTERM stops the crawl on
every node and waits for the final stage.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runCrawl(cmd.Context(), localNodes)
		},
	}
	cmd.Flags().IntVar(&localNodes, "local-nodes", 1, "number of in-process nodes (memory storage and local transport only)")
	return cmd
}

func runCrawl(ctx context.Context, localNodes int) error {
	s, err := resolveSettings(ctx)
	if err != nil {
		return err
	}
	app, err := newApp(ctx, s.cfg, server.Options{LocalNodes: localNodes}, s.logger)
	if err != nil {
		return fmt.Errorf("failed to initialize application services: %w", err)
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), closeTimeout)
		defer cancel()
		app.Close(closeCtx)
	}()

	s.logger.Info("nodes joined", zap.Strings("nodes", app.Nodes()))
	sigCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := app.Run(sigCtx); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("run crawl: %w", err)
	}
	s.logger.Info("run command finished")
	return nil
}
