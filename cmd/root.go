// Package cmd defines the gridcrawler CLI.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/gridcrawler/internal/config"
	"github.com/JakeFAU/gridcrawler/internal/logging"
	"github.com/JakeFAU/gridcrawler/internal/server"
)

var cfgFile string

type settingsKeyType string

const settingsKey settingsKeyType = "settings"

// settings are loaded once by the root command for its subcommands.
type settings struct {
	cfg    config.Config
	logger *zap.Logger
}

// App is what the run command drives. Tests replace newApp with a fake.
type App interface {
	Nodes() []string
	Run(ctx context.Context) error
	Close(ctx context.Context)
}

var newApp = func(ctx context.Context, cfg config.Config, opts server.Options, logger *zap.Logger) (App, error) {
	return server.Build(ctx, cfg, opts, logger)
}

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "gridcrawler",
		Short: "A distributed web crawler coordinated over a shared grid.",
		Long: `gridcrawler runs crawl sessions on a grid of cooperating nodes.
Nodes share a document ledger in grid storage and coordinate through
acknowledged messages, so a crawl can be resumed after any node restarts.`,
		SilenceUsage: true,

		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(cfgFile)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			logger, err := logging.New(logging.Options{
				Development: cfg.Logging.Development,
				Level:       cfg.Logging.Level,
			})
			if err != nil {
				return fmt.Errorf("init logger: %w", err)
			}
			zap.ReplaceGlobals(logger)
			cmd.SetContext(context.WithValue(cmd.Context(), settingsKey, &settings{cfg: cfg, logger: logger}))
			return nil
		},

		PersistentPostRun: func(cmd *cobra.Command, _ []string) {
			if s, ok := cmd.Context().Value(settingsKey).(*settings); ok {
				_ = s.logger.Sync()
			}
		},
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (defaults and GRIDCRAWLER_* env vars apply)")
	cmd.AddCommand(newRunCmd())
	return cmd
}

func resolveSettings(ctx context.Context) (*settings, error) {
	s, ok := ctx.Value(settingsKey).(*settings)
	if !ok || s == nil {
		return nil, errors.New("configuration not loaded")
	}
	return s, nil
}

// Execute is the main entry point.
func Execute() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
