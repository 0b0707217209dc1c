// Package cmd defines the pageacq CLI: the API server, queue workers and one-off scrapes.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/page-acquisition/internal/config"
	"github.com/JakeFAU/page-acquisition/internal/logging"
)

// envKeyType keys the loaded environment in the command context.
type envKeyType string

const envKey envKeyType = "env"

// env is what every subcommand needs before it builds anything.
type env struct {
	cfg    config.Config
	logger *zap.Logger
}

// loadEnv is swapped in tests.
var loadEnv = func(path string) (env, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return env{}, err
	}
	logger, err := logging.New(cfg.Logging.Development, cfg.Logging.Level)
	if err != nil {
		return env{}, err
	}
	return env{cfg: cfg, logger: logger}, nil
}

func newRootCmd() *cobra.Command {
	var cfgFile string
	cmd := &cobra.Command{
		Use:   "pageacq",
		Short: "Headless-browser page acquisition service",
		Long: `pageacq renders web pages in Chrome and turns them into markdown, HTML,
links, screenshots and PDFs. It serves scrape, crawl and batch jobs over HTTP
and processes them with queue-driven workers.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			e, err := loadEnv(cfgFile)
			if err != nil {
				return fmt.Errorf("load configuration: %w", err)
			}
			cmd.SetContext(context.WithValue(cmd.Context(), envKey, e))
			return nil
		},
	}
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (YAML); PAGEACQ_* env vars override it")

	cmd.AddCommand(newServeCmd(), newWorkerCmd(), newScrapeCmd())
	return cmd
}

func resolveEnv(ctx context.Context) (env, error) {
	e, ok := ctx.Value(envKey).(env)
	if !ok || e.logger == nil {
		return env{}, errors.New("configuration not loaded")
	}
	return e, nil
}

// Execute runs the root command.
func Execute() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
