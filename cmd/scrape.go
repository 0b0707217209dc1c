package cmd

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/page-acquisition/internal/acquire"
	"github.com/JakeFAU/page-acquisition/internal/config"
	"github.com/JakeFAU/page-acquisition/internal/server"
	"github.com/JakeFAU/page-acquisition/internal/worker"
)

func newScrapeCmd() *cobra.Command {
	var (
		formats  []string
		timeout  time.Duration
		mainOnly bool
	)
	cmd := &cobra.Command{
		Use:   "scrape URL",
		Short: "Acquire one page and print the result as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := resolveEnv(cmd.Context())
			if err != nil {
				return err
			}
			cfg := e.cfg
			cfg.Queue.Backend = config.BackendMemory
			cfg.Notify.Backend = config.BackendNone
			cfg.Telemetry.Enabled = false

			app, err := server.Build(cmd.Context(), cfg, e.logger)
			if err != nil {
				return err
			}
			defer func() {
				if cerr := app.Close(cmd.Context()); cerr != nil {
					e.logger.Warn("close failed", zap.Error(cerr))
				}
			}()
			engine, err := app.NewEngine(cmd.Context())
			if err != nil {
				return err
			}

			opts := acquire.ScrapeOptions{OnlyMainContent: &mainOnly, TimeoutMs: int(timeout.Milliseconds())}
			for _, f := range formats {
				opts.Formats = append(opts.Formats, acquire.Format(f))
			}
			out := engine.AcquirePage(cmd.Context(), worker.PageRequest{JobID: "cli", Key: args[0], URL: args[0], Options: opts})
			if out.Abort != nil {
				return out.Abort
			}
			if out.Failed() {
				return fmt.Errorf("%s: %s", out.ErrorCode, out.Error)
			}

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(struct {
				Result  *acquire.TransformResult `json:"result"`
				Timings acquire.Timings          `json:"timings"`
			}{out.Result, out.Timings})
		},
	}
	cmd.Flags().StringSliceVar(&formats, "format", []string{string(acquire.FormatMarkdown)}, "output formats")
	cmd.Flags().DurationVar(&timeout, "timeout", 30*time.Second, "page timeout")
	cmd.Flags().BoolVar(&mainOnly, "main-only", true, "extract only the main content")
	return cmd
}
