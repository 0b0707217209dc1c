package cmd

import (
	"github.com/spf13/cobra"

	"github.com/JakeFAU/page-acquisition/internal/config"
	"github.com/JakeFAU/page-acquisition/internal/server"
)

func newServeCmd() *cobra.Command {
	var embedWorkers bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		Long: `Runs the job API. With the in-memory queue the workers always run in the same
process, since nothing else can consume the queue.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			e, err := resolveEnv(cmd.Context())
			if err != nil {
				return err
			}
			app, err := server.Build(cmd.Context(), e.cfg, e.logger)
			if err != nil {
				return err
			}
			workers := embedWorkers || e.cfg.Queue.Backend == config.BackendMemory
			return app.Run(cmd.Context(), server.Mode{API: true, Workers: workers})
		},
	}
	cmd.Flags().BoolVar(&embedWorkers, "workers", false, "also consume the queue in this process")
	return cmd
}
