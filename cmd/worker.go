package cmd

import (
	"errors"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/page-acquisition/internal/config"
	"github.com/JakeFAU/page-acquisition/internal/server"
)

func newWorkerCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "worker",
		Short: "Consume jobs from the shared queue",
		Long:  `Runs queue consumers plus health and metrics endpoints. Requires a shared queue backend.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			e, err := resolveEnv(cmd.Context())
			if err != nil {
				return err
			}
			if e.cfg.Queue.Backend == config.BackendMemory {
				return errors.New("worker needs a shared queue backend; use serve for the in-memory queue")
			}
			app, err := server.Build(cmd.Context(), e.cfg, e.logger)
			if err != nil {
				return err
			}
			return app.Run(cmd.Context(), server.Mode{Workers: true})
		},
	}
}
