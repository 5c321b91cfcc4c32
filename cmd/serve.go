package cmd

import (
	"github.com/spf13/cobra"

	"github.com/jonesrussell/curator/internal/bootstrap"
)

func newServeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, log, err := setup()
			if err != nil {
				return err
			}
			defer func() { _ = log.Sync() }()
			return bootstrap.RunAPI(cmd.Context(), cfg, log)
		},
	}
}

func newWorkerCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "worker",
		Short: "Run the processing and clustering workers",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, log, err := setup()
			if err != nil {
				return err
			}
			defer func() { _ = log.Sync() }()
			return bootstrap.RunWorker(cmd.Context(), cfg, log)
		},
	}
}
