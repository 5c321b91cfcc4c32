package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/jonesrussell/curator/internal/bootstrap"
)

func newMigrateCommand() *cobra.Command {
	migrate := &cobra.Command{
		Use:   "migrate",
		Short: "Manage the database schema",
	}

	migrate.AddCommand(&cobra.Command{
		Use:   "up",
		Short: "Apply all pending migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, log, err := setup()
			if err != nil {
				return err
			}
			return bootstrap.Migrate(cmd.Context(), cfg, log, false, 0)
		},
	})

	var steps int
	down := &cobra.Command{
		Use:   "down",
		Short: "Roll back migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, log, err := setup()
			if err != nil {
				return err
			}
			return bootstrap.Migrate(cmd.Context(), cfg, log, true, steps)
		},
	}
	down.Flags().IntVar(&steps, "steps", 1, "number of migrations to roll back")
	migrate.AddCommand(down)

	migrate.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print the applied schema version",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			version, dirty, err := bootstrap.MigrationStatus(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "schema version %d (dirty: %t)\n", version, dirty)
			return nil
		},
	})

	return migrate
}
