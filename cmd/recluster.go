package cmd

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/jonesrussell/curator/internal/bootstrap"
	"github.com/jonesrussell/curator/internal/domain"
)

func newReclusterCommand() *cobra.Command {
	var (
		userID   string
		category string
	)
	cmd := &cobra.Command{
		Use:   "recluster",
		Short: "Schedule a recompute of a user's clusters",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if userID == "" {
				return errors.New("--user is required")
			}
			var categories []domain.Category
			if category != "" {
				parsed, ok := domain.ParseCategory(category)
				if !ok {
					return fmt.Errorf("%w: %q", domain.ErrInvalidCategory, category)
				}
				categories = append(categories, parsed)
			}

			cfg, log, err := setup()
			if err != nil {
				return err
			}
			jobs, err := bootstrap.Recluster(cmd.Context(), cfg, log, userID, categories)
			for _, job := range jobs {
				var cat domain.Category
				if job.Category != nil {
					cat = *job.Category
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\t%s\n", job.ID, cat, job.Status)
			}
			return err
		},
	}
	cmd.Flags().StringVar(&userID, "user", "", "user id whose partitions to recompute")
	cmd.Flags().StringVar(&category, "category", "", "limit to one category")
	return cmd
}
