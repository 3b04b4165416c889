package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"btbot/internal/storage"
)

func newMigrateCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create the database tables if they do not exist",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, dbType, err := opts.load()
			if err != nil {
				return err
			}
			db, err := storage.Open(dbType, cfg)
			if err != nil {
				return fmt.Errorf("open database: %w", err)
			}
			defer db.Close()
			if err := storage.Migrate(db, dbType); err != nil {
				return fmt.Errorf("migrate database: %w", err)
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "migrated %s\n", dbType)
			return err
		},
	}
}
