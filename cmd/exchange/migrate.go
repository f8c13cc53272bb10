package main

import (
	"github.com/spf13/cobra"

	"exchange/internal/infrastructure/database"
)

func newMigrateCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply or revert database migrations",
	}
	for _, dir := range []database.Direction{database.Up, database.Down} {
		cmd.AddCommand(&cobra.Command{
			Use:   string(dir),
			Short: "Run migrations " + string(dir),
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				return database.Migrate(opts.cfg.Migrations.Path, opts.cfg.GetDBMigrationConnectionString(), dir, opts.logger)
			},
		})
	}
	return cmd
}
