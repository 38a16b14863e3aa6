package main

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/dmitrymomot/jobengine/pkg/config"
	"github.com/dmitrymomot/jobengine/pkg/pg"
	"github.com/dmitrymomot/jobengine/pkg/queue/pgstore"
)

func newMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply the job store schema to the database at PG_CONN_URL",
		RunE: func(cmd *cobra.Command, _ []string) error {
			log, err := loadLogger(os.Stdout)
			if err != nil {
				return err
			}
			var cfg pg.Config
			if err := config.Load(&cfg); err != nil {
				return err
			}

			pool, err := pg.Connect(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer pool.Close()

			if err := pgstore.Migrate(cmd.Context(), pool, cfg, log); err != nil {
				return err
			}
			log.Info("job store schema is up to date")
			return nil
		},
	}
}
