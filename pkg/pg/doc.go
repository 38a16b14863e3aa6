// Package pg bootstraps PostgreSQL access for the job store on top of pgx/v5.
//
// It covers four concerns:
//
//   - Config, populated from PG_* environment variables through pkg/config.
//   - Connect, which opens a *pgxpool.Pool and retries while the database boots.
//   - Migrate, which runs goose migrations from an fs.FS, usually an embed.FS
//     owned by the package that defines the schema.
//   - Error helpers that classify *pgconn.PgError values and connection
//     failures so callers can map them to their own error classes.
//
// Usage:
//
//	pool, err := pg.Connect(ctx, cfg)
//	if err != nil {
//		return err
//	}
//	defer pool.Close()
//
//	if err := pg.Migrate(ctx, pool, pgstore.Migrations, pgstore.MigrationsDir, cfg, slog.Default()); err != nil {
//		return err
//	}
//
// Healthcheck returns a func(context.Context) error suitable for readiness probes.
package pg
