package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/jackc/pgx/v5/pgxpool"
	goredis "github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/dmitrymomot/jobengine/pkg/adminapi"
	"github.com/dmitrymomot/jobengine/pkg/broadcast"
	"github.com/dmitrymomot/jobengine/pkg/config"
	"github.com/dmitrymomot/jobengine/pkg/httpserver"
	"github.com/dmitrymomot/jobengine/pkg/logger"
	"github.com/dmitrymomot/jobengine/pkg/monitor"
	"github.com/dmitrymomot/jobengine/pkg/pg"
	"github.com/dmitrymomot/jobengine/pkg/queue"
	"github.com/dmitrymomot/jobengine/pkg/queue/pgstore"
	"github.com/dmitrymomot/jobengine/pkg/ratelimiter"
	"github.com/dmitrymomot/jobengine/pkg/redis"
)

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run workers, the scheduler and the admin API",
		RunE: func(cmd *cobra.Command, _ []string) error {
			defsPath, _ := cmd.Flags().GetString("definitions")
			noMigrate, _ := cmd.Flags().GetBool("no-migrate")

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, defsPath, !noMigrate)
		},
	}
	cmd.Flags().StringP("definitions", "f", "", "queue definitions file (defaults to QUEUE_DEFINITIONS_FILE or the built-in set)")
	cmd.Flags().Bool("no-migrate", false, "skip applying the Postgres schema on start")
	return cmd
}

// deps holds what serve opened and must release.
type deps struct {
	store  queue.Store
	pool   *pgxpool.Pool
	redis  *goredis.Client
	checks []adminapi.Option
}

func (d *deps) close() {
	if d.redis != nil {
		_ = d.redis.Close()
	}
	if d.pool != nil {
		d.pool.Close()
	}
}

func serve(ctx context.Context, defsPath string, migrate bool) error {
	log, err := loadLogger(os.Stdout)
	if err != nil {
		return err
	}

	var (
		qcfg    queue.Config
		pgCfg   pg.Config
		rdCfg   redis.Config
		httpCfg httpserver.Config
	)
	for _, load := range []func() error{
		func() error { return config.Load(&qcfg) },
		func() error { return config.Load(&pgCfg) },
		func() error { return config.Load(&rdCfg) },
		func() error { return config.Load(&httpCfg) },
	} {
		if err := load(); err != nil {
			return err
		}
	}
	if defsPath == "" {
		defsPath = qcfg.DefinitionsFile
	}
	defs, err := readDefinitions(defsPath)
	if err != nil {
		return err
	}

	d := &deps{}
	defer d.close()

	if err := openStore(ctx, d, pgCfg, migrate, log); err != nil {
		return err
	}

	engineOpts := []queue.EngineOption{queue.WithConfig(qcfg), queue.WithEngineLogger(log)}
	if rdCfg.Enabled() {
		opts, err := openRedis(ctx, d, rdCfg, log)
		if err != nil {
			return err
		}
		engineOpts = append(engineOpts, opts...)
	}

	engine, err := queue.NewEngine(d.store, engineOpts...)
	if err != nil {
		return err
	}
	defer func() {
		if err := engine.Close(); err != nil {
			log.Warn("engine close failed", logger.Error(err))
		}
	}()
	if err := engine.Apply(ctx, defs, builtinHandlers(defs)); err != nil {
		return fmt.Errorf("apply definitions: %w", err)
	}

	agg, err := monitor.New(engine, monitor.WithLogger(log))
	if err != nil {
		return err
	}
	defer agg.Close()
	engine.AddRunner(agg)

	api, err := adminapi.New(engine, agg, append(d.checks, adminapi.WithLogger(log))...)
	if err != nil {
		return err
	}
	srv := httpserver.NewFromConfig(httpCfg, httpserver.WithLogger(log))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(engine.Run(gctx))
	g.Go(srv.Run(gctx, api.Handler()))
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func openStore(ctx context.Context, d *deps, cfg pg.Config, migrate bool, log *slog.Logger) error {
	if cfg.ConnectionString == "" {
		log.Info("using in-memory job store", logger.Component("store"))
		d.store = queue.NewMemoryStorage()
		return nil
	}

	pool, err := pg.Connect(ctx, cfg)
	if err != nil {
		return err
	}
	d.pool = pool
	if migrate {
		if err := pgstore.Migrate(ctx, pool, cfg, log); err != nil {
			return err
		}
	}
	store, err := pgstore.New(pool, pgstore.WithLogger(log))
	if err != nil {
		return err
	}
	d.store = store
	d.checks = append(d.checks, adminapi.WithHealthCheck("postgres", store.Ping))
	log.Info("using postgres job store", logger.Component("store"))
	return nil
}

// openRedis connects to Redis and returns the engine options that move
// events and rate limits onto it.
func openRedis(ctx context.Context, d *deps, cfg redis.Config, log *slog.Logger) ([]queue.EngineOption, error) {
	client, err := redis.Connect(ctx, cfg)
	if err != nil {
		return nil, err
	}
	d.redis = client
	d.checks = append(d.checks, adminapi.WithHealthCheck("redis", redis.Healthcheck(client)))

	b, err := broadcast.NewRedisBroadcaster[queue.Event](ctx, client, cfg.EventsChannel, broadcast.WithRedisLogger(log))
	if err != nil {
		return nil, fmt.Errorf("subscribe to events channel: %w", err)
	}
	log.Info("sharing events and rate limits through redis",
		logger.Component("redis"),
		slog.String("channel", cfg.EventsChannel))

	return []queue.EngineOption{
		queue.WithEventBus(queue.NewEventBus(b, queue.WithEventBusLogger(log))),
		queue.WithSharedLimiterStore(ratelimiter.NewRedisStore(client, cfg.LimiterPrefix)),
	}, nil
}
