// Package pgstore is the PostgreSQL implementation of queue.Store.
//
// The schema lives in embedded goose migrations (see Migrations and
// Migrate). Jobs, queues and repeat definitions each get a table prefixed
// with jobengine_. Claims select the best eligible row with
// FOR UPDATE SKIP LOCKED, and a partial unique index on (queue, repeat_key)
// over pending states guarantees that concurrent schedulers materialize a
// repeat definition at most once.
//
//	pool, err := pg.Connect(ctx, cfg)
//	if err != nil {
//		return err
//	}
//	if err := pgstore.Migrate(ctx, pool, cfg, log); err != nil {
//		return err
//	}
//	store, err := pgstore.New(pool, pgstore.WithLogger(log))
//
// Lifecycle decisions go through queue.NextState, so the PostgreSQL and
// in-memory stores agree on every transition.
package pgstore
