// Package monitor aggregates engine state for dashboards.
//
// An Aggregator subscribes to the engine's global event channel and keeps a
// window of recent events and a cache of recently seen jobs. Every interval
// it gathers counts for all queues concurrently and publishes a Snapshot to
// its own subscribers.
//
//	agg, err := monitor.New(engine, monitor.WithInterval(5*time.Second))
//	if err != nil {
//		return err
//	}
//	g.Go(agg.Run(ctx))
//
//	overview, err := agg.Overview(ctx)
//
// Besides the overview it computes per-queue performance over a time range
// (Performance), a failure report grouped by category (Failures) and the
// recent activity feed (RecentActivity). Health grades the share of failed
// jobs: up to 5% is healthy, up to 10% is a warning, above is critical.
package monitor
