// Package httpserver runs an http.Handler under a context with graceful
// shutdown, configurable timeouts and slog logging.
//
// Run returns a function for errgroup: it listens, serves until the context
// is done and then calls http.Server.Shutdown bounded by the shutdown
// timeout. Signal handling belongs to the caller, typically through
// signal.NotifyContext.
//
//	srv := httpserver.NewFromConfig(cfg, httpserver.WithLogger(log))
//	g.Go(srv.Run(ctx, api.Handler()))
//
// HealthCheckHandler serves liveness ("ALIVE") and readiness ("READY" or
// "NOT_READY") probes over a list of named checks.
//
// Listen errors are joined with ErrStart and shutdown errors with
// ErrShutdown; use errors.Is to tell them apart.
package httpserver
