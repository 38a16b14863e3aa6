// Package logger provides a context-aware wrapper around Go's slog package
// with functional options for configuration, attribute helpers for the job
// engine's vocabulary, and injection of values stored in context.Context.
//
// New builds a *slog.Logger from Option values. Options select the format
// (text or json), the minimum level, static attributes applied to every
// record, and ContextExtractor callbacks that add attributes pulled from the
// context each time a record is handled.
//
// # Architecture
//
// New picks slog.NewTextHandler or slog.NewJSONHandler and wraps it with
// NewContextHandler, which runs the registered ContextExtractor callbacks
// before delegating. Helper constructors in attr.go (Queue, JobID, WorkerID,
// Attempt, Error, ...) keep attribute keys consistent across packages.
//
// # Usage
//
//	log := logger.New(
//		logger.WithEnvironment(cfg.Env, "jobengine"),
//		logger.WithContextExtractors(queue.ContextLogExtractor),
//	)
//	logger.SetAsDefault(log)
//
//	log.InfoContext(ctx, "job completed",
//		logger.Queue(job.Queue),
//		logger.JobID(job.ID),
//		logger.Duration(time.Since(start)),
//	)
//
// Error and JobID return an empty attribute for nil or empty input, so they
// can be passed unconditionally.
package logger
