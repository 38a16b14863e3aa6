package main

import (
	"fmt"
	"io"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/dmitrymomot/jobengine/pkg/config"
	"github.com/dmitrymomot/jobengine/pkg/logger"
	"github.com/dmitrymomot/jobengine/pkg/queue"
)

// logConfig holds the logger settings. Level and format override the
// environment preset when set.
type logConfig struct {
	Env     string `env:"APP_ENV" envDefault:"development"`
	Service string `env:"APP_NAME" envDefault:"jobengine"`
	Level   string `env:"LOG_LEVEL"`
	Format  string `env:"LOG_FORMAT"`
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "jobengine",
		Short:         "Job queue and orchestration engine",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().String("env-file", "", "load environment variables from this file before reading config")
	root.PersistentPreRunE = func(cmd *cobra.Command, _ []string) error {
		path, _ := cmd.Flags().GetString("env-file")
		if path == "" {
			return nil
		}
		return config.LoadEnv(path)
	}

	root.AddCommand(newServeCmd(), newMigrateCmd(), newValidateCmd())
	return root
}

func newLogger(cfg logConfig, w io.Writer) (*slog.Logger, error) {
	opts := []logger.Option{
		logger.WithEnvironment(cfg.Env, cfg.Service),
		logger.WithOutput(w),
		logger.WithContextExtractors(queue.ContextLogExtractor),
	}
	if cfg.Level != "" {
		opts = append(opts, logger.WithLevel(logger.ParseLevel(cfg.Level)))
	}
	switch f := logger.Format(cfg.Format); f {
	case "":
	case logger.FormatJSON, logger.FormatText:
		opts = append(opts, logger.WithFormat(f))
	default:
		return nil, fmt.Errorf("invalid LOG_FORMAT %q: want json or text", cfg.Format)
	}
	return logger.New(opts...), nil
}

func loadLogger(w io.Writer) (*slog.Logger, error) {
	var cfg logConfig
	if err := config.Load(&cfg); err != nil {
		return nil, err
	}
	log, err := newLogger(cfg, w)
	if err != nil {
		return nil, err
	}
	logger.SetAsDefault(log)
	return log, nil
}
