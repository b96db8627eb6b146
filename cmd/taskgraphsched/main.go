// Package main implements the taskgraphsched CLI - the task-graph
// progression engine's standalone entry point.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/c360studio/taskgraphsched/config"
)

// Build information (set via ldflags)
var (
	Version   = "dev"
	BuildTime = "unknown"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var configPath string
	var natsURL string

	rootCmd := &cobra.Command{
		Use:     "taskgraphsched",
		Short:   "Task-graph progression engine",
		Version: fmt.Sprintf("%s (built %s)", Version, BuildTime),
	}
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to config file")
	rootCmd.PersistentFlags().StringVar(&natsURL, "nats-url", "", "NATS server URL")

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the scheduler, reacting to task-completed/task-failed events until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), configPath, natsURL)
		},
	}
	rootCmd.AddCommand(serveCmd)

	provisionCmd := &cobra.Command{
		Use:   "provision-stream",
		Short: "Create the JetStream stream and KV buckets the scheduler depends on, if they don't already exist",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runProvision(cmd.Context(), configPath, natsURL)
		},
	}
	rootCmd.AddCommand(provisionCmd)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	return rootCmd.ExecuteContext(ctx)
}

func loadConfig(configPath, natsURL string) (*config.Config, *slog.Logger, *slog.LevelVar, error) {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))

	var cfg *config.Config
	var err error
	if configPath != "" {
		cfg, err = config.LoadFromFile(configPath)
	} else {
		cfg, err = config.NewLoader(logger).Load()
	}
	if err != nil {
		return nil, nil, nil, fmt.Errorf("load config: %w", err)
	}

	if natsURL != "" {
		cfg.NATS.URL = natsURL
	}
	if err := cfg.Validate(); err != nil {
		return nil, nil, nil, fmt.Errorf("invalid config: %w", err)
	}

	var levelVar slog.LevelVar
	_ = levelVar.UnmarshalText([]byte(cfg.Log.Level))
	handlerOpts := &slog.HandlerOptions{Level: &levelVar}
	if cfg.Log.Format == "json" {
		logger = slog.New(slog.NewJSONHandler(os.Stderr, handlerOpts))
	} else {
		logger = slog.New(slog.NewTextHandler(os.Stderr, handlerOpts))
	}

	return cfg, logger, &levelVar, nil
}

func runServe(ctx context.Context, configPath, natsURL string) error {
	cfg, logger, levelVar, err := loadConfig(configPath, natsURL)
	if err != nil {
		return err
	}

	app, err := NewApp(cfg, logger)
	if err != nil {
		return fmt.Errorf("initialize app: %w", err)
	}
	defer app.Shutdown(10 * time.Second)

	if err := app.Start(ctx); err != nil {
		return fmt.Errorf("start app: %w", err)
	}

	if configPath != "" {
		watchLogLevel(ctx, config.NewLoader(logger), configPath, levelVar, logger)
	}

	logger.Info("taskgraph-scheduler running, press ctrl-c to stop")
	<-ctx.Done()
	return nil
}

// watchLogLevel hot-reloads only the log verbosity from the on-disk config
// while serve is running; every other setting (subjects, workers, NATS
// connection) is fixed for the process lifetime and requires a restart.
func watchLogLevel(ctx context.Context, loader *config.Loader, configPath string, levelVar *slog.LevelVar, logger *slog.Logger) {
	err := loader.Watch(ctx, configPath, func(cfg *config.Config) {
		if err := levelVar.UnmarshalText([]byte(cfg.Log.Level)); err != nil {
			logger.Warn("ignoring invalid log level from reloaded config", "level", cfg.Log.Level)
			return
		}
		logger.Info("log level updated from config reload", "level", cfg.Log.Level)
	})
	if err != nil {
		logger.Warn("config hot-reload disabled", "path", configPath, "error", err)
	}
}

func runProvision(ctx context.Context, configPath, natsURL string) error {
	cfg, logger, _, err := loadConfig(configPath, natsURL)
	if err != nil {
		return err
	}

	app, err := NewApp(cfg, logger)
	if err != nil {
		return fmt.Errorf("initialize app: %w", err)
	}
	defer app.Shutdown(5 * time.Second)

	return app.Provision(ctx)
}
