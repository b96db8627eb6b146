package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/c360studio/semstreams/component"
	"github.com/c360studio/semstreams/natsclient"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/c360studio/taskgraphsched/config"
	"github.com/c360studio/taskgraphsched/scheduler"
	"github.com/c360studio/taskgraphsched/scheduler/submission"
	"github.com/c360studio/taskgraphsched/storage"
)

// App wires together the NATS connection, the scheduler component, and the
// submission HTTP surface.
type App struct {
	cfg    *config.Config
	logger *slog.Logger

	natsClient *natsclient.Client
	component  *scheduler.Component
	httpServer *http.Server
}

// NewApp creates a new application instance.
func NewApp(cfg *config.Config, logger *slog.Logger) (*App, error) {
	if logger == nil {
		logger = slog.Default()
	}
	return &App{cfg: cfg, logger: logger}, nil
}

// Start connects to NATS, provisions dependencies, and starts the scheduler
// component.
func (a *App) Start(ctx context.Context) error {
	client, err := natsclient.NewClient(a.cfg.NATS.URL,
		natsclient.WithName(a.cfg.NATS.Name),
		natsclient.WithMaxReconnects(a.cfg.NATS.MaxReconnects),
		natsclient.WithReconnectWait(a.cfg.NATS.ReconnectWait),
	)
	if err != nil {
		return fmt.Errorf("create nats client: %w", err)
	}
	a.natsClient = client

	if err := client.Connect(ctx); err != nil {
		return fmt.Errorf("connect to nats: %w", err)
	}

	connCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := client.WaitForConnection(connCtx); err != nil {
		return fmt.Errorf("wait for nats connection: %w", err)
	}

	rawConfig, err := json.Marshal(schedulerComponentConfig(a.cfg))
	if err != nil {
		return fmt.Errorf("marshal scheduler config: %w", err)
	}

	deps := component.Dependencies{NATSClient: client}
	discoverable, err := scheduler.NewComponent(rawConfig, deps)
	if err != nil {
		return fmt.Errorf("construct scheduler component: %w", err)
	}
	comp, ok := discoverable.(*scheduler.Component)
	if !ok {
		return fmt.Errorf("unexpected scheduler component type %T", discoverable)
	}
	a.component = comp

	if err := comp.Initialize(); err != nil {
		return fmt.Errorf("initialize scheduler component: %w", err)
	}
	if err := comp.Start(ctx); err != nil {
		return fmt.Errorf("start scheduler component: %w", err)
	}

	if a.cfg.HTTP.Addr != "" {
		if err := a.startHTTP(comp.Store()); err != nil {
			return fmt.Errorf("start submission http server: %w", err)
		}
	}

	a.logger.Info("taskgraph-scheduler app started")
	return nil
}

// startHTTP serves the submission API on the configured address.
func (a *App) startHTTP(store *storage.Store) error {
	mux := http.NewServeMux()
	submission.NewHandler(store, a.logger).RegisterRoutes("/", mux)

	a.httpServer = &http.Server{
		Addr:    a.cfg.HTTP.Addr,
		Handler: mux,
	}
	go func() {
		if err := a.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			a.logger.Error("submission http server exited", "error", err)
		}
	}()
	a.logger.Info("submission http server listening", "addr", a.cfg.HTTP.Addr)
	return nil
}

// Provision creates the JetStream stream and KV buckets the scheduler
// depends on, so a fresh environment can be bootstrapped before serve runs.
func (a *App) Provision(ctx context.Context) error {
	client, err := natsclient.NewClient(a.cfg.NATS.URL, natsclient.WithName(a.cfg.NATS.Name+"-provision"))
	if err != nil {
		return fmt.Errorf("create nats client: %w", err)
	}
	defer client.GetConnection().Close()

	if err := client.Connect(ctx); err != nil {
		return fmt.Errorf("connect to nats: %w", err)
	}

	js, err := client.JetStream()
	if err != nil {
		return fmt.Errorf("get jetstream: %w", err)
	}

	_, err = js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:     a.cfg.Scheduler.StreamName,
		Subjects: []string{"workflow.>"},
	})
	if err != nil {
		return fmt.Errorf("create stream %s: %w", a.cfg.Scheduler.StreamName, err)
	}

	if _, err := storage.NewStore(ctx, js); err != nil {
		return fmt.Errorf("provision entity store buckets: %w", err)
	}

	a.logger.Info("provisioned taskgraph-scheduler dependencies",
		"stream", a.cfg.Scheduler.StreamName,
		"buckets", []string{storage.BucketTaskGraphs, storage.BucketTasks})
	return nil
}

// Shutdown stops the submission HTTP server, the scheduler component, and
// closes the NATS connection, in that order so in-flight submissions don't
// race a component already torn down.
func (a *App) Shutdown(timeout time.Duration) {
	if a.httpServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		if err := a.httpServer.Shutdown(shutdownCtx); err != nil {
			a.logger.Warn("error stopping submission http server", "error", err)
		}
	}
	if a.component != nil {
		if err := a.component.Stop(timeout); err != nil {
			a.logger.Warn("error stopping scheduler component", "error", err)
		}
	}
	if a.natsClient != nil {
		if conn := a.natsClient.GetConnection(); conn != nil {
			conn.Close()
		}
	}
}

func schedulerComponentConfig(cfg *config.Config) scheduler.Config {
	sc := scheduler.DefaultConfig()
	sc.StreamName = cfg.Scheduler.StreamName
	sc.ConsumerName = cfg.Scheduler.ConsumerName
	sc.CompletedSubject = cfg.Scheduler.CompletedSubject
	sc.FailedSubject = cfg.Scheduler.FailedSubject
	sc.BlockedSubject = cfg.Scheduler.BlockedSubject
	sc.FinishedSubject = cfg.Scheduler.FinishedSubject
	sc.RerunSubject = cfg.Scheduler.RerunSubject
	sc.ScheduleSubject = cfg.Scheduler.ScheduleSubject
	sc.Workers = cfg.Scheduler.Workers
	sc.MaxDeliver = cfg.Scheduler.MaxDeliver
	return sc
}
