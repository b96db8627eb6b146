// Package scheduler implements the task-graph progression engine: an
// event-driven state machine that reacts to task completion/failure events
// from a broker, decides rerun-vs-block, detects graph finish, and
// publishes exactly-once lifecycle events under optimistic-concurrency CAS
// retries and at-least-once delivery.
package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/c360studio/semstreams/component"
	"github.com/c360studio/semstreams/natsclient"
	"github.com/c360studio/taskgraphsched/storage"
	"github.com/nats-io/nats.go/jetstream"
)

// Component implements the taskgraph-scheduler processor.
type Component struct {
	name       string
	config     Config
	natsClient *natsclient.Client
	logger     *slog.Logger
	metrics    *Metrics

	store      *storage.Store
	progress   *Progression
	dispatch   *Dispatcher
	ingress    *Ingress

	stream           jetstream.Stream
	completedConsumer jetstream.Consumer
	failedConsumer    jetstream.Consumer

	running   bool
	startTime time.Time
	mu        sync.RWMutex
	cancel    context.CancelFunc

	eventsProcessed int64
	errorCount      int64
}

// NewComponent creates a new taskgraph-scheduler processor.
func NewComponent(rawConfig json.RawMessage, deps component.Dependencies) (component.Discoverable, error) {
	var config Config
	if err := json.Unmarshal(rawConfig, &config); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	defaults := DefaultConfig()
	if config.StreamName == "" {
		config.StreamName = defaults.StreamName
	}
	if config.ConsumerName == "" {
		config.ConsumerName = defaults.ConsumerName
	}
	if config.CompletedSubject == "" {
		config.CompletedSubject = defaults.CompletedSubject
	}
	if config.FailedSubject == "" {
		config.FailedSubject = defaults.FailedSubject
	}
	if config.BlockedSubject == "" {
		config.BlockedSubject = defaults.BlockedSubject
	}
	if config.FinishedSubject == "" {
		config.FinishedSubject = defaults.FinishedSubject
	}
	if config.RerunSubject == "" {
		config.RerunSubject = defaults.RerunSubject
	}
	if config.ScheduleSubject == "" {
		config.ScheduleSubject = defaults.ScheduleSubject
	}
	if config.FetchWait == "" {
		config.FetchWait = defaults.FetchWait
	}
	if config.AckWait == "" {
		config.AckWait = defaults.AckWait
	}
	if config.MaxDeliver == 0 {
		config.MaxDeliver = defaults.MaxDeliver
	}
	if config.Workers == 0 {
		config.Workers = defaults.Workers
	}
	if config.Ports == nil {
		config.Ports = defaults.Ports
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &Component{
		name:       "taskgraph-scheduler",
		config:     config,
		natsClient: deps.NATSClient,
		logger:     deps.GetLogger(),
		metrics:    NewMetrics(nil),
	}, nil
}

// Initialize prepares the component.
func (c *Component) Initialize() error {
	c.logger.Debug("initialized taskgraph-scheduler",
		"stream", c.config.StreamName,
		"consumer", c.config.ConsumerName,
		"completed_subject", c.config.CompletedSubject,
		"failed_subject", c.config.FailedSubject,
		"workers", c.config.Workers)
	return nil
}

// Start begins processing task-completed/task-failed events.
func (c *Component) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return fmt.Errorf("component already running")
	}
	if c.natsClient == nil {
		c.mu.Unlock()
		return fmt.Errorf("NATS client required")
	}

	c.running = true
	c.startTime = time.Now()

	subCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.mu.Unlock()

	js, err := c.natsClient.JetStream()
	if err != nil {
		c.rollbackStart(cancel)
		return fmt.Errorf("get jetstream: %w", err)
	}

	stream, err := js.Stream(subCtx, c.config.StreamName)
	if err != nil {
		c.rollbackStart(cancel)
		return fmt.Errorf("get stream %s: %w", c.config.StreamName, err)
	}
	c.stream = stream

	ackWait := c.config.GetAckWait()
	completedConsumer, err := stream.CreateOrUpdateConsumer(subCtx, jetstream.ConsumerConfig{
		Durable:       c.config.ConsumerName + "-completed",
		FilterSubject: c.config.CompletedSubject,
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       ackWait,
		MaxDeliver:    c.config.MaxDeliver,
	})
	if err != nil {
		c.rollbackStart(cancel)
		return fmt.Errorf("create completed consumer: %w", err)
	}
	c.completedConsumer = completedConsumer

	failedConsumer, err := stream.CreateOrUpdateConsumer(subCtx, jetstream.ConsumerConfig{
		Durable:       c.config.ConsumerName + "-failed",
		FilterSubject: c.config.FailedSubject,
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       ackWait,
		MaxDeliver:    c.config.MaxDeliver,
	})
	if err != nil {
		c.rollbackStart(cancel)
		return fmt.Errorf("create failed consumer: %w", err)
	}
	c.failedConsumer = failedConsumer

	store, err := storage.NewStore(subCtx, js)
	if err != nil {
		c.rollbackStart(cancel)
		return fmt.Errorf("open entity store: %w", err)
	}
	store.SetRetryObserver(c.metrics)
	c.store = store

	queue := NewNATSExecutionQueue(c.natsClient, c.config.RerunSubject, c.config.ScheduleSubject)
	publisher := NewNATSPublisher(c.natsClient, c.name, c.config.BlockedSubject, c.config.FinishedSubject)
	c.progress = NewProgression(store, store, queue, publisher, c.logger, c.metrics)
	c.dispatch = NewDispatcher(c.progress)
	c.ingress = NewIngress(completedConsumer, failedConsumer, c.config.GetFetchWait(), c.config.Workers, c.dispatch, c.logger, c.metrics)

	go c.ingress.Run(subCtx)

	c.logger.Info("taskgraph-scheduler started",
		"stream", c.config.StreamName,
		"consumer", c.config.ConsumerName,
		"completed_subject", c.config.CompletedSubject,
		"failed_subject", c.config.FailedSubject)

	return nil
}

func (c *Component) rollbackStart(cancel context.CancelFunc) {
	c.mu.Lock()
	c.running = false
	c.cancel = nil
	c.mu.Unlock()
	cancel()
}

// Stop shuts down the component.
func (c *Component) Stop(_ time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.running {
		return nil
	}
	if c.cancel != nil {
		c.cancel()
	}
	c.running = false
	c.logger.Info("taskgraph-scheduler stopped")
	return nil
}

// Meta returns component metadata.
func (c *Component) Meta() component.Metadata {
	return component.Metadata{
		Name:        "taskgraph-scheduler",
		Type:        "processor",
		Description: "Reacts to task completion/failure events, drives rerun-vs-block decisions, and detects graph finish",
		Version:     "0.1.0",
	}
}

// InputPorts returns configured input port definitions.
func (c *Component) InputPorts() []component.Port {
	if c.config.Ports == nil {
		return []component.Port{}
	}
	ports := make([]component.Port, len(c.config.Ports.Inputs))
	for i, portDef := range c.config.Ports.Inputs {
		ports[i] = component.Port{
			Name:        portDef.Name,
			Direction:   component.DirectionInput,
			Required:    portDef.Required,
			Description: portDef.Description,
			Config:      component.NATSPort{Subject: portDef.Subject},
		}
	}
	return ports
}

// OutputPorts returns configured output port definitions.
func (c *Component) OutputPorts() []component.Port {
	if c.config.Ports == nil {
		return []component.Port{}
	}
	ports := make([]component.Port, len(c.config.Ports.Outputs))
	for i, portDef := range c.config.Ports.Outputs {
		ports[i] = component.Port{
			Name:        portDef.Name,
			Direction:   component.DirectionOutput,
			Required:    portDef.Required,
			Description: portDef.Description,
			Config:      component.NATSPort{Subject: portDef.Subject},
		}
	}
	return ports
}

// ConfigSchema returns the configuration schema.
func (c *Component) ConfigSchema() component.ConfigSchema {
	return schedulerSchema
}

// Health returns the current health status.
func (c *Component) Health() component.HealthStatus {
	c.mu.RLock()
	running := c.running
	startTime := c.startTime
	c.mu.RUnlock()

	status := "stopped"
	if running {
		status = "running"
	}
	return component.HealthStatus{
		Healthy:    running,
		LastCheck:  time.Now(),
		ErrorCount: int(c.errorCount),
		Uptime:     time.Since(startTime),
		Status:     status,
	}
}

// DataFlow returns current data flow metrics.
func (c *Component) DataFlow() component.FlowMetrics {
	return component.FlowMetrics{
		MessagesPerSecond: 0,
		BytesPerSecond:    0,
		ErrorRate:         0,
		LastActivity:      time.Now(),
	}
}

// IsRunning returns whether the component is running.
func (c *Component) IsRunning() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.running
}

// Store returns the entity store the component opened during Start, so a
// host process can wire a submission handler against the same JetStream KV
// buckets without opening a second connection. Returns nil before Start
// completes.
func (c *Component) Store() *storage.Store {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.store
}
