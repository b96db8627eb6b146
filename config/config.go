// Package config provides configuration loading and management for the
// taskgraph scheduler.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete taskgraph-scheduler configuration.
type Config struct {
	NATS      NATSConfig      `yaml:"nats"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	HTTP      HTTPConfig      `yaml:"http"`
	Log       LogConfig       `yaml:"log"`
}

// HTTPConfig configures the submission API surface. Leaving Addr empty
// disables the HTTP server entirely — the scheduler can run as a pure
// broker-driven reactor with submission handled out of process.
type HTTPConfig struct {
	// Addr is the listen address for the submission API, e.g. ":8080".
	// Empty disables the server.
	Addr string `yaml:"addr"`
}

// NATSConfig configures the NATS connection.
type NATSConfig struct {
	// URL is the NATS server URL.
	URL string `yaml:"url"`
	// Name is the client name advertised to the server.
	Name string `yaml:"name"`
	// MaxReconnects bounds reconnect attempts (-1 = unlimited).
	MaxReconnects int `yaml:"max_reconnects"`
	// ReconnectWait is the delay between reconnect attempts.
	ReconnectWait time.Duration `yaml:"reconnect_wait"`
}

// SchedulerConfig configures the progression engine's behavior. Fields
// mirror scheduler.Config; this is the on-disk/env-layered shape the
// Loader resolves before handing it to the component.
type SchedulerConfig struct {
	// StreamName is the JetStream stream carrying lifecycle events.
	StreamName string `yaml:"stream_name"`
	// ConsumerName is the durable consumer name prefix.
	ConsumerName string `yaml:"consumer_name"`
	// CompletedSubject is the subject pattern for task-completed events.
	CompletedSubject string `yaml:"completed_subject"`
	// FailedSubject is the subject pattern for task-failed events.
	FailedSubject string `yaml:"failed_subject"`
	// BlockedSubject is the base subject for taskGraphBlocked events.
	BlockedSubject string `yaml:"blocked_subject"`
	// FinishedSubject is the base subject for taskGraphFinished events.
	FinishedSubject string `yaml:"finished_subject"`
	// RerunSubject is the execution queue's rerun-request subject.
	RerunSubject string `yaml:"rerun_subject"`
	// ScheduleSubject is the execution queue's schedule-request subject.
	ScheduleSubject string `yaml:"schedule_subject"`
	// Workers is the size of the bounded worker pool shared by the
	// task-completed and task-failed consumers.
	Workers int `yaml:"workers"`
	// MaxDeliver bounds redelivery attempts before a message is parked.
	MaxDeliver int `yaml:"max_deliver"`
}

// LogConfig configures structured logging.
type LogConfig struct {
	// Level is one of debug, info, warn, error.
	Level string `yaml:"level"`
	// Format is either "text" or "json".
	Format string `yaml:"format"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		NATS: NATSConfig{
			URL:           "nats://localhost:4222",
			Name:          "taskgraph-scheduler",
			MaxReconnects: -1,
			ReconnectWait: 2 * time.Second,
		},
		Scheduler: SchedulerConfig{
			StreamName:       "TASKGRAPH",
			ConsumerName:     "taskgraph-scheduler",
			CompletedSubject: "workflow.task-completed.>",
			FailedSubject:    "workflow.task-failed.>",
			BlockedSubject:   "workflow.task-graph-blocked",
			FinishedSubject:  "workflow.task-graph-finished",
			RerunSubject:     "workflow.task-rerun",
			ScheduleSubject:  "workflow.task-schedule",
			Workers:          8,
			MaxDeliver:       5,
		},
		HTTP: HTTPConfig{
			Addr: ":8080",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Validate checks that the configuration is valid.
func (c *Config) Validate() error {
	if c.NATS.URL == "" {
		return fmt.Errorf("nats.url is required")
	}
	if c.Scheduler.StreamName == "" {
		return fmt.Errorf("scheduler.stream_name is required")
	}
	if c.Scheduler.ConsumerName == "" {
		return fmt.Errorf("scheduler.consumer_name is required")
	}
	if c.Scheduler.Workers < 1 {
		return fmt.Errorf("scheduler.workers must be at least 1")
	}
	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log.level must be one of debug, info, warn, error")
	}
	return nil
}

// LoadFromFile loads configuration from a YAML file.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := DefaultConfig()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	return config, nil
}

// SaveToFile saves configuration to a YAML file.
func (c *Config) SaveToFile(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// Merge merges another config into this one (other takes precedence for
// non-zero values).
func (c *Config) Merge(other *Config) {
	if other == nil {
		return
	}

	if other.NATS.URL != "" {
		c.NATS.URL = other.NATS.URL
	}
	if other.NATS.Name != "" {
		c.NATS.Name = other.NATS.Name
	}
	if other.NATS.MaxReconnects != 0 {
		c.NATS.MaxReconnects = other.NATS.MaxReconnects
	}
	if other.NATS.ReconnectWait != 0 {
		c.NATS.ReconnectWait = other.NATS.ReconnectWait
	}

	if other.Scheduler.StreamName != "" {
		c.Scheduler.StreamName = other.Scheduler.StreamName
	}
	if other.Scheduler.ConsumerName != "" {
		c.Scheduler.ConsumerName = other.Scheduler.ConsumerName
	}
	if other.Scheduler.CompletedSubject != "" {
		c.Scheduler.CompletedSubject = other.Scheduler.CompletedSubject
	}
	if other.Scheduler.FailedSubject != "" {
		c.Scheduler.FailedSubject = other.Scheduler.FailedSubject
	}
	if other.Scheduler.BlockedSubject != "" {
		c.Scheduler.BlockedSubject = other.Scheduler.BlockedSubject
	}
	if other.Scheduler.FinishedSubject != "" {
		c.Scheduler.FinishedSubject = other.Scheduler.FinishedSubject
	}
	if other.Scheduler.RerunSubject != "" {
		c.Scheduler.RerunSubject = other.Scheduler.RerunSubject
	}
	if other.Scheduler.ScheduleSubject != "" {
		c.Scheduler.ScheduleSubject = other.Scheduler.ScheduleSubject
	}
	if other.Scheduler.Workers != 0 {
		c.Scheduler.Workers = other.Scheduler.Workers
	}
	if other.Scheduler.MaxDeliver != 0 {
		c.Scheduler.MaxDeliver = other.Scheduler.MaxDeliver
	}

	if other.HTTP.Addr != "" {
		c.HTTP.Addr = other.HTTP.Addr
	}

	if other.Log.Level != "" {
		c.Log.Level = other.Log.Level
	}
	if other.Log.Format != "" {
		c.Log.Format = other.Log.Format
	}
}
