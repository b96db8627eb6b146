package scheduler

import (
	"fmt"
	"reflect"
	"time"

	"github.com/c360studio/semstreams/component"
)

// schedulerSchema defines the configuration schema, derived by reflection
// from Config's schema struct tags.
var schedulerSchema = component.GenerateConfigSchema(reflect.TypeOf(Config{}))

// Config holds configuration for the taskgraph-scheduler component.
type Config struct {
	// StreamName is the JetStream stream carrying task-completed/task-failed
	// events and this scheduler's outbound lifecycle events.
	StreamName string `json:"stream_name" schema:"type:string,description:JetStream stream for task lifecycle events,category:basic,default:TASKGRAPH"`

	// ConsumerName is the durable consumer name for completion/failure intake.
	ConsumerName string `json:"consumer_name" schema:"type:string,description:Durable consumer name for completion intake,category:basic,default:taskgraph-scheduler"`

	// CompletedSubject is the subject pattern for task-completed events.
	CompletedSubject string `json:"completed_subject" schema:"type:string,description:Subject pattern for task-completed events,category:basic,default:workflow.task-completed.>"`

	// FailedSubject is the subject pattern for task-failed events.
	FailedSubject string `json:"failed_subject" schema:"type:string,description:Subject pattern for task-failed events,category:basic,default:workflow.task-failed.>"`

	// BlockedSubject is the base subject this scheduler publishes
	// taskGraphBlocked events to, suffixed with the graph's routing key.
	BlockedSubject string `json:"blocked_subject" schema:"type:string,description:Base subject for taskGraphBlocked events,category:basic,default:workflow.task-graph-blocked"`

	// FinishedSubject is the base subject this scheduler publishes
	// taskGraphFinished events to, suffixed with the graph's routing key.
	FinishedSubject string `json:"finished_subject" schema:"type:string,description:Base subject for taskGraphFinished events,category:basic,default:workflow.task-graph-finished"`

	// RerunSubject is the subject the execution queue listens on for rerun
	// requests.
	RerunSubject string `json:"rerun_subject" schema:"type:string,description:Subject for task rerun requests,category:advanced,default:workflow.task-rerun"`

	// ScheduleSubject is the subject the execution queue listens on for
	// newly-ready dependent tasks.
	ScheduleSubject string `json:"schedule_subject" schema:"type:string,description:Subject for task schedule requests,category:advanced,default:workflow.task-schedule"`

	// FetchWait bounds how long a single Fetch call blocks waiting for a
	// batch of messages.
	FetchWait string `json:"fetch_wait" schema:"type:string,description:Max wait per Fetch call,category:advanced,default:5s"`

	// AckWait is how long JetStream waits for an Ack before redelivering.
	AckWait string `json:"ack_wait" schema:"type:string,description:Redelivery timeout per message,category:advanced,default:60s"`

	// MaxDeliver bounds redelivery attempts before a message is parked.
	MaxDeliver int `json:"max_deliver" schema:"type:int,description:Maximum redelivery attempts,category:advanced,default:5,min:1,max:50"`

	// Workers is the size of the bounded worker pool processing fetched
	// messages concurrently.
	Workers int `json:"workers" schema:"type:int,description:Concurrent message-handling workers,category:advanced,default:8,min:1,max:64"`

	// Ports contains input/output port definitions.
	Ports *component.PortConfig `json:"ports,omitempty" schema:"type:ports,description:Input/output port definitions,category:basic"`
}

// DefaultConfig returns sensible default configuration.
func DefaultConfig() Config {
	return Config{
		StreamName:       "TASKGRAPH",
		ConsumerName:     "taskgraph-scheduler",
		CompletedSubject: "workflow.task-completed.>",
		FailedSubject:    "workflow.task-failed.>",
		BlockedSubject:   "workflow.task-graph-blocked",
		FinishedSubject:  "workflow.task-graph-finished",
		RerunSubject:     "workflow.task-rerun",
		ScheduleSubject:  "workflow.task-schedule",
		FetchWait:        "5s",
		AckWait:          "60s",
		MaxDeliver:       5,
		Workers:          8,
		Ports: &component.PortConfig{
			Inputs: []component.PortDefinition{
				{
					Name:        "task-completed",
					Type:        "jetstream",
					Subject:     "workflow.task-completed.>",
					StreamName:  "TASKGRAPH",
					Description: "Receive task completion events (success and soft failure)",
					Required:    true,
				},
				{
					Name:        "task-failed",
					Type:        "jetstream",
					Subject:     "workflow.task-failed.>",
					StreamName:  "TASKGRAPH",
					Description: "Receive hard task failure events",
					Required:    true,
				},
			},
			Outputs: []component.PortDefinition{
				{
					Name:        "graph-blocked",
					Type:        "nats",
					Subject:     "workflow.task-graph-blocked.>",
					Description: "Publish taskGraphBlocked lifecycle events",
					Required:    false,
				},
				{
					Name:        "graph-finished",
					Type:        "nats",
					Subject:     "workflow.task-graph-finished.>",
					Description: "Publish taskGraphFinished lifecycle events",
					Required:    false,
				},
				{
					Name:        "execution-queue",
					Type:        "nats",
					Subject:     "workflow.task-rerun",
					Description: "Submit reruns and newly-ready dependent tasks",
					Required:    false,
				},
			},
		},
	}
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.StreamName == "" {
		return fmt.Errorf("stream_name is required")
	}
	if c.ConsumerName == "" {
		return fmt.Errorf("consumer_name is required")
	}
	if c.CompletedSubject == "" {
		return fmt.Errorf("completed_subject is required")
	}
	if c.FailedSubject == "" {
		return fmt.Errorf("failed_subject is required")
	}
	if c.BlockedSubject == "" {
		return fmt.Errorf("blocked_subject is required")
	}
	if c.FinishedSubject == "" {
		return fmt.Errorf("finished_subject is required")
	}
	if c.RerunSubject == "" {
		return fmt.Errorf("rerun_subject is required")
	}
	if c.ScheduleSubject == "" {
		return fmt.Errorf("schedule_subject is required")
	}
	if c.Workers < 1 || c.Workers > 64 {
		return fmt.Errorf("workers must be between 1 and 64")
	}
	if c.MaxDeliver < 1 {
		return fmt.Errorf("max_deliver must be at least 1")
	}
	if c.FetchWait != "" {
		if _, err := time.ParseDuration(c.FetchWait); err != nil {
			return fmt.Errorf("invalid fetch_wait: %w", err)
		}
	}
	if c.AckWait != "" {
		if _, err := time.ParseDuration(c.AckWait); err != nil {
			return fmt.Errorf("invalid ack_wait: %w", err)
		}
	}
	return nil
}

// GetFetchWait returns the parsed FetchWait duration, defaulting to 5s.
func (c *Config) GetFetchWait() time.Duration {
	if c.FetchWait == "" {
		return 5 * time.Second
	}
	d, err := time.ParseDuration(c.FetchWait)
	if err != nil || d <= 0 {
		return 5 * time.Second
	}
	return d
}

// GetAckWait returns the parsed AckWait duration, defaulting to 60s.
func (c *Config) GetAckWait() time.Duration {
	if c.AckWait == "" {
		return 60 * time.Second
	}
	d, err := time.ParseDuration(c.AckWait)
	if err != nil || d <= 0 {
		return 60 * time.Second
	}
	return d
}
