package scheduler

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/c360studio/semstreams/natsclient"
)

// TaskDefinition is the opaque definition handed to the execution queue
// when scheduling a dependent task. The core never interprets its
// contents; it is carried from the submission API's stored Task entity.
type TaskDefinition struct {
	TaskGraphID string            `json:"task_graph_id"`
	TaskID      string            `json:"task_id"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// ExecutionQueue is the downstream collaborator that actually runs tasks.
// Both methods are expected to be idempotent by taskId: the core may call
// RerunTask or ScheduleTask more than once for the same task without
// double-executing it.
type ExecutionQueue interface {
	// RerunTask asks the queue to re-execute a task that soft-failed and
	// still has rerun budget.
	RerunTask(ctx context.Context, graphID, taskID string) error

	// ScheduleTask asks the queue to execute a task whose prerequisites
	// have all now succeeded.
	ScheduleTask(ctx context.Context, graphID, taskID string, def TaskDefinition) error
}

// natsExecutionQueueConfig names the subjects the NATS-backed queue
// publishes rerun/schedule requests to.
type natsExecutionQueueConfig struct {
	RerunSubject    string
	ScheduleSubject string
}

// NATSExecutionQueue is a thin fire-and-forget publisher to the execution
// queue's intake subjects, matching the idempotent-sink model and the
// PublishToStream idiom used for outbound events elsewhere in this
// codebase.
type NATSExecutionQueue struct {
	client *natsclient.Client
	cfg    natsExecutionQueueConfig
}

// NewNATSExecutionQueue constructs a queue client publishing rerun/schedule
// requests on the given subjects.
func NewNATSExecutionQueue(client *natsclient.Client, rerunSubject, scheduleSubject string) *NATSExecutionQueue {
	return &NATSExecutionQueue{
		client: client,
		cfg: natsExecutionQueueConfig{
			RerunSubject:    rerunSubject,
			ScheduleSubject: scheduleSubject,
		},
	}
}

type rerunRequest struct {
	TaskGraphID string `json:"task_graph_id"`
	TaskID      string `json:"task_id"`
}

type scheduleRequest struct {
	TaskGraphID string         `json:"task_graph_id"`
	TaskID      string         `json:"task_id"`
	Definition  TaskDefinition `json:"definition"`
}

// RerunTask implements ExecutionQueue.
func (q *NATSExecutionQueue) RerunTask(ctx context.Context, graphID, taskID string) error {
	data, err := json.Marshal(rerunRequest{TaskGraphID: graphID, TaskID: taskID})
	if err != nil {
		return fmt.Errorf("marshal rerun request: %w", err)
	}
	if err := q.client.PublishToStream(ctx, q.cfg.RerunSubject, data); err != nil {
		return fmt.Errorf("publish rerun request: %w", err)
	}
	return nil
}

// ScheduleTask implements ExecutionQueue.
func (q *NATSExecutionQueue) ScheduleTask(ctx context.Context, graphID, taskID string, def TaskDefinition) error {
	data, err := json.Marshal(scheduleRequest{TaskGraphID: graphID, TaskID: taskID, Definition: def})
	if err != nil {
		return fmt.Errorf("marshal schedule request: %w", err)
	}
	if err := q.client.PublishToStream(ctx, q.cfg.ScheduleSubject, data); err != nil {
		return fmt.Errorf("publish schedule request: %w", err)
	}
	return nil
}
