package scheduler

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/c360studio/semstreams/message"
)

// Message types for the two inbound exchanges and the two outbound
// publications.
var (
	TaskCompletedType = message.Type{Domain: "workflow", Category: "task-completed", Version: "v1"}
	TaskFailedType    = message.Type{Domain: "workflow", Category: "task-failed", Version: "v1"}
	GraphBlockedType  = message.Type{Domain: "workflow", Category: "task-graph-blocked", Version: "v1"}
	GraphFinishedType = message.Type{Domain: "workflow", Category: "task-graph-finished", Version: "v1"}
)

// CompletionStatus is the routing envelope carried by both inbound
// payloads: status.taskId identifies the task, status.routing is the
// dotted routing key whose index 1 is the taskGraphId.
type CompletionStatus struct {
	TaskID  string `json:"task_id"`
	Routing string `json:"routing"`
}

// TaskGraphID extracts the graph id from the dotted routing key by
// positional split. A routing key with fewer than two segments is a
// protocol violation — a trusted-input contract from the submission API
// has been broken, and the caller must not guess.
func (s CompletionStatus) TaskGraphID() (string, error) {
	parts := strings.Split(s.Routing, ".")
	if len(parts) < 2 {
		return "", protocolViolation("malformed routing key %q: expected at least 2 dotted segments", s.Routing)
	}
	return parts[1], nil
}

// TaskCompletedPayload is the task-completed exchange's payload shape.
type TaskCompletedPayload struct {
	Status    CompletionStatus `json:"status"`
	Success   bool             `json:"success"`
	ResultURL string           `json:"result_url,omitempty"`
	LogsURL   string           `json:"logs_url,omitempty"`
}

func (p *TaskCompletedPayload) Schema() message.Type { return TaskCompletedType }

func (p *TaskCompletedPayload) Validate() error {
	if p.Status.TaskID == "" {
		return fmt.Errorf("status.task_id is required")
	}
	if p.Status.Routing == "" {
		return fmt.Errorf("status.routing is required")
	}
	return nil
}

// TaskFailedPayload is the task-failed exchange's payload shape: same
// routing envelope, no result/logs URLs, semantically post-retry-exhaustion.
type TaskFailedPayload struct {
	Status CompletionStatus `json:"status"`
}

func (p *TaskFailedPayload) Schema() message.Type { return TaskFailedType }

func (p *TaskFailedPayload) Validate() error {
	if p.Status.TaskID == "" {
		return fmt.Errorf("status.task_id is required")
	}
	if p.Status.Routing == "" {
		return fmt.Errorf("status.routing is required")
	}
	return nil
}

// Event is the Dispatcher's normalized view of an inbound message,
// decoded by the Ingress from either exchange.
type Event struct {
	TaskGraphID string
	TaskID      string
	Completed   bool // true: from task-completed exchange; false: task-failed
	Success     bool // only meaningful when Completed is true
	ResultURL   string
	LogsURL     string
}

// decodeCompleted parses a raw task-completed message body into an Event.
func decodeCompleted(data []byte) (Event, error) {
	var payload TaskCompletedPayload
	if err := json.Unmarshal(data, &payload); err != nil {
		return Event{}, protocolViolation("unmarshal task-completed payload: %v", err)
	}
	if err := payload.Validate(); err != nil {
		return Event{}, protocolViolation("task-completed payload: %v", err)
	}
	graphID, err := payload.Status.TaskGraphID()
	if err != nil {
		return Event{}, err
	}
	return Event{
		TaskGraphID: graphID,
		TaskID:      payload.Status.TaskID,
		Completed:   true,
		Success:     payload.Success,
		ResultURL:   payload.ResultURL,
		LogsURL:     payload.LogsURL,
	}, nil
}

// decodeFailed parses a raw task-failed message body into an Event.
func decodeFailed(data []byte) (Event, error) {
	var payload TaskFailedPayload
	if err := json.Unmarshal(data, &payload); err != nil {
		return Event{}, protocolViolation("unmarshal task-failed payload: %v", err)
	}
	if err := payload.Validate(); err != nil {
		return Event{}, protocolViolation("task-failed payload: %v", err)
	}
	graphID, err := payload.Status.TaskGraphID()
	if err != nil {
		return Event{}, err
	}
	return Event{
		TaskGraphID: graphID,
		TaskID:      payload.Status.TaskID,
		Completed:   false,
	}, nil
}

// GraphStatus is the status snapshot embedded in outbound lifecycle events.
type GraphStatus struct {
	TaskGraphID string           `json:"task_graph_id"`
	State       string           `json:"state"`
	Routing     string           `json:"routing"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// GraphBlockedPayload is published at most once per running→blocked
// transition.
type GraphBlockedPayload struct {
	Status GraphStatus `json:"status"`
	TaskID string      `json:"task_id"`
}

func (p *GraphBlockedPayload) Schema() message.Type { return GraphBlockedType }

// GraphFinishedPayload is published at most once per graph.
type GraphFinishedPayload struct {
	Status GraphStatus `json:"status"`
}

func (p *GraphFinishedPayload) Schema() message.Type { return GraphFinishedType }
