// Package storage provides the entity store adapter for the task-graph
// scheduler: a thin, strongly-typed contract over NATS JetStream key-value
// buckets offering load-by-key and CAS-retried modify semantics for the
// TaskGraph and Task entities the progression engine mutates.
package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go/jetstream"
)

// Bucket names for each entity family.
const (
	BucketTaskGraphs = "SCHED_TASK_GRAPHS"
	BucketTasks      = "SCHED_TASKS"
)

// defaultMaxCASAttempts bounds the modify-retry loop so a pathologically
// hot key fails loudly (ErrConflict) instead of spinning forever.
const defaultMaxCASAttempts = 20

// GraphState is the lifecycle state of a TaskGraph.
type GraphState string

const (
	GraphRunning  GraphState = "running"
	GraphBlocked  GraphState = "blocked"
	GraphFinished GraphState = "finished"
)

// StringSet is a small set type that marshals as a sorted JSON array so
// entity snapshots are stable and diffable in the KV bucket's revision
// history.
type StringSet map[string]struct{}

// NewStringSet builds a StringSet from a slice, de-duplicating.
func NewStringSet(items ...string) StringSet {
	s := make(StringSet, len(items))
	for _, it := range items {
		s[it] = struct{}{}
	}
	return s
}

// Has reports whether id is a member.
func (s StringSet) Has(id string) bool {
	_, ok := s[id]
	return ok
}

// Remove deletes id from the set.
func (s StringSet) Remove(id string) {
	delete(s, id)
}

// Add inserts id into the set.
func (s StringSet) Add(id string) {
	s[id] = struct{}{}
}

// Len returns the number of members.
func (s StringSet) Len() int {
	return len(s)
}

// Slice returns the members as a slice, order unspecified.
func (s StringSet) Slice() []string {
	out := make([]string, 0, len(s))
	for id := range s {
		out = append(out, id)
	}
	return out
}

// MarshalJSON encodes the set as a sorted JSON array of its members.
func (s StringSet) MarshalJSON() ([]byte, error) {
	items := s.Slice()
	sort.Strings(items)
	return json.Marshal(items)
}

// UnmarshalJSON decodes a JSON array into the set.
func (s *StringSet) UnmarshalJSON(data []byte) error {
	var items []string
	if err := json.Unmarshal(data, &items); err != nil {
		return err
	}
	*s = NewStringSet(items...)
	return nil
}

// Resolution is a task's terminal outcome record. Its presence on a Task
// marks the task as no longer live; once set it is never mutated again.
type Resolution struct {
	Completed  bool      `json:"completed"`
	Success    bool      `json:"success"`
	ResultURL  string    `json:"result_url,omitempty"`
	LogsURL    string    `json:"logs_url,omitempty"`
	ObservedAt time.Time `json:"observed_at"`
}

// TaskGraph is the entity tracking a DAG's overall progress.
type TaskGraph struct {
	TaskGraphID  string            `json:"task_graph_id"`
	State        GraphState        `json:"state"`
	RequiresLeft StringSet         `json:"requires_left"`
	Routing      string            `json:"routing"`
	Scopes       []string          `json:"scopes,omitempty"`
	Metadata     map[string]string `json:"metadata,omitempty"`
	Tags         map[string]string `json:"tags,omitempty"`
	BlockedBy    string            `json:"blocked_by,omitempty"`
	CreatedAt    time.Time         `json:"created_at"`
	UpdatedAt    time.Time         `json:"updated_at"`
}

// Task is the entity tracking a single DAG node's execution and retry state.
type Task struct {
	TaskGraphID string      `json:"task_graph_id"`
	TaskID      string      `json:"task_id"`
	RerunsLeft  int         `json:"reruns_left"`
	Dependents  StringSet   `json:"dependents"`
	Requires    StringSet   `json:"requires"`
	Resolution  *Resolution `json:"resolution,omitempty"`
	LastError   string      `json:"last_error,omitempty"`
	CreatedAt   time.Time   `json:"created_at"`
	UpdatedAt   time.Time   `json:"updated_at"`
}

// TaskKey is the composite key of a Task within its graph.
type TaskKey struct {
	TaskGraphID string
	TaskID      string
}

func (k TaskKey) bucketKey() string {
	return k.TaskGraphID + "." + k.TaskID
}

// NewTaskGraphID mints a fresh, collision-resistant task-graph identifier
// for the submission path to assign before the first Create call.
func NewTaskGraphID() string {
	return uuid.NewString()
}

// NewTaskID mints a fresh task identifier, scoped for uniqueness within a
// single graph rather than globally.
func NewTaskID() string {
	return uuid.NewString()
}

// RetryObserver receives a notification from a Modify call reporting how
// many CAS-conflict retries it needed before committing. scheduler.Metrics
// implements this so the progression engine's CAS contention is visible
// without storage importing the scheduler package.
type RetryObserver interface {
	ObserveCASRetries(retries int)
}

// Store holds the JetStream KV buckets backing the two entity families.
type Store struct {
	graphs jetstream.KeyValue
	tasks  jetstream.KeyValue

	retryObserver RetryObserver
}

// NewStore creates a Store, creating the backing KV buckets if absent.
func NewStore(ctx context.Context, js jetstream.JetStream) (*Store, error) {
	graphs, err := getOrCreateBucket(ctx, js, BucketTaskGraphs)
	if err != nil {
		return nil, fmt.Errorf("create task-graph bucket: %w", err)
	}

	tasks, err := getOrCreateBucket(ctx, js, BucketTasks)
	if err != nil {
		return nil, fmt.Errorf("create task bucket: %w", err)
	}

	return &Store{graphs: graphs, tasks: tasks}, nil
}

// SetRetryObserver attaches o to the store so every subsequent ModifyTask
// and ModifyTaskGraph call reports its CAS-retry count to it. A nil o
// disables reporting.
func (s *Store) SetRetryObserver(o RetryObserver) {
	s.retryObserver = o
}

func (s *Store) observeRetries(retries int) {
	if s.retryObserver != nil {
		s.retryObserver.ObserveCASRetries(retries)
	}
}

func getOrCreateBucket(ctx context.Context, js jetstream.JetStream, name string) (jetstream.KeyValue, error) {
	kv, err := js.KeyValue(ctx, name)
	if err == nil {
		return kv, nil
	}
	return js.CreateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket:      name,
		Description: fmt.Sprintf("Task-graph scheduler %s storage", strings.ToLower(name)),
		History:     5,
	})
}

// CreateTaskGraph stores a brand-new graph, failing if one already exists
// under the same ID. This is itself a CAS operation (JetStream's Create is
// "put only if absent"), which the submission handler relies on to reject
// a resubmitted graph ID outright rather than silently overwriting it.
func (s *Store) CreateTaskGraph(ctx context.Context, g *TaskGraph) error {
	now := time.Now().UTC()
	g.CreatedAt = now
	g.UpdatedAt = now
	if g.State == "" {
		g.State = GraphRunning
	}
	if g.RequiresLeft == nil {
		g.RequiresLeft = NewStringSet()
	}

	data, err := json.Marshal(g)
	if err != nil {
		return fmt.Errorf("marshal task graph: %w", err)
	}
	if _, err := s.graphs.Create(ctx, g.TaskGraphID, data); err != nil {
		if isAlreadyExists(err) {
			return ErrAlreadyExists
		}
		return fmt.Errorf("create task graph: %w", err)
	}
	return nil
}

// LoadTaskGraph loads a graph by ID along with its KV revision.
func (s *Store) LoadTaskGraph(ctx context.Context, id string) (*TaskGraph, uint64, error) {
	entry, err := s.graphs.Get(ctx, id)
	if err != nil {
		if isNotFound(err) {
			return nil, 0, ErrNotFound
		}
		return nil, 0, fmt.Errorf("get task graph: %w", err)
	}

	var g TaskGraph
	if err := json.Unmarshal(entry.Value(), &g); err != nil {
		return nil, 0, fmt.Errorf("unmarshal task graph: %w", err)
	}
	return &g, entry.Revision(), nil
}

// ModifyTaskGraph loads the graph, applies mutate to a fresh in-memory
// copy, and commits via a revision-gated Update. On a revision conflict it
// reloads and re-invokes mutate from scratch: mutate must be synchronous,
// free of I/O, and must re-initialise any "did this happen" flags at its
// top so a replay produces a value reflecting only the winning attempt.
func (s *Store) ModifyTaskGraph(ctx context.Context, id string, mutate func(*TaskGraph)) (*TaskGraph, error) {
	retries := 0
	for attempt := 0; attempt < defaultMaxCASAttempts; attempt++ {
		g, rev, err := s.LoadTaskGraph(ctx, id)
		if err != nil {
			return nil, err
		}

		mutate(g)
		g.UpdatedAt = time.Now().UTC()

		data, err := json.Marshal(g)
		if err != nil {
			return nil, fmt.Errorf("marshal task graph: %w", err)
		}

		if _, err := s.graphs.Update(ctx, id, data, rev); err != nil {
			if isRevisionConflict(err) {
				retries++
				continue
			}
			return nil, fmt.Errorf("update task graph: %w", err)
		}
		s.observeRetries(retries)
		return g, nil
	}
	return nil, ErrConflict
}

// CreateTask stores a brand-new task.
func (s *Store) CreateTask(ctx context.Context, t *Task) error {
	now := time.Now().UTC()
	t.CreatedAt = now
	t.UpdatedAt = now
	if t.Dependents == nil {
		t.Dependents = NewStringSet()
	}
	if t.Requires == nil {
		t.Requires = NewStringSet()
	}

	key := TaskKey{TaskGraphID: t.TaskGraphID, TaskID: t.TaskID}.bucketKey()
	data, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("marshal task: %w", err)
	}
	if _, err := s.tasks.Create(ctx, key, data); err != nil {
		if isAlreadyExists(err) {
			return ErrAlreadyExists
		}
		return fmt.Errorf("create task: %w", err)
	}
	return nil
}

// LoadTask loads a task by composite key along with its KV revision.
func (s *Store) LoadTask(ctx context.Context, key TaskKey) (*Task, uint64, error) {
	entry, err := s.tasks.Get(ctx, key.bucketKey())
	if err != nil {
		if isNotFound(err) {
			return nil, 0, ErrNotFound
		}
		return nil, 0, fmt.Errorf("get task: %w", err)
	}

	var t Task
	if err := json.Unmarshal(entry.Value(), &t); err != nil {
		return nil, 0, fmt.Errorf("unmarshal task: %w", err)
	}
	return &t, entry.Revision(), nil
}

// ModifyTask loads the task, applies mutate to a fresh in-memory copy, and
// commits via a revision-gated Update, replaying mutate on conflict. See
// ModifyTaskGraph for the discipline mutate must follow.
func (s *Store) ModifyTask(ctx context.Context, key TaskKey, mutate func(*Task)) (*Task, error) {
	retries := 0
	for attempt := 0; attempt < defaultMaxCASAttempts; attempt++ {
		t, rev, err := s.LoadTask(ctx, key)
		if err != nil {
			return nil, err
		}

		mutate(t)
		t.UpdatedAt = time.Now().UTC()

		data, err := json.Marshal(t)
		if err != nil {
			return nil, fmt.Errorf("marshal task: %w", err)
		}

		if _, err := s.tasks.Update(ctx, key.bucketKey(), data, rev); err != nil {
			if isRevisionConflict(err) {
				retries++
				continue
			}
			return nil, fmt.Errorf("update task: %w", err)
		}
		s.observeRetries(retries)
		return t, nil
	}
	return nil, ErrConflict
}

func isNotFound(err error) bool {
	return err != nil && strings.Contains(err.Error(), "key not found")
}

func isAlreadyExists(err error) bool {
	return err != nil && (strings.Contains(err.Error(), "key exists") || strings.Contains(err.Error(), "wrong last sequence"))
}

// isRevisionConflict reports whether err is the KV layer's way of saying
// "your expected revision is stale" — NATS JetStream surfaces this as an
// update error whose text names the sequence mismatch rather than as a
// typed sentinel, so this is a string-matching check, exactly like the
// optimistic-locking detection the HTTP question-answer handler it is
// grounded on performs.
func isRevisionConflict(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "wrong last sequence") || strings.Contains(msg, "concurrent modification")
}
