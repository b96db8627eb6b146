// Package submission provides the minimal HTTP surface for creating a
// TaskGraph and its initial Task set. It validates request shape only;
// credential/scope checks and higher-level submission semantics are out
// of scope and belong to whatever gateway sits in front of this handler.
package submission

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/c360studio/taskgraphsched/storage"
)

// maxJSONBodySize limits the size of a task-graph submission body.
const maxJSONBodySize = 1 << 20 // 1MB

// Handler serves POST /task-graphs, creating the initial TaskGraph and Task
// entities backing a new DAG. It does not validate that Requires edges form
// a DAG or that referenced task IDs exist — spec-level cycle detection is
// explicitly out of scope, and the progression engine tolerates a
// dependent naming a task that never arrives by simply never unblocking.
type Handler struct {
	store  *storage.Store
	logger *slog.Logger
}

// NewHandler constructs a submission Handler. logger may be nil.
func NewHandler(store *storage.Store, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{store: store, logger: logger}
}

// RegisterRoutes registers the handler's endpoints on mux under prefix.
func (h *Handler) RegisterRoutes(prefix string, mux *http.ServeMux) {
	if !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	mux.HandleFunc(prefix+"task-graphs", h.handleCreateTaskGraph)
}

// taskRequest is the shape of one task within a submitted graph.
type taskRequest struct {
	TaskID     string   `json:"task_id"`
	Requires   []string `json:"requires,omitempty"`
	Dependents []string `json:"dependents,omitempty"`
	RerunsLeft int      `json:"reruns_left"`
}

// createTaskGraphRequest is the POST /task-graphs request body.
type createTaskGraphRequest struct {
	TaskGraphID string            `json:"task_graph_id,omitempty"`
	Routing     string            `json:"routing"`
	Scopes      []string          `json:"scopes,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	Tags        map[string]string `json:"tags,omitempty"`
	Tasks       []taskRequest     `json:"tasks"`
}

// createTaskGraphResponse is the POST /task-graphs response body.
type createTaskGraphResponse struct {
	TaskGraphID string `json:"task_graph_id"`
	TaskCount   int    `json:"task_count"`
}

func (h *Handler) handleCreateTaskGraph(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxJSONBodySize)

	var req createTaskGraphRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	if err := validateCreateTaskGraphRequest(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	if req.TaskGraphID == "" {
		req.TaskGraphID = storage.NewTaskGraphID()
	}

	leaves := storage.NewStringSet()
	for _, t := range req.Tasks {
		if len(t.Dependents) == 0 {
			leaves.Add(t.TaskID)
		}
	}

	graph := &storage.TaskGraph{
		TaskGraphID:  req.TaskGraphID,
		RequiresLeft: leaves,
		Routing:      req.Routing,
		Scopes:       req.Scopes,
		Metadata:     req.Metadata,
		Tags:         req.Tags,
	}

	if err := h.store.CreateTaskGraph(r.Context(), graph); err != nil {
		if errors.Is(err, storage.ErrAlreadyExists) {
			http.Error(w, "task graph already exists", http.StatusConflict)
			return
		}
		h.logger.Error("create task graph", "task_graph_id", req.TaskGraphID, "error", err)
		http.Error(w, "Failed to create task graph", http.StatusInternalServerError)
		return
	}

	for _, t := range req.Tasks {
		task := &storage.Task{
			TaskGraphID: req.TaskGraphID,
			TaskID:      t.TaskID,
			RerunsLeft:  t.RerunsLeft,
			Requires:    storage.NewStringSet(t.Requires...),
			Dependents:  storage.NewStringSet(t.Dependents...),
		}
		if err := h.store.CreateTask(r.Context(), task); err != nil && !errors.Is(err, storage.ErrAlreadyExists) {
			h.logger.Error("create task", "task_graph_id", req.TaskGraphID, "task_id", t.TaskID, "error", err)
			http.Error(w, "Failed to create task "+t.TaskID, http.StatusInternalServerError)
			return
		}
	}

	h.logger.Info("created task graph", "task_graph_id", req.TaskGraphID, "task_count", len(req.Tasks))

	resp := createTaskGraphResponse{TaskGraphID: req.TaskGraphID, TaskCount: len(req.Tasks)}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		h.logger.Warn("encode response", "error", err)
	}
}

func validateCreateTaskGraphRequest(req *createTaskGraphRequest) error {
	if req.Routing == "" {
		return errors.New("routing is required")
	}
	if len(req.Tasks) == 0 {
		return errors.New("at least one task is required")
	}
	seen := make(map[string]struct{}, len(req.Tasks))
	for _, t := range req.Tasks {
		if t.TaskID == "" {
			return errors.New("every task requires a task_id")
		}
		if _, dup := seen[t.TaskID]; dup {
			return fmt.Errorf("duplicate task_id %q", t.TaskID)
		}
		seen[t.TaskID] = struct{}{}
		if t.RerunsLeft < 0 {
			return fmt.Errorf("task %q: reruns_left must be non-negative", t.TaskID)
		}
	}
	return nil
}
