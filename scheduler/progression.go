package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/c360studio/taskgraphsched/storage"
)

// graphStore is the narrow slice of storage.Store the progression engine
// needs for TaskGraph entities. *storage.Store satisfies it directly.
type graphStore interface {
	LoadTaskGraph(ctx context.Context, id string) (*storage.TaskGraph, uint64, error)
	ModifyTaskGraph(ctx context.Context, id string, mutate func(*storage.TaskGraph)) (*storage.TaskGraph, error)
}

// taskStore is the narrow slice of storage.Store the progression engine
// needs for Task entities. *storage.Store satisfies it directly.
type taskStore interface {
	LoadTask(ctx context.Context, key storage.TaskKey) (*storage.Task, uint64, error)
	ModifyTask(ctx context.Context, key storage.TaskKey, mutate func(*storage.Task)) (*storage.Task, error)
}

// Progression is the graph progression engine: the state machine that reacts
// to task completion/failure events, decides rerun-vs-block, detects graph
// finish, and triggers exactly the publications the lifecycle allows.
// It never touches the broker directly — Ingress decodes events into it,
// ExecutionQueue and Publisher are its only outbound collaborators.
type Progression struct {
	graphs    graphStore
	tasks     taskStore
	queue     ExecutionQueue
	publisher Publisher
	logger    *slog.Logger
	metrics   *Metrics
}

// NewProgression constructs a Progression engine. logger and metrics may be
// nil; a nil logger falls back to slog.Default(), a nil metrics is a no-op.
func NewProgression(graphs graphStore, tasks taskStore, queue ExecutionQueue, publisher Publisher, logger *slog.Logger, metrics *Metrics) *Progression {
	if logger == nil {
		logger = slog.Default()
	}
	return &Progression{
		graphs:    graphs,
		tasks:     tasks,
		queue:     queue,
		publisher: publisher,
		logger:    logger,
		metrics:   metrics,
	}
}

// HandleSuccess processes a task-completed event with success=true. It
// records the resolution exactly once, then either schedules
// newly-unblocked dependents or, for a leaf task, checks whether the graph
// has finished.
func (p *Progression) HandleSuccess(ctx context.Context, evt Event) error {
	start := time.Now()
	ctx, span := startHandlerSpan(ctx, "HandleSuccess", evt.TaskGraphID, evt.TaskID)
	defer span.End()
	p.metrics.observeEvent("success")

	key := storage.TaskKey{TaskGraphID: evt.TaskGraphID, TaskID: evt.TaskID}
	task, err := p.tasks.ModifyTask(ctx, key, func(t *storage.Task) {
		if t.Resolution != nil {
			return
		}
		t.Resolution = &storage.Resolution{
			Completed:  true,
			Success:    true,
			ResultURL:  evt.ResultURL,
			LogsURL:    evt.LogsURL,
			ObservedAt: evt.observedAt(),
		}
	})
	if err != nil {
		p.metrics.observeError("success")
		p.metrics.observeHandlerDuration("HandleSuccess", time.Since(start).Seconds())
		return fmt.Errorf("record success for task %s/%s: %w", evt.TaskGraphID, evt.TaskID, err)
	}

	var handleErr error
	if task.Dependents.Len() > 0 {
		handleErr = p.scheduleDependents(ctx, evt.TaskGraphID, task)
	} else {
		handleErr = p.finishCheck(ctx, evt.TaskGraphID, evt.TaskID)
	}
	if handleErr != nil {
		p.metrics.observeError("success")
	}
	p.metrics.observeHandlerDuration("HandleSuccess", time.Since(start).Seconds())
	return handleErr
}

// HandleHardFailure processes a task-failed event: the upstream executor
// has already exhausted its own retries, so the core never reruns — it
// records a terminal failed resolution and blocks the graph
// unconditionally.
func (p *Progression) HandleHardFailure(ctx context.Context, evt Event) error {
	start := time.Now()
	ctx, span := startHandlerSpan(ctx, "HandleHardFailure", evt.TaskGraphID, evt.TaskID)
	defer span.End()
	p.metrics.observeEvent("hard_failure")

	key := storage.TaskKey{TaskGraphID: evt.TaskGraphID, TaskID: evt.TaskID}
	_, err := p.tasks.ModifyTask(ctx, key, func(t *storage.Task) {
		if t.Resolution != nil {
			return
		}
		t.Resolution = &storage.Resolution{
			Completed:  false,
			Success:    false,
			ObservedAt: evt.observedAt(),
		}
		t.LastError = "hard failure: executor retries exhausted"
	})
	if err != nil {
		p.metrics.observeError("hard_failure")
		p.metrics.observeHandlerDuration("HandleHardFailure", time.Since(start).Seconds())
		return fmt.Errorf("record hard failure for task %s/%s: %w", evt.TaskGraphID, evt.TaskID, err)
	}

	blockErr := p.blockGraph(ctx, evt.TaskGraphID, evt.TaskID)
	if blockErr != nil {
		p.metrics.observeError("hard_failure")
	}
	p.metrics.observeHandlerDuration("HandleHardFailure", time.Since(start).Seconds())
	return blockErr
}

// HandleSoftFailure processes a task-completed event with success=false: a
// soft failure consumes one unit of rerun budget. While budget remains the
// task is resubmitted to the execution queue unchanged; once exhausted the
// failure becomes terminal and the graph blocks.
func (p *Progression) HandleSoftFailure(ctx context.Context, evt Event) error {
	start := time.Now()
	ctx, span := startHandlerSpan(ctx, "HandleSoftFailure", evt.TaskGraphID, evt.TaskID)
	defer span.End()
	p.metrics.observeEvent("soft_failure")

	key := storage.TaskKey{TaskGraphID: evt.TaskGraphID, TaskID: evt.TaskID}
	var hasRerun bool
	task, err := p.tasks.ModifyTask(ctx, key, func(t *storage.Task) {
		hasRerun = false
		if t.Resolution != nil {
			return
		}
		if t.RerunsLeft > 0 {
			t.RerunsLeft--
			t.LastError = "soft failure, rerun scheduled"
			hasRerun = true
			return
		}
		t.Resolution = &storage.Resolution{
			Completed:  true,
			Success:    false,
			ObservedAt: evt.observedAt(),
		}
		t.LastError = "soft failure, rerun budget exhausted"
	})
	if err != nil {
		p.metrics.observeError("soft_failure")
		p.metrics.observeHandlerDuration("HandleSoftFailure", time.Since(start).Seconds())
		return fmt.Errorf("record soft failure for task %s/%s: %w", evt.TaskGraphID, evt.TaskID, err)
	}
	_ = task

	var handleErr error
	if hasRerun {
		handleErr = p.queue.RerunTask(ctx, evt.TaskGraphID, evt.TaskID)
		if handleErr != nil {
			handleErr = fmt.Errorf("rerun task %s/%s: %w", evt.TaskGraphID, evt.TaskID, handleErr)
		}
	} else {
		handleErr = p.blockGraph(ctx, evt.TaskGraphID, evt.TaskID)
	}
	if handleErr != nil {
		p.metrics.observeError("soft_failure")
	}
	p.metrics.observeHandlerDuration("HandleSoftFailure", time.Since(start).Seconds())
	return handleErr
}

// scheduleDependents loads each dependent of t and, for every one whose
// entire Requires set has now succeeded, submits it to the execution queue.
// Dependents with still-unsatisfied requirements are left untouched; they
// will be re-evaluated the next time one of their other requirements
// completes.
func (p *Progression) scheduleDependents(ctx context.Context, graphID string, t *storage.Task) error {
	for _, depID := range t.Dependents.Slice() {
		depKey := storage.TaskKey{TaskGraphID: graphID, TaskID: depID}
		dep, _, err := p.tasks.LoadTask(ctx, depKey)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				p.logger.WarnContext(ctx, "dependent task missing, skipping",
					"graph_id", graphID, "task_id", depID)
				continue
			}
			return fmt.Errorf("load dependent task %s/%s: %w", graphID, depID, err)
		}

		ready, err := p.allRequiresSucceeded(ctx, graphID, dep)
		if err != nil {
			return err
		}
		if !ready {
			continue
		}

		def := TaskDefinition{TaskGraphID: graphID, TaskID: dep.TaskID}
		if err := p.queue.ScheduleTask(ctx, graphID, dep.TaskID, def); err != nil {
			return fmt.Errorf("schedule dependent task %s/%s: %w", graphID, dep.TaskID, err)
		}
	}
	return nil
}

// allRequiresSucceeded reports whether every task dep.Requires has recorded
// a successful resolution.
func (p *Progression) allRequiresSucceeded(ctx context.Context, graphID string, dep *storage.Task) (bool, error) {
	for _, reqID := range dep.Requires.Slice() {
		reqKey := storage.TaskKey{TaskGraphID: graphID, TaskID: reqID}
		req, _, err := p.tasks.LoadTask(ctx, reqKey)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				return false, nil
			}
			return false, fmt.Errorf("load required task %s/%s: %w", graphID, reqID, err)
		}
		if req.Resolution == nil || !req.Resolution.Success {
			return false, nil
		}
	}
	return true, nil
}

// finishCheck removes taskID from the graph's outstanding leaf set and, if
// that empties the set, transitions the graph to Finished and publishes
// taskGraphFinished exactly once. The publish happens after Modify commits,
// using the committed graph snapshot, never inside the mutator — mutators
// must stay pure and side-effect free so CAS retries can safely replay
// them.
func (p *Progression) finishCheck(ctx context.Context, graphID, taskID string) error {
	var finishedNow bool
	g, err := p.graphs.ModifyTaskGraph(ctx, graphID, func(g *storage.TaskGraph) {
		finishedNow = false
		if !g.RequiresLeft.Has(taskID) {
			return
		}
		g.RequiresLeft.Remove(taskID)
		if g.RequiresLeft.Len() == 0 && g.State != storage.GraphFinished {
			g.State = storage.GraphFinished
			finishedNow = true
		}
	})
	if err != nil {
		return fmt.Errorf("finish-check graph %s: %w", graphID, err)
	}

	if !finishedNow {
		return nil
	}
	if g.State != storage.GraphFinished || g.RequiresLeft.Len() != 0 {
		return precondition("graph %s marked finished with state %s and %d requirements still outstanding", graphID, g.State, g.RequiresLeft.Len())
	}
	if err := p.publisher.PublishFinished(ctx, statusOf(g)); err != nil {
		return fmt.Errorf("publish finished for graph %s: %w", graphID, err)
	}
	p.metrics.observePublished("finished")
	return nil
}

// blockGraph transitions a running graph to Blocked and publishes
// taskGraphBlocked exactly once per transition. Calling it against an
// already-blocked or already-finished graph is a no-op: this is what makes
// duplicate hard-failure/exhausted-rerun deliveries safe.
func (p *Progression) blockGraph(ctx context.Context, graphID, blockingTaskID string) error {
	var wasRunning bool
	g, err := p.graphs.ModifyTaskGraph(ctx, graphID, func(g *storage.TaskGraph) {
		wasRunning = g.State == storage.GraphRunning
		if !wasRunning {
			return
		}
		g.State = storage.GraphBlocked
		g.BlockedBy = blockingTaskID
	})
	if err != nil {
		return fmt.Errorf("block graph %s: %w", graphID, err)
	}

	if !wasRunning {
		return nil
	}
	if g.State != storage.GraphBlocked || g.BlockedBy == "" {
		return precondition("graph %s marked blocked with state %s and blocked_by %q", graphID, g.State, g.BlockedBy)
	}
	if err := p.publisher.PublishBlocked(ctx, statusOf(g), blockingTaskID); err != nil {
		return fmt.Errorf("publish blocked for graph %s: %w", graphID, err)
	}
	p.metrics.observePublished("blocked")
	return nil
}

// statusOf projects a committed TaskGraph into the GraphStatus snapshot
// carried by outbound lifecycle events.
func statusOf(g *storage.TaskGraph) GraphStatus {
	return GraphStatus{
		TaskGraphID: g.TaskGraphID,
		State:       string(g.State),
		Routing:     g.Routing,
		Metadata:    g.Metadata,
	}
}

// observedAt returns the event's observation timestamp. Completion events
// carry no wall-clock field of their own in the wire shape, so the
// handler stamps the moment it processed the event rather than inventing a
// synthetic upstream timestamp.
func (e Event) observedAt() time.Time {
	return time.Now().UTC()
}
