package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360studio/taskgraphsched/storage"
)

func newTestProgression(graphs *fakeGraphStore, tasks *fakeTaskStore, queue *fakeQueue, pub *fakePublisher) *Progression {
	return NewProgression(graphs, tasks, queue, pub, slog.Default(), nil)
}

// scenario 1: linear chain finishes.
func TestProgression_LinearChainFinishes(t *testing.T) {
	ctx := context.Background()
	graphs := newFakeGraphStore()
	tasks := newFakeTaskStore()
	queue := &fakeQueue{}
	pub := &fakePublisher{}
	p := newTestProgression(graphs, tasks, queue, pub)

	graphs.put(&storage.TaskGraph{
		TaskGraphID:  "g1",
		State:        storage.GraphRunning,
		RequiresLeft: storage.NewStringSet("b"),
		Routing:      "sub.g1",
	})
	tasks.put(&storage.Task{TaskGraphID: "g1", TaskID: "a", Dependents: storage.NewStringSet("b")})
	tasks.put(&storage.Task{TaskGraphID: "g1", TaskID: "b", Requires: storage.NewStringSet("a")})

	require.NoError(t, p.HandleSuccess(ctx, Event{TaskGraphID: "g1", TaskID: "a", Completed: true, Success: true}))
	assert.Equal(t, []string{"b"}, queue.scheduleCalls())
	assert.Equal(t, 0, pub.finishedCount())
	g, _, err := graphs.LoadTaskGraph(ctx, "g1")
	require.NoError(t, err)
	assert.Equal(t, storage.GraphRunning, g.State)

	bKey := storage.TaskKey{TaskGraphID: "g1", TaskID: "b"}
	_, err = tasks.ModifyTask(ctx, bKey, func(tk *storage.Task) {
		tk.Resolution = &storage.Resolution{Completed: true, Success: true}
	})
	require.NoError(t, err)

	require.NoError(t, p.HandleSuccess(ctx, Event{TaskGraphID: "g1", TaskID: "b", Completed: true, Success: true}))
	assert.Equal(t, 1, pub.finishedCount())
	g, _, err = graphs.LoadTaskGraph(ctx, "g1")
	require.NoError(t, err)
	assert.Equal(t, storage.GraphFinished, g.State)
	assert.Equal(t, 0, g.RequiresLeft.Len())
	assert.Equal(t, "sub.g1", pub.finished[0].Routing)
}

// scenario 2: rerun budget consumed then blocks.
func TestProgression_RerunBudgetConsumedThenBlocks(t *testing.T) {
	ctx := context.Background()
	graphs := newFakeGraphStore()
	tasks := newFakeTaskStore()
	queue := &fakeQueue{}
	pub := &fakePublisher{}
	p := newTestProgression(graphs, tasks, queue, pub)

	graphs.put(&storage.TaskGraph{TaskGraphID: "g1", State: storage.GraphRunning, RequiresLeft: storage.NewStringSet("t")})
	tasks.put(&storage.Task{TaskGraphID: "g1", TaskID: "t", RerunsLeft: 2})

	evt := Event{TaskGraphID: "g1", TaskID: "t", Completed: true, Success: false}

	require.NoError(t, p.HandleSoftFailure(ctx, evt))
	tk, _, _ := tasks.LoadTask(ctx, storage.TaskKey{TaskGraphID: "g1", TaskID: "t"})
	assert.Equal(t, 1, tk.RerunsLeft)
	assert.Equal(t, []string{"t"}, queue.rerunCalls())
	assert.Equal(t, 0, pub.blockedCount())

	require.NoError(t, p.HandleSoftFailure(ctx, evt))
	tk, _, _ = tasks.LoadTask(ctx, storage.TaskKey{TaskGraphID: "g1", TaskID: "t"})
	assert.Equal(t, 0, tk.RerunsLeft)
	assert.Equal(t, []string{"t", "t"}, queue.rerunCalls())
	assert.Equal(t, 0, pub.blockedCount())

	require.NoError(t, p.HandleSoftFailure(ctx, evt))
	tk, _, _ = tasks.LoadTask(ctx, storage.TaskKey{TaskGraphID: "g1", TaskID: "t"})
	assert.Equal(t, 0, tk.RerunsLeft)
	require.NotNil(t, tk.Resolution)
	assert.True(t, tk.Resolution.Completed)
	assert.False(t, tk.Resolution.Success)
	assert.Equal(t, []string{"t", "t"}, queue.rerunCalls(), "no further rerun once budget is exhausted")
	assert.Equal(t, 1, pub.blockedCount())

	g, _, _ := graphs.LoadTaskGraph(ctx, "g1")
	assert.Equal(t, storage.GraphBlocked, g.State)
	assert.Equal(t, "t", g.BlockedBy)
}

// scenario 3: hard failure bypasses rerun.
func TestProgression_HardFailureBypassesRerun(t *testing.T) {
	ctx := context.Background()
	graphs := newFakeGraphStore()
	tasks := newFakeTaskStore()
	queue := &fakeQueue{}
	pub := &fakePublisher{}
	p := newTestProgression(graphs, tasks, queue, pub)

	graphs.put(&storage.TaskGraph{TaskGraphID: "g1", State: storage.GraphRunning, RequiresLeft: storage.NewStringSet("t")})
	tasks.put(&storage.Task{TaskGraphID: "g1", TaskID: "t", RerunsLeft: 5})

	require.NoError(t, p.HandleHardFailure(ctx, Event{TaskGraphID: "g1", TaskID: "t", Completed: false}))

	tk, _, _ := tasks.LoadTask(ctx, storage.TaskKey{TaskGraphID: "g1", TaskID: "t"})
	assert.Equal(t, 5, tk.RerunsLeft)
	require.NotNil(t, tk.Resolution)
	assert.False(t, tk.Resolution.Completed)
	assert.False(t, tk.Resolution.Success)
	assert.Empty(t, queue.rerunCalls())

	g, _, _ := graphs.LoadTaskGraph(ctx, "g1")
	assert.Equal(t, storage.GraphBlocked, g.State)
	assert.Equal(t, 1, pub.blockedCount())
}

// scenario 4: duplicate delivery of completion.
func TestProgression_DuplicateCompletionIsIdempotent(t *testing.T) {
	ctx := context.Background()
	graphs := newFakeGraphStore()
	tasks := newFakeTaskStore()
	queue := &fakeQueue{}
	pub := &fakePublisher{}
	p := newTestProgression(graphs, tasks, queue, pub)

	graphs.put(&storage.TaskGraph{TaskGraphID: "g1", State: storage.GraphRunning, RequiresLeft: storage.NewStringSet("b")})
	tasks.put(&storage.Task{TaskGraphID: "g1", TaskID: "a", Dependents: storage.NewStringSet("b")})
	tasks.put(&storage.Task{TaskGraphID: "g1", TaskID: "b", Requires: storage.NewStringSet("a")})

	evt := Event{TaskGraphID: "g1", TaskID: "a", Completed: true, Success: true}
	require.NoError(t, p.HandleSuccess(ctx, evt))
	require.NoError(t, p.HandleSuccess(ctx, evt))

	assert.Equal(t, []string{"b", "b"}, queue.scheduleCalls(), "dependent scheduling is attempted twice, safe by idempotent queue RPC")
	g, _, _ := graphs.LoadTaskGraph(ctx, "g1")
	assert.Equal(t, storage.GraphRunning, g.State)
	assert.Equal(t, 0, pub.finishedCount())
	assert.Equal(t, 0, pub.blockedCount())
}

// scenario 5: concurrent completion of last two leaves.
func TestProgression_ConcurrentCompletionOfLastTwoLeaves(t *testing.T) {
	ctx := context.Background()
	graphs := newFakeGraphStore()
	tasks := newFakeTaskStore()
	queue := &fakeQueue{}
	pub := &fakePublisher{}
	p := newTestProgression(graphs, tasks, queue, pub)

	graphs.put(&storage.TaskGraph{TaskGraphID: "g1", State: storage.GraphRunning, RequiresLeft: storage.NewStringSet("x", "y")})
	tasks.put(&storage.Task{TaskGraphID: "g1", TaskID: "x"})
	tasks.put(&storage.Task{TaskGraphID: "g1", TaskID: "y"})

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		_ = p.HandleSuccess(ctx, Event{TaskGraphID: "g1", TaskID: "x", Completed: true, Success: true})
	}()
	go func() {
		defer wg.Done()
		_ = p.HandleSuccess(ctx, Event{TaskGraphID: "g1", TaskID: "y", Completed: true, Success: true})
	}()
	wg.Wait()

	g, _, err := graphs.LoadTaskGraph(ctx, "g1")
	require.NoError(t, err)
	assert.Equal(t, 0, g.RequiresLeft.Len())
	assert.Equal(t, storage.GraphFinished, g.State)
	assert.Equal(t, 1, pub.finishedCount())
}

// scenario 6: already-blocked graph ignores further failures.
func TestProgression_AlreadyBlockedGraphIgnoresFurtherFailures(t *testing.T) {
	ctx := context.Background()
	graphs := newFakeGraphStore()
	tasks := newFakeTaskStore()
	queue := &fakeQueue{}
	pub := &fakePublisher{}
	p := newTestProgression(graphs, tasks, queue, pub)

	graphs.put(&storage.TaskGraph{TaskGraphID: "g1", State: storage.GraphBlocked, BlockedBy: "p", RequiresLeft: storage.NewStringSet("q")})
	tasks.put(&storage.Task{TaskGraphID: "g1", TaskID: "q", RerunsLeft: 3})

	require.NoError(t, p.HandleHardFailure(ctx, Event{TaskGraphID: "g1", TaskID: "q", Completed: false}))

	tk, _, _ := tasks.LoadTask(ctx, storage.TaskKey{TaskGraphID: "g1", TaskID: "q"})
	require.NotNil(t, tk.Resolution)

	g, _, _ := graphs.LoadTaskGraph(ctx, "g1")
	assert.Equal(t, storage.GraphBlocked, g.State)
	assert.Equal(t, "p", g.BlockedBy, "blockGraph is a no-op when the graph wasn't running")
	assert.Equal(t, 0, pub.blockedCount())
}
