//go:build integration

package storage

import (
	"context"
	"sync"
	"testing"

	"github.com/c360studio/semstreams/natsclient"
	"github.com/stretchr/testify/require"
)

// TestStore_ConcurrentModify_CASRetry exercises the real JetStream KV
// revision-gated Update path: two goroutines race to modify the same
// TaskGraph's RequiresLeft set, and both removals must land even though
// only one Update per revision can win.
func TestStore_ConcurrentModify_CASRetry(t *testing.T) {
	tc := natsclient.NewTestClient(t, natsclient.WithJetStream())
	ctx := context.Background()

	js, err := tc.Client.JetStream()
	require.NoError(t, err)

	store, err := NewStore(ctx, js)
	require.NoError(t, err)

	graphID := "integration-graph-1"
	require.NoError(t, store.CreateTaskGraph(ctx, &TaskGraph{
		TaskGraphID:  graphID,
		Routing:      "r1",
		RequiresLeft: NewStringSet("x", "y"),
	}))

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		_, err := store.ModifyTaskGraph(ctx, graphID, func(g *TaskGraph) {
			g.RequiresLeft.Remove("x")
			if g.RequiresLeft.Len() == 0 {
				g.State = GraphFinished
			}
		})
		require.NoError(t, err)
	}()
	go func() {
		defer wg.Done()
		_, err := store.ModifyTaskGraph(ctx, graphID, func(g *TaskGraph) {
			g.RequiresLeft.Remove("y")
			if g.RequiresLeft.Len() == 0 {
				g.State = GraphFinished
			}
		})
		require.NoError(t, err)
	}()
	wg.Wait()

	final, _, err := store.LoadTaskGraph(ctx, graphID)
	require.NoError(t, err)
	require.Equal(t, 0, final.RequiresLeft.Len())
	require.Equal(t, GraphFinished, final.State)
}
