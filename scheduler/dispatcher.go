package scheduler

import (
	"context"
	"fmt"
	"hash/fnv"
	"sync"
)

// dispatcherShards is the number of keyed-mutex shards the Dispatcher
// serializes events on. This is a process-local throughput optimization —
// it reduces redundant CAS retries when a burst of events targets the same
// graph — and never substitutes for the entity store's own CAS correctness
// guarantee.
const dispatcherShards = 64

// Dispatcher routes a decoded Event to the correct Progression handler,
// serializing events for the same task graph through a keyed mutex so
// concurrent deliveries for one graph don't all pay the CAS-retry tax
// against each other.
type Dispatcher struct {
	progression *Progression
	locks       [dispatcherShards]sync.Mutex
}

// NewDispatcher constructs a Dispatcher around the given progression engine.
func NewDispatcher(progression *Progression) *Dispatcher {
	return &Dispatcher{progression: progression}
}

// Dispatch routes evt to HandleSuccess, HandleHardFailure, or
// HandleSoftFailure depending on its Completed/Success fields, holding the
// shard lock for evt.TaskGraphID for the handler's duration.
func (d *Dispatcher) Dispatch(ctx context.Context, evt Event) error {
	shard := &d.locks[shardFor(evt.TaskGraphID)]
	shard.Lock()
	defer shard.Unlock()

	switch {
	case evt.Completed && evt.Success:
		return d.progression.HandleSuccess(ctx, evt)
	case evt.Completed && !evt.Success:
		return d.progression.HandleSoftFailure(ctx, evt)
	case !evt.Completed:
		return d.progression.HandleHardFailure(ctx, evt)
	default:
		return fmt.Errorf("unreachable event shape: %+v", evt)
	}
}

func shardFor(graphID string) uint32 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(graphID))
	return h.Sum32() % dispatcherShards
}
