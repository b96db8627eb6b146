package scheduler

import (
	"context"
	"sync"

	"github.com/c360studio/taskgraphsched/storage"
)

// fakeGraphStore and fakeTaskStore are in-memory stand-ins for
// storage.Store's narrow interfaces, implementing the same CAS-retry
// contract (mutate-and-commit) without talking to NATS, so the progression
// engine's logic can be exercised without the JetStream test harness.
type fakeGraphStore struct {
	mu     sync.Mutex
	graphs map[string]*storage.TaskGraph
}

func newFakeGraphStore() *fakeGraphStore {
	return &fakeGraphStore{graphs: make(map[string]*storage.TaskGraph)}
}

func (f *fakeGraphStore) put(g *storage.TaskGraph) {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *g
	f.graphs[g.TaskGraphID] = &cp
}

func (f *fakeGraphStore) LoadTaskGraph(_ context.Context, id string) (*storage.TaskGraph, uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	g, ok := f.graphs[id]
	if !ok {
		return nil, 0, storage.ErrNotFound
	}
	cp := *g
	return &cp, 1, nil
}

func (f *fakeGraphStore) ModifyTaskGraph(_ context.Context, id string, mutate func(*storage.TaskGraph)) (*storage.TaskGraph, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	g, ok := f.graphs[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	cp := *g
	mutate(&cp)
	f.graphs[id] = &cp
	out := cp
	return &out, nil
}

type fakeTaskStore struct {
	mu    sync.Mutex
	tasks map[storage.TaskKey]*storage.Task
}

func newFakeTaskStore() *fakeTaskStore {
	return &fakeTaskStore{tasks: make(map[storage.TaskKey]*storage.Task)}
}

func (f *fakeTaskStore) put(t *storage.Task) {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *t
	f.tasks[storage.TaskKey{TaskGraphID: t.TaskGraphID, TaskID: t.TaskID}] = &cp
}

func (f *fakeTaskStore) LoadTask(_ context.Context, key storage.TaskKey) (*storage.Task, uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.tasks[key]
	if !ok {
		return nil, 0, storage.ErrNotFound
	}
	cp := *t
	return &cp, 1, nil
}

func (f *fakeTaskStore) ModifyTask(_ context.Context, key storage.TaskKey, mutate func(*storage.Task)) (*storage.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.tasks[key]
	if !ok {
		return nil, storage.ErrNotFound
	}
	cp := *t
	mutate(&cp)
	f.tasks[key] = &cp
	out := cp
	return &out, nil
}

// fakeQueue records RerunTask/ScheduleTask invocations.
type fakeQueue struct {
	mu       sync.Mutex
	reruns   []string
	scheduled []string
}

func (f *fakeQueue) RerunTask(_ context.Context, _, taskID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reruns = append(f.reruns, taskID)
	return nil
}

func (f *fakeQueue) ScheduleTask(_ context.Context, _, taskID string, _ TaskDefinition) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.scheduled = append(f.scheduled, taskID)
	return nil
}

func (f *fakeQueue) rerunCalls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.reruns...)
}

func (f *fakeQueue) scheduleCalls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.scheduled...)
}

// fakePublisher records PublishBlocked/PublishFinished invocations.
type fakePublisher struct {
	mu       sync.Mutex
	blocked  []GraphStatus
	finished []GraphStatus
}

func (f *fakePublisher) PublishBlocked(_ context.Context, status GraphStatus, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.blocked = append(f.blocked, status)
	return nil
}

func (f *fakePublisher) PublishFinished(_ context.Context, status GraphStatus) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.finished = append(f.finished, status)
	return nil
}

func (f *fakePublisher) blockedCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.blocked)
}

func (f *fakePublisher) finishedCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.finished)
}
