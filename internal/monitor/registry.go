package monitor

import (
	"context"
	"sort"
	"sync"
)

// taskRegistry tracks the active polling task per position. It is owned by the
// Monitor rather than being a package-level singleton, and is safe for
// concurrent use.
type taskRegistry struct {
	mu    sync.Mutex
	tasks map[string]context.CancelFunc
}

func newTaskRegistry() *taskRegistry {
	return &taskRegistry{tasks: make(map[string]context.CancelFunc)}
}

// add registers a task's cancel func. It reports false when the position
// already has an active task, making duplicate starts a no-op.
func (r *taskRegistry) add(id string, cancel context.CancelFunc) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.tasks[id]; ok {
		return false
	}
	r.tasks[id] = cancel
	return true
}

// drop cancels and removes the task for a position. It reports whether a task
// was actually registered, so repeated stops stay idempotent.
func (r *taskRegistry) drop(id string) bool {
	r.mu.Lock()
	cancel, ok := r.tasks[id]
	delete(r.tasks, id)
	r.mu.Unlock()
	if ok {
		cancel()
	}
	return ok
}

// dropAll cancels and removes every task.
func (r *taskRegistry) dropAll() {
	r.mu.Lock()
	cancels := make([]context.CancelFunc, 0, len(r.tasks))
	for id, cancel := range r.tasks {
		cancels = append(cancels, cancel)
		delete(r.tasks, id)
	}
	r.mu.Unlock()
	for _, cancel := range cancels {
		cancel()
	}
}

// active returns the monitored position ids in sorted order.
func (r *taskRegistry) active() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]string, 0, len(r.tasks))
	for id := range r.tasks {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
