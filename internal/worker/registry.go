package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

var (
	ErrTaskTerminated = errors.New("task terminated on the server")
	ErrAborted        = errors.New("task aborted")
)

type entry struct {
	cancel context.CancelCauseFunc
	syncID string
}

// Registry tracks the cancel functions of in-flight tasks. One registry is
// shared by the processors of a worker and by the abort handler.
type Registry struct {
	mu      sync.Mutex
	entries map[string]entry
}

func NewRegistry() *Registry {
	return &Registry{entries: map[string]entry{}}
}

// Add registers a task. syncID may be empty.
func (r *Registry) Add(taskID, syncID string, cancel context.CancelCauseFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[taskID] = entry{cancel: cancel, syncID: syncID}
}

func (r *Registry) Remove(taskID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.entries, taskID)
}

func (r *Registry) IDs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]string, 0, len(r.entries))
	for id := range r.entries {
		ids = append(ids, id)
	}
	return ids
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// Cancel cancels the context of taskID and forgets it.
func (r *Registry) Cancel(taskID string, cause error) bool {
	r.mu.Lock()
	e, ok := r.entries[taskID]
	delete(r.entries, taskID)
	r.mu.Unlock()
	if ok {
		e.cancel(cause)
	}
	return ok
}

// CancelBySyncID cancels every in-flight task running syncID.
func (r *Registry) CancelBySyncID(_ context.Context, syncID string) error {
	r.mu.Lock()
	var cancels []context.CancelCauseFunc
	for id, e := range r.entries {
		if e.syncID == syncID && syncID != "" {
			cancels = append(cancels, e.cancel)
			delete(r.entries, id)
		}
	}
	r.mu.Unlock()

	if len(cancels) == 0 {
		return fmt.Errorf("no running task for sync %s", syncID)
	}
	for _, cancel := range cancels {
		cancel(ErrAborted)
	}
	return nil
}
