package monitor

import (
	"context"
	"sync"
)

type entry struct {
	cancel context.CancelFunc
}

// Registry tracks running monitors by session id so a session is never
// followed twice.
type Registry struct {
	mu     sync.RWMutex
	active map[string]*entry
	wg     sync.WaitGroup
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{active: make(map[string]*entry)}
}

// Start runs fn in a goroutine under id. It returns false, and does not run
// fn, when a monitor for id is already active. fn must return once its
// context is cancelled.
func (r *Registry) Start(parent context.Context, id string, fn func(ctx context.Context)) bool {
	r.mu.Lock()
	if _, ok := r.active[id]; ok {
		r.mu.Unlock()
		return false
	}
	ctx, cancel := context.WithCancel(parent)
	e := &entry{cancel: cancel}
	r.active[id] = e
	r.wg.Add(1)
	r.mu.Unlock()

	go func() {
		defer r.wg.Done()
		defer func() {
			r.mu.Lock()
			if r.active[id] == e {
				delete(r.active, id)
			}
			r.mu.Unlock()
			cancel()
		}()
		fn(ctx)
	}()
	return true
}

// Stop cancels the monitor for id. It returns false when none is active.
func (r *Registry) Stop(id string) bool {
	r.mu.Lock()
	e, ok := r.active[id]
	if ok {
		delete(r.active, id)
	}
	r.mu.Unlock()
	if ok {
		e.cancel()
	}
	return ok
}

// IsActive reports whether a monitor for id is running.
func (r *Registry) IsActive(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.active[id]
	return ok
}

// Wait blocks until every started monitor has returned.
func (r *Registry) Wait() {
	r.wg.Wait()
}
