// Package waiter implements the Waiter Registry (component B): a
// mapping from process id to a set of pending wait-for-exit
// continuations, resolved idempotently and exactly once per id, with
// the resulting code cached so later waiters return immediately.
package waiter

import (
	"context"
	"sync"

	"github.com/hyperbox/sandboxd/pkg/types"
)

type registration struct {
	resolved bool
	status   types.ExitStatus
	pending  map[int]chan types.ExitStatus
	nextID   int
}

// Registry holds pending and resolved waits, keyed by process id.
type Registry struct {
	mu  sync.Mutex
	ids map[string]*registration
}

// New creates an empty Registry.
func New() *Registry {
	return &Registry{ids: make(map[string]*registration)}
}

func (r *Registry) entry(id string) *registration {
	reg, ok := r.ids[id]
	if !ok {
		reg = &registration{pending: make(map[int]chan types.ExitStatus)}
		r.ids[id] = reg
	}
	return reg
}

// Wait blocks until id resolves (or ctx is cancelled) and returns its
// ExitStatus. If id already resolved, Wait returns immediately with the
// cached code. Cancelling ctx removes this specific waiter without
// disturbing any other pending waiter for the same id.
func (r *Registry) Wait(ctx context.Context, id string) (types.ExitStatus, error) {
	r.mu.Lock()
	reg := r.entry(id)
	if reg.resolved {
		status := reg.status
		r.mu.Unlock()
		return status, nil
	}

	token := reg.nextID
	reg.nextID++
	ch := make(chan types.ExitStatus, 1)
	reg.pending[token] = ch
	r.mu.Unlock()

	select {
	case status := <-ch:
		return status, nil
	case <-ctx.Done():
		r.mu.Lock()
		delete(reg.pending, token)
		r.mu.Unlock()
		return types.ExitStatus{}, ctx.Err()
	}
}

// Resolve completes id with status, waking every waiter currently
// pending on it with the same status and caching the code for later
// callers. Resolve is idempotent: a second call for an already-resolved
// id is a no-op, so at-most-once exit delivery (enforced upstream by
// the exit monitor) is never double-applied here either.
func (r *Registry) Resolve(id string, status types.ExitStatus) {
	r.mu.Lock()
	defer r.mu.Unlock()

	reg := r.entry(id)
	if reg.resolved {
		return
	}
	reg.resolved = true
	reg.status = status
	for _, ch := range reg.pending {
		ch <- status
	}
	reg.pending = nil
}

// Forget drops all bookkeeping for id, including its cached code. Used
// once a process id can never be waited on again (e.g. the container
// bundle itself is being deleted).
func (r *Registry) Forget(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.ids, id)
}
