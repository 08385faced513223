// Package locks provides named mutual-exclusion locks shared across
// concurrent request-handling goroutines. A lock is created on first
// reference and dropped from the registry once no holder or waiter remains,
// so the registry never grows without bound.
package locks

import (
	"sync"
)

// Registry maps resource names to reference-counted locks.
type Registry struct {
	mu    sync.Mutex
	locks map[string]*entry
}

type entry struct {
	mu   sync.Mutex
	refs int
}

// Lock is a held named lock. Release it exactly once.
type Lock struct {
	registry *Registry
	name     string
	entry    *entry
	released bool
}

// NewRegistry creates an empty lock registry.
func NewRegistry() *Registry {
	return &Registry{
		locks: make(map[string]*entry),
	}
}

// Acquire blocks until the lock named name is held by the caller. Locks for
// different names are independent; operations under the same name serialize.
func (r *Registry) Acquire(name string) *Lock {
	r.mu.Lock()
	e, ok := r.locks[name]
	if !ok {
		e = &entry{}
		r.locks[name] = e
	}
	e.refs++
	r.mu.Unlock()

	e.mu.Lock()
	return &Lock{registry: r, name: name, entry: e}
}

// Release unlocks the named lock and drops the registry entry when no other
// caller holds or awaits it. Releasing twice panics, same as sync.Mutex.
func (l *Lock) Release() {
	if l.released {
		panic("locks: lock released twice: " + l.name)
	}
	l.released = true
	l.entry.mu.Unlock()

	r := l.registry
	r.mu.Lock()
	l.entry.refs--
	if l.entry.refs == 0 {
		delete(r.locks, l.name)
	}
	r.mu.Unlock()
}

// Len reports the number of live entries. Exposed for tests and status.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.locks)
}
