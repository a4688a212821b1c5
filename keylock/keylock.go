// This package provides advisory locks keyed by opaque strings. Relationship
// mutations lock the canonicalized client-id pair (see ids.PairKey), delivery
// state changes lock the message id and attachment bookkeeping locks a
// per-client key. Entries are dropped again once the last waiter releases
// them, so the registry stays proportional to the number of in-flight
// operations.
package keylock

import "sync"

type entry struct {
	mutex    sync.Mutex
	refcount int
}

type Registry struct {
	lock    sync.Mutex
	entries map[string]*entry
}

func NewRegistry() *Registry {
	return &Registry{
		entries: make(map[string]*entry),
	}
}

// Do runs fn while holding the advisory lock for key. The lock is not
// re-entrant; a caller must not acquire a key it already holds.
func (r *Registry) Do(key string, fn func() error) error {
	e := r.acquire(key)
	e.mutex.Lock()
	defer func() {
		e.mutex.Unlock()
		r.release(key, e)
	}()
	return fn()
}

func (r *Registry) acquire(key string) *entry {
	r.lock.Lock()
	defer r.lock.Unlock()
	e, ok := r.entries[key]
	if !ok {
		e = &entry{}
		r.entries[key] = e
	}
	e.refcount++
	return e
}

func (r *Registry) release(key string, e *entry) {
	r.lock.Lock()
	defer r.lock.Unlock()
	e.refcount--
	if e.refcount == 0 {
		delete(r.entries, key)
	}
}

// Size reports the number of keys currently held or waited on.
func (r *Registry) Size() int {
	r.lock.Lock()
	defer r.lock.Unlock()
	return len(r.entries)
}
