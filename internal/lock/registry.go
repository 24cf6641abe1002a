// Package lock provides the process-wide mount lock table. It is the single
// source of truth for whether an image is currently mounted.
package lock

import (
	"context"
	"sync"
	"time"
)

// Registry hands out exclusive leases keyed by image ID.
type Registry struct {
	mu      sync.Mutex
	entries map[string]*entry
}

// entry is a 1-slot semaphore. Sending into sem acquires, receiving releases.
type entry struct {
	sem    chan struct{}
	refs   int
	holder string
	since  time.Time
}

// Lease is proof of ownership of one key.
type Lease struct {
	Key        string
	Owner      string
	AcquiredAt time.Time

	reg  *Registry
	once sync.Once
}

// Holding describes a currently held key.
type Holding struct {
	Key   string
	Owner string
	Since time.Time
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]*entry)}
}

// Acquire takes the lock for key, waiting up to wait for the current holder
// to release it. A non-positive wait makes it a try-lock.
// Returns *LockTimeoutError when the wait elapses, or ctx.Err() on cancellation.
func (r *Registry) Acquire(ctx context.Context, key, owner string, wait time.Duration) (*Lease, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	e := r.ref(key)

	select {
	case e.sem <- struct{}{}:
		return r.grant(e, key, owner), nil
	default:
	}

	if wait <= 0 {
		return nil, r.timeout(e, key, owner, wait)
	}

	timer := time.NewTimer(wait)
	defer timer.Stop()

	select {
	case e.sem <- struct{}{}:
		return r.grant(e, key, owner), nil
	case <-timer.C:
		return nil, r.timeout(e, key, owner, wait)
	case <-ctx.Done():
		r.unref(key)
		return nil, ctx.Err()
	}
}

// Holder returns the owner of key, or "" if it is free.
func (r *Registry) Holder(key string) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.entries[key]; ok {
		return e.holder
	}
	return ""
}

// Held lists the keys currently leased.
func (r *Registry) Held() []Holding {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Holding
	for k, e := range r.entries {
		if e.holder != "" {
			out = append(out, Holding{Key: k, Owner: e.holder, Since: e.since})
		}
	}
	return out
}

// Release gives the key back. Safe to call more than once.
func (l *Lease) Release() {
	if l == nil {
		return
	}
	l.once.Do(func() {
		l.reg.release(l.Key)
	})
}

func (r *Registry) ref(key string) *entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[key]
	if !ok {
		e = &entry{sem: make(chan struct{}, 1)}
		r.entries[key] = e
	}
	e.refs++
	return e
}

func (r *Registry) unref(key string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.dropLocked(key)
}

func (r *Registry) dropLocked(key string) {
	e, ok := r.entries[key]
	if !ok {
		return
	}
	e.refs--
	if e.refs <= 0 {
		delete(r.entries, key)
	}
}

func (r *Registry) grant(e *entry, key, owner string) *Lease {
	now := time.Now()
	r.mu.Lock()
	e.holder = owner
	e.since = now
	r.mu.Unlock()
	return &Lease{Key: key, Owner: owner, AcquiredAt: now, reg: r}
}

func (r *Registry) timeout(e *entry, key, owner string, wait time.Duration) error {
	r.mu.Lock()
	holder := e.holder
	r.dropLocked(key)
	r.mu.Unlock()
	return &LockTimeoutError{Key: key, Owner: owner, Holder: holder, Wait: wait}
}

func (r *Registry) release(key string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[key]
	if !ok {
		return
	}
	e.holder = ""
	e.since = time.Time{}
	<-e.sem
	r.dropLocked(key)
}
