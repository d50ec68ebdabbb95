// Package mutexregistry implements C2, the Mutex Registry: fair,
// one-holder-at-a-time critical sections keyed by an arbitrary id (server id
// or deployment id). A lock is allocated on first use, reference-counted,
// and reclaimed once usage drops back to zero so a churning fleet of agents
// never leaks lock objects.
//
// It is grounded on the teacher's agentmanager.Manager (mutex-guarded map,
// keyed registry, RWMutex for the fast read path) generalized from a single
// flat map of connections into a reference-counted map of *sync.Mutex.
package mutexregistry

import (
	"context"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// entry is one keyed lock slot. refCount tracks how many goroutines are
// currently either holding or waiting for mu; the registry reclaims the slot
// when it drops to zero.
type entry struct {
	mu       sync.Mutex
	refCount int
}

// Registry is a reference-counted map of named mutexes. The zero value is
// not usable — create instances with New.
type Registry struct {
	mu      sync.Mutex // protects entries
	entries map[string]*entry

	// gauge, when non-nil, is updated on every acquire/release to track the
	// live entry count for leak detection by the readiness probe.
	gauge prometheus.Gauge
}

// New creates an idle Registry. gauge may be nil if metrics are not wired.
func New(gauge prometheus.Gauge) *Registry {
	return &Registry{
		entries: make(map[string]*entry),
		gauge:   gauge,
	}
}

// With runs fn while holding the lock for key. The lock slot for key is
// allocated lazily and released back to the pool once the last waiter
// leaves. Critical sections guarded by this registry are held only across a
// handful of repository calls and an event-bus publish, never across a
// network round-trip to an agent, so acquisition is not cancellable by ctx —
// cancelling mid-wait would either leak the slot's refcount or unlock a
// mutex the caller never actually acquired.
func (r *Registry) With(ctx context.Context, key string, fn func(ctx context.Context) error) error {
	e := r.acquire(key)
	defer r.release(key, e)

	e.mu.Lock()
	defer e.mu.Unlock()

	return fn(ctx)
}

// Count returns the number of currently allocated lock entries, across all
// keys ever passed to With that have not yet been fully reclaimed. Intended
// for readiness probes to detect reference-counting leaks.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

func (r *Registry) acquire(key string) *entry {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[key]
	if !ok {
		e = &entry{}
		r.entries[key] = e
	}
	e.refCount++
	if r.gauge != nil {
		r.gauge.Set(float64(len(r.entries)))
	}
	return e
}

func (r *Registry) release(key string, e *entry) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e.refCount--
	if e.refCount <= 0 {
		delete(r.entries, key)
	}
	if r.gauge != nil {
		r.gauge.Set(float64(len(r.entries)))
	}
}
