// Package agentconn implements C5, the Connection Registry, and C6, the
// Agent Authenticator: the set of currently-connected agents (each with a
// monotonically increasing per-process generation number, a last-seen
// timestamp, and a heartbeat timer handle) and the constant-time token check
// performed once at connect time.
//
// It is grounded on the teacher's agentmanager.Manager (mutex-guarded map of
// connected agents, Register/Deregister/IsConnected/ConnectedAgents) with a
// generation counter and heartbeat-cancellation hook added for the
// reconnect-gating and liveness-sweep requirements this domain needs that
// the teacher's always-on gRPC stream did not.
package agentconn

import (
	"sync"
	"time"

	"github.com/arkeep-io/orchestrator/internal/transport"
)

// Entry is one connected agent's in-memory state. All fields except Conn and
// Generation are mutated only under mu.
type Entry struct {
	ServerID   string
	Conn       *transport.Conn
	Generation uint64

	mu              sync.Mutex
	lastSeen        time.Time
	cancelHeartbeat func()
}

// Touch refreshes the entry's last-seen timestamp. Called on every inbound
// message, not just pong (§4.1 Liveness).
func (e *Entry) Touch(now time.Time) {
	e.mu.Lock()
	e.lastSeen = now
	e.mu.Unlock()
}

// LastSeen returns the last time any inbound message was observed.
func (e *Entry) LastSeen() time.Time {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastSeen
}

// SetHeartbeatCanceller stores the function that stops this entry's
// heartbeat timer, so Remove can cancel it without the registry knowing
// anything about timer implementations.
func (e *Entry) SetHeartbeatCanceller(cancel func()) {
	e.mu.Lock()
	e.cancelHeartbeat = cancel
	e.mu.Unlock()
}

func (e *Entry) cancelTimer() {
	e.mu.Lock()
	cancel := e.cancelHeartbeat
	e.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Registry is the in-memory set of connected agents. The zero value is not
// usable — create instances with NewRegistry.
type Registry struct {
	mu          sync.RWMutex
	entries     map[string]*Entry
	generations map[string]uint64 // survives Remove, so generations never repeat within a process
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		entries:     make(map[string]*Entry),
		generations: make(map[string]uint64),
	}
}

// Install allocates the next generation for serverID and installs conn as
// its live entry, returning the new entry and the previous one (nil if
// there wasn't one). The caller is expected to already be holding the
// server's mutex (mutexregistry) — Install itself only guards its own maps,
// it does not implement the "atomically displace the prior connection"
// ordering guarantee, which requires coordinating with the heartbeat
// timer and transport-close side effects the session (C11) owns.
func (r *Registry) Install(serverID string, conn *transport.Conn) (entry *Entry, previous *Entry) {
	r.mu.Lock()
	defer r.mu.Unlock()

	previous = r.entries[serverID]

	r.generations[serverID]++
	entry = &Entry{
		ServerID:   serverID,
		Conn:       conn,
		Generation: r.generations[serverID],
		lastSeen:   time.Now(),
	}
	r.entries[serverID] = entry
	return entry, previous
}

// Remove deletes entry from the registry iff it is still the current entry
// for its ServerID (a newer Install may already have replaced it) and
// cancels its heartbeat timer. Returns whether the entry was the current
// one and was removed.
func (r *Registry) Remove(entry *Entry) bool {
	r.mu.Lock()
	current, ok := r.entries[entry.ServerID]
	removed := ok && current == entry
	if removed {
		delete(r.entries, entry.ServerID)
	}
	r.mu.Unlock()

	if removed {
		entry.cancelTimer()
	}
	return removed
}

// Get returns the current entry for serverID, if any.
func (r *Registry) Get(serverID string) (*Entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[serverID]
	return e, ok
}

// Generation returns the current generation number for serverID, or (0,
// false) if it has never connected in this process.
func (r *Registry) Generation(serverID string) (uint64, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	gen, ok := r.generations[serverID]
	return gen, ok
}

// All returns a snapshot of every currently connected entry.
func (r *Registry) All() map[string]*Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[string]*Entry, len(r.entries))
	for k, v := range r.entries {
		out[k] = v
	}
	return out
}

// Count returns the number of currently connected agents.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// StaleBefore returns the entries whose LastSeen is strictly before cutoff,
// for the liveness sweep (§4.1 Liveness) to act on.
func (r *Registry) StaleBefore(cutoff time.Time) []*Entry {
	r.mu.RLock()
	snapshot := make([]*Entry, 0, len(r.entries))
	for _, e := range r.entries {
		snapshot = append(snapshot, e)
	}
	r.mu.RUnlock()

	var stale []*Entry
	for _, e := range snapshot {
		if e.LastSeen().Before(cutoff) {
			stale = append(stale, e)
		}
	}
	return stale
}
