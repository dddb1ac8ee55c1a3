// Package registry tracks which named agents are currently connected and
// notifies interested parties when an agent becomes active or disappears.
// A duplicate HELLO for an already-registered name displaces the prior
// holder rather than being rejected.
package registry

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

// Entry describes one registered agent connection.
type Entry struct {
	Name        string
	EntityType  string
	CLI         string
	Model       string
	Task        string
	Cwd         string
	DisplayName string
	SessionID   string
	ConnID      string
	ConnectedAt time.Time
}

// Displaced is returned by Register when it evicted a previous holder of
// the same name.
type Displaced struct {
	PreviousConnID   string
	PreviousSessionID string
}

// Events are invoked from inside Register/Deregister while the registry
// lock is NOT held, so handlers may themselves call back into the
// registry without deadlocking.
type Events struct {
	OnReady func(Entry)
	OnGone  func(Entry)
}

// Registry is the single source of truth for "who is connected right now".
type Registry struct {
	log    *zap.Logger
	events Events

	mu      sync.RWMutex
	byName  map[string]Entry
	byConn  map[string]string // connID -> name
}

// New creates an empty registry.
func New(log *zap.Logger, events Events) *Registry {
	return &Registry{
		log:    log,
		events: events,
		byName: make(map[string]Entry),
		byConn: make(map[string]string),
	}
}

// Register adds or displaces an entry for e.Name. If another connection
// already held that name, its Entry is returned as Displaced info so the
// caller can force-close that stale connection.
func (r *Registry) Register(e Entry) (displaced *Displaced, ok bool) {
	r.mu.Lock()
	prev, existed := r.byName[e.Name]
	if existed {
		delete(r.byConn, prev.ConnID)
	}
	r.byName[e.Name] = e
	r.byConn[e.ConnID] = e.Name
	r.mu.Unlock()

	if r.events.OnReady != nil {
		r.events.OnReady(e)
	}

	if existed && prev.ConnID != e.ConnID {
		r.log.Info("agent displaced", zap.String("name", e.Name),
			zap.String("previous_conn", prev.ConnID), zap.String("new_conn", e.ConnID))
		return &Displaced{PreviousConnID: prev.ConnID, PreviousSessionID: prev.SessionID}, true
	}
	return nil, true
}

// Deregister removes the entry owned by connID, if any, and fires OnGone.
// It is a no-op if connID's name was already reclaimed by a newer
// connection (the displaced connection's own teardown must not evict the
// displacer).
func (r *Registry) Deregister(connID string) {
	r.mu.Lock()
	name, ok := r.byConn[connID]
	if !ok {
		r.mu.Unlock()
		return
	}
	entry, stillOwned := r.byName[name]
	if stillOwned && entry.ConnID == connID {
		delete(r.byName, name)
	}
	delete(r.byConn, connID)
	r.mu.Unlock()

	if stillOwned && entry.ConnID == connID && r.events.OnGone != nil {
		r.events.OnGone(entry)
	}
}

// Lookup returns the entry registered under name, if any.
func (r *Registry) Lookup(name string) (Entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.byName[name]
	return e, ok
}

// LookupByConn returns the entry owned by connID, if any.
func (r *Registry) LookupByConn(connID string) (Entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	name, ok := r.byConn[connID]
	if !ok {
		return Entry{}, false
	}
	e, ok := r.byName[name]
	return e, ok
}

// ListActive returns a snapshot of every currently registered agent.
func (r *Registry) ListActive() []Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Entry, 0, len(r.byName))
	for _, e := range r.byName {
		out = append(out, e)
	}
	return out
}

// Count returns the number of currently registered agents.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byName)
}
