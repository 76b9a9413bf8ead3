// Package orchestrator is the UI-facing daemon: it multiplexes a single UI
// WebSocket against the vision detector, routes per-frame replies back by
// frame_id, debounces high-severity alerts, and proxies /text and /speech to
// the Executive.
package orchestrator

import (
	"sync"
	"time"

	"eva/internal/logging"
)

// RouteTTL is how long a frame route waits for a detector reply.
const RouteTTL = 5 * time.Second

// Sink receives routed messages. The UI client implements it; tests use
// fakes.
type Sink interface {
	// EnqueueText queues a text frame; false means the client is gone or
	// its buffer is full.
	EnqueueText(payload []byte) bool
}

// RouteTable maps in-flight frame ids to the UI client awaiting the reply.
// Expired entries are evicted on every mutation; a route delivers at most
// once.
type RouteTable struct {
	mu     sync.Mutex
	ttl    time.Duration
	now    func() time.Time
	routes map[string]routeEntry
}

type routeEntry struct {
	sink      Sink
	createdAt time.Time
}

// NewRouteTable builds a table with the standard TTL.
func NewRouteTable() *RouteTable {
	return &RouteTable{ttl: RouteTTL, now: time.Now, routes: map[string]routeEntry{}}
}

// Put records a route for a frame. An existing route for the same frame id
// is replaced.
func (t *RouteTable) Put(frameID string, sink Sink) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.evictExpiredLocked()
	t.routes[frameID] = routeEntry{sink: sink, createdAt: t.now()}
}

// Take removes and returns the route for a frame id. Returns nil when the
// route never existed, already delivered, or expired.
func (t *RouteTable) Take(frameID string) Sink {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.evictExpiredLocked()
	entry, ok := t.routes[frameID]
	if !ok {
		return nil
	}
	delete(t.routes, frameID)
	return entry.sink
}

// DropSink removes every route pointing at the given sink. Called when the
// UI disconnects.
func (t *RouteTable) DropSink(sink Sink) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for id, entry := range t.routes {
		if entry.sink == sink {
			delete(t.routes, id)
		}
	}
}

// Len reports the live route count after eviction.
func (t *RouteTable) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.evictExpiredLocked()
	return len(t.routes)
}

func (t *RouteTable) evictExpiredLocked() {
	cutoff := t.now().Add(-t.ttl)
	for id, entry := range t.routes {
		if entry.createdAt.Before(cutoff) {
			delete(t.routes, id)
			logging.RouterDebug("Route %s expired after %s", id, t.ttl)
		}
	}
}
