// Package noderegistry implements the coordinator's node registry (spec
// section 4.5): the authoritative in-memory view of which nodes exist, what
// their latest reported status is, and when they last heartbeated.
//
// Grounded on the teacher's internal/cluster.Registry — same mutex-guarded
// map-of-structs shape and the same "last heartbeat age decides health"
// rule — simplified to the spec's flatter two-map contract (no database
// sync, no round-robin/affinity scheduling logic mixed in; that lives in
// internal/schedule).
package noderegistry

import (
	"sort"
	"sync"
	"time"

	"github.com/martiangreed/marathon/internal/domain"
)

// Registry holds the coordinator's view of every known node.
type Registry struct {
	mu            sync.RWMutex
	statuses      map[string]domain.NodeStatus
	lastHeartbeat map[string]time.Time
	staleTimeout  time.Duration
}

// New constructs a Registry with the given stale-heartbeat timeout.
func New(staleTimeout time.Duration) *Registry {
	if staleTimeout <= 0 {
		staleTimeout = 30 * time.Second
	}
	return &Registry{
		statuses:      make(map[string]domain.NodeStatus),
		lastHeartbeat: make(map[string]time.Time),
		staleTimeout:  staleTimeout,
	}
}

// Register upserts a node's status and marks its heartbeat as now. The spec
// does not distinguish register from heartbeat beyond the first call:
// both upsert status and last-heartbeat.
func (r *Registry) Register(status domain.NodeStatus) {
	r.Heartbeat(status)
}

// Heartbeat upserts a node's status and marks its heartbeat as now.
func (r *Registry) Heartbeat(status domain.NodeStatus) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.statuses[status.ID] = status
	r.lastHeartbeat[status.ID] = time.Now()
}

// Get returns the latest known status for a node.
func (r *Registry) Get(id string) (domain.NodeStatus, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.statuses[id]
	return s, ok
}

// Healthy returns a snapshot of all nodes considered healthy: reporting
// healthy, not draining, and heartbeating within the stale timeout.
func (r *Registry) Healthy() []domain.NodeStatus {
	r.mu.RLock()
	defer r.mu.RUnlock()

	now := time.Now()
	out := make([]domain.NodeStatus, 0, len(r.statuses))
	for id, s := range r.statuses {
		if !s.Healthy || s.Draining {
			continue
		}
		if now.Sub(r.lastHeartbeat[id]) >= r.staleTimeout {
			continue
		}
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// ReapStale removes and returns the ids of nodes whose last heartbeat is
// older than the stale timeout.
func (r *Registry) ReapStale() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	var reaped []string
	for id, last := range r.lastHeartbeat {
		if now.Sub(last) >= r.staleTimeout {
			reaped = append(reaped, id)
			delete(r.statuses, id)
			delete(r.lastHeartbeat, id)
		}
	}
	sort.Strings(reaped)
	return reaped
}

// TotalCapacity sums AvailableSlots() over currently-healthy nodes.
func (r *Registry) TotalCapacity() int {
	total := 0
	for _, s := range r.Healthy() {
		total += s.AvailableSlots()
	}
	return total
}
