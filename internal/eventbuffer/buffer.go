// Package eventbuffer implements the per-task in-memory event buffer that
// the coordinator fills from the TASK_EVENT frames nodes forward (spec
// section 4.4's "buffers them in memory for pull-style status queries"):
// a small ring of recent OUTPUT/PROGRESS frames plus the terminal
// COMPLETE/ERROR frame, so a client that polls instead of streaming can
// catch up without replaying the whole task.
//
// Grounded on the teacher's internal/checkpoint.Store: the same
// map-protected-by-mutex-plus-TTL-sweep shape, repurposed from one
// checkpoint per request to a bounded ring of events per task.
package eventbuffer

import (
	"sync"
	"time"

	"github.com/martiangreed/marathon/internal/domain"
)

const defaultCapacity = 64

// entry pairs a buffered event with the time it was recorded, so the
// sweep loop can evict buffers for tasks nobody has polled in a while.
type entry struct {
	events     []domain.TaskEvent
	terminal   *domain.TaskEvent
	lastTouch  time.Time
}

// Buffer holds a bounded ring of recent events per task.
type Buffer struct {
	mu       sync.Mutex
	byTask   map[domain.TaskID]*entry
	capacity int
	ttl      time.Duration
}

// New constructs a Buffer. ttl bounds how long a task's events are kept
// after the last Append or Snapshot call touches it; capacity bounds the
// ring size per task (older non-terminal events are dropped first).
func New(ttl time.Duration, capacity int) *Buffer {
	if capacity <= 0 {
		capacity = defaultCapacity
	}
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	b := &Buffer{byTask: make(map[domain.TaskID]*entry), capacity: capacity, ttl: ttl}
	go b.sweepLoop()
	return b
}

// Append records one event for its task. Terminal events (COMPLETE,
// ERROR) are kept separately from the ring so they are never evicted by
// ring rotation — a client polling after completion must still see the
// final frame.
func (b *Buffer) Append(ev domain.TaskEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()

	e, ok := b.byTask[ev.TaskID]
	if !ok {
		e = &entry{}
		b.byTask[ev.TaskID] = e
	}
	e.lastTouch = time.Now()

	if ev.Kind == domain.EventComplete || ev.Kind == domain.EventError {
		cp := ev
		e.terminal = &cp
		return
	}

	e.events = append(e.events, ev)
	if len(e.events) > b.capacity {
		e.events = e.events[len(e.events)-b.capacity:]
	}
}

// Snapshot returns the currently buffered events for a task — the ring
// contents followed by the terminal event, if any — so a polling client
// can catch up in one call.
func (b *Buffer) Snapshot(taskID domain.TaskID) []domain.TaskEvent {
	b.mu.Lock()
	defer b.mu.Unlock()

	e, ok := b.byTask[taskID]
	if !ok {
		return nil
	}
	e.lastTouch = time.Now()

	out := make([]domain.TaskEvent, len(e.events), len(e.events)+1)
	copy(out, e.events)
	if e.terminal != nil {
		out = append(out, *e.terminal)
	}
	return out
}

// Drop removes a task's buffered events immediately, without waiting for
// the TTL sweep.
func (b *Buffer) Drop(taskID domain.TaskID) {
	b.mu.Lock()
	delete(b.byTask, taskID)
	b.mu.Unlock()
}

func (b *Buffer) sweepLoop() {
	ticker := time.NewTicker(b.ttl / 2)
	defer ticker.Stop()
	for range ticker.C {
		b.mu.Lock()
		now := time.Now()
		for id, e := range b.byTask {
			if now.Sub(e.lastTouch) > b.ttl {
				delete(b.byTask, id)
			}
		}
		b.mu.Unlock()
	}
}
