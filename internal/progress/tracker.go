// Package progress implements the coordinator's lightweight in-memory
// progress tracker (spec section 4.5a): the last PROGRESS frame seen per
// task, independent of the durable TaskStore, so status queries don't
// require a store round-trip on every poll.
//
// Grounded on the teacher's internal/jobtracker.Tracker — same
// map-of-pointers-under-a-mutex shape with a background TTL sweep —
// narrowed from jobtracker's percent/phase/message fields to the
// iteration/cap/status/heartbeat fields a ralph-loop PROGRESS frame
// actually carries.
package progress

import (
	"sync"
	"time"

	"github.com/martiangreed/marathon/internal/domain"
)

// Entry is the last known progress for one task.
type Entry struct {
	TaskID        domain.TaskID
	Iteration     uint32
	MaxIterations uint32
	Status        string
	UpdatedAt     time.Time
}

// Tracker holds the most recent progress entry per task.
type Tracker struct {
	mu      sync.RWMutex
	entries map[domain.TaskID]*Entry
	ttl     time.Duration
}

// New constructs a Tracker whose entries are evicted ttl after their last
// update.
func New(ttl time.Duration) *Tracker {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	t := &Tracker{entries: make(map[domain.TaskID]*Entry), ttl: ttl}
	go t.sweepLoop()
	return t
}

// Update records a new PROGRESS observation for a task.
func (t *Tracker) Update(taskID domain.TaskID, iteration, maxIterations uint32, status string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.entries[taskID] = &Entry{
		TaskID:        taskID,
		Iteration:     iteration,
		MaxIterations: maxIterations,
		Status:        status,
		UpdatedAt:     time.Now(),
	}
}

// Get returns the last known progress for a task, or (Entry{}, false) if
// none has been recorded (or it has expired).
func (t *Tracker) Get(taskID domain.TaskID) (Entry, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	e, ok := t.entries[taskID]
	if !ok {
		return Entry{}, false
	}
	return *e, true
}

// Remove deletes a task's entry, used once the task reaches a terminal
// state and its progress is no longer interesting to poll.
func (t *Tracker) Remove(taskID domain.TaskID) {
	t.mu.Lock()
	delete(t.entries, taskID)
	t.mu.Unlock()
}

func (t *Tracker) sweepLoop() {
	ticker := time.NewTicker(t.ttl / 2)
	defer ticker.Stop()
	for range ticker.C {
		t.mu.Lock()
		now := time.Now()
		for id, e := range t.entries {
			if now.Sub(e.UpdatedAt) > t.ttl {
				delete(t.entries, id)
			}
		}
		t.mu.Unlock()
	}
}
