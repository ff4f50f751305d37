package schedule

import (
	"fmt"
	"sync"
	"testing"

	"github.com/martiangreed/marathon/internal/domain"
)

func TestSelectNodeRejectsZeroSlotNodes(t *testing.T) {
	full := domain.NodeStatus{ID: "full", TotalSlots: 4, ActiveVMs: 4, Healthy: true}
	open := domain.NodeStatus{ID: "open", TotalSlots: 4, ActiveVMs: 1, Healthy: true}

	got, ok := SelectNode([]domain.NodeStatus{full, open}, domain.Task{})
	if !ok || got.ID != "open" {
		t.Fatalf("got %+v ok=%v, want open", got, ok)
	}
}

func TestSelectNodePicksHighestScore(t *testing.T) {
	low := domain.NodeStatus{ID: "low", TotalSlots: 4, ActiveVMs: 3, CPUFraction: 0.9, MemoryFraction: 0.9, Healthy: true}
	high := domain.NodeStatus{ID: "high", TotalSlots: 4, ActiveVMs: 0, CPUFraction: 0.1, MemoryFraction: 0.1, Healthy: true}

	got, ok := SelectNode([]domain.NodeStatus{low, high}, domain.Task{})
	if !ok || got.ID != "high" {
		t.Fatalf("got %+v ok=%v, want high", got, ok)
	}
}

func TestSelectNodeTieBreaksLexicographically(t *testing.T) {
	a := domain.NodeStatus{ID: "b-node", TotalSlots: 4, ActiveVMs: 1, Healthy: true}
	b := domain.NodeStatus{ID: "a-node", TotalSlots: 4, ActiveVMs: 1, Healthy: true}

	got, ok := SelectNode([]domain.NodeStatus{a, b}, domain.Task{})
	if !ok || got.ID != "a-node" {
		t.Fatalf("got %+v ok=%v, want a-node (lexicographically first)", got, ok)
	}
}

func TestSelectNodeNoCandidates(t *testing.T) {
	if _, ok := SelectNode(nil, domain.Task{}); ok {
		t.Fatal("expected no candidate from an empty node list")
	}
}

// fakeTaskSource and fakeDispatcher let Tick be exercised without a real
// store or transport.
type fakeTaskSource struct {
	mu       sync.Mutex
	queued   []domain.Task
	starting map[domain.TaskID]string
}

func (f *fakeTaskSource) Queued() []domain.Task {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]domain.Task, len(f.queued))
	copy(out, f.queued)
	return out
}

func (f *fakeTaskSource) MarkStarting(taskID domain.TaskID, nodeID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.starting == nil {
		f.starting = make(map[domain.TaskID]string)
	}
	if _, already := f.starting[taskID]; already {
		return false
	}
	f.starting[taskID] = nodeID
	return true
}

func (f *fakeTaskSource) ReturnToQueued(taskID domain.TaskID) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.starting, taskID)
}

type fakeDispatcher struct {
	mu   sync.Mutex
	sent map[string][]domain.TaskID
	fail bool
}

func (f *fakeDispatcher) AssignTask(nodeID string, task domain.Task) error {
	if f.fail {
		return fmt.Errorf("induced dispatch failure")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sent == nil {
		f.sent = make(map[string][]domain.TaskID)
	}
	f.sent[nodeID] = append(f.sent[nodeID], task.ID)
	return nil
}

type fakeNodeSource struct{ nodes []domain.NodeStatus }

func (f fakeNodeSource) Healthy() []domain.NodeStatus { return f.nodes }

func TestTickAssignsEachQueuedTaskAtMostOnce(t *testing.T) {
	var tID domain.TaskID
	copy(tID[:], "t1")
	tasks := &fakeTaskSource{queued: []domain.Task{{ID: tID, State: domain.TaskQueued}}}
	dispatcher := &fakeDispatcher{}
	nodes := fakeNodeSource{nodes: []domain.NodeStatus{{ID: "n1", TotalSlots: 4, ActiveVMs: 0, Healthy: true}}}

	sched := New(nodes, tasks, dispatcher)
	if got := sched.Tick(); got != 1 {
		t.Fatalf("got %d assigned, want 1", got)
	}
	if got := sched.Tick(); got != 0 {
		t.Fatalf("second tick got %d assigned, want 0 (already starting)", got)
	}
}

func TestTickReturnsTaskToQueuedOnDispatchFailure(t *testing.T) {
	var tID domain.TaskID
	copy(tID[:], "t1")
	tasks := &fakeTaskSource{queued: []domain.Task{{ID: tID, State: domain.TaskQueued}}}
	dispatcher := &fakeDispatcher{fail: true}
	nodes := fakeNodeSource{nodes: []domain.NodeStatus{{ID: "n1", TotalSlots: 4, ActiveVMs: 0, Healthy: true}}}

	sched := New(nodes, tasks, dispatcher)
	if got := sched.Tick(); got != 0 {
		t.Fatalf("got %d assigned, want 0 on dispatch failure", got)
	}
	if _, starting := tasks.starting[tID]; starting {
		t.Fatal("expected task to be returned to queued after dispatch failure")
	}
}
