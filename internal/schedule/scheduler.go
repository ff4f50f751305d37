// Package schedule implements the coordinator's scheduler (spec section
// 4.6): a leaf component whose whole behavior is a fixed scoring contract
// rather than a choice of strategy. Grounded on the teacher's
// internal/cluster.Scheduler, which picks among several named strategies
// (round-robin, least-loaded, resource-aware, locality-aware) behind a
// common SelectNode entry point; Marathon collapses that to the one
// formula spec section 4.6 fixes, keeping the same "snapshot healthy
// nodes, score, pick best, tie-break deterministically" shape.
package schedule

import (
	"sort"

	"github.com/martiangreed/marathon/internal/domain"
)

// Dispatcher sends ASSIGN_TASK to a chosen node. The coordinator implements
// it itself, writing to the node's dispatch connection behind that node's
// internal/circuitbreaker breaker; tests use a fake.
type Dispatcher interface {
	AssignTask(nodeID string, task domain.Task) error
}

// TaskSource is the minimal view the scheduler needs of the task store: an
// ordered batch of queued tasks to consider this tick, and a way to mark one
// as starting on a chosen node.
type TaskSource interface {
	Queued() []domain.Task
	MarkStarting(taskID domain.TaskID, nodeID string) bool // false if already scheduled
	ReturnToQueued(taskID domain.TaskID)
}

// NodeSource is the minimal view the scheduler needs of the node registry.
type NodeSource interface {
	Healthy() []domain.NodeStatus
}

// Scheduler consumes queued tasks one at a time and assigns each to the
// best-scoring eligible node, per spec section 4.6.
type Scheduler struct {
	nodes      NodeSource
	tasks      TaskSource
	dispatcher Dispatcher
}

// New constructs a Scheduler.
func New(nodes NodeSource, tasks TaskSource, dispatcher Dispatcher) *Scheduler {
	return &Scheduler{nodes: nodes, tasks: tasks, dispatcher: dispatcher}
}

// Tick runs one scheduling pass over all currently queued tasks. It returns
// the number of tasks successfully assigned.
func (s *Scheduler) Tick() int {
	healthy := s.nodes.Healthy()
	assigned := 0

	for _, task := range s.tasks.Queued() {
		node, ok := SelectNode(healthy, task)
		if !ok {
			continue // no candidate this tick; task stays queued, retried next tick
		}
		if !s.tasks.MarkStarting(task.ID, node.ID) {
			continue // already scheduled by a concurrent tick
		}
		if err := s.dispatcher.AssignTask(node.ID, task); err != nil {
			s.tasks.ReturnToQueued(task.ID)
			continue
		}
		assigned++
	}
	return assigned
}

// SelectNode picks the best-scoring eligible node for task, per spec
// section 4.6 steps 2-3. It is a pure function of the node snapshot so it
// can be tested (and reasoned about) without a running scheduler.
func SelectNode(healthy []domain.NodeStatus, _ domain.Task) (domain.NodeStatus, bool) {
	var best domain.NodeStatus
	bestScore := -1.0
	found := false

	candidates := make([]domain.NodeStatus, 0, len(healthy))
	for _, n := range healthy {
		if n.AvailableSlots() == 0 {
			continue
		}
		candidates = append(candidates, n)
	}
	// Lexicographic tie-break by id requires a stable, sorted iteration
	// order rather than relying on map/slice ordering from the caller.
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].ID < candidates[j].ID })

	for _, n := range candidates {
		score := n.Score()
		if !found || score > bestScore {
			bestScore = score
			best = n
			found = true
		}
	}
	return best, found
}
