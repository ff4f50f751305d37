package domain

import "time"

// NodeStatus is the coordinator's view of one compute node, as reported by
// that node's heartbeat. See spec section 3 for field semantics.
type NodeStatus struct {
	ID       string
	Hostname string

	TotalSlots  int
	ActiveVMs   int
	WarmVMs     int

	CPUFraction    float64 // 0..1
	MemoryFraction float64 // 0..1
	DiskFreeBytes  int64

	Healthy  bool
	Draining bool

	UptimeSeconds int64
	LastTaskAt    time.Time // zero if no task has ever run
}

// AvailableSlots returns total minus active, floored at zero.
func (n NodeStatus) AvailableSlots() int {
	if avail := n.TotalSlots - n.ActiveVMs; avail > 0 {
		return avail
	}
	return 0
}

// Available reports whether the node can currently accept a new task:
// healthy, not draining, has a free slot, and (the caller must separately
// check) its heartbeat is recent. The heartbeat-recency check lives in the
// registry, which is the only component that knows "now".
func (n NodeStatus) Available() bool {
	return n.Healthy && !n.Draining && n.AvailableSlots() > 0
}

// Score computes the scheduler's weighted placement score for this node.
// Higher is better. Fixed per spec section 4.6:
//
//	score = 0.5*(availableSlots/totalSlots) + 0.25*(1-cpu) + 0.25*(1-mem)
func (n NodeStatus) Score() float64 {
	var slotRatio float64
	if n.TotalSlots > 0 {
		slotRatio = float64(n.AvailableSlots()) / float64(n.TotalSlots)
	}
	return 0.5*slotRatio + 0.25*(1-n.CPUFraction) + 0.25*(1-n.MemoryFraction)
}
