// Package heartbeat implements the node daemon's heartbeat loop (spec
// section 4.3): on a fixed interval, collect current node status and send
// it to the coordinator as a single framed HEARTBEAT message. The first
// heartbeat doubles as registration; a stop flag cleanly cancels the loop.
//
// The ticker-plus-stop-channel shape is grounded on the same pattern
// internal/vmpool.Pool.StartReplenishing uses for warm-pool replenishment
// (itself adapted from the teacher's internal/pool); the status fields
// collected mirror the teacher's internal/cluster.Node's heartbeat-bearing
// fields (CPU/memory usage, active VM count, last heartbeat), narrowed to
// spec section 3's NodeStatus shape.
package heartbeat

import (
	"sync"
	"time"

	"github.com/martiangreed/marathon/internal/domain"
	"github.com/martiangreed/marathon/internal/logging"
)

// StatusFunc collects the node daemon's current status at heartbeat time.
type StatusFunc func() domain.NodeStatus

// Transport sends one heartbeat to the coordinator. The node daemon wires
// a concrete implementation backed by a long-lived TCP connection framed
// with internal/wire; tests use a fake.
type Transport interface {
	SendHeartbeat(status domain.NodeStatus) error
}

// Sender runs the heartbeat loop on a fixed interval.
type Sender struct {
	status    StatusFunc
	transport Transport
	interval  time.Duration

	stopCh   chan struct{}
	stopOnce sync.Once
	done     chan struct{}
}

// New constructs a Sender. Call Start to begin the loop.
func New(status StatusFunc, transport Transport, interval time.Duration) *Sender {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &Sender{
		status:    status,
		transport: transport,
		interval:  interval,
		stopCh:    make(chan struct{}),
		done:      make(chan struct{}),
	}
}

// Start sends one heartbeat immediately (doubling as registration) and
// then runs the loop on the configured interval until Stop is called. It
// does not block; Stop blocks until the loop has exited.
func (s *Sender) Start() {
	go s.run()
}

func (s *Sender) run() {
	defer close(s.done)

	s.sendOnce()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.sendOnce()
		}
	}
}

func (s *Sender) sendOnce() {
	status := s.status()
	if err := s.transport.SendHeartbeat(status); err != nil {
		// Transient I/O per spec section 7: logged, retried next tick, never
		// surfaced as a fatal condition.
		logging.Op().Warn("heartbeat send failed, will retry next tick", "error", err)
	}
}

// Stop cancels the loop and waits for the in-flight send, if any, to
// finish.
func (s *Sender) Stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
	<-s.done
}
