package main

import (
	"context"
	"encoding/hex"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/martiangreed/marathon/internal/domain"
	"github.com/martiangreed/marathon/internal/heartbeat"
	"github.com/martiangreed/marathon/internal/logging"
	"github.com/martiangreed/marathon/internal/metrics"
	"github.com/martiangreed/marathon/internal/transport"
	"github.com/martiangreed/marathon/internal/vmpool"
	"github.com/martiangreed/marathon/internal/wire"
)

// taskIDFromHex decodes the hex-encoded task id carried on ASSIGN_TASK,
// mirroring internal/coordinator's own taskIDFromHex (the node daemon has
// no dependency on that package, so the few lines are duplicated here
// rather than exported for one caller).
func taskIDFromHex(s string) (domain.TaskID, error) {
	var id domain.TaskID
	b, err := hex.DecodeString(s)
	if err != nil {
		return id, fmt.Errorf("decode task id: %w", err)
	}
	if len(b) != len(id) {
		return id, fmt.Errorf("decode task id: want %d bytes, got %d", len(id), len(b))
	}
	copy(id[:], b)
	return id, nil
}

// vsockAgentPort is the port the VM agent binds inside the guest, per spec
// section 4.8a. Fixed, since every Marathon agent rootfs image listens on
// the same port.
const vsockAgentPort = 9000

// cancelGrace is how long a cancelled task's VM is given to observe the
// CANCEL frame between iterations before the node destroys it
// unconditionally (spec section 4.8, "Cancellation").
const cancelGrace = 10 * time.Second

// nodeAgent is the node daemon's single persistent connection to the
// coordinator. One connection carries HEARTBEAT (outbound), ASSIGN_TASK and
// CANCEL_TASK (inbound), and TASK_EVENT (outbound, multiplexing every
// active VM's forwarded frames) — spec section 4.8a's "one connection per
// node carries both directions."
type nodeAgent struct {
	id        string
	coordAddr string
	interval  time.Duration
	pool      *vmpool.Pool

	conn   net.Conn
	connMu sync.Mutex

	sender *heartbeat.Sender

	sessionsMu sync.Mutex
	sessions   map[string]*transport.HostSession // task id -> live host session

	startedAt time.Time
}

func newNodeAgent(id, coordAddr string, interval time.Duration, pool *vmpool.Pool) *nodeAgent {
	return &nodeAgent{
		id:        id,
		coordAddr: coordAddr,
		interval:  interval,
		pool:      pool,
		sessions:  make(map[string]*transport.HostSession),
		startedAt: time.Now(),
	}
}

func (n *nodeAgent) connect(ctx context.Context) error {
	conn, err := net.Dial("tcp", n.coordAddr)
	if err != nil {
		return err
	}
	n.conn = conn

	n.sender = heartbeat.New(n.status, n, n.interval)
	n.sender.Start()

	go n.readLoop(ctx)
	return nil
}

func (n *nodeAgent) close() {
	if n.sender != nil {
		n.sender.Stop()
	}
	if n.conn != nil {
		n.conn.Close()
	}
}

func (n *nodeAgent) send(f wire.Frame) error {
	n.connMu.Lock()
	defer n.connMu.Unlock()
	return wire.WriteFrame(n.conn, f)
}

// SendHeartbeat implements heartbeat.Transport.
func (n *nodeAgent) SendHeartbeat(status domain.NodeStatus) error {
	return n.send(wire.Frame{Type: wire.MsgHeartbeat, Payload: wire.EncodeHeartbeat(statusToHeartbeat(status))})
}

// status implements heartbeat.StatusFunc, collecting the node's current
// state for both the periodic heartbeat and ad-hoc status queries.
func (n *nodeAgent) status() domain.NodeStatus {
	warm, active, total := n.pool.Counts()
	metrics.SetPoolSize(n.id, warm, active)
	return domain.NodeStatus{
		ID:            n.id,
		TotalSlots:    total,
		ActiveVMs:     active,
		WarmVMs:       warm,
		Healthy:       true,
		UptimeSeconds: int64(time.Since(n.startedAt).Seconds()),
	}
}

func statusToHeartbeat(s domain.NodeStatus) wire.HeartbeatPayload {
	var lastTaskMs int64
	if !s.LastTaskAt.IsZero() {
		lastTaskMs = s.LastTaskAt.UnixMilli()
	}
	return wire.HeartbeatPayload{
		NodeID:          s.ID,
		Hostname:        s.Hostname,
		TotalSlots:      s.TotalSlots,
		ActiveVMs:       s.ActiveVMs,
		WarmVMs:         s.WarmVMs,
		CPUFraction:     s.CPUFraction,
		MemoryFraction:  s.MemoryFraction,
		DiskFreeBytes:   s.DiskFreeBytes,
		Healthy:         s.Healthy,
		Draining:        s.Draining,
		UptimeSeconds:   s.UptimeSeconds,
		LastTaskUnixMs:  lastTaskMs,
	}
}

// readLoop reads ASSIGN_TASK and CANCEL_TASK frames from the coordinator
// connection until it closes or ctx is cancelled.
func (n *nodeAgent) readLoop(ctx context.Context) {
	for {
		frame, err := wire.ReadFrame(n.conn)
		if err != nil {
			logging.Op().Warn("coordinator connection read failed", "error", err)
			return
		}
		switch frame.Type {
		case wire.MsgAssignTask:
			p, err := wire.DecodeAssignTask(frame.Payload)
			if err != nil {
				logging.Op().Error("decode ASSIGN_TASK", "error", err)
				continue
			}
			go n.assignTask(ctx, p)
		case wire.MsgCancelTask:
			p, err := wire.DecodeCancelTask(frame.Payload)
			if err != nil {
				logging.Op().Error("decode CANCEL_TASK", "error", err)
				continue
			}
			n.cancelTask(p.TaskID)
		default:
			logging.Op().Warn("unexpected frame from coordinator", "type", frame.Type)
		}
	}
}

// assignTask acquires a warm VM, hands it the task, and relays every frame
// the VM agent emits back to the coordinator as TASK_EVENT until the task
// reaches a terminal frame (spec section 2's dataflow: "node daemon
// multiplexes them, records metrics, forwards task events").
func (n *nodeAgent) assignTask(ctx context.Context, p wire.TaskStartPayload) {
	vm, err := n.pool.Acquire()
	if err != nil {
		logging.Op().Error("acquire VM for assigned task", "task_id", p.TaskID, "error", err)
		n.sendTaskEvent(p.TaskID, wire.MsgError, wire.EncodeError(wire.ErrorPayload{
			Code: "pool_exhausted", Message: err.Error(),
		}))
		return
	}

	conn, err := transport.DialHost(vm.ContextID, vsockAgentPort)
	if err != nil {
		logging.Op().Error("dial VM agent", "task_id", p.TaskID, "vm_id", vm.ID, "error", err)
		n.pool.Release(vm.ID)
		n.sendTaskEvent(p.TaskID, wire.MsgError, wire.EncodeError(wire.ErrorPayload{
			Code: "vm_dial_failed", Message: err.Error(),
		}))
		return
	}

	taskID, err := taskIDFromHex(p.TaskID)
	if err != nil {
		logging.Op().Error("decode task id", "task_id", p.TaskID, "error", err)
		conn.Close()
		n.pool.Release(vm.ID)
		return
	}

	session, err := transport.AcceptHostSession(conn, taskID)
	if err != nil {
		logging.Op().Error("await VM READY", "task_id", p.TaskID, "vm_id", vm.ID, "error", err)
		conn.Close()
		n.pool.Release(vm.ID)
		n.sendTaskEvent(p.TaskID, wire.MsgError, wire.EncodeError(wire.ErrorPayload{
			Code: "vm_not_ready", Message: err.Error(),
		}))
		return
	}

	n.sessionsMu.Lock()
	n.sessions[p.TaskID] = session
	n.sessionsMu.Unlock()
	defer func() {
		n.sessionsMu.Lock()
		delete(n.sessions, p.TaskID)
		n.sessionsMu.Unlock()
		session.Close()
		n.pool.Release(vm.ID)
	}()

	if err := session.SendTaskStart(p); err != nil {
		logging.Op().Error("send TASK_START", "task_id", p.TaskID, "error", err)
		return
	}

	events := make(chan domain.TaskEvent, 16)
	done := make(chan error, 1)
	go func() { done <- session.Serve(ctx, events) }()

	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return
			}
			n.forwardEvent(p.TaskID, ev)
		case err := <-done:
			if err != nil {
				logging.Op().Warn("VM session ended", "task_id", p.TaskID, "error", err)
			}
			return
		case <-ctx.Done():
			return
		}
	}
}

// forwardEvent re-encodes a decoded domain.TaskEvent back into the inner
// host<->guest frame shape and wraps it in a TASK_EVENT envelope, since the
// coordinator's own decodeInnerEvent expects the original wire payload.
func (n *nodeAgent) forwardEvent(taskID string, ev domain.TaskEvent) {
	switch ev.Kind {
	case domain.EventOutput:
		n.sendTaskEvent(taskID, wire.MsgOutput, wire.EncodeOutput(wire.OutputPayload{
			Stderr: ev.Output.Stderr, Data: ev.Output.Data,
		}))
	case domain.EventProgress:
		n.sendTaskEvent(taskID, wire.MsgProgress, wire.EncodeProgress(wire.ProgressPayload{
			Iteration: ev.Progress.Iteration, MaxIterations: ev.Progress.MaxIterations, Status: ev.Progress.Status,
		}))
	case domain.EventComplete:
		n.sendTaskEvent(taskID, wire.MsgComplete, wire.EncodeComplete(wire.CompletePayload{
			ExitCode:     ev.Complete.ExitCode,
			Usage:        ev.Complete.Usage,
			Iteration:    ev.Complete.Iteration,
			PromiseFound: ev.Complete.PromiseFound,
			ArtifactURL:  ev.Complete.ArtifactURL,
		}))
	case domain.EventError:
		n.sendTaskEvent(taskID, wire.MsgError, wire.EncodeError(wire.ErrorPayload{
			Code: ev.Error.Code, Message: ev.Error.Message,
		}))
	}
}

func (n *nodeAgent) sendTaskEvent(taskID string, innerType wire.MsgType, innerPayload []byte) {
	payload := wire.EncodeTaskEvent(wire.TaskEventPayload{
		TaskID: taskID, InnerType: innerType, InnerPayload: innerPayload,
	})
	if err := n.send(wire.Frame{Type: wire.MsgTaskEvent, Payload: payload}); err != nil {
		logging.Op().Error("forward TASK_EVENT", "task_id", taskID, "error", err)
	}
}

func (n *nodeAgent) cancelTask(taskID string) {
	n.sessionsMu.Lock()
	session, ok := n.sessions[taskID]
	n.sessionsMu.Unlock()
	if !ok {
		logging.Op().Warn("cancel for unknown or already-finished task", "task_id", taskID)
		return
	}
	session.Cancel(cancelGrace)
}
