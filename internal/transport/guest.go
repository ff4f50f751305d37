// Package transport implements the host<->guest stream protocol described
// in spec section 4.4/4.7/4.8: a single persistent connection per VM,
// framed with internal/wire, carrying READY/TASK_START once at the start
// and OUTPUT/PROGRESS/COMPLETE/ERROR/CANCEL for the rest of the session.
//
// guest.go is the VM-agent side of the prologue, grounded on the teacher's
// cmd/agent/main.go accept loop and internal/firecracker/vsock.go's
// "probe then discard" handling of premature connection closes — here
// applied to the listener's Accept loop instead of a dialing client, since
// spec section 4.7 has the guest bind and the host dial.
package transport

import (
	"bufio"
	"fmt"
	"net"

	"github.com/martiangreed/marathon/internal/wire"
)

// GuestSession is an accepted, prologue-complete connection: READY was
// sent, TASK_START was received, and the connection survived both.
type GuestSession struct {
	Conn      net.Conn
	Reader    *bufio.Reader
	TaskStart wire.TaskStartPayload
}

// RunPrologue accepts connections from l until one survives the
// READY/TASK_START handshake, retrying indefinitely on a premature close
// per spec section 4.7 step 2-3 ("the host may have probed ... discard and
// reopen"). vmID is this VM's own context id, carried in the READY payload.
func RunPrologue(l net.Listener, vmID uint32) (*GuestSession, error) {
	for {
		conn, err := l.Accept()
		if err != nil {
			return nil, fmt.Errorf("transport: accept: %w", err)
		}

		session, ok, err := tryPrologue(conn, vmID)
		if err != nil {
			conn.Close()
			return nil, err
		}
		if ok {
			return session, nil
		}
		// Premature close: discard and accept again.
		conn.Close()
	}
}

// tryPrologue attempts one READY/TASK_START handshake on conn. A premature
// close (io.EOF or similar while waiting for TASK_START) is reported as
// (nil, false, nil) so the caller retries; any other error is fatal.
func tryPrologue(conn net.Conn, vmID uint32) (*GuestSession, bool, error) {
	readyPayload := wire.EncodeReady(wire.ReadyPayload{VMID: vmID})
	if err := wire.WriteFrame(conn, wire.Frame{Type: wire.MsgReady, Payload: readyPayload}); err != nil {
		return nil, false, nil // treat a write failure on a fresh conn as a probe too
	}

	br := bufio.NewReader(conn)
	frame, err := wire.ReadFrame(br)
	if err != nil {
		return nil, false, nil
	}
	if frame.Type != wire.MsgTaskStart {
		return nil, false, fmt.Errorf("transport: expected TASK_START, got %s", frame.Type)
	}

	taskStart, err := wire.DecodeTaskStart(frame.Payload)
	if err != nil {
		return nil, false, fmt.Errorf("transport: decode TASK_START: %w", err)
	}

	return &GuestSession{Conn: conn, Reader: br, TaskStart: taskStart}, true, nil
}

// PollCancel does a non-blocking check for a pending CANCEL frame on the
// session, per spec section 4.8. Call it once per loop iteration, never
// mid-iteration.
func (s *GuestSession) PollCancel() (bool, error) {
	return wire.PeekCancel(s.Conn, s.Reader)
}

// Send writes a frame on the session's connection.
func (s *GuestSession) Send(f wire.Frame) error {
	return wire.WriteFrame(s.Conn, f)
}

// Close closes the underlying connection.
func (s *GuestSession) Close() error {
	return s.Conn.Close()
}
