package transport

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"time"

	"github.com/martiangreed/marathon/internal/domain"
	"github.com/martiangreed/marathon/internal/wire"
)

// HostSession is the node daemon's side of one VM's stream, after the
// guest's READY has been received.
type HostSession struct {
	conn   net.Conn
	reader *bufio.Reader
	taskID domain.TaskID
}

// AcceptHostSession waits for and validates a guest's READY frame on a
// freshly-dialed (or accepted) connection, per spec section 4.4.
func AcceptHostSession(conn net.Conn, taskID domain.TaskID) (*HostSession, error) {
	br := bufio.NewReader(conn)
	frame, err := wire.ReadFrame(br)
	if err != nil {
		return nil, fmt.Errorf("transport: read READY: %w", err)
	}
	if frame.Type != wire.MsgReady {
		return nil, fmt.Errorf("transport: expected READY, got %s", frame.Type)
	}
	return &HostSession{conn: conn, reader: br, taskID: taskID}, nil
}

// SendTaskStart writes the TASK_START frame that begins the task.
func (s *HostSession) SendTaskStart(p wire.TaskStartPayload) error {
	return wire.WriteFrame(s.conn, wire.Frame{Type: wire.MsgTaskStart, Payload: wire.EncodeTaskStart(p)})
}

// Serve runs the receive loop described in spec section 4.4: read a frame,
// dispatch by msg_type, forward as a domain.TaskEvent on events. It returns
// when a terminal frame (COMPLETE or ERROR) is processed, the connection
// closes, or ctx is cancelled.
func (s *HostSession) Serve(ctx context.Context, events chan<- domain.TaskEvent) error {
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		frame, err := wire.ReadFrame(s.reader)
		if err != nil {
			return fmt.Errorf("transport: read frame: %w", err)
		}

		ev, terminal, err := s.toEvent(frame)
		if err != nil {
			return err
		}
		select {
		case events <- ev:
		case <-ctx.Done():
			return ctx.Err()
		}
		if terminal {
			return nil
		}
	}
}

func (s *HostSession) toEvent(frame wire.Frame) (domain.TaskEvent, bool, error) {
	ev := domain.TaskEvent{TaskID: s.taskID}

	switch frame.Type {
	case wire.MsgOutput:
		p, err := wire.DecodeOutput(frame.Payload)
		if err != nil {
			return ev, false, fmt.Errorf("transport: decode OUTPUT: %w", err)
		}
		ev.Kind = domain.EventOutput
		ev.Output = domain.OutputChunk{Stderr: p.Stderr, Data: p.Data}
		return ev, false, nil

	case wire.MsgMetrics:
		// Legacy frame: decoded and forwarded for completeness, but
		// COMPLETE remains the authoritative usage source (spec §9).
		p, err := wire.DecodeMetrics(frame.Payload)
		if err != nil {
			return ev, false, fmt.Errorf("transport: decode METRICS: %w", err)
		}
		ev.Kind = domain.EventMetrics
		ev.Metrics = domain.MetricsUpdate{InputTokens: p.InputTokens, OutputTokens: p.OutputTokens, CostUSD: p.CostUSD}
		return ev, false, nil

	case wire.MsgProgress:
		p, err := wire.DecodeProgress(frame.Payload)
		if err != nil {
			return ev, false, fmt.Errorf("transport: decode PROGRESS: %w", err)
		}
		ev.Kind = domain.EventProgress
		ev.Progress = domain.ProgressUpdate{Iteration: p.Iteration, MaxIterations: p.MaxIterations, Status: p.Status}
		return ev, false, nil

	case wire.MsgComplete:
		p, err := wire.DecodeComplete(frame.Payload)
		if err != nil {
			return ev, false, fmt.Errorf("transport: decode COMPLETE: %w", err)
		}
		ev.Kind = domain.EventComplete
		ev.Complete = domain.CompletionResult{
			ExitCode:     p.ExitCode,
			Usage:        p.Usage,
			Iteration:    p.Iteration,
			PromiseFound: p.PromiseFound,
			ArtifactURL:  p.ArtifactURL,
		}
		return ev, true, nil

	case wire.MsgError:
		p, err := wire.DecodeError(frame.Payload)
		if err != nil {
			return ev, false, fmt.Errorf("transport: decode ERROR: %w", err)
		}
		ev.Kind = domain.EventError
		ev.Error = domain.TaskError{Code: p.Code, Message: p.Message}
		return ev, true, nil

	default:
		return ev, false, fmt.Errorf("transport: unexpected frame type %s", frame.Type)
	}
}

// Cancel writes a CANCEL frame, then waits up to grace for the next frame
// (normally the agent's own ERROR{"cancelled"}) before returning. Per spec
// section 4.4/4.8, the caller destroys the VM unconditionally once Cancel
// returns — whether or not a final frame arrived within the grace period.
func (s *HostSession) Cancel(grace time.Duration) {
	_ = wire.WriteFrame(s.conn, wire.Frame{Type: wire.MsgCancel, Payload: wire.EncodeCancel()})

	_ = s.conn.SetReadDeadline(time.Now().Add(grace))
	_, _ = wire.ReadFrame(s.reader)
	_ = s.conn.SetReadDeadline(time.Time{})
}

// Close closes the underlying connection.
func (s *HostSession) Close() error {
	return s.conn.Close()
}
