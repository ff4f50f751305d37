// Package wire implements the fixed binary message framing shared by both
// wires in the system: coordinator<->node and host<->guest (spec section 6).
// Every frame is a 9-byte header followed by a length-prefixed payload; this
// file implements the header and the raw frame read/write primitives, and
// a non-blocking cancel peek used by the VM agent.
//
// This is a hand-rolled codec rather than JSON or protobuf because the wire
// layout is fixed by spec to the byte: msg_type(u8) + correlation_id(u32BE)
// + payload_len(u32BE) + payload. The teacher's own vsock protocol
// (internal/pkg/vsockpb.Codec, firecracker.VsockClient.sendLocked) frames a
// JSON or protobuf payload behind a 4-byte length prefix; here the header
// itself is part of the spec, so encode/decode live in one place per spec
// section 9's design note rather than being scattered across call sites.
package wire

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"time"
)

// MsgType is the one-byte tag identifying a frame's payload shape.
type MsgType byte

const (
	MsgOutput    MsgType = 0x01
	MsgMetrics   MsgType = 0x02
	MsgComplete  MsgType = 0x03
	MsgError     MsgType = 0x04
	MsgReady     MsgType = 0x05
	MsgTaskStart MsgType = 0x06
	MsgProgress  MsgType = 0x07
	MsgCancel    MsgType = 0x08

	// Coordinator<->node subset. Same 9-byte envelope, distinct tag space
	// from the host<->guest subset above — one wire format, two transports,
	// per SPEC_FULL.md section 4.8a.
	MsgHeartbeat  MsgType = 0x10
	MsgAssignTask MsgType = 0x11 // payload is a TaskStartPayload, reused verbatim
	MsgCancelTask MsgType = 0x12
	MsgTaskEvent  MsgType = 0x13 // envelope wrapping one forwarded host<->guest frame
)

func (t MsgType) String() string {
	switch t {
	case MsgOutput:
		return "OUTPUT"
	case MsgMetrics:
		return "METRICS"
	case MsgComplete:
		return "COMPLETE"
	case MsgError:
		return "ERROR"
	case MsgReady:
		return "READY"
	case MsgTaskStart:
		return "TASK_START"
	case MsgProgress:
		return "PROGRESS"
	case MsgCancel:
		return "CANCEL"
	case MsgHeartbeat:
		return "HEARTBEAT"
	case MsgAssignTask:
		return "ASSIGN_TASK"
	case MsgCancelTask:
		return "CANCEL_TASK"
	case MsgTaskEvent:
		return "TASK_EVENT"
	default:
		return fmt.Sprintf("MsgType(0x%02x)", byte(t))
	}
}

// HeaderLen is the fixed size, in bytes, of every frame header.
const HeaderLen = 9

// MaxPayloadLen bounds payload_len to protect against a corrupt or hostile
// peer claiming an absurd length. Any frame claiming more is a protocol
// violation: the spec directs that the peer connection be closed.
const MaxPayloadLen = 32 * 1024 * 1024 // 32MiB

// Frame is one decoded message: header fields plus the raw payload bytes.
// Per-type payload encode/decode lives in messages.go.
type Frame struct {
	Type          MsgType
	CorrelationID uint32
	Payload       []byte
}

// ErrPayloadTooLarge signals a protocol violation: the peer must be
// disconnected (spec section 7, "protocol violation").
var ErrPayloadTooLarge = errors.New("wire: payload_len exceeds maximum")

// WriteFrame encodes and writes f to w as a single header+payload write.
func WriteFrame(w io.Writer, f Frame) error {
	if len(f.Payload) > MaxPayloadLen {
		return ErrPayloadTooLarge
	}
	buf := make([]byte, HeaderLen+len(f.Payload))
	buf[0] = byte(f.Type)
	binary.BigEndian.PutUint32(buf[1:5], f.CorrelationID)
	binary.BigEndian.PutUint32(buf[5:9], uint32(len(f.Payload)))
	copy(buf[HeaderLen:], f.Payload)

	for written := 0; written < len(buf); {
		n, err := w.Write(buf[written:])
		if err != nil {
			return fmt.Errorf("wire: write frame: %w", err)
		}
		written += n
	}
	return nil
}

// ReadHeader reads and decodes just the 9-byte header from r.
func ReadHeader(r io.Reader) (MsgType, uint32, uint32, error) {
	var hdr [HeaderLen]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return 0, 0, 0, err
	}
	msgType := MsgType(hdr[0])
	correlationID := binary.BigEndian.Uint32(hdr[1:5])
	payloadLen := binary.BigEndian.Uint32(hdr[5:9])
	return msgType, correlationID, payloadLen, nil
}

// ReadFrame reads one complete frame (header + payload) from r. It consumes
// the full frame on every call, per spec section 6: "Readers MUST consume
// the full frame on dispatch."
func ReadFrame(r io.Reader) (Frame, error) {
	msgType, correlationID, payloadLen, err := ReadHeader(r)
	if err != nil {
		return Frame{}, err
	}
	if payloadLen > MaxPayloadLen {
		return Frame{}, ErrPayloadTooLarge
	}
	payload := make([]byte, payloadLen)
	if payloadLen > 0 {
		if _, err := io.ReadFull(r, payload); err != nil {
			return Frame{}, fmt.Errorf("wire: read payload: %w", err)
		}
	}
	return Frame{Type: msgType, CorrelationID: correlationID, Payload: payload}, nil
}

// PeekCancel samples a buffered connection for a pending CANCEL frame
// without consuming any bytes on a miss, per spec section 4.8: "peek
// exactly header-bytes; if msg_type == CANCEL, return true; otherwise
// return false and leave bytes in the buffer."
//
// It does not wait for a frame: if no header arrives within peekWait, it
// returns (false, nil). This is implemented with a short read deadline
// rather than raw MSG_PEEK socket flags, since bufio.Reader.Peek already
// gives us "don't consume" and a SetReadDeadline peekWait ahead gives us
// "don't block" over any net.Conn, vsock included. (A deadline that has
// already passed would fail every read before any data is returned.)
func PeekCancel(conn net.Conn, br *bufio.Reader) (bool, error) {
	const peekWait = 10 * time.Millisecond
	if err := conn.SetReadDeadline(time.Now().Add(peekWait)); err != nil {
		return false, fmt.Errorf("wire: set read deadline: %w", err)
	}
	defer conn.SetReadDeadline(time.Time{})

	hdr, err := br.Peek(HeaderLen)
	if err != nil {
		if isTimeout(err) {
			return false, nil
		}
		if errors.Is(err, io.EOF) || errors.Is(err, bufio.ErrBufferFull) {
			return false, nil
		}
		return false, err
	}
	return MsgType(hdr[0]) == MsgCancel, nil
}

func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
