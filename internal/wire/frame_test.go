package wire

import (
	"bufio"
	"bytes"
	"io"
	"net"
	"testing"
	"time"

	"github.com/martiangreed/marathon/internal/domain"
)

func TestFrameRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	want := Frame{Type: MsgOutput, CorrelationID: 42, Payload: []byte("hello")}
	if err := WriteFrame(&buf, want); err != nil {
		t.Fatalf("WriteFrame: %v", err)
	}
	got, err := ReadFrame(&buf)
	if err != nil {
		t.Fatalf("ReadFrame: %v", err)
	}
	if got.Type != want.Type || got.CorrelationID != want.CorrelationID || !bytes.Equal(got.Payload, want.Payload) {
		t.Fatalf("round trip mismatch: got %+v, want %+v", got, want)
	}
}

func TestFrameRoundTripEmptyPayload(t *testing.T) {
	var buf bytes.Buffer
	want := Frame{Type: MsgCancel, CorrelationID: 0, Payload: nil}
	if err := WriteFrame(&buf, want); err != nil {
		t.Fatalf("WriteFrame: %v", err)
	}
	got, err := ReadFrame(&buf)
	if err != nil {
		t.Fatalf("ReadFrame: %v", err)
	}
	if got.Type != want.Type || len(got.Payload) != 0 {
		t.Fatalf("round trip mismatch: got %+v", got)
	}
}

func TestReadFrameRejectsOversizedPayload(t *testing.T) {
	var buf bytes.Buffer
	// Hand-craft a header claiming an absurd payload length.
	buf.WriteByte(byte(MsgOutput))
	var hdr [8]byte
	hdr[3] = 0 // correlation id low bytes (all zero is fine)
	// payload_len = MaxPayloadLen + 1, encoded big-endian in the last 4 bytes
	n := uint32(MaxPayloadLen + 1)
	hdr[4] = byte(n >> 24)
	hdr[5] = byte(n >> 16)
	hdr[6] = byte(n >> 8)
	hdr[7] = byte(n)
	buf.Write(hdr[:])

	if _, err := ReadFrame(&buf); err != ErrPayloadTooLarge {
		t.Fatalf("expected ErrPayloadTooLarge, got %v", err)
	}
}

func TestMessageCodecRoundTrips(t *testing.T) {
	t.Run("output", func(t *testing.T) {
		want := OutputPayload{Stderr: true, Data: []byte("stack trace")}
		got, err := DecodeOutput(EncodeOutput(want))
		if err != nil {
			t.Fatal(err)
		}
		if got.Stderr != want.Stderr || !bytes.Equal(got.Data, want.Data) {
			t.Fatalf("got %+v, want %+v", got, want)
		}
	})

	t.Run("metrics", func(t *testing.T) {
		want := MetricsPayload{InputTokens: 10, OutputTokens: 20, CostUSD: 1.2345}
		got, err := DecodeMetrics(EncodeMetrics(want))
		if err != nil {
			t.Fatal(err)
		}
		if got != want {
			t.Fatalf("got %+v, want %+v", got, want)
		}
	})

	t.Run("complete with artifact", func(t *testing.T) {
		want := CompletePayload{
			ExitCode: 0,
			Usage: domain.UsageMetrics{
				ComputeTimeMs: 1500, InputTokens: 100, OutputTokens: 200,
				CacheReadTokens: 5, CacheWriteTokens: 6, ToolCalls: 3,
			},
			Iteration:    2,
			PromiseFound: false,
			ArtifactURL:  "https://example.test/o/r/pull/42",
		}
		got, err := DecodeComplete(EncodeComplete(want))
		if err != nil {
			t.Fatal(err)
		}
		if got != want {
			t.Fatalf("got %+v, want %+v", got, want)
		}
	})

	t.Run("complete without artifact", func(t *testing.T) {
		want := CompletePayload{ExitCode: 1, Iteration: 1, PromiseFound: true}
		got, err := DecodeComplete(EncodeComplete(want))
		if err != nil {
			t.Fatal(err)
		}
		if got.ArtifactURL != "" {
			t.Fatalf("expected empty artifact url, got %q", got.ArtifactURL)
		}
		if got != want {
			t.Fatalf("got %+v, want %+v", got, want)
		}
	})

	t.Run("error", func(t *testing.T) {
		want := ErrorPayload{Code: "needs_clarification", Message: "Which DB?"}
		got, err := DecodeError(EncodeError(want))
		if err != nil {
			t.Fatal(err)
		}
		if got != want {
			t.Fatalf("got %+v, want %+v", got, want)
		}
	})

	t.Run("ready", func(t *testing.T) {
		want := ReadyPayload{VMID: 7}
		got, err := DecodeReady(EncodeReady(want))
		if err != nil {
			t.Fatal(err)
		}
		if got != want {
			t.Fatalf("got %+v, want %+v", got, want)
		}
	})

	t.Run("task start", func(t *testing.T) {
		want := TaskStartPayload{
			TaskID: "t1", RepoURL: "https://example.test/o/r", Branch: "main",
			Prompt: "fix the bug", CredentialToken: "tok", ForgeHost: "example.test",
			CreateArtifact:    true,
			ArtifactMetadata:  map[string]string{"draft": "false"},
			EnvOverrides:      map[string]string{"FOO": "bar"},
			MaxIterations:     50,
			CompletionPromise: "TASK_COMPLETE",
		}
		got, err := DecodeTaskStart(EncodeTaskStart(want))
		if err != nil {
			t.Fatal(err)
		}
		if got.TaskID != want.TaskID || got.CompletionPromise != want.CompletionPromise ||
			got.ArtifactMetadata["draft"] != "false" || got.EnvOverrides["FOO"] != "bar" {
			t.Fatalf("got %+v, want %+v", got, want)
		}
	})

	t.Run("progress", func(t *testing.T) {
		want := ProgressPayload{Iteration: 3, MaxIterations: 50, Status: "running"}
		got, err := DecodeProgress(EncodeProgress(want))
		if err != nil {
			t.Fatal(err)
		}
		if got != want {
			t.Fatalf("got %+v, want %+v", got, want)
		}
	})

	t.Run("heartbeat", func(t *testing.T) {
		want := HeartbeatPayload{
			NodeID: "node-1", Hostname: "box1", TotalSlots: 10, ActiveVMs: 3, WarmVMs: 4,
			CPUFraction: 0.42, MemoryFraction: 0.55, DiskFreeBytes: 1 << 30,
			Healthy: true, Draining: false, UptimeSeconds: 12345, LastTaskUnixMs: 999,
		}
		got, err := DecodeHeartbeat(EncodeHeartbeat(want))
		if err != nil {
			t.Fatal(err)
		}
		if got != want {
			t.Fatalf("got %+v, want %+v", got, want)
		}
	})

	t.Run("cancel task", func(t *testing.T) {
		want := CancelTaskPayload{TaskID: "t1"}
		got, err := DecodeCancelTask(EncodeCancelTask(want))
		if err != nil {
			t.Fatal(err)
		}
		if got != want {
			t.Fatalf("got %+v, want %+v", got, want)
		}
	})

	t.Run("task event wrapping progress", func(t *testing.T) {
		inner := EncodeProgress(ProgressPayload{Iteration: 1, MaxIterations: 50, Status: "running"})
		want := TaskEventPayload{TaskID: "t1", InnerType: MsgProgress, InnerPayload: inner}
		got, err := DecodeTaskEvent(EncodeTaskEvent(want))
		if err != nil {
			t.Fatal(err)
		}
		if got.TaskID != want.TaskID || got.InnerType != want.InnerType || !bytes.Equal(got.InnerPayload, want.InnerPayload) {
			t.Fatalf("got %+v, want %+v", got, want)
		}
	})
}

func TestDecodeTruncatedPayloadFails(t *testing.T) {
	if _, err := DecodeComplete([]byte{0, 0, 0}); err == nil {
		t.Fatal("expected error decoding truncated payload")
	}
}

// The cancel-peek tests below use net.Pipe directly; net.Pipe supports
// SetReadDeadline, which PeekCancel relies on.
func TestPeekCancelNonBlockingOnEmptyConn(t *testing.T) {
	serverConn, clientConn := net.Pipe()
	defer serverConn.Close()
	defer clientConn.Close()

	br := bufio.NewReader(serverConn)
	done := make(chan struct{})
	var isCancel bool
	var peekErr error
	go func() {
		isCancel, peekErr = PeekCancel(serverConn, br)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("PeekCancel blocked despite no pending data")
	}
	if peekErr != nil {
		t.Fatalf("PeekCancel error: %v", peekErr)
	}
	if isCancel {
		t.Fatal("expected no cancel pending")
	}
}

func TestPeekCancelDetectsPendingCancelAndLeavesItForReadFrame(t *testing.T) {
	serverConn, clientConn := net.Pipe()
	defer serverConn.Close()
	defer clientConn.Close()

	go func() {
		_ = WriteFrame(clientConn, Frame{Type: MsgCancel})
	}()

	br := bufio.NewReader(serverConn)
	// Give the writer goroutine a moment to land bytes in the pipe buffer
	// from the reader's perspective; net.Pipe is synchronous so the first
	// Peek call itself will rendezvous with the write.
	isCancel, err := PeekCancel(serverConn, br)
	if err != nil {
		t.Fatalf("PeekCancel: %v", err)
	}
	if !isCancel {
		t.Fatal("expected pending CANCEL frame to be detected")
	}

	// The frame must still be fully readable afterwards (peek must not
	// consume).
	f, err := ReadFrame(br)
	if err != nil {
		t.Fatalf("ReadFrame after peek: %v", err)
	}
	if f.Type != MsgCancel {
		t.Fatalf("got %v, want MsgCancel", f.Type)
	}
}

var _ io.Reader = (*bytes.Buffer)(nil)
