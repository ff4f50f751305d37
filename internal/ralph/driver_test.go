package ralph

import (
	"context"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/martiangreed/marathon/internal/domain"
	"github.com/martiangreed/marathon/internal/transport"
	"github.com/martiangreed/marathon/internal/wire"
)

// initLocalOrigin creates a tiny local git repository so CloneRepository
// can clone it without network access, standing in for a real forge repo.
func initLocalOrigin(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	run := func(args ...string) {
		cmd := exec.Command("git", args...)
		cmd.Dir = dir
		if out, err := cmd.CombinedOutput(); err != nil {
			t.Skipf("git unavailable in this environment: %v: %s", err, out)
		}
	}
	run("init", "-q", "-b", "main")
	run("config", "user.email", "origin@marathon.local")
	run("config", "user.name", "marathon-origin")
	if err := os.WriteFile(filepath.Join(dir, "README.md"), []byte("hi"), 0o644); err != nil {
		t.Fatal(err)
	}
	run("add", "README.md")
	run("commit", "-q", "-m", "initial")
	return dir
}

// writeCountingAgent writes a shell script that tracks its own invocation
// count in a file under its cwd, emitting the configured promise once it
// has run promiseAtIteration times — simulating S2 (three iterations to
// completion) without a real AI agent binary.
func writeCountingAgent(t *testing.T, promiseAtIteration int) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "agent.sh")
	script := "#!/bin/sh\ncat >/dev/null\n" +
		"n=0\n[ -f count ] && n=$(cat count)\n" +
		"n=$((n+1))\necho $n > count\n" +
		"if [ \"$n\" -ge " + strconv.Itoa(promiseAtIteration) + " ]; then echo '<promise>TASK_COMPLETE</promise>'; fi\n" +
		"exit 0\n"
	if err := os.WriteFile(path, []byte(script), 0o755); err != nil {
		t.Fatal(err)
	}
	return path
}

// singleConnListener hands out one pre-made net.Conn then blocks forever,
// so transport.RunPrologue's retry loop has somewhere to wait without a
// real listener.
type singleConnListener struct {
	conns chan net.Conn
}

func (l *singleConnListener) Accept() (net.Conn, error) { return <-l.conns, nil }
func (l *singleConnListener) Close() error               { return nil }
func (l *singleConnListener) Addr() net.Addr             { return nil }

func TestDriver_ThreeIterationsToCompletion(t *testing.T) {
	origin := initLocalOrigin(t)
	agentBin := writeCountingAgent(t, 3)

	hostConn, guestConn := net.Pipe()
	defer hostConn.Close()
	defer guestConn.Close()

	l := &singleConnListener{conns: make(chan net.Conn, 1)}
	l.conns <- guestConn

	guestDone := make(chan struct {
		session *transport.GuestSession
		err     error
	}, 1)
	go func() {
		s, err := transport.RunPrologue(l, 1)
		guestDone <- struct {
			session *transport.GuestSession
			err     error
		}{s, err}
	}()

	var taskID domain.TaskID
	hostSession, err := transport.AcceptHostSession(hostConn, taskID)
	if err != nil {
		t.Fatalf("AcceptHostSession: %v", err)
	}

	start := wire.TaskStartPayload{
		TaskID:            "t-1",
		RepoURL:           origin,
		Branch:            "main",
		Prompt:            "do the work",
		CompletionPromise: "TASK_COMPLETE",
		MaxIterations:     5,
	}
	if err := hostSession.SendTaskStart(start); err != nil {
		t.Fatalf("SendTaskStart: %v", err)
	}

	res := <-guestDone
	if res.err != nil {
		t.Fatalf("guest handshake: %v", res.err)
	}

	d := &Driver{
		Session:            res.session,
		AgentBin:           "/bin/sh",
		AgentArgs:          []string{agentBin},
		WorkRoot:           t.TempDir(),
		NetworkProbeAddr:   "127.0.0.1:1", // nothing listens here: fails fast instead of dialing the real internet
		NetworkWaitTimeout: 50 * time.Millisecond,
	}

	driverDone := make(chan error, 1)
	go func() { driverDone <- d.Run(context.Background()) }()

	events := make(chan domain.TaskEvent, 32)
	serveDone := make(chan error, 1)
	go func() { serveDone <- hostSession.Serve(context.Background(), events) }()

	var complete *domain.CompletionResult
	timeout := time.After(10 * time.Second)
loop:
	for {
		select {
		case ev := <-events:
			switch ev.Kind {
			case domain.EventComplete:
				c := ev.Complete
				complete = &c
				break loop
			case domain.EventError:
				t.Fatalf("unexpected ERROR event: %+v", ev.Error)
			}
		case <-timeout:
			t.Fatal("timed out waiting for COMPLETE")
		}
	}

	if complete == nil {
		t.Fatal("expected a completion result")
	}
	if complete.Iteration != 3 {
		t.Fatalf("expected iteration=3, got %d", complete.Iteration)
	}
	if !complete.PromiseFound {
		t.Fatal("expected promise_found=true")
	}

	select {
	case err := <-driverDone:
		if err != nil {
			t.Fatalf("Driver.Run: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Driver.Run did not return")
	}
}
