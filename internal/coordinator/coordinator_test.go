package coordinator

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/martiangreed/marathon/internal/cache"
	"github.com/martiangreed/marathon/internal/domain"
	"github.com/martiangreed/marathon/internal/store"
	"github.com/martiangreed/marathon/internal/wire"
)

func newTestCoordinator() *Coordinator {
	return New(store.NewMemoryStore(), cache.NewInMemoryCache(), Config{
		StaleTimeout:     50 * time.Millisecond,
		ScheduleInterval: 10 * time.Millisecond,
		UsageCacheTTL:    time.Minute,
		EventBufferTTL:   time.Minute,
	})
}

func TestTaskIDHexRoundTrip(t *testing.T) {
	id := newTaskID()
	got, err := taskIDFromHex(taskIDToHex(id))
	if err != nil {
		t.Fatalf("taskIDFromHex: %v", err)
	}
	if got != id {
		t.Fatalf("round trip mismatch: got %x, want %x", got, id)
	}
}

func TestCoordinator_SubmitQueuesTask(t *testing.T) {
	c := newTestCoordinator()
	ctx := context.Background()

	task, err := c.Submit(ctx, SubmitRequest{OwnerID: "alice", RepoURL: "https://example.com/r.git", Prompt: "do it"})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if task.State != domain.TaskQueued {
		t.Fatalf("expected queued, got %s", task.State)
	}

	stored, err := c.store.GetTask(ctx, task.ID)
	if err != nil {
		t.Fatalf("GetTask: %v", err)
	}
	if stored.OwnerID != "alice" {
		t.Fatalf("unexpected owner: %q", stored.OwnerID)
	}
}

func TestCoordinator_CancelQueuedTask(t *testing.T) {
	c := newTestCoordinator()
	ctx := context.Background()

	task, err := c.Submit(ctx, SubmitRequest{OwnerID: "bob", RepoURL: "r", Prompt: "p"})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if err := c.Cancel(ctx, task.ID); err != nil {
		t.Fatalf("Cancel: %v", err)
	}

	stored, _ := c.store.GetTask(ctx, task.ID)
	if stored.State != domain.TaskCancelled {
		t.Fatalf("expected cancelled, got %s", stored.State)
	}
}

func TestCoordinator_CancelRunningTaskSendsCancelFrame(t *testing.T) {
	c := newTestCoordinator()
	ctx := context.Background()

	task, err := c.Submit(ctx, SubmitRequest{OwnerID: "carl", RepoURL: "r", Prompt: "p"})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	task.State = domain.TaskRunning
	task.NodeID = "node-1"
	if err := c.store.SaveTask(ctx, task); err != nil {
		t.Fatalf("SaveTask: %v", err)
	}

	server, client := net.Pipe()
	defer server.Close()
	defer client.Close()
	c.RegisterConn("node-1", client)

	done := make(chan error, 1)
	go func() {
		if err := c.Cancel(ctx, task.ID); err != nil {
			done <- err
			return
		}
		done <- nil
	}()

	frame, err := wire.ReadFrame(server)
	if err != nil {
		t.Fatalf("ReadFrame: %v", err)
	}
	if frame.Type != wire.MsgCancelTask {
		t.Fatalf("expected CANCEL_TASK, got %s", frame.Type)
	}
	payload, err := wire.DecodeCancelTask(frame.Payload)
	if err != nil {
		t.Fatalf("DecodeCancelTask: %v", err)
	}
	if payload.TaskID != taskIDToHex(task.ID) {
		t.Fatalf("unexpected task id in CANCEL_TASK: %q", payload.TaskID)
	}
	if err := <-done; err != nil {
		t.Fatalf("Cancel: %v", err)
	}
}

func TestCoordinator_HandleTaskEvent_ProgressTransitionsRunning(t *testing.T) {
	c := newTestCoordinator()
	ctx := context.Background()

	task, _ := c.Submit(ctx, SubmitRequest{OwnerID: "dee", RepoURL: "r", Prompt: "p"})
	task.State = domain.TaskStarting
	task.NodeID = "node-1"
	_ = c.store.SaveTask(ctx, task)

	ev := domain.TaskEvent{
		TaskID:   task.ID,
		Kind:     domain.EventProgress,
		Progress: domain.ProgressUpdate{Iteration: 1, MaxIterations: 10, Status: "running"},
	}
	if err := c.HandleTaskEvent(ctx, ev); err != nil {
		t.Fatalf("HandleTaskEvent: %v", err)
	}

	stored, _ := c.store.GetTask(ctx, task.ID)
	if stored.State != domain.TaskRunning {
		t.Fatalf("expected running, got %s", stored.State)
	}
	entry, ok := c.progress.Get(task.ID)
	if !ok || entry.Iteration != 1 {
		t.Fatalf("expected progress entry recorded, got %+v ok=%v", entry, ok)
	}
	if got := c.events.Snapshot(task.ID); len(got) != 1 {
		t.Fatalf("expected one buffered event, got %d", len(got))
	}
}

func TestCoordinator_HandleTaskEvent_CompleteIsTerminalAndIdempotent(t *testing.T) {
	c := newTestCoordinator()
	ctx := context.Background()

	task, _ := c.Submit(ctx, SubmitRequest{OwnerID: "eve", RepoURL: "r", Prompt: "p"})
	task.State = domain.TaskRunning
	task.NodeID = "node-1"
	_ = c.store.SaveTask(ctx, task)

	usage := domain.UsageMetrics{InputTokens: 100, OutputTokens: 50}
	ev := domain.TaskEvent{
		TaskID:   task.ID,
		Kind:     domain.EventComplete,
		Complete: domain.CompletionResult{Usage: usage, ArtifactURL: "s3://bucket/artifact.tar"},
	}
	if err := c.HandleTaskEvent(ctx, ev); err != nil {
		t.Fatalf("HandleTaskEvent: %v", err)
	}

	stored, _ := c.store.GetTask(ctx, task.ID)
	if stored.State != domain.TaskCompleted {
		t.Fatalf("expected completed, got %s", stored.State)
	}
	if stored.Usage != usage {
		t.Fatalf("expected usage recorded, got %+v", stored.Usage)
	}
	if _, ok := c.progress.Get(task.ID); ok {
		t.Fatal("expected progress entry removed on completion")
	}

	// A second COMPLETE (e.g. a retransmit) must not reopen or re-mutate
	// the already-terminal task (spec testable property: terminal state
	// permanence).
	ev2 := domain.TaskEvent{
		TaskID:   task.ID,
		Kind:     domain.EventComplete,
		Complete: domain.CompletionResult{Usage: domain.UsageMetrics{InputTokens: 999}},
	}
	if err := c.HandleTaskEvent(ctx, ev2); err != nil {
		t.Fatalf("HandleTaskEvent (retransmit): %v", err)
	}
	stored2, _ := c.store.GetTask(ctx, task.ID)
	if stored2.Usage != usage {
		t.Fatalf("expected usage unchanged by retransmit, got %+v", stored2.Usage)
	}
}

func TestCoordinator_AggregateUsageCaches(t *testing.T) {
	c := newTestCoordinator()
	ctx := context.Background()

	task, _ := c.Submit(ctx, SubmitRequest{OwnerID: "frank", RepoURL: "r", Prompt: "p"})
	task.State = domain.TaskRunning
	_ = c.store.SaveTask(ctx, task)

	_ = c.HandleTaskEvent(ctx, domain.TaskEvent{
		TaskID:   task.ID,
		Kind:     domain.EventComplete,
		Complete: domain.CompletionResult{Usage: domain.UsageMetrics{InputTokens: 42}},
	})

	got, err := c.AggregateUsage(ctx, "frank")
	if err != nil {
		t.Fatalf("AggregateUsage: %v", err)
	}
	if got.InputTokens != 42 {
		t.Fatalf("expected 42 input tokens, got %d", got.InputTokens)
	}

	cached, err := c.AggregateUsage(ctx, "frank")
	if err != nil {
		t.Fatalf("AggregateUsage (cached): %v", err)
	}
	if cached.InputTokens != 42 {
		t.Fatalf("expected cached value to match, got %d", cached.InputTokens)
	}
}

func TestCoordinator_ServeNodeConnHeartbeatRegistersNode(t *testing.T) {
	c := newTestCoordinator()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	server, client := net.Pipe()

	done := make(chan error, 1)
	go func() { done <- c.ServeNodeConn(ctx, server) }()

	hb := wire.HeartbeatPayload{
		NodeID: "node-9", Hostname: "h", TotalSlots: 4, ActiveVMs: 1,
		Healthy: true,
	}
	if err := wire.WriteFrame(client, wire.Frame{Type: wire.MsgHeartbeat, Payload: wire.EncodeHeartbeat(hb)}); err != nil {
		t.Fatalf("WriteFrame: %v", err)
	}

	deadline := time.Now().Add(time.Second)
	var status domain.NodeStatus
	var ok bool
	for time.Now().Before(deadline) {
		status, ok = c.registry.Get("node-9")
		if ok {
			break
		}
		time.Sleep(time.Millisecond)
	}
	if !ok {
		t.Fatal("expected node-9 to be registered")
	}
	if status.TotalSlots != 4 || !status.Healthy {
		t.Fatalf("unexpected status: %+v", status)
	}

	client.Close()
	<-done
}
