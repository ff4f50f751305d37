// Package coordinator implements the coordinator's task-submission,
// dispatch, and event-ingestion logic (spec section 4.5/4.6 plus the
// expansion sections 4.5a-4.5c): accepting submissions, enqueueing,
// assigning to nodes via internal/schedule, tracking node liveness via
// internal/noderegistry, and folding events reported by nodes back into
// task state.
//
// Grounded on the teacher's internal/executor.remote (the "dispatch to a
// remote worker over a long-lived connection, multiplex replies back"
// shape), narrowed from gRPC invocation dispatch to the fixed 9-byte
// internal/wire framing this spec mandates over a plain net.Conn — spec
// section 4.8a: "one wire format, two transports."
package coordinator

import (
	"bufio"
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/martiangreed/marathon/internal/cache"
	"github.com/martiangreed/marathon/internal/circuitbreaker"
	"github.com/martiangreed/marathon/internal/domain"
	"github.com/martiangreed/marathon/internal/eventbuffer"
	"github.com/martiangreed/marathon/internal/logging"
	"github.com/martiangreed/marathon/internal/metrics"
	"github.com/martiangreed/marathon/internal/noderegistry"
	"github.com/martiangreed/marathon/internal/observability"
	"github.com/martiangreed/marathon/internal/progress"
	"github.com/martiangreed/marathon/internal/schedule"
	"github.com/martiangreed/marathon/internal/store"
	"github.com/martiangreed/marathon/internal/wire"
)

// Config bundles the coordinator's tunables.
type Config struct {
	StaleTimeout     time.Duration
	ScheduleInterval time.Duration
	UsageCacheTTL    time.Duration
	EventBufferTTL   time.Duration
}

func (c Config) withDefaults() Config {
	if c.StaleTimeout <= 0 {
		c.StaleTimeout = 30 * time.Second
	}
	if c.ScheduleInterval <= 0 {
		c.ScheduleInterval = 2 * time.Second
	}
	if c.UsageCacheTTL <= 0 {
		c.UsageCacheTTL = 5 * time.Second
	}
	if c.EventBufferTTL <= 0 {
		c.EventBufferTTL = 10 * time.Minute
	}
	return c
}

// Coordinator owns the coordinator's view of tasks and nodes: durable
// storage, the in-memory node registry, the scheduler, per-node dispatch
// connections, and the progress/event-buffer/usage-cache read paths.
type Coordinator struct {
	cfg Config

	store    store.TaskStore
	registry *noderegistry.Registry
	progress *progress.Tracker
	events   *eventbuffer.Buffer
	usage    cache.Cache
	breakers *circuitbreaker.Registry

	scheduler *schedule.Scheduler

	mu    sync.Mutex
	conns map[string]*nodeConn // node id -> dispatch connection

	stopCh   chan struct{}
	stopOnce sync.Once
}

// New constructs a Coordinator. Call Start to begin the background
// scheduler tick and stale-node reap loops.
func New(st store.TaskStore, usage cache.Cache, cfg Config) *Coordinator {
	cfg = cfg.withDefaults()
	c := &Coordinator{
		cfg:      cfg,
		store:    st,
		registry: noderegistry.New(cfg.StaleTimeout),
		progress: progress.New(cfg.EventBufferTTL),
		events:   eventbuffer.New(cfg.EventBufferTTL, 64),
		usage:    usage,
		breakers: circuitbreaker.NewRegistry(circuitbreaker.DefaultConfig()),
		conns:    make(map[string]*nodeConn),
		stopCh:   make(chan struct{}),
	}
	c.scheduler = schedule.New(taskSourceAdapter{c}, taskSourceAdapter{c}, c)
	return c
}

// Registry exposes the node registry for the coordinator's wire-facing
// heartbeat server.
func (c *Coordinator) Registry() *noderegistry.Registry { return c.registry }

// Progress exposes the progress tracker for status-query callers.
func (c *Coordinator) Progress() *progress.Tracker { return c.progress }

// Events exposes the event buffer for pull-style status-query callers.
func (c *Coordinator) Events() *eventbuffer.Buffer { return c.events }

// Start begins the scheduler tick loop and the stale-node reap loop.
func (c *Coordinator) Start(ctx context.Context) {
	go c.scheduleLoop(ctx)
	go c.reapLoop(ctx)
}

// Stop halts the background loops.
func (c *Coordinator) Stop() {
	c.stopOnce.Do(func() { close(c.stopCh) })
}

func (c *Coordinator) scheduleLoop(ctx context.Context) {
	ticker := time.NewTicker(c.cfg.ScheduleInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.stopCh:
			return
		case <-ticker.C:
			start := time.Now()
			assigned := c.scheduler.Tick()
			metrics.RecordSchedulerTick(float64(time.Since(start).Milliseconds()), assigned)
			metrics.SetHealthyNodes(len(c.registry.Healthy()))
		}
	}
}

// reapLoop periodically reaps stale nodes (spec section 4.5/4.6: a node
// whose last heartbeat is older than the stale timeout is reaped from the
// registry, and any task in `starting` on it is returned to `queued`).
func (c *Coordinator) reapLoop(ctx context.Context) {
	ticker := time.NewTicker(c.cfg.StaleTimeout / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.stopCh:
			return
		case <-ticker.C:
			for _, nodeID := range c.registry.ReapStale() {
				c.returnStartingTasks(ctx, nodeID)
				c.closeConn(nodeID)
			}
		}
	}
}

func (c *Coordinator) returnStartingTasks(ctx context.Context, nodeID string) {
	tasks, err := c.store.ListActiveTasksByNode(ctx, nodeID)
	if err != nil {
		logging.Op().Warn("coordinator: list active tasks for reaped node", "node_id", nodeID, "error", err)
		return
	}
	for _, task := range tasks {
		if task.State != domain.TaskStarting {
			continue
		}
		task.State = domain.TaskQueued
		task.NodeID = ""
		if err := c.store.SaveTask(ctx, task); err != nil {
			logging.Op().Warn("coordinator: return task to queued", "task_id", task.ID, "error", err)
		}
	}
}

// Submit creates a new task in the `queued` state and persists it. The
// scheduler's next tick picks it up.
func (c *Coordinator) Submit(ctx context.Context, req SubmitRequest) (*domain.Task, error) {
	task := &domain.Task{
		ID:                newTaskID(),
		OwnerID:           req.OwnerID,
		State:             domain.TaskQueued,
		RepoURL:           req.RepoURL,
		Branch:            req.Branch,
		Prompt:            req.Prompt,
		CompletionPromise: req.CompletionPromise,
		MaxIterations:     req.MaxIterations,
		EnvOverrides:      req.EnvOverrides,
		CreatedAt:         time.Now(),
	}
	if err := c.store.SaveTask(ctx, task); err != nil {
		return nil, fmt.Errorf("coordinator: save submitted task: %w", err)
	}
	metrics.Global().RecordTaskSubmission()
	return task, nil
}

// SubmitRequest is the caller-facing view of a task submission (spec
// section 3: "source repository, branch, prompt, resource limits").
type SubmitRequest struct {
	OwnerID           string
	RepoURL           string
	Branch            string
	Prompt            string
	CompletionPromise string
	MaxIterations     int
	EnvOverrides      map[string]string
}

// Cancel requests cancellation of a task (spec section 5, "Cancellation").
// A task still `queued` transitions directly to `cancelled` with no
// downstream traffic; a task `starting` or `running` has a CANCEL_TASK
// frame forwarded to its assigned node.
func (c *Coordinator) Cancel(ctx context.Context, taskID domain.TaskID) error {
	task, err := c.store.GetTask(ctx, taskID)
	if err != nil {
		return fmt.Errorf("coordinator: cancel: %w", err)
	}
	if task.State.IsTerminal() {
		return nil // already terminal; nothing to do
	}
	if task.State == domain.TaskQueued {
		task.State = domain.TaskCancelled
		task.CompletedAt = time.Now()
		return c.store.SaveTask(ctx, task)
	}

	conn := c.connFor(task.NodeID)
	if conn == nil {
		return fmt.Errorf("coordinator: cancel: no dispatch connection for node %q", task.NodeID)
	}
	breaker := c.breakers.Get(task.NodeID)
	if !breaker.Allow() {
		return fmt.Errorf("coordinator: cancel: circuit open for node %q", task.NodeID)
	}
	idHex := taskIDToHex(task.ID)
	if err := conn.send(wire.Frame{Type: wire.MsgCancelTask, Payload: wire.EncodeCancelTask(wire.CancelTaskPayload{TaskID: idHex})}); err != nil {
		breaker.RecordFailure()
		return fmt.Errorf("coordinator: send CANCEL_TASK: %w", err)
	}
	breaker.RecordSuccess()
	return nil
}

// AssignTask implements schedule.Dispatcher: it sends ASSIGN_TASK to the
// chosen node over that node's dispatch connection, gated by the node's
// circuit breaker (spec section 4.5b).
func (c *Coordinator) AssignTask(nodeID string, task domain.Task) error {
	_, span := observability.StartSpan(context.Background(), "coordinator.assign_task",
		observability.AttrTaskID.String(taskIDToHex(task.ID)),
		observability.AttrNodeID.String(nodeID),
	)
	defer span.End()

	conn := c.connFor(nodeID)
	if conn == nil {
		err := fmt.Errorf("coordinator: no dispatch connection for node %q", nodeID)
		observability.SetSpanError(span, err)
		return err
	}
	breaker := c.breakers.Get(nodeID)
	stateBefore := breaker.State()
	if !breaker.Allow() {
		err := fmt.Errorf("coordinator: circuit open for node %q", nodeID)
		observability.SetSpanError(span, err)
		return err
	}

	payload := wire.TaskStartPayload{
		TaskID:            taskIDToHex(task.ID),
		RepoURL:           task.RepoURL,
		Branch:            task.Branch,
		Prompt:            task.Prompt,
		EnvOverrides:      task.EnvOverrides,
		MaxIterations:     uint32(task.MaxIterations),
		CompletionPromise: task.CompletionPromise,
	}
	if err := conn.send(wire.Frame{Type: wire.MsgAssignTask, Payload: wire.EncodeAssignTask(payload)}); err != nil {
		breaker.RecordFailure()
		c.reportBreakerState(nodeID, stateBefore, breaker.State())
		observability.SetSpanError(span, err)
		return fmt.Errorf("coordinator: send ASSIGN_TASK: %w", err)
	}
	breaker.RecordSuccess()
	c.reportBreakerState(nodeID, stateBefore, breaker.State())
	observability.SetSpanOK(span)
	return nil
}

// reportBreakerState pushes the breaker's gauge and, on a transition,
// records the trip for Prometheus (spec section 4.5b's dispatch-guard
// breaker, surfaced the way the teacher's internal/circuitbreaker reports
// to its own invocation-path metrics).
func (c *Coordinator) reportBreakerState(nodeID string, before, after circuitbreaker.State) {
	metrics.SetCircuitBreakerState(nodeID, int(after))
	if after != before {
		metrics.RecordCircuitBreakerTrip(nodeID, after.String())
	}
}

// HandleTaskEvent folds one event reported (directly, or forwarded by a
// node daemon) into task state: progress updates the progress tracker,
// terminal events persist the task's final state, everything is buffered
// for pull-style status queries.
func (c *Coordinator) HandleTaskEvent(ctx context.Context, ev domain.TaskEvent) error {
	c.events.Append(ev)

	switch ev.Kind {
	case domain.EventProgress:
		c.progress.Update(ev.TaskID, ev.Progress.Iteration, ev.Progress.MaxIterations, ev.Progress.Status)
		return c.transitionRunning(ctx, ev.TaskID)

	case domain.EventComplete:
		return c.finish(ctx, ev.TaskID, domain.TaskCompleted, func(task *domain.Task) {
			task.Usage = ev.Complete.Usage
			task.ArtifactURL = ev.Complete.ArtifactURL
		})

	case domain.EventError:
		state := domain.TaskFailed
		if ev.Error.Code == "cancelled" {
			state = domain.TaskCancelled
		}
		return c.finish(ctx, ev.TaskID, state, func(task *domain.Task) {
			task.ErrorCode = ev.Error.Code
			task.ErrorMessage = ev.Error.Message
		})

	default:
		return nil // OUTPUT/METRICS: buffered above, no state transition
	}
}

func (c *Coordinator) transitionRunning(ctx context.Context, taskID domain.TaskID) error {
	task, err := c.store.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	if task.State != domain.TaskStarting {
		return nil
	}
	task.State = domain.TaskRunning
	task.StartedAt = time.Now()
	return c.store.SaveTask(ctx, task)
}

func (c *Coordinator) finish(ctx context.Context, taskID domain.TaskID, state domain.TaskState, mutate func(*domain.Task)) error {
	task, err := c.store.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	if task.State.IsTerminal() {
		return nil // terminal state permanence (spec testable property 6)
	}
	task.State = state
	task.CompletedAt = time.Now()
	mutate(task)
	if err := c.store.SaveTask(ctx, task); err != nil {
		return err
	}
	c.progress.Remove(taskID)
	c.invalidateUsageCache(ctx, task.OwnerID)

	durationMs := int64(0)
	if !task.CreatedAt.IsZero() {
		durationMs = task.CompletedAt.Sub(task.CreatedAt).Milliseconds()
	}
	metrics.Global().RecordTaskCompletion(state.String(), task.NodeID, durationMs, metrics.Usage{
		InputTokens:  task.Usage.InputTokens,
		OutputTokens: task.Usage.OutputTokens,
		ToolCalls:    task.Usage.ToolCalls,
	})
	return nil
}

// AggregateUsage returns the sum of usage across a client's tasks,
// fronted by a short-TTL cache entry (spec section 4.5c).
func (c *Coordinator) AggregateUsage(ctx context.Context, ownerID string) (domain.UsageMetrics, error) {
	key := "usage:" + ownerID
	if raw, err := c.usage.Get(ctx, key); err == nil {
		if u, ok := decodeUsageCacheValue(raw); ok {
			return u, nil
		}
	}

	tasks, err := c.store.ListTasksByOwner(ctx, ownerID)
	if err != nil {
		return domain.UsageMetrics{}, err
	}
	var total domain.UsageMetrics
	for _, t := range tasks {
		total = total.Add(t.Usage)
	}
	if raw, ok := encodeUsageCacheValue(total); ok {
		_ = c.usage.Set(ctx, key, raw, c.cfg.UsageCacheTTL)
	}
	return total, nil
}

func (c *Coordinator) invalidateUsageCache(ctx context.Context, ownerID string) {
	_ = c.usage.Delete(ctx, "usage:"+ownerID)
}

// RegisterConn registers nodeID's dispatch connection, replacing any
// prior one (a node daemon reconnecting after a drop takes over
// dispatch for its own id).
func (c *Coordinator) RegisterConn(nodeID string, conn net.Conn) {
	nc := &nodeConn{conn: conn}
	c.mu.Lock()
	c.conns[nodeID] = nc
	c.mu.Unlock()
}

func (c *Coordinator) connFor(nodeID string) *nodeConn {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conns[nodeID]
}

func (c *Coordinator) closeConn(nodeID string) {
	c.mu.Lock()
	nc, ok := c.conns[nodeID]
	delete(c.conns, nodeID)
	c.mu.Unlock()
	if ok {
		nc.conn.Close()
	}
}

// nodeConn is one node's dispatch connection: a single net.Conn shared
// between the heartbeat-receive goroutine and any ASSIGN_TASK/CANCEL_TASK
// sends the scheduler or Cancel issue, guarded by a write mutex since the
// connection is single-owner per spec section 5 but written from more
// than one goroutine on the coordinator's side.
type nodeConn struct {
	conn net.Conn
	mu   sync.Mutex
}

func (nc *nodeConn) send(f wire.Frame) error {
	nc.mu.Lock()
	defer nc.mu.Unlock()
	return wire.WriteFrame(nc.conn, f)
}

// ServeNodeConn reads frames from a just-accepted node connection until it
// closes: HEARTBEAT upserts the registry, TASK_EVENT is unwrapped and
// folded into task state. The first frame on a connection is expected to
// be HEARTBEAT, which also registers the dispatch connection under its
// node id.
func (c *Coordinator) ServeNodeConn(ctx context.Context, conn net.Conn) error {
	br := bufio.NewReader(conn)
	var nodeID string
	defer func() {
		if nodeID != "" {
			c.closeConn(nodeID)
		} else {
			conn.Close()
		}
	}()

	for {
		frame, err := wire.ReadFrame(br)
		if err != nil {
			return err
		}
		switch frame.Type {
		case wire.MsgHeartbeat:
			p, err := wire.DecodeHeartbeat(frame.Payload)
			if err != nil {
				return fmt.Errorf("coordinator: decode HEARTBEAT: %w", err)
			}
			if nodeID == "" {
				nodeID = p.NodeID
				c.RegisterConn(nodeID, conn)
			}
			c.registry.Heartbeat(heartbeatToStatus(p))

		case wire.MsgTaskEvent:
			p, err := wire.DecodeTaskEvent(frame.Payload)
			if err != nil {
				return fmt.Errorf("coordinator: decode TASK_EVENT: %w", err)
			}
			ev, err := decodeInnerEvent(p)
			if err != nil {
				return err
			}
			if err := c.HandleTaskEvent(ctx, ev); err != nil {
				logging.Op().Warn("coordinator: handle task event", "error", err)
			}

		default:
			return fmt.Errorf("coordinator: unexpected frame type on node connection: %s", frame.Type)
		}
	}
}

func heartbeatToStatus(p wire.HeartbeatPayload) domain.NodeStatus {
	s := domain.NodeStatus{
		ID:             p.NodeID,
		Hostname:       p.Hostname,
		TotalSlots:     int(p.TotalSlots),
		ActiveVMs:      int(p.ActiveVMs),
		WarmVMs:        int(p.WarmVMs),
		CPUFraction:    p.CPUFraction,
		MemoryFraction: p.MemoryFraction,
		DiskFreeBytes:  int64(p.DiskFreeBytes),
		Healthy:        p.Healthy,
		Draining:       p.Draining,
		UptimeSeconds:  int64(p.UptimeSeconds),
	}
	if p.LastTaskUnixMs > 0 {
		s.LastTaskAt = time.UnixMilli(int64(p.LastTaskUnixMs))
	}
	return s
}

func decodeInnerEvent(p wire.TaskEventPayload) (domain.TaskEvent, error) {
	taskID, err := taskIDFromHex(p.TaskID)
	if err != nil {
		return domain.TaskEvent{}, fmt.Errorf("coordinator: parse task id %q: %w", p.TaskID, err)
	}
	ev := domain.TaskEvent{TaskID: taskID}

	switch p.InnerType {
	case wire.MsgOutput:
		out, err := wire.DecodeOutput(p.InnerPayload)
		if err != nil {
			return ev, err
		}
		ev.Kind = domain.EventOutput
		ev.Output = domain.OutputChunk{Stderr: out.Stderr, Data: out.Data}
	case wire.MsgMetrics:
		m, err := wire.DecodeMetrics(p.InnerPayload)
		if err != nil {
			return ev, err
		}
		ev.Kind = domain.EventMetrics
		ev.Metrics = domain.MetricsUpdate{InputTokens: m.InputTokens, OutputTokens: m.OutputTokens, CostUSD: m.CostUSD}
	case wire.MsgProgress:
		p2, err := wire.DecodeProgress(p.InnerPayload)
		if err != nil {
			return ev, err
		}
		ev.Kind = domain.EventProgress
		ev.Progress = domain.ProgressUpdate{Iteration: p2.Iteration, MaxIterations: p2.MaxIterations, Status: p2.Status}
	case wire.MsgComplete:
		c, err := wire.DecodeComplete(p.InnerPayload)
		if err != nil {
			return ev, err
		}
		ev.Kind = domain.EventComplete
		ev.Complete = domain.CompletionResult{
			ExitCode: c.ExitCode, Usage: c.Usage, Iteration: c.Iteration,
			PromiseFound: c.PromiseFound, ArtifactURL: c.ArtifactURL,
		}
	case wire.MsgError:
		e, err := wire.DecodeError(p.InnerPayload)
		if err != nil {
			return ev, err
		}
		ev.Kind = domain.EventError
		ev.Error = domain.TaskError{Code: e.Code, Message: e.Message}
	default:
		return ev, fmt.Errorf("coordinator: unexpected inner frame type %s", p.InnerType)
	}
	return ev, nil
}

// taskSourceAdapter adapts Coordinator to schedule.TaskSource and
// schedule.NodeSource, keeping the scheduler package decoupled from
// Coordinator's concrete type (and from store/registry specifically).
type taskSourceAdapter struct{ c *Coordinator }

func (a taskSourceAdapter) Queued() []domain.Task {
	tasks, err := a.c.store.ListQueuedTasks(context.Background())
	if err != nil {
		logging.Op().Warn("coordinator: list queued tasks", "error", err)
		return nil
	}
	out := make([]domain.Task, 0, len(tasks))
	for _, t := range tasks {
		out = append(out, *t)
	}
	metrics.SetQueueDepth(len(out))
	return out
}

func (a taskSourceAdapter) MarkStarting(taskID domain.TaskID, nodeID string) bool {
	ctx := context.Background()
	task, err := a.c.store.GetTask(ctx, taskID)
	if err != nil || task.State != domain.TaskQueued {
		return false
	}
	task.State = domain.TaskStarting
	task.NodeID = nodeID
	if err := a.c.store.SaveTask(ctx, task); err != nil {
		logging.Op().Warn("coordinator: mark task starting", "task_id", taskID, "error", err)
		return false
	}
	return true
}

func (a taskSourceAdapter) ReturnToQueued(taskID domain.TaskID) {
	ctx := context.Background()
	task, err := a.c.store.GetTask(ctx, taskID)
	if err != nil {
		return
	}
	task.State = domain.TaskQueued
	task.NodeID = ""
	_ = a.c.store.SaveTask(ctx, task)
}

func (a taskSourceAdapter) Healthy() []domain.NodeStatus {
	return a.c.registry.Healthy()
}

// newTaskID generates a fresh 32-byte task id from two concatenated UUIDs
// (uuid.New() alone is 16 bytes; domain.TaskID is sized for a longer id
// per spec section 3, so two are concatenated rather than padding with
// zero bytes).
func newTaskID() domain.TaskID {
	var id domain.TaskID
	a := uuid.New()
	b := uuid.New()
	copy(id[:16], a[:])
	copy(id[16:], b[:])
	return id
}

func taskIDToHex(id domain.TaskID) string {
	return hex.EncodeToString(id[:])
}

func taskIDFromHex(s string) (domain.TaskID, error) {
	var id domain.TaskID
	b, err := hex.DecodeString(s)
	if err != nil {
		return id, err
	}
	if len(b) != len(id) {
		return id, fmt.Errorf("wire: task id hex decodes to %d bytes, want %d", len(b), len(id))
	}
	copy(id[:], b)
	return id, nil
}

// encodeUsageCacheValue/decodeUsageCacheValue serialize a usage-aggregation
// cache entry as JSON, matching the teacher's internal/cache conventions
// for small structured values (see the teacher's session/response caching
// in internal/ai, which marshals structs rather than hand-rolling a binary
// layout for cache payloads specifically).
func encodeUsageCacheValue(u domain.UsageMetrics) ([]byte, bool) {
	raw, err := json.Marshal(u)
	if err != nil {
		return nil, false
	}
	return raw, true
}

func decodeUsageCacheValue(raw []byte) (domain.UsageMetrics, bool) {
	var u domain.UsageMetrics
	if err := json.Unmarshal(raw, &u); err != nil {
		return domain.UsageMetrics{}, false
	}
	return u, true
}
