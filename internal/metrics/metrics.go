// Package metrics collects and exposes Marathon runtime observability data.
//
// # Design rationale
//
// Two metric stores coexist in this package, carried over from the
// teacher's design:
//
//  1. The in-process Metrics struct (atomic counters + time series) for a
//     lightweight JSON /metrics endpoint.
//  2. A Prometheus registry (prometheus.go) for scraping by external
//     monitoring systems.
//
// # Concurrency — hot path
//
// RecordTaskCompletion is called from the coordinator's event-handling path
// on every terminal task event and must be fast. It uses atomic increments
// for global counters and dispatches a lightweight event onto a buffered
// channel (tsChan) for the time-series worker to process asynchronously,
// avoiding any lock on the hot path.
//
// # Invariants
//
//   - TotalTasks counts submissions (RecordTaskSubmission); CompletedTasks +
//     FailedTasks + CancelledTasks counts terminal tasks (RecordTaskCompletion),
//     so the two are equal only when no task is in flight.
//   - The time-series ring buffer holds at most timeSeriesBucketCount buckets
//     (24 * 60 = 1440 for the last 24 hours at 1-minute granularity).
//   - tsChan capacity is 8192 events; events dropped when full are counted
//     in tsDroppedEvents for observability.
package metrics

import (
	"encoding/json"
	"net/http"
	"sync"
	"sync/atomic"
	"time"
)

const (
	timeSeriesBucketDuration = time.Minute
	timeSeriesBucketCount    = 24 * 60
)

// TimeSeriesBucket stores metrics for a single time bucket.
type TimeSeriesBucket struct {
	Timestamp    time.Time
	Completions  int64
	Errors       int64
	TotalLatency int64
	Count        int64 // for calculating avg
}

// Metrics collects and exposes Marathon runtime metrics.
type Metrics struct {
	// Task lifecycle metrics
	TotalTasks     atomic.Int64
	CompletedTasks atomic.Int64
	FailedTasks    atomic.Int64
	CancelledTasks atomic.Int64

	// Latency metrics (in milliseconds), task submission to terminal state
	TotalLatencyMs atomic.Int64
	MinLatencyMs   atomic.Int64
	MaxLatencyMs   atomic.Int64

	// VM metrics
	VMsCreated   atomic.Int64
	VMsStopped   atomic.Int64
	VMsCrashed   atomic.Int64
	SnapshotsHit atomic.Int64

	// Usage metrics, summed across all completed tasks
	InputTokens  atomic.Int64
	OutputTokens atomic.Int64
	ToolCalls    atomic.Int64

	// Per-node metrics
	nodeMetrics sync.Map // nodeID -> *NodeMetrics

	// Time-series data (minute buckets for last 24 hours)
	timeSeriesMu    sync.RWMutex
	timeSeries      []*TimeSeriesBucket
	tsChan          chan timeSeriesEvent
	tsDroppedEvents atomic.Int64

	startTime time.Time
}

// timeSeriesEvent is sent over a channel to avoid write-lock contention on the hot path.
type timeSeriesEvent struct {
	durationMs int64
	isError    bool
}

// NodeMetrics tracks per-node task throughput.
type NodeMetrics struct {
	TasksAssigned atomic.Int64
	TasksFailed   atomic.Int64
}

// Global metrics instance.
var global = &Metrics{startTime: time.Now()}

func init() {
	global.MinLatencyMs.Store(int64(^uint64(0) >> 1)) // Max int64
	global.tsChan = make(chan timeSeriesEvent, 8192)
	global.initTimeSeries()
	go global.processTimeSeriesLoop()
}

// initTimeSeries initializes minute-level buckets for the last 24 hours.
func (m *Metrics) initTimeSeries() {
	m.timeSeriesMu.Lock()
	defer m.timeSeriesMu.Unlock()

	now := time.Now().Truncate(timeSeriesBucketDuration)
	m.timeSeries = make([]*TimeSeriesBucket, timeSeriesBucketCount)
	for i := 0; i < timeSeriesBucketCount; i++ {
		m.timeSeries[i] = &TimeSeriesBucket{
			Timestamp: now.Add(time.Duration(i-(timeSeriesBucketCount-1)) * timeSeriesBucketDuration),
		}
	}
}

// Global returns the global metrics instance.
func Global() *Metrics { return global }

// StartTime returns the time when the metrics system was initialized.
func StartTime() time.Time { return global.startTime }

// RecordTaskSubmission records a new task entering the queued state.
func (m *Metrics) RecordTaskSubmission() {
	m.TotalTasks.Add(1)
	RecordPrometheusTaskEvent("queued", "")
}

// RecordTaskCompletion records a task reaching a terminal state: state is
// one of "completed", "failed", "cancelled"; nodeID is the node it ran on
// (empty if it never left the queue).
func (m *Metrics) RecordTaskCompletion(state, nodeID string, durationMs int64, usage Usage) {
	switch state {
	case "completed":
		m.CompletedTasks.Add(1)
	case "failed":
		m.FailedTasks.Add(1)
	case "cancelled":
		m.CancelledTasks.Add(1)
	}

	m.TotalLatencyMs.Add(durationMs)
	updateMin(&m.MinLatencyMs, durationMs)
	updateMax(&m.MaxLatencyMs, durationMs)

	m.InputTokens.Add(usage.InputTokens)
	m.OutputTokens.Add(usage.OutputTokens)
	m.ToolCalls.Add(usage.ToolCalls)

	if nodeID != "" {
		nm := m.getNodeMetrics(nodeID)
		if state == "failed" {
			nm.TasksFailed.Add(1)
		}
	}

	m.recordTimeSeries(durationMs, state == "failed")
	RecordPrometheusTaskEvent(state, nodeID)
	RecordPrometheusTaskDuration(state, durationMs)
	RecordPrometheusUsage(usage.InputTokens, usage.OutputTokens, usage.ToolCalls)
}

// Usage mirrors the token/tool-call fields metrics cares about from
// domain.UsageMetrics, kept separate so this package doesn't import domain.
type Usage struct {
	InputTokens  int64
	OutputTokens int64
	ToolCalls    int64
}

// recordTimeSeries enqueues a time-series event for async processing,
// avoiding a write-lock on the hot completion path.
func (m *Metrics) recordTimeSeries(durationMs int64, isError bool) {
	select {
	case m.tsChan <- timeSeriesEvent{durationMs: durationMs, isError: isError}:
	default:
		m.tsDroppedEvents.Add(1)
	}
}

// processTimeSeriesLoop drains tsChan and applies events under a write lock.
func (m *Metrics) processTimeSeriesLoop() {
	for evt := range m.tsChan {
		m.applyTimeSeriesEvent(evt.durationMs, evt.isError)
	}
}

// applyTimeSeriesEvent updates the time-series buckets (must be called from a single goroutine).
func (m *Metrics) applyTimeSeriesEvent(durationMs int64, isError bool) {
	m.timeSeriesMu.Lock()
	defer m.timeSeriesMu.Unlock()

	now := time.Now().Truncate(timeSeriesBucketDuration)

	if len(m.timeSeries) > 0 {
		lastBucket := m.timeSeries[len(m.timeSeries)-1]
		bucketsDiff := int(now.Sub(lastBucket.Timestamp) / timeSeriesBucketDuration)

		if bucketsDiff > 0 {
			if bucketsDiff >= timeSeriesBucketCount {
				m.timeSeries = make([]*TimeSeriesBucket, timeSeriesBucketCount)
				for i := 0; i < timeSeriesBucketCount; i++ {
					m.timeSeries[i] = &TimeSeriesBucket{
						Timestamp: now.Add(time.Duration(i-(timeSeriesBucketCount-1)) * timeSeriesBucketDuration),
					}
				}
			} else {
				m.timeSeries = m.timeSeries[bucketsDiff:]
				for i := 0; i < bucketsDiff; i++ {
					m.timeSeries = append(m.timeSeries, &TimeSeriesBucket{
						Timestamp: lastBucket.Timestamp.Add(time.Duration(i+1) * timeSeriesBucketDuration),
					})
				}
			}
		}
	}

	if len(m.timeSeries) > 0 {
		bucket := m.timeSeries[len(m.timeSeries)-1]
		bucket.Completions++
		bucket.TotalLatency += durationMs
		bucket.Count++
		if isError {
			bucket.Errors++
		}
	}
}

// RecordVMCreated records a new VM creation.
func (m *Metrics) RecordVMCreated() {
	m.VMsCreated.Add(1)
	RecordPrometheusVMCreated()
}

// RecordVMStopped records a VM being stopped.
func (m *Metrics) RecordVMStopped() {
	m.VMsStopped.Add(1)
	RecordPrometheusVMStopped()
}

// RecordVMCrashed records a VM crash.
func (m *Metrics) RecordVMCrashed() {
	m.VMsCrashed.Add(1)
	RecordPrometheusVMCrashed()
}

// RecordSnapshotHit records a snapshot being used instead of a cold boot.
func (m *Metrics) RecordSnapshotHit() {
	m.SnapshotsHit.Add(1)
	RecordPrometheusSnapshotHit()
}

func (m *Metrics) getNodeMetrics(nodeID string) *NodeMetrics {
	if v, ok := m.nodeMetrics.Load(nodeID); ok {
		return v.(*NodeMetrics)
	}
	nm := &NodeMetrics{}
	actual, _ := m.nodeMetrics.LoadOrStore(nodeID, nm)
	return actual.(*NodeMetrics)
}

// NodeStats returns per-node task throughput.
func (m *Metrics) NodeStats() map[string]interface{} {
	result := make(map[string]interface{})
	m.nodeMetrics.Range(func(key, value interface{}) bool {
		nodeID := key.(string)
		nm := value.(*NodeMetrics)
		result[nodeID] = map[string]interface{}{
			"tasks_assigned": nm.TasksAssigned.Load(),
			"tasks_failed":   nm.TasksFailed.Load(),
		}
		return true
	})
	return result
}

// Snapshot returns a point-in-time snapshot of all metrics.
func (m *Metrics) Snapshot() map[string]interface{} {
	total := m.TotalTasks.Load()
	avgLatency := float64(0)
	terminal := m.CompletedTasks.Load() + m.FailedTasks.Load() + m.CancelledTasks.Load()
	if terminal > 0 {
		avgLatency = float64(m.TotalLatencyMs.Load()) / float64(terminal)
	}

	minLatency := m.MinLatencyMs.Load()
	if minLatency == int64(^uint64(0)>>1) {
		minLatency = 0
	}

	return map[string]interface{}{
		"uptime_seconds": int64(time.Since(m.startTime).Seconds()),
		"tasks": map[string]interface{}{
			"total":     total,
			"completed": m.CompletedTasks.Load(),
			"failed":    m.FailedTasks.Load(),
			"cancelled": m.CancelledTasks.Load(),
		},
		"latency_ms": map[string]interface{}{
			"avg": avgLatency,
			"min": minLatency,
			"max": m.MaxLatencyMs.Load(),
		},
		"vms": map[string]interface{}{
			"created":       m.VMsCreated.Load(),
			"stopped":       m.VMsStopped.Load(),
			"crashed":       m.VMsCrashed.Load(),
			"snapshots_hit": m.SnapshotsHit.Load(),
		},
		"usage": map[string]interface{}{
			"input_tokens":  m.InputTokens.Load(),
			"output_tokens": m.OutputTokens.Load(),
			"tool_calls":    m.ToolCalls.Load(),
		},
		"ts_dropped_events": m.tsDroppedEvents.Load(),
	}
}

// JSONHandler returns an HTTP handler that exposes metrics in JSON format.
func (m *Metrics) JSONHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		result := m.Snapshot()
		result["nodes"] = m.NodeStats()
		json.NewEncoder(w).Encode(result)
	})
}

// TimeSeries returns minute-level time-series data for the last 24 hours.
func (m *Metrics) TimeSeries() []map[string]interface{} {
	m.timeSeriesMu.RLock()
	defer m.timeSeriesMu.RUnlock()

	result := make([]map[string]interface{}, len(m.timeSeries))
	for i, bucket := range m.timeSeries {
		avgDuration := float64(0)
		if bucket.Count > 0 {
			avgDuration = float64(bucket.TotalLatency) / float64(bucket.Count)
		}
		result[i] = map[string]interface{}{
			"timestamp":    bucket.Timestamp.Format(time.RFC3339),
			"completions":  bucket.Completions,
			"errors":       bucket.Errors,
			"avg_duration": avgDuration,
		}
	}
	return result
}

// TimeSeriesHandler returns an HTTP handler for time-series metrics.
func (m *Metrics) TimeSeriesHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(m.TimeSeries())
	})
}

func updateMin(target *atomic.Int64, value int64) {
	for {
		old := target.Load()
		if value >= old {
			return
		}
		if target.CompareAndSwap(old, value) {
			return
		}
	}
}

func updateMax(target *atomic.Int64, value int64) {
	for {
		old := target.Load()
		if value <= old {
			return
		}
		if target.CompareAndSwap(old, value) {
			return
		}
	}
}
