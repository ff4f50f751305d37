package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// PrometheusMetrics wraps prometheus collectors for Marathon metrics.
type PrometheusMetrics struct {
	registry *prometheus.Registry

	// Counters
	tasksTotal   *prometheus.CounterVec // by state
	vmsCreated   prometheus.Counter
	vmsStopped   prometheus.Counter
	vmsCrashed   prometheus.Counter
	snapshotsHit prometheus.Counter
	usageTokens  *prometheus.CounterVec // by kind: input, output
	toolCalls    prometheus.Counter
	schedulerAssignedTotal prometheus.Counter

	// Histograms
	taskDuration        *prometheus.HistogramVec
	vmBootDuration      prometheus.Histogram
	snapshotRestoreTime prometheus.Histogram
	schedulerTickMs     prometheus.Histogram

	// Gauges
	uptime          prometheus.GaugeFunc
	poolWarm        *prometheus.GaugeVec // by node
	poolActive      *prometheus.GaugeVec // by node
	queueDepth      prometheus.Gauge
	healthyNodes    prometheus.Gauge

	// Circuit breaker
	circuitBreakerState      *prometheus.GaugeVec // by node
	circuitBreakerTripsTotal *prometheus.CounterVec
}

// Default histogram buckets for task duration (in milliseconds).
var defaultBuckets = []float64{1000, 5000, 15000, 30000, 60000, 180000, 600000, 1800000, 3600000}

var promMetrics *PrometheusMetrics

// InitPrometheus initializes the Prometheus metrics subsystem.
func InitPrometheus(namespace string, buckets []float64) {
	if len(buckets) == 0 {
		buckets = defaultBuckets
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(prometheus.NewGoCollector())
	registry.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))

	pm := &PrometheusMetrics{
		registry: registry,

		tasksTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{Namespace: namespace, Name: "tasks_total", Help: "Total task events by state (queued on submission, then the terminal state)"},
			[]string{"state", "node"},
		),
		vmsCreated: prometheus.NewCounter(
			prometheus.CounterOpts{Namespace: namespace, Name: "vms_created_total", Help: "Total VMs created"},
		),
		vmsStopped: prometheus.NewCounter(
			prometheus.CounterOpts{Namespace: namespace, Name: "vms_stopped_total", Help: "Total VMs stopped"},
		),
		vmsCrashed: prometheus.NewCounter(
			prometheus.CounterOpts{Namespace: namespace, Name: "vms_crashed_total", Help: "Total VMs that crashed unexpectedly"},
		),
		snapshotsHit: prometheus.NewCounter(
			prometheus.CounterOpts{Namespace: namespace, Name: "snapshots_hit_total", Help: "Total VM boots served from a snapshot"},
		),
		usageTokens: prometheus.NewCounterVec(
			prometheus.CounterOpts{Namespace: namespace, Name: "usage_tokens_total", Help: "Total tokens reported by completed tasks"},
			[]string{"kind"},
		),
		toolCalls: prometheus.NewCounter(
			prometheus.CounterOpts{Namespace: namespace, Name: "tool_calls_total", Help: "Total tool calls reported by completed tasks"},
		),
		schedulerAssignedTotal: prometheus.NewCounter(
			prometheus.CounterOpts{Namespace: namespace, Name: "scheduler_assigned_total", Help: "Total tasks assigned by the scheduler"},
		),

		taskDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{Namespace: namespace, Name: "task_duration_milliseconds", Help: "Task duration from submission to terminal state", Buckets: buckets},
			[]string{"state"},
		),
		vmBootDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{Namespace: namespace, Name: "vm_boot_duration_milliseconds", Help: "Duration of VM boot", Buckets: []float64{100, 250, 500, 1000, 2000, 3000, 5000, 10000}},
		),
		snapshotRestoreTime: prometheus.NewHistogram(
			prometheus.HistogramOpts{Namespace: namespace, Name: "snapshot_restore_milliseconds", Help: "Duration of snapshot restore", Buckets: []float64{50, 100, 200, 500, 1000, 2000}},
		),
		schedulerTickMs: prometheus.NewHistogram(
			prometheus.HistogramOpts{Namespace: namespace, Name: "scheduler_tick_milliseconds", Help: "Duration of one scheduler tick", Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500}},
		),

		poolWarm: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{Namespace: namespace, Name: "pool_warm_vms", Help: "Current warm VM count by node"},
			[]string{"node"},
		),
		poolActive: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{Namespace: namespace, Name: "pool_active_vms", Help: "Current active VM count by node"},
			[]string{"node"},
		),
		queueDepth: prometheus.NewGauge(
			prometheus.GaugeOpts{Namespace: namespace, Name: "queue_depth", Help: "Current number of queued tasks"},
		),
		healthyNodes: prometheus.NewGauge(
			prometheus.GaugeOpts{Namespace: namespace, Name: "healthy_nodes", Help: "Current number of healthy registered nodes"},
		),

		circuitBreakerState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{Namespace: namespace, Name: "circuit_breaker_state", Help: "Current circuit breaker state by node (0=closed, 1=open, 2=half_open)"},
			[]string{"node"},
		),
		circuitBreakerTripsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{Namespace: namespace, Name: "circuit_breaker_trips_total", Help: "Total circuit breaker state transitions by node"},
			[]string{"node", "to_state"},
		),
	}

	pm.uptime = prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{Namespace: namespace, Name: "uptime_seconds", Help: "Time since this daemon started"},
		func() float64 { return time.Since(StartTime()).Seconds() },
	)

	registry.MustRegister(
		pm.tasksTotal,
		pm.vmsCreated,
		pm.vmsStopped,
		pm.vmsCrashed,
		pm.snapshotsHit,
		pm.usageTokens,
		pm.toolCalls,
		pm.schedulerAssignedTotal,
		pm.taskDuration,
		pm.vmBootDuration,
		pm.snapshotRestoreTime,
		pm.schedulerTickMs,
		pm.uptime,
		pm.poolWarm,
		pm.poolActive,
		pm.queueDepth,
		pm.healthyNodes,
		pm.circuitBreakerState,
		pm.circuitBreakerTripsTotal,
	)

	promMetrics = pm
}

// RecordPrometheusTaskEvent records a task reaching state (any state,
// including "queued" for submissions) on the given node (may be empty).
func RecordPrometheusTaskEvent(state, nodeID string) {
	if promMetrics == nil {
		return
	}
	promMetrics.tasksTotal.WithLabelValues(state, nodeID).Inc()
}

// RecordPrometheusTaskDuration records a terminal task's total duration.
func RecordPrometheusTaskDuration(state string, durationMs int64) {
	if promMetrics == nil {
		return
	}
	promMetrics.taskDuration.WithLabelValues(state).Observe(float64(durationMs))
}

// RecordPrometheusUsage records the usage totals from one completed task.
func RecordPrometheusUsage(inputTokens, outputTokens, toolCalls int64) {
	if promMetrics == nil {
		return
	}
	promMetrics.usageTokens.WithLabelValues("input").Add(float64(inputTokens))
	promMetrics.usageTokens.WithLabelValues("output").Add(float64(outputTokens))
	promMetrics.toolCalls.Add(float64(toolCalls))
}

// RecordPrometheusVMCreated records a VM creation.
func RecordPrometheusVMCreated() {
	if promMetrics == nil {
		return
	}
	promMetrics.vmsCreated.Inc()
}

// RecordPrometheusVMStopped records a VM stop.
func RecordPrometheusVMStopped() {
	if promMetrics == nil {
		return
	}
	promMetrics.vmsStopped.Inc()
}

// RecordPrometheusVMCrashed records a VM crash.
func RecordPrometheusVMCrashed() {
	if promMetrics == nil {
		return
	}
	promMetrics.vmsCrashed.Inc()
}

// RecordPrometheusSnapshotHit records a VM boot served from a snapshot.
func RecordPrometheusSnapshotHit() {
	if promMetrics == nil {
		return
	}
	promMetrics.snapshotsHit.Inc()
}

// RecordVMBootDuration records VM boot time.
func RecordVMBootDuration(durationMs int64) {
	if promMetrics == nil {
		return
	}
	promMetrics.vmBootDuration.Observe(float64(durationMs))
}

// RecordSnapshotRestoreTime records snapshot restore duration.
func RecordSnapshotRestoreTime(durationMs int64) {
	if promMetrics == nil {
		return
	}
	promMetrics.snapshotRestoreTime.Observe(float64(durationMs))
}

// RecordSchedulerTick records one scheduler tick's duration and the number
// of tasks it assigned.
func RecordSchedulerTick(durationMs float64, assigned int) {
	if promMetrics == nil {
		return
	}
	promMetrics.schedulerTickMs.Observe(durationMs)
	promMetrics.schedulerAssignedTotal.Add(float64(assigned))
}

// SetPoolSize sets the current warm/active VM gauges for a node.
func SetPoolSize(nodeID string, warm, active int) {
	if promMetrics == nil {
		return
	}
	promMetrics.poolWarm.WithLabelValues(nodeID).Set(float64(warm))
	promMetrics.poolActive.WithLabelValues(nodeID).Set(float64(active))
}

// SetQueueDepth sets the current queue-depth gauge.
func SetQueueDepth(depth int) {
	if promMetrics == nil {
		return
	}
	promMetrics.queueDepth.Set(float64(depth))
}

// SetHealthyNodes sets the current healthy-node-count gauge.
func SetHealthyNodes(count int) {
	if promMetrics == nil {
		return
	}
	promMetrics.healthyNodes.Set(float64(count))
}

// SetCircuitBreakerState sets the circuit breaker state gauge for a node.
// state: 0=closed, 1=open, 2=half_open.
func SetCircuitBreakerState(nodeID string, state int) {
	if promMetrics == nil {
		return
	}
	promMetrics.circuitBreakerState.WithLabelValues(nodeID).Set(float64(state))
}

// RecordCircuitBreakerTrip records a circuit breaker state transition for a node.
func RecordCircuitBreakerTrip(nodeID, toState string) {
	if promMetrics == nil {
		return
	}
	promMetrics.circuitBreakerTripsTotal.WithLabelValues(nodeID, toState).Inc()
}

// PrometheusHandler returns an HTTP handler for Prometheus metrics scraping.
func PrometheusHandler() http.Handler {
	if promMetrics == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte("prometheus metrics not initialized"))
		})
	}
	return promhttp.HandlerFor(promMetrics.registry, promhttp.HandlerOpts{})
}

// PrometheusRegistry returns the prometheus registry (for custom collectors).
func PrometheusRegistry() *prometheus.Registry {
	if promMetrics == nil {
		return nil
	}
	return promMetrics.registry
}
