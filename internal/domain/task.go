// Package domain holds the data types shared across the coordinator, node
// daemon, and VM agent: tasks, usage metrics, node status, VMs, and
// snapshots. Nothing in this package talks to the network or disk.
package domain

import "time"

// TaskState is the lifecycle state of a task. The integer values match the
// wire/persistence mapping in spec section 6.
type TaskState int

const (
	TaskUnspecified TaskState = iota
	TaskQueued
	TaskStarting
	TaskRunning
	TaskCompleted
	TaskFailed
	TaskCancelled
)

func (s TaskState) String() string {
	switch s {
	case TaskQueued:
		return "queued"
	case TaskStarting:
		return "starting"
	case TaskRunning:
		return "running"
	case TaskCompleted:
		return "completed"
	case TaskFailed:
		return "failed"
	case TaskCancelled:
		return "cancelled"
	default:
		return "unspecified"
	}
}

// IsTerminal reports whether the state is one of {completed, failed, cancelled}.
func (s TaskState) IsTerminal() bool {
	switch s {
	case TaskCompleted, TaskFailed, TaskCancelled:
		return true
	default:
		return false
	}
}

// TaskID is a 32-byte task identifier, rendered as hex on the wire.
type TaskID [32]byte

// NodeID is a 16-byte node identifier, rendered as hex on the wire.
type NodeID [16]byte

// Task is the coordinator's record of a single submitted unit of work.
// It is created at submission, mutated by the coordinator and by events
// received from the assigned node, and destroyed only via administrative
// pruning — never by a state transition.
type Task struct {
	ID       TaskID
	OwnerID  string
	State    TaskState
	NodeID   string // empty until assigned

	RepoURL            string
	Branch             string
	Prompt             string
	CompletionPromise   string // optional
	MaxIterations      int    // optional, 0 means "use driver default"
	EnvOverrides       map[string]string

	Usage UsageMetrics

	CreatedAt   time.Time
	StartedAt   time.Time // zero until starting
	CompletedAt time.Time // zero until terminal

	ArtifactURL  string // set on success, if produced
	ErrorCode    string // set on failure
	ErrorMessage string // set on failure
}

// UsageMetrics is the six monotone counters accumulated over a task's
// lifetime. All fields are additive and must never decrease within a task.
type UsageMetrics struct {
	ComputeTimeMs   int64
	InputTokens     int64
	OutputTokens    int64
	CacheReadTokens int64
	CacheWriteTokens int64
	ToolCalls       int64
}

// Add returns the element-wise sum of m and other. Neither receiver is
// mutated.
func (m UsageMetrics) Add(other UsageMetrics) UsageMetrics {
	return UsageMetrics{
		ComputeTimeMs:    m.ComputeTimeMs + other.ComputeTimeMs,
		InputTokens:      m.InputTokens + other.InputTokens,
		OutputTokens:     m.OutputTokens + other.OutputTokens,
		CacheReadTokens:  m.CacheReadTokens + other.CacheReadTokens,
		CacheWriteTokens: m.CacheWriteTokens + other.CacheWriteTokens,
		ToolCalls:        m.ToolCalls + other.ToolCalls,
	}
}

// CleanupStrategy selects how the VM agent tears down task state in the
// epilogue. Configured via MARATHON_CLEANUP_STRATEGY.
type CleanupStrategy string

const (
	CleanupFull          CleanupStrategy = "full"          // delete work-tree + credentials; no agent cache is deleted, so this matches keep_cache
	CleanupKeepCache     CleanupStrategy = "keep_cache"     // delete work-tree + credentials, keep cache
	CleanupKeepWorkspace CleanupStrategy = "keep_workspace" // delete credentials, unset credential helper
	CleanupNone          CleanupStrategy = "none"           // no-op
)

// TaskDescriptor is the payload of the TASK_START frame: everything the VM
// agent needs to run a task, as received from the node (which received it
// from the coordinator's ASSIGN_TASK).
type TaskDescriptor struct {
	TaskID             string
	RepoURL            string
	Branch             string
	Prompt             string
	CredentialToken    string
	ForgeHost          string
	CreateArtifact     bool
	ArtifactMetadata   map[string]string
	CompletionPromise  string // optional
	MaxIterations      int    // optional, default 50 applied by the driver
	EnvOverrides       map[string]string
	CleanupStrategy    CleanupStrategy
}

// IterationRecord is one entry in the per-task dot-directory log
// (.marathon/iterations.log), plus the in-memory copy used for context
// building.
type IterationRecord struct {
	Index       int
	ExitCode    int
	OutputSummary string // truncated to 2 KiB on disk
}
