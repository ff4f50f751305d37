package domain

// TaskEvent is the sum type carried on the channel between the node
// daemon's transport handler and whatever forwards events to the
// coordinator (or buffers them for pull-style status queries). Spec section
// 9 calls out the teacher's opaque-context callback pattern here and asks
// for a sum-typed channel instead; exactly one field below is set per
// event, selected by Kind.
type EventKind int

const (
	EventOutput EventKind = iota
	EventMetrics
	EventProgress
	EventComplete
	EventError
)

type OutputChunk struct {
	Stderr bool
	Data   []byte
}

type MetricsUpdate struct {
	InputTokens  uint32
	OutputTokens uint32
	CostUSD      float64
}

type ProgressUpdate struct {
	Iteration      uint32
	MaxIterations  uint32
	Status         string
}

type CompletionResult struct {
	ExitCode     int32
	Usage        UsageMetrics
	Iteration    uint32
	PromiseFound bool
	ArtifactURL  string // empty if none produced
}

type TaskError struct {
	Code    string
	Message string
}

// TaskEvent carries the TaskID plus exactly one populated payload, chosen
// by Kind.
type TaskEvent struct {
	TaskID TaskID
	Kind   EventKind

	Output   OutputChunk
	Metrics  MetricsUpdate
	Progress ProgressUpdate
	Complete CompletionResult
	Error    TaskError
}
