// Package coderunner defines the domain types shared by the execution
// backend: sessions, execution requests and results, streamed events,
// and the stats snapshots exposed by the observability surface.
package coderunner

import "time"

// Priority orders queued execution requests. Higher dispatches first;
// requests with equal priority dispatch FIFO.
type Priority int

const (
	PriorityBackground  Priority = 0 // notebook / batch work
	PriorityOneShot     Priority = 1 // programmatic execute() calls
	PriorityInteractive Priority = 2 // interactive streaming clients
)

func (p Priority) String() string {
	switch p {
	case PriorityBackground:
		return "background"
	case PriorityOneShot:
		return "one-shot"
	case PriorityInteractive:
		return "interactive"
	default:
		return "unknown"
	}
}

// SourceFile is one file of a submitted project. ToBeExec marks the
// entry point when the request carries no explicit EntryPath.
type SourceFile struct {
	Name     string `json:"name"`
	Path     string `json:"path,omitempty"`
	Content  string `json:"content"`
	ToBeExec bool   `json:"toBeExec,omitempty"`
}

// ExecRequest is a single execution submitted to the orchestrator.
type ExecRequest struct {
	RequestID  string
	SessionID  string
	Language   string
	EntryPath  string
	Files      []SourceFile
	Priority   Priority
	EnqueuedAt time.Time
}

// Entry returns the path of the entry-point file: EntryPath when set,
// otherwise the first file marked ToBeExec.
func (r ExecRequest) Entry() string {
	if r.EntryPath != "" {
		return r.EntryPath
	}
	for _, f := range r.Files {
		if f.ToBeExec {
			if f.Path != "" {
				return f.Path
			}
			return f.Name
		}
	}
	return ""
}

// ExecResult is the buffered outcome of a one-shot execution.
type ExecResult struct {
	Stdout          string `json:"stdout"`
	Stderr          string `json:"stderr"`
	ExitCode        int    `json:"exitCode"`
	ExecutionTimeMs int64  `json:"executionTimeMs"`
	Truncated       bool   `json:"truncated,omitempty"`
}

// Output stream tags.
const (
	StreamStdout = "stdout"
	StreamStderr = "stderr"
	StreamSystem = "system"
)

// Synthetic exit codes and reasons. A process killed by the backend
// reports code -1 with a reason tag; a timed-out process reports 124.
const (
	ExitCodeKilled  = -1
	ExitCodeTimeout = 124

	ReasonStopped      = "stopped"
	ReasonTimeout      = "timeout"
	ReasonRuntimeError = "runtime-error"
)

// OutputEvent is one stdout/stderr fragment produced by a running request.
type OutputEvent struct {
	SessionID string
	RequestID string
	Stream    string
	Data      string
}

// ExitEvent terminates a request's event stream: the process exited,
// timed out, was stopped, or died with the container.
type ExitEvent struct {
	SessionID       string
	RequestID       string
	Code            int
	Reason          string
	ExecutionTimeMs int64
}

// ErrorEvent terminates a request that never produced an exit, or
// reports a session-level fault. RequestID may be empty.
type ErrorEvent struct {
	SessionID string
	RequestID string
	Code      ErrorCode
	Message   string
}

// EventSink receives the event stream for one or more requests. Sinks
// must tolerate concurrent calls; for every accepted request exactly
// one terminal call (Exit or Error) is made.
type EventSink interface {
	Output(OutputEvent)
	Exit(ExitEvent)
	Error(ErrorEvent)
}

// ActivityKind describes an entry in the daemon activity feed.
type ActivityKind string

const (
	ActivityEnqueued         ActivityKind = "request.enqueued"
	ActivityStarted          ActivityKind = "request.started"
	ActivityExited           ActivityKind = "request.exited"
	ActivityRejected         ActivityKind = "request.rejected"
	ActivityContainerCreated ActivityKind = "container.created"
	ActivityContainerReused  ActivityKind = "container.reused"
	ActivityContainerReaped  ActivityKind = "container.reaped"
	ActivityNetworkCreated   ActivityKind = "network.created"
	ActivityNetworkDestroyed ActivityKind = "network.destroyed"
)

// Activity is one observability feed entry. Read-only for clients.
type Activity struct {
	At        time.Time    `json:"at"`
	Kind      ActivityKind `json:"kind"`
	SessionID string       `json:"sessionId,omitempty"`
	RequestID string       `json:"requestId,omitempty"`
	Language  string       `json:"language,omitempty"`
	Message   string       `json:"message,omitempty"`
}

// QueueStats is a point-in-time snapshot of the admission queue.
type QueueStats struct {
	Depth     int   `json:"depth"`
	Active    int   `json:"active"`
	MaxDepth  int   `json:"maxDepth"`
	MaxActive int   `json:"maxActive"`
	Submitted int64 `json:"submitted"`
	Completed int64 `json:"completed"`
	Rejected  int64 `json:"rejected"`
	TimedOut  int64 `json:"timedOut"`
}

// PoolStats is a point-in-time snapshot of the container pool.
type PoolStats struct {
	ContainersCreated     int64 `json:"containersCreated"`
	ContainersReused      int64 `json:"containersReused"`
	ContainersDeleted     int64 `json:"containersDeleted"`
	CleanupErrors         int64 `json:"cleanupErrors"`
	TotalActive           int   `json:"totalActive"`
	Sessions              int   `json:"sessions"`
	LastCleanupDurationMs int64 `json:"lastCleanupDurationMs"`
}

// NetworkInfo describes one live session network.
type NetworkInfo struct {
	SessionID string    `json:"sessionId"`
	Name      string    `json:"name"`
	Subnet    string    `json:"subnet"`
	Pool      string    `json:"pool"`
	CreatedAt time.Time `json:"createdAt"`
}

// NetworkStats is a point-in-time snapshot of the network manager.
type NetworkStats struct {
	Count          int           `json:"count"`
	SubnetCapacity int           `json:"subnetCapacity"`
	SubnetsLeased  int           `json:"subnetsLeased"`
	PendingDestroy int           `json:"pendingDestroy"`
	Networks       []NetworkInfo `json:"networks"`
}

// Status aggregates the read-only observability surface.
type Status struct {
	Version  string       `json:"version"`
	UptimeMs int64        `json:"uptimeMs"`
	Queue    QueueStats   `json:"queue"`
	Pool     PoolStats    `json:"pool"`
	Networks NetworkStats `json:"networks"`
}
