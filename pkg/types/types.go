package types

import (
	"encoding/json"
	"time"
)

// Actor is a named deployable unit: a container image plus default run options.
type Actor struct {
	ID                string     `json:"id"`
	Name              string     `json:"name"`
	Title             string     `json:"title,omitempty"`
	Description       string     `json:"description,omitempty"`
	PrincipalID       string     `json:"userId"`
	DefaultRunOptions RunOptions `json:"defaultRunOptions"`
	CreatedAt         time.Time  `json:"createdAt"`
	ModifiedAt        time.Time  `json:"modifiedAt"`
}

// RunOptions are the resource and image defaults applied to new runs.
type RunOptions struct {
	Image        string `json:"image"`
	MemoryMbytes int    `json:"memoryMbytes"`
	TimeoutSecs  int    `json:"timeoutSecs"`
}

// RunStatus represents the lifecycle state of a run.
type RunStatus string

const (
	RunStatusReady     RunStatus = "READY"
	RunStatusRunning   RunStatus = "RUNNING"
	RunStatusSucceeded RunStatus = "SUCCEEDED"
	RunStatusFailed    RunStatus = "FAILED"
	RunStatusTimedOut  RunStatus = "TIMED-OUT"
	RunStatusAborted   RunStatus = "ABORTED"
)

// Terminal reports whether the status is a final state.
func (s RunStatus) Terminal() bool {
	switch s {
	case RunStatusSucceeded, RunStatusFailed, RunStatusTimedOut, RunStatusAborted:
		return true
	}
	return false
}

// ValidTransition reports whether a run may move from one status to another.
// Terminal states may only be left via resurrection (terminal -> RUNNING).
func ValidTransition(from, to RunStatus) bool {
	switch from {
	case RunStatusReady:
		return to == RunStatusRunning
	case RunStatusRunning:
		return to == RunStatusSucceeded || to == RunStatusFailed ||
			to == RunStatusTimedOut || to == RunStatusAborted
	case RunStatusSucceeded, RunStatusFailed, RunStatusTimedOut, RunStatusAborted:
		return to == RunStatusRunning
	}
	return false
}

// Run is a single execution attempt of an actor.
type Run struct {
	ID                     string     `json:"id"`
	ActorID                string     `json:"actId"`
	PrincipalID            string     `json:"userId"`
	Status                 RunStatus  `json:"status"`
	StatusMessage          string     `json:"statusMessage,omitempty"`
	StartedAt              *time.Time `json:"startedAt,omitempty"`
	FinishedAt             *time.Time `json:"finishedAt,omitempty"`
	DefaultDatasetID       string     `json:"defaultDatasetId"`
	DefaultKeyValueStoreID string     `json:"defaultKeyValueStoreId"`
	DefaultRequestQueueID  string     `json:"defaultRequestQueueId"`
	TimeoutSecs            int        `json:"timeoutSecs"`
	MemoryMbytes           int        `json:"memoryMbytes"`
	ExitCode               *int       `json:"exitCode,omitempty"`
	Stats                  RunStats   `json:"stats"`
	CreatedAt              time.Time  `json:"createdAt"`
}

// RunStats carries bookkeeping counters for a run.
type RunStats struct {
	InputBodyLen   int   `json:"inputBodyLen"`
	ResurrectCount int   `json:"resurrectCount"`
	DurationMillis int64 `json:"durationMillis"`
}

// Dataset is an ordered append-only sequence of JSON items.
type Dataset struct {
	ID          string    `json:"id"`
	Name        string    `json:"name,omitempty"`
	PrincipalID string    `json:"userId"`
	ItemCount   int64     `json:"itemCount"`
	CreatedAt   time.Time `json:"createdAt"`
	ModifiedAt  time.Time `json:"modifiedAt"`
}

// KeyValueStore maps opaque keys to blobs with a content type.
type KeyValueStore struct {
	ID          string    `json:"id"`
	Name        string    `json:"name,omitempty"`
	PrincipalID string    `json:"userId"`
	CreatedAt   time.Time `json:"createdAt"`
	ModifiedAt  time.Time `json:"modifiedAt"`
}

// RequestQueue is a deduplicated FIFO of web-request descriptors.
// Invariant: PendingRequestCount = TotalRequestCount - HandledRequestCount.
type RequestQueue struct {
	ID                  string    `json:"id"`
	Name                string    `json:"name,omitempty"`
	PrincipalID         string    `json:"userId"`
	TotalRequestCount   int64     `json:"totalRequestCount"`
	HandledRequestCount int64     `json:"handledRequestCount"`
	PendingRequestCount int64     `json:"pendingRequestCount"`
	HadMultipleClients  bool      `json:"hadMultipleClients"`
	CreatedAt           time.Time `json:"createdAt"`
	ModifiedAt          time.Time `json:"modifiedAt"`
}

// Request is one element of a request queue.
// (QueueID, UniqueKey) is globally unique; OrderNo governs head ordering.
type Request struct {
	ID            string            `json:"id"`
	QueueID       string            `json:"-"`
	UniqueKey     string            `json:"uniqueKey"`
	URL           string            `json:"url"`
	Method        string            `json:"method"`
	Payload       string            `json:"payload,omitempty"`
	Headers       map[string]string `json:"headers,omitempty"`
	UserData      json.RawMessage   `json:"userData,omitempty"`
	RetryCount    int               `json:"retryCount"`
	NoRetry       bool              `json:"noRetry,omitempty"`
	ErrorMessages []string          `json:"errorMessages,omitempty"`
	HandledAt     *time.Time        `json:"handledAt,omitempty"`
	OrderNo       int64             `json:"orderNo"`
	LockedUntil   *time.Time        `json:"lockExpiresAt,omitempty"`
	LockedBy      string            `json:"-"`
}

// LogLevel classifies a run log entry.
type LogLevel string

const (
	LogLevelDebug LogLevel = "DEBUG"
	LogLevelInfo  LogLevel = "INFO"
	LogLevelWarn  LogLevel = "WARN"
	LogLevelError LogLevel = "ERROR"
)

// LogEntry is one line of run output in the per-run log ring.
// Seq is assigned by the pipeline and is strictly increasing per run.
type LogEntry struct {
	Seq       int64     `json:"seq"`
	Timestamp time.Time `json:"timestamp"`
	Level     LogLevel  `json:"level"`
	Message   string    `json:"message"`
}

// Principal is the authenticated identity associated with an API call.
// Identity resolution lives outside the core; the core only carries it through.
type Principal struct {
	ID    string   `json:"id"`
	Roles []string `json:"roles,omitempty"`
}

// DefaultAlias is the reserved storage name resolved per run context.
const DefaultAlias = "default"
