// Package model holds the wire/domain types shared across the round
// store, the persistence sink, and the dispatcher, so none of those
// packages need to import each other's internals. Tasks reference
// their round by id, never by pointer, per spec §9 "reference cycles
// avoided".
package model

import "time"

// TaskStatus is one of the four buckets a task can be in.
type TaskStatus string

const (
	TaskPending    TaskStatus = "pending"
	TaskProcessing TaskStatus = "processing"
	TaskCompleted  TaskStatus = "completed"
	TaskFailed     TaskStatus = "failed"
)

// Task is a single unit of path-work inside one round.
type Task struct {
	ID             string     `json:"id"`
	RoundID        string     `json:"roundId"`
	Path           string     `json:"path"`
	Status         TaskStatus `json:"status"`
	FailureCount   int        `json:"failureCount"`
	Message        string     `json:"message,omitempty"`
	CreatedAt      time.Time  `json:"createdAt"`
	UpdatedAt      time.Time  `json:"updatedAt"`
	ProcessingAt   *time.Time `json:"processingStartedAt,omitempty"`
	AssignedNodeID string     `json:"assignedNodeId,omitempty"`
}

// RoundLifecycle is the coarse round state machine of spec §3 (R1-R4).
type RoundLifecycle string

const (
	RoundPending   RoundLifecycle = "pending"
	RoundActive    RoundLifecycle = "active"
	RoundCompleted RoundLifecycle = "completed"
)

// RoundSourceType names where a round's paths came from.
type RoundSourceType string

const (
	SourceFile   RoundSourceType = "file"
	SourceFolder RoundSourceType = "folder"
	SourceManual RoundSourceType = "manual"
)

// StatusCounts is a snapshot of per-status task counts for a round.
type StatusCounts struct {
	Total      int `json:"total"`
	Pending    int `json:"pending"`
	Processing int `json:"processing"`
	Completed  int `json:"completed"`
	Failed     int `json:"failed"`
}

// ProcessedTotals is the round's running-time/item aggregate,
// independent of task counts (spec §4.1 "processed aggregates").
type ProcessedTotals struct {
	TotalItemNum     int64      `json:"totalProcessedItemNum"`
	TotalRunningTime float64    `json:"totalProcessedRunningTime"`
	LastProcessedAt  *time.Time `json:"lastProcessedAt,omitempty"`
}

// RoundMetadata is the persisted, human-facing half of a round; it is
// kept on the dispatcher's round entry even when the round is cold so
// summary reads never need to load the full task table.
type RoundMetadata struct {
	ID          string          `json:"id"`
	Name        string          `json:"name"`
	SourceType  RoundSourceType `json:"sourceType"`
	SourceHint  string          `json:"sourceHint,omitempty"`
	CreatedAt   time.Time       `json:"createdAt"`
	ActivatedAt *time.Time      `json:"activatedAt,omitempty"`
	CompletedAt *time.Time      `json:"completedAt,omitempty"`
	Status      RoundLifecycle  `json:"status"`
	Counts      StatusCounts    `json:"counts"`
	Processed   ProcessedTotals `json:"processed"`
}

// Snapshot is the full persisted form of one round: metadata plus the
// round store's internal task tables, per spec §6's persisted round
// snapshot format.
type Snapshot struct {
	Metadata RoundMetadata `json:"metadata"`
	Store    StoreSnapshot `json:"store"`
}

// ProcessingEntry pairs a task id with its processing-start time, the
// JSON-friendly form of the round store's processingStart map.
type ProcessingEntry struct {
	TaskID    string    `json:"taskId"`
	StartedAt time.Time `json:"startedAtMs"`
}

// StoreSnapshot is the round store's internal state, serializable and
// restorable per spec §4.1 "Snapshot/restore".
type StoreSnapshot struct {
	RoundID               string            `json:"roundId"`
	Tasks                 []*Task           `json:"tasks"`
	PendingQueue          []string          `json:"pendingQueue"`
	ProcessingStartedAt   []ProcessingEntry `json:"processingStartedAt"`
	CompletedList         []string          `json:"completedList"`
	FailedList            []string          `json:"failedList"`
	TotalProcessedItemNum int64             `json:"totalProcessedItemNum"`
	TotalProcessedTime    float64           `json:"totalProcessedRunningTime"`
	LastProcessedAt       *time.Time        `json:"lastProcessedAt,omitempty"`
}
