package models

import "time"

// BackfillStatus is the lifecycle state of a backfill operation.
type BackfillStatus string

const (
	BackfillQueued    BackfillStatus = "QUEUED"
	BackfillRunning   BackfillStatus = "RUNNING"
	BackfillCompleted BackfillStatus = "COMPLETED"
	BackfillFailed    BackfillStatus = "FAILED"
	BackfillCancelled BackfillStatus = "CANCELLED"
)

// IsTerminal reports whether the operation has finished.
func (s BackfillStatus) IsTerminal() bool {
	return s == BackfillCompleted || s == BackfillFailed || s == BackfillCancelled
}

// IsActive reports whether the operation can still be cancelled.
func (s BackfillStatus) IsActive() bool {
	return s == BackfillQueued || s == BackfillRunning
}

// Backfill phases, reported in BackfillOperation.Phase.
const (
	PhaseQueued     = "queued"
	PhaseChannel    = "resolve_channel"
	PhaseFetch      = "fetch_messages"
	PhaseProcess    = "process_messages"
	PhaseThreads    = "expand_threads"
	PhaseCompletion = "complete"
)

// BackfillStats holds the counters accumulated during a backfill.
type BackfillStats struct {
	NewMessages          int `json:"new_messages"`
	DuplicateMessages    int `json:"duplicate_messages"`
	ThreadRepliesFetched int `json:"thread_replies_fetched"`
	FailedMessages       int `json:"failed_messages"`
}

// BackfillOperation is a progress snapshot of one backfill invocation.
// Snapshots are process-local and are not persisted across restarts.
type BackfillOperation struct {
	ID                string         `json:"id"`
	ChannelID         string         `json:"channel_id"`
	ChannelName       string         `json:"channel_name,omitempty"`
	Status            BackfillStatus `json:"status"`
	Phase             string         `json:"phase"`
	ProgressPercent   int            `json:"progress_percent"`
	TotalMessages     int            `json:"total_messages"`
	ProcessedMessages int            `json:"processed_messages"`
	PagesFetched      int            `json:"pages_fetched"`
	ThreadsProcessed  int            `json:"threads_processed"`
	Stats             BackfillStats  `json:"stats"`
	StartedAt         time.Time      `json:"started_at"`
	CompletedAt       *time.Time     `json:"completed_at,omitempty"`
	ErrorMessage      string         `json:"error_message,omitempty"`
	RequestedBy       string         `json:"requested_by,omitempty"`
}

// Clone returns a deep copy safe to hand out to readers.
func (op *BackfillOperation) Clone() *BackfillOperation {
	if op == nil {
		return nil
	}
	cp := *op
	if op.CompletedAt != nil {
		t := *op.CompletedAt
		cp.CompletedAt = &t
	}
	return &cp
}

// BackfillConfig is the caller-supplied request for a backfill.
type BackfillConfig struct {
	ChannelID           string        `json:"channel_id"`
	Oldest              *time.Time    `json:"oldest,omitempty"`
	Latest              *time.Time    `json:"latest,omitempty"`
	IncludeThreads      bool          `json:"include_threads"`
	PageSize            int           `json:"page_size"`
	RequestDelay        time.Duration `json:"request_delay"`
	SuppressSideEffects bool          `json:"suppress_side_effects"`
	RequestedBy         string        `json:"requested_by"`
}
