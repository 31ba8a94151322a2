package models

import (
	"time"

	"github.com/oklog/ulid/v2"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// IngestStatus is the processing state of an audit record.
type IngestStatus string

const (
	IngestPending    IngestStatus = "PENDING"
	IngestProcessing IngestStatus = "PROCESSING"
	IngestSuccess    IngestStatus = "SUCCESS"
	IngestFailed     IngestStatus = "FAILED"
	IngestSkipped    IngestStatus = "SKIPPED"
)

// IsTerminal reports whether no further transition is expected without a retry.
func (s IngestStatus) IsTerminal() bool {
	return s == IngestSuccess || s == IngestFailed || s == IngestSkipped
}

// Source values describe where an audit record came from.
const (
	SourceWebhook  = "webhook"
	SourceBackfill = "backfill"
	SourceAdmin    = "admin"
)

// IngestEvent is the durable audit record of one inbound event.
// It is written before any side effect and never deleted; FAILED rows are
// replayed by the retry sweep from RawPayload alone.
type IngestEvent struct {
	// ID is a ULID, so lexical order follows creation order.
	ID string `gorm:"primaryKey" json:"id"`
	// ExternalEventID is the platform event id (not unique: redeliveries produce new rows).
	ExternalEventID string `gorm:"type:text;index" json:"external_event_id"`
	// EventType is the kind resolved at ingress ("message_created", "message_deleted", ...).
	EventType string `gorm:"type:text;not null" json:"event_type"`
	// EventSubtype is the platform subtype of the nested event, if any.
	EventSubtype string `gorm:"type:text" json:"event_subtype,omitempty"`
	// RawPayload is the envelope exactly as received.
	RawPayload datatypes.JSON `json:"raw_payload"`
	// ChannelID is the channel the event refers to, if any.
	ChannelID string `gorm:"type:text;index" json:"channel_id"`
	// Source is one of SourceWebhook, SourceBackfill, SourceAdmin.
	Source string `gorm:"type:text;not null;default:'webhook'" json:"source"`
	// SuppressSideEffects is replayed together with the payload on retry.
	SuppressSideEffects bool `gorm:"not null;default:false" json:"suppress_side_effects"`

	Status        IngestStatus `gorm:"type:text;not null;index:idx_ingest_events_retry,priority:1" json:"status"`
	Attempts      int          `gorm:"not null;default:0;index:idx_ingest_events_retry,priority:2" json:"attempts"`
	LastAttemptAt *time.Time   `json:"last_attempt_at,omitempty"`
	ErrorMessage  string       `gorm:"type:text" json:"error_message,omitempty"`
	// ResultingMessageID is the internal ID of the message created or touched, if any.
	ResultingMessageID *string `gorm:"type:text" json:"resulting_message_id,omitempty"`

	CreatedAt time.Time `gorm:"index" json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// BeforeCreate assigns a ULID and the initial PENDING status.
func (e *IngestEvent) BeforeCreate(tx *gorm.DB) (err error) {
	if e.ID == "" {
		e.ID = ulid.Make().String()
	}
	if e.Status == "" {
		e.Status = IngestPending
	}
	return
}
