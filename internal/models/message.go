package models

import (
	"regexp"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"gorm.io/gorm"
)

// Message represents one ingested chat message.
// The pair (ExternalID, ChannelID) is unique at the database level, so two
// concurrent inserts of the same platform message cannot both succeed.
type Message struct {
	// ID is the internal identifier (UUID), generated in BeforeCreate.
	ID string `gorm:"primaryKey" json:"id"`
	// ExternalID is the platform-native message id (the message "ts").
	ExternalID string `gorm:"type:text;not null;uniqueIndex:ux_messages_external_channel,priority:1" json:"external_id"`
	// ChannelID is the platform channel the message was posted in.
	ChannelID string `gorm:"type:text;not null;uniqueIndex:ux_messages_external_channel,priority:2;index:idx_messages_thread,priority:1" json:"channel_id"`
	// Text is the current message body; edits overwrite it in place.
	Text string `gorm:"type:text;not null" json:"text"`
	// AuthorID is the platform user id of the author.
	AuthorID string `gorm:"type:text;not null" json:"author_id"`
	// AuthorDisplay is the author's display name at ingestion time, if known.
	AuthorDisplay string `gorm:"type:text" json:"author_display"`
	// Subtype is the platform message subtype (e.g. "thread_broadcast").
	Subtype string `gorm:"type:text" json:"subtype,omitempty"`
	// Mentions holds the user ids referenced as <@U...> in Text.
	Mentions pq.StringArray `gorm:"type:text" json:"mentions,omitempty"`
	// Timestamp is when the message was posted on the platform.
	Timestamp time.Time `gorm:"not null;index" json:"timestamp"`
	// ThreadRootExternalID is the external id of the thread root, if the message belongs to a thread.
	ThreadRootExternalID *string `gorm:"type:text;index:idx_messages_thread,priority:2" json:"thread_root_external_id,omitempty"`
	// IsThreadReply is true when the message belongs to a thread it does not anchor.
	IsThreadReply bool `gorm:"not null;default:false" json:"is_thread_reply"`
	// ParentMessageID references the internal ID of the thread root, when it was already ingested.
	ParentMessageID *string `gorm:"type:text;index" json:"parent_message_id,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// BeforeCreate is a GORM hook that assigns a new UUID when ID is not set yet.
func (m *Message) BeforeCreate(tx *gorm.DB) (err error) {
	if m.ID == "" {
		m.ID = uuid.New().String()
	}
	return
}

var mentionPattern = regexp.MustCompile(`<@([A-Z0-9]+)(?:\|[^>]*)?>`)

// ExtractMentions returns the distinct user ids mentioned in text, in order of appearance.
func ExtractMentions(text string) pq.StringArray {
	matches := mentionPattern.FindAllStringSubmatch(text, -1)
	if len(matches) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(matches))
	out := make(pq.StringArray, 0, len(matches))
	for _, m := range matches {
		if _, ok := seen[m[1]]; ok {
			continue
		}
		seen[m[1]] = struct{}{}
		out = append(out, m[1])
	}
	return out
}

// PIIFinding is a derived record produced by the PII scanner for one message.
// Rows are removed together with the message they were computed from.
type PIIFinding struct {
	ID         string    `gorm:"primaryKey" json:"id"`
	MessageID  string    `gorm:"type:text;not null;index" json:"message_id"`
	Span       string    `gorm:"type:text;not null" json:"span"`
	Type       string    `gorm:"type:text;not null" json:"type"`
	Confidence float64   `json:"confidence"`
	Start      int       `json:"start"`
	End        int       `json:"end"`
	CreatedAt  time.Time `json:"created_at"`
}

// BeforeCreate assigns a UUID to the finding.
func (f *PIIFinding) BeforeCreate(tx *gorm.DB) (err error) {
	if f.ID == "" {
		f.ID = uuid.New().String()
	}
	return
}
