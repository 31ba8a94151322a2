// Package ingest turns inbound platform events into stored messages.
//
// Raw webhook envelopes are parsed once, at ingress, into a closed set of
// event variants (VerificationEvent, MessageCreated, MessageEdited,
// MessageDeleted, UnknownEvent). The Processor dispatches on the variant,
// writes the message store and records every outcome in the audit log.
package ingest

import (
	"chatsink/backend/internal/models"
	"chatsink/backend/internal/platform"
	"encoding/json"
	"fmt"
	"time"
)

// Kind names an event variant. It is stored as IngestEvent.EventType.
type Kind string

const (
	KindVerification Kind = "verification"
	KindCreated      Kind = "message_created"
	KindEdited       Kind = "message_edited"
	KindDeleted      Kind = "message_deleted"
	KindUnknown      Kind = "unknown"
)

// Event is one of the variants defined in this package.
type Event interface {
	Kind() Kind
	EventID() string
	Channel() string
	Subtype() string
	sealed()
}

type meta struct {
	ID        string
	ChannelID string
	SubType   string
}

func (m meta) EventID() string { return m.ID }
func (m meta) Channel() string { return m.ChannelID }
func (m meta) Subtype() string { return m.SubType }
func (meta) sealed()           {}

// VerificationEvent is the platform's endpoint handshake.
type VerificationEvent struct {
	meta
	Challenge string
}

func (*VerificationEvent) Kind() Kind { return KindVerification }

// MessageCreated announces a new message.
type MessageCreated struct {
	meta
	ExternalID           string
	AuthorID             string
	AuthorDisplay        string
	Text                 string
	ThreadRootExternalID string
	Timestamp            time.Time
}

func (*MessageCreated) Kind() Kind { return KindCreated }

// MessageEdited carries the new text of an existing message.
type MessageEdited struct {
	meta
	ExternalID string
	Text       string
}

func (*MessageEdited) Kind() Kind { return KindEdited }

// MessageDeleted announces the removal of a message.
type MessageDeleted struct {
	meta
	ExternalID string
}

func (*MessageDeleted) Kind() Kind { return KindDeleted }

// UnknownEvent is any well-formed callback the pipeline does not handle.
type UnknownEvent struct {
	meta
	Type string
}

func (*UnknownEvent) Kind() Kind { return KindUnknown }

// ValidationError reports a malformed inbound envelope or request.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string {
	return "invalid request: " + e.Reason
}

func invalid(format string, args ...any) error {
	return &ValidationError{Reason: fmt.Sprintf(format, args...)}
}

// ParseEnvelope decodes a webhook body into an event variant.
// Malformed input yields a *ValidationError.
func ParseEnvelope(raw []byte) (Event, error) {
	var env models.Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, invalid("malformed envelope: %v", err)
	}

	switch env.Type {
	case "verification", "url_verification":
		if env.Challenge == "" {
			return nil, invalid("verification envelope without challenge")
		}
		return &VerificationEvent{meta: meta{ID: env.EventID}, Challenge: env.Challenge}, nil
	case "event_callback":
		if env.Event == nil {
			return nil, invalid("event_callback without event")
		}
		return classify(env.EventID, env.Event)
	case "":
		return nil, invalid("missing envelope type")
	default:
		return nil, invalid("unsupported envelope type %q", env.Type)
	}
}

func classify(eventID string, ev *models.EnvelopeEvent) (Event, error) {
	m := meta{ID: eventID, ChannelID: ev.Channel, SubType: ev.Subtype}

	switch {
	case ev.DeletedTS != nil:
		if *ev.DeletedTS == "" || ev.Channel == "" {
			return nil, invalid("deletion event needs deleted_ts and channel")
		}
		return &MessageDeleted{meta: m, ExternalID: *ev.DeletedTS}, nil

	case ev.Message != nil && ev.PreviousMessage != nil:
		if ev.Message.TS == "" || ev.Channel == "" {
			return nil, invalid("edit event needs message.ts and channel")
		}
		return &MessageEdited{meta: m, ExternalID: ev.Message.TS, Text: ev.Message.Text}, nil

	case ev.Text != nil && ev.User != nil:
		if ev.TS == "" || ev.Channel == "" {
			return nil, invalid("message event needs ts and channel")
		}
		ts, err := platform.ParseTimestamp(ev.TS)
		if err != nil {
			return nil, invalid("message event: %v", err)
		}
		var display string
		if ev.UserProfile != nil {
			display = ev.UserProfile.Name()
		}
		return &MessageCreated{
			meta:                 m,
			ExternalID:           ev.TS,
			AuthorID:             *ev.User,
			AuthorDisplay:        display,
			Text:                 *ev.Text,
			ThreadRootExternalID: ev.ThreadTS,
			Timestamp:            ts,
		}, nil
	}

	return &UnknownEvent{meta: m, Type: ev.Type}, nil
}

// NewMessageEnvelope builds the envelope a creation event would have been
// delivered in. Backfilled messages are recorded with it so the audit row is
// replayable exactly like a webhook delivery.
func NewMessageEnvelope(eventID, channelID string, ev models.EnvelopeEvent) ([]byte, error) {
	ev.Channel = channelID
	if ev.Type == "" {
		ev.Type = "message"
	}
	return json.Marshal(models.Envelope{
		Type:    "event_callback",
		EventID: eventID,
		Event:   &ev,
	})
}
