package models

// Envelope is the wire format of an inbound webhook delivery.
type Envelope struct {
	Type      string         `json:"type"`
	EventID   string         `json:"event_id,omitempty"`
	Challenge string         `json:"challenge,omitempty"`
	TeamID    string         `json:"team_id,omitempty"`
	EventTime int64          `json:"event_time,omitempty"`
	Event     *EnvelopeEvent `json:"event,omitempty"`
}

// EnvelopeEvent is the nested event of an "event_callback" envelope.
// Optional fields are pointers so ingress can tell "absent" from "empty".
type EnvelopeEvent struct {
	Type            string           `json:"type"`
	Subtype         string           `json:"subtype,omitempty"`
	User            *string          `json:"user,omitempty"`
	UserProfile     *UserProfile     `json:"user_profile,omitempty"`
	Text            *string          `json:"text,omitempty"`
	TS              string           `json:"ts,omitempty"`
	Channel         string           `json:"channel,omitempty"`
	ThreadTS        string           `json:"thread_ts,omitempty"`
	DeletedTS       *string          `json:"deleted_ts,omitempty"`
	Message         *EnvelopeMessage `json:"message,omitempty"`
	PreviousMessage *EnvelopeMessage `json:"previous_message,omitempty"`
}

// EnvelopeMessage is the message body embedded in edit events.
type EnvelopeMessage struct {
	User     string `json:"user,omitempty"`
	Text     string `json:"text"`
	TS       string `json:"ts"`
	ThreadTS string `json:"thread_ts,omitempty"`
}

// UserProfile carries the author's names when the platform includes them.
type UserProfile struct {
	DisplayName string `json:"display_name,omitempty"`
	RealName    string `json:"real_name,omitempty"`
}

// Name returns the best available display name.
func (p *UserProfile) Name() string {
	if p == nil {
		return ""
	}
	if p.DisplayName != "" {
		return p.DisplayName
	}
	return p.RealName
}
