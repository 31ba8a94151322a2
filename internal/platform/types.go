// Package platform talks to the chat platform's Web API: message history,
// thread replies and channel metadata.
package platform

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// API is the subset of the platform used by the backfill orchestrator.
type API interface {
	ListMessages(ctx context.Context, req ListMessagesRequest) (*MessagePage, error)
	ListThreadReplies(ctx context.Context, channelID, threadTS string, limit int) ([]Message, error)
	GetChannel(ctx context.Context, channelID string) (*Channel, error)
	ListChannels(ctx context.Context) ([]Channel, error)
}

// Message is one message as returned by the history and replies endpoints.
type Message struct {
	Type        string       `json:"type"`
	Subtype     string       `json:"subtype,omitempty"`
	TS          string       `json:"ts"`
	User        string       `json:"user"`
	Text        string       `json:"text"`
	ThreadTS    string       `json:"thread_ts,omitempty"`
	ReplyCount  int          `json:"reply_count,omitempty"`
	UserProfile *UserProfile `json:"user_profile,omitempty"`
}

// UserProfile is the author block some endpoints attach to messages.
type UserProfile struct {
	DisplayName string `json:"display_name,omitempty"`
	RealName    string `json:"real_name,omitempty"`
}

// IsThreadRoot reports whether the message anchors a thread with replies.
func (m Message) IsThreadRoot() bool {
	return m.ReplyCount > 0 && (m.ThreadTS == "" || m.ThreadTS == m.TS)
}

// MessagePage is one page of channel history.
type MessagePage struct {
	Messages   []Message
	HasMore    bool
	NextCursor string
}

// ListMessagesRequest selects a page of channel history.
type ListMessagesRequest struct {
	ChannelID string
	Cursor    string
	Limit     int
	Oldest    *time.Time
	Latest    *time.Time
}

// Channel is channel metadata as seen by the configured credential.
type Channel struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	IsPrivate   bool   `json:"is_private"`
	IsMember    bool   `json:"is_member"`
	MemberCount int    `json:"num_members"`
}

// RateLimitError is returned when the platform throttles a request.
type RateLimitError struct {
	Method     string
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("%s: rate limited (retry after %s)", e.Method, e.RetryAfter)
}

// APIError is a non-retryable error response from the platform.
type APIError struct {
	Method     string
	StatusCode int
	Code       string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%s failed: status=%d error=%s", e.Method, e.StatusCode, e.Code)
	}
	return fmt.Sprintf("%s failed: status=%d", e.Method, e.StatusCode)
}

// IsRateLimited reports whether err is (or wraps) a RateLimitError.
func IsRateLimited(err error) (*RateLimitError, bool) {
	var rl *RateLimitError
	if errors.As(err, &rl) {
		return rl, true
	}
	return nil, false
}

// ParseTimestamp converts a platform "ts" ("1700000000.000100") to a time.
func ParseTimestamp(ts string) (time.Time, error) {
	secPart, fracPart, _ := strings.Cut(ts, ".")
	sec, err := strconv.ParseInt(secPart, 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid timestamp %q", ts)
	}
	var micros int64
	if fracPart != "" {
		if len(fracPart) > 6 {
			fracPart = fracPart[:6]
		}
		fracPart += strings.Repeat("0", 6-len(fracPart))
		micros, err = strconv.ParseInt(fracPart, 10, 64)
		if err != nil {
			return time.Time{}, fmt.Errorf("invalid timestamp %q", ts)
		}
	}
	return time.Unix(sec, micros*int64(time.Microsecond)).UTC(), nil
}

// FormatTimestamp renders t in the platform "ts" format.
func FormatTimestamp(t time.Time) string {
	return fmt.Sprintf("%d.%06d", t.Unix(), t.Nanosecond()/int(time.Microsecond))
}
