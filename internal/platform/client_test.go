package platform_test

import (
	"chatsink/backend/internal/platform"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeJSON(t *testing.T, w http.ResponseWriter, v any) {
	t.Helper()
	w.Header().Set("Content-Type", "application/json")
	require.NoError(t, json.NewEncoder(w).Encode(v))
}

func newTestClient(t *testing.T, handler http.HandlerFunc) *platform.Client {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	return platform.NewClient(platform.ClientOptions{BaseURL: server.URL, Token: "xoxb-test"})
}

func TestListMessages_SendsParamsAndParsesPage(t *testing.T) {
	oldest := time.Unix(1700000000, 500000000).UTC()
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/conversations.history", r.URL.Path)
		assert.Equal(t, "Bearer xoxb-test", r.Header.Get("Authorization"))
		q := r.URL.Query()
		assert.Equal(t, "C1", q.Get("channel"))
		assert.Equal(t, "100", q.Get("limit"))
		assert.Equal(t, "cur1", q.Get("cursor"))
		assert.Equal(t, "1700000000.500000", q.Get("oldest"))
		assert.Empty(t, q.Get("latest"))

		writeJSON(t, w, map[string]any{
			"ok":       true,
			"has_more": true,
			"messages": []map[string]any{
				{"type": "message", "ts": "1700000001.000100", "user": "U1", "text": "root", "thread_ts": "1700000001.000100", "reply_count": 2},
				{"type": "message", "ts": "1700000002.000100", "user": "U2", "text": "plain"},
			},
			"response_metadata": map[string]any{"next_cursor": "cur2"},
		})
	})

	page, err := client.ListMessages(context.Background(), platform.ListMessagesRequest{
		ChannelID: "C1", Cursor: "cur1", Limit: 100, Oldest: &oldest,
	})

	require.NoError(t, err)
	assert.True(t, page.HasMore)
	assert.Equal(t, "cur2", page.NextCursor)
	require.Len(t, page.Messages, 2)
	assert.True(t, page.Messages[0].IsThreadRoot())
	assert.False(t, page.Messages[1].IsThreadRoot())
}

func TestListMessages_HasMoreWithoutCursorStops(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(t, w, map[string]any{"ok": true, "has_more": true, "messages": []any{}})
	})

	page, err := client.ListMessages(context.Background(), platform.ListMessagesRequest{ChannelID: "C1"})

	require.NoError(t, err)
	assert.False(t, page.HasMore)
}

func TestCall_RateLimitStatus(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "3")
		w.WriteHeader(http.StatusTooManyRequests)
	})

	_, err := client.ListMessages(context.Background(), platform.ListMessagesRequest{ChannelID: "C1"})

	rl, ok := platform.IsRateLimited(err)
	require.True(t, ok, "expected rate limit error, got %v", err)
	assert.Equal(t, 3*time.Second, rl.RetryAfter)
	assert.Equal(t, "conversations.history", rl.Method)
}

func TestCall_RateLimitedErrorBody(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(t, w, map[string]any{"ok": false, "error": "ratelimited"})
	})

	_, err := client.GetChannel(context.Background(), "C1")

	_, ok := platform.IsRateLimited(err)
	assert.True(t, ok)
}

func TestCall_APIError(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(t, w, map[string]any{"ok": false, "error": "channel_not_found"})
	})

	_, err := client.GetChannel(context.Background(), "C404")

	var apiErr *platform.APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, "channel_not_found", apiErr.Code)
	_, limited := platform.IsRateLimited(err)
	assert.False(t, limited)
}

func TestCall_ServerError(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusBadGateway)
	})

	_, err := client.GetChannel(context.Background(), "C1")

	var apiErr *platform.APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusBadGateway, apiErr.StatusCode)
}

func TestListThreadReplies_PaginatesAndExcludesRoot(t *testing.T) {
	calls := 0
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls++
		assert.Equal(t, "/conversations.replies", r.URL.Path)
		assert.Equal(t, "100.000000", r.URL.Query().Get("ts"))
		if r.URL.Query().Get("cursor") == "" {
			writeJSON(t, w, map[string]any{
				"ok": true, "has_more": true,
				"messages": []map[string]any{
					{"ts": "100.000000", "thread_ts": "100.000000", "text": "root", "reply_count": 2},
					{"ts": "100.000001", "thread_ts": "100.000000", "text": "r1"},
				},
				"response_metadata": map[string]any{"next_cursor": "next"},
			})
			return
		}
		writeJSON(t, w, map[string]any{
			"ok": true,
			"messages": []map[string]any{
				{"ts": "100.000000", "thread_ts": "100.000000", "text": "root", "reply_count": 2},
				{"ts": "100.000002", "thread_ts": "100.000000", "text": "r2"},
			},
		})
	})

	replies, err := client.ListThreadReplies(context.Background(), "C1", "100.000000", 200)

	require.NoError(t, err)
	assert.Equal(t, 2, calls)
	require.Len(t, replies, 2)
	assert.Equal(t, "r1", replies[0].Text)
	assert.Equal(t, "r2", replies[1].Text)
}

func TestGetChannelAndListChannels(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/conversations.info":
			writeJSON(t, w, map[string]any{"ok": true, "channel": map[string]any{
				"id": "C1", "name": "general", "is_private": true, "is_member": false, "num_members": 12,
			}})
		case "/users.conversations":
			assert.Equal(t, "public_channel,private_channel", r.URL.Query().Get("types"))
			writeJSON(t, w, map[string]any{"ok": true, "channels": []map[string]any{
				{"id": "C1", "name": "general"},
				{"id": "G2", "name": "secret", "is_private": true},
			}})
		default:
			t.Errorf("unexpected path %s", r.URL.Path)
		}
	})

	ch, err := client.GetChannel(context.Background(), "C1")
	require.NoError(t, err)
	assert.Equal(t, "general", ch.Name)
	assert.True(t, ch.IsPrivate)
	assert.False(t, ch.IsMember)
	assert.Equal(t, 12, ch.MemberCount)

	channels, err := client.ListChannels(context.Background())
	require.NoError(t, err)
	require.Len(t, channels, 2)
	for _, c := range channels {
		assert.True(t, c.IsMember)
	}
}

func TestTimestampRoundTrip(t *testing.T) {
	ts, err := platform.ParseTimestamp("1700000000.000100")
	require.NoError(t, err)
	assert.Equal(t, int64(1700000000), ts.Unix())
	assert.Equal(t, 100*int(time.Microsecond), ts.Nanosecond())
	assert.Equal(t, "1700000000.000100", platform.FormatTimestamp(ts))

	short, err := platform.ParseTimestamp("5.1")
	require.NoError(t, err)
	assert.Equal(t, 100*int(time.Millisecond), short.Nanosecond())

	_, err = platform.ParseTimestamp("not-a-ts")
	assert.Error(t, err)
}
