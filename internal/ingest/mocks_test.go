package ingest_test

import (
	"chatsink/backend/internal/models"
	"chatsink/backend/internal/pii"
	"chatsink/backend/internal/storage"
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

// MockScanner is a testify mock of pii.Scanner.
type MockScanner struct {
	mock.Mock
}

func (m *MockScanner) Scan(ctx context.Context, text, sourceType, sourceID string) ([]pii.Finding, error) {
	args := m.Called(ctx, text, sourceType, sourceID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]pii.Finding), args.Error(1)
}

// flakyStore fails the next failCreates message inserts.
type flakyStore struct {
	*storage.Service

	mu          sync.Mutex
	failCreates int
}

func (f *flakyStore) CreateMessage(ctx context.Context, msg *models.Message) error {
	f.mu.Lock()
	if f.failCreates > 0 {
		f.failCreates--
		f.mu.Unlock()
		return errors.New("connection reset")
	}
	f.mu.Unlock()
	return f.Service.CreateMessage(ctx, msg)
}

type msgOpts struct {
	threadTS string
	display  string
}

func createdEnvelope(t *testing.T, eventID, channel, ts, user, text string, opts ...msgOpts) []byte {
	t.Helper()
	ev := map[string]any{
		"type":    "message",
		"channel": channel,
		"ts":      ts,
		"user":    user,
		"text":    text,
	}
	if len(opts) > 0 {
		if opts[0].threadTS != "" {
			ev["thread_ts"] = opts[0].threadTS
		}
		if opts[0].display != "" {
			ev["user_profile"] = map[string]any{"display_name": opts[0].display}
		}
	}
	return envelope(t, eventID, ev)
}

func editedEnvelope(t *testing.T, eventID, channel, ts, text string) []byte {
	t.Helper()
	return envelope(t, eventID, map[string]any{
		"type":             "message",
		"subtype":          "message_changed",
		"channel":          channel,
		"message":          map[string]any{"ts": ts, "text": text},
		"previous_message": map[string]any{"ts": ts, "text": "old"},
	})
}

func deletedEnvelope(t *testing.T, eventID, channel, ts string) []byte {
	t.Helper()
	return envelope(t, eventID, map[string]any{
		"type":       "message",
		"subtype":    "message_deleted",
		"channel":    channel,
		"deleted_ts": ts,
	})
}

func envelope(t *testing.T, eventID string, ev map[string]any) []byte {
	t.Helper()
	raw, err := json.Marshal(map[string]any{
		"type":     "event_callback",
		"event_id": eventID,
		"event":    ev,
	})
	require.NoError(t, err)
	return raw
}
