package pii_test

import (
	"chatsink/backend/internal/pii"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHTTPScanner_Scan(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		var req map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "mail me at a@b.c", req["text"])
		assert.Equal(t, pii.SourceMessage, req["source_type"])
		assert.Equal(t, "msg-1", req["source_id"])
		_ = json.NewEncoder(w).Encode(map[string]any{
			"findings": []map[string]any{{"span": "a@b.c", "type": "EMAIL", "confidence": 0.98, "start": 11, "end": 16}},
		})
	}))
	defer server.Close()

	findings, err := pii.NewHTTPScanner(server.URL, nil).Scan(context.Background(), "mail me at a@b.c", pii.SourceMessage, "msg-1")

	require.NoError(t, err)
	require.Len(t, findings, 1)
	assert.Equal(t, "EMAIL", findings[0].Type)
	assert.InDelta(t, 0.98, findings[0].Confidence, 1e-9)
}

func TestHTTPScanner_ErrorStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "overloaded", http.StatusServiceUnavailable)
	}))
	defer server.Close()

	_, err := pii.NewHTTPScanner(server.URL, nil).Scan(context.Background(), "x", pii.SourceMessage, "1")

	assert.ErrorContains(t, err, "status=503")
}

func TestNopScanner(t *testing.T) {
	findings, err := pii.NopScanner{}.Scan(context.Background(), "anything", pii.SourceMessage, "1")
	assert.NoError(t, err)
	assert.Empty(t, findings)
}
