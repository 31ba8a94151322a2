// Package pii is the client side of the external PII scanning service.
package pii

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Source types passed to the scanner.
const (
	SourceMessage = "message"
)

// Finding is one detected span of personal data.
type Finding struct {
	Span       string  `json:"span"`
	Type       string  `json:"type"`
	Confidence float64 `json:"confidence"`
	Start      int     `json:"start"`
	End        int     `json:"end"`
}

// Scanner detects personal data in text. Callers treat failures as best-effort.
type Scanner interface {
	Scan(ctx context.Context, text, sourceType, sourceID string) ([]Finding, error)
}

// NopScanner never finds anything.
type NopScanner struct{}

func (NopScanner) Scan(context.Context, string, string, string) ([]Finding, error) {
	return nil, nil
}

// HTTPScanner posts text to a scanning service and decodes its findings.
type HTTPScanner struct {
	url        string
	httpClient *http.Client
}

// NewHTTPScanner creates a scanner for the given endpoint.
func NewHTTPScanner(url string, httpClient *http.Client) *HTTPScanner {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	return &HTTPScanner{url: strings.TrimSpace(url), httpClient: httpClient}
}

type scanRequest struct {
	Text       string `json:"text"`
	SourceType string `json:"source_type"`
	SourceID   string `json:"source_id"`
}

type scanResponse struct {
	Findings []Finding `json:"findings"`
}

func (s *HTTPScanner) Scan(ctx context.Context, text, sourceType, sourceID string) ([]Finding, error) {
	body, err := json.Marshal(scanRequest{Text: text, SourceType: sourceType, SourceID: sourceID})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("pii scan: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("pii scan failed: status=%d message=%s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	var out scanResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("pii scan: decode response: %w", err)
	}
	return out.Findings, nil
}
