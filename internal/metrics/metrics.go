package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// HTTP metrics
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatsink_http_requests_total",
			Help: "Total HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "chatsink_http_request_duration_seconds",
			Help:    "HTTP request duration",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"method", "path"},
	)

	// Ingestion
	EventsProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatsink_events_processed_total",
			Help: "Ingest events processed, by event type and outcome",
		},
		[]string{"event_type", "outcome"},
	)

	EventsRejected = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "chatsink_events_rejected_total",
			Help: "Webhook deliveries rejected at ingress",
		},
	)

	RetriesSubmitted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "chatsink_retries_submitted_total",
			Help: "Failed ingest events resubmitted by the retry sweep",
		},
	)

	PIIScanFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "chatsink_pii_scan_failures_total",
			Help: "Best-effort PII scans that failed",
		},
	)

	// Backfill
	BackfillOperations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatsink_backfill_operations_total",
			Help: "Finished backfill operations, by terminal status",
		},
		[]string{"status"},
	)

	BackfillMessages = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatsink_backfill_messages_total",
			Help: "Messages handled by backfills, by outcome",
		},
		[]string{"outcome"},
	)

	RateLimitHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatsink_platform_rate_limit_hits_total",
			Help: "Rate-limit responses from the chat platform",
		},
		[]string{"method"},
	)
)
