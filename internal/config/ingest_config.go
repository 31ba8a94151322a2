package config

import "time"

const (
	// Backfill request bounds
	DefaultPageSize       = 200
	MaxPageSize           = 200
	DefaultRequestDelay   = 1200 * time.Millisecond
	MinRequestDelay       = time.Second
	ThreadReplyPageSize   = 200
	MaxRateLimitRetries   = 5
	BackfillRetention     = time.Hour
	ProgressSweepInterval = 5 * time.Minute
	ProgressBatchSize     = 25
	CancelCheckEvery      = 10
	BackfillShutdownWait  = 10 * time.Second

	// Backoff
	BackoffBaseDelay = time.Second
	BackoffMaxDelay  = 60 * time.Second

	// Retry sweep
	RetryInterval    = time.Minute
	RetryMaxAttempts = 5
	RetryBatchSize   = 100

	// Webhook
	SignatureTolerance = 5 * time.Minute
	MaxWebhookBody     = 1 << 20
)
