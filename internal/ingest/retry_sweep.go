package ingest

import (
	"chatsink/backend/internal/config"
	"chatsink/backend/internal/metrics"
	"chatsink/backend/internal/storage"
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"
)

// SweepReport summarises one sweep.
type SweepReport struct {
	Selected  int `json:"selected"`
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
	Skipped   int `json:"skipped"`
}

// RetrySweeper resubmits FAILED audit rows that still have attempts left.
type RetrySweeper struct {
	store       storage.Storage
	processor   *Processor
	logger      zerolog.Logger
	Interval    time.Duration
	MaxAttempts int
	BatchSize   int
}

func NewRetrySweeper(store storage.Storage, processor *Processor, logger zerolog.Logger) *RetrySweeper {
	return &RetrySweeper{
		store:       store,
		processor:   processor,
		logger:      logger.With().Str("component", "retry_sweep").Logger(),
		Interval:    config.RetryInterval,
		MaxAttempts: config.RetryMaxAttempts,
		BatchSize:   config.RetryBatchSize,
	}
}

// SweepOnce replays one batch of retryable rows, oldest first.
func (s *RetrySweeper) SweepOnce(ctx context.Context) (SweepReport, error) {
	var report SweepReport

	rows, err := s.store.ListRetryableIngestEvents(ctx, s.MaxAttempts, s.BatchSize)
	if err != nil {
		return report, err
	}
	report.Selected = len(rows)

	for i := range rows {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		rec := &rows[i]
		if err := s.store.MarkIngestAttempt(ctx, rec.ID); err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				continue
			}
			return report, err
		}
		metrics.RetriesSubmitted.Inc()

		res := s.processor.Replay(ctx, rec)
		switch res.Outcome {
		case OutcomeFailed:
			report.Failed++
		case OutcomeSkipped:
			report.Skipped++
		default:
			report.Succeeded++
		}
	}

	if report.Selected > 0 {
		s.logger.Info().
			Int("selected", report.Selected).
			Int("succeeded", report.Succeeded).
			Int("failed", report.Failed).
			Int("skipped", report.Skipped).
			Msg("retry sweep finished")
	}
	return report, nil
}

// Run sweeps on every interval tick until ctx is done.
func (s *RetrySweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.SweepOnce(ctx); err != nil && ctx.Err() == nil {
				s.logger.Error().Err(err).Msg("retry sweep failed")
			}
		}
	}
}
