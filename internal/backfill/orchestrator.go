// Package backfill imports the history of a channel through the same
// processor used for live events, with progress reporting and cooperative
// cancellation.
package backfill

import (
	"chatsink/backend/internal/config"
	"chatsink/backend/internal/ingest"
	"chatsink/backend/internal/metrics"
	"chatsink/backend/internal/models"
	"chatsink/backend/internal/platform"
	"chatsink/backend/internal/ratelimit"
	"chatsink/backend/internal/storage"
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

var (
	ErrOperationNotFound = errors.New("backfill operation not found")
	ErrNotCancellable    = errors.New("backfill operation already finished")
	ErrAlreadyRunning    = errors.New("a backfill is already active for this channel")
	ErrRunningElsewhere  = errors.New("backfill operation is running on another instance")
)

// AccessDeniedError means the credential cannot read the channel.
type AccessDeniedError struct {
	ChannelID string
	Reason    string
}

func (e *AccessDeniedError) Error() string {
	return fmt.Sprintf("access denied to channel %s: %s", e.ChannelID, e.Reason)
}

// Limits bounds what a backfill request may ask for.
type Limits struct {
	MinDelay            time.Duration
	MaxPageSize         int
	MaxRateLimitRetries int
	Backoff             ratelimit.Policy
}

// DefaultLimits returns the built-in limits.
func DefaultLimits() Limits {
	return Limits{
		MinDelay:            config.MinRequestDelay,
		MaxPageSize:         config.MaxPageSize,
		MaxRateLimitRetries: config.MaxRateLimitRetries,
		Backoff:             ratelimit.DefaultPolicy,
	}
}

type activeRun struct {
	channelID string
	cancel    context.CancelFunc
	// finishing is set once the final status is decided.
	finishing bool
}

// Orchestrator runs backfill operations, one goroutine each.
type Orchestrator struct {
	api       platform.API
	processor *ingest.Processor
	progress  storage.ProgressStore
	logger    zerolog.Logger
	limits    Limits

	// Sleep waits between requests; it must return early with ctx.Err()
	// when ctx is cancelled.
	Sleep func(ctx context.Context, d time.Duration) error
	now   func() time.Time

	mu     sync.Mutex
	active map[string]*activeRun
	wg     sync.WaitGroup
}

func NewOrchestrator(api platform.API, processor *ingest.Processor, progress storage.ProgressStore, logger zerolog.Logger, limits Limits) *Orchestrator {
	def := DefaultLimits()
	if limits.MinDelay <= 0 {
		limits.MinDelay = def.MinDelay
	}
	if limits.MaxPageSize <= 0 {
		limits.MaxPageSize = def.MaxPageSize
	}
	if limits.MaxRateLimitRetries <= 0 {
		limits.MaxRateLimitRetries = def.MaxRateLimitRetries
	}
	return &Orchestrator{
		api:       api,
		processor: processor,
		progress:  progress,
		logger:    logger.With().Str("component", "backfill").Logger(),
		limits:    limits,
		Sleep:     sleepContext,
		now:       func() time.Time { return time.Now().UTC() },
		active:    make(map[string]*activeRun),
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func (o *Orchestrator) validate(cfg models.BackfillConfig) (models.BackfillConfig, error) {
	cfg.ChannelID = strings.TrimSpace(cfg.ChannelID)
	if cfg.ChannelID == "" {
		return cfg, &ingest.ValidationError{Reason: "channel_id is required"}
	}
	if cfg.PageSize == 0 {
		cfg.PageSize = min(config.DefaultPageSize, o.limits.MaxPageSize)
	}
	if cfg.PageSize < 1 || cfg.PageSize > o.limits.MaxPageSize {
		return cfg, &ingest.ValidationError{Reason: fmt.Sprintf("page_size must be between 1 and %d", o.limits.MaxPageSize)}
	}
	if cfg.RequestDelay == 0 {
		cfg.RequestDelay = max(config.DefaultRequestDelay, o.limits.MinDelay)
	}
	if cfg.RequestDelay < o.limits.MinDelay {
		return cfg, &ingest.ValidationError{Reason: fmt.Sprintf("request_delay must be at least %s", o.limits.MinDelay)}
	}
	if cfg.Oldest != nil && cfg.Latest != nil && !cfg.Oldest.Before(*cfg.Latest) {
		return cfg, &ingest.ValidationError{Reason: "oldest must be before latest"}
	}
	return cfg, nil
}

// Start validates cfg, records a QUEUED operation and runs it in the
// background. The returned snapshot is a copy.
func (o *Orchestrator) Start(ctx context.Context, cfg models.BackfillConfig) (*models.BackfillOperation, error) {
	cfg, err := o.validate(cfg)
	if err != nil {
		return nil, err
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	for _, r := range o.active {
		if r.channelID == cfg.ChannelID {
			return nil, ErrAlreadyRunning
		}
	}

	op := &models.BackfillOperation{
		ID:          uuid.NewString(),
		ChannelID:   cfg.ChannelID,
		Status:      models.BackfillQueued,
		Phase:       models.PhaseQueued,
		StartedAt:   o.now(),
		RequestedBy: cfg.RequestedBy,
	}
	if err := o.progress.Set(ctx, op); err != nil {
		return nil, fmt.Errorf("store backfill snapshot: %w", err)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	o.active[op.ID] = &activeRun{channelID: cfg.ChannelID, cancel: cancel}
	o.wg.Add(1)

	r := &runner{
		o:    o,
		op:   op.Clone(),
		cfg:  cfg,
		seen: make(map[string]struct{}),
		log: o.logger.With().
			Str("operation_id", op.ID).
			Str("channel_id", cfg.ChannelID).
			Logger(),
	}
	go func() {
		defer o.wg.Done()
		defer o.finish(op.ID)
		r.run(runCtx)
	}()

	o.logger.Info().Str("operation_id", op.ID).Str("channel_id", cfg.ChannelID).
		Str("requested_by", cfg.RequestedBy).Msg("backfill queued")
	return op, nil
}

// settle stops Cancel from accepting id while its final snapshot is written.
func (o *Orchestrator) settle(id string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if r, ok := o.active[id]; ok {
		r.finishing = true
	}
}

func (o *Orchestrator) finish(id string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if r, ok := o.active[id]; ok {
		r.cancel()
		delete(o.active, id)
	}
}

// Progress returns the latest snapshot of an operation.
func (o *Orchestrator) Progress(ctx context.Context, id string) (*models.BackfillOperation, error) {
	op, err := o.progress.Get(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, ErrOperationNotFound
	}
	return op, err
}

// List returns every snapshot still retained.
func (o *Orchestrator) List(ctx context.Context) ([]*models.BackfillOperation, error) {
	return o.progress.List(ctx)
}

// Cancel requests cooperative cancellation. The operation reaches
// CANCELLED at its next checkpoint. Only the instance running the operation
// can cancel it; others get ErrRunningElsewhere for a live snapshot.
func (o *Orchestrator) Cancel(ctx context.Context, id string) error {
	o.mu.Lock()
	r, owned := o.active[id]
	accepted := owned && !r.finishing
	if accepted {
		r.cancel()
	}
	o.mu.Unlock()
	if accepted {
		o.logger.Info().Str("operation_id", id).Msg("backfill cancellation requested")
		return nil
	}

	op, err := o.progress.Get(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		return ErrOperationNotFound
	}
	if err != nil {
		return err
	}
	if owned || op.Status.IsTerminal() {
		return ErrNotCancellable
	}
	return ErrRunningElsewhere
}

// Shutdown cancels every active operation and waits for them to record
// their final state, or for ctx to end.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.mu.Lock()
	for _, r := range o.active {
		r.cancel()
	}
	o.mu.Unlock()

	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (o *Orchestrator) record(status models.BackfillStatus) {
	metrics.BackfillOperations.WithLabelValues(string(status)).Inc()
}
