package backfill

import (
	"chatsink/backend/internal/config"
	"chatsink/backend/internal/ingest"
	"chatsink/backend/internal/metrics"
	"chatsink/backend/internal/models"
	"chatsink/backend/internal/platform"
	"chatsink/backend/internal/ratelimit"
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/rs/zerolog"
)

// Progress bands per phase, in percent.
const (
	progressChannel    = 5
	progressFetchEnd   = 20
	progressPerPage    = 3
	progressProcessEnd = 70
	progressThreadsEnd = 90
)

// API error codes that mean the credential may not read the channel.
var accessDeniedCodes = map[string]bool{
	"not_in_channel":    true,
	"channel_not_found": true,
	"missing_scope":     true,
	"access_denied":     true,
}

// runner owns the snapshot of one operation. Only its goroutine mutates op.
type runner struct {
	o    *Orchestrator
	op   *models.BackfillOperation
	cfg  models.BackfillConfig
	log  zerolog.Logger
	seen map[string]struct{}

	messages []platform.Message
}

func (r *runner) run(ctx context.Context) {
	err := r.execute(ctx)
	r.o.settle(r.op.ID)

	switch {
	case err == nil:
		r.op.Status = models.BackfillCompleted
		r.op.Phase = models.PhaseCompletion
		r.op.ProgressPercent = 100
	case errors.Is(err, context.Canceled):
		r.op.Status = models.BackfillCancelled
	default:
		r.op.Status = models.BackfillFailed
		r.op.ErrorMessage = err.Error()
	}
	done := r.o.now()
	r.op.CompletedAt = &done
	r.save(ctx)
	r.o.record(r.op.Status)

	evt := r.log.Info()
	if r.op.Status == models.BackfillFailed {
		evt = r.log.Error().Err(err)
	}
	evt.Str("status", string(r.op.Status)).
		Int("new", r.op.Stats.NewMessages).
		Int("duplicates", r.op.Stats.DuplicateMessages).
		Int("thread_replies", r.op.Stats.ThreadRepliesFetched).
		Int("failed", r.op.Stats.FailedMessages).
		Msg("backfill finished")
}

func (r *runner) execute(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.op.Status = models.BackfillRunning
	r.save(ctx)

	if err := r.resolveChannel(ctx); err != nil {
		return err
	}
	if err := r.fetchMessages(ctx); err != nil {
		return err
	}
	if err := r.processMessages(ctx); err != nil {
		return err
	}
	if r.cfg.IncludeThreads {
		if err := r.expandThreads(ctx); err != nil {
			return err
		}
	}
	return ctx.Err()
}

// save writes the snapshot even after cancellation so the final state is visible.
func (r *runner) save(ctx context.Context) {
	if err := r.o.progress.Set(context.WithoutCancel(ctx), r.op); err != nil {
		r.log.Warn().Err(err).Msg("progress snapshot write failed")
	}
}

func (r *runner) resolveChannel(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.op.Phase = models.PhaseChannel
	r.save(ctx)

	ch, err := callWithRetry(ctx, r, "conversations.info", func(c context.Context) (*platform.Channel, error) {
		return r.o.api.GetChannel(c, r.cfg.ChannelID)
	})
	if err != nil {
		var apiErr *platform.APIError
		if errors.As(err, &apiErr) && accessDeniedCodes[apiErr.Code] {
			return &AccessDeniedError{ChannelID: r.cfg.ChannelID, Reason: apiErr.Code}
		}
		return fmt.Errorf("resolve channel: %w", err)
	}
	if ch.IsPrivate && !ch.IsMember {
		return &AccessDeniedError{ChannelID: r.cfg.ChannelID, Reason: "private channel without membership"}
	}

	r.op.ChannelName = ch.Name
	r.op.ProgressPercent = progressChannel
	r.save(ctx)
	return nil
}

func (r *runner) fetchMessages(ctx context.Context) error {
	r.op.Phase = models.PhaseFetch
	cursor := ""
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		req := platform.ListMessagesRequest{
			ChannelID: r.cfg.ChannelID,
			Cursor:    cursor,
			Limit:     r.cfg.PageSize,
			Oldest:    r.cfg.Oldest,
			Latest:    r.cfg.Latest,
		}
		page, err := callWithRetry(ctx, r, "conversations.history", func(c context.Context) (*platform.MessagePage, error) {
			return r.o.api.ListMessages(c, req)
		})
		if err != nil {
			return fmt.Errorf("fetch messages: %w", err)
		}

		r.op.PagesFetched++
		for _, m := range page.Messages {
			if m.TS == "" {
				continue
			}
			if _, dup := r.seen[m.TS]; dup {
				continue
			}
			r.seen[m.TS] = struct{}{}
			r.messages = append(r.messages, m)
		}
		r.op.TotalMessages = len(r.messages)
		r.op.ProgressPercent = min(progressFetchEnd, progressChannel+r.op.PagesFetched*progressPerPage)
		r.save(ctx)

		if !page.HasMore {
			break
		}
		cursor = page.NextCursor
		if err := r.o.Sleep(ctx, r.cfg.RequestDelay); err != nil {
			return err
		}
	}

	r.op.ProgressPercent = progressFetchEnd
	r.save(ctx)
	r.log.Debug().Int("pages", r.op.PagesFetched).Int("messages", r.op.TotalMessages).Msg("history fetched")
	return nil
}

func (r *runner) processMessages(ctx context.Context) error {
	r.op.Phase = models.PhaseProcess
	sortOldestFirst(r.messages)

	total := len(r.messages)
	for i, m := range r.messages {
		if i%config.CancelCheckEvery == 0 {
			if err := ctx.Err(); err != nil {
				return err
			}
		}

		switch r.submit(ctx, m) {
		case ingest.OutcomeSuccess:
			r.op.Stats.NewMessages++
			metrics.BackfillMessages.WithLabelValues("new").Inc()
		case ingest.OutcomeDuplicate:
			r.op.Stats.DuplicateMessages++
			metrics.BackfillMessages.WithLabelValues("duplicate").Inc()
		case ingest.OutcomeFailed:
			r.op.Stats.FailedMessages++
			metrics.BackfillMessages.WithLabelValues("failed").Inc()
		}
		r.op.ProcessedMessages++

		if r.op.ProcessedMessages%config.ProgressBatchSize == 0 || r.op.ProcessedMessages == total {
			r.op.ProgressPercent = progressFetchEnd + r.op.ProcessedMessages*(progressProcessEnd-progressFetchEnd)/total
			r.save(ctx)
		}
	}

	r.op.ProgressPercent = progressProcessEnd
	r.save(ctx)
	return nil
}

func (r *runner) expandThreads(ctx context.Context) error {
	r.op.Phase = models.PhaseThreads

	var roots []platform.Message
	for _, m := range r.messages {
		if m.IsThreadRoot() {
			roots = append(roots, m)
		}
	}

	for i, root := range roots {
		if err := ctx.Err(); err != nil {
			return err
		}
		replies, err := callWithRetry(ctx, r, "conversations.replies", func(c context.Context) ([]platform.Message, error) {
			return r.o.api.ListThreadReplies(c, r.cfg.ChannelID, root.TS, config.ThreadReplyPageSize)
		})
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			r.log.Warn().Err(err).Str("thread_ts", root.TS).Msg("thread fetch failed, skipping")
		} else {
			if err := r.processReplies(ctx, root, replies); err != nil {
				return err
			}
			r.op.ThreadsProcessed++
		}

		r.op.ProgressPercent = progressProcessEnd + (i+1)*(progressThreadsEnd-progressProcessEnd)/len(roots)
		r.save(ctx)

		if i < len(roots)-1 {
			if err := r.o.Sleep(ctx, r.cfg.RequestDelay); err != nil {
				return err
			}
		}
	}

	r.op.ProgressPercent = progressThreadsEnd
	r.save(ctx)
	return nil
}

func (r *runner) processReplies(ctx context.Context, root platform.Message, replies []platform.Message) error {
	sortOldestFirst(replies)
	for j, reply := range replies {
		if j > 0 && j%config.CancelCheckEvery == 0 {
			if err := ctx.Err(); err != nil {
				return err
			}
		}
		if reply.ThreadTS == "" {
			reply.ThreadTS = root.TS
		}
		if r.submit(ctx, reply) == ingest.OutcomeFailed {
			r.op.Stats.FailedMessages++
			metrics.BackfillMessages.WithLabelValues("failed").Inc()
		} else {
			metrics.BackfillMessages.WithLabelValues("thread_reply").Inc()
		}
		r.op.Stats.ThreadRepliesFetched++
	}
	return nil
}

// submit feeds one historical message through the creation path. The write
// runs to completion even if cancellation arrives meanwhile.
func (r *runner) submit(ctx context.Context, m platform.Message) ingest.Outcome {
	ev := models.EnvelopeEvent{
		Type:     m.Type,
		Subtype:  m.Subtype,
		Text:     &m.Text,
		TS:       m.TS,
		ThreadTS: m.ThreadTS,
	}
	if m.User != "" {
		ev.User = &m.User
	}
	if m.UserProfile != nil {
		ev.UserProfile = &models.UserProfile{
			DisplayName: m.UserProfile.DisplayName,
			RealName:    m.UserProfile.RealName,
		}
	}

	eventID := fmt.Sprintf("backfill:%s:%s", r.op.ID, m.TS)
	raw, err := ingest.NewMessageEnvelope(eventID, r.cfg.ChannelID, ev)
	if err != nil {
		r.log.Warn().Err(err).Str("ts", m.TS).Msg("encode message failed")
		return ingest.OutcomeFailed
	}
	parsed, err := ingest.ParseEnvelope(raw)
	if err != nil {
		r.log.Warn().Err(err).Str("ts", m.TS).Msg("unusable history message")
		return ingest.OutcomeFailed
	}

	res := r.o.processor.Submit(context.WithoutCancel(ctx), parsed, raw, models.SourceBackfill,
		ingest.Options{SuppressSideEffects: r.cfg.SuppressSideEffects})
	return res.Outcome
}

// callWithRetry runs a platform call, retrying rate-limit responses with
// backoff. The call itself is never interrupted by cancellation; only the
// waits between attempts are.
func callWithRetry[T any](ctx context.Context, r *runner, method string, call func(context.Context) (T, error)) (T, error) {
	var zero T
	for attempt := 1; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return zero, err
		}
		v, err := call(context.WithoutCancel(ctx))
		if err == nil {
			return v, nil
		}
		rl, limited := platform.IsRateLimited(err)
		if !limited {
			return zero, err
		}
		metrics.RateLimitHits.WithLabelValues(method).Inc()
		if attempt > r.o.limits.MaxRateLimitRetries {
			return zero, err
		}
		wait := ratelimit.Delay(attempt, rl.RetryAfter, r.o.limits.Backoff)
		r.log.Warn().Str("method", method).Int("attempt", attempt).Dur("wait", wait).Msg("rate limited, backing off")
		if err := r.o.Sleep(ctx, wait); err != nil {
			return zero, err
		}
	}
}

func sortOldestFirst(msgs []platform.Message) {
	sort.SliceStable(msgs, func(i, j int) bool {
		ti, errI := platform.ParseTimestamp(msgs[i].TS)
		tj, errJ := platform.ParseTimestamp(msgs[j].TS)
		if errI != nil || errJ != nil {
			return msgs[i].TS < msgs[j].TS
		}
		return ti.Before(tj)
	})
}
