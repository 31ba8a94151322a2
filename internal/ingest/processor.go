package ingest

import (
	"chatsink/backend/internal/metrics"
	"chatsink/backend/internal/models"
	"chatsink/backend/internal/pii"
	"chatsink/backend/internal/storage"
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
	"gorm.io/datatypes"
)

// Outcome is the result of processing one event.
type Outcome string

const (
	OutcomeSuccess   Outcome = "SUCCESS"
	OutcomeFailed    Outcome = "FAILED"
	OutcomeSkipped   Outcome = "SKIPPED"
	OutcomeDuplicate Outcome = "DUPLICATE"
)

// auditStatus maps an outcome to the terminal status of its audit row.
// A duplicate is a successful no-op.
func (o Outcome) auditStatus() models.IngestStatus {
	switch o {
	case OutcomeSuccess, OutcomeDuplicate:
		return models.IngestSuccess
	case OutcomeSkipped:
		return models.IngestSkipped
	default:
		return models.IngestFailed
	}
}

// Options controls side effects of a single submission.
type Options struct {
	SuppressSideEffects bool
}

// Result is what the processor reports back. It never carries a Go error;
// failures are described by Outcome and Error.
type Result struct {
	Outcome   Outcome               `json:"outcome"`
	EventID   string                `json:"event_id,omitempty"`
	MessageID string                `json:"message_id,omitempty"`
	Challenge string                `json:"challenge,omitempty"`
	Deletion  *storage.DeleteResult `json:"deletion,omitempty"`
	Error     string                `json:"error,omitempty"`
}

// Processor applies events to the message store and keeps the audit log.
// It is safe for concurrent use.
type Processor struct {
	store   storage.Storage
	scanner pii.Scanner
	logger  zerolog.Logger

	inflight sync.WaitGroup
}

func NewProcessor(store storage.Storage, scanner pii.Scanner, logger zerolog.Logger) *Processor {
	if scanner == nil {
		scanner = pii.NopScanner{}
	}
	return &Processor{
		store:   store,
		scanner: scanner,
		logger:  logger.With().Str("component", "processor").Logger(),
	}
}

// Record writes the PENDING audit row for an event. Nothing else happens
// before this row exists.
func (p *Processor) Record(ctx context.Context, ev Event, raw []byte, source string, opts Options) (*models.IngestEvent, error) {
	if len(raw) == 0 {
		return nil, errors.New("record ingest event: empty payload")
	}
	rec := &models.IngestEvent{
		ExternalEventID:     ev.EventID(),
		EventType:           string(ev.Kind()),
		EventSubtype:        ev.Subtype(),
		RawPayload:          datatypes.JSON(raw),
		ChannelID:           ev.Channel(),
		Source:              source,
		SuppressSideEffects: opts.SuppressSideEffects,
		Status:              models.IngestPending,
	}
	if err := p.store.CreateIngestEvent(ctx, rec); err != nil {
		return nil, err
	}
	return rec, nil
}

// Submit records the event and processes it synchronously.
func (p *Processor) Submit(ctx context.Context, ev Event, raw []byte, source string, opts Options) Result {
	rec, err := p.Record(ctx, ev, raw, source, opts)
	if err != nil {
		p.logger.Error().Err(err).Str("event_type", string(ev.Kind())).Msg("audit write failed")
		metrics.EventsProcessed.WithLabelValues(string(ev.Kind()), string(OutcomeFailed)).Inc()
		return Result{Outcome: OutcomeFailed, Error: err.Error()}
	}
	return p.Process(ctx, rec, ev, opts)
}

// Process runs one attempt for an already recorded event.
func (p *Processor) Process(ctx context.Context, rec *models.IngestEvent, ev Event, opts Options) Result {
	if err := p.store.MarkIngestAttempt(ctx, rec.ID); err != nil {
		p.logger.Error().Err(err).Str("event_id", rec.ID).Msg("mark attempt failed")
		metrics.EventsProcessed.WithLabelValues(string(ev.Kind()), string(OutcomeFailed)).Inc()
		return Result{Outcome: OutcomeFailed, EventID: rec.ID, Error: err.Error()}
	}
	return p.execute(ctx, rec, ev, opts)
}

// ProcessAsync runs Process in the background. The work is detached from
// ctx cancellation so an acknowledged delivery is still processed.
func (p *Processor) ProcessAsync(ctx context.Context, rec *models.IngestEvent, ev Event, opts Options) {
	ctx = context.WithoutCancel(ctx)
	p.inflight.Add(1)
	go func() {
		defer p.inflight.Done()
		p.Process(ctx, rec, ev, opts)
	}()
}

// Wait blocks until every ProcessAsync call has finished.
func (p *Processor) Wait() {
	p.inflight.Wait()
}

// Replay re-executes a recorded event from its stored payload and
// suppression flag. The caller accounts for the attempt.
func (p *Processor) Replay(ctx context.Context, rec *models.IngestEvent) Result {
	ev, err := ParseEnvelope(rec.RawPayload)
	if err != nil {
		res := Result{Outcome: OutcomeFailed, EventID: rec.ID, Error: err.Error()}
		p.complete(ctx, rec, res)
		metrics.EventsProcessed.WithLabelValues(rec.EventType, string(OutcomeFailed)).Inc()
		return res
	}
	return p.execute(ctx, rec, ev, Options{SuppressSideEffects: rec.SuppressSideEffects})
}

func (p *Processor) execute(ctx context.Context, rec *models.IngestEvent, ev Event, opts Options) (res Result) {
	log := p.logger.With().
		Str("event_id", rec.ID).
		Str("event_type", string(ev.Kind())).
		Str("channel_id", ev.Channel()).
		Logger()

	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Msg("event processing panicked")
			res = Result{Outcome: OutcomeFailed, Error: fmt.Sprintf("panic: %v", r)}
		}
		res.EventID = rec.ID
		p.complete(ctx, rec, res)
		metrics.EventsProcessed.WithLabelValues(string(ev.Kind()), string(res.Outcome)).Inc()

		evt := log.Debug()
		if res.Outcome == OutcomeFailed {
			evt = log.Warn()
		}
		evt.Str("outcome", string(res.Outcome)).Str("error", res.Error).Msg("event processed")
	}()

	switch e := ev.(type) {
	case *VerificationEvent:
		return Result{Outcome: OutcomeSuccess, Challenge: e.Challenge}
	case *MessageCreated:
		return p.create(ctx, e, opts, log)
	case *MessageEdited:
		return p.edit(ctx, e, opts, log)
	case *MessageDeleted:
		return p.remove(ctx, e)
	case *UnknownEvent:
		return Result{Outcome: OutcomeSkipped, Error: fmt.Sprintf("unhandled event type %q", e.Type)}
	default:
		return Result{Outcome: OutcomeSkipped, Error: fmt.Sprintf("unhandled event %T", ev)}
	}
}

func (p *Processor) complete(ctx context.Context, rec *models.IngestEvent, res Result) {
	var msgID *string
	if res.MessageID != "" {
		msgID = &res.MessageID
	}
	if err := p.store.CompleteIngestEvent(ctx, rec.ID, res.Outcome.auditStatus(), res.Error, msgID); err != nil {
		p.logger.Error().Err(err).Str("event_id", rec.ID).Msg("audit completion failed")
	}
}

func failed(err error) Result {
	return Result{Outcome: OutcomeFailed, Error: err.Error()}
}

func (p *Processor) create(ctx context.Context, e *MessageCreated, opts Options, log zerolog.Logger) Result {
	existing, err := p.store.FindMessage(ctx, e.ExternalID, e.ChannelID)
	if err != nil {
		return failed(err)
	}
	if existing != nil {
		return Result{Outcome: OutcomeDuplicate, MessageID: existing.ID}
	}

	msg := &models.Message{
		ExternalID:    e.ExternalID,
		ChannelID:     e.ChannelID,
		Text:          e.Text,
		AuthorID:      e.AuthorID,
		AuthorDisplay: e.AuthorDisplay,
		Subtype:       e.SubType,
		Mentions:      models.ExtractMentions(e.Text),
		Timestamp:     e.Timestamp,
	}
	if root := e.ThreadRootExternalID; root != "" {
		msg.ThreadRootExternalID = &root
		if root != e.ExternalID {
			msg.IsThreadReply = true
			parent, err := p.store.FindMessage(ctx, root, e.ChannelID)
			if err != nil {
				return failed(err)
			}
			if parent != nil {
				msg.ParentMessageID = &parent.ID
			}
		}
	}

	if err := p.store.CreateMessage(ctx, msg); err != nil {
		if errors.Is(err, storage.ErrDuplicate) {
			res := Result{Outcome: OutcomeDuplicate}
			if winner, findErr := p.store.FindMessage(ctx, e.ExternalID, e.ChannelID); findErr == nil && winner != nil {
				res.MessageID = winner.ID
			}
			return res
		}
		return failed(err)
	}

	if !msg.IsThreadReply {
		if n, err := p.store.LinkOrphanReplies(ctx, msg); err != nil {
			log.Warn().Err(err).Msg("linking earlier replies failed")
		} else if n > 0 {
			log.Debug().Int64("replies", n).Msg("linked earlier replies to root")
		}
	}

	if !opts.SuppressSideEffects {
		p.scan(ctx, msg.ID, msg.Text, log)
	}
	return Result{Outcome: OutcomeSuccess, MessageID: msg.ID}
}

func (p *Processor) edit(ctx context.Context, e *MessageEdited, opts Options, log zerolog.Logger) Result {
	updated, err := p.store.UpdateMessageText(ctx, e.ExternalID, e.ChannelID, e.Text)
	if err != nil {
		return failed(err)
	}
	if len(updated) == 0 {
		return Result{Outcome: OutcomeSkipped, Error: "message not found"}
	}
	if !opts.SuppressSideEffects {
		for _, m := range updated {
			p.scan(ctx, m.ID, m.Text, log)
		}
	}
	return Result{Outcome: OutcomeSuccess, MessageID: updated[0].ID}
}

func (p *Processor) remove(ctx context.Context, e *MessageDeleted) Result {
	del, err := p.store.DeleteMessages(ctx, e.ExternalID, e.ChannelID)
	if err != nil {
		return failed(err)
	}
	if del.Deleted == 0 {
		return Result{Outcome: OutcomeSkipped, Error: "message not found"}
	}
	return Result{Outcome: OutcomeSuccess, Deletion: &del}
}

// scan is best-effort: failures are logged and never change the outcome.
func (p *Processor) scan(ctx context.Context, messageID, text string, log zerolog.Logger) {
	findings, err := p.scanner.Scan(ctx, text, pii.SourceMessage, messageID)
	if err != nil {
		metrics.PIIScanFailures.Inc()
		log.Warn().Err(err).Str("message_id", messageID).Msg("pii scan failed")
		return
	}
	rows := make([]models.PIIFinding, 0, len(findings))
	for _, f := range findings {
		rows = append(rows, models.PIIFinding{
			Span:       f.Span,
			Type:       f.Type,
			Confidence: f.Confidence,
			Start:      f.Start,
			End:        f.End,
		})
	}
	if err := p.store.ReplacePIIFindings(ctx, messageID, rows); err != nil {
		metrics.PIIScanFailures.Inc()
		log.Warn().Err(err).Str("message_id", messageID).Msg("storing pii findings failed")
	}
}
