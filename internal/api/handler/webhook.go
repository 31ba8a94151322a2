package handler

import (
	"chatsink/backend/internal/config"
	"chatsink/backend/internal/ingest"
	"chatsink/backend/internal/metrics"
	"chatsink/backend/internal/models"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
)

// HandleEvent accepts one webhook delivery. The audit row is written before
// the response; processing continues in the background, so a 200 only
// means the event is durably recorded.
func (h *Handler) HandleEvent(c *gin.Context) {
	// 1. Bounded body read
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, config.MaxWebhookBody+1))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Failed to read body"})
		return
	}
	if len(body) > config.MaxWebhookBody {
		metrics.EventsRejected.Inc()
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "Payload too large"})
		return
	}

	// 2. Signature, only when a signing secret is configured
	if h.verifier != nil {
		if err := h.verifier.Verify(c.GetHeader(SignatureHeader), c.GetHeader(TimestampHeader), body); err != nil {
			metrics.EventsRejected.Inc()
			h.logger.Warn().Str("remote_addr", c.ClientIP()).Msg("webhook signature rejected")
			c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid signature"})
			return
		}
	}

	// 3. Parse; malformed envelopes never reach the audit log
	ev, err := ingest.ParseEnvelope(body)
	if err != nil {
		metrics.EventsRejected.Inc()
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	ctx := c.Request.Context()
	if v, ok := ev.(*ingest.VerificationEvent); ok {
		res := h.processor.Submit(ctx, v, body, models.SourceWebhook, ingest.Options{})
		if res.Outcome == ingest.OutcomeFailed {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to record event"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"challenge": res.Challenge})
		return
	}

	// 4. Record, answer, process
	rec, err := h.processor.Record(ctx, ev, body, models.SourceWebhook, ingest.Options{})
	if err != nil {
		h.logger.Error().Err(err).Str("event_type", string(ev.Kind())).Msg("audit write failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to record event"})
		return
	}
	h.processor.ProcessAsync(ctx, rec, ev, ingest.Options{})

	c.JSON(http.StatusOK, gin.H{"ok": true, "event_id": rec.ID})
}
