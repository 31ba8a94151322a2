package handler

import (
	"chatsink/backend/internal/backfill"
	"chatsink/backend/internal/ingest"
	"chatsink/backend/internal/models"
	"errors"
	"net/http"
	"sort"
	"time"

	"github.com/gin-gonic/gin"
)

type startBackfillRequest struct {
	ChannelID           string     `json:"channel_id" binding:"required"`
	Oldest              *time.Time `json:"oldest"`
	Latest              *time.Time `json:"latest"`
	IncludeThreads      *bool      `json:"include_threads"`
	PageSize            int        `json:"page_size"`
	RequestDelayMs      int        `json:"request_delay_ms"`
	SuppressSideEffects bool       `json:"suppress_side_effects"`
}

func (r startBackfillRequest) config(requestedBy string) models.BackfillConfig {
	includeThreads := true
	if r.IncludeThreads != nil {
		includeThreads = *r.IncludeThreads
	}
	return models.BackfillConfig{
		ChannelID:           r.ChannelID,
		Oldest:              r.Oldest,
		Latest:              r.Latest,
		IncludeThreads:      includeThreads,
		PageSize:            r.PageSize,
		RequestDelay:        time.Duration(r.RequestDelayMs) * time.Millisecond,
		SuppressSideEffects: r.SuppressSideEffects,
		RequestedBy:         requestedBy,
	}
}

// StartBackfill queues a backfill and returns its first snapshot.
func (h *Handler) StartBackfill(c *gin.Context) {
	var req startBackfillRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	op, err := h.backfills.Start(c.Request.Context(), req.config(principal(c)))
	if err != nil {
		var verr *ingest.ValidationError
		switch {
		case errors.As(err, &verr):
			c.JSON(http.StatusBadRequest, gin.H{"error": verr.Error()})
		case errors.Is(err, backfill.ErrAlreadyRunning):
			c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		default:
			h.logger.Error().Err(err).Msg("start backfill failed")
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to start backfill"})
		}
		return
	}
	c.JSON(http.StatusAccepted, op)
}

// GetBackfill returns the current snapshot of an operation.
func (h *Handler) GetBackfill(c *gin.Context) {
	op, err := h.backfills.Progress(c.Request.Context(), c.Param("id"))
	if errors.Is(err, backfill.ErrOperationNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "Backfill not found"})
		return
	}
	if err != nil {
		h.logger.Error().Err(err).Msg("read backfill progress failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to read progress"})
		return
	}
	c.JSON(http.StatusOK, op)
}

// ListBackfills returns retained snapshots, newest first.
func (h *Handler) ListBackfills(c *gin.Context) {
	ops, err := h.backfills.List(c.Request.Context())
	if err != nil {
		h.logger.Error().Err(err).Msg("list backfills failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to list backfills"})
		return
	}
	sort.Slice(ops, func(i, j int) bool { return ops[i].StartedAt.After(ops[j].StartedAt) })
	if ops == nil {
		ops = []*models.BackfillOperation{}
	}
	c.JSON(http.StatusOK, gin.H{"backfills": ops})
}

// CancelBackfill requests cancellation: 202 when accepted, 409 when the
// operation already finished or runs on another instance.
func (h *Handler) CancelBackfill(c *gin.Context) {
	id := c.Param("id")
	err := h.backfills.Cancel(c.Request.Context(), id)
	switch {
	case err == nil:
		c.JSON(http.StatusAccepted, gin.H{"id": id, "status": "cancelling"})
	case errors.Is(err, backfill.ErrOperationNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "Backfill not found"})
	case errors.Is(err, backfill.ErrNotCancellable), errors.Is(err, backfill.ErrRunningElsewhere):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	default:
		h.logger.Error().Err(err).Msg("cancel backfill failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to cancel backfill"})
	}
}
