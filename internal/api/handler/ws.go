package handler

import (
	"chatsink/backend/internal/backfill"
	"chatsink/backend/internal/models"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 512
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true }, // behind RequireAuth
}

// StreamBackfill pushes progress snapshots over a websocket until the
// operation reaches a terminal state or the client goes away.
func (h *Handler) StreamBackfill(c *gin.Context) {
	id := c.Param("id")
	ctx := c.Request.Context()

	op, err := h.backfills.Progress(ctx, id)
	if errors.Is(err, backfill.ErrOperationNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "Backfill not found"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to read progress"})
		return
	}

	// 1. Upgrade
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn().Err(err).Str("operation_id", id).Msg("websocket upgrade failed")
		return
	}
	defer conn.Close()

	// 2. Reader goroutine handles pongs and close frames
	closed := make(chan struct{})
	go readPump(conn, closed)

	poll := time.NewTicker(h.StreamInterval)
	ping := time.NewTicker(pingPeriod)
	defer poll.Stop()
	defer ping.Stop()

	// 3. Push snapshots until terminal
	var last *models.BackfillOperation
	for {
		if changed(last, op) {
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(op); err != nil {
				return
			}
			last = op
		}
		if op.Status.IsTerminal() {
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, string(op.Status)))
			return
		}

		select {
		case <-closed:
			return
		case <-ping.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-poll.C:
			next, err := h.backfills.Progress(ctx, id)
			if err != nil {
				// Evicted snapshots end the stream.
				return
			}
			op = next
		}
	}
}

// readPump drains client frames so pongs and close frames are handled.
func readPump(conn *websocket.Conn, closed chan<- struct{}) {
	defer close(closed)
	conn.SetReadLimit(maxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func changed(prev, next *models.BackfillOperation) bool {
	if prev == nil {
		return true
	}
	return prev.Status != next.Status ||
		prev.Phase != next.Phase ||
		prev.ProgressPercent != next.ProgressPercent ||
		prev.ProcessedMessages != next.ProcessedMessages ||
		prev.ThreadsProcessed != next.ThreadsProcessed ||
		prev.Stats != next.Stats
}
