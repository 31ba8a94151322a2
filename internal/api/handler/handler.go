package handler

import (
	"chatsink/backend/internal/ingest"
	"chatsink/backend/internal/models"
	"chatsink/backend/internal/platform"
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

// Backfills is the control surface of the backfill orchestrator.
type Backfills interface {
	Start(ctx context.Context, cfg models.BackfillConfig) (*models.BackfillOperation, error)
	Progress(ctx context.Context, id string) (*models.BackfillOperation, error)
	Cancel(ctx context.Context, id string) error
	List(ctx context.Context) ([]*models.BackfillOperation, error)
}

// Pinger reports whether a dependency is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// PingFunc adapts a function to Pinger.
type PingFunc func(ctx context.Context) error

func (f PingFunc) Ping(ctx context.Context) error { return f(ctx) }

// Options wires the handler to the rest of the service.
type Options struct {
	Processor     *ingest.Processor
	Backfills     Backfills
	Platform      platform.API
	DB            Pinger
	Redis         Pinger
	SigningSecret string
	JWTSecret     string
	Logger        zerolog.Logger
}

// Handler serves the webhook, the backfill control API and operational endpoints.
type Handler struct {
	processor *ingest.Processor
	backfills Backfills
	platform  platform.API
	db        Pinger
	redis     Pinger
	verifier  *SignatureVerifier
	jwtSecret []byte
	logger    zerolog.Logger

	// StreamInterval is how often the progress stream polls for changes.
	StreamInterval time.Duration
}

func NewHandler(opts Options) *Handler {
	h := &Handler{
		processor:      opts.Processor,
		backfills:      opts.Backfills,
		platform:       opts.Platform,
		db:             opts.DB,
		redis:          opts.Redis,
		jwtSecret:      []byte(opts.JWTSecret),
		logger:         opts.Logger.With().Str("component", "http").Logger(),
		StreamInterval: 500 * time.Millisecond,
	}
	if opts.SigningSecret != "" {
		h.verifier = NewSignatureVerifier(opts.SigningSecret)
	}
	return h
}

// Register mounts every route on r.
func (h *Handler) Register(r *gin.Engine) {
	r.Use(Metrics(), RequestLogger(h.logger))

	r.GET("/healthz", h.Health)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))
	r.POST("/slack/events", h.HandleEvent)

	api := r.Group("/api", h.RequireAuth())
	{
		api.GET("/channels", h.ListChannels)
		api.GET("/backfills", h.ListBackfills)
		api.POST("/backfills", h.StartBackfill)
		api.GET("/backfills/:id", h.GetBackfill)
		api.POST("/backfills/:id/cancel", h.CancelBackfill)
		api.GET("/backfills/:id/stream", h.StreamBackfill)
	}
}

// Health checks the database and, when configured, Redis.
func (h *Handler) Health(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	checks := gin.H{}
	healthy := true
	if h.db != nil {
		checks["database"] = "ok"
		if err := h.db.Ping(ctx); err != nil {
			checks["database"] = err.Error()
			healthy = false
		}
	}
	if h.redis != nil {
		checks["redis"] = "ok"
		if err := h.redis.Ping(ctx); err != nil {
			checks["redis"] = err.Error()
			healthy = false
		}
	}

	if !healthy {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "degraded", "checks": checks})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok", "checks": checks})
}

// ListChannels returns the channels the platform credential can read.
func (h *Handler) ListChannels(c *gin.Context) {
	channels, err := h.platform.ListChannels(c.Request.Context())
	if err != nil {
		h.logger.Error().Err(err).Msg("list channels failed")
		c.JSON(http.StatusBadGateway, gin.H{"error": "Failed to list channels"})
		return
	}
	if channels == nil {
		channels = []platform.Channel{}
	}
	c.JSON(http.StatusOK, gin.H{"channels": channels})
}
