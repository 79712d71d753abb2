// Package handler is the HTTP surface: health, metrics, anonymous WebSocket
// identities, the WebSocket endpoint and operator statistics.
package handler

import (
	"errors"
	"log/slog"
	"net/http"

	"chatpair/backend/internal/chathub"
	"chatpair/backend/internal/metrics"
	"chatpair/backend/internal/models"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
)

// Handler holds what the HTTP endpoints read from.
type Handler struct {
	Hub      *chathub.Hub
	Gateway  *chathub.WSGateway
	Tokens   *TokenIssuer
	Gatherer prometheus.Gatherer
	// AllowedOrigin restricts WebSocket handshakes; "*" or empty allows any.
	AllowedOrigin string
	logger        *slog.Logger
}

func NewHandler(hub *chathub.Hub, gw *chathub.WSGateway, tokens *TokenIssuer, gatherer prometheus.Gatherer, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{Hub: hub, Gateway: gw, Tokens: tokens, Gatherer: gatherer, logger: logger}
}

// Register mounts every endpoint on r.
func (h *Handler) Register(r gin.IRouter) {
	r.GET("/healthz", h.Health)
	r.GET("/metrics", gin.WrapH(metrics.Handler(h.Gatherer)))
	r.GET("/anonid", h.GetAnonID)
	r.GET("/ws", h.ServeWebSocket)

	admin := r.Group("/admin", h.RequireAdmin())
	admin.GET("/stats", h.Stats)
}

func (h *Handler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// Stats reports live sessions, queue lengths and WebSocket connections.
func (h *Handler) Stats(c *gin.Context) {
	ctx := c.Request.Context()
	active, err := h.Hub.Sessions.ActiveCount(ctx)
	if err != nil {
		h.storeError(c, err)
		return
	}
	queues := gin.H{}
	for _, f := range models.Filters {
		n, err := h.Hub.Queue.Len(ctx, f)
		if err != nil {
			h.storeError(c, err)
			return
		}
		queues[string(f)] = n
	}
	c.JSON(http.StatusOK, gin.H{
		"active_sessions": active,
		"queues":          queues,
		"ws_connections":  h.Gateway.Len(),
	})
}

func (h *Handler) storeError(c *gin.Context, err error) {
	h.logger.Error("stats query failed", slog.String("error", err.Error()))
	if errors.Is(err, models.ErrStoreUnavailable) {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "Store unavailable, try again"})
		return
	}
	c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal error"})
}
