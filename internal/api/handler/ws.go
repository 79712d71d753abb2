package handler

import (
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

func (h *Handler) upgrader() websocket.Upgrader {
	return websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			if h.AllowedOrigin == "" || h.AllowedOrigin == "*" {
				return true
			}
			return r.Header.Get("Origin") == h.AllowedOrigin
		},
	}
}

// ServeWebSocket authenticates the anonymous token and hands the upgraded
// connection to the gateway.
func (h *Handler) ServeWebSocket(c *gin.Context) {
	tokenString := bearer(c)
	if tokenString == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Authorization token missing"})
		return
	}

	anonID, err := h.Tokens.AnonID(tokenString)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Invalid token or expired"})
		return
	}

	up := h.upgrader()
	conn, err := up.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// Upgrade has already written the error response.
		h.logger.Warn("websocket upgrade failed", slog.String("user_id", anonID), slog.String("error", err.Error()))
		return
	}
	h.Gateway.Register(anonID, conn)
}
