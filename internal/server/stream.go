package server

import (
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// handleEventStream pushes identity events for the calling browser as
// server-sent events until the client disconnects.
func (h *httpHandler) handleEventStream(c *gin.Context) {
	id := browserID(c)
	stream, cleanup := h.realtime.Subscribe(c.Request.Context(), id)
	defer cleanup()

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)
	c.Writer.Flush()

	ticker := time.NewTicker(h.heartbeat)
	defer ticker.Stop()

	h.logger.Debug("identity stream opened", zap.String("browser_id", id))
	c.Stream(func(io.Writer) bool {
		select {
		case <-c.Request.Context().Done():
			return false
		case event, ok := <-stream:
			if !ok {
				return false
			}
			c.SSEvent(string(event.Kind), event)
			return true
		case now := <-ticker.C:
			c.SSEvent(realtimeEventHeartbeat, gin.H{"at": now.UTC()})
			return true
		}
	})
	h.logger.Debug("identity stream closed", zap.String("browser_id", id))
}
