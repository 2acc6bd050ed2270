package server

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const (
	alertStreamEventName   = "alert"
	alertStreamHeartbeat   = 25 * time.Second
	alertStreamRetryMillis = 3000
)

// handleAlertStream serves the owner-scoped SSE feed. Each accepted alert
// arrives as one "alert" event carrying the full notification payload;
// periodic comment lines keep intermediary proxies from closing the
// connection.
func (h *httpHandler) handleAlertStream(c *gin.Context) {
	ownerID := h.requestOwner(c)
	if ownerID == "" {
		return
	}

	flusher, ok := c.Writer.(http.Flusher)
	if !ok {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "streaming_unsupported"})
		return
	}

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Writer.WriteHeader(http.StatusOK)

	events, cleanup := h.broadcaster.Subscribe(c.Request.Context(), ownerID.String())
	defer cleanup()

	if _, err := c.Writer.WriteString("retry: " + strconv.Itoa(alertStreamRetryMillis) + "\n\n"); err != nil {
		return
	}
	flusher.Flush()

	heartbeat := time.NewTicker(alertStreamHeartbeat)
	defer heartbeat.Stop()

	for {
		select {
		case event, open := <-events:
			if !open {
				return
			}
			data, err := json.Marshal(event)
			if err != nil {
				h.logger.Warn("alert event encoding failed", zap.Error(err))
				continue
			}
			if _, err := c.Writer.WriteString("event: " + alertStreamEventName + "\ndata: " + string(data) + "\n\n"); err != nil {
				return
			}
			flusher.Flush()
		case <-heartbeat.C:
			if _, err := c.Writer.WriteString(": keep-alive\n\n"); err != nil {
				return
			}
			flusher.Flush()
		case <-c.Request.Context().Done():
			return
		}
	}
}
