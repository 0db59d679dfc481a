package server

import (
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/entitysync/internal/ids"
	"github.com/MarcoPoloResearchLab/entitysync/internal/notify"
	"github.com/gin-contrib/sse"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const (
	RealtimeEventEntityChanged = "entity-change"
	realtimeEventHeartbeat     = "heartbeat"
	realtimeSourceBackend      = "entitysync"

	defaultHeartbeatInterval = 25 * time.Second
	opEventStream            = "server.event_stream"
)

// RealtimeMessage is the data of one entity-change event on the stream.
type RealtimeMessage struct {
	Source string       `json:"source"`
	Event  notify.Event `json:"event"`
}

// parseKinds reads the comma separated kinds filter; an empty filter selects every kind.
func parseKinds(raw string) ([]ids.Kind, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, nil
	}
	var kinds []ids.Kind
	for _, name := range strings.Split(raw, ",") {
		kind, err := ids.ParseKind(strings.TrimSpace(name))
		if err != nil {
			return nil, err
		}
		kinds = append(kinds, kind)
	}
	return kinds, nil
}

// handleEventStream relays engine change events as server-sent events until the client goes away.
func (h *httpHandler) handleEventStream(c *gin.Context) {
	kinds, err := parseKinds(c.Query("kinds"))
	if err != nil {
		h.respondError(c, opEventStream, err)
		return
	}

	ctx := c.Request.Context()
	stream, cleanup := h.engine.Subscribe(ctx, kinds...)
	defer cleanup()

	heartbeat := time.NewTicker(h.heartbeat)
	defer heartbeat.Stop()

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)
	c.Writer.Flush()

	h.logger.Debug("event stream opened", zap.String("operation", opEventStream), zap.Int("kinds", len(kinds)))
	c.Stream(func(w io.Writer) bool {
		select {
		case <-ctx.Done():
			return false
		case event, ok := <-stream:
			if !ok {
				return false
			}
			c.Render(-1, sse.Event{
				Id:    event.ID.String(),
				Event: RealtimeEventEntityChanged,
				Data:  RealtimeMessage{Source: realtimeSourceBackend, Event: event},
			})
			return true
		case now := <-heartbeat.C:
			c.SSEvent(realtimeEventHeartbeat, gin.H{"source": realtimeSourceBackend, "at": now.UTC().Unix()})
			return true
		}
	})
	h.logger.Debug("event stream closed", zap.String("operation", opEventStream))
}
