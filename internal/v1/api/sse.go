package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/robolinkhq/session-manager/internal/v1/events"
	"github.com/robolinkhq/session-manager/internal/v1/types"
)

// keepAliveInterval paces SSE comment frames so idle connections survive
// intermediary timeouts.
const keepAliveInterval = 15 * time.Second

// sessionEvents streams one session's lifecycle events as SSE. The stream
// ends when the session's channel completes (after Terminated) or the client
// disconnects. A subscriber that fell behind receives a final "lagged" frame.
func (s *Server) sessionEvents(c *gin.Context) {
	id := types.SessionIdType(c.Param("id"))
	if _, err := s.orch.GetSession(id); err != nil {
		respondError(c, http.StatusNotFound, "session_not_found", "session "+c.Param("id")+" not found")
		return
	}

	sub := s.bus.SubscribeSession(id)
	defer sub.Cancel()
	s.streamEvents(c, sub)
}

// globalEvents streams every session's events as SSE.
func (s *Server) globalEvents(c *gin.Context) {
	sub := s.bus.SubscribeGlobal()
	defer sub.Cancel()
	s.streamEvents(c, sub)
}

func (s *Server) streamEvents(c *gin.Context, sub *events.Subscription) {
	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	c.Writer.WriteHeader(http.StatusOK)
	c.Writer.Flush()

	keepAlive := time.NewTicker(keepAliveInterval)
	defer keepAlive.Stop()

	for {
		select {
		case ev, ok := <-sub.C:
			if !ok {
				if sub.Lagged() {
					_, _ = c.Writer.WriteString("event: lagged\ndata: {}\n\n")
					c.Writer.Flush()
				}
				return
			}
			payload, err := json.Marshal(ev)
			if err != nil {
				continue
			}
			_, _ = c.Writer.WriteString("event: " + string(ev.Type) + "\n")
			_, _ = c.Writer.WriteString("data: " + string(payload) + "\n\n")
			c.Writer.Flush()
		case <-keepAlive.C:
			_, _ = c.Writer.WriteString(": keep-alive\n\n")
			c.Writer.Flush()
		case <-c.Request.Context().Done():
			return
		}
	}
}
