package api

import (
	"io"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// eventStreamBuffer absorbs bursts while the client catches up; the bus
// drops on overflow, so a stalled stream loses events instead of stalling
// the sync loop.
const eventStreamBuffer = 256

type eventEnvelope struct {
	EventID          string `json:"event_id"`
	Kind             string `json:"kind"`
	OccurredAtUnixMS int64  `json:"occurred_at_unix_ms"`
	Payload          any    `json:"payload,omitempty"`
}

// Events streams bus events to the client as server-sent events. The
// namespace query filters by kind prefix, e.g. ?namespace=sync. for
// engine progress only; empty streams everything.
func (h *Handlers) Events(c *gin.Context) {
	ch, unsub := h.bus.Subscribe(c.DefaultQuery("namespace", ""), eventStreamBuffer)
	defer unsub()

	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")
	// Flush the headers up front so clients observe the open stream before
	// the first event arrives.
	c.Writer.WriteHeaderNow()
	c.Writer.Flush()

	c.Stream(func(_ io.Writer) bool {
		select {
		case evt := <-ch:
			c.SSEvent(evt.Kind, eventEnvelope{
				EventID:          uuid.NewString(),
				Kind:             evt.Kind,
				OccurredAtUnixMS: evt.Timestamp.UnixMilli(),
				Payload:          evt.Payload,
			})
			return true
		case <-c.Request.Context().Done():
			return false
		}
	})
}
