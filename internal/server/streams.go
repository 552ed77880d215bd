package server

import (
	"io"
	"net/http"
	"time"

	"github.com/campusfix/backend/internal/rooms"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const heartbeatInterval = 25 * time.Second

type snapshotFunc func(c *gin.Context) (interface{}, error)

// handleRoomTicketsStream pushes the room's ticket list over SSE, re-sent
// whenever a ticket in the room changes.
func (h *httpHandler) handleRoomTicketsStream(c *gin.Context) {
	roomID, err := rooms.NormalizeID(c.Param("roomId"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_room_id"})
		return
	}
	h.streamSnapshots(c, RoomTopic(roomID), func(c *gin.Context) (interface{}, error) {
		listed, err := h.tickets.ListRoomTickets(c.Request.Context(), roomID)
		if err != nil {
			return nil, err
		}
		payload, err := h.ticketListPayload(c.Request.Context(), listed)
		if err != nil {
			return nil, err
		}
		return gin.H{"tickets": payload}, nil
	})
}

// handleMyTicketsStream pushes the caller's ticket history over SSE.
func (h *httpHandler) handleMyTicketsStream(c *gin.Context) {
	actor := currentActor(c)
	h.streamSnapshots(c, ReporterTopic(actor.UserID), func(c *gin.Context) (interface{}, error) {
		listed, err := h.tickets.ListReporterTickets(c.Request.Context(), actor.UserID)
		if err != nil {
			return nil, err
		}
		payload, err := h.ticketListPayload(c.Request.Context(), listed)
		if err != nil {
			return nil, err
		}
		return gin.H{"tickets": payload}, nil
	})
}

// handleHeatmapStream pushes per-room open-ticket counts over SSE. Counts
// are recomputed on every ticket write anywhere in the system since the
// aggregate spans rooms.
func (h *httpHandler) handleHeatmapStream(c *gin.Context) {
	h.streamSnapshots(c, TopicHeatmap, func(c *gin.Context) (interface{}, error) {
		counts, err := h.tickets.RoomOpenCounts(c.Request.Context())
		if err != nil {
			return nil, err
		}
		return gin.H{"counts": counts}, nil
	})
}

// streamSnapshots delivers an initial snapshot, then a fresh snapshot on
// every topic event, plus periodic heartbeats. Delivery stops and the
// subscription is released when the client disconnects.
func (h *httpHandler) streamSnapshots(c *gin.Context, topic string, snapshot snapshotFunc) {
	stream, cleanup := h.dispatcher.Subscribe(c.Request.Context(), topic)
	defer cleanup()

	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")

	send := func() bool {
		payload, err := snapshot(c)
		if err != nil {
			h.logger.Warn("snapshot render failed", zap.String("topic", topic), zap.Error(err))
			return false
		}
		c.SSEvent(EventTicketChanged, payload)
		return true
	}

	if !send() {
		return
	}
	c.Writer.Flush()

	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()

	c.Stream(func(w io.Writer) bool {
		select {
		case _, ok := <-stream:
			if !ok {
				return false
			}
			return send()
		case <-heartbeat.C:
			c.SSEvent(eventHeartbeat, gin.H{"ts": time.Now().UTC().Unix()})
			return true
		case <-c.Request.Context().Done():
			return false
		}
	})
}
