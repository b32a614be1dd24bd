package ws

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
)

// Handler provides HTTP handlers for WebSocket connections.
type Handler struct {
	hub *Hub
}

func NewHandler(hub *Hub) *Handler {
	return &Handler{hub: hub}
}

// HandleUpgrade upgrades to a WebSocket subscribed to one instrument.
// Path: /ws/:instrument
//
// Clients follow more instruments by sending
// {"action":"subscribe","instruments":[2]}.
func (h *Handler) HandleUpgrade(c *gin.Context) {
	instrument, err := strconv.ParseUint(c.Param("instrument"), 10, 32)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid instrument"})
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}

	client := NewClient(h.hub, conn)
	go client.WritePump()
	h.hub.Register(client, uint32(instrument))
	go client.ReadPump()
}

// HandleStats returns connection counts.
func (h *Handler) HandleStats(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"total_connections": h.hub.TotalClientCount(),
		"instruments":       h.hub.Instruments(),
	})
}
