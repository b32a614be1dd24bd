package ws

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message.
	pongWait = 60 * time.Second

	// Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	maxMessageSize = 4 * 1024

	sendBuffer = 256
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Client is one WebSocket connection. The hub owns the send channel and
// closes it on unregister.
type Client struct {
	id   string
	hub  *Hub
	conn *websocket.Conn
	send chan []byte
}

func NewClient(hub *Hub, conn *websocket.Conn) *Client {
	return &Client{
		id:   uuid.New().String(),
		hub:  hub,
		conn: conn,
		send: make(chan []byte, sendBuffer),
	}
}

func (c *Client) ID() string {
	return c.id
}

// ReadPump reads subscription requests until the connection fails.
func (c *Client) ReadPump() {
	defer func() {
		c.hub.Unregister(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Warn().Err(err).Str("client_id", c.id).Msg("ws unexpected close")
			}
			return
		}
		c.handleMessage(message)
	}
}

// WritePump writes queued frames and pings until the send channel closes.
func (c *Client) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *Client) handleMessage(message []byte) {
	var msg SubscriptionMessage
	if err := json.Unmarshal(message, &msg); err != nil {
		c.hub.send(c, newEvent(EventTypeError, 0, ErrorData{Code: "bad_request", Message: "invalid message"}))
		return
	}

	switch msg.Action {
	case "subscribe":
		for _, instrument := range msg.Instruments {
			c.hub.Subscribe(c, instrument)
		}
	case "unsubscribe":
		for _, instrument := range msg.Instruments {
			c.hub.Unsubscribe(c, instrument)
		}
	default:
		c.hub.send(c, newEvent(EventTypeSubscribed, 0, SubscriptionAck{
			Action:      msg.Action,
			Instruments: msg.Instruments,
			Message:     "unknown action",
		}))
		return
	}

	c.hub.send(c, newEvent(EventTypeSubscribed, 0, SubscriptionAck{
		Action:      msg.Action,
		Success:     true,
		Instruments: msg.Instruments,
	}))
}
