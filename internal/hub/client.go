package hub

import (
	"encoding/json"
	"log/slog"
	"time"

	"github.com/gorilla/websocket"

	"github.com/jeeyo/battleship-p2p/internal/protocol"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer. 64 KB is enough for SDP.
	maxMessageSize = 64 * 1024
)

// Client wraps one websocket connection attached to a room.
type Client struct {
	hub      *Hub
	conn     *websocket.Conn
	roomCode string
	clientID string
	role     string

	// send buffers outbound messages; WritePump drains it.
	send chan *protocol.Message

	// replaced is set by the hub when a newer socket for the same
	// clientID took over, so teardown skips the shared channel.
	replaced bool

	logger *slog.Logger
}

// ReadPump pumps messages from the websocket to the hub. It runs in a
// per-connection goroutine; all reads happen here.
func (c *Client) ReadPump() {
	defer func() {
		c.hub.unregister <- c
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.logger.Warn("socket read error", "clientId", c.clientID, "error", err)
			}
			return
		}

		// Malformed payloads are dropped, never fatal to the loop.
		var msg protocol.Message
		if err := json.Unmarshal(data, &msg); err != nil {
			c.logger.Debug("dropping malformed message", "clientId", c.clientID, "error", err)
			continue
		}

		// The hub is authoritative about who sent what.
		msg.SenderID = c.clientID
		msg.RoomCode = c.roomCode
		if msg.Timestamp == 0 {
			msg.Timestamp = time.Now().UnixMilli()
		}

		c.hub.forward <- inbound{client: c, msg: &msg}
	}
}

// WritePump pumps messages from the hub to the websocket and keeps the
// connection alive with periodic pings. It runs in a per-connection
// goroutine; all writes happen here.
func (c *Client) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteJSON(msg); err != nil {
				c.logger.Warn("socket write error", "clientId", c.clientID, "error", err)
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
