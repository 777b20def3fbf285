package hub

import (
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	writeWait      = 10 * time.Second    // Maximum time to write a message
	pongWait       = 60 * time.Second    // Time to wait for pong response
	pingPeriod     = (pongWait * 9) / 10 // Ping interval (must be < pongWait)
	maxMessageSize = 512 * 1024          // Maximum message size (512KB)
)

// Client represents one WebSocket connection bound to a document view.
// The binding carries the authenticated principal resolved at upgrade time;
// per-message identity claims are never trusted. It runs two concurrent
// goroutines: ReadPump for incoming messages and WritePump for outgoing
// messages.
type Client struct {
	hub        *Hub
	conn       *websocket.Conn
	send       chan []byte // Buffered channel for outbound messages
	id         string      // Connection ID, unique per transport
	documentID string
	userID     string
	username   string
}

// NewClient binds a connection to a (document, principal) pair.
func NewClient(hub *Hub, conn *websocket.Conn, documentID string, principal Principal) *Client {
	return &Client{
		hub:        hub,
		conn:       conn,
		send:       make(chan []byte, 256),
		id:         uuid.NewString(),
		documentID: documentID,
		userID:     principal.UserID,
		username:   principal.Username,
	}
}

// ReadPump reads messages from the WebSocket and forwards them to the hub.
// It runs until the connection closes, then unregisters the client; that
// unregister is what releases the client's locks, so prompt close detection
// (the pong deadline) doubles as stale-lock cleanup.
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
				slog.Warn("unexpected websocket close", "user", c.userID, "conn", c.id, "err", err)
			}
			break
		}

		c.hub.inbound <- &inboundMessage{data: message, sender: c}
	}
}

// WritePump sends messages from the hub to the WebSocket, one frame per
// message so the receiver can decode each independently. It also sends
// periodic pings to detect disconnected clients.
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
