package relay

import (
	"log/slog"
	"time"

	"github.com/gorilla/websocket"

	"github.com/beamlink/beamlink/internal/signaling"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer. 64 KB covers SDP payloads.
	maxMessageSize = 64 * 1024
)

// Client wraps a single websocket connection to the relay.
type Client struct {
	// ID is the connection identifier recorded in the room.
	ID string

	// Hub manages this client.
	Hub *Hub

	// Conn is the websocket connection.
	Conn *websocket.Conn

	// RoomCode is set once the client creates or joins a room.
	RoomCode string

	// Send is the buffered channel of outbound envelopes; WritePump
	// drains it onto the socket.
	Send chan *signaling.Envelope

	// closed marks Send as closed. Owned by the hub goroutine, like
	// RoomCode.
	closed bool
}

// Deliver queues an envelope for the client, dropping it if the send
// buffer is full or already closed. Must only be called from the hub
// goroutine.
func (c *Client) Deliver(env *signaling.Envelope) {
	if c.closed {
		slog.Debug("dropping envelope for closed client", "id", c.ID, "event", env.Event)
		return
	}

	select {
	case c.Send <- env:
	default:
		slog.Warn("client send buffer full, dropping", "id", c.ID, "event", env.Event)
	}
}

// ReadPump pumps envelopes from the websocket connection to the hub.
// It is the connection's single reader goroutine.
func (c *Client) ReadPump() {
	defer func() {
		c.Hub.Unregister <- c
		c.Conn.Close()
	}()

	c.Conn.SetReadLimit(maxMessageSize)
	c.Conn.SetReadDeadline(time.Now().Add(pongWait))
	c.Conn.SetPongHandler(func(string) error {
		c.Conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		var env signaling.Envelope
		if err := c.Conn.ReadJSON(&env); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				slog.Debug("read error", "id", c.ID, "err", err)
			}
			break
		}

		c.Hub.Inbound <- &inboundMessage{env: &env, client: c}
	}
}

// WritePump pumps envelopes from the hub to the websocket connection
// and keeps the connection alive with pings. It is the connection's
// single writer goroutine.
func (c *Client) WritePump() {
	ticker := time.NewTicker(pingPeriod)

	defer func() {
		ticker.Stop()
		c.Conn.Close()
	}()

	for {
		select {
		case env, ok := <-c.Send:
			c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// The hub closed the channel.
				c.Conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			if err := c.Conn.WriteJSON(env); err != nil {
				slog.Debug("write error", "id", c.ID, "err", err)
				return
			}

		case <-ticker.C:
			c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
