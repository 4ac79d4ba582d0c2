package signaling

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 * 1024

	handshakeTimeout = 10 * time.Second
	connectBudget    = 15 * time.Second
	dialAttempts     = 3
	redialBackoff    = time.Second
)

// Client manages the websocket connection to the relay server. On a
// transport-level drop it redials up to three times; a successful
// reconnection does not rejoin any room, it only restores the socket
// and surfaces a reset event so the caller can retry at the
// application level.
type Client struct {
	serverURL string
	incoming  chan *Envelope
	outgoing  chan *Envelope
	done      chan struct{}

	mu     sync.Mutex
	conn   *websocket.Conn
	closed bool
}

// NewClient creates a client for the given websocket URL.
func NewClient(serverURL string) *Client {
	return &Client{
		serverURL: serverURL,
		incoming:  make(chan *Envelope, 32),
		outgoing:  make(chan *Envelope, 32),
		done:      make(chan struct{}),
	}
}

// Connect dials the relay within a bounded budget and starts the read
// and write pumps.
func (c *Client) Connect(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, connectBudget)
	defer cancel()

	conn, err := c.dial(ctx)
	if err != nil {
		return fmt.Errorf("connect to relay: %w", err)
	}

	c.setConn(conn)

	go c.readPump()
	go c.writePump()

	return nil
}

func (c *Client) dial(ctx context.Context) (*websocket.Conn, error) {
	dialer := websocket.Dialer{HandshakeTimeout: handshakeTimeout}

	var lastErr error
	for attempt := 1; attempt <= dialAttempts; attempt++ {
		conn, _, err := dialer.DialContext(ctx, c.serverURL, nil)
		if err == nil {
			return conn, nil
		}
		lastErr = err
		slog.Debug("relay dial failed", "attempt", attempt, "err", err)

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(redialBackoff):
		}
	}
	return nil, lastErr
}

func (c *Client) setConn(conn *websocket.Conn) {
	conn.SetReadLimit(maxMessageSize)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
}

func (c *Client) currentConn() *websocket.Conn {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn
}

// readPump reads envelopes from the websocket and forwards them to the
// incoming channel. When the transport drops it attempts a bounded
// reconnect; room membership is not restored.
func (c *Client) readPump() {
	defer close(c.incoming)

	for {
		conn := c.currentConn()

		var env Envelope
		if err := conn.ReadJSON(&env); err != nil {
			if c.isClosed() {
				return
			}
			if !c.reconnect() {
				return
			}
			// Socket restored but server-side state is gone; the
			// session must treat this as a fatal protocol reset.
			c.deliver(&Envelope{Event: EventError, Error: "signaling connection reset"})
			continue
		}

		c.deliver(&env)
	}
}

func (c *Client) deliver(env *Envelope) {
	select {
	case c.incoming <- env:
	case <-c.done:
	}
}

// reconnect redials after a transport drop. Returns false when the
// client is closed or all attempts fail.
func (c *Client) reconnect() bool {
	if c.isClosed() {
		return false
	}

	ctx, cancel := context.WithTimeout(context.Background(), connectBudget)
	defer cancel()

	conn, err := c.dial(ctx)
	if err != nil {
		slog.Warn("relay reconnect failed", "err", err)
		return false
	}

	c.setConn(conn)
	slog.Info("relay connection restored")
	return true
}

// writePump writes outbound envelopes and sends periodic pings.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case env := <-c.outgoing:
			conn := c.currentConn()
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(env); err != nil {
				slog.Debug("relay write failed", "err", err)
			}

		case <-ticker.C:
			conn := c.currentConn()
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				slog.Debug("relay ping failed", "err", err)
			}

		case <-c.done:
			conn := c.currentConn()
			if conn != nil {
				conn.SetWriteDeadline(time.Now().Add(writeWait))
				conn.WriteMessage(websocket.CloseMessage, []byte{})
				conn.Close()
			}
			return
		}
	}
}

// Send queues an envelope for delivery to the relay.
func (c *Client) Send(env *Envelope) {
	select {
	case c.outgoing <- env:
	case <-c.done:
	}
}

// Incoming returns the channel of envelopes received from the relay.
func (c *Client) Incoming() <-chan *Envelope {
	return c.incoming
}

func (c *Client) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Close releases the connection. Safe to call more than once.
func (c *Client) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.mu.Unlock()

	close(c.done)
}
