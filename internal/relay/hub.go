// Package relay implements the signaling server: a stateless
// pass-through negotiator that introduces two peers under a short room
// code and relays their session descriptions and candidates.
package relay

import (
	"crypto/rand"
	"fmt"
	"log/slog"
	"math/big"

	"github.com/beamlink/beamlink/internal/signaling"
)

// Hub manages all live rooms and clients. All state is owned by the
// single goroutine running Run, which serializes room creation, joins,
// and disconnect-triggered deletion.
type Hub struct {
	// rooms maps room codes to Room instances.
	rooms map[string]*Room

	// Register is the channel for newly upgraded connections.
	Register chan *Client

	// Unregister is the channel for dropped connections.
	Unregister chan *Client

	// Inbound carries client messages into the hub loop.
	Inbound chan *inboundMessage
}

// inboundMessage pairs an envelope with its sending client.
type inboundMessage struct {
	env    *signaling.Envelope
	client *Client
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{
		rooms:      make(map[string]*Room),
		Register:   make(chan *Client),
		Unregister: make(chan *Client),
		Inbound:    make(chan *inboundMessage),
	}
}

// generateRoomCode allocates a six-digit code unique among live rooms.
func (h *Hub) generateRoomCode() string {
	for {
		n, err := rand.Int(rand.Reader, big.NewInt(1000000))
		if err != nil {
			slog.Error("room code generation failed", "err", err)
			continue
		}
		code := fmt.Sprintf("%06d", n.Int64())
		if _, ok := h.rooms[code]; !ok {
			return code
		}
	}
}

// Run is the hub's main processing loop.
func (h *Hub) Run() {
	for {
		select {
		case client := <-h.Register:
			slog.Debug("client registered", "id", client.ID)

		case client := <-h.Unregister:
			h.handleDisconnect(client)

		case msg := <-h.Inbound:
			h.handleMessage(msg.client, msg.env)
		}
	}
}

// handleDisconnect removes the client from its room and closes its
// send channel. Safe against duplicate unregister events.
func (h *Hub) handleDisconnect(client *Client) {
	slog.Debug("client unregistered", "id", client.ID)

	h.leaveRoom(client)

	if !client.closed {
		client.closed = true
		close(client.Send)
	}
}

// leaveRoom deletes the room the client occupies, if any, and notifies
// the remaining occupant. A room dies the moment either participant
// leaves it.
func (h *Hub) leaveRoom(client *Client) {
	if client.RoomCode == "" {
		return
	}

	room, ok := h.rooms[client.RoomCode]
	client.RoomCode = ""
	if !ok {
		return
	}

	delete(h.rooms, room.Code)
	slog.Info("room deleted", "code", room.Code)

	if peer := room.other(client); peer != nil {
		peer.Deliver(&signaling.Envelope{Event: signaling.EventPeerDisconnected})
	}
}

func (h *Hub) handleMessage(client *Client, env *signaling.Envelope) {
	switch env.Event {

	case signaling.EventCreateRoom:
		// A repeated create-room abandons any room the client already
		// occupies so nothing stays in the table past its host.
		h.leaveRoom(client)

		code := h.generateRoomCode()
		h.rooms[code] = &Room{Code: code, Host: client}
		client.RoomCode = code

		slog.Info("room created", "code", code, "host", client.ID)
		client.Deliver(&signaling.Envelope{
			Event:    signaling.EventRoomCreated,
			RoomCode: code,
		})

	case signaling.EventJoinRoom:
		h.leaveRoom(client)

		room, ok := h.rooms[env.RoomCode]
		if !ok {
			slog.Info("join failed: room not found", "code", env.RoomCode)
			client.Deliver(&signaling.Envelope{
				Event: signaling.EventError,
				Error: signaling.ErrorRoomNotFound,
			})
			return
		}

		if room.Guest != nil {
			slog.Info("join failed: room full", "code", env.RoomCode)
			client.Deliver(&signaling.Envelope{
				Event: signaling.EventError,
				Error: signaling.ErrorRoomFull,
			})
			return
		}

		room.Guest = client
		client.RoomCode = room.Code

		slog.Info("guest joined", "code", room.Code, "guest", client.ID)
		room.Host.Deliver(&signaling.Envelope{Event: signaling.EventGuestJoined})
		client.Deliver(&signaling.Envelope{
			Event:    signaling.EventJoinSuccess,
			RoomCode: room.Code,
		})

	case signaling.EventSignal:
		room, ok := h.rooms[client.RoomCode]
		if !ok {
			// The room may already be gone after a disconnect; drop
			// the signal silently, this is not an error.
			slog.Debug("signal dropped: no room", "client", client.ID)
			return
		}

		if peer := room.other(client); peer != nil {
			peer.Deliver(&signaling.Envelope{
				Event: signaling.EventSignal,
				Data:  env.Data,
			})
		} else {
			slog.Debug("signal dropped: no peer", "code", room.Code)
		}

	default:
		slog.Warn("unknown message type", "event", env.Event)
	}
}
