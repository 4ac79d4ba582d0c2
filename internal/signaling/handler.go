package signaling

import (
	"context"
	"errors"
	"fmt"
	"time"
)

const joinTimeout = 10 * time.Second

var (
	ErrRoomNotFound = errors.New("room not found")
	ErrRoomFull     = errors.New("room is full")
	ErrJoinTimeout  = errors.New("join room timed out")
	ErrServer       = errors.New("signaling server error")
)

// Handler routes incoming relay envelopes to typed channels and
// implements the room operations on top of them.
type Handler struct {
	client           *Client
	RoomCreated      chan string
	JoinSuccess      chan struct{}
	GuestJoined      chan struct{}
	PeerDisconnected chan struct{}
	Signal           chan *SignalData
	Error            chan string
}

// NewHandler creates a handler for the given client.
func NewHandler(client *Client) *Handler {
	return &Handler{
		client:           client,
		RoomCreated:      make(chan string, 1),
		JoinSuccess:      make(chan struct{}, 1),
		GuestJoined:      make(chan struct{}, 1),
		PeerDisconnected: make(chan struct{}, 1),
		Signal:           make(chan *SignalData, 32),
		Error:            make(chan string, 1),
	}
}

// Start consumes the client's incoming channel until it closes, then
// closes the fan-out channels. Start is their only closer, so no
// forward can ever race a close.
func (h *Handler) Start() {
	defer func() {
		close(h.RoomCreated)
		close(h.JoinSuccess)
		close(h.GuestJoined)
		close(h.PeerDisconnected)
		close(h.Signal)
		close(h.Error)
	}()

	for env := range h.client.Incoming() {
		switch env.Event {

		case EventRoomCreated:
			h.RoomCreated <- env.RoomCode

		case EventJoinSuccess:
			h.JoinSuccess <- struct{}{}

		case EventGuestJoined:
			h.GuestJoined <- struct{}{}

		case EventPeerDisconnected:
			select {
			case h.PeerDisconnected <- struct{}{}:
			default:
			}

		case EventSignal:
			if env.Data != nil {
				h.Signal <- env.Data
			}

		case EventError:
			select {
			case h.Error <- env.Error:
			default:
			}

		default:
			// Unknown events are tolerated; the relay may be newer.
		}
	}
}

// CreateRoom asks the relay for a fresh room and returns its code.
func (h *Handler) CreateRoom(ctx context.Context) (string, error) {
	h.client.Send(&Envelope{Event: EventCreateRoom})

	select {
	case code, ok := <-h.RoomCreated:
		if !ok {
			return "", fmt.Errorf("%w: connection closed", ErrServer)
		}
		return code, nil
	case errMsg, ok := <-h.Error:
		if !ok {
			return "", fmt.Errorf("%w: connection closed", ErrServer)
		}
		return "", serverError(errMsg)
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// JoinRoom joins an existing room, resolving within the join timeout
// and distinguishing a missing room from a full one.
func (h *Handler) JoinRoom(ctx context.Context, code string) error {
	h.client.Send(&Envelope{Event: EventJoinRoom, RoomCode: code})

	select {
	case _, ok := <-h.JoinSuccess:
		if !ok {
			return fmt.Errorf("%w: connection closed", ErrServer)
		}
		return nil
	case errMsg, ok := <-h.Error:
		if !ok {
			return fmt.Errorf("%w: connection closed", ErrServer)
		}
		return serverError(errMsg)
	case <-time.After(joinTimeout):
		return ErrJoinTimeout
	case <-ctx.Done():
		return ctx.Err()
	}
}

// SendSignal forwards a negotiation payload to the peer via the relay.
func (h *Handler) SendSignal(roomCode string, data *SignalData) {
	h.client.Send(&Envelope{Event: EventSignal, RoomCode: roomCode, Data: data})
}

func serverError(msg string) error {
	switch msg {
	case ErrorRoomNotFound:
		return ErrRoomNotFound
	case ErrorRoomFull:
		return ErrRoomFull
	default:
		return fmt.Errorf("%w: %s", ErrServer, msg)
	}
}
