// Package signaling carries the relay wire protocol and the client
// side of the websocket connection to the relay.
package signaling

import "encoding/json"

// Envelope is the frame exchanged with the relay in both directions.
type Envelope struct {
	Event    string      `json:"event"`
	RoomCode string      `json:"roomCode,omitempty"`
	Data     *SignalData `json:"data,omitempty"`
	Error    string      `json:"error,omitempty"`
}

// Client to server events.
const (
	EventCreateRoom = "create-room"
	EventJoinRoom   = "join-room"
	EventSignal     = "signal"
)

// Server to client events.
const (
	EventRoomCreated      = "room-created"
	EventJoinSuccess      = "join-success"
	EventGuestJoined      = "guest-joined"
	EventPeerDisconnected = "peer-disconnected"
	EventError            = "error"
)

// Relay error strings (stable contract).
const (
	ErrorRoomNotFound = "Room not found"
	ErrorRoomFull     = "Room is full"
)

// Signal data types.
const (
	SignalOffer     = "offer"
	SignalAnswer    = "answer"
	SignalCandidate = "ice-candidate"
)

// SignalData is the negotiation payload relayed verbatim between the
// two occupants of a room.
type SignalData struct {
	Type      string          `json:"type"`
	SDP       string          `json:"sdp,omitempty"`
	Candidate json.RawMessage `json:"candidate,omitempty"`
}
