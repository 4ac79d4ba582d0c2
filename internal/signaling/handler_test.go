package signaling

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newHandlerHarness wires a handler to a client whose transport is the
// test itself: envelopes pushed into push arrive as if from the relay,
// and envelopes the handler sends land on sent.
func newHandlerHarness(t *testing.T) (h *Handler, push chan<- *Envelope, sent <-chan *Envelope) {
	t.Helper()

	client := NewClient("ws://unused.invalid/ws")
	handler := NewHandler(client)
	go handler.Start()

	t.Cleanup(func() {
		close(client.incoming)
		client.Close()
	})

	return handler, client.incoming, client.outgoing
}

func expectSent(t *testing.T, sent <-chan *Envelope, event string) *Envelope {
	t.Helper()
	select {
	case env := <-sent:
		require.Equal(t, event, env.Event)
		return env
	case <-time.After(time.Second):
		t.Fatalf("no %s envelope sent", event)
		return nil
	}
}

func TestCreateRoom(t *testing.T) {
	h, push, sent := newHandlerHarness(t)

	done := make(chan struct{})
	var code string
	var err error
	go func() {
		defer close(done)
		code, err = h.CreateRoom(context.Background())
	}()

	expectSent(t, sent, EventCreateRoom)
	push <- &Envelope{Event: EventRoomCreated, RoomCode: "482913"}

	<-done
	require.NoError(t, err)
	assert.Equal(t, "482913", code)
}

func TestCreateRoomCanceled(t *testing.T) {
	h, _, sent := newHandlerHarness(t)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := h.CreateRoom(ctx)
	require.ErrorIs(t, err, context.Canceled)
	expectSent(t, sent, EventCreateRoom)
}

func TestJoinRoom(t *testing.T) {
	h, push, sent := newHandlerHarness(t)

	done := make(chan error, 1)
	go func() {
		done <- h.JoinRoom(context.Background(), "482913")
	}()

	env := expectSent(t, sent, EventJoinRoom)
	assert.Equal(t, "482913", env.RoomCode)
	push <- &Envelope{Event: EventJoinSuccess, RoomCode: "482913"}

	require.NoError(t, <-done)
}

func TestJoinRoomNotFound(t *testing.T) {
	h, push, sent := newHandlerHarness(t)

	done := make(chan error, 1)
	go func() {
		done <- h.JoinRoom(context.Background(), "000000")
	}()

	expectSent(t, sent, EventJoinRoom)
	push <- &Envelope{Event: EventError, Error: ErrorRoomNotFound}

	require.ErrorIs(t, <-done, ErrRoomNotFound)
}

func TestJoinRoomFull(t *testing.T) {
	h, push, sent := newHandlerHarness(t)

	done := make(chan error, 1)
	go func() {
		done <- h.JoinRoom(context.Background(), "482913")
	}()

	expectSent(t, sent, EventJoinRoom)
	push <- &Envelope{Event: EventError, Error: ErrorRoomFull}

	require.ErrorIs(t, <-done, ErrRoomFull)
}

func TestJoinRoomServerError(t *testing.T) {
	h, push, sent := newHandlerHarness(t)

	done := make(chan error, 1)
	go func() {
		done <- h.JoinRoom(context.Background(), "482913")
	}()

	expectSent(t, sent, EventJoinRoom)
	push <- &Envelope{Event: EventError, Error: "internal failure"}

	err := <-done
	require.ErrorIs(t, err, ErrServer)
	assert.Contains(t, err.Error(), "internal failure")
}

func TestSignalRouting(t *testing.T) {
	h, push, _ := newHandlerHarness(t)

	offer := &SignalData{Type: SignalOffer, SDP: "v=0"}
	push <- &Envelope{Event: EventSignal, Data: offer}

	select {
	case got := <-h.Signal:
		assert.Same(t, offer, got)
	case <-time.After(time.Second):
		t.Fatal("signal not routed")
	}

	// Envelopes without a payload are dropped, not routed as nil.
	push <- &Envelope{Event: EventSignal}
	push <- &Envelope{Event: EventGuestJoined}

	select {
	case <-h.GuestJoined:
	case <-time.After(time.Second):
		t.Fatal("guest-joined not routed")
	}
	assert.Empty(t, h.Signal)
}

func TestSignalOrderPreserved(t *testing.T) {
	h, push, _ := newHandlerHarness(t)

	for i := 0; i < 5; i++ {
		push <- &Envelope{Event: EventSignal, Data: &SignalData{Type: SignalCandidate, SDP: string(rune('a' + i))}}
	}

	for i := 0; i < 5; i++ {
		select {
		case got := <-h.Signal:
			assert.Equal(t, string(rune('a'+i)), got.SDP)
		case <-time.After(time.Second):
			t.Fatal("missing signal")
		}
	}
}

func TestPeerDisconnectedRouting(t *testing.T) {
	h, push, _ := newHandlerHarness(t)

	push <- &Envelope{Event: EventPeerDisconnected}
	// A duplicate notification must not wedge the handler loop.
	push <- &Envelope{Event: EventPeerDisconnected}
	push <- &Envelope{Event: EventGuestJoined}

	select {
	case <-h.GuestJoined:
	case <-time.After(time.Second):
		t.Fatal("handler loop stalled")
	}

	select {
	case <-h.PeerDisconnected:
	default:
		t.Fatal("peer-disconnected not routed")
	}
}

func TestUnknownEventTolerated(t *testing.T) {
	h, push, _ := newHandlerHarness(t)

	push <- &Envelope{Event: "future-extension"}
	push <- &Envelope{Event: EventRoomCreated, RoomCode: "123456"}

	select {
	case code := <-h.RoomCreated:
		assert.Equal(t, "123456", code)
	case <-time.After(time.Second):
		t.Fatal("handler loop stalled on unknown event")
	}
}

func TestSendSignal(t *testing.T) {
	h, _, sent := newHandlerHarness(t)

	data := &SignalData{Type: SignalAnswer, SDP: "v=0"}
	h.SendSignal("482913", data)

	env := expectSent(t, sent, EventSignal)
	assert.Equal(t, "482913", env.RoomCode)
	assert.Same(t, data, env.Data)
}

func TestStartClosesChannelsOnShutdown(t *testing.T) {
	client := NewClient("ws://unused.invalid/ws")
	h := NewHandler(client)

	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		h.Start()
	}()

	close(client.incoming)

	select {
	case <-stopped:
	case <-time.After(time.Second):
		t.Fatal("handler loop did not stop")
	}

	_, ok := <-h.Signal
	assert.False(t, ok)
	_, ok = <-h.RoomCreated
	assert.False(t, ok)
	_, ok = <-h.PeerDisconnected
	assert.False(t, ok)

	// Room operations report the dead connection instead of hanging or
	// handing back zero values.
	_, err := h.CreateRoom(context.Background())
	require.ErrorIs(t, err, ErrServer)
	err = h.JoinRoom(context.Background(), "482913")
	require.ErrorIs(t, err, ErrServer)
}

func TestServerErrorMapping(t *testing.T) {
	assert.ErrorIs(t, serverError(ErrorRoomNotFound), ErrRoomNotFound)
	assert.ErrorIs(t, serverError(ErrorRoomFull), ErrRoomFull)
	assert.ErrorIs(t, serverError("anything else"), ErrServer)
}
