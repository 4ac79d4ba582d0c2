package relay

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/beamlink/beamlink/internal/signaling"
)

// startRelay runs a full relay over httptest and returns its websocket
// URL.
func startRelay(t *testing.T) (wsURL, httpURL string) {
	t.Helper()

	hub := NewHub()
	go hub.Run()

	ts := httptest.NewServer(NewServer("", hub).Handler)
	t.Cleanup(ts.Close)

	return "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws", ts.URL
}

func connectPeer(t *testing.T, wsURL string) (*signaling.Client, *signaling.Handler) {
	t.Helper()

	client := signaling.NewClient(wsURL)
	require.NoError(t, client.Connect(context.Background()))
	t.Cleanup(client.Close)

	handler := signaling.NewHandler(client)
	go handler.Start()

	return client, handler
}

func TestHealthEndpoint(t *testing.T) {
	_, httpURL := startRelay(t)

	resp, err := http.Get(httpURL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "healthy")
}

func TestEndToEndSignalingFlow(t *testing.T) {
	wsURL, _ := startRelay(t)

	_, host := connectPeer(t, wsURL)
	_, guest := connectPeer(t, wsURL)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	code, err := host.CreateRoom(ctx)
	require.NoError(t, err)
	require.Regexp(t, `^\d{6}$`, code)

	require.NoError(t, guest.JoinRoom(ctx, code))

	select {
	case <-host.GuestJoined:
	case <-time.After(5 * time.Second):
		t.Fatal("host never saw the guest join")
	}

	// Host offers, guest answers, both via the relay.
	host.SendSignal(code, &signaling.SignalData{Type: signaling.SignalOffer, SDP: "v=0 offer"})

	select {
	case data := <-guest.Signal:
		assert.Equal(t, signaling.SignalOffer, data.Type)
		assert.Equal(t, "v=0 offer", data.SDP)
	case <-time.After(5 * time.Second):
		t.Fatal("offer never reached the guest")
	}

	guest.SendSignal(code, &signaling.SignalData{Type: signaling.SignalAnswer, SDP: "v=0 answer"})

	select {
	case data := <-host.Signal:
		assert.Equal(t, signaling.SignalAnswer, data.Type)
		assert.Equal(t, "v=0 answer", data.SDP)
	case <-time.After(5 * time.Second):
		t.Fatal("answer never reached the host")
	}
}

func TestEndToEndJoinUnknownRoom(t *testing.T) {
	wsURL, _ := startRelay(t)

	_, guest := connectPeer(t, wsURL)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := guest.JoinRoom(ctx, "999999")
	require.ErrorIs(t, err, signaling.ErrRoomNotFound)
}

func TestEndToEndThirdPeerRejected(t *testing.T) {
	wsURL, _ := startRelay(t)

	_, host := connectPeer(t, wsURL)
	_, guest := connectPeer(t, wsURL)
	_, third := connectPeer(t, wsURL)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	code, err := host.CreateRoom(ctx)
	require.NoError(t, err)
	require.NoError(t, guest.JoinRoom(ctx, code))

	err = third.JoinRoom(ctx, code)
	require.ErrorIs(t, err, signaling.ErrRoomFull)
}

func TestEndToEndPeerDisconnectNotification(t *testing.T) {
	wsURL, _ := startRelay(t)

	_, host := connectPeer(t, wsURL)
	guestClient, guest := connectPeer(t, wsURL)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	code, err := host.CreateRoom(ctx)
	require.NoError(t, err)
	require.NoError(t, guest.JoinRoom(ctx, code))

	select {
	case <-host.GuestJoined:
	case <-time.After(5 * time.Second):
		t.Fatal("host never saw the guest join")
	}

	guestClient.Close()

	select {
	case <-host.PeerDisconnected:
	case <-time.After(5 * time.Second):
		t.Fatal("host never notified of guest disconnect")
	}

	// The room is gone with the guest, so its code no longer resolves.
	_, late := connectPeer(t, wsURL)
	err = late.JoinRoom(ctx, code)
	require.ErrorIs(t, err, signaling.ErrRoomNotFound)
}
