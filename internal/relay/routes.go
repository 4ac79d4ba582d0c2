package relay

import (
	"log/slog"
	"net/http"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/beamlink/beamlink/internal/signaling"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  64 * 1024,
	WriteBufferSize: 64 * 1024,

	// The relay is a best-effort introducer, not a trust anchor; any
	// origin may connect.
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// ServeWs returns the handler that upgrades connections and attaches
// them to the hub.
func ServeWs(hub *Hub) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			slog.Error("websocket upgrade failed", "err", err)
			return
		}

		client := &Client{
			ID:   uuid.NewString(),
			Hub:  hub,
			Conn: conn,
			Send: make(chan *signaling.Envelope, 256),
		}

		client.Hub.Register <- client

		go client.WritePump()
		go client.ReadPump()
	}
}

// NewServer wires the hub routes into an http.Server listening on addr.
func NewServer(addr string, hub *Hub) *http.Server {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("Signaling server is healthy."))
	})
	mux.HandleFunc("/ws", ServeWs(hub))

	return &http.Server{Addr: addr, Handler: mux}
}
