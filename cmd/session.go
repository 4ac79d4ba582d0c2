package cmd

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"time"

	"github.com/beamlink/beamlink/internal/config"
	"github.com/beamlink/beamlink/internal/ice"
	"github.com/beamlink/beamlink/internal/session"
	"github.com/beamlink/beamlink/internal/signaling"
	"github.com/beamlink/beamlink/internal/transfer"
)

const (
	channelOpenTimeout = 30 * time.Second
	drainTimeout       = 30 * time.Second
)

// ConnectionContext bundles the relay connection pieces a command
// needs.
type ConnectionContext struct {
	Client  *signaling.Client
	Handler *signaling.Handler
	Config  *config.Config
}

// NewConnectionContext connects to the relay and starts the message
// handler.
func NewConnectionContext(ctx context.Context, cfg *config.Config) (*ConnectionContext, error) {
	client := signaling.NewClient(cfg.WebSocketURL)
	if err := client.Connect(ctx); err != nil {
		return nil, transfer.NewError("connect to relay", err)
	}

	handler := signaling.NewHandler(client)
	go handler.Start()

	return &ConnectionContext{
		Client:  client,
		Handler: handler,
		Config:  cfg,
	}, nil
}

func (c *ConnectionContext) Close() {
	if c.Client != nil {
		c.Client.Close()
	}
}

// LoadConfig resolves configuration from flags, env, and defaults.
func LoadConfig(opts config.Options) (*config.Config, error) {
	cfg, err := config.Load(opts)
	if err != nil {
		return nil, transfer.NewError("load config", err)
	}
	return cfg, nil
}

// waitForConnected drains session events until the session is
// connected, or fails.
func waitForConnected(sess *session.Session) error {
	for ev := range sess.Events() {
		switch ev.Status {
		case session.StatusConnected:
			return nil
		case session.StatusFailed, session.StatusDisconnected:
			if ev.Err != "" {
				return fmt.Errorf("connection failed: %s", ev.Err)
			}
			return fmt.Errorf("connection %s", ev.Status)
		}
	}
	return fmt.Errorf("session closed before connecting")
}

// waitForOpen blocks until the data channel reports open.
func waitForOpen(dc ice.DataChannel) error {
	opened := make(chan struct{})
	dc.OnOpen(func() {
		close(opened)
	})

	select {
	case <-opened:
		return nil
	case <-time.After(channelOpenTimeout):
		return transfer.WrapError("open channel", transfer.ErrChannelNotOpen, "timed out waiting for channel open")
	}
}

// waitForDrain lets the channel's buffered bytes flush before
// teardown.
func waitForDrain(dc ice.DataChannel) {
	deadline := time.Now().Add(drainTimeout)
	for dc.BufferedAmount() > 0 && time.Now().Before(deadline) {
		time.Sleep(50 * time.Millisecond)
	}
}

// readToken reads one pasted token line from stdin.
func readToken(prompt string) (string, error) {
	fmt.Print(prompt)

	scanner := bufio.NewScanner(os.Stdin)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	if !scanner.Scan() {
		if err := scanner.Err(); err != nil {
			return "", fmt.Errorf("read token: %w", err)
		}
		return "", fmt.Errorf("read token: no input")
	}
	return scanner.Text(), nil
}
