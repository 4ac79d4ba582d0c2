package config

import (
	"fmt"
	"os"
)

// Default configuration values (production)
const (
	DefaultDomain     = "beamlink.qzz.io"
	DefaultSTUN       = "stun:stun.l.google.com:19302"
	DefaultTURN       = "" // no TURN unless configured
	DefaultListenAddr = ":8080"
)

// Config holds application configuration.
type Config struct {
	// Domain is the relay server domain.
	Domain string

	// WebSocketURL is constructed from the domain.
	WebSocketURL string

	// ICE servers for WebRTC
	STUNServer string
	TURNServer string
	TURNUser   string
	TURNPass   string

	// ForceRelay forces TURN-relayed candidates only.
	ForceRelay bool

	// ListenAddr is the bind address for the relay server.
	ListenAddr string
}

// Options for loading config with CLI flag overrides.
type Options struct {
	Domain     string
	STUNServer string
	TURNServer string
	TURNUser   string
	TURNPass   string
	ForceRelay bool
	ListenAddr string
}

// Load reads configuration with the following priority:
// 1. CLI flags (passed via Options) - highest priority
// 2. Environment variables
// 3. Hardcoded defaults - lowest priority
func Load(opts Options) (*Config, error) {
	domain := firstNonEmpty(opts.Domain, os.Getenv("BEAMLINK_DOMAIN"), DefaultDomain)
	stunServer := firstNonEmpty(opts.STUNServer, os.Getenv("STUN_SERVER"), DefaultSTUN)
	turnServer := firstNonEmpty(opts.TURNServer, os.Getenv("TURN_SERVER"), DefaultTURN)
	turnUser := firstNonEmpty(opts.TURNUser, os.Getenv("TURN_USERNAME"))
	turnPass := firstNonEmpty(opts.TURNPass, os.Getenv("TURN_PASSWORD"))
	listenAddr := firstNonEmpty(opts.ListenAddr, os.Getenv("BEAMLINK_LISTEN"), DefaultListenAddr)

	cfg := &Config{
		Domain:       domain,
		WebSocketURL: fmt.Sprintf("wss://%s/ws", domain),
		STUNServer:   stunServer,
		TURNServer:   turnServer,
		TURNUser:     turnUser,
		TURNPass:     turnPass,
		ForceRelay:   opts.ForceRelay,
		ListenAddr:   listenAddr,
	}

	if cfg.ForceRelay && cfg.GetTURNServers() == nil {
		return nil, fmt.Errorf("cannot force relay mode without a TURN server configured")
	}

	return cfg, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

// GetSTUNServers returns STUN server URLs as strings.
func (c *Config) GetSTUNServers() []string {
	return []string{c.STUNServer}
}

// GetTURNServers returns TURN server URLs if configured.
func (c *Config) GetTURNServers() []string {
	if c.TURNServer == "" {
		return nil
	}
	return []string{
		fmt.Sprintf("turn:%s:3478?transport=udp", c.TURNServer),
		fmt.Sprintf("turn:%s:3478?transport=tcp", c.TURNServer),
		fmt.Sprintf("turns:%s:5349?transport=tcp", c.TURNServer),
	}
}

// GetTURNCredentials returns the TURN username and password.
func (c *Config) GetTURNCredentials() (string, string) {
	return c.TURNUser, c.TURNPass
}
