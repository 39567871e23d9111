package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/pion/webrtc/v4"
)

// Default configuration values
const (
	DefaultServerURL          = "http://localhost:8080"
	DefaultSTUN               = "stun:stun.l.google.com:19302"
	DefaultNegotiationTimeout = 30 * time.Second
	DefaultListenAddr         = ":8080"
)

// ErrInvalidRoom is returned when a room reference holds no usable id.
var ErrInvalidRoom = errors.New("invalid room id or link")

// Config holds client configuration
type Config struct {
	// ServerURL is the base http(s) URL of the signaling relay.
	ServerURL string

	// AppURL is the page viewers open; room links are built on it.
	AppURL string

	// ICE servers for WebRTC
	STUNServer string
	TURNServer string
	TURNUser   string
	TURNPass   string

	// ForceRelay restricts ICE to TURN candidates when TURN is configured.
	ForceRelay bool

	// NegotiationTimeout closes sessions that never connect. Zero disables it.
	NegotiationTimeout time.Duration
}

// Options for loading config with CLI flag overrides
type Options struct {
	ServerURL  string
	AppURL     string
	STUNServer string
	TURNServer string
	TURNUser   string
	TURNPass   string
	ForceRelay bool

	// NegotiationTimeout overrides the environment when non-nil.
	NegotiationTimeout *time.Duration
}

// Load reads configuration with the following priority:
// 1. CLI flags (passed via Options) - highest priority
// 2. Environment variables
// 3. Hardcoded defaults - lowest priority
func Load(opts Options) (*Config, error) {
	serverURL := pick(opts.ServerURL, "PEERSTREAM_SERVER", DefaultServerURL)
	serverURL = strings.TrimRight(serverURL, "/")
	if err := checkServerURL(serverURL); err != nil {
		return nil, err
	}

	appURL := pick(opts.AppURL, "PEERSTREAM_APP_URL", serverURL)

	forceRelay := opts.ForceRelay
	if !forceRelay {
		if v, ok := os.LookupEnv("FORCE_RELAY"); ok && v != "" {
			b, err := strconv.ParseBool(v)
			if err != nil {
				return nil, fmt.Errorf("invalid FORCE_RELAY %q: %w", v, err)
			}
			forceRelay = b
		}
	}

	timeout := DefaultNegotiationTimeout
	if opts.NegotiationTimeout != nil {
		timeout = *opts.NegotiationTimeout
	} else if v, ok := os.LookupEnv("NEGOTIATION_TIMEOUT"); ok && v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return nil, fmt.Errorf("invalid NEGOTIATION_TIMEOUT %q: %w", v, err)
		}
		timeout = d
	}
	if timeout < 0 {
		return nil, fmt.Errorf("negotiation timeout must not be negative, got %s", timeout)
	}

	return &Config{
		ServerURL:          serverURL,
		AppURL:             appURL,
		STUNServer:         pick(opts.STUNServer, "STUN_SERVER", DefaultSTUN),
		TURNServer:         pick(opts.TURNServer, "TURN_SERVER", ""),
		TURNUser:           pick(opts.TURNUser, "TURN_USERNAME", ""),
		TURNPass:           pick(opts.TURNPass, "TURN_PASSWORD", ""),
		ForceRelay:         forceRelay,
		NegotiationTimeout: timeout,
	}, nil
}

// pick returns flag, then env, then def, skipping empty values.
func pick(flag, env, def string) string {
	if flag != "" {
		return flag
	}
	if v := os.Getenv(env); v != "" {
		return v
	}
	return def
}

func checkServerURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid server URL %q: %w", raw, err)
	}
	switch u.Scheme {
	case "http", "https", "ws", "wss":
	default:
		return fmt.Errorf("invalid server URL %q: unsupported scheme %q", raw, u.Scheme)
	}
	if u.Host == "" {
		return fmt.Errorf("invalid server URL %q: missing host", raw)
	}
	return nil
}

// WebSocketURL returns the signaling endpoint for a room.
func (c *Config) WebSocketURL(roomID string) string {
	u, _ := url.Parse(c.ServerURL)
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	case "http":
		u.Scheme = "ws"
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/ws"
	u.RawQuery = url.Values{"room": {roomID}}.Encode()
	return u.String()
}

// CreateRoomURL returns the endpoint that mints room ids.
func (c *Config) CreateRoomURL() string {
	u, _ := url.Parse(c.ServerURL)
	switch u.Scheme {
	case "wss":
		u.Scheme = "https"
	case "ws":
		u.Scheme = "http"
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/create-room"
	return u.String()
}

// RoomLink returns the shareable link for a room ID
func (c *Config) RoomLink(roomID string) string {
	u, err := url.Parse(c.AppURL)
	if err != nil {
		return c.AppURL + "?room=" + url.QueryEscape(roomID)
	}
	q := u.Query()
	q.Set("room", roomID)
	u.RawQuery = q.Encode()
	return u.String()
}

// ParseRoomRef accepts either a bare room id or a room link and returns the id.
func ParseRoomRef(ref string) (string, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return "", ErrInvalidRoom
	}
	if !strings.Contains(ref, "?") && !strings.Contains(ref, "://") {
		return ref, nil
	}

	u, err := url.Parse(ref)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidRoom, err)
	}
	id := u.Query().Get("room")
	if id == "" {
		return "", fmt.Errorf("%w: link has no room parameter", ErrInvalidRoom)
	}
	return id, nil
}

// GetSTUNServers returns STUN server URLs as strings
func (c *Config) GetSTUNServers() []string {
	if c.STUNServer == "" {
		return nil
	}
	return []string{c.STUNServer}
}

// GetTURNServers returns TURN server URLs if configured. A bare host is
// expanded to the usual UDP, TCP and TLS endpoints.
func (c *Config) GetTURNServers() []string {
	if c.TURNServer == "" {
		return nil
	}
	if strings.Contains(c.TURNServer, "?") || strings.Count(c.TURNServer, ":") > 1 {
		return []string{c.TURNServer}
	}
	host := strings.TrimPrefix(strings.TrimPrefix(c.TURNServer, "turns:"), "turn:")
	return []string{
		fmt.Sprintf("turn:%s:3478?transport=udp", host),
		fmt.Sprintf("turn:%s:3478?transport=tcp", host),
		fmt.Sprintf("turns:%s:5349?transport=tcp", host),
	}
}

// ICEServers returns the STUN and TURN servers for peer connections.
func (c *Config) ICEServers() []webrtc.ICEServer {
	var servers []webrtc.ICEServer
	if stun := c.GetSTUNServers(); stun != nil {
		servers = append(servers, webrtc.ICEServer{URLs: stun})
	}
	if turn := c.GetTURNServers(); turn != nil {
		servers = append(servers, webrtc.ICEServer{
			URLs:       turn,
			Username:   c.TURNUser,
			Credential: c.TURNPass,
		})
	}
	return servers
}

// ICETransportPolicy forces relay candidates when TURN is configured and
// either the user asked for it or the host looks like it sits behind a VPN or
// carrier-grade NAT.
func (c *Config) ICETransportPolicy() webrtc.ICETransportPolicy {
	if c.TURNServer != "" && (c.ForceRelay || ShouldForceRelay()) {
		return webrtc.ICETransportPolicyRelay
	}
	return webrtc.ICETransportPolicyAll
}

// ServerConfig holds relay configuration.
type ServerConfig struct {
	Addr string
}

// ServerOptions for loading relay config with CLI flag overrides.
type ServerOptions struct {
	Addr string
}

// LoadServer reads relay configuration: flag > PEERSTREAM_ADDR > default.
func LoadServer(opts ServerOptions) (*ServerConfig, error) {
	return &ServerConfig{
		Addr: pick(opts.Addr, "PEERSTREAM_ADDR", DefaultListenAddr),
	}, nil
}
