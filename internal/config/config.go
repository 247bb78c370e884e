// Package config loads client and server settings from defaults, an
// optional TOML file and the environment, in that order.
package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/knadh/koanf/parsers/toml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	"go-livechat/internal/durable"
	"go-livechat/internal/feed"
	"go-livechat/internal/poller"
	"go-livechat/internal/session"
	"go-livechat/internal/transport"
)

const (
	ClientEnvPrefix = "CHAT_"
	ServerEnvPrefix = "CHAT_SERVER_"
)

type SessionTimings struct {
	Watchdog       time.Duration `koanf:"watchdog"`
	ScrollDebounce time.Duration `koanf:"scroll_debounce"`
	MergeWindow    time.Duration `koanf:"merge_window"`
}

// Client configures cmd/chat and the loadtest.
type Client struct {
	Server      string `koanf:"server"`
	Username    string `koanf:"username"`
	Password    string `koanf:"password"`
	RoomID      int64  `koanf:"room_id"`
	LogLevel    string `koanf:"log_level"`
	LogPretty   bool   `koanf:"log_pretty"`
	MetricsAddr string `koanf:"metrics_addr"`

	Durable   durable.Config   `koanf:"durable"`
	Transport transport.Config `koanf:"transport"`
	Poll      poller.Config    `koanf:"poll"`
	Session   SessionTimings   `koanf:"session"`
}

type Server struct {
	Addr            string        `koanf:"addr"`
	DatabaseURL     string        `koanf:"database_url"`
	RedisAddr       string        `koanf:"redis_addr"`
	JWTSecret       string        `koanf:"jwt_secret"`
	TokenTTL        time.Duration `koanf:"token_ttl"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`
	LogLevel        string        `koanf:"log_level"`
	LogPretty       bool          `koanf:"log_pretty"`
}

func clientDefaults() map[string]interface{} {
	tc := transport.DefaultConfig()
	pc := poller.DefaultConfig()
	dc := durable.DefaultConfig()
	return map[string]interface{}{
		"server":       "http://localhost:8080",
		"log_level":    "info",
		"log_pretty":   true,
		"metrics_addr": "",

		"durable.timeout": dc.Timeout,
		"durable.rate":    dc.Rate,
		"durable.burst":   dc.Burst,

		"transport.url":                  "",
		"transport.heartbeat_interval":   tc.HeartbeatInterval,
		"transport.dead_after":           tc.DeadAfter,
		"transport.handshake_timeout":    tc.HandshakeTimeout,
		"transport.write_wait":           tc.WriteWait,
		"transport.max_message_size":     tc.MaxMessageSize,
		"transport.backoff.base":         tc.Backoff.Base,
		"transport.backoff.cap":          tc.Backoff.Cap,
		"transport.backoff.max_attempts": tc.Backoff.MaxAttempts,
		"transport.backoff.jitter":       tc.Backoff.Jitter,

		"poll.interval":    pc.Interval,
		"poll.stale_check": pc.StaleCheck,
		"poll.stale_after": pc.StaleAfter,

		"session.watchdog":        10 * time.Second,
		"session.scroll_debounce": 100 * time.Millisecond,
		"session.merge_window":    2 * time.Second,
	}
}

func serverDefaults() map[string]interface{} {
	return map[string]interface{}{
		"addr":             ":8080",
		"database_url":     "",
		"redis_addr":       "localhost:6379",
		"jwt_secret":       "",
		"token_ttl":        24 * time.Hour,
		"shutdown_timeout": 10 * time.Second,
		"log_level":        "info",
		"log_pretty":       false,
	}
}

// LoadClient reads the client configuration. path may be empty.
func LoadClient(path string) (*Client, error) {
	k, err := load(clientDefaults(), path, ClientEnvPrefix, ServerEnvPrefix)
	if err != nil {
		return nil, err
	}
	var cfg Client
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling client config: %w", err)
	}
	if cfg.Durable.BaseURL == "" {
		cfg.Durable.BaseURL = cfg.Server
	}
	if cfg.Transport.URL == "" {
		ws, err := WebSocketURL(cfg.Server)
		if err != nil {
			return nil, err
		}
		cfg.Transport.URL = ws
	}
	return &cfg, nil
}

// LoadServer reads the server configuration. path may be empty.
func LoadServer(path string) (*Server, error) {
	k, err := load(serverDefaults(), path, ServerEnvPrefix, "")
	if err != nil {
		return nil, err
	}
	var cfg Server
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling server config: %w", err)
	}
	return &cfg, nil
}

// Validate reports the settings the server cannot start without.
func (s *Server) Validate() error {
	if s.DatabaseURL == "" {
		return fmt.Errorf("database_url is not set")
	}
	if s.JWTSecret == "" {
		return fmt.Errorf("jwt_secret is not set")
	}
	return nil
}

// load layers defaults, the file and the environment. Env keys use a double
// underscore for nesting: CHAT_TRANSPORT__DEAD_AFTER sets transport.dead_after.
// Variables starting with skip are ignored.
func load(defaults map[string]interface{}, path, prefix, skip string) (*koanf.Koanf, error) {
	// A missing .env is normal.
	_ = godotenv.Load()

	k := koanf.New(".")
	if err := k.Load(confmap.Provider(defaults, "."), nil); err != nil {
		return nil, fmt.Errorf("error loading defaults: %w", err)
	}
	if path != "" {
		if err := k.Load(file.Provider(path), toml.Parser()); err != nil {
			return nil, fmt.Errorf("error loading config file %s: %w", path, err)
		}
	}
	err := k.Load(env.Provider(prefix, ".", func(s string) string {
		if skip != "" && strings.HasPrefix(s, skip) {
			return ""
		}
		return EnvKey(prefix, s)
	}), nil)
	if err != nil {
		return nil, fmt.Errorf("error loading environment: %w", err)
	}
	return k, nil
}

// EnvKey maps an environment variable name to its koanf path.
func EnvKey(prefix, name string) string {
	return strings.ReplaceAll(strings.ToLower(strings.TrimPrefix(name, prefix)), "__", ".")
}

// WebSocketURL derives the push endpoint from the REST base URL.
func WebSocketURL(server string) (string, error) {
	u, err := url.Parse(server)
	if err != nil {
		return "", fmt.Errorf("invalid server url %q: %w", server, err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("invalid server url %q: unsupported scheme", server)
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/ws"
	return u.String(), nil
}

// SessionConfig builds the room session settings for the signed-in user.
func (c *Client) SessionConfig(self feed.Author, roomID int64) session.Config {
	return session.Config{
		RoomID:         roomID,
		Self:           self,
		Poll:           c.Poll,
		Watchdog:       c.Session.Watchdog,
		ScrollDebounce: c.Session.ScrollDebounce,
		MergeWindow:    c.Session.MergeWindow,
	}
}

// TransportConfig returns the push settings carrying token.
func (c *Client) TransportConfig(token string) transport.Config {
	tc := c.Transport
	tc.Token = token
	return tc
}
