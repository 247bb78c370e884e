package transport

import (
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"go-livechat/internal/metrics"
)

// Client opens connections against one push endpoint and records them in a
// Registry.
type Client struct {
	cfg      Config
	base     *url.URL
	dialer   *websocket.Dialer
	registry *Registry
	metrics  *metrics.Client
	log      zerolog.Logger
	now      func() time.Time
}

// NewClient validates cfg.URL (ws or wss) and fills unset timings with
// defaults. A nil registry gets a private one.
func NewClient(cfg Config, registry *Registry, m *metrics.Client, log zerolog.Logger) (*Client, error) {
	u, err := url.Parse(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("transport: parse url: %w", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return nil, fmt.Errorf("transport: unsupported scheme %q", u.Scheme)
	}
	if registry == nil {
		registry = NewRegistry()
	}
	cfg = cfg.withDefaults()

	return &Client{
		cfg:  cfg,
		base: u,
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: cfg.HandshakeTimeout,
			ReadBufferSize:   1024,
			WriteBufferSize:  1024,
		},
		registry: registry,
		metrics:  m,
		log:      log.With().Str("component", "transport").Logger(),
		now:      time.Now,
	}, nil
}

func (cl *Client) Registry() *Registry { return cl.registry }

func (cl *Client) Config() Config { return cl.cfg }

// Open returns the connection for key, reusing a live one (with its handler
// swapped for h) or registering and dialing a new one.
func (cl *Client) Open(key Key, h Handler) *Conn {
	c, reused := cl.registry.RegisterOrReuse(key, h, func() *Conn { return newConn(cl, key) })
	if reused {
		cl.log.Debug().Str("conn", key.String()).Msg("reusing live connection")
		return c
	}
	c.connect()
	return c
}

func (cl *Client) endpoint(key Key) string {
	u := *cl.base
	q := u.Query()
	q.Set("room_id", strconv.FormatInt(key.RoomID, 10))
	q.Set("user_id", strconv.FormatInt(key.UserID, 10))
	if cl.cfg.Token != "" {
		q.Set("token", cl.cfg.Token)
	}
	u.RawQuery = q.Encode()
	return u.String()
}
