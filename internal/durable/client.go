// Package durable is the HTTP client for the chat REST API: the durable
// message path, room membership and auth.
package durable

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"go-livechat/internal/feed"
)

// ErrUnauthorized matches any 401 response.
var ErrUnauthorized = errors.New("durable: unauthorized")

// APIError is a non-2xx response. Message comes from the {"error": ...} body
// when there is one.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("durable: status %d: %s", e.Status, e.Message)
}

func (e *APIError) Unwrap() error {
	if e.Status == http.StatusUnauthorized {
		return ErrUnauthorized
	}
	return nil
}

type Config struct {
	BaseURL string        `koanf:"base_url"`
	Timeout time.Duration `koanf:"timeout"`
	Rate    float64       `koanf:"rate"`
	Burst   int           `koanf:"burst"`
}

func DefaultConfig() Config {
	return Config{
		Timeout: 10 * time.Second,
		Rate:    20,
		Burst:   10,
	}
}

type Client struct {
	base    *url.URL
	httpc   *http.Client
	limiter *rate.Limiter
	log     zerolog.Logger

	mu     sync.RWMutex
	token  string
	userID int64
}

func New(cfg Config, log zerolog.Logger) (*Client, error) {
	u, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("durable: parse base url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("durable: unsupported scheme %q", u.Scheme)
	}
	d := DefaultConfig()
	if cfg.Timeout <= 0 {
		cfg.Timeout = d.Timeout
	}
	if cfg.Rate <= 0 {
		cfg.Rate = d.Rate
	}
	if cfg.Burst <= 0 {
		cfg.Burst = d.Burst
	}
	return &Client{
		base:    u,
		httpc:   &http.Client{Timeout: cfg.Timeout},
		limiter: rate.NewLimiter(rate.Limit(cfg.Rate), cfg.Burst),
		log:     log.With().Str("component", "durable").Logger(),
	}, nil
}

// SetCredentials sets the bearer token and user id sent with every request.
func (c *Client) SetCredentials(token string, userID int64) {
	c.mu.Lock()
	c.token, c.userID = token, userID
	c.mu.Unlock()
}

func (c *Client) ListMessages(ctx context.Context, roomID int64) ([]feed.Message, error) {
	var out []messageDTO
	if err := c.do(ctx, http.MethodGet, "/api/messages/room/"+strconv.FormatInt(roomID, 10), nil, &out); err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	msgs := make([]feed.Message, 0, len(out))
	for _, m := range out {
		msgs = append(msgs, m.toFeed())
	}
	return msgs, nil
}

func (c *Client) CreateMessage(ctx context.Context, roomID int64, content string) (feed.Message, error) {
	req := createMessageRequest{Content: content, RoomID: roomID}
	var out messageDTO
	if err := c.do(ctx, http.MethodPost, "/api/messages", req, &out); err != nil {
		return feed.Message{}, fmt.Errorf("create message: %w", err)
	}
	return out.toFeed(), nil
}

func (c *Client) Members(ctx context.Context, roomID int64) ([]feed.Member, error) {
	var out []memberDTO
	if err := c.do(ctx, http.MethodGet, "/api/rooms/"+strconv.FormatInt(roomID, 10)+"/members", nil, &out); err != nil {
		return nil, fmt.Errorf("list members: %w", err)
	}
	members := make([]feed.Member, 0, len(out))
	for _, m := range out {
		members = append(members, feed.Member{ID: m.ID, Username: m.Username, Status: m.Status})
	}
	return members, nil
}

// Register creates the account and returns a logged-in session.
func (c *Client) Register(ctx context.Context, username, password string) (Session, error) {
	var out Session
	if err := c.do(ctx, http.MethodPost, "/api/auth/register", credentials{username, password}, &out); err != nil {
		return Session{}, fmt.Errorf("register: %w", err)
	}
	return out, nil
}

func (c *Client) Login(ctx context.Context, username, password string) (Session, error) {
	var out Session
	if err := c.do(ctx, http.MethodPost, "/api/auth/login", credentials{username, password}, &out); err != nil {
		return Session{}, fmt.Errorf("login: %w", err)
	}
	return out, nil
}

func (c *Client) CreateRoom(ctx context.Context, name string) (Room, error) {
	var out Room
	if err := c.do(ctx, http.MethodPost, "/api/rooms", map[string]string{"name": name}, &out); err != nil {
		return Room{}, fmt.Errorf("create room: %w", err)
	}
	return out, nil
}

// JoinRoom adds the current user to the room.
func (c *Client) JoinRoom(ctx context.Context, roomID int64) error {
	if err := c.do(ctx, http.MethodPost, "/api/rooms/"+strconv.FormatInt(roomID, 10)+"/members", nil, nil); err != nil {
		return fmt.Errorf("join room: %w", err)
	}
	return nil
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}

	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base.String()+path, rd)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	c.mu.RLock()
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	if c.userID != 0 {
		req.Header.Set("X-User-ID", strconv.FormatInt(c.userID, 10))
	}
	c.mu.RUnlock()

	start := time.Now()
	resp, err := c.httpc.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	c.log.Debug().Str("method", method).Str("path", path).Int("status", resp.StatusCode).Dur("took", time.Since(start)).Msg("request")

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return decodeError(resp)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func decodeError(resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	var body struct {
		Error string `json:"error"`
	}
	msg := strings.TrimSpace(string(raw))
	if json.Unmarshal(raw, &body) == nil && body.Error != "" {
		msg = body.Error
	}
	if msg == "" {
		msg = http.StatusText(resp.StatusCode)
	}
	return &APIError{Status: resp.StatusCode, Message: msg}
}
