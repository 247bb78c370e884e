// Package transport owns the push socket for one (room, user) pair: dialing,
// heartbeats, reconnect with backoff, and the process-wide registry that keeps
// one connection per key.
package transport

import (
	"errors"
	"fmt"
	"time"

	"go-livechat/internal/event"
)

// ErrNotOpen is returned by Send when the connection is not Open.
var ErrNotOpen = errors.New("transport: connection not open")

// Key identifies the logical channel a connection serves.
type Key struct {
	RoomID int64
	UserID int64
}

func (k Key) String() string {
	return fmt.Sprintf("%d-%d", k.UserID, k.RoomID)
}

type Status int

const (
	StatusIdle Status = iota
	StatusConnecting
	StatusOpen
	StatusClosing
	StatusClosed
)

func (s Status) String() string {
	switch s {
	case StatusIdle:
		return "idle"
	case StatusConnecting:
		return "connecting"
	case StatusOpen:
		return "open"
	case StatusClosing:
		return "closing"
	case StatusClosed:
		return "closed"
	}
	return fmt.Sprintf("status(%d)", int(s))
}

// Handler receives a connection's callbacks. Every call carries the *Conn
// that produced it so a receiver can ignore a connection it has moved away
// from. Calls come from transport goroutines and must not block for long.
type Handler interface {
	Inbound(c *Conn, ev event.Event)
	StatusChanged(c *Conn, s Status)
	Exhausted(c *Conn)
}

// Config holds the push endpoint and timing parameters.
type Config struct {
	URL               string        `koanf:"url"`
	Token             string        `koanf:"-"`
	HeartbeatInterval time.Duration `koanf:"heartbeat_interval"`
	DeadAfter         time.Duration `koanf:"dead_after"`
	HandshakeTimeout  time.Duration `koanf:"handshake_timeout"`
	WriteWait         time.Duration `koanf:"write_wait"`
	MaxMessageSize    int64         `koanf:"max_message_size"`
	Backoff           Backoff       `koanf:"backoff"`
}

func DefaultConfig() Config {
	return Config{
		HeartbeatInterval: 30 * time.Second,
		DeadAfter:         90 * time.Second,
		HandshakeTimeout:  10 * time.Second,
		WriteWait:         10 * time.Second,
		MaxMessageSize:    64 * 1024,
		Backoff:           DefaultBackoff(),
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = d.HeartbeatInterval
	}
	if c.DeadAfter <= 0 {
		c.DeadAfter = d.DeadAfter
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = d.HandshakeTimeout
	}
	if c.WriteWait <= 0 {
		c.WriteWait = d.WriteWait
	}
	if c.MaxMessageSize <= 0 {
		c.MaxMessageSize = d.MaxMessageSize
	}
	if c.Backoff.Base <= 0 {
		c.Backoff.Base = d.Backoff.Base
	}
	if c.Backoff.Cap <= 0 {
		c.Backoff.Cap = d.Backoff.Cap
	}
	if c.Backoff.MaxAttempts <= 0 {
		c.Backoff.MaxAttempts = d.Backoff.MaxAttempts
	}
	return c
}
