package transport

import (
	"errors"
	"time"

	"github.com/gorilla/websocket"

	"go-livechat/internal/event"
)

var errDeadSocket = errors.New("transport: no inbound traffic")

// heartbeat keeps the socket started for gen alive until done is closed.
// A failed write or a socket that has gone silent for longer than DeadAfter
// is handled like an abnormal closure.
func (c *Conn) heartbeat(gen uint64, ws *websocket.Conn, done <-chan struct{}) {
	ticker := time.NewTicker(c.client.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			if err := c.beat(gen, ws); err != nil {
				c.log.Warn().Err(err).Msg("💔 heartbeat failed")
				c.fail(gen, err)
				return
			}
		}
	}
}

func (c *Conn) beat(gen uint64, ws *websocket.Conn) error {
	c.mu.Lock()
	current := gen == c.gen && c.status == StatusOpen
	last := c.lastInbound
	c.mu.Unlock()
	if !current {
		return nil
	}

	now := c.client.now()
	if now.Sub(last) > c.client.cfg.DeadAfter {
		return errDeadSocket
	}
	return c.write(ws, event.NewHeartbeat(now))
}
