package transport

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"go-livechat/internal/event"
)

// Conn is the push connection for one Key. It dials, reads, heartbeats and
// reconnects on its own goroutines; callers see it through Send, Close and
// the Handler callbacks.
//
// Each dial bumps gen. Goroutines and timers carry the gen they were started
// for and do nothing once it is stale.
type Conn struct {
	key    Key
	client *Client
	log    zerolog.Logger

	mu          sync.Mutex
	handler     Handler
	status      Status
	gen         uint64
	ws          *websocket.Conn
	done        chan struct{}
	attempts    int
	retry       *time.Timer
	retryAt     int
	retryDelay  time.Duration
	lastInbound time.Time
	closed      bool

	// wmu serializes data frames; gorilla allows one concurrent writer.
	wmu sync.Mutex
}

func newConn(cl *Client, key Key) *Conn {
	c := &Conn{
		key:    key,
		client: cl,
		log:    cl.log.With().Str("conn", key.String()).Logger(),
		status: StatusIdle,
	}
	cl.metrics.ConnectionMoved("", StatusIdle.String())
	return c
}

func (c *Conn) Key() Key { return c.key }

func (c *Conn) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

func (c *Conn) IsOpen() bool { return c.Status() == StatusOpen }

// Retrying reports whether a reconnect attempt is scheduled.
func (c *Conn) Retrying() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.retry != nil
}

// Live reports whether the connection is usable or on its way to being so.
func (c *Conn) Live() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	switch c.status {
	case StatusIdle, StatusConnecting, StatusOpen:
		return true
	}
	return c.retry != nil
}

func (c *Conn) Attempts() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.attempts
}

func (c *Conn) LastInbound() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastInbound
}

// NextRetry describes the scheduled reconnect, if any.
func (c *Conn) NextRetry() (attempt int, delay time.Duration, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.retry == nil {
		return 0, 0, false
	}
	return c.retryAt, c.retryDelay, true
}

func (c *Conn) SetHandler(h Handler) {
	c.mu.Lock()
	c.handler = h
	c.mu.Unlock()
}

// Send writes v as a JSON text frame. It returns ErrNotOpen without touching
// the socket unless the connection is Open.
func (c *Conn) Send(v any) error {
	c.mu.Lock()
	if c.status != StatusOpen || c.ws == nil {
		c.mu.Unlock()
		return ErrNotOpen
	}
	ws, gen := c.ws, c.gen
	c.mu.Unlock()

	if err := c.write(ws, v); err != nil {
		c.fail(gen, err)
		return fmt.Errorf("transport: send: %w", err)
	}
	return nil
}

// Close is the user-initiated shutdown: best-effort user_disconnected frame,
// deregistration, then a normal closure. It never reconnects and never calls
// the handler.
func (c *Conn) Close(reason string) {
	if ws, prev, ok := c.detach(); ok {
		c.finish(ws, prev, reason)
	}
}

// CloseAsync deregisters c and stops its retries before returning, so the
// key can be reopened at once. The socket writes run on their own goroutine.
func (c *Conn) CloseAsync(reason string) {
	if ws, prev, ok := c.detach(); ok {
		go c.finish(ws, prev, reason)
	}
}

func (c *Conn) detach() (*websocket.Conn, Status, bool) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, 0, false
	}
	c.closed = true
	c.stopRetryLocked()
	prev := c.status
	ws := c.teardownLocked()
	c.status = StatusClosing
	c.mu.Unlock()

	c.client.registry.Unregister(c.key, c)
	return ws, prev, true
}

func (c *Conn) finish(ws *websocket.Conn, prev Status, reason string) {
	if ws != nil {
		notice := event.NewPresence(event.TypeUserDisconnected, c.key.RoomID, c.key.UserID, c.client.now())
		if err := c.write(ws, notice); err != nil {
			c.log.Debug().Err(err).Msg("user_disconnected notice not sent")
		}
		c.closeSocket(ws, reason)
	}

	c.mu.Lock()
	c.status = StatusClosed
	c.mu.Unlock()
	c.client.metrics.ConnectionMoved(prev.String(), "")
	c.log.Info().Str("reason", reason).Msg("🔌 connection closed")
}

// abandon is Close without deregistration, used by the registry while it
// holds its own lock.
func (c *Conn) abandon() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.stopRetryLocked()
	prev := c.status
	ws := c.teardownLocked()
	c.status = StatusClosed
	c.mu.Unlock()

	if ws != nil {
		go c.closeSocket(ws, "replaced")
	}
	c.client.metrics.ConnectionMoved(prev.String(), "")
}

func (c *Conn) connect() {
	c.mu.Lock()
	if c.closed || c.status == StatusConnecting || c.status == StatusOpen {
		c.mu.Unlock()
		return
	}
	c.stopRetryLocked()
	c.gen++
	gen := c.gen
	prev := c.status
	c.status = StatusConnecting
	h := c.handler
	c.mu.Unlock()

	c.moved(prev, StatusConnecting, h)
	go c.dial(gen)
}

func (c *Conn) dial(gen uint64) {
	cfg := c.client.cfg
	ctx, cancel := context.WithTimeout(context.Background(), cfg.HandshakeTimeout)
	defer cancel()

	var header http.Header
	if cfg.Token != "" {
		header = http.Header{"Authorization": {"Bearer " + cfg.Token}}
	}
	ws, _, err := c.client.dialer.DialContext(ctx, c.client.endpoint(c.key), header)
	if err != nil {
		c.log.Warn().Err(err).Msg("❌ dial failed")
		c.fail(gen, err)
		return
	}
	ws.SetReadLimit(cfg.MaxMessageSize)

	c.mu.Lock()
	if c.closed || gen != c.gen {
		c.mu.Unlock()
		ws.Close()
		return
	}
	c.ws = ws
	c.done = make(chan struct{})
	done := c.done
	c.status = StatusOpen
	c.attempts = 0
	c.lastInbound = c.client.now()
	h := c.handler
	c.mu.Unlock()

	c.log.Info().Msg("✅ connected")
	notice := event.NewPresence(event.TypeUserConnected, c.key.RoomID, c.key.UserID, c.client.now())
	if err := c.write(ws, notice); err != nil {
		c.log.Debug().Err(err).Msg("user_connected notice not sent")
	}
	c.moved(StatusConnecting, StatusOpen, h)

	go c.readPump(gen, ws)
	go c.heartbeat(gen, ws, done)
}

// fail handles loss of the socket started for gen. A normal closure from the
// server leaves the connection Closed; anything else goes to the reconnect
// controller.
func (c *Conn) fail(gen uint64, cause error) {
	c.mu.Lock()
	if c.closed || gen != c.gen || (c.status != StatusOpen && c.status != StatusConnecting) {
		c.mu.Unlock()
		return
	}
	prev := c.status
	ws := c.teardownLocked()
	c.status = StatusClosed

	normal := websocket.IsCloseError(cause, websocket.CloseNormalClosure)
	var (
		attempt   int
		delay     time.Duration
		exhausted bool
	)
	if !normal {
		attempt, delay, exhausted = c.scheduleLocked(gen)
	}
	h := c.handler
	c.mu.Unlock()

	if ws != nil {
		ws.Close()
	}
	c.moved(prev, StatusClosed, h)

	switch {
	case normal:
		c.log.Info().Msg("server closed the connection")
	case exhausted:
		c.log.Warn().Err(cause).Int("max_attempts", c.client.cfg.Backoff.MaxAttempts).Msg("reconnect attempts exhausted")
		c.client.metrics.ReconnectExhausted()
		if h != nil {
			h.Exhausted(c)
		}
	default:
		c.log.Warn().Err(cause).Int("attempt", attempt).Dur("delay", delay).Msg("connection lost, reconnecting")
		c.client.metrics.ReconnectScheduled()
	}
}

func (c *Conn) scheduleLocked(gen uint64) (int, time.Duration, bool) {
	b := c.client.cfg.Backoff
	if c.attempts >= b.MaxAttempts {
		return 0, 0, true
	}
	c.attempts++
	c.retryAt = c.attempts
	c.retryDelay = b.Delay(c.attempts)
	c.retry = time.AfterFunc(c.retryDelay, func() { c.retryFire(gen) })
	return c.retryAt, c.retryDelay, false
}

func (c *Conn) retryFire(gen uint64) {
	c.mu.Lock()
	if c.closed || gen != c.gen || c.retry == nil {
		c.mu.Unlock()
		return
	}
	c.retry = nil
	c.mu.Unlock()
	c.connect()
}

func (c *Conn) stopRetryLocked() {
	if c.retry != nil {
		c.retry.Stop()
		c.retry = nil
	}
}

// teardownLocked detaches the current socket and stops its heartbeat. The
// caller closes the returned socket after unlocking.
func (c *Conn) teardownLocked() *websocket.Conn {
	if c.done != nil {
		close(c.done)
		c.done = nil
	}
	ws := c.ws
	c.ws = nil
	return ws
}

func (c *Conn) readPump(gen uint64, ws *websocket.Conn) {
	ws.SetPingHandler(func(data string) error {
		c.touch(gen)
		err := ws.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(c.client.cfg.WriteWait))
		if err == websocket.ErrCloseSent {
			return nil
		}
		return err
	})

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.log.Debug().Err(err).Msg("read failed")
			}
			c.fail(gen, err)
			return
		}

		h, ok := c.touch(gen)
		if !ok {
			return
		}
		ev := event.Parse(data, c.client.now())
		c.client.metrics.Inbound(kindLabel(ev))

		if _, ok := ev.(event.Ping); ok {
			if err := c.write(ws, event.NewPong(c.client.now())); err != nil {
				c.log.Debug().Err(err).Msg("pong not sent")
			}
			continue
		}
		if h != nil {
			h.Inbound(c, ev)
		}
	}
}

// touch stamps lastInbound and returns the current handler, or false if gen
// is no longer the live socket.
func (c *Conn) touch(gen uint64) (Handler, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || gen != c.gen {
		return nil, false
	}
	c.lastInbound = c.client.now()
	return c.handler, true
}

func (c *Conn) write(ws *websocket.Conn, v any) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	ws.SetWriteDeadline(time.Now().Add(c.client.cfg.WriteWait))
	return ws.WriteJSON(v)
}

func (c *Conn) closeSocket(ws *websocket.Conn, reason string) {
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, reason)
	if err := ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(c.client.cfg.WriteWait)); err != nil {
		c.log.Debug().Err(err).Msg("close frame not sent")
	}
	ws.Close()
}

func (c *Conn) moved(from, to Status, h Handler) {
	c.client.metrics.ConnectionMoved(from.String(), to.String())
	if h != nil {
		h.StatusChanged(c, to)
	}
}

func kindLabel(ev event.Event) string {
	if k := ev.Kind(); k != "" {
		return string(k)
	}
	return "unknown"
}
