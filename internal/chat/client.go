package chat

import (
	"context"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"go-livechat/internal/event"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second    // any inbound frame or pong extends the read deadline
	pingPeriod     = (pongWait * 9) / 10 // must be less than pongWait
	maxMessageSize = 64 * 1024
	sendBuffer     = 256
)

// Client is a middleman between one websocket connection and the hub.
type Client struct {
	hub  *Hub
	conn *websocket.Conn
	// Frames from the hub. Closed by the hub only.
	send chan []byte
	// Direct replies to this peer, such as pongs.
	replies chan []byte
	log     zerolog.Logger

	RoomID   int64
	UserID   int64
	Username string
}

func NewClient(hub *Hub, conn *websocket.Conn, roomID, userID int64, username string) *Client {
	return &Client{
		hub:      hub,
		conn:     conn,
		send:     make(chan []byte, sendBuffer),
		replies:  make(chan []byte, 8),
		log:      hub.log.With().Int64("room_id", roomID).Int64("user_id", userID).Logger(),
		RoomID:   roomID,
		UserID:   userID,
		Username: username,
	}
}

// Serve registers the client and starts its pumps.
func (c *Client) Serve() bool {
	if !c.hub.Register(c) {
		c.conn.Close()
		return false
	}
	go c.writePump()
	go c.readPump()
	return true
}

// readPump classifies frames from the peer. It is the only reader.
func (c *Client) readPump() {
	defer func() {
		c.hub.Unregister(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.log.Warn().Err(err).Msg("socket read failed")
			}
			return
		}
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		c.handle(data)
	}
}

func (c *Client) handle(data []byte) {
	now := c.hub.now()
	switch ev := event.Parse(data, now).(type) {
	case event.Ping:
		c.reply(event.NewPong(now))

	case event.Heartbeat, event.Pong:

	case event.Message:
		content := strings.TrimSpace(ev.Content)
		if content == "" {
			return
		}
		// The sender's claims are replaced by the authenticated identity.
		f := event.NewChat(c.RoomID, c.UserID, content, ev.TempID, now)
		f.Username = c.Username
		c.relay(f)

	case event.Membership:
		// Connect and disconnect are announced by the hub itself.
		if ev.Type != event.TypeUserStatusChanged {
			return
		}
		f := event.NewPresence(ev.Type, c.RoomID, c.UserID, now)
		f.Username = c.Username
		f.Status = ev.Status
		c.relay(f)

	default:
		c.log.Debug().Str("type", string(ev.Kind())).Msg("dropping frame")
	}
}

func (c *Client) relay(f event.Frame) {
	ctx, cancel := context.WithTimeout(context.Background(), writeWait)
	defer cancel()
	if err := c.hub.Broadcast(ctx, c.RoomID, f); err != nil {
		c.log.Error().Err(err).Msg("❌ relay failed")
	}
}

func (c *Client) reply(f event.Frame) {
	payload, err := f.Encode()
	if err != nil {
		return
	}
	select {
	case c.replies <- payload:
	default:
	}
}

// writePump is the only writer. It ends when the hub closes send.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, ""))
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case message := <-c.replies:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
