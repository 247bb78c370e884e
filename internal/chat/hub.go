package chat

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"go-livechat/internal/event"
	"go-livechat/internal/metrics"
)

var ErrHubStopped = errors.New("hub stopped")

const channelPrefix = "room:"

func channelFor(roomID int64) string {
	return channelPrefix + strconv.FormatInt(roomID, 10)
}

type envelope struct {
	roomID  int64
	payload []byte
}

// Hub fans frames out to the clients of each room. With Redis configured
// every frame goes through the room:<id> channel, so instances sharing the
// Redis server share rooms; without it delivery is local.
type Hub struct {
	rooms      map[int64]map[*Client]bool // owned by Run
	broadcast  chan envelope
	register   chan *Client
	unregister chan *Client
	done       chan struct{}
	redis      *redis.Client
	metrics    *metrics.Server
	log        zerolog.Logger
	now        func() time.Time

	mu     sync.RWMutex
	online map[int64]map[int64]int // room -> user -> open sockets
}

func NewHub(redisClient *redis.Client, m *metrics.Server, log zerolog.Logger) *Hub {
	return &Hub{
		rooms:      make(map[int64]map[*Client]bool),
		broadcast:  make(chan envelope, 256),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		done:       make(chan struct{}),
		redis:      redisClient,
		metrics:    m,
		log:        log.With().Str("component", "hub").Logger(),
		now:        time.Now,
		online:     make(map[int64]map[int64]int),
	}
}

func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			for _, clients := range h.rooms {
				for c := range clients {
					h.drop(c)
				}
			}
			h.log.Info().Msg("🛑 hub stopped")
			return

		case c := <-h.register:
			h.add(c)

		case c := <-h.unregister:
			if h.rooms[c.RoomID][c] {
				h.drop(c)
			}

		case env := <-h.broadcast:
			h.deliver(env)
		}
	}
}

// Register adds c to its room. It reports false once the hub has stopped.
func (h *Hub) Register(c *Client) bool {
	select {
	case h.register <- c:
		return true
	case <-h.done:
		return false
	}
}

func (h *Hub) Unregister(c *Client) {
	select {
	case h.unregister <- c:
	case <-h.done:
	}
}

// Online reports whether the user has an open socket in the room on this
// instance.
func (h *Hub) Online(roomID, userID int64) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.online[roomID][userID] > 0
}

// Broadcast sends f to every client in the room.
func (h *Hub) Broadcast(ctx context.Context, roomID int64, f event.Frame) error {
	payload, err := f.Encode()
	if err != nil {
		return err
	}
	h.metrics.FrameRelayed(string(f.Type))

	if h.redis != nil {
		return h.redis.Publish(ctx, channelFor(roomID), payload).Err()
	}
	select {
	case <-h.done:
		return ErrHubStopped
	default:
	}
	select {
	case h.broadcast <- envelope{roomID: roomID, payload: payload}:
		return nil
	case <-h.done:
		return ErrHubStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// SubscribeToRedis feeds frames published by any instance into this hub.
func (h *Hub) SubscribeToRedis(ctx context.Context) {
	pubsub := h.redis.PSubscribe(ctx, channelPrefix+"*")
	defer pubsub.Close()
	ch := pubsub.Channel()

	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			roomID, err := strconv.ParseInt(strings.TrimPrefix(msg.Channel, channelPrefix), 10, 64)
			if err != nil {
				h.log.Warn().Str("channel", msg.Channel).Msg("ignoring frame on unknown channel")
				continue
			}
			select {
			case h.broadcast <- envelope{roomID: roomID, payload: []byte(msg.Payload)}:
			case <-h.done:
				return
			}
		}
	}
}

func (h *Hub) add(c *Client) {
	clients := h.rooms[c.RoomID]
	if clients == nil {
		clients = make(map[*Client]bool)
		h.rooms[c.RoomID] = clients
	}
	clients[c] = true
	h.metrics.ClientConnected()

	if h.mark(c, 1) == 1 {
		h.announce(c, event.TypeUserConnected)
	}
}

// drop removes c and closes its send channel, which ends its writePump.
func (h *Hub) drop(c *Client) {
	clients := h.rooms[c.RoomID]
	delete(clients, c)
	if len(clients) == 0 {
		delete(h.rooms, c.RoomID)
	}
	close(c.send)
	h.metrics.ClientDisconnected()

	if h.mark(c, -1) == 0 {
		h.announce(c, event.TypeUserDisconnected)
	}
}

func (h *Hub) mark(c *Client, delta int) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	users := h.online[c.RoomID]
	if users == nil {
		users = make(map[int64]int)
		h.online[c.RoomID] = users
	}
	users[c.UserID] += delta
	n := users[c.UserID]
	if n <= 0 {
		delete(users, c.UserID)
		if len(users) == 0 {
			delete(h.online, c.RoomID)
		}
	}
	return n
}

// announce runs on the Run goroutine, so local delivery bypasses the
// broadcast channel.
func (h *Hub) announce(c *Client, t event.Type) {
	f := event.NewPresence(t, c.RoomID, c.UserID, h.now())
	f.Username = c.Username
	if t == event.TypeUserConnected {
		f.Status = StatusOnline
	} else {
		f.Status = StatusOffline
	}
	h.metrics.FrameRelayed(string(t))

	payload, err := f.Encode()
	if err != nil {
		return
	}
	if h.redis == nil {
		h.deliver(envelope{roomID: c.RoomID, payload: payload})
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), writeWait)
	defer cancel()
	if err := h.redis.Publish(ctx, channelFor(c.RoomID), payload).Err(); err != nil {
		h.log.Error().Err(err).Int64("room_id", c.RoomID).Msg("❌ presence publish failed")
	}
}

func (h *Hub) deliver(env envelope) {
	for c := range h.rooms[env.roomID] {
		select {
		case c.send <- env.payload:
		default:
			h.log.Warn().Int64("user_id", c.UserID).Int64("room_id", c.RoomID).Msg("slow client dropped")
			h.drop(c)
		}
	}
}
