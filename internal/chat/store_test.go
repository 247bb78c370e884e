package chat

import (
	"context"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	myMiddleware "go-livechat/internal/middleware"
)

// memStore is an in-memory Store.
type memStore struct {
	mu       sync.Mutex
	users    map[int64]string
	rooms    map[int64]*Room
	members  map[int64][]int64
	messages []Message
	nextRoom int64
	nextMsg  int64
}

func newMemStore() *memStore {
	return &memStore{
		users:    map[int64]string{1: "alice", 2: "bob", 3: "carol"},
		rooms:    map[int64]*Room{},
		members:  map[int64][]int64{},
		nextRoom: 1,
		nextMsg:  1,
	}
}

func (s *memStore) CreateRoom(_ context.Context, name string, ownerID int64) (*Room, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	room := &Room{ID: s.nextRoom, Name: name, CreatedBy: ownerID, CreatedAt: time.Now().UTC()}
	s.nextRoom++
	s.rooms[room.ID] = room
	s.members[room.ID] = []int64{ownerID}
	return room, nil
}

func (s *memStore) AddMember(_ context.Context, roomID, userID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.rooms[roomID]; !ok {
		return ErrRoomNotFound
	}
	for _, id := range s.members[roomID] {
		if id == userID {
			return nil
		}
	}
	s.members[roomID] = append(s.members[roomID], userID)
	return nil
}

func (s *memStore) IsMember(_ context.Context, roomID, userID int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range s.members[roomID] {
		if id == userID {
			return true, nil
		}
	}
	return false, nil
}

func (s *memStore) Members(_ context.Context, roomID int64) ([]Member, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := []Member{}
	for _, id := range s.members[roomID] {
		out = append(out, Member{ID: id, Username: s.users[id]})
	}
	return out, nil
}

func (s *memStore) SaveMessage(_ context.Context, roomID, userID int64, content string) (*Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	msg := Message{
		ID:        s.nextMsg,
		Content:   content,
		RoomID:    roomID,
		UserID:    userID,
		User:      UserRef{ID: userID, Username: s.users[userID]},
		CreatedAt: time.Now().UTC(),
	}
	s.nextMsg++
	s.messages = append(s.messages, msg)
	return &msg, nil
}

func (s *memStore) ListMessages(_ context.Context, roomID int64) ([]Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := []Message{}
	for _, m := range s.messages {
		if m.RoomID == roomID {
			out = append(out, m)
		}
	}
	return out, nil
}

// tokens accepts "tok-<user id>".
type tokens struct{ store *memStore }

func (v tokens) ValidateToken(tok string) (int64, string, error) {
	raw, ok := strings.CutPrefix(tok, "tok-")
	if !ok {
		return 0, "", strconv.ErrSyntax
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, "", err
	}
	v.store.mu.Lock()
	defer v.store.mu.Unlock()
	name, ok := v.store.users[id]
	if !ok {
		return 0, "", strconv.ErrRange
	}
	return id, name, nil
}

func token(userID int64) string { return "tok-" + strconv.FormatInt(userID, 10) }

// newRouter mounts the chat routes behind the real auth middleware.
func newRouter(ctx context.Context, store *memStore) (chi.Router, *Hub) {
	hub := NewHub(nil, nil, zerolog.Nop())
	go hub.Run(ctx)

	h := NewHandler(hub, store, nil, zerolog.Nop())
	r := chi.NewRouter()
	r.Group(func(r chi.Router) {
		r.Use(myMiddleware.NewAuthMiddleware(tokens{store}).Handle)
		h.Routes(r)
	})
	return r, hub
}
