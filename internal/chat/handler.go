package chat

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"go-livechat/internal/event"
	"go-livechat/internal/metrics"
	myMiddleware "go-livechat/internal/middleware"
	"go-livechat/internal/respond"
)

const maxContentLength = 4000

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Any origin may connect; the token authenticates the socket.
	CheckOrigin: func(r *http.Request) bool { return true },
}

type Handler struct {
	hub     *Hub
	repo    Store
	metrics *metrics.Server
	log     zerolog.Logger
}

func NewHandler(hub *Hub, repo Store, m *metrics.Server, log zerolog.Logger) *Handler {
	return &Handler{
		hub:     hub,
		repo:    repo,
		metrics: m,
		log:     log.With().Str("component", "chat").Logger(),
	}
}

// Routes registers the authenticated chat endpoints.
func (h *Handler) Routes(r chi.Router) {
	r.Get("/ws", h.ServeWs)

	r.Post("/api/rooms", h.CreateRoom)
	r.Post("/api/rooms/{roomID}/members", h.JoinRoom)
	r.Get("/api/rooms/{roomID}/members", h.Members)

	r.Get("/api/messages/room/{roomID}", h.ListMessages)
	r.Post("/api/messages", h.CreateMessage)
}

func (h *Handler) CreateRoom(w http.ResponseWriter, r *http.Request) {
	userID, _, _ := myMiddleware.UserFrom(r.Context())

	var req CreateRoomRequest
	if err := respond.Decode(r, &req); err != nil {
		respond.Error(w, http.StatusBadRequest, err.Error())
		return
	}
	name := strings.TrimSpace(req.Name)
	if name == "" {
		respond.Error(w, http.StatusBadRequest, "room name is required")
		return
	}

	room, err := h.repo.CreateRoom(r.Context(), name, userID)
	if err != nil {
		h.log.Error().Err(err).Msg("❌ create room failed")
		respond.Error(w, http.StatusInternalServerError, "could not create room")
		return
	}
	h.log.Info().Int64("room_id", room.ID).Int64("user_id", userID).Msg("🏠 room created")
	respond.JSON(w, http.StatusCreated, room)
}

func (h *Handler) JoinRoom(w http.ResponseWriter, r *http.Request) {
	userID, username, _ := myMiddleware.UserFrom(r.Context())
	roomID, ok := roomParam(w, r)
	if !ok {
		return
	}

	if err := h.repo.AddMember(r.Context(), roomID, userID); err != nil {
		if errors.Is(err, ErrRoomNotFound) {
			respond.Error(w, http.StatusNotFound, err.Error())
			return
		}
		h.log.Error().Err(err).Msg("❌ join room failed")
		respond.Error(w, http.StatusInternalServerError, "could not join room")
		return
	}

	f := event.NewPresence(event.TypeUserStatusChanged, roomID, userID, h.hub.now())
	f.Username = username
	f.Status = "joined"
	if err := h.hub.Broadcast(r.Context(), roomID, f); err != nil {
		h.log.Warn().Err(err).Msg("join broadcast failed")
	}
	respond.JSON(w, http.StatusNoContent, nil)
}

func (h *Handler) Members(w http.ResponseWriter, r *http.Request) {
	roomID, ok := h.memberRoom(w, r, roomParam)
	if !ok {
		return
	}

	members, err := h.repo.Members(r.Context(), roomID)
	if err != nil {
		h.log.Error().Err(err).Msg("❌ list members failed")
		respond.Error(w, http.StatusInternalServerError, "could not list members")
		return
	}
	for i := range members {
		members[i].Status = StatusOffline
		if h.hub.Online(roomID, members[i].ID) {
			members[i].Status = StatusOnline
		}
	}
	respond.JSON(w, http.StatusOK, members)
}

func (h *Handler) ListMessages(w http.ResponseWriter, r *http.Request) {
	roomID, ok := h.memberRoom(w, r, roomParam)
	if !ok {
		return
	}

	msgs, err := h.repo.ListMessages(r.Context(), roomID)
	if err != nil {
		h.log.Error().Err(err).Msg("❌ list messages failed")
		respond.Error(w, http.StatusInternalServerError, "could not load messages")
		return
	}
	respond.JSON(w, http.StatusOK, msgs)
}

// CreateMessage persists the message, then tells the room about it.
func (h *Handler) CreateMessage(w http.ResponseWriter, r *http.Request) {
	userID, _, _ := myMiddleware.UserFrom(r.Context())

	var req CreateMessageRequest
	if err := respond.Decode(r, &req); err != nil {
		respond.Error(w, http.StatusBadRequest, err.Error())
		return
	}
	content := strings.TrimSpace(req.Content)
	switch {
	case content == "":
		respond.Error(w, http.StatusBadRequest, "content is required")
		return
	case len(content) > maxContentLength:
		respond.Error(w, http.StatusRequestEntityTooLarge, "message too long")
		return
	}
	if !h.requireMember(w, r.Context(), req.RoomID, userID) {
		return
	}

	msg, err := h.repo.SaveMessage(r.Context(), req.RoomID, userID, content)
	if err != nil {
		h.log.Error().Err(err).Msg("❌ save message failed")
		respond.Error(w, http.StatusInternalServerError, "could not save message")
		return
	}
	h.metrics.MessageCreated()

	f := event.NewCreated(msg.ID, msg.RoomID, msg.UserID, msg.User.Username, msg.Content, msg.CreatedAt)
	if err := h.hub.Broadcast(r.Context(), msg.RoomID, f); err != nil {
		// Pollers still pick the message up.
		h.log.Warn().Err(err).Int64("message_id", msg.ID).Msg("new_message broadcast failed")
	}
	respond.JSON(w, http.StatusCreated, msg)
}

// ServeWs upgrades a member's request to the room's push socket.
func (h *Handler) ServeWs(w http.ResponseWriter, r *http.Request) {
	userID, username, ok := myMiddleware.UserFrom(r.Context())
	if !ok {
		respond.Error(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	roomID, ok := h.memberRoom(w, r, roomQuery)
	if !ok {
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn().Err(err).Msg("upgrade failed")
		return
	}

	c := NewClient(h.hub, conn, roomID, userID, username)
	if c.Serve() {
		h.log.Info().Int64("room_id", roomID).Int64("user_id", userID).Msg("🔌 socket connected")
	}
}

type roomSource func(w http.ResponseWriter, r *http.Request) (int64, bool)

func (h *Handler) memberRoom(w http.ResponseWriter, r *http.Request, src roomSource) (int64, bool) {
	roomID, ok := src(w, r)
	if !ok {
		return 0, false
	}
	userID, _, _ := myMiddleware.UserFrom(r.Context())
	return roomID, h.requireMember(w, r.Context(), roomID, userID)
}

func (h *Handler) requireMember(w http.ResponseWriter, ctx context.Context, roomID, userID int64) bool {
	ok, err := h.repo.IsMember(ctx, roomID, userID)
	if err != nil {
		h.log.Error().Err(err).Msg("❌ membership check failed")
		respond.Error(w, http.StatusInternalServerError, "membership check failed")
		return false
	}
	if !ok {
		respond.Error(w, http.StatusForbidden, "not a member of this room")
		return false
	}
	return true
}

func roomParam(w http.ResponseWriter, r *http.Request) (int64, bool) {
	return parseRoom(w, chi.URLParam(r, "roomID"))
}

func roomQuery(w http.ResponseWriter, r *http.Request) (int64, bool) {
	return parseRoom(w, r.URL.Query().Get("room_id"))
}

func parseRoom(w http.ResponseWriter, raw string) (int64, bool) {
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		respond.Error(w, http.StatusBadRequest, "invalid room id")
		return 0, false
	}
	return id, true
}
