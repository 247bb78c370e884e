package chat

import "time"

type Room struct {
	ID        int64     `json:"id"`
	Name      string    `json:"name"`
	CreatedBy int64     `json:"created_by"`
	CreatedAt time.Time `json:"created_at"`
}

type UserRef struct {
	ID       int64  `json:"id"`
	Username string `json:"username"`
}

// Message is the full server record, author embedded.
type Message struct {
	ID        int64     `json:"id"`
	Content   string    `json:"content"`
	RoomID    int64     `json:"room_id"`
	UserID    int64     `json:"user_id"`
	User      UserRef   `json:"user"`
	CreatedAt time.Time `json:"created_at"`
}

const (
	StatusOnline  = "online"
	StatusOffline = "offline"
)

type Member struct {
	ID       int64  `json:"id"`
	Username string `json:"username"`
	Status   string `json:"status"`
}

type CreateRoomRequest struct {
	Name string `json:"name"`
}

type CreateMessageRequest struct {
	Content string `json:"content"`
	RoomID  int64  `json:"room_id"`
}
