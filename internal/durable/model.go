package durable

import (
	"fmt"
	"time"

	"go-livechat/internal/feed"
)

// Session is the login response.
type Session struct {
	AccessToken string `json:"access_token"`
	ID          int64  `json:"id"`
	Username    string `json:"username"`
}

type Room struct {
	ID        int64     `json:"id"`
	Name      string    `json:"name"`
	CreatedBy int64     `json:"created_by"`
	CreatedAt time.Time `json:"created_at"`
}

type credentials struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type createMessageRequest struct {
	Content string `json:"content"`
	RoomID  int64  `json:"room_id"`
}

type userDTO struct {
	ID       int64  `json:"id"`
	Username string `json:"username"`
}

type messageDTO struct {
	ID        int64     `json:"id"`
	Content   string    `json:"content"`
	RoomID    int64     `json:"room_id"`
	UserID    int64     `json:"user_id"`
	User      *userDTO  `json:"user,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

type memberDTO struct {
	ID       int64  `json:"id"`
	Username string `json:"username"`
	Status   string `json:"status"`
}

func (m messageDTO) toFeed() feed.Message {
	author := feed.Author{ID: m.UserID, Username: fmt.Sprintf("User #%d", m.UserID)}
	if m.User != nil {
		author = feed.Author{ID: m.User.ID, Username: m.User.Username}
	}
	return feed.Message{
		ID:        m.ID,
		RoomID:    m.RoomID,
		Author:    author,
		Content:   m.Content,
		CreatedAt: m.CreatedAt,
		Status:    feed.Confirmed,
		Origin:    feed.Remote,
	}
}
