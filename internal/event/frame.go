package event

import (
	"encoding/json"
	"time"
)

// Frame is the outbound shape of every push frame.
type Frame struct {
	Type      Type           `json:"type"`
	ID        int64          `json:"id,omitempty"`
	TempID    string         `json:"temp_id,omitempty"`
	RoomID    int64          `json:"room_id,omitempty"`
	UserID    int64          `json:"user_id,omitempty"`
	Username  string         `json:"username,omitempty"`
	Content   string         `json:"content,omitempty"`
	Status    string         `json:"status,omitempty"`
	Timestamp string         `json:"timestamp"`
	Data      map[string]any `json:"data,omitempty"`
}

func (f Frame) Encode() ([]byte, error) {
	return json.Marshal(f)
}

func Stamp(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func NewHeartbeat(now time.Time) Frame {
	return Frame{Type: TypeHeartbeat, Timestamp: Stamp(now)}
}

func NewPong(now time.Time) Frame {
	return Frame{Type: TypePong, Timestamp: Stamp(now)}
}

// NewPresence builds user_connected / user_disconnected frames.
func NewPresence(t Type, roomID, userID int64, now time.Time) Frame {
	return Frame{Type: t, RoomID: roomID, UserID: userID, Timestamp: Stamp(now)}
}

// NewChat builds the frame a client pushes when the user sends content.
func NewChat(roomID, userID int64, content, tempID string, now time.Time) Frame {
	return Frame{
		Type:      TypeMessage,
		TempID:    tempID,
		RoomID:    roomID,
		UserID:    userID,
		Content:   content,
		Timestamp: Stamp(now),
	}
}

// NewCreated is the thin notification the server publishes after persisting
// a message. It carries the content but not the embedded user record.
func NewCreated(id, roomID, userID int64, username, content string, createdAt time.Time) Frame {
	return Frame{
		Type:      TypeNewMessage,
		RoomID:    roomID,
		UserID:    userID,
		Username:  username,
		Content:   content,
		Timestamp: Stamp(createdAt),
		Data:      map[string]any{"message_id": id},
	}
}
