package event

import (
	"bytes"
	"encoding/json"
	"strconv"
	"time"
)

type wire struct {
	Type      string    `json:"type"`
	Event     string    `json:"event"`
	ID        flexID    `json:"id"`
	MessageID flexID    `json:"message_id"`
	TempID    string    `json:"temp_id"`
	RoomID    flexID    `json:"room_id"`
	UserID    flexID    `json:"user_id"`
	Username  string    `json:"username"`
	User      *wireUser `json:"user"`
	Content   string    `json:"content"`
	Status    string    `json:"status"`
	CreatedAt string    `json:"created_at"`
	Timestamp string    `json:"timestamp"`
}

type wireUser struct {
	ID       flexID `json:"id"`
	Username string `json:"username"`
}

// flexID accepts numbers, numeric strings and opaque strings ("ws-123").
type flexID struct {
	n int64
	s string
}

func (f *flexID) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if bytes.Equal(b, []byte("null")) {
		return nil
	}
	if len(b) > 0 && b[0] == '"' {
		if err := json.Unmarshal(b, &f.s); err != nil {
			return err
		}
		if n, err := strconv.ParseInt(f.s, 10, 64); err == nil {
			f.n = n
		}
		return nil
	}
	if n, err := strconv.ParseInt(string(b), 10, 64); err == nil {
		f.n = n
		return nil
	}
	v, err := strconv.ParseFloat(string(b), 64)
	if err != nil {
		return err
	}
	f.n = int64(v)
	return nil
}

// Parse classifies one inbound frame. It never fails: payloads that are not
// JSON objects come back as Raw, objects of an unknown type as Unknown.
// Fields nested under a "data" object are lifted to the top level when the
// top level does not already define them.
func Parse(data []byte, now time.Time) Event {
	var top map[string]json.RawMessage
	if err := json.Unmarshal(data, &top); err != nil || top == nil {
		return Raw{Text: string(data), At: now}
	}

	if nested, ok := top["data"]; ok {
		var inner map[string]json.RawMessage
		if json.Unmarshal(nested, &inner) == nil {
			for k, v := range inner {
				if _, exists := top[k]; !exists {
					top[k] = v
				}
			}
		}
	}

	merged, err := json.Marshal(top)
	if err != nil {
		return Raw{Text: string(data), At: now}
	}
	var w wire
	if err := json.Unmarshal(merged, &w); err != nil {
		return Raw{Text: string(data), At: now}
	}
	return w.classify(merged, now)
}

func (w wire) classify(payload []byte, now time.Time) Event {
	at := w.when(now)
	t := Type(w.Type)

	switch t {
	case TypeMessage, TypeNewMessage:
		if w.Content != "" {
			return w.message(t, at)
		}
		if w.MessageID.n > 0 || w.ID.n > 0 || w.Event == eventMessageCreated {
			return w.notification(t)
		}
	case TypePing:
		return Ping{At: at}
	case TypePong:
		return Pong{At: at}
	case TypeHeartbeat:
		return Heartbeat{At: at}
	case TypeUserConnected, TypeUserDisconnected, TypeUserStatusChanged:
		return Membership{
			Type:     t,
			RoomID:   w.RoomID.n,
			UserID:   w.UserID.n,
			Username: w.Username,
			Status:   w.Status,
		}
	case TypeRaw:
		return Raw{Text: w.Content, At: at}
	case "":
		if w.Event == eventMessageCreated {
			return w.notification(TypeNewMessage)
		}
	}
	return Unknown{Type: t, Payload: payload}
}

func (w wire) message(t Type, at time.Time) Message {
	m := Message{
		Type:      t,
		ID:        w.ID.n,
		TempID:    w.TempID,
		RoomID:    w.RoomID.n,
		UserID:    w.UserID.n,
		Username:  w.Username,
		Content:   w.Content,
		CreatedAt: at,
	}
	if m.ID == 0 {
		m.ID = w.MessageID.n
	}
	if m.ID == 0 && m.TempID == "" {
		m.TempID = w.ID.s
	}
	if w.User != nil {
		m.Author = &Author{ID: w.User.ID.n, Username: w.User.Username}
		if m.UserID == 0 {
			m.UserID = m.Author.ID
		}
		if m.Username == "" {
			m.Username = m.Author.Username
		}
	}
	return m
}

func (w wire) notification(t Type) Notification {
	id := w.MessageID.n
	if id == 0 {
		id = w.ID.n
	}
	return Notification{Type: t, MessageID: id, RoomID: w.RoomID.n}
}

func (w wire) when(now time.Time) time.Time {
	for _, s := range []string{w.CreatedAt, w.Timestamp} {
		if s == "" {
			continue
		}
		if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
			return t
		}
	}
	return now
}
