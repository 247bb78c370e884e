package chat

import (
	"context"
	"database/sql"
	"errors"
)

var ErrRoomNotFound = errors.New("room not found")

// historyLimit bounds a message list to the latest rows.
const historyLimit = 200

// Store is the persistence the chat handlers need; *Repository implements it.
type Store interface {
	CreateRoom(ctx context.Context, name string, ownerID int64) (*Room, error)
	AddMember(ctx context.Context, roomID, userID int64) error
	IsMember(ctx context.Context, roomID, userID int64) (bool, error)
	Members(ctx context.Context, roomID int64) ([]Member, error)
	SaveMessage(ctx context.Context, roomID, userID int64, content string) (*Message, error)
	ListMessages(ctx context.Context, roomID int64) ([]Message, error)
}

type Repository struct {
	db *sql.DB
}

func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

// CreateRoom inserts the room and makes its owner the first member.
func (r *Repository) CreateRoom(ctx context.Context, name string, ownerID int64) (*Room, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	room := &Room{Name: name, CreatedBy: ownerID}
	err = tx.QueryRowContext(ctx,
		"INSERT INTO rooms (name, created_by) VALUES ($1, $2) RETURNING id, created_at",
		name, ownerID,
	).Scan(&room.ID, &room.CreatedAt)
	if err != nil {
		return nil, err
	}
	if _, err := tx.ExecContext(ctx,
		"INSERT INTO room_members (room_id, user_id) VALUES ($1, $2)", room.ID, ownerID,
	); err != nil {
		return nil, err
	}
	return room, tx.Commit()
}

func (r *Repository) AddMember(ctx context.Context, roomID, userID int64) error {
	var exists bool
	if err := r.db.QueryRowContext(ctx, "SELECT EXISTS (SELECT 1 FROM rooms WHERE id = $1)", roomID).Scan(&exists); err != nil {
		return err
	}
	if !exists {
		return ErrRoomNotFound
	}
	_, err := r.db.ExecContext(ctx,
		"INSERT INTO room_members (room_id, user_id) VALUES ($1, $2) ON CONFLICT DO NOTHING",
		roomID, userID,
	)
	return err
}

func (r *Repository) IsMember(ctx context.Context, roomID, userID int64) (bool, error) {
	var ok bool
	err := r.db.QueryRowContext(ctx,
		"SELECT EXISTS (SELECT 1 FROM room_members WHERE room_id = $1 AND user_id = $2)",
		roomID, userID,
	).Scan(&ok)
	return ok, err
}

// Members lists the room's users; Status is left for the hub to fill in.
func (r *Repository) Members(ctx context.Context, roomID int64) ([]Member, error) {
	query := `
		SELECT u.id, u.username
		FROM room_members rm
		JOIN users u ON u.id = rm.user_id
		WHERE rm.room_id = $1
		ORDER BY rm.joined_at, u.id
	`
	rows, err := r.db.QueryContext(ctx, query, roomID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	members := []Member{}
	for rows.Next() {
		var m Member
		if err := rows.Scan(&m.ID, &m.Username); err != nil {
			return nil, err
		}
		members = append(members, m)
	}
	return members, rows.Err()
}

func (r *Repository) SaveMessage(ctx context.Context, roomID, userID int64, content string) (*Message, error) {
	query := `
		WITH m AS (
			INSERT INTO messages (room_id, user_id, content) VALUES ($1, $2, $3)
			RETURNING id, created_at, user_id
		)
		SELECT m.id, m.created_at, u.username
		FROM m JOIN users u ON u.id = m.user_id
	`
	msg := &Message{RoomID: roomID, UserID: userID, Content: content}
	err := r.db.QueryRowContext(ctx, query, roomID, userID, content).Scan(&msg.ID, &msg.CreatedAt, &msg.User.Username)
	if err != nil {
		return nil, err
	}
	msg.User.ID = userID
	return msg, nil
}

// ListMessages returns the latest messages of the room, oldest first.
func (r *Repository) ListMessages(ctx context.Context, roomID int64) ([]Message, error) {
	query := `
		SELECT id, content, room_id, user_id, username, created_at FROM (
			SELECT m.id, m.content, m.room_id, m.user_id, u.username, m.created_at
			FROM messages m
			JOIN users u ON m.user_id = u.id
			WHERE m.room_id = $1
			ORDER BY m.created_at DESC, m.id DESC
			LIMIT $2
		) latest
		ORDER BY created_at, id
	`
	rows, err := r.db.QueryContext(ctx, query, roomID, historyLimit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	messages := []Message{}
	for rows.Next() {
		var msg Message
		if err := rows.Scan(&msg.ID, &msg.Content, &msg.RoomID, &msg.UserID, &msg.User.Username, &msg.CreatedAt); err != nil {
			return nil, err
		}
		msg.User.ID = msg.UserID
		messages = append(messages, msg)
	}
	return messages, rows.Err()
}
