// Package event is the wire codec for push frames. Inbound frames are
// classified into a closed set of event types; outbound frames are built
// with the New* constructors. Client and server share it.
package event

import "time"

// Type is the "type" discriminator carried by every frame.
type Type string

const (
	TypeMessage           Type = "message"
	TypeNewMessage        Type = "new_message"
	TypePing              Type = "ping"
	TypePong              Type = "pong"
	TypeHeartbeat         Type = "heartbeat"
	TypeUserConnected     Type = "user_connected"
	TypeUserDisconnected  Type = "user_disconnected"
	TypeUserStatusChanged Type = "user_status_changed"
	TypeRaw               Type = "raw_message"
)

// eventMessageCreated marks a bare "something was created, go fetch" signal.
const eventMessageCreated = "message_created"

// Event is one classified inbound frame. The set of implementations is
// closed: Message, Notification, Ping, Pong, Heartbeat, Membership, Raw and
// Unknown.
type Event interface {
	Kind() Type
	isEvent()
}

// Author is the user record some frames embed.
type Author struct {
	ID       int64
	Username string
}

// Message is a frame carrying authored content. Thin frames only carry
// UserID (and maybe Username); full frames also embed Author and a server ID.
type Message struct {
	Type      Type
	ID        int64
	TempID    string
	RoomID    int64
	UserID    int64
	Username  string
	Author    *Author
	Content   string
	CreatedAt time.Time
}

// Full reports whether the frame is a complete server record.
func (m Message) Full() bool { return m.ID > 0 && m.Author != nil }

// Notification says a message exists without carrying its content.
type Notification struct {
	Type      Type
	MessageID int64
	RoomID    int64
}

type Ping struct{ At time.Time }

type Pong struct{ At time.Time }

type Heartbeat struct{ At time.Time }

// Membership covers presence changes of room members.
type Membership struct {
	Type     Type
	RoomID   int64
	UserID   int64
	Username string
	Status   string
}

// Raw wraps a payload that was not a JSON object.
type Raw struct {
	Text string
	At   time.Time
}

// Unknown is a JSON object whose type is not understood.
type Unknown struct {
	Type    Type
	Payload []byte
}

func (m Message) Kind() Type      { return m.Type }
func (n Notification) Kind() Type { return n.Type }
func (Ping) Kind() Type           { return TypePing }
func (Pong) Kind() Type           { return TypePong }
func (Heartbeat) Kind() Type      { return TypeHeartbeat }
func (m Membership) Kind() Type   { return m.Type }
func (Raw) Kind() Type            { return TypeRaw }
func (u Unknown) Kind() Type      { return u.Type }

func (Message) isEvent()      {}
func (Notification) isEvent() {}
func (Ping) isEvent()         {}
func (Pong) isEvent()         {}
func (Heartbeat) isEvent()    {}
func (Membership) isEvent()   {}
func (Raw) isEvent()          {}
func (Unknown) isEvent()      {}
