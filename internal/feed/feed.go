// Package feed holds the live feed model: authored messages, system notices
// and the append-ordered Feed that carries them.
package feed

import (
	"strconv"
	"time"
)

type Status int

const (
	Pending Status = iota
	Confirmed
	Failed
)

func (s Status) String() string {
	switch s {
	case Pending:
		return "pending"
	case Confirmed:
		return "confirmed"
	case Failed:
		return "failed"
	}
	return "status(" + strconv.Itoa(int(s)) + ")"
}

// Origin records where a message came from. It is never transmitted.
type Origin int

const (
	Local Origin = iota
	Remote
)

type Severity int

const (
	Info Severity = iota
	Error
)

type Author struct {
	ID       int64
	Username string
}

// Member is one entry of a room's membership list.
type Member struct {
	ID       int64
	Username string
	Status   string
}

// Message is an authored feed entry. ID is zero until the server assigns
// one; TempID identifies a local placeholder (and id-less remote
// reconstructions) before that.
type Message struct {
	ID        int64
	TempID    string
	RoomID    int64
	Author    Author
	Content   string
	CreatedAt time.Time
	Status    Status
	Origin    Origin
	Error     string
}

// HasServerID reports whether the message carries a server-assigned id.
func (m Message) HasServerID() bool { return m.ID > 0 }

// SystemNotice is a synthetic, non-authored entry.
type SystemNotice struct {
	ID        string
	Content   string
	CreatedAt time.Time
	Severity  Severity
}

type Kind int

const (
	KindMessage Kind = iota
	KindNotice
)

// Entry is one slot of the feed; exactly one of Message / Notice is
// meaningful, selected by Kind.
type Entry struct {
	Kind    Kind
	Message Message
	Notice  SystemNotice
}

func MessageEntry(m Message) Entry     { return Entry{Kind: KindMessage, Message: m} }
func NoticeEntry(n SystemNotice) Entry { return Entry{Kind: KindNotice, Notice: n} }

// IDSet is a snapshot of confirmed message ids.
type IDSet map[int64]struct{}

func (s IDSet) Has(id int64) bool {
	_, ok := s[id]
	return ok
}
