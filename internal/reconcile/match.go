package reconcile

import (
	"fmt"

	"go-livechat/internal/event"
	"go-livechat/internal/feed"
)

// candidate turns a push frame into a feed message. Full frames are taken
// as they are; thin frames get their author resolved locally.
func (r *Reconciler) candidate(e event.Message) feed.Message {
	m := feed.Message{
		ID:        e.ID,
		TempID:    e.TempID,
		RoomID:    e.RoomID,
		Content:   e.Content,
		CreatedAt: e.CreatedAt,
	}
	if e.Full() {
		m.Author = feed.Author{ID: e.Author.ID, Username: e.Author.Username}
	} else {
		m.Author = r.resolveAuthor(e.UserID, e.Username)
	}
	if !m.HasServerID() && m.TempID == "" {
		m.TempID = "push-" + r.newID()
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = r.now()
	}
	return m
}

func (r *Reconciler) resolveAuthor(id int64, username string) feed.Author {
	if id != 0 && id == r.self.ID {
		return r.self
	}
	if m, ok := r.members[id]; ok {
		return feed.Author{ID: id, Username: m.Username}
	}
	if username != "" {
		return feed.Author{ID: id, Username: username}
	}
	return feed.Author{ID: id, Username: fmt.Sprintf("User #%d", id)}
}

// match returns the index of the feed entry that already represents c, or
// -1. Server ids and temp ids are checked first, then the content/author/time
// heuristic against every message entry.
func (r *Reconciler) match(c feed.Message) int {
	for i := 0; i < r.feed.Len(); i++ {
		e := r.feed.At(i)
		if e.Kind != feed.KindMessage {
			continue
		}
		m := e.Message
		if c.HasServerID() && m.ID == c.ID {
			return i
		}
		if !c.HasServerID() && c.TempID != "" && m.TempID == c.TempID {
			return i
		}
	}
	for i := 0; i < r.feed.Len(); i++ {
		e := r.feed.At(i)
		if e.Kind != feed.KindMessage {
			continue
		}
		if r.similar(e.Message, c) {
			return i
		}
	}
	return -1
}

// adopt gives an id-less remote entry the server id of its confirmed copy.
// Local placeholders are left to Resolve.
func (r *Reconciler) adopt(i int, c feed.Message) bool {
	m := r.feed.At(i).Message
	if m.HasServerID() || !c.HasServerID() || m.Origin != feed.Remote {
		return false
	}
	m.ID = c.ID
	m.CreatedAt = c.CreatedAt
	r.feed.Replace(i, feed.MessageEntry(m))
	return true
}

func (r *Reconciler) similar(a, b feed.Message) bool {
	if a.Content != b.Content || a.Author.ID != b.Author.ID {
		return false
	}
	d := a.CreatedAt.Sub(b.CreatedAt)
	if d < 0 {
		d = -d
	}
	return d < r.window
}
