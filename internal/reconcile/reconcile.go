// Package reconcile merges messages arriving from push, polling, manual
// refresh and local echo into one duplicate-free feed. The Reconciler is
// the only code that mutates a session's feed.
package reconcile

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"go-livechat/internal/event"
	"go-livechat/internal/feed"
)

// DefaultWindow bounds the composite content/author/time match.
const DefaultWindow = 2 * time.Second

type Source int

const (
	SourcePush Source = iota
	SourcePoll
	SourceManualRefresh
	SourceOptimisticEcho
)

func (s Source) String() string {
	switch s {
	case SourcePush:
		return "push"
	case SourcePoll:
		return "poll"
	case SourceManualRefresh:
		return "manual_refresh"
	case SourceOptimisticEcho:
		return "optimistic_echo"
	}
	return fmt.Sprintf("source(%d)", int(s))
}

// Batch is one delivery from a single source. Known is the set of ids that
// were in the feed when the request producing the batch was issued; nil
// disables that prefilter.
type Batch struct {
	Source   Source
	Messages []feed.Message
	Known    feed.IDSet
}

// Outcome tells the caller which side effects a merge asks for.
type Outcome struct {
	Accepted       int
	Duplicates     int
	Updated        int
	FetchRequested bool
	MembersChanged bool
}

func (o Outcome) Changed() bool { return o.Accepted > 0 || o.Updated > 0 }

type Config struct {
	RoomID int64
	Self   feed.Author
	Window time.Duration
	Now    func() time.Time
	NewID  func() string
}

type Reconciler struct {
	feed    *feed.Feed
	roomID  int64
	self    feed.Author
	window  time.Duration
	members map[int64]feed.Member
	now     func() time.Time
	newID   func() string
	log     zerolog.Logger
}

func New(cfg Config, log zerolog.Logger) *Reconciler {
	r := &Reconciler{
		feed:    feed.New(),
		roomID:  cfg.RoomID,
		self:    cfg.Self,
		window:  cfg.Window,
		members: make(map[int64]feed.Member),
		now:     cfg.Now,
		newID:   cfg.NewID,
		log:     log.With().Str("component", "reconcile").Int64("room_id", cfg.RoomID).Logger(),
	}
	if r.window <= 0 {
		r.window = DefaultWindow
	}
	if r.now == nil {
		r.now = time.Now
	}
	if r.newID == nil {
		r.newID = uuid.NewString
	}
	return r
}

func (r *Reconciler) Snapshot() []feed.Entry  { return r.feed.Snapshot() }
func (r *Reconciler) KnownIDs() feed.IDSet     { return r.feed.KnownIDs() }
func (r *Reconciler) Messages() []feed.Message { return r.feed.Messages() }

// SetMembers replaces the membership list used to resolve thin push authors.
func (r *Reconciler) SetMembers(members []feed.Member) {
	r.members = make(map[int64]feed.Member, len(members))
	for _, m := range members {
		r.members[m.ID] = m
	}
}

// Merge is the entry point for batches. Optimistic echoes are appended as
// Pending placeholders; everything else is deduplicated against the feed
// and appended as Confirmed remote messages.
func (r *Reconciler) Merge(b Batch) Outcome {
	var out Outcome

	if b.Source == SourceOptimisticEcho {
		for _, m := range b.Messages {
			if m.TempID == "" || r.feed.IndexByTempID(m.TempID) >= 0 {
				out.Duplicates++
				continue
			}
			m.Status = feed.Pending
			m.Origin = feed.Local
			if m.RoomID == 0 {
				m.RoomID = r.roomID
			}
			r.feed.Append(feed.MessageEntry(m))
			out.Accepted++
		}
		return out
	}

	fresh := 0
	for _, m := range b.Messages {
		if m.HasServerID() && b.Known.Has(m.ID) {
			continue
		}
		if m.RoomID != 0 && m.RoomID != r.roomID {
			r.log.Debug().Int64("message_room_id", m.RoomID).Msg("dropping message for another room")
			continue
		}
		m.RoomID = r.roomID
		m.Status = feed.Confirmed
		m.Origin = feed.Remote
		if i := r.match(m); i >= 0 {
			out.Duplicates++
			if r.adopt(i, m) {
				out.Updated++
			}
			continue
		}
		r.feed.Append(feed.MessageEntry(m))
		fresh++
	}
	out.Accepted = fresh

	if b.Source == SourceManualRefresh {
		if fresh > 0 {
			r.notice(feed.Info, fmt.Sprintf("Refreshed: %d new messages", fresh))
		} else {
			r.notice(feed.Info, "No new messages")
		}
		out.Accepted++
	}

	if out.Accepted > 0 || out.Duplicates > 0 {
		r.log.Debug().
			Str("source", b.Source.String()).
			Int("accepted", out.Accepted).
			Int("duplicates", out.Duplicates).
			Msg("merged batch")
	}
	return out
}

// MergeEvent routes one push event.
func (r *Reconciler) MergeEvent(ev event.Event) Outcome {
	switch e := ev.(type) {
	case event.Message:
		if !r.sameRoom(e.RoomID) {
			return Outcome{}
		}
		return r.Merge(Batch{Source: SourcePush, Messages: []feed.Message{r.candidate(e)}})
	case event.Notification:
		if !r.sameRoom(e.RoomID) {
			return Outcome{}
		}
		return Outcome{FetchRequested: true}
	case event.Membership:
		if !r.sameRoom(e.RoomID) {
			return Outcome{}
		}
		return Outcome{MembersChanged: true}
	case event.Raw:
		if strings.TrimSpace(e.Text) == "" {
			return Outcome{}
		}
		r.notice(feed.Info, e.Text)
		return Outcome{Accepted: 1}
	case event.Ping, event.Pong, event.Heartbeat:
		return Outcome{}
	case event.Unknown:
		r.log.Debug().Str("type", string(e.Type)).Msg("ignoring unknown push event")
		return Outcome{}
	default:
		r.log.Warn().Str("event", fmt.Sprintf("%T", ev)).Msg("unhandled push event")
		return Outcome{}
	}
}

// Resolve replaces the placeholder with the server's record, in place.
func (r *Reconciler) Resolve(tempID string, confirmed feed.Message) bool {
	i := r.feed.IndexByTempID(tempID)
	if i < 0 {
		return false
	}
	placeholder := r.feed.At(i).Message

	confirmed.TempID = tempID
	confirmed.Status = feed.Confirmed
	confirmed.Origin = feed.Local
	confirmed.Error = ""
	if confirmed.RoomID == 0 {
		confirmed.RoomID = placeholder.RoomID
	}
	if confirmed.Author.ID == 0 {
		confirmed.Author = placeholder.Author
	}
	if confirmed.Content == "" {
		confirmed.Content = placeholder.Content
	}
	if confirmed.CreatedAt.IsZero() {
		confirmed.CreatedAt = placeholder.CreatedAt
	}

	// The same record may already have arrived by poll or push.
	if j := r.feed.IndexByID(confirmed.ID); j >= 0 && j != i {
		r.feed.Remove(j)
		if j < i {
			i--
		}
	}
	r.feed.Replace(i, feed.MessageEntry(confirmed))
	return true
}

// Fail marks the placeholder as failed. The entry stays in the feed.
func (r *Reconciler) Fail(tempID, reason string) bool {
	i := r.feed.IndexByTempID(tempID)
	if i < 0 {
		return false
	}
	m := r.feed.At(i).Message
	m.Status = feed.Failed
	m.Error = reason
	r.feed.Replace(i, feed.MessageEntry(m))
	return true
}

// Notify appends a system notice.
func (r *Reconciler) Notify(sev feed.Severity, content string) Outcome {
	r.notice(sev, content)
	return Outcome{Accepted: 1}
}

func (r *Reconciler) notice(sev feed.Severity, content string) {
	r.feed.Append(feed.NoticeEntry(feed.SystemNotice{
		ID:        "system-" + r.newID(),
		Content:   content,
		CreatedAt: r.now(),
		Severity:  sev,
	}))
}

func (r *Reconciler) sameRoom(roomID int64) bool {
	return roomID == 0 || roomID == r.roomID
}
