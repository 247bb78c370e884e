// Package outbound implements the user's send path: an optimistic
// placeholder, a best-effort push frame and the durable create that settles
// the placeholder.
package outbound

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"go-livechat/internal/durable"
	"go-livechat/internal/event"
	"go-livechat/internal/feed"
	"go-livechat/internal/reconcile"
	"go-livechat/internal/transport"
)

// ErrNoPush is recorded when no push connection was available for a send.
var ErrNoPush = errors.New("outbound: no push connection")

// Sender is the push path, normally a *transport.Conn.
type Sender interface {
	Send(v any) error
}

// Creator is the durable path.
type Creator interface {
	CreateMessage(ctx context.Context, roomID int64, content string) (feed.Message, error)
}

// Pending is a send whose durable result has not been applied yet.
// PushAttempted is false when there was no open connection to write to.
type Pending struct {
	TempID        string
	RoomID        int64
	Content       string
	PushAttempted bool
	PushErr       error
}

func (p Pending) PushSent() bool { return p.PushAttempted && p.PushErr == nil }

// Pipeline must be driven from the loop that owns the Reconciler, except for
// the request Submit starts.
type Pipeline struct {
	roomID int64
	self   feed.Author
	rec    *reconcile.Reconciler
	create Creator
	log    zerolog.Logger
	now    func() time.Time
	newID  func() string
}

func New(roomID int64, self feed.Author, rec *reconcile.Reconciler, create Creator, log zerolog.Logger) *Pipeline {
	return &Pipeline{
		roomID: roomID,
		self:   self,
		rec:    rec,
		create: create,
		log:    log.With().Str("component", "outbound").Int64("room_id", roomID).Logger(),
		now:    time.Now,
		newID:  uuid.NewString,
	}
}

// Begin inserts the Pending placeholder and tries the push path. It returns
// false, and does nothing, for blank content. push may be nil.
func (p *Pipeline) Begin(content string, push Sender) (Pending, bool) {
	content = strings.TrimSpace(content)
	if content == "" {
		return Pending{}, false
	}

	pd := Pending{
		TempID:  "temp-" + p.newID(),
		RoomID:  p.roomID,
		Content: content,
	}
	now := p.now()
	p.rec.Merge(reconcile.Batch{
		Source: reconcile.SourceOptimisticEcho,
		Messages: []feed.Message{{
			TempID:    pd.TempID,
			RoomID:    p.roomID,
			Author:    p.self,
			Content:   content,
			CreatedAt: now,
		}},
	})

	if push == nil {
		pd.PushErr = ErrNoPush
	} else {
		pd.PushErr = push.Send(event.NewChat(p.roomID, p.self.ID, content, pd.TempID, now))
		pd.PushAttempted = !errors.Is(pd.PushErr, transport.ErrNotOpen)
	}
	if pd.PushErr != nil {
		p.log.Debug().Err(pd.PushErr).Str("temp_id", pd.TempID).Msg("push send failed, relying on durable path")
	}
	return pd, true
}

// Submit runs the durable create on its own goroutine and hands the outcome
// to deliver, which is expected to post it back to the owning loop.
func (p *Pipeline) Submit(ctx context.Context, pd Pending, deliver func(Pending, feed.Message, error)) {
	go func() {
		msg, err := p.create.CreateMessage(ctx, pd.RoomID, pd.Content)
		deliver(pd, msg, err)
	}()
}

// Complete applies the durable outcome to the placeholder. It reports
// whether the push connection should be cycled: the durable path worked but
// the push frame did not go out, including when the connection was not open.
// Without a connection handle there is nothing to cycle.
func (p *Pipeline) Complete(pd Pending, msg feed.Message, err error) bool {
	if err != nil {
		reason := err.Error()
		var apiErr *durable.APIError
		if errors.As(err, &apiErr) {
			reason = apiErr.Message
		}
		p.rec.Fail(pd.TempID, reason)
		p.log.Warn().Err(err).Str("temp_id", pd.TempID).Msg("send failed")
		return false
	}

	if !p.rec.Resolve(pd.TempID, msg) {
		p.log.Warn().Str("temp_id", pd.TempID).Int64("id", msg.ID).Msg("placeholder missing, merging confirmed record")
		p.rec.Merge(reconcile.Batch{Source: reconcile.SourcePoll, Messages: []feed.Message{msg}})
	}
	return !errors.Is(pd.PushErr, ErrNoPush) && !pd.PushSent()
}
