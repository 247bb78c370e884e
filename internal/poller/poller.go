// Package poller pulls a room's message list from the durable transport,
// both on timers and on demand. A Poller belongs to one session loop: the
// loop starts pulls and settles their results, only the request itself runs
// on another goroutine.
package poller

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"go-livechat/internal/feed"
)

type Config struct {
	Interval   time.Duration `koanf:"interval"`
	StaleCheck time.Duration `koanf:"stale_check"`
	StaleAfter time.Duration `koanf:"stale_after"`
}

func DefaultConfig() Config {
	return Config{
		Interval:   3 * time.Second,
		StaleCheck: 15 * time.Second,
		StaleAfter: 10 * time.Second,
	}
}

// Fetcher is the durable list call.
type Fetcher interface {
	ListMessages(ctx context.Context, roomID int64) ([]feed.Message, error)
}

// Reason says why a pull was started.
type Reason int

const (
	ReasonInitial Reason = iota
	ReasonInterval
	ReasonStale
	ReasonNotification
	ReasonManual
)

func (r Reason) String() string {
	switch r {
	case ReasonInitial:
		return "initial"
	case ReasonInterval:
		return "interval"
	case ReasonStale:
		return "stale"
	case ReasonNotification:
		return "notification"
	case ReasonManual:
		return "manual"
	}
	return fmt.Sprintf("reason(%d)", int(r))
}

// Result is one finished pull. Messages holds only the records whose ids
// were not in Known when the request was issued.
type Result struct {
	Reason   Reason
	Known    feed.IDSet
	Messages []feed.Message
	Err      error
}

// RefreshState is the refresh indicator shown to the user.
type RefreshState struct {
	LastUpdate time.Time
	Refreshing bool
	ErrorCount int
}

type Poller struct {
	cfg      Config
	fetch    Fetcher
	roomID   int64
	log      zerolog.Logger
	now      func() time.Time
	inflight map[Reason]int
	state    RefreshState
}

func New(cfg Config, fetch Fetcher, roomID int64, log zerolog.Logger) *Poller {
	d := DefaultConfig()
	if cfg.Interval <= 0 {
		cfg.Interval = d.Interval
	}
	if cfg.StaleCheck <= 0 {
		cfg.StaleCheck = d.StaleCheck
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = d.StaleAfter
	}
	return &Poller{
		cfg:      cfg,
		fetch:    fetch,
		roomID:   roomID,
		log:      log.With().Str("component", "poller").Int64("room_id", roomID).Logger(),
		now:      time.Now,
		inflight: make(map[Reason]int),
	}
}

func (p *Poller) Config() Config { return p.cfg }

func (p *Poller) State() RefreshState { return p.state }

// Stale reports whether push has been silent for longer than StaleAfter.
func (p *Poller) Stale(lastInbound, now time.Time) bool {
	return now.Sub(lastInbound) > p.cfg.StaleAfter
}

func (p *Poller) InFlight(r Reason) bool { return p.inflight[r] > 0 }

// Pull requests the room's list and calls deliver with the result from the
// request goroutine. known must be the feed's ids at the time of the call.
// Every delivered Result must be passed back to Settle on the loop.
func (p *Poller) Pull(ctx context.Context, reason Reason, known feed.IDSet, deliver func(Result)) {
	p.inflight[reason]++
	p.state.Refreshing = true

	go func() {
		msgs, err := p.fetch.ListMessages(ctx, p.roomID)
		res := Result{Reason: reason, Known: known, Err: err}
		if err == nil {
			res.Messages = Diff(msgs, known)
		}
		deliver(res)
	}()
}

// Settle records a delivered result and returns the new refresh state.
func (p *Poller) Settle(res Result) RefreshState {
	if p.inflight[res.Reason] > 0 {
		p.inflight[res.Reason]--
	}
	busy := false
	for _, n := range p.inflight {
		if n > 0 {
			busy = true
			break
		}
	}
	p.state.Refreshing = busy

	if res.Err != nil {
		p.state.ErrorCount++
		p.log.Warn().Err(res.Err).Str("reason", res.Reason.String()).Int("errors", p.state.ErrorCount).Msg("pull failed")
		return p.state
	}
	p.state.LastUpdate = p.now()
	p.state.ErrorCount = 0
	if len(res.Messages) > 0 {
		p.log.Debug().Str("reason", res.Reason.String()).Int("new", len(res.Messages)).Msg("pulled new messages")
	}
	return p.state
}

// Diff keeps the messages whose server id is not in known, in order.
func Diff(msgs []feed.Message, known feed.IDSet) []feed.Message {
	out := make([]feed.Message, 0, len(msgs))
	for _, m := range msgs {
		if m.HasServerID() && known.Has(m.ID) {
			continue
		}
		out = append(out, m)
	}
	return out
}

// Timers are the two periodic pull triggers of a session.
type Timers struct {
	interval *time.Ticker
	stale    *time.Ticker
}

func (p *Poller) StartTimers() *Timers {
	return &Timers{
		interval: time.NewTicker(p.cfg.Interval),
		stale:    time.NewTicker(p.cfg.StaleCheck),
	}
}

func (t *Timers) Interval() <-chan time.Time { return t.interval.C }
func (t *Timers) Stale() <-chan time.Time    { return t.stale.C }

func (t *Timers) Stop() {
	t.interval.Stop()
	t.stale.Stop()
}
