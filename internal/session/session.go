// Package session runs one mounted room: a single event loop that owns the
// feed, the push connection handle, the poll timers and the watchdog. Every
// feed mutation happens on that loop; network calls run elsewhere and post
// their results back.
package session

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"go-livechat/internal/feed"
	"go-livechat/internal/metrics"
	"go-livechat/internal/outbound"
	"go-livechat/internal/poller"
	"go-livechat/internal/reconcile"
	"go-livechat/internal/transport"
)

const taskQueueSize = 256

const (
	noticeDegraded = "Live connection lost. Messages will keep arriving through periodic refresh."
	noticeRestored = "Live connection restored"
	noticeRefresh  = "Failed to refresh messages"
)

// Durable is the part of the REST API a session uses.
type Durable interface {
	poller.Fetcher
	outbound.Creator
	Members(ctx context.Context, roomID int64) ([]feed.Member, error)
}

type Config struct {
	RoomID         int64
	Self           feed.Author
	Poll           poller.Config
	Watchdog       time.Duration
	ScrollDebounce time.Duration
	MergeWindow    time.Duration
}

func (c Config) withDefaults() Config {
	if c.Watchdog <= 0 {
		c.Watchdog = 10 * time.Second
	}
	if c.ScrollDebounce <= 0 {
		c.ScrollDebounce = 100 * time.Millisecond
	}
	return c
}

type Session struct {
	cfg     Config
	key     transport.Key
	client  *transport.Client
	durable Durable
	obs     Observer
	metrics *metrics.Client
	log     zerolog.Logger
	handler *connHandler

	tasks   chan func()
	ctx     context.Context
	cancel  context.CancelFunc
	done    chan struct{}
	started atomic.Bool
	stop    sync.Once

	mu       sync.Mutex
	snapshot []feed.Entry

	// Transport callbacks, in arrival order.
	inboxMu sync.Mutex
	inbox   []func()
	wake    chan struct{}

	// Owned by the loop.
	rec           *reconcile.Reconciler
	poll          *poller.Poller
	out           *outbound.Pipeline
	conn          *transport.Conn
	status        transport.Status
	degraded      bool
	scrollTimer   *time.Timer
	scrollPending bool
}

func New(cfg Config, client *transport.Client, durable Durable, obs Observer, m *metrics.Client, log zerolog.Logger) *Session {
	cfg = cfg.withDefaults()
	if obs == nil {
		obs = NopObserver{}
	}
	rec := reconcile.New(reconcile.Config{RoomID: cfg.RoomID, Self: cfg.Self, Window: cfg.MergeWindow}, log)

	s := &Session{
		cfg:     cfg,
		key:     transport.Key{RoomID: cfg.RoomID, UserID: cfg.Self.ID},
		client:  client,
		durable: durable,
		obs:     obs,
		metrics: m,
		log:     log.With().Str("component", "session").Int64("room_id", cfg.RoomID).Logger(),
		tasks:   make(chan func(), taskQueueSize),
		wake:    make(chan struct{}, 1),
		done:    make(chan struct{}),
		rec:     rec,
		poll:    poller.New(cfg.Poll, durable, cfg.RoomID, log),
		out:     outbound.New(cfg.RoomID, cfg.Self, rec, durable, log),
		status:  transport.StatusIdle,
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.handler = &connHandler{s: s}
	return s
}

// Start runs the loop until ctx is done or Stop is called. It opens the push
// connection, loads the feed and the member list, and starts the timers.
func (s *Session) Start(ctx context.Context) {
	if !s.started.CompareAndSwap(false, true) {
		return
	}
	context.AfterFunc(ctx, s.cancel)
	go s.run()
}

// Stop tears the session down and waits for the loop to exit.
func (s *Session) Stop() {
	s.stop.Do(func() {
		s.cancel()
		if s.started.Load() {
			<-s.done
		}
	})
}

// Done is closed when the loop has exited.
func (s *Session) Done() <-chan struct{} { return s.done }

// Send queues a user message. Blank content is ignored.
func (s *Session) Send(content string) {
	s.post(func() { s.send(content) })
}

// Refresh forces a pull whose outcome is reported in the feed.
func (s *Session) Refresh() {
	s.post(func() { s.pull(poller.ReasonManual) })
}

// Feed returns the latest published feed snapshot.
func (s *Session) Feed() []feed.Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]feed.Entry, len(s.snapshot))
	copy(out, s.snapshot)
	return out
}

func (s *Session) post(fn func()) bool {
	select {
	case s.tasks <- fn:
		return true
	case <-s.ctx.Done():
		return false
	}
}

// enqueue queues a transport callback. It never blocks, so it is safe from
// the loop itself, and callbacks run in the order they were queued.
func (s *Session) enqueue(fn func()) {
	s.inboxMu.Lock()
	s.inbox = append(s.inbox, fn)
	s.inboxMu.Unlock()
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Session) drainInbox() {
	s.inboxMu.Lock()
	fns := s.inbox
	s.inbox = nil
	s.inboxMu.Unlock()
	for _, fn := range fns {
		fn()
	}
}

func (s *Session) run() {
	defer close(s.done)

	timers := s.poll.StartTimers()
	watchdog := time.NewTicker(s.cfg.Watchdog)
	defer func() {
		timers.Stop()
		watchdog.Stop()
		s.teardown()
	}()

	s.log.Info().Msg("🚀 session started")
	s.connect()
	s.pull(poller.ReasonInitial)
	s.refreshMembers()

	for {
		select {
		case <-s.ctx.Done():
			return
		case fn := <-s.tasks:
			fn()
		case <-s.wake:
			s.drainInbox()
		case <-timers.Interval():
			if !s.poll.InFlight(poller.ReasonInterval) {
				s.pull(poller.ReasonInterval)
			}
		case now := <-timers.Stale():
			if s.poll.Stale(s.lastInbound(), now) && !s.poll.InFlight(poller.ReasonStale) {
				s.log.Debug().Msg("push silent, pulling")
				s.pull(poller.ReasonStale)
			}
		case <-watchdog.C:
			s.checkConnection()
		}
	}
}

func (s *Session) teardown() {
	if s.scrollTimer != nil {
		s.scrollTimer.Stop()
	}
	if s.conn != nil {
		s.conn.Close("leaving room")
		s.conn = nil
	}
	s.log.Info().Msg("👋 session stopped")
}

func (s *Session) connect() {
	s.conn = s.client.Open(s.key, s.handler)
	s.setStatus(s.conn.Status())
}

// checkConnection is the watchdog: it reconnects when the registered
// connection for the key is missing or dead and no retry is pending.
func (s *Session) checkConnection() {
	if c, ok := s.client.Registry().Lookup(s.key); ok && c.Live() {
		return
	}
	s.log.Info().Msg("watchdog: no live connection, reconnecting")
	s.connect()
}

func (s *Session) lastInbound() time.Time {
	if s.conn == nil {
		return time.Time{}
	}
	return s.conn.LastInbound()
}

func (s *Session) setStatus(st transport.Status) {
	s.status = st
	if st == transport.StatusOpen && s.degraded {
		s.degraded = false
		s.apply(s.rec.Notify(feed.Info, noticeRestored), reconcile.SourcePush)
	}
	s.obs.ConnectionChanged(st, s.degraded)
}

func (s *Session) exhausted() {
	if s.degraded {
		return
	}
	s.degraded = true
	s.apply(s.rec.Notify(feed.Error, noticeDegraded), reconcile.SourcePush)
	s.obs.ConnectionChanged(s.status, true)
}

func (s *Session) pull(reason poller.Reason) {
	s.poll.Pull(s.ctx, reason, s.rec.KnownIDs(), func(res poller.Result) {
		s.post(func() { s.pulled(res) })
	})
	s.obs.RefreshChanged(s.poll.State())
}

func (s *Session) pulled(res poller.Result) {
	s.obs.RefreshChanged(s.poll.Settle(res))
	if res.Err != nil {
		s.metrics.PollFailed()
		if res.Reason == poller.ReasonManual {
			s.apply(s.rec.Notify(feed.Error, noticeRefresh), reconcile.SourceManualRefresh)
		}
		return
	}

	src := reconcile.SourcePoll
	if res.Reason == poller.ReasonManual {
		src = reconcile.SourceManualRefresh
	}
	s.apply(s.rec.Merge(reconcile.Batch{Source: src, Messages: res.Messages, Known: res.Known}), src)
}

func (s *Session) refreshMembers() {
	ctx := s.ctx
	go func() {
		members, err := s.durable.Members(ctx, s.cfg.RoomID)
		s.post(func() {
			if err != nil {
				s.log.Warn().Err(err).Msg("member refresh failed")
				return
			}
			s.rec.SetMembers(members)
			s.obs.MembersChanged(members)
		})
	}()
}

func (s *Session) send(content string) {
	var push outbound.Sender
	if s.conn != nil {
		push = s.conn
	}
	pd, ok := s.out.Begin(content, push)
	if !ok {
		return
	}
	s.publish()
	s.requestScroll()

	s.out.Submit(s.ctx, pd, func(pd outbound.Pending, msg feed.Message, err error) {
		s.post(func() { s.settled(pd, msg, err) })
	})
}

func (s *Session) settled(pd outbound.Pending, msg feed.Message, err error) {
	cycle := s.out.Complete(pd, msg, err)
	s.metrics.SendSettled(err == nil)
	s.publish()

	if cycle && s.conn != nil {
		s.log.Info().Msg("push frame not sent, cycling connection")
		s.conn.CloseAsync("cycling connection")
		s.connect()
	}
}

// apply publishes the outcome of a reconciler call and runs the side effects
// it asks for.
func (s *Session) apply(out reconcile.Outcome, src reconcile.Source) {
	s.metrics.Merged(src.String(), out.Accepted, out.Duplicates)
	if out.Changed() {
		s.publish()
		s.requestScroll()
	}
	if out.FetchRequested && !s.poll.InFlight(poller.ReasonNotification) {
		s.pull(poller.ReasonNotification)
	}
	if out.MembersChanged {
		s.refreshMembers()
	}
}

func (s *Session) publish() {
	snap := s.rec.Snapshot()
	s.mu.Lock()
	s.snapshot = snap
	s.mu.Unlock()
	s.obs.FeedChanged(snap)
}

// requestScroll coalesces scroll requests within ScrollDebounce into one.
func (s *Session) requestScroll() {
	if s.scrollPending {
		return
	}
	s.scrollPending = true
	s.scrollTimer = time.AfterFunc(s.cfg.ScrollDebounce, func() {
		s.post(func() {
			s.scrollPending = false
			s.obs.ScrollToLatest()
		})
	})
}
