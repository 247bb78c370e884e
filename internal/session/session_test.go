package session

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go-livechat/internal/durable"
	"go-livechat/internal/event"
	"go-livechat/internal/feed"
	"go-livechat/internal/poller"
	"go-livechat/internal/transport"
)

const eventually = 3 * time.Second

var alice = feed.Author{ID: 7, Username: "alice"}

type wireMessage struct {
	ID        int64          `json:"id"`
	Content   string         `json:"content"`
	RoomID    int64          `json:"room_id"`
	UserID    int64          `json:"user_id"`
	User      map[string]any `json:"user"`
	CreatedAt time.Time      `json:"created_at"`
}

// chatServer fakes the REST API and the push endpoint for room 1.
type chatServer struct {
	*httptest.Server

	mu          sync.Mutex
	messages    []wireMessage
	nextID      int64
	createErr   string
	wsDown      bool
	memberCalls int
	sockets     []*websocket.Conn
}

func newChatServer(t *testing.T) *chatServer {
	t.Helper()
	cs := &chatServer{nextID: 1}
	up := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/messages/room/{roomID}", func(w http.ResponseWriter, r *http.Request) {
		cs.mu.Lock()
		defer cs.mu.Unlock()
		json.NewEncoder(w).Encode(cs.messages)
	})
	mux.HandleFunc("POST /api/messages", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Content string `json:"content"`
			RoomID  int64  `json:"room_id"`
		}
		json.NewDecoder(r.Body).Decode(&req)
		uid, _ := strconv.ParseInt(r.Header.Get("X-User-ID"), 10, 64)

		cs.mu.Lock()
		defer cs.mu.Unlock()
		if cs.createErr != "" {
			w.WriteHeader(http.StatusForbidden)
			json.NewEncoder(w).Encode(map[string]string{"error": cs.createErr})
			return
		}
		m := cs.addLocked(uid, "alice", req.Content)
		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(m)
	})
	mux.HandleFunc("GET /api/rooms/{roomID}/members", func(w http.ResponseWriter, r *http.Request) {
		cs.mu.Lock()
		cs.memberCalls++
		cs.mu.Unlock()
		w.Write([]byte(`[{"id":7,"username":"alice","status":"online"},{"id":8,"username":"bob","status":"online"}]`))
	})
	mux.HandleFunc("GET /api/ws", func(w http.ResponseWriter, r *http.Request) {
		cs.mu.Lock()
		down := cs.wsDown
		cs.mu.Unlock()
		if down {
			http.Error(w, "unavailable", http.StatusServiceUnavailable)
			return
		}
		ws, err := up.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		cs.mu.Lock()
		cs.sockets = append(cs.sockets, ws)
		cs.mu.Unlock()
		go func() {
			for {
				if _, _, err := ws.ReadMessage(); err != nil {
					return
				}
			}
		}()
	})

	cs.Server = httptest.NewServer(mux)
	t.Cleanup(cs.Close)
	return cs
}

func (cs *chatServer) addLocked(userID int64, username, content string) wireMessage {
	m := wireMessage{
		ID:        cs.nextID,
		Content:   content,
		RoomID:    1,
		UserID:    userID,
		User:      map[string]any{"id": userID, "username": username},
		CreatedAt: time.Now().UTC(),
	}
	cs.nextID++
	cs.messages = append(cs.messages, m)
	return m
}

func (cs *chatServer) add(userID int64, username, content string) wireMessage {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	return cs.addLocked(userID, username, content)
}

func (cs *chatServer) push(t *testing.T, frame string) {
	t.Helper()
	require.Eventually(t, func() bool {
		cs.mu.Lock()
		defer cs.mu.Unlock()
		return len(cs.sockets) > 0
	}, eventually, 10*time.Millisecond)

	cs.mu.Lock()
	ws := cs.sockets[len(cs.sockets)-1]
	cs.mu.Unlock()
	require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte(frame)))
}

func (cs *chatServer) set(fn func(cs *chatServer)) {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	fn(cs)
}

type observer struct {
	mu       sync.Mutex
	scrolls  int
	degraded bool
	statuses []transport.Status
	refresh  []poller.RefreshState
	members  []feed.Member
}

func (o *observer) FeedChanged([]feed.Entry) {}

func (o *observer) ConnectionChanged(st transport.Status, degraded bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.statuses = append(o.statuses, st)
	o.degraded = degraded
}

func (o *observer) RefreshChanged(st poller.RefreshState) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.refresh = append(o.refresh, st)
}

func (o *observer) MembersChanged(m []feed.Member) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.members = m
}

func (o *observer) ScrollToLatest() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.scrolls++
}

func (o *observer) get(fn func(o *observer)) {
	o.mu.Lock()
	defer o.mu.Unlock()
	fn(o)
}

type harness struct {
	srv    *chatServer
	client *transport.Client
	sess   *Session
	obs    *observer
}

func start(t *testing.T, srv *chatServer, mutate func(*Config, *transport.Config)) *harness {
	t.Helper()
	log := zerolog.Nop()

	dc, err := durable.New(durable.Config{BaseURL: srv.URL, Rate: 1000, Burst: 100}, log)
	require.NoError(t, err)
	dc.SetCredentials("tok", alice.ID)

	tcfg := transport.Config{URL: "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/ws"}
	cfg := Config{
		RoomID: 1,
		Self:   alice,
		Poll:   poller.Config{Interval: time.Hour, StaleCheck: time.Hour, StaleAfter: time.Hour},
	}
	if mutate != nil {
		mutate(&cfg, &tcfg)
	}
	tc, err := transport.NewClient(tcfg, transport.NewRegistry(), nil, log)
	require.NoError(t, err)

	obs := &observer{}
	sess := New(cfg, tc, dc, obs, nil, log)
	sess.Start(t.Context())
	t.Cleanup(sess.Stop)
	return &harness{srv: srv, client: tc, sess: sess, obs: obs}
}

func messages(s *Session) []feed.Message {
	var out []feed.Message
	for _, e := range s.Feed() {
		if e.Kind == feed.KindMessage {
			out = append(out, e.Message)
		}
	}
	return out
}

func notices(s *Session) []feed.SystemNotice {
	var out []feed.SystemNotice
	for _, e := range s.Feed() {
		if e.Kind == feed.KindNotice {
			out = append(out, e.Notice)
		}
	}
	return out
}

func waitOpen(t *testing.T, h *harness) {
	t.Helper()
	require.Eventually(t, func() bool {
		c, ok := h.client.Registry().Lookup(transport.Key{RoomID: 1, UserID: 7})
		return ok && c.IsOpen()
	}, eventually, 10*time.Millisecond)
}

// onLoop runs fn on the session loop behind every transport callback queued
// so far and waits for it.
func onLoop(t *testing.T, s *Session, fn func()) {
	t.Helper()
	done := make(chan struct{})
	s.enqueue(func() {
		fn()
		close(done)
	})
	select {
	case <-done:
	case <-time.After(eventually):
		t.Fatal("session loop did not run the task")
	}
}

func countID(msgs []feed.Message, id int64) int {
	n := 0
	for _, m := range msgs {
		if m.ID == id {
			n++
		}
	}
	return n
}

func TestSession_InitialLoad(t *testing.T) {
	srv := newChatServer(t)
	srv.add(8, "bob", "one")
	srv.add(8, "bob", "two")

	h := start(t, srv, nil)

	require.Eventually(t, func() bool { return len(messages(h.sess)) == 2 }, eventually, 10*time.Millisecond)
	require.Eventually(t, func() bool {
		c, ok := h.client.Registry().Lookup(transport.Key{RoomID: 1, UserID: 7})
		return ok && c.IsOpen()
	}, eventually, 10*time.Millisecond)
	require.Eventually(t, func() bool {
		var n int
		h.obs.get(func(o *observer) { n = len(o.members) })
		return n == 2
	}, eventually, 10*time.Millisecond)
}

func TestSession_SendIsConfirmedOnce(t *testing.T) {
	srv := newChatServer(t)
	h := start(t, srv, func(c *Config, _ *transport.Config) { c.Poll.Interval = 30 * time.Millisecond })
	waitOpen(t, h)

	h.sess.Send("   ")
	h.sess.Send("hi")

	require.Eventually(t, func() bool {
		msgs := messages(h.sess)
		return len(msgs) == 1 && msgs[0].Status == feed.Confirmed
	}, eventually, 10*time.Millisecond)

	// The server echoes the record over push and polls keep returning it.
	srv.push(t, `{"type":"new_message","id":1,"room_id":1,"user_id":7,"content":"hi"}`)
	time.Sleep(200 * time.Millisecond)

	msgs := messages(h.sess)
	require.Len(t, msgs, 1)
	assert.Equal(t, int64(1), msgs[0].ID)
	assert.Equal(t, "hi", msgs[0].Content)
	assert.Equal(t, feed.Local, msgs[0].Origin)
}

func TestSession_SendFailureStaysVisible(t *testing.T) {
	srv := newChatServer(t)
	srv.set(func(cs *chatServer) { cs.createErr = "room closed" })
	h := start(t, srv, nil)

	h.sess.Send("hi")

	require.Eventually(t, func() bool {
		msgs := messages(h.sess)
		return len(msgs) == 1 && msgs[0].Status == feed.Failed
	}, eventually, 10*time.Millisecond)
	msgs := messages(h.sess)
	assert.Equal(t, "hi", msgs[0].Content)
	assert.Equal(t, "room closed", msgs[0].Error)
}

func TestSession_BareNotificationTriggersPull(t *testing.T) {
	srv := newChatServer(t)
	h := start(t, srv, nil)
	require.Eventually(t, func() bool {
		c, ok := h.client.Registry().Lookup(transport.Key{RoomID: 1, UserID: 7})
		return ok && c.IsOpen()
	}, eventually, 10*time.Millisecond)

	m := srv.add(8, "bob", "fetched")
	srv.push(t, fmt.Sprintf(`{"type":"new_message","data":{"message_id":%d}}`, m.ID))

	require.Eventually(t, func() bool {
		msgs := messages(h.sess)
		return len(msgs) == 1 && msgs[0].Content == "fetched"
	}, eventually, 10*time.Millisecond)
}

func TestSession_PollAndPushSameIDOnce(t *testing.T) {
	srv := newChatServer(t)
	h := start(t, srv, func(c *Config, _ *transport.Config) { c.Poll.Interval = 20 * time.Millisecond })

	m := srv.add(8, "bob", "seven")
	srv.push(t, fmt.Sprintf(`{"type":"message","id":%d,"room_id":1,"user_id":8,"user":{"id":8,"username":"bob"},"content":"seven"}`, m.ID))

	require.Eventually(t, func() bool { return countID(messages(h.sess), m.ID) == 1 }, eventually, 10*time.Millisecond)
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 1, countID(messages(h.sess), m.ID))
}

func TestSession_ExhaustedReconnectsStillDeliver(t *testing.T) {
	srv := newChatServer(t)
	srv.set(func(cs *chatServer) { cs.wsDown = true })
	h := start(t, srv, func(c *Config, tc *transport.Config) {
		c.Poll.Interval = 50 * time.Millisecond
		tc.Backoff = transport.Backoff{Base: time.Millisecond, Cap: 5 * time.Millisecond, MaxAttempts: 2}
	})

	require.Eventually(t, func() bool {
		var degraded bool
		h.obs.get(func(o *observer) { degraded = o.degraded })
		return degraded
	}, eventually, 10*time.Millisecond)

	srv.add(8, "bob", "sent elsewhere")
	require.Eventually(t, func() bool {
		msgs := messages(h.sess)
		return len(msgs) == 1 && msgs[0].Content == "sent elsewhere"
	}, 10*time.Second, 20*time.Millisecond)

	ns := notices(h.sess)
	require.Len(t, ns, 1)
	assert.Equal(t, feed.Error, ns[0].Severity)
}

func TestSession_WatchdogRestoresConnection(t *testing.T) {
	srv := newChatServer(t)
	srv.set(func(cs *chatServer) { cs.wsDown = true })
	h := start(t, srv, func(c *Config, tc *transport.Config) {
		c.Watchdog = 30 * time.Millisecond
		tc.Backoff = transport.Backoff{Base: time.Millisecond, Cap: 5 * time.Millisecond, MaxAttempts: 1}
	})

	require.Eventually(t, func() bool {
		var degraded bool
		h.obs.get(func(o *observer) { degraded = o.degraded })
		return degraded
	}, eventually, 10*time.Millisecond)

	srv.set(func(cs *chatServer) { cs.wsDown = false })

	require.Eventually(t, func() bool {
		for _, n := range notices(h.sess) {
			if n.Content == noticeRestored {
				return true
			}
		}
		return false
	}, eventually, 10*time.Millisecond)

	var degraded bool
	h.obs.get(func(o *observer) { degraded = o.degraded })
	assert.False(t, degraded)
}

func TestSession_ManualRefresh(t *testing.T) {
	srv := newChatServer(t)
	h := start(t, srv, nil)
	require.Eventually(t, func() bool {
		var n int
		h.obs.get(func(o *observer) { n = len(o.refresh) })
		return n >= 2
	}, eventually, 10*time.Millisecond)

	h.sess.Refresh()
	require.Eventually(t, func() bool {
		ns := notices(h.sess)
		return len(ns) == 1 && ns[0].Content == "No new messages"
	}, eventually, 10*time.Millisecond)

	srv.add(8, "bob", "a")
	srv.add(8, "bob", "b")
	h.sess.Refresh()
	require.Eventually(t, func() bool {
		ns := notices(h.sess)
		return len(ns) == 2 && ns[1].Content == "Refreshed: 2 new messages"
	}, eventually, 10*time.Millisecond)
}

func TestSession_MembershipEventRefreshesMembers(t *testing.T) {
	srv := newChatServer(t)
	h := start(t, srv, nil)
	require.Eventually(t, func() bool {
		var n int
		srv.set(func(cs *chatServer) { n = cs.memberCalls })
		return n == 1
	}, eventually, 10*time.Millisecond)

	srv.push(t, `{"type":"user_connected","room_id":1,"user_id":8}`)

	require.Eventually(t, func() bool {
		var n int
		srv.set(func(cs *chatServer) { n = cs.memberCalls })
		return n == 2
	}, eventually, 10*time.Millisecond)
	assert.Empty(t, h.sess.Feed())
}

func TestSession_ScrollIsDebounced(t *testing.T) {
	srv := newChatServer(t)
	srv.add(8, "bob", "x")
	h := start(t, srv, nil)
	require.Eventually(t, func() bool { return len(messages(h.sess)) == 1 }, eventually, 10*time.Millisecond)

	for i := range 5 {
		h.sess.Send(fmt.Sprintf("burst %d", i))
	}

	require.Eventually(t, func() bool { return len(messages(h.sess)) == 6 }, eventually, 10*time.Millisecond)
	time.Sleep(250 * time.Millisecond)

	var scrolls int
	h.obs.get(func(o *observer) { scrolls = o.scrolls })
	assert.GreaterOrEqual(t, scrolls, 1)
	assert.LessOrEqual(t, scrolls, 3)
}

func TestSession_StopClosesConnection(t *testing.T) {
	srv := newChatServer(t)
	h := start(t, srv, nil)
	require.Eventually(t, func() bool {
		c, ok := h.client.Registry().Lookup(transport.Key{RoomID: 1, UserID: 7})
		return ok && c.IsOpen()
	}, eventually, 10*time.Millisecond)

	h.sess.Stop()

	assert.Equal(t, 0, h.client.Registry().Len())
	select {
	case <-h.sess.Done():
	default:
		t.Fatal("loop still running")
	}
	h.sess.Send("after stop")
	assert.Empty(t, h.sess.Feed())
}

func TestSession_SendWhileDisconnectedCyclesConnection(t *testing.T) {
	srv := newChatServer(t)
	srv.set(func(cs *chatServer) { cs.wsDown = true })
	h := start(t, srv, func(_ *Config, tc *transport.Config) {
		tc.Backoff = transport.Backoff{Base: time.Millisecond, Cap: 5 * time.Millisecond, MaxAttempts: 1}
	})
	require.Eventually(t, func() bool {
		var degraded bool
		h.obs.get(func(o *observer) { degraded = o.degraded })
		return degraded
	}, eventually, 10*time.Millisecond)

	var old *transport.Conn
	onLoop(t, h.sess, func() { old = h.sess.conn })
	require.NotNil(t, old)

	srv.set(func(cs *chatServer) { cs.wsDown = false })
	h.sess.Send("hi")

	require.Eventually(t, func() bool {
		msgs := messages(h.sess)
		return len(msgs) == 1 && msgs[0].Status == feed.Confirmed
	}, eventually, 10*time.Millisecond)
	var cur *transport.Conn
	onLoop(t, h.sess, func() { cur = h.sess.conn })
	require.NotSame(t, old, cur)
	assert.False(t, old.Live())
	waitOpen(t, h)
}

func TestSession_StaleConnectionCallbacksIgnored(t *testing.T) {
	srv := newChatServer(t)
	h := start(t, srv, nil)
	waitOpen(t, h)

	var old *transport.Conn
	onLoop(t, h.sess, func() {
		old = h.sess.conn
		h.sess.conn.Close("switching")
		h.sess.connect()
	})
	waitOpen(t, h)

	stale := event.Message{
		Type:    event.TypeMessage,
		ID:      99,
		RoomID:  1,
		UserID:  8,
		Author:  &event.Author{ID: 8, Username: "bob"},
		Content: "from the old socket",
	}
	h.sess.handler.Inbound(old, stale)
	h.sess.handler.StatusChanged(old, transport.StatusClosed)
	h.sess.handler.Exhausted(old)

	var (
		cur      *transport.Conn
		status   transport.Status
		degraded bool
	)
	onLoop(t, h.sess, func() { cur, status, degraded = h.sess.conn, h.sess.status, h.sess.degraded })
	require.NotSame(t, old, cur)
	assert.NotEqual(t, transport.StatusClosed, status)
	assert.False(t, degraded)
	assert.Empty(t, h.sess.Feed())

	live := stale
	live.Content = "from the new socket"
	h.sess.handler.Inbound(cur, live)
	onLoop(t, h.sess, func() {})

	msgs := messages(h.sess)
	require.Len(t, msgs, 1)
	assert.Equal(t, "from the new socket", msgs[0].Content)
}

func TestSession_TransportCallbacksRunInOrder(t *testing.T) {
	srv := newChatServer(t)
	h := start(t, srv, nil)

	const n = 2 * taskQueueSize
	var seen []int
	for i := range n {
		h.sess.enqueue(func() { seen = append(seen, i) })
	}

	var got []int
	onLoop(t, h.sess, func() { got = append(got, seen...) })
	require.Len(t, got, n)
	for i, v := range got {
		require.Equal(t, i, v)
	}
}
