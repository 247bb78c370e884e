package main

import (
	"fmt"
	"io"
	"strconv"
	"sync"

	"go-livechat/internal/feed"
	"go-livechat/internal/poller"
	"go-livechat/internal/transport"
)

// terminal prints feed changes as lines. It remembers what it has shown so
// each snapshot only prints new entries and status changes.
type terminal struct {
	mu      sync.Mutex
	out     io.Writer
	shown   map[string]feed.Status
	members []feed.Member
	errors  int
}

func newTerminal(out io.Writer) *terminal {
	return &terminal{out: out, shown: make(map[string]feed.Status)}
}

func entryKey(e feed.Entry) string {
	if e.Kind == feed.KindNotice {
		return e.Notice.ID
	}
	if e.Message.TempID != "" {
		return e.Message.TempID
	}
	return "id:" + strconv.FormatInt(e.Message.ID, 10)
}

func (t *terminal) FeedChanged(entries []feed.Entry) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, e := range entries {
		key := entryKey(e)
		status := e.Message.Status
		if prev, ok := t.shown[key]; ok && (e.Kind == feed.KindNotice || prev == status) {
			continue
		}
		_, seen := t.shown[key]
		t.shown[key] = status
		t.print(e, seen)
	}
}

func (t *terminal) print(e feed.Entry, update bool) {
	if e.Kind == feed.KindNotice {
		mark := "*"
		if e.Notice.Severity == feed.Error {
			mark = "!"
		}
		fmt.Fprintf(t.out, "%s %s\n", mark, e.Notice.Content)
		return
	}

	m := e.Message
	line := fmt.Sprintf("[%s] %s: %s", m.CreatedAt.Local().Format("15:04"), m.Author.Username, m.Content)
	switch m.Status {
	case feed.Pending:
		line += " (sending)"
	case feed.Failed:
		line += " (failed: " + m.Error + ")"
	case feed.Confirmed:
		if update {
			line = "  ✓ " + m.Content
		}
	}
	fmt.Fprintln(t.out, line)
}

func (t *terminal) ConnectionChanged(status transport.Status, degraded bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if degraded {
		fmt.Fprintf(t.out, "-- connection %s (live updates off, polling)\n", status)
		return
	}
	fmt.Fprintf(t.out, "-- connection %s\n", status)
}

func (t *terminal) RefreshChanged(st poller.RefreshState) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if st.ErrorCount > t.errors {
		fmt.Fprintf(t.out, "-- refresh failing (%d in a row)\n", st.ErrorCount)
	}
	t.errors = st.ErrorCount
}

func (t *terminal) MembersChanged(members []feed.Member) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.members = members
}

func (t *terminal) ScrollToLatest() {}

func (t *terminal) printMembers() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.members) == 0 {
		fmt.Fprintln(t.out, "-- no members loaded yet")
		return
	}
	for _, m := range t.members {
		fmt.Fprintf(t.out, "   %s (%s)\n", m.Username, m.Status)
	}
}
