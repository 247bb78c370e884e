package session

import (
	"go-livechat/internal/event"
	"go-livechat/internal/reconcile"
	"go-livechat/internal/transport"
)

// connHandler moves transport callbacks onto the session loop. Callbacks from
// a connection the session no longer holds are dropped there.
type connHandler struct {
	s *Session
}

func (h *connHandler) Inbound(c *transport.Conn, ev event.Event) {
	h.s.enqueue(func() {
		if c != h.s.conn {
			return
		}
		h.s.apply(h.s.rec.MergeEvent(ev), reconcile.SourcePush)
	})
}

func (h *connHandler) StatusChanged(c *transport.Conn, st transport.Status) {
	h.s.enqueue(func() {
		if c != h.s.conn {
			return
		}
		h.s.setStatus(st)
	})
}

func (h *connHandler) Exhausted(c *transport.Conn) {
	h.s.enqueue(func() {
		if c != h.s.conn {
			return
		}
		h.s.exhausted()
	})
}
