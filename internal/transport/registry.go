package transport

import "sync"

// Registry maps each Key to its single live Conn. It holds references only;
// the Conn owns its connection state.
//
// Lock order: Registry.mu is taken before Conn.mu. A Conn never calls into
// the registry while holding its own lock.
type Registry struct {
	mu    sync.Mutex
	conns map[Key]*Conn
}

func NewRegistry() *Registry {
	return &Registry{conns: make(map[Key]*Conn)}
}

// RegisterOrReuse returns the live Conn for key with its handler replaced by
// h, or registers the Conn built by create. A registered Conn that is dead
// (closed with no retry pending) is abandoned and replaced. The bool reports
// reuse.
func (r *Registry) RegisterOrReuse(key Key, h Handler, create func() *Conn) (*Conn, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if c, ok := r.conns[key]; ok {
		if c.Live() {
			c.SetHandler(h)
			return c, true
		}
		c.abandon()
	}

	c := create()
	c.SetHandler(h)
	r.conns[key] = c
	return c, false
}

// Unregister removes c if it is still the registered Conn for key.
func (r *Registry) Unregister(key Key, c *Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.conns[key] == c {
		delete(r.conns, key)
	}
}

func (r *Registry) Lookup(key Key) (*Conn, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.conns[key]
	return c, ok
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.conns)
}
