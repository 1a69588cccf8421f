package tcp

import (
	"sync"

	"github.com/irctrakz/tcpstack/pkg/core"
)

// connKey uniquely identifies a connection by its endpoint pair.
type connKey struct {
	local  core.Endpoint
	remote core.Endpoint
}

func (k connKey) String() string {
	return k.local.String() + "-" + k.remote.String()
}

// listener is a passive-open placeholder: a local port waiting for SYNs,
// with a bounded half-open backlog so unanswered handshakes cannot exhaust
// the table.
type listener struct {
	port    uint16
	mu      sync.Mutex
	half    int
	backlog int
}

// reserve claims one half-open slot. It reports false when the backlog is
// full; the caller then drops the SYN silently.
func (l *listener) reserve() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.half >= l.backlog {
		return false
	}
	l.half++
	return true
}

// release frees a half-open slot once the connection establishes or dies.
func (l *listener) release() {
	l.mu.Lock()
	if l.half > 0 {
		l.half--
	}
	l.mu.Unlock()
}

// connTable maps endpoint pairs to control blocks. It is the only structure
// shared across connections; each control block is guarded by its own mutex
// so the table lock covers map access only.
type connTable struct {
	mu        sync.RWMutex
	conns     map[connKey]*conn
	byID      map[uint64]*conn
	listeners map[uint16]*listener
}

func newConnTable() *connTable {
	return &connTable{
		conns:     make(map[connKey]*conn),
		byID:      make(map[uint64]*conn),
		listeners: make(map[uint16]*listener),
	}
}

func (t *connTable) lookup(key connKey) *conn {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.conns[key]
}

func (t *connTable) lookupID(id uint64) *conn {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.byID[id]
}

// insert admits a control block. It reports false when the key is already
// taken.
func (t *connTable) insert(c *conn) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, exists := t.conns[c.key]; exists {
		return false
	}
	t.conns[c.key] = c
	t.byID[c.id] = c
	return true
}

func (t *connTable) remove(c *conn) {
	t.mu.Lock()
	if t.conns[c.key] == c {
		delete(t.conns, c.key)
	}
	delete(t.byID, c.id)
	t.mu.Unlock()
}

// snapshot copies the current connections for lock-free iteration.
func (t *connTable) snapshot() []*conn {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]*conn, 0, len(t.conns))
	for _, c := range t.conns {
		out = append(out, c)
	}
	return out
}

func (t *connTable) count() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.conns)
}

// addListener opens a passive listener on port. It reports false when the
// port already has one.
func (t *connTable) addListener(port uint16, backlog int) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, exists := t.listeners[port]; exists {
		return false
	}
	t.listeners[port] = &listener{port: port, backlog: backlog}
	return true
}

func (t *connTable) lookupListener(port uint16) *listener {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.listeners[port]
}

func (t *connTable) removeListener(port uint16) {
	t.mu.Lock()
	delete(t.listeners, port)
	t.mu.Unlock()
}
