package relay

import (
	"net"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
)

// Conn represents a single client connection with its associated metadata
// and a write mutex for serializing outbound frames.
type Conn struct {
	ID        string   // connection ID (UUID)
	User      string   // username bound at upgrade time
	NetConn   net.Conn // underlying TCP connection
	CreatedAt time.Time
	writeMu   sync.Mutex
}

// WriteFrame sends a text frame to this connection. The write mutex ensures
// concurrent goroutines do not interleave frame bytes.
func (c *Conn) WriteFrame(frame string) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return wsutil.WriteServerMessage(c.NetConn, ws.OpText, []byte(frame))
}

// WritePing sends a WebSocket protocol-level ping frame. Browsers and the
// client adapter answer with a pong automatically.
func (c *Conn) WritePing() error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return ws.WriteFrame(c.NetConn, ws.NewPingFrame(nil))
}

// Close closes the underlying network connection.
func (c *Conn) Close() error {
	return c.NetConn.Close()
}

// Registry is a thread-safe map of usernames to their live connections.
// One user holds at most one connection per instance; a reconnect evicts
// the previous channel.
type Registry struct {
	mu     sync.RWMutex
	byUser map[string]*Conn
}

// NewRegistry creates an empty Registry ready for use.
func NewRegistry() *Registry {
	return &Registry{byUser: make(map[string]*Conn)}
}

// Add registers a connection and returns the evicted previous connection
// for the same user, if any. The caller closes the evicted one.
func (r *Registry) Add(conn *Conn) *Conn {
	r.mu.Lock()
	prev := r.byUser[conn.User]
	r.byUser[conn.User] = conn
	r.mu.Unlock()
	return prev
}

// Remove removes the given connection if it is still the user's current
// one. Returns true if it was removed; false means a newer connection for
// the same user already replaced it.
func (r *Registry) Remove(conn *Conn) bool {
	r.mu.Lock()
	current, ok := r.byUser[conn.User]
	if ok && current.ID == conn.ID {
		delete(r.byUser, conn.User)
		r.mu.Unlock()
		return true
	}
	r.mu.Unlock()
	return false
}

// Get returns the connection for the given user, or nil if not connected
// to this instance.
func (r *Registry) Get(user string) *Conn {
	r.mu.RLock()
	conn := r.byUser[user]
	r.mu.RUnlock()
	return conn
}

// Count returns the current number of active connections.
func (r *Registry) Count() int {
	r.mu.RLock()
	n := len(r.byUser)
	r.mu.RUnlock()
	return n
}

// All returns a snapshot of all current connections, safe to iterate
// without holding the lock.
func (r *Registry) All() []*Conn {
	r.mu.RLock()
	conns := make([]*Conn, 0, len(r.byUser))
	for _, conn := range r.byUser {
		conns = append(conns, conn)
	}
	r.mu.RUnlock()
	return conns
}

// Broadcast sends a frame to every connected user except the named one.
// Errors on individual connections are ignored; failed connections are
// cleaned up when their read loop exits.
func (r *Registry) Broadcast(frame string, except string) {
	for _, conn := range r.All() {
		if conn.User == except {
			continue
		}
		_ = conn.WriteFrame(frame)
	}
}
