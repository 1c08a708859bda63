// Package registry tracks live stream connections so they can be listed and
// force-closed when the server shuts down.
package registry

import (
	"net"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// Client is one accepted stream connection. The registry only references it;
// the connection's worker owns it.
type Client struct {
	id          string
	conn        net.Conn
	remoteAddr  string
	connectedAt time.Time

	framesSent atomic.Uint64
	bytesSent  atomic.Uint64

	closed    atomic.Bool
	closeOnce sync.Once
	closeErr  error
}

func newClient(conn net.Conn) *Client {
	c := &Client{
		id:          uuid.NewString(),
		conn:        conn,
		connectedAt: time.Now(),
	}
	if addr := conn.RemoteAddr(); addr != nil {
		c.remoteAddr = addr.String()
	}
	return c
}

// ID returns the client's unique identifier.
func (c *Client) ID() string { return c.id }

// Conn returns the underlying connection.
func (c *Client) Conn() net.Conn { return c.conn }

// RemoteAddr returns the peer address captured at accept time.
func (c *Client) RemoteAddr() string { return c.remoteAddr }

// Alive reports whether the connection has not been closed yet.
func (c *Client) Alive() bool { return !c.closed.Load() }

// RecordFrame adds one sent chunk of n payload bytes to the client's counters.
func (c *Client) RecordFrame(n int) {
	c.framesSent.Add(1)
	c.bytesSent.Add(uint64(n))
}

// Close closes the connection. Safe to call from any goroutine, any number of times.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		c.closeErr = c.conn.Close()
	})
	return c.closeErr
}

// Info is a point-in-time view of a client for status reporting.
type Info struct {
	ID          string    `json:"id"`
	RemoteAddr  string    `json:"remote_addr"`
	ConnectedAt time.Time `json:"connected_at"`
	FramesSent  uint64    `json:"frames_sent"`
	BytesSent   uint64    `json:"bytes_sent"`
}

// Info returns a snapshot of the client.
func (c *Client) Info() Info {
	return Info{
		ID:          c.id,
		RemoteAddr:  c.remoteAddr,
		ConnectedAt: c.connectedAt,
		FramesSent:  c.framesSent.Load(),
		BytesSent:   c.bytesSent.Load(),
	}
}

// Registry is a concurrent set of clients keyed by ID.
type Registry struct {
	mu      sync.RWMutex
	clients map[string]*Client
}

// New returns an empty registry.
func New() *Registry {
	return &Registry{clients: make(map[string]*Client)}
}

// Add wraps conn in a new Client and tracks it.
func (r *Registry) Add(conn net.Conn) *Client {
	c := newClient(conn)
	r.mu.Lock()
	r.clients[c.id] = c
	r.mu.Unlock()
	return c
}

// Remove stops tracking the client. It reports whether the client was present.
func (r *Registry) Remove(c *Client) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.clients[c.id]; !ok {
		return false
	}
	delete(r.clients, c.id)
	return true
}

// Len returns the number of tracked clients.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.clients)
}

// Snapshot returns info for every tracked client, oldest first.
func (r *Registry) Snapshot() []Info {
	r.mu.RLock()
	infos := make([]Info, 0, len(r.clients))
	for _, c := range r.clients {
		infos = append(infos, c.Info())
	}
	r.mu.RUnlock()

	sort.Slice(infos, func(i, j int) bool {
		return infos[i].ConnectedAt.Before(infos[j].ConnectedAt)
	})
	return infos
}

// CloseAll closes every tracked connection and returns how many were closed.
// Clients stay registered until their workers remove them.
func (r *Registry) CloseAll() int {
	r.mu.RLock()
	clients := make([]*Client, 0, len(r.clients))
	for _, c := range r.clients {
		clients = append(clients, c)
	}
	r.mu.RUnlock()

	for _, c := range clients {
		_ = c.Close()
	}
	return len(clients)
}
