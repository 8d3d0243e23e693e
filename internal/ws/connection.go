package ws

import (
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
)

// ErrSendFailed is returned by Connection.Send when a frame could not be
// written because the connection is closed or broken.
var ErrSendFailed = errors.New("ws: send failed")

// Connection represents a single authenticated WebSocket client connection
// with its associated metadata and a write mutex for serializing outbound
// frames. It implements session.Handle.
type Connection struct {
	id        string    // connection ID (UUID)
	Identity  string    // verified username from the connect token
	Conn      net.Conn  // underlying TCP connection
	Fd        int       // file descriptor, -1 off linux
	CreatedAt time.Time // when the connection was established

	in           io.Reader // frame source, Conn unless the poller buffers it
	writeTimeout time.Duration
	writeMu      sync.Mutex // serializes writes to this connection
	lastSeen     atomic.Int64
	processing   int32 // atomic flag: 0 = idle, 1 = being read by handleConn
	closed       atomic.Bool
	announced    atomic.Bool

	hookMu  sync.Mutex
	onClose []func()
	fired   bool
}

func newConnection(id, identity string, conn net.Conn, writeTimeout time.Duration) *Connection {
	c := &Connection{
		id:           id,
		Identity:     identity,
		Conn:         conn,
		in:           conn,
		Fd:           socketFD(conn),
		CreatedAt:    time.Now(),
		writeTimeout: writeTimeout,
	}
	c.Touch()
	return c
}

// Touch records inbound activity on the connection.
func (c *Connection) Touch() {
	c.lastSeen.Store(time.Now().UnixNano())
}

// LastSeen returns the time of the most recent inbound frame.
func (c *Connection) LastSeen() time.Time {
	return time.Unix(0, c.lastSeen.Load())
}

// MarkAnnounced records that a JOIN was published for this connection and
// reports whether it was the first time.
func (c *Connection) MarkAnnounced() bool {
	return c.announced.CompareAndSwap(false, true)
}

// ID returns the connection ID.
func (c *Connection) ID() string {
	return c.id
}

// Send writes a WebSocket text frame to this connection. The write mutex
// ensures that concurrent goroutines do not interleave frame bytes. A failed
// write closes the socket so the read loop reaps the connection.
func (c *Connection) Send(frame []byte) error {
	if c.closed.Load() {
		return fmt.Errorf("%w: connection %s closed", ErrSendFailed, c.id)
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if c.writeTimeout > 0 {
		_ = c.Conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
		defer c.Conn.SetWriteDeadline(time.Time{})
	}
	if err := wsutil.WriteServerMessage(c.Conn, ws.OpText, frame); err != nil {
		_ = c.Close()
		return fmt.Errorf("%w: connection %s: %v", ErrSendFailed, c.id, err)
	}
	return nil
}

// OnClose registers fn to run once when the connection is removed. If the
// connection is already gone, fn runs immediately.
func (c *Connection) OnClose(fn func()) {
	c.hookMu.Lock()
	if c.fired {
		c.hookMu.Unlock()
		fn()
		return
	}
	c.onClose = append(c.onClose, fn)
	c.hookMu.Unlock()
}

// fireClose runs the registered close hooks exactly once.
func (c *Connection) fireClose() {
	c.hookMu.Lock()
	if c.fired {
		c.hookMu.Unlock()
		return
	}
	c.fired = true
	fns := c.onClose
	c.onClose = nil
	c.hookMu.Unlock()

	for _, fn := range fns {
		fn()
	}
}

// Close closes the underlying network connection.
func (c *Connection) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	return c.Conn.Close()
}

// ConnectionManager is a thread-safe registry of live connections keyed by
// connection ID.
type ConnectionManager struct {
	mu   sync.RWMutex
	byID map[string]*Connection
}

// NewConnectionManager creates an empty ConnectionManager ready for use.
func NewConnectionManager() *ConnectionManager {
	return &ConnectionManager{byID: make(map[string]*Connection)}
}

// Add registers a new connection.
func (cm *ConnectionManager) Add(conn *Connection) {
	cm.mu.Lock()
	cm.byID[conn.id] = conn
	cm.mu.Unlock()
}

// Remove removes a connection by ID and closes the underlying network
// connection. Returns true if the connection was found and removed, false if
// it was already gone.
func (cm *ConnectionManager) Remove(id string) bool {
	cm.mu.Lock()
	conn, ok := cm.byID[id]
	delete(cm.byID, id)
	cm.mu.Unlock()

	if ok {
		_ = conn.Close()
	}
	return ok
}

// Get returns the connection for the given ID, or nil if not found.
func (cm *ConnectionManager) Get(id string) *Connection {
	cm.mu.RLock()
	conn := cm.byID[id]
	cm.mu.RUnlock()
	return conn
}

// Count returns the current number of active connections.
func (cm *ConnectionManager) Count() int {
	cm.mu.RLock()
	n := len(cm.byID)
	cm.mu.RUnlock()
	return n
}

// All returns a snapshot of all current connections. The returned slice is
// safe to iterate without holding the lock.
func (cm *ConnectionManager) All() []*Connection {
	cm.mu.RLock()
	conns := make([]*Connection, 0, len(cm.byID))
	for _, conn := range cm.byID {
		conns = append(conns, conn)
	}
	cm.mu.RUnlock()
	return conns
}
