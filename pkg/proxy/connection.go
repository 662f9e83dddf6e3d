// Copyright © 2025 Prabhjot Singh Sethi, All Rights reserved
// Author: Prabhjot Singh Sethi <prabhjot.sethi@gmail.com>

package proxy

import (
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// State is a connection's position in its lifecycle: Reading -> Deciding
// -> {Authenticating | Forwarding | Tunneling | Responding} -> Closed.
type State int32

const (
	StateReading State = iota
	StateDeciding
	StateAuthenticating
	StateForwarding
	StateTunneling
	StateResponding
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateReading:
		return "reading"
	case StateDeciding:
		return "deciding"
	case StateAuthenticating:
		return "authenticating"
	case StateForwarding:
		return "forwarding"
	case StateTunneling:
		return "tunneling"
	case StateResponding:
		return "responding"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Stats summarizes a closed connection for the connectionClosed event.
type Stats struct {
	BytesIn  int64
	BytesOut int64
	Duration time.Duration
}

// Connection tracks one accepted client socket and, when applicable, the
// upstream socket it was bridged to. It is owned exclusively by the Server
// registry that created it.
type Connection struct {
	ID        string
	client    net.Conn
	startedAt time.Time

	state State32

	mu       sync.Mutex
	upstream net.Conn

	bytesIn  atomic.Int64
	bytesOut atomic.Int64
}

// State32 is an atomic wrapper around State so status reads never race with
// the handler goroutine's transitions.
type State32 struct {
	v atomic.Int32
}

func (s *State32) Load() State       { return State(s.v.Load()) }
func (s *State32) Store(state State) { s.v.Store(int32(state)) }

func newConnection(client net.Conn) *Connection {
	c := &Connection{
		ID:        uuid.NewString(),
		client:    client,
		startedAt: time.Now(),
	}
	c.state.Store(StateReading)
	return c
}

// State returns the connection's current lifecycle state.
func (c *Connection) State() State {
	return c.state.Load()
}

func (c *Connection) setState(s State) {
	c.state.Store(s)
}

// RemoteAddr is the client's address, for logging.
func (c *Connection) RemoteAddr() net.Addr {
	return c.client.RemoteAddr()
}

func (c *Connection) setUpstream(conn net.Conn) {
	c.mu.Lock()
	c.upstream = conn
	c.mu.Unlock()
}

func (c *Connection) addBytesIn(n int64) {
	if n > 0 {
		c.bytesIn.Add(n)
	}
}

func (c *Connection) addBytesOut(n int64) {
	if n > 0 {
		c.bytesOut.Add(n)
	}
}

func (c *Connection) stats() Stats {
	return Stats{
		BytesIn:  c.bytesIn.Load(),
		BytesOut: c.bytesOut.Load(),
		Duration: time.Since(c.startedAt),
	}
}

// destroy forcibly closes both sockets, used by forced shutdown and by
// cancellation of in-flight cross-connection I/O.
func (c *Connection) destroy() {
	c.client.Close()
	c.mu.Lock()
	up := c.upstream
	c.mu.Unlock()
	if up != nil {
		up.Close()
	}
}
