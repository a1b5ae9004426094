// Package transport carries wire.Message envelopes between peers. The
// spec treats the TCP-based RPC transport as an external collaborator
// in principle, but a message contract with no carrier cannot be
// exercised or tested end to end, so this package provides a minimal
// reference implementation in the teacher's networking idiom
// (internal/gossip/node.go's listen/read/write loop), adapted from UDP
// datagrams to framed TCP streams.
package transport

import (
	"bufio"
	"context"
	"net"
	"sync"
	"time"

	"github.com/linkstate/kvstore/internal/wire"
)

// Conn is a framed, bidirectional channel to one peer.
type Conn interface {
	Send(ctx context.Context, msg wire.Message) error
	Recv(ctx context.Context) (wire.Message, error)
	RemoteAddr() string
	Close() error
}

// tcpConn wraps a net.Conn with length-prefixed gob framing and
// context-aware deadlines.
type tcpConn struct {
	conn net.Conn
	r    *bufio.Reader
	mu   sync.Mutex // guards writes; reads are single-reader per session
}

func newTCPConn(c net.Conn) *tcpConn {
	return &tcpConn{conn: c, r: bufio.NewReader(c)}
}

func (c *tcpConn) Send(ctx context.Context, msg wire.Message) error {
	if deadline, ok := ctx.Deadline(); ok {
		_ = c.conn.SetWriteDeadline(deadline)
	} else {
		_ = c.conn.SetWriteDeadline(time.Time{})
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return wire.Encode(c.conn, msg)
}

func (c *tcpConn) Recv(ctx context.Context) (wire.Message, error) {
	if deadline, ok := ctx.Deadline(); ok {
		_ = c.conn.SetReadDeadline(deadline)
	} else {
		_ = c.conn.SetReadDeadline(time.Time{})
	}
	return wire.Decode(c.r)
}

func (c *tcpConn) RemoteAddr() string { return c.conn.RemoteAddr().String() }

func (c *tcpConn) Close() error { return c.conn.Close() }

// Dialer opens outbound peer connections.
type Dialer struct {
	Timeout time.Duration
}

// Dial connects to addr, returning a framed Conn.
func (d Dialer) Dial(ctx context.Context, addr string) (Conn, error) {
	dialer := &net.Dialer{Timeout: d.Timeout}
	c, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	return newTCPConn(c), nil
}

// Listener accepts inbound peer connections.
type Listener struct {
	ln net.Listener
}

// Listen binds addr and returns a Listener.
func Listen(addr string) (*Listener, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	return &Listener{ln: ln}, nil
}

// Addr returns the bound local address.
func (l *Listener) Addr() string { return l.ln.Addr().String() }

// Accept blocks for the next inbound connection.
func (l *Listener) Accept() (Conn, error) {
	c, err := l.ln.Accept()
	if err != nil {
		return nil, err
	}
	return newTCPConn(c), nil
}

// Close stops accepting new connections.
func (l *Listener) Close() error { return l.ln.Close() }
