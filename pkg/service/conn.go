package service

import (
	"context"
	"io"
	"net"
	"sync"
	"time"
)

// Conn is one bidirectional stream between a client and a server slot.
//
// Context MUST be cancelled once the stream can no longer be written to,
// we use it to drop writes racing with a teardown.
type Conn interface {
	io.ReadWriteCloser
	SetWriteDeadline(t time.Time) error
	Context() context.Context
}

// Listener produces the streams a `Server` attaches to its slots.
type Listener interface {
	Accept(ctx context.Context) (Conn, error)
}

// Resolver is the discovery collaborator of a `Client`.
//
// Resolve blocks until an address is known for service or ctx is done.
// It is called again every time the client needs a fresh address.
type Resolver interface {
	Resolve(ctx context.Context, service string) (string, error)
}

// Dialer opens a stream to the server of a service.
type Dialer interface {
	DialService(ctx context.Context, addr, service string) (Conn, error)
}

type pipeConn struct {
	net.Conn
	ctx    context.Context
	cancel context.CancelFunc
}

func (pc *pipeConn) Context() context.Context {
	return pc.ctx
}

func (pc *pipeConn) Close() error {
	pc.cancel()
	return pc.Conn.Close()
}

// Pipe returns two connected in-memory streams. Closing either end
// cancels the context of both.
func Pipe() (Conn, Conn) {
	ctx, cancel := context.WithCancel(context.Background())
	a, b := net.Pipe()
	return &pipeConn{Conn: a, ctx: ctx, cancel: cancel},
		&pipeConn{Conn: b, ctx: ctx, cancel: cancel}
}

// ConnQueue is a `Listener` fed by whoever owns the real transport.
type ConnQueue struct {
	ch      chan Conn
	closeCh chan struct{}
	once    sync.Once
}

func NewConnQueue() *ConnQueue {
	return &ConnQueue{
		ch:      make(chan Conn),
		closeCh: make(chan struct{}),
	}
}

func (q *ConnQueue) Accept(ctx context.Context) (Conn, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-q.closeCh:
		return nil, ErrListenerClosed
	case conn := <-q.ch:
		return conn, nil
	}
}

// Deliver hands conn to an acceptor. It blocks until one takes it.
// The caller keeps ownership of conn when an error is returned.
func (q *ConnQueue) Deliver(ctx context.Context, conn Conn) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-q.closeCh:
		return ErrListenerClosed
	case q.ch <- conn:
		return nil
	}
}

func (q *ConnQueue) Close() error {
	q.once.Do(func() {
		close(q.closeCh)
	})
	return nil
}
