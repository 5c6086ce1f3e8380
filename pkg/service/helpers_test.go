package service

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/raskyld/corelink/pkg/wire"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func testLogHandler(emitter string) slog.Handler {
	return slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelDebug,
	}).WithAttrs([]slog.Attr{
		{Key: "emitter", Value: slog.StringValue(emitter)},
	})
}

type mockResolver struct {
	m mock.Mock
}

func (r *mockResolver) Resolve(ctx context.Context, service string) (string, error) {
	args := r.m.Called(ctx, service)
	return args.String(0), args.Error(1)
}

// pipeDialer delivers in-memory streams to the queue registered under
// the resolved address.
type pipeDialer struct {
	lk     sync.Mutex
	queues map[string]*ConnQueue
}

func newPipeDialer() *pipeDialer {
	return &pipeDialer{queues: make(map[string]*ConnQueue)}
}

func (d *pipeDialer) register(addr string, q *ConnQueue) {
	d.lk.Lock()
	defer d.lk.Unlock()
	d.queues[addr] = q
}

func (d *pipeDialer) DialService(ctx context.Context, addr, _ string) (Conn, error) {
	d.lk.Lock()
	q, ok := d.queues[addr]
	d.lk.Unlock()
	if !ok {
		return nil, errors.New("no such address")
	}

	local, remote := Pipe()
	if err := q.Deliver(ctx, remote); err != nil {
		local.Close()
		return nil, err
	}
	return local, nil
}

// rawDialer hands the server end of every dialed stream to the test.
type rawDialer struct {
	remotes chan Conn
}

func (d *rawDialer) DialService(_ context.Context, _, _ string) (Conn, error) {
	local, remote := Pipe()
	d.remotes <- remote
	return local, nil
}

func newTestServer(t *testing.T, handler Handler, opts ...Option) (*Server, *ConnQueue) {
	t.Helper()
	q := NewConnQueue()
	opts = append([]Option{
		WithLog(testLogHandler("server")),
		WithMetricSink(nil),
	}, opts...)

	srv, err := NewServer(context.Background(), "echo", q, handler, opts...)
	require.NoError(t, err)
	t.Cleanup(srv.Shutdown)
	return srv, q
}

func attach(t *testing.T, q *ConnQueue) Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	local, remote := Pipe()
	require.NoError(t, q.Deliver(ctx, remote))
	t.Cleanup(func() { local.Close() })
	return local
}

func send(t *testing.T, conn Conn, action wire.Action, payload []byte) {
	t.Helper()
	require.NoError(t, conn.SetWriteDeadline(time.Now().Add(5*time.Second)))
	require.NoError(t, wire.WriteRequest(conn, &wire.Request{Action: action, Payload: payload}))
}

func receive(t *testing.T, conn Conn) *wire.Reply {
	t.Helper()
	rconn, ok := conn.(*pipeConn)
	require.True(t, ok)
	require.NoError(t, rconn.SetReadDeadline(time.Now().Add(5*time.Second)))

	reply, err := wire.ReadReply(conn)
	require.NoError(t, err)
	return reply
}

// requireSilent asserts nothing is sent on conn for a while.
func requireSilent(t *testing.T, conn Conn) {
	t.Helper()
	rconn, ok := conn.(*pipeConn)
	require.True(t, ok)
	require.NoError(t, rconn.SetReadDeadline(time.Now().Add(200*time.Millisecond)))

	buf := make([]byte, 1)
	_, err := conn.Read(buf)
	var nerr net.Error
	require.ErrorAs(t, err, &nerr, "expected a timeout, got %v", err)
	require.True(t, nerr.Timeout())
	require.NoError(t, rconn.SetReadDeadline(time.Time{}))
}

func waitFor[T any](t *testing.T, ch <-chan T) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out")
		var zero T
		return zero
	}
}
