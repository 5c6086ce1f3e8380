package service

import (
	"context"
	"testing"
	"time"

	"github.com/raskyld/corelink/pkg/wire"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, resolver Resolver, dialer Dialer) *Client {
	t.Helper()
	cl, err := NewClient(
		context.Background(),
		"echo",
		resolver,
		dialer,
		WithLog(testLogHandler("client")),
		WithMetricSink(nil),
		WithBackoff(10*time.Millisecond, 50*time.Millisecond),
	)
	require.NoError(t, err)
	t.Cleanup(func() { cl.Close() })
	return cl
}

func requireConnected(t *testing.T, cl *Client) {
	t.Helper()
	require.Eventually(t, cl.Connected, 5*time.Second, 10*time.Millisecond)
}

// readRequests drains conn, in-memory streams block writers until the
// data is read.
func readRequests(conn Conn) <-chan *wire.Request {
	requests := make(chan *wire.Request, 8)
	go func() {
		defer close(requests)
		for {
			req, err := wire.ReadRequest(conn)
			if err != nil {
				return
			}
			requests <- req
		}
	}()
	return requests
}

func requireNoRequest(t *testing.T, requests <-chan *wire.Request) {
	t.Helper()
	select {
	case req, ok := <-requests:
		if ok {
			t.Fatalf("unexpected request sent: %s", req.Action)
		}
	case <-time.After(200 * time.Millisecond):
	}
}

func TestClient_Succeeded(t *testing.T) {
	_, q := newTestServer(t, HandlerFunc(func(call *Call, request []byte) []byte {
		call.SetSucceeded()
		return append([]byte("echo:"), request...)
	}))

	dialer := newPipeDialer()
	dialer.register("srv-a", q)
	resolver := &mockResolver{}
	resolver.m.On("Resolve", mock.Anything, "echo").Return("srv-a", nil)

	cl := newTestClient(t, resolver, dialer)
	requireConnected(t, cl)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	pending, err := cl.Request(ctx, []byte("P"))
	require.NoError(t, err)

	reply, err := pending.Wait(ctx)
	require.NoError(t, err)
	require.Equal(t, Succeeded, reply.Status)
	require.Equal(t, "echo:P", string(reply.Payload))
	require.Equal(t, Succeeded, cl.Status())

	// The client accepts the next call once the previous one ended.
	pending, err = cl.Request(ctx, []byte("Q"))
	require.NoError(t, err)
	reply, err = pending.Wait(ctx)
	require.NoError(t, err)
	require.Equal(t, "echo:Q", string(reply.Payload))
}

func TestClient_Cancel(t *testing.T) {
	started := make(chan struct{})
	_, q := newTestServer(t, HandlerFunc(func(call *Call, _ []byte) []byte {
		close(started)
		for !call.IsCancelRequested() {
			select {
			case <-call.Context().Done():
				return nil
			case <-time.After(5 * time.Millisecond):
			}
		}
		call.SetAborted()
		return nil
	}))

	dialer := newPipeDialer()
	dialer.register("srv-a", q)
	resolver := &mockResolver{}
	resolver.m.On("Resolve", mock.Anything, "echo").Return("srv-a", nil)

	cl := newTestClient(t, resolver, dialer)
	requireConnected(t, cl)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	pending, err := cl.Request(ctx, nil)
	require.NoError(t, err)
	waitFor(t, started)

	require.True(t, cl.Cancel())

	reply, err := pending.Wait(ctx)
	require.NoError(t, err)
	require.Equal(t, Aborted, reply.Status)

	require.False(t, cl.Cancel(), "nothing left to cancel")
}

func TestClient_AtMostOneOutstanding(t *testing.T) {
	dialer := &rawDialer{remotes: make(chan Conn, 1)}
	resolver := &mockResolver{}
	resolver.m.On("Resolve", mock.Anything, "echo").Return("raw", nil)

	cl := newTestClient(t, resolver, dialer)
	remote := waitFor(t, dialer.remotes)
	t.Cleanup(func() { remote.Close() })
	requests := readRequests(remote)
	requireConnected(t, cl)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	// No call, nothing to cancel and nothing sent.
	require.False(t, cl.Cancel())
	requireNoRequest(t, requests)

	pending, err := cl.Request(ctx, []byte("first"))
	require.NoError(t, err)

	req := waitFor(t, requests)
	require.Equal(t, wire.ActionNewCall, req.Action)
	require.Equal(t, "first", string(req.Payload))

	_, err = cl.Request(ctx, []byte("second"))
	require.ErrorIs(t, err, ErrCallInFlight)
	requireNoRequest(t, requests)

	require.True(t, cl.Cancel())
	require.Equal(t, wire.ActionCancel, waitFor(t, requests).Action)

	// A non terminal reply is informational only.
	require.NoError(t, wire.WriteReply(remote, &wire.Reply{Status: CancelRequested}))
	require.Eventually(t, func() bool {
		return cl.Status() == CancelRequested
	}, 5*time.Second, 10*time.Millisecond)
	select {
	case <-pending.Done():
		t.Fatalf("a non terminal reply must not resolve the call")
	default:
	}

	require.NoError(t, wire.WriteReply(remote, &wire.Reply{Status: Failed, Payload: []byte("nope")}))
	reply, err := pending.Wait(ctx)
	require.NoError(t, err)
	require.Equal(t, Failed, reply.Status)
	require.Equal(t, "nope", string(reply.Payload))

	_, err = cl.Request(ctx, []byte("third"))
	require.NoError(t, err)
	require.Equal(t, "third", string(waitFor(t, requests).Payload))
}

func TestClient_StreamClosedThenReset(t *testing.T) {
	calls := make(chan struct{}, 1)
	blocking := HandlerFunc(func(call *Call, _ []byte) []byte {
		calls <- struct{}{}
		<-call.Context().Done()
		return nil
	})
	srvA, qA := newTestServer(t, blocking)

	_, qB := newTestServer(t, HandlerFunc(func(call *Call, request []byte) []byte {
		call.SetSucceeded()
		return request
	}))

	dialer := newPipeDialer()
	dialer.register("srv-a", qA)
	dialer.register("srv-b", qB)

	resolver := &mockResolver{}
	resolver.m.On("Resolve", mock.Anything, "echo").Return("srv-a", nil).Once()
	resolver.m.On("Resolve", mock.Anything, "echo").Return("srv-b", nil)

	cl := newTestClient(t, resolver, dialer)
	requireConnected(t, cl)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	pending, err := cl.Request(ctx, []byte("doomed"))
	require.NoError(t, err)
	waitFor(t, calls)

	// The server dies in the middle of the call.
	srvA.Shutdown()

	_, err = pending.Wait(ctx)
	require.ErrorIs(t, err, ErrStreamClosed)
	require.False(t, cl.Connected())

	_, err = cl.Request(ctx, []byte("too early"))
	require.ErrorIs(t, err, ErrNotConnected)

	require.NoError(t, cl.Reset())
	requireConnected(t, cl)

	pending, err = cl.Request(ctx, []byte("again"))
	require.NoError(t, err)
	reply, err := pending.Wait(ctx)
	require.NoError(t, err)
	require.Equal(t, Succeeded, reply.Status)
	require.Equal(t, "again", string(reply.Payload))

	resolver.m.AssertNumberOfCalls(t, "Resolve", 2)
}

func TestClient_RetriesUntilResolved(t *testing.T) {
	_, q := newTestServer(t, HandlerFunc(func(call *Call, _ []byte) []byte {
		call.SetSucceeded()
		return nil
	}))

	dialer := newPipeDialer()
	resolver := &mockResolver{}
	resolver.m.On("Resolve", mock.Anything, "echo").Return("srv-late", nil)

	cl := newTestClient(t, resolver, dialer)

	// Dialing fails until the address exists.
	time.Sleep(100 * time.Millisecond)
	require.False(t, cl.Connected())

	dialer.register("srv-late", q)
	requireConnected(t, cl)
}

func TestClient_Close(t *testing.T) {
	dialer := &rawDialer{remotes: make(chan Conn, 1)}
	resolver := &mockResolver{}
	resolver.m.On("Resolve", mock.Anything, "echo").Return("raw", nil)

	cl := newTestClient(t, resolver, dialer)
	remote := waitFor(t, dialer.remotes)
	t.Cleanup(func() { remote.Close() })
	requests := readRequests(remote)
	requireConnected(t, cl)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	pending, err := cl.Request(ctx, nil)
	require.NoError(t, err)
	waitFor(t, requests)

	require.NoError(t, cl.Close())
	_, err = pending.Wait(ctx)
	require.ErrorIs(t, err, ErrStreamClosed)

	_, err = cl.Request(ctx, nil)
	require.ErrorIs(t, err, ErrClientClosed)
	require.ErrorIs(t, cl.Reset(), ErrClientClosed)
	require.NoError(t, cl.Close())
}
