package service

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/raskyld/corelink/pkg/wire"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestServer_Succeeded(t *testing.T) {
	_, q := newTestServer(t, HandlerFunc(func(call *Call, request []byte) []byte {
		assert.True(t, call.SetSucceeded())
		assert.False(t, call.SetFailed(), "a call can only end once")
		return append([]byte("echo:"), request...)
	}))

	conn := attach(t, q)
	send(t, conn, wire.ActionNewCall, []byte("P"))

	reply := receive(t, conn)
	require.Equal(t, Succeeded, reply.Status)
	require.Equal(t, "echo:P", string(reply.Payload))

	// The slot is ready for the next call.
	send(t, conn, wire.ActionNewCall, []byte("Q"))
	reply = receive(t, conn)
	require.Equal(t, Succeeded, reply.Status)
	require.Equal(t, "echo:Q", string(reply.Payload))
}

func TestServer_CancelIsAdvisory(t *testing.T) {
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
		call.SetFailed()
		return []byte("bye")
	}))

	conn := attach(t, q)
	send(t, conn, wire.ActionNewCall, nil)
	waitFor(t, started)

	send(t, conn, wire.ActionCancel, nil)

	// The acknowledgement is always written before the terminal reply.
	ack := receive(t, conn)
	require.Equal(t, CancelRequested, ack.Status)
	require.Empty(t, ack.Payload)

	reply := receive(t, conn)
	require.Equal(t, Failed, reply.Status, "the handler decides how the call ends")
	require.Equal(t, "bye", string(reply.Payload))
}

func TestServer_AutoAbort(t *testing.T) {
	_, q := newTestServer(t, HandlerFunc(func(_ *Call, _ []byte) []byte {
		return []byte("forgot")
	}))

	conn := attach(t, q)
	send(t, conn, wire.ActionNewCall, nil)

	reply := receive(t, conn)
	require.Equal(t, Aborted, reply.Status)
	require.Equal(t, "forgot", string(reply.Payload))
}

func TestServer_HandlerPanic(t *testing.T) {
	_, q := newTestServer(t, HandlerFunc(func(_ *Call, _ []byte) []byte {
		panic("boom")
	}))

	conn := attach(t, q)
	send(t, conn, wire.ActionNewCall, nil)

	reply := receive(t, conn)
	require.Equal(t, Aborted, reply.Status)
	require.Empty(t, reply.Payload)
}

func TestServer_ProtocolViolations(t *testing.T) {
	var concurrent, maxConcurrent atomic.Int32
	release := make(chan struct{})
	started := make(chan struct{}, 2)

	_, q := newTestServer(t, HandlerFunc(func(call *Call, _ []byte) []byte {
		n := concurrent.Add(1)
		defer concurrent.Add(-1)
		if n > maxConcurrent.Load() {
			maxConcurrent.Store(n)
		}
		started <- struct{}{}
		<-release
		call.SetSucceeded()
		return nil
	}))

	conn := attach(t, q)

	// Cancel while suspended is dropped.
	send(t, conn, wire.ActionCancel, nil)
	requireSilent(t, conn)

	send(t, conn, wire.ActionNewCall, nil)
	waitFor(t, started)

	// A second call on a busy slot is dropped.
	send(t, conn, wire.ActionNewCall, nil)
	requireSilent(t, conn)

	send(t, conn, wire.ActionCancel, nil)
	require.Equal(t, CancelRequested, receive(t, conn).Status)

	// Cancelling twice is dropped too.
	send(t, conn, wire.ActionCancel, nil)
	requireSilent(t, conn)

	// A frame which does not hold a request does not break the stream.
	require.NoError(t, wire.WriteFrame(conn, []byte{0xFF, 0xFF}))
	requireSilent(t, conn)

	close(release)
	require.Equal(t, Succeeded, receive(t, conn).Status)
	require.Equal(t, int32(1), maxConcurrent.Load())
	require.Len(t, started, 0, "the dropped call must never start")
}

func TestServer_SlotReuse(t *testing.T) {
	type served struct {
		request string
		slot    uint32
		call    *Call
	}

	calls := make(chan served, 4)
	releaseFirst := make(chan struct{})
	firstResult := make(chan bool, 1)

	srv, q := newTestServer(t, HandlerFunc(func(call *Call, request []byte) []byte {
		calls <- served{request: string(request), slot: call.Slot(), call: call}
		if string(request) == "A" {
			<-releaseFirst
			firstResult <- call.SetSucceeded()
			return []byte("late reply for A")
		}
		call.SetSucceeded()
		return request
	}), WithListenPool(1))

	ctx := context.Background()

	connA := attach(t, q)
	send(t, connA, wire.ActionNewCall, []byte("A"))
	first := waitFor(t, calls)
	require.Equal(t, uint32(0), first.slot)

	// The client vanishes in the middle of its call.
	require.NoError(t, connA.Close())
	require.Eventually(t, func() bool {
		return first.call.IsAborted() && first.call.Context().Err() != nil
	}, 5*time.Second, 10*time.Millisecond)

	// The slot is held until the handler returns.
	attach(t, q)
	require.Eventually(t, func() bool {
		stats, err := srv.Stats(ctx)
		return err == nil && stats.Slots == 3 && stats.InUse == 3
	}, 5*time.Second, 10*time.Millisecond)

	close(releaseFirst)
	require.False(t, waitFor(t, firstResult), "setters of a dropped call are no-ops")
	require.Eventually(t, func() bool {
		stats, err := srv.Stats(ctx)
		return err == nil && stats.InUse == 2
	}, 5*time.Second, 10*time.Millisecond)

	// C takes the armed slot 2, which re-arms the recycled slot 0 for D.
	attach(t, q)
	connD := attach(t, q)
	send(t, connD, wire.ActionNewCall, []byte("D"))
	second := waitFor(t, calls)
	require.Equal(t, uint32(0), second.slot, "slot 0 should have been recycled")

	reply := receive(t, connD)
	require.Equal(t, Succeeded, reply.Status)
	require.Equal(t, "D", string(reply.Payload), "D must never see the reply of A")
	requireSilent(t, connD)

	// Attaching D re-armed through an empty free list, so slot 3 was
	// created while B, C and D hold slots 1, 2 and 0.
	stats, err := srv.Stats(ctx)
	require.NoError(t, err)
	require.Equal(t, 4, stats.Slots)
	require.Equal(t, 4, stats.InUse)
}

func TestServer_ShutdownAbortsCalls(t *testing.T) {
	calls := make(chan *Call, 1)
	srv, q := newTestServer(t, HandlerFunc(func(call *Call, _ []byte) []byte {
		calls <- call
		<-call.Context().Done()
		assert.False(t, call.SetSucceeded())
		return nil
	}))

	conn := attach(t, q)
	send(t, conn, wire.ActionNewCall, nil)
	call := waitFor(t, calls)

	srv.Shutdown()
	require.True(t, call.IsAborted())

	_, err := wire.ReadReply(conn)
	require.Error(t, err, "the stream must be closed")

	_, err = srv.Stats(context.Background())
	require.ErrorIs(t, err, ErrServerClosed)

	// Idempotent.
	srv.Shutdown()
}

func TestServer_ShutdownAbortsBeforeCancelling(t *testing.T) {
	type observed struct {
		aborted   bool
		succeeded bool
	}

	for i := 0; i < 20; i++ {
		started := make(chan struct{})
		results := make(chan observed, 1)
		srv, q := newTestServer(t, HandlerFunc(func(call *Call, _ []byte) []byte {
			close(started)
			<-call.Context().Done()
			results <- observed{
				aborted:   call.IsAborted(),
				succeeded: call.SetSucceeded(),
			}
			return nil
		}))

		conn := attach(t, q)
		send(t, conn, wire.ActionNewCall, nil)
		waitFor(t, started)

		srv.Shutdown()
		res := waitFor(t, results)
		require.True(t, res.aborted, "run %d: the call must be aborted once its context is done", i)
		require.False(t, res.succeeded, "run %d: setters are no-ops after shutdown", i)
	}
}

func TestServer_RequiresHandler(t *testing.T) {
	_, err := NewServer(context.Background(), "nil", NewConnQueue(), nil)
	require.ErrorIs(t, err, ErrHandlerRequired)

	_, err = NewServer(
		context.Background(), "bad", NewConnQueue(),
		HandlerFunc(func(*Call, []byte) []byte { return nil }),
		WithListenPool(0),
	)
	require.ErrorIs(t, err, ErrInvalidCfg)
}

func TestPipe_CloseCancelsBothEnds(t *testing.T) {
	a, b := Pipe()
	require.NoError(t, a.Close())
	require.Error(t, b.Context().Err())

	_, err := b.Write([]byte("x"))
	require.Error(t, err)
}

func TestConnQueue_Close(t *testing.T) {
	q := NewConnQueue()
	require.NoError(t, q.Close())
	require.NoError(t, q.Close())

	_, err := q.Accept(context.Background())
	require.ErrorIs(t, err, ErrListenerClosed)

	a, _ := Pipe()
	require.ErrorIs(t, q.Deliver(context.Background(), a), ErrListenerClosed)
}
