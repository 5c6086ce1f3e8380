package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/hashicorp/go-metrics"
	"github.com/raskyld/corelink/pkg/telemetry"
	"github.com/raskyld/corelink/pkg/wire"
)

// PendingCall is the eventual result of a `Client.Request`.
type PendingCall struct {
	done  chan struct{}
	once  sync.Once
	reply *Reply
	err   error
}

func newPendingCall() *PendingCall {
	return &PendingCall{done: make(chan struct{})}
}

func (p *PendingCall) resolve(reply *Reply, err error) {
	p.once.Do(func() {
		p.reply = reply
		p.err = err
		close(p.done)
	})
}

// Done is closed once the call is resolved.
func (p *PendingCall) Done() <-chan struct{} {
	return p.done
}

// Wait blocks until the call ends with a terminal reply, or its stream
// closed, in which case the error wraps `ErrStreamClosed`.
func (p *PendingCall) Wait(ctx context.Context) (*Reply, error) {
	select {
	case <-p.done:
		return p.reply, p.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Client calls one service, one call at a time.
//
// A background session resolves the service, dials it and reads the
// replies. When the stream closes, the client stays disconnected until
// `Client.Reset` is called.
type Client struct {
	name     string
	cfg      config
	logger   *slog.Logger
	labels   []metrics.Label
	resolver Resolver
	dialer   Dialer

	// opLk serialises Request, Cancel, Reset and Close.
	opLk sync.Mutex

	lk        sync.Mutex
	conn      Conn
	connected bool
	requested bool
	pending   *PendingCall
	status    CallStatus
	closed    bool

	sessCancel context.CancelFunc
	sessDone   chan struct{}

	ctx    context.Context
	cancel context.CancelFunc
}

// NewClient starts connecting to service name in the background.
func NewClient(
	ctx context.Context,
	name string,
	resolver Resolver,
	dialer Dialer,
	opts ...Option,
) (*Client, error) {
	cfg, err := newConfig(opts)
	if err != nil {
		return nil, err
	}

	cl := &Client{
		name:     name,
		cfg:      cfg,
		logger:   slog.New(cfg.logHandler).With(telemetry.LabelService.L(name)),
		labels:   telemetry.With(cfg.metricLabels, telemetry.LabelService.M(name)),
		resolver: resolver,
		dialer:   dialer,
	}
	cl.ctx, cl.cancel = context.WithCancel(ctx)

	cl.startSession()
	return cl, nil
}

func (cl *Client) Name() string {
	return cl.name
}

// Connected reports whether a stream to the service is open.
func (cl *Client) Connected() bool {
	cl.lk.Lock()
	defer cl.lk.Unlock()
	return cl.connected
}

// Status returns the last status received from the server.
func (cl *Client) Status() CallStatus {
	cl.lk.Lock()
	defer cl.lk.Unlock()
	return cl.status
}

// Request starts a call. It fails with `ErrNotConnected` while no stream
// is open and with `ErrCallInFlight` while another call is outstanding,
// nothing is sent in both cases.
func (cl *Client) Request(ctx context.Context, payload []byte) (*PendingCall, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	cl.opLk.Lock()
	defer cl.opLk.Unlock()

	cl.lk.Lock()
	switch {
	case cl.closed:
		cl.lk.Unlock()
		return nil, ErrClientClosed
	case !cl.connected:
		cl.lk.Unlock()
		return nil, ErrNotConnected
	case cl.requested:
		cl.lk.Unlock()
		return nil, ErrCallInFlight
	}

	// The reply may come back before Write returns, so the pending call
	// is registered first.
	pending := newPendingCall()
	cl.pending = pending
	cl.requested = true
	conn := cl.conn
	done := cl.sessDone
	cl.lk.Unlock()

	err := cl.write(ctx, conn, &wire.Request{Action: wire.ActionNewCall, Payload: payload})
	if err != nil {
		// Let the reader fail the pending call and end the session.
		conn.Close()
		<-done
		return nil, fmt.Errorf("%w: %w", ErrStreamClosed, err)
	}

	return pending, nil
}

// Cancel asks the server to cancel the outstanding call. It returns
// false, without sending anything, when no call is outstanding.
//
// Cancellation is advisory: the call still ends with whatever terminal
// status its handler decides.
func (cl *Client) Cancel() bool {
	cl.opLk.Lock()
	defer cl.opLk.Unlock()

	cl.lk.Lock()
	if cl.closed || !cl.connected || !cl.requested {
		cl.lk.Unlock()
		return false
	}
	conn := cl.conn
	done := cl.sessDone
	cl.lk.Unlock()

	err := cl.write(context.Background(), conn, &wire.Request{Action: wire.ActionCancel})
	if err != nil {
		conn.Close()
		<-done
		return false
	}
	return true
}

// Reset drops the current stream, if any, and starts over: the service
// is resolved again so a restarted server can be reached. An outstanding
// call fails with `ErrStreamClosed`.
func (cl *Client) Reset() error {
	cl.opLk.Lock()
	defer cl.opLk.Unlock()

	cl.lk.Lock()
	if cl.closed {
		cl.lk.Unlock()
		return ErrClientClosed
	}
	cancel := cl.sessCancel
	done := cl.sessDone
	cl.lk.Unlock()

	cancel()
	<-done

	cl.logger.Info("client reset")
	cl.cfg.msink.IncrCounterWithLabels(MetricClientResetCount, 1.0, cl.labels)
	cl.startSession()
	return nil
}

// Close stops the client, an outstanding call fails with
// `ErrStreamClosed`.
func (cl *Client) Close() error {
	cl.opLk.Lock()
	defer cl.opLk.Unlock()

	cl.lk.Lock()
	if cl.closed {
		cl.lk.Unlock()
		return nil
	}
	cl.closed = true
	cancel := cl.sessCancel
	done := cl.sessDone
	cl.lk.Unlock()

	cancel()
	<-done
	cl.cancel()
	return nil
}

func (cl *Client) write(ctx context.Context, conn Conn, req *wire.Request) error {
	deadline, hasDeadline := ctx.Deadline()
	if cl.cfg.writeTimeout > 0 {
		if byTimeout := time.Now().Add(cl.cfg.writeTimeout); !hasDeadline || byTimeout.Before(deadline) {
			deadline = byTimeout
			hasDeadline = true
		}
	}

	if hasDeadline {
		_ = conn.SetWriteDeadline(deadline)
		defer conn.SetWriteDeadline(time.Time{})
	}

	return wire.WriteRequest(conn, req)
}

func (cl *Client) startSession() {
	ctx, cancel := context.WithCancel(cl.ctx)
	done := make(chan struct{})

	cl.lk.Lock()
	cl.sessCancel = cancel
	cl.sessDone = done
	cl.lk.Unlock()

	go cl.session(ctx, done)
}

// session connects and then reads replies until the stream closes.
func (cl *Client) session(ctx context.Context, done chan<- struct{}) {
	defer close(done)

	conn, err := cl.connect(ctx)
	if err != nil {
		return
	}

	cl.lk.Lock()
	if ctx.Err() != nil {
		cl.lk.Unlock()
		conn.Close()
		return
	}
	cl.conn = conn
	cl.connected = true
	cl.status = Suspended
	cl.lk.Unlock()
	cl.logger.Debug("connected")

	stop := context.AfterFunc(ctx, func() {
		conn.Close()
	})
	defer stop()

	for {
		reply, err := wire.ReadReply(conn)
		if err != nil {
			if errors.Is(err, wire.ErrInvalidEnvelope) {
				cl.logger.Warn("dropped an invalid reply", telemetry.LabelError.L(err))
				continue
			}
			cl.streamClosed(conn, err)
			return
		}

		cl.lk.Lock()
		cl.status = reply.Status
		if !reply.Status.IsTerminal() {
			cl.lk.Unlock()
			continue
		}

		pending := cl.pending
		cl.pending = nil
		cl.requested = false
		cl.lk.Unlock()

		if pending != nil {
			pending.resolve(reply, nil)
		} else {
			cl.logger.Warn("received a terminal reply without an outstanding call")
		}
	}
}

func (cl *Client) streamClosed(conn Conn, cause error) {
	conn.Close()

	cl.lk.Lock()
	cl.conn = nil
	cl.connected = false
	cl.requested = false
	pending := cl.pending
	cl.pending = nil
	cl.lk.Unlock()

	if pending != nil {
		pending.resolve(nil, fmt.Errorf("%w: %w", ErrStreamClosed, cause))
		cl.logger.Warn("stream closed during a call", telemetry.LabelError.L(cause))
		cl.cfg.msink.IncrCounterWithLabels(MetricClientStreamClosed, 1.0, cl.labels)
	} else {
		cl.logger.Debug("stream closed", telemetry.LabelError.L(cause))
	}
}

// connect resolves and dials the service until it succeeds or ctx is
// done, waiting a bit more after each failure.
func (cl *Client) connect(ctx context.Context) (Conn, error) {
	delay := cl.cfg.backoffMin
	for {
		conn, err := cl.dial(ctx)
		if err == nil {
			return conn, nil
		}

		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		cl.logger.Warn(
			"could not reach service, retrying",
			telemetry.LabelError.L(err),
			"backoff", delay,
		)
		cl.cfg.msink.IncrCounterWithLabels(MetricClientDialErrorCount, 1.0, cl.labels)

		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		}

		delay *= 2
		if delay > cl.cfg.backoffMax {
			delay = cl.cfg.backoffMax
		}
	}
}

func (cl *Client) dial(ctx context.Context) (Conn, error) {
	addr, err := cl.resolver.Resolve(ctx, cl.name)
	if err != nil {
		return nil, err
	}

	return cl.dialer.DialService(ctx, addr, cl.name)
}
