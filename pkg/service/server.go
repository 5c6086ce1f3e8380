package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/hashicorp/go-metrics"
	"github.com/raskyld/corelink/pkg/telemetry"
	"github.com/raskyld/corelink/pkg/wire"
	"golang.org/x/sync/errgroup"
)

type eventKind uint8

const (
	eventConnect eventKind = iota
	eventRead
	eventWriteDone
	eventDisconnect
	eventHandlerDone
	eventStats
)

func (kind eventKind) String() string {
	switch kind {
	case eventConnect:
		return "connect"
	case eventRead:
		return "read"
	case eventWriteDone:
		return "write_done"
	case eventDisconnect:
		return "disconnect"
	case eventHandlerDone:
		return "handler_done"
	case eventStats:
		return "stats"
	default:
		return "unknown"
	}
}

// event is everything the reactor reacts to. gen ties an event to the
// stream attached to the slot when the event was produced.
type event struct {
	kind    eventKind
	slot    *slot
	gen     uint64
	conn    Conn
	req     *wire.Request
	payload []byte
	err     error
	stats   chan<- Stats
}

// Stats is a snapshot of the slot table of a `Server`.
type Stats struct {
	// Slots is how many slots were ever created.
	Slots int
	// InUse is how many slots are armed or attached to a stream.
	InUse int
}

// Server exposes one service over the streams produced by a `Listener`.
//
// A single reactor goroutine owns the slot table and processes every
// event sequentially. Handlers, reads and writes run on their own
// goroutines and report back to the reactor.
type Server struct {
	name    string
	cfg     config
	logger  *slog.Logger
	labels  []metrics.Label
	ln      Listener
	handler Handler

	// owned by the reactor.
	table slotTable

	events chan event

	ctx    context.Context
	cancel context.CancelFunc

	handlers errgroup.Group
	io       sync.WaitGroup

	// stopped is closed once the reactor stopped consuming events,
	// done once every goroutine of the server returned.
	stopped chan struct{}
	done    chan struct{}
}

// NewServer starts serving name. The server runs until ctx is done or
// `Server.Shutdown` is called.
func NewServer(
	ctx context.Context,
	name string,
	ln Listener,
	handler Handler,
	opts ...Option,
) (*Server, error) {
	if handler == nil {
		return nil, ErrHandlerRequired
	}

	cfg, err := newConfig(opts)
	if err != nil {
		return nil, err
	}

	srv := &Server{
		name:    name,
		cfg:     cfg,
		logger:  slog.New(cfg.logHandler).With(telemetry.LabelService.L(name)),
		labels:  telemetry.With(cfg.metricLabels, telemetry.LabelService.M(name)),
		ln:      ln,
		handler: handler,
		events:  make(chan event),
		stopped: make(chan struct{}),
		done:    make(chan struct{}),
	}
	srv.ctx, srv.cancel = context.WithCancel(ctx)

	go srv.run()
	return srv, nil
}

// Name returns the name of the service.
func (srv *Server) Name() string {
	return srv.name
}

// Done is closed once the server fully stopped.
func (srv *Server) Done() <-chan struct{} {
	return srv.done
}

// Shutdown aborts every running call, closes all the streams and waits
// for handlers to return. Handlers are expected to watch
// `Call.Context` so they do not block the shutdown forever.
func (srv *Server) Shutdown() {
	srv.cancel()
	<-srv.done
}

// Stats asks the reactor for a snapshot of its slot table.
func (srv *Server) Stats(ctx context.Context) (Stats, error) {
	reply := make(chan Stats, 1)
	select {
	case srv.events <- event{kind: eventStats, stats: reply}:
	case <-srv.stopped:
		return Stats{}, ErrServerClosed
	case <-ctx.Done():
		return Stats{}, ctx.Err()
	}
	return <-reply, nil
}

func (srv *Server) run() {
	defer close(srv.done)

	for i := 0; i < srv.cfg.listenPool; i++ {
		srv.arm(srv.table.allocate())
	}
	srv.gaugeSlots()
	srv.logger.Info("service started", "listen_pool", srv.cfg.listenPool)

	for {
		select {
		case <-srv.ctx.Done():
			start := time.Now()
			srv.teardown()
			close(srv.stopped)
			srv.io.Wait()
			_ = srv.handlers.Wait()
			srv.logger.Info("service stopped", telemetry.LabelDuration.L(time.Since(start)))
			return
		case ev := <-srv.events:
			srv.dispatch(ev)
		}
	}
}

func (srv *Server) dispatch(ev event) {
	switch ev.kind {
	case eventConnect:
		srv.onConnect(ev)
	case eventRead:
		srv.onRead(ev)
	case eventWriteDone:
		srv.onWriteDone(ev)
	case eventDisconnect:
		srv.onDisconnect(ev)
	case eventHandlerDone:
		srv.onHandlerDone(ev)
	case eventStats:
		ev.stats <- Stats{
			Slots: srv.table.size(),
			InUse: srv.table.inUse(),
		}
	default:
		panic(fmt.Sprintf("unreachable: unknown event kind %d", ev.kind))
	}
}

// post hands ev to the reactor. It returns false if the reactor is gone,
// in which case the event is dropped.
func (srv *Server) post(ev event) bool {
	select {
	case srv.events <- ev:
		return true
	case <-srv.stopped:
		return false
	}
}

// arm waits for one stream to attach to s.
func (srv *Server) arm(s *slot) {
	srv.io.Add(1)
	go func() {
		defer srv.io.Done()
		conn, err := srv.ln.Accept(srv.ctx)
		if err != nil {
			if srv.ctx.Err() == nil {
				srv.logger.Warn(
					"listener failed, slot disarmed",
					telemetry.LabelSlot.L(s.id),
					telemetry.LabelError.L(err),
				)
			}
			return
		}

		if !srv.post(event{kind: eventConnect, slot: s, conn: conn}) {
			conn.Close()
		}
	}()
}

// read forwards every request received on conn to the reactor.
func (srv *Server) read(s *slot, gen uint64, conn Conn) {
	srv.io.Add(1)
	go func() {
		defer srv.io.Done()
		for {
			req, err := wire.ReadRequest(conn)
			if err != nil && !errors.Is(err, wire.ErrInvalidEnvelope) {
				srv.post(event{kind: eventDisconnect, slot: s, gen: gen, err: err})
				return
			}

			if !srv.post(event{kind: eventRead, slot: s, gen: gen, req: req, err: err}) {
				return
			}
		}
	}()
}

// write sends reply on conn and reports the completion to the reactor.
func (srv *Server) write(s *slot, gen uint64, conn Conn, reply *wire.Reply) {
	srv.io.Add(1)
	go func() {
		defer srv.io.Done()
		if srv.cfg.writeTimeout > 0 {
			_ = conn.SetWriteDeadline(time.Now().Add(srv.cfg.writeTimeout))
		}
		err := wire.WriteReply(conn, reply)
		srv.post(event{kind: eventWriteDone, slot: s, gen: gen, err: err})
	}()
}

// enqueueLocked queues reply on the stream of s and starts writing it
// if nothing else is in flight. Replies to a stream which is already
// gone or cancelled are dropped.
//
// MUST be called by the reactor while holding s.lk.
func (srv *Server) enqueueLocked(s *slot, reply *wire.Reply) {
	if s.conn == nil || s.conn.Context().Err() != nil {
		return
	}

	s.replies = append(s.replies, reply)
	if len(s.replies) == 1 {
		srv.write(s, s.gen, s.conn, reply)
	}
}

func (srv *Server) onConnect(ev event) {
	s := ev.slot
	s.lk.Lock()
	if s.conn != nil {
		s.conn.Close()
	}
	s.gen++
	s.conn = ev.conn
	s.status = Suspended
	s.request = nil
	s.replies = nil
	gen := s.gen
	s.lk.Unlock()

	srv.arm(srv.table.allocate())
	srv.read(s, gen, ev.conn)

	srv.logger.Debug("stream attached", telemetry.LabelSlot.L(s.id))
	srv.cfg.msink.IncrCounterWithLabels(MetricStreamConnectCount, 1.0, srv.labels)
	srv.gaugeSlots()
}

func (srv *Server) onRead(ev event) {
	s := ev.slot
	s.lk.Lock()
	if s.gen != ev.gen || s.conn == nil {
		s.lk.Unlock()
		return
	}

	if ev.err != nil {
		status := s.status
		s.lk.Unlock()
		srv.violation(s, "malformed", status, ev.err)
		return
	}

	switch {
	case ev.req.Action == wire.ActionNewCall && s.status == Suspended:
		// Only the reactor cancels a call, after flagging it aborted.
		ctx, cancel := context.WithCancel(context.WithoutCancel(srv.ctx))
		s.status = Running
		s.running = true
		s.request = ev.req.Payload
		s.cancel = cancel
		s.started = time.Now()
		call := &Call{ctx: ctx, s: s, gen: s.gen}
		s.lk.Unlock()

		srv.spawn(call, ev.req.Payload)
		srv.cfg.msink.IncrCounterWithLabels(MetricCallStartedCount, 1.0, srv.labels)

	case ev.req.Action == wire.ActionCancel && s.status == Running:
		s.status = CancelRequested
		srv.enqueueLocked(s, &wire.Reply{Status: CancelRequested})
		s.lk.Unlock()

		srv.logger.Debug("cancel requested", telemetry.LabelSlot.L(s.id))
		srv.cfg.msink.IncrCounterWithLabels(MetricCancelCount, 1.0, srv.labels)

	case ev.req.Action == wire.ActionCancel && s.status.IsTerminal():
		// The handler ended the call before we could flag it.
		s.lk.Unlock()
		srv.logger.Debug("cancel raced with the end of the call", telemetry.LabelSlot.L(s.id))

	default:
		status := s.status
		s.lk.Unlock()
		srv.violation(s, ev.req.Action.String(), status, nil)
	}
}

// violation drops a request which is not valid in the current state of
// the slot. The client is not notified and the stream stays open.
func (srv *Server) violation(s *slot, action string, status CallStatus, err error) {
	attrs := []any{
		telemetry.LabelSlot.L(s.id),
		telemetry.LabelAction.L(action),
		telemetry.LabelStatus.L(status.String()),
	}
	if err != nil {
		attrs = append(attrs, telemetry.LabelError.L(err))
	}

	srv.logger.Warn("protocol violation: request dropped", attrs...)
	srv.cfg.msink.IncrCounterWithLabels(
		MetricProtocolViolationCount,
		1.0,
		telemetry.With(srv.labels, telemetry.LabelAction.M(action), telemetry.LabelStatus.M(status.String())),
	)
}

func (srv *Server) onWriteDone(ev event) {
	s := ev.slot
	s.lk.Lock()
	defer s.lk.Unlock()
	if s.gen != ev.gen || s.conn == nil || len(s.replies) == 0 {
		return
	}

	if ev.err != nil {
		if s.conn.Context().Err() == nil {
			srv.logger.Warn(
				"failed to write reply, closing stream",
				telemetry.LabelSlot.L(s.id),
				telemetry.LabelError.L(ev.err),
			)
			srv.cfg.msink.IncrCounterWithLabels(MetricReplyWriteErrorCount, 1.0, srv.labels)
		}

		// The reader notices the closure and reports the disconnect.
		s.replies = nil
		s.conn.Close()
		return
	}

	s.replies = s.replies[1:]
	if len(s.replies) == 0 {
		s.replies = nil
		return
	}

	if s.conn.Context().Err() != nil {
		s.replies = nil
		return
	}
	srv.write(s, s.gen, s.conn, s.replies[0])
}

func (srv *Server) onDisconnect(ev event) {
	s := ev.slot
	s.lk.Lock()
	if s.gen != ev.gen || s.conn == nil {
		s.lk.Unlock()
		return
	}

	s.conn.Close()
	s.conn = nil
	s.replies = nil

	// A running handler keeps the slot until it returns, its setters
	// become no-ops from now on.
	running := s.running
	if running {
		s.status = Aborted
		s.cancel()
	} else {
		s.status = Suspended
	}
	s.lk.Unlock()

	if !running {
		srv.table.release(s.id)
	}

	logger := srv.logger.With(telemetry.LabelSlot.L(s.id))
	if ev.err != nil && !errors.Is(ev.err, io.EOF) && !errors.Is(ev.err, context.Canceled) {
		logger = logger.With(telemetry.LabelError.L(ev.err))
	}
	if running {
		logger.Info("stream closed during a call, call aborted")
	} else {
		logger.Debug("stream closed")
	}

	srv.cfg.msink.IncrCounterWithLabels(MetricStreamDisconnectCount, 1.0, srv.labels)
	srv.gaugeSlots()
}

func (srv *Server) onHandlerDone(ev event) {
	s := ev.slot
	s.lk.Lock()
	if s.gen != ev.gen || !s.running {
		s.lk.Unlock()
		return
	}

	s.running = false
	s.cancel()
	s.cancel = nil
	s.request = nil

	status := s.status
	autoAborted := false
	if status == Running || status == CancelRequested {
		status = Aborted
		autoAborted = true
	}
	elapsed := time.Since(s.started)

	attached := s.conn != nil
	if attached {
		srv.enqueueLocked(s, &wire.Reply{Status: status, Payload: ev.payload})
	}
	s.status = Suspended
	s.lk.Unlock()

	if !attached {
		srv.table.release(s.id)
		srv.gaugeSlots()
	}

	if autoAborted {
		srv.logger.Warn(
			"handler returned without ending the call, call aborted",
			telemetry.LabelSlot.L(s.id),
		)
		srv.cfg.msink.IncrCounterWithLabels(MetricCallAutoAbortedCount, 1.0, srv.labels)
	}

	labels := telemetry.With(srv.labels, telemetry.LabelStatus.M(status.String()))
	srv.cfg.msink.IncrCounterWithLabels(MetricCallCompletedCount, 1.0, labels)
	srv.cfg.msink.AddSampleWithLabels(MetricCallDuration, float32(elapsed.Milliseconds()), labels)
}

func (srv *Server) spawn(call *Call, request []byte) {
	srv.handlers.Go(func() error {
		payload := srv.serve(call, request)
		srv.post(event{kind: eventHandlerDone, slot: call.s, gen: call.gen, payload: payload})
		return nil
	})
}

// serve runs the handler, a panic aborts the call.
func (srv *Server) serve(call *Call, request []byte) (payload []byte) {
	defer func() {
		if r := recover(); r != nil {
			srv.logger.Error(
				"handler panicked, call aborted",
				telemetry.LabelSlot.L(call.s.id),
				telemetry.LabelError.L(r),
			)
			call.SetAborted()
			payload = nil
		}
	}()

	return srv.handler.ServeCall(call, request)
}

// teardown is the last thing the reactor does.
func (srv *Server) teardown() {
	for _, s := range srv.table.slots {
		s.lk.Lock()
		if s.conn != nil {
			s.conn.Close()
			s.conn = nil
		}
		s.replies = nil
		if s.running {
			s.status = Aborted
			s.cancel()
		}
		s.lk.Unlock()
	}
}

func (srv *Server) gaugeSlots() {
	srv.cfg.msink.SetGaugeWithLabels(MetricSlots, float32(srv.table.inUse()), srv.labels)
}
