package corelink

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"slices"
	"strconv"
	"sync"
	"sync/atomic"
	"time"
	"unique"

	"github.com/hashicorp/go-metrics"
	"github.com/hashicorp/memberlist"
	"github.com/quic-go/quic-go"
	"github.com/raskyld/corelink/pkg/telemetry"
	"github.com/raskyld/corelink/pkg/wire"
)

const (
	// ALPN is the application protocol negotiated by every connection.
	ALPN = "corelink/1"

	defaultUDPBufferSize  int   = 1 << 21
	defaultPort           int   = 6174
	defaultHintMaxStreams int64 = 10000
	defaultDialTimeout          = 30 * time.Second
)

var _ memberlist.NodeAwareTransport = (*Transport)(nil)

// TransportConfig represents configuration for the QUIC transport.
type TransportConfig struct {
	// BufferSize of the requested UDP kernel buffer.
	BufferSize int

	// EnforceBufferSize fails if the kernel doesn't allocate what we asked.
	// If that's false, we retry and divide by 2 the requested
	// `TransportConfig.BufferSize` until it fits or fails.
	EnforceBufferSize bool

	// TlsConfig should be configured to ensure mTLS is enabled between the
	// peers.
	TlsConfig *tls.Config

	// BindAddr and BindPort are where we want the transport to listen.
	BindAddr string
	BindPort int

	// HintMaxStreams gives an indication of how many streams you intend
	// to open with a single peer.
	HintMaxStreams int64

	// HostnameResolver to resolve hostname from peer certificates.
	HostnameResolver HostnameResolver

	// MetricsLabels to add to every metrics emitted by the transport.
	MetricLabels []metrics.Label

	// MetricSink to use for emitting metrics.
	MetricSink metrics.MetricSink

	// DialTimeout controls how much time we wait for stream establishment,
	// including the init frame.
	DialTimeout time.Duration

	// GracePeriod is how long Shutdown waits for streams to flush before
	// closing connections.
	GracePeriod time.Duration

	// LogHandler to use for emitting structured logs.
	LogHandler slog.Handler
}

// Transport carries both the gossip traffic of memberlist and the
// service streams over QUIC.
//
// Gossip packets are sent as datagrams. Every stream starts with a
// `wire.Init` frame telling whether it carries gossip or a service.
type Transport struct {
	cfg     *TransportConfig
	tlsCfg  *tls.Config
	quicCfg *quic.Config
	logger  *slog.Logger
	msink   metrics.MetricSink

	// graceful termination asked, do not spam of connection error in logs
	closed     atomic.Bool
	shutdownCh chan struct{}
	wg         sync.WaitGroup

	// service streams
	serviceCh chan *serviceStream

	addrToHost map[string]unique.Handle[Hostname]
	hostsInfo  map[unique.Handle[Hostname]]Host
	hostsCxs   map[unique.Handle[Hostname]][]hostCx
	hostsLock  sync.RWMutex

	// Memberlist Protocol
	packetCh chan *memberlist.Packet
	streamCh chan net.Conn

	// QUIC layer
	tr *quic.Transport
	ln *quic.Listener

	// UDP layer
	udpLn *net.UDPConn
}

type hostCx struct {
	// closeCh is closed to wake-up stream garbage collectors.
	closeCh chan struct{}
	quic.Connection
}

func NewTransport(cfg *TransportConfig) (t *Transport, err error) {
	if cfg.TlsConfig == nil {
		return nil, ErrNoTLSConfig
	}

	t = &Transport{
		cfg:        cfg,
		shutdownCh: make(chan struct{}),
		serviceCh:  make(chan *serviceStream),
		addrToHost: make(map[string]unique.Handle[Hostname]),
		hostsInfo:  make(map[unique.Handle[Hostname]]Host),
		hostsCxs:   make(map[unique.Handle[Hostname]][]hostCx),
		packetCh:   make(chan *memberlist.Packet),
		streamCh:   make(chan net.Conn),
	}

	if cfg.LogHandler == nil {
		t.logger = slog.Default()
	} else {
		t.logger = slog.New(cfg.LogHandler)
	}

	if cfg.MetricSink == nil {
		t.msink = metrics.Default()
	} else {
		t.msink = cfg.MetricSink
	}

	if cfg.DialTimeout == 0 {
		cfg.DialTimeout = defaultDialTimeout
	}

	if cfg.HostnameResolver == nil {
		cfg.HostnameResolver = CommonNameResolver
	}

	t.tlsCfg = cfg.TlsConfig.Clone()
	if !slices.Contains(t.tlsCfg.NextProtos, ALPN) {
		t.tlsCfg.NextProtos = append(t.tlsCfg.NextProtos, ALPN)
	}

	defer func() {
		if err != nil {
			t.Shutdown()
		}
	}()

	port := cfg.BindPort
	if port == 0 {
		port = defaultPort
	}

	addr := net.ParseIP(cfg.BindAddr)
	if addr == nil {
		addr = net.IPv4zero
	}

	udpAddr := &net.UDPAddr{IP: addr, Port: port}
	udpLn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return nil, fmt.Errorf("transport: failed to allocate UDP listener: %w", err)
	}
	t.udpLn = udpLn

	requested := cfg.BufferSize
	if requested == 0 {
		requested = defaultUDPBufferSize
	}

	if err := t.negociateBufferSize(requested); err != nil {
		return nil, err
	}

	t.tr = &quic.Transport{
		Conn: udpLn,
	}

	hintStreams := cfg.HintMaxStreams
	if hintStreams == 0 {
		hintStreams = defaultHintMaxStreams
	}

	t.quicCfg = &quic.Config{
		Versions:        []quic.Version{quic.Version2, quic.Version1},
		EnableDatagrams: true,
		// Gossip pings piggy-back on established connections, 0-RTT
		// would only speed up the first packet sent to a peer.
		Allow0RTT:             false,
		MaxIncomingStreams:    hintStreams,
		MaxIncomingUniStreams: -1,
		MaxIdleTimeout:        1 * time.Minute,
		KeepAlivePeriod:       15 * time.Second,
	}

	ln, err := t.tr.Listen(t.tlsCfg, t.quicCfg)
	if err != nil {
		return nil, fmt.Errorf("transport: failed to allocate QUIC listener: %w", err)
	}
	t.ln = ln

	t.wg.Add(1)
	go t.acceptCx()
	return
}

// FinalAdvertiseAddr implements `memberlist.Transport`.
func (t *Transport) FinalAdvertiseAddr(ip string, port int) (net.IP, int, error) {
	if t.udpLn == nil {
		return nil, 0, ErrUdpNotAvailable
	}

	local, ok := t.udpLn.LocalAddr().(*net.UDPAddr)
	if !ok {
		return nil, 0, ErrUdpNotAvailable
	}

	advertiseAddr := local.IP
	advertisePort := local.Port
	if ip != "" {
		advertiseAddr = net.ParseIP(ip)
		if advertiseAddr == nil {
			return nil, 0, fmt.Errorf("%w: %s", ErrInvalidAddr, ip)
		}
		if port != 0 {
			advertisePort = port
		}
	}

	if advertiseAddr.IsUnspecified() {
		return nil, 0, fmt.Errorf(
			"%w: listening on %s, an advertise address is required", ErrInvalidAddr, advertiseAddr)
	}

	if ip4 := advertiseAddr.To4(); ip4 != nil {
		advertiseAddr = ip4
	}

	return advertiseAddr, advertisePort, nil
}

func (t *Transport) WriteTo(b []byte, addr string) (time.Time, error) {
	return t.WriteToAddress(b, memberlist.Address{
		Addr: addr,
	})
}

func (t *Transport) WriteToAddress(b []byte, addr memberlist.Address) (time.Time, error) {
	ctx, cancel := context.WithTimeout(context.Background(), t.cfg.DialTimeout)
	defer cancel()

	conn, err := t.getActiveCx(ctx, addr)
	if err != nil {
		return time.Time{}, err
	}

	ts := time.Now()
	mLabels := telemetry.With(t.cfg.MetricLabels, LabelsForAddr(addr)...)
	err = conn.SendDatagram(b)
	if err == nil {
		t.msink.IncrCounterWithLabels(MetricDatagramOutBytes, float32(len(b)), mLabels)
	} else {
		t.msink.IncrCounterWithLabels(MetricDatagramOutErrorCount, 1.0, mLabels)
	}
	return ts, err
}

func (t *Transport) PacketCh() <-chan *memberlist.Packet {
	return t.packetCh
}

func (t *Transport) DialTimeout(addr string, timeout time.Duration) (net.Conn, error) {
	return t.DialAddressTimeout(memberlist.Address{
		Addr: addr,
	}, timeout)
}

func (t *Transport) DialAddressTimeout(addr memberlist.Address, timeout time.Duration) (net.Conn, error) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	hcx, stream, err := t.openStream(ctx, addr, &wire.Init{Mode: wire.StreamModeGossip})
	if err != nil {
		return nil, err
	}

	gs := &gossipStream{
		localAddr:  hcx.LocalAddr(),
		remoteAddr: hcx.RemoteAddr(),
		Stream:     stream,
	}
	go closeOnDrain(gs, hcx.closeCh)
	return gs, nil
}

func (t *Transport) StreamCh() <-chan net.Conn {
	return t.streamCh
}

// dialService opens a stream to the service name hosted by the node
// listening on addr.
func (t *Transport) dialService(ctx context.Context, addr, name string) (*serviceStream, error) {
	if _, hasDl := ctx.Deadline(); !hasDl {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t.cfg.DialTimeout)
		defer cancel()
	}

	hcx, stream, err := t.openStream(
		ctx,
		memberlist.Address{Addr: addr},
		&wire.Init{Mode: wire.StreamModeService, Service: name},
	)
	if err != nil {
		return nil, err
	}

	ss := &serviceStream{service: name, Stream: stream}
	go closeOnDrain(ss, hcx.closeCh)
	return ss, nil
}

// openStream opens a stream on a connection to addr and sends frame on it.
func (t *Transport) openStream(
	ctx context.Context,
	addr memberlist.Address,
	frame *wire.Init,
) (hostCx, quic.Stream, error) {
	mLabels := telemetry.With(t.cfg.MetricLabels, LabelsForAddr(addr)...)
	mLabels = append(mLabels, telemetry.LabelStreamMode.M(frame.Mode.String()))

	hcx, err := t.getActiveCx(ctx, addr)
	if err != nil {
		t.msink.IncrCounterWithLabels(
			MetricStreamEstOutErrorCount,
			1.0,
			append(mLabels, telemetry.LabelError.M("no_conn_to_host")),
		)
		return hostCx{}, nil, err
	}

	stream, err := hcx.OpenStreamSync(ctx)
	if err != nil {
		t.msink.IncrCounterWithLabels(
			MetricStreamEstOutErrorCount,
			1.0,
			append(mLabels, telemetry.LabelError.M("cannot_open_stream")),
		)
		return hostCx{}, nil, err
	}

	if dl, hasDl := ctx.Deadline(); hasDl {
		stream.SetWriteDeadline(dl)
	}
	err = wire.WriteInit(stream, frame)
	stream.SetWriteDeadline(time.Time{})
	if err != nil {
		stream.CancelRead(QErrStreamClosed)
		stream.CancelWrite(QErrStreamClosed)
		t.msink.IncrCounterWithLabels(
			MetricStreamEstOutErrorCount,
			1.0,
			append(mLabels, telemetry.LabelError.M("cannot_send_init_frame")),
		)
		return hostCx{}, nil, fmt.Errorf("%w: %w", ErrStreamWrite, err)
	}

	t.msink.IncrCounterWithLabels(MetricStreamEstOutCount, 1.0, mLabels)
	return hcx, stream, nil
}

func (t *Transport) Shutdown() error {
	if !t.closed.CompareAndSwap(false, true) {
		// no-op because it was already shutdown
		return nil
	}
	close(t.shutdownCh)

	t.hostsLock.Lock()
	for _, cxs := range t.hostsCxs {
		for _, cx := range cxs {
			close(cx.closeCh)
		}
	}
	t.hostsLock.Unlock()

	// quic-go exposes no way to know when stream buffers are drained.
	if t.cfg.GracePeriod > 0 {
		time.Sleep(t.cfg.GracePeriod)
	}

	t.hostsLock.Lock()
	for _, cxs := range t.hostsCxs {
		for _, cx := range cxs {
			QErrShutdown.Close(cx.Connection, "we are shutting down! bye!")
		}
	}
	t.hostsLock.Unlock()

	if t.ln != nil {
		t.ln.Close()
	}

	if t.tr != nil {
		t.tr.Close()
	}

	if t.udpLn != nil {
		t.udpLn.Close()
	}

	t.wg.Wait()
	return nil
}

func (t *Transport) negociateBufferSize(requested int) error {
	size := requested
	for size > 0 {
		if err := t.udpLn.SetReadBuffer(size); err != nil {
			if t.cfg.EnforceBufferSize {
				return ErrBufferSize
			}
			size = size >> 1
			continue
		}
		if size != requested {
			t.logger.Warn("using smaller than expected UDP buffer", "bytes", size)
		}
		t.msink.SetGaugeWithLabels(
			MetricUDPBufferSizeBytes,
			float32(size),
			t.cfg.MetricLabels,
		)
		return nil
	}
	return ErrBufferSize
}

func (t *Transport) acceptCx() {
	defer t.wg.Done()
	for {
		conn, err := t.ln.Accept(context.Background())
		if err != nil {
			// quic-go only fails Accept once the listener is closed.
			if !t.closed.Load() {
				t.logger.Warn("unexpected QUIC listener closure", telemetry.LabelError.L(err))
			}
			return
		}

		if _, err := t.handleConn(conn); err != nil {
			t.logger.Debug("rejected inbound connection", telemetry.LabelError.L(err))
		}
	}
}

func (t *Transport) waitForDatagrams(hcx hostCx) {
	defer t.wg.Done()
	remoteAddr := hcx.RemoteAddr()
	ctx := hcx.Context()
	logger := t.logger.With(telemetry.LabelPeerAddr.L(remoteAddr.String()))
	mLabels := telemetry.With(t.cfg.MetricLabels, telemetry.LabelPeerAddr.M(remoteAddr.String()))

	for {
		buf, err := hcx.ReceiveDatagram(ctx)
		ts := time.Now()
		if t.closed.Load() {
			logger.Debug("datagram listener gracefully shutting down")
			return
		}

		if err != nil {
			if ctx.Err() != nil {
				return
			}
			t.msink.IncrCounterWithLabels(
				MetricDatagramInErrorCount,
				1.0,
				append(mLabels, telemetry.LabelError.M("unknown")),
			)
			logger.Error("error reading datagram", telemetry.LabelError.L(err))
			continue
		}

		n := len(buf)
		if n < 1 {
			t.msink.IncrCounterWithLabels(
				MetricDatagramInErrorCount,
				1.0,
				append(mLabels, telemetry.LabelError.M("too_small")),
			)
			logger.Error("received an empty datagram")
			continue
		}

		t.msink.IncrCounterWithLabels(MetricDatagramInBytes, float32(n), mLabels)
		select {
		case t.packetCh <- &memberlist.Packet{
			Buf:       buf,
			From:      remoteAddr,
			Timestamp: ts,
		}:
		case <-t.shutdownCh:
			return
		}
	}
}

func (t *Transport) handleStreams(hcx hostCx) {
	defer t.wg.Done()
	remoteAddr := hcx.RemoteAddr()
	ctx := hcx.Context()
	logger := t.logger.With(telemetry.LabelPeerAddr.L(remoteAddr.String()))
	mLabels := telemetry.With(t.cfg.MetricLabels, telemetry.LabelPeerAddr.M(remoteAddr.String()))

	for {
		stream, err := hcx.AcceptStream(ctx)
		if t.closed.Load() {
			logger.Debug("stream listener gracefully shutting down")
			return
		}

		if err != nil {
			if ctx.Err() != nil {
				logger.Info("connection closed", telemetry.LabelError.L(context.Cause(ctx)))
				return
			}
			logger.Warn("error accepting stream", telemetry.LabelError.L(err))
			t.msink.IncrCounterWithLabels(
				MetricStreamEstInErrorCount,
				1.0,
				append(mLabels, telemetry.LabelError.M("unknown")),
			)
			continue
		}

		// The init frame is read off the accept loop so a slow peer
		// cannot stall the other streams of the connection.
		t.wg.Add(1)
		go t.handleInit(hcx, stream, logger, mLabels)
	}
}

func (t *Transport) handleInit(hcx hostCx, stream quic.Stream, logger *slog.Logger, mLabels []metrics.Label) {
	defer t.wg.Done()
	logger = logger.With(telemetry.LabelStreamID.L(stream.StreamID()))

	reject := func(code quic.StreamErrorCode, reason string) {
		stream.CancelRead(code)
		stream.CancelWrite(code)
		t.msink.IncrCounterWithLabels(
			MetricStreamEstInErrorCount,
			1.0,
			append(mLabels, telemetry.LabelError.M(reason)),
		)
	}

	stream.SetReadDeadline(time.Now().Add(t.cfg.DialTimeout))
	frame, err := wire.ReadInit(stream)
	stream.SetReadDeadline(time.Time{})
	if err != nil {
		if errors.Is(err, wire.ErrInvalidInit) ||
			errors.Is(err, wire.ErrMalformedFrame) ||
			errors.Is(err, wire.ErrFrameTooLarge) {
			logger.Warn("protocol violation: invalid init frame", telemetry.LabelError.L(err))
			reject(QErrStreamProtocolViolation, "protocol_violation")
			return
		}

		logger.Warn("error waiting for stream init frame", telemetry.LabelError.L(err))
		reject(QErrStreamClosed, "no_init_frame")
		return
	}

	mLabels = append(mLabels, telemetry.LabelStreamMode.M(frame.Mode.String()))
	switch frame.Mode {
	case wire.StreamModeGossip:
		gs := &gossipStream{
			localAddr:  hcx.LocalAddr(),
			remoteAddr: hcx.RemoteAddr(),
			Stream:     stream,
		}
		select {
		case t.streamCh <- gs:
		case <-t.shutdownCh:
			reject(QErrStreamShutdown, "shutdown")
			return
		}
		go closeOnDrain(gs, hcx.closeCh)
	case wire.StreamModeService:
		ss := &serviceStream{service: frame.Service, Stream: stream}
		select {
		case t.serviceCh <- ss:
		case <-t.shutdownCh:
			reject(QErrStreamShutdown, "shutdown")
			return
		}
		go closeOnDrain(ss, hcx.closeCh)
	}

	logger.Debug("stream established", telemetry.LabelStreamMode.L(frame.Mode.String()))
	t.msink.IncrCounterWithLabels(MetricStreamEstInCount, 1.0, mLabels)
}

func (t *Transport) getActiveCx(
	ctx context.Context,
	target memberlist.Address,
) (hostCx, error) {
	t.hostsLock.RLock()
	var dest unique.Handle[Hostname]
	if target.Name != "" {
		dest = unique.Make(Hostname(target.Name))
	} else {
		resolved, ok := t.addrToHost[target.Addr]
		if !ok {
			t.hostsLock.RUnlock()
			return t.dial(ctx, target.Addr)
		}
		dest = resolved
	}

	cx, hasCx := t.firstActiveCx(dest)
	t.hostsLock.RUnlock()
	if hasCx {
		return cx, nil
	}

	return t.dial(ctx, target.Addr)
}

func (t *Transport) dial(ctx context.Context, target string) (hostCx, error) {
	if t.closed.Load() {
		return hostCx{}, ErrShutdown
	}

	addr, err := net.ResolveUDPAddr("udp", target)
	if err != nil {
		return hostCx{}, fmt.Errorf("%w: %w", ErrInvalidAddr, err)
	}

	cx, err := t.tr.Dial(ctx, addr, t.tlsCfg, t.quicCfg)
	if t.closed.Load() {
		if err == nil {
			QErrShutdown.Close(cx, "we are shutting down! bye!")
		}
		return hostCx{}, ErrShutdown
	}
	if err != nil {
		return hostCx{}, err
	}

	return t.handleConn(cx)
}

// not thread safe!
// must be called by an holder of Write lock
func (t *Transport) garbageCollectCxs(dest unique.Handle[Hostname]) ([]hostCx, bool) {
	cxs, hasCxs := t.hostsCxs[dest]
	if !hasCxs {
		return cxs, hasCxs
	}

	cleanedUpList := make([]hostCx, 0, len(cxs))
	for _, cx := range cxs {
		if cx.Context().Err() == nil {
			cleanedUpList = append(cleanedUpList, cx)
		}
	}

	if len(cleanedUpList) == 0 {
		delete(t.hostsCxs, dest)
		return nil, false
	}

	t.hostsCxs[dest] = cleanedUpList
	return cleanedUpList, true
}

// not thread safe!
// must be called by an holder of Read lock
func (t *Transport) firstActiveCx(dest unique.Handle[Hostname]) (hostCx, bool) {
	for _, cx := range t.hostsCxs[dest] {
		if cx.Context().Err() == nil {
			return cx, true
		}
	}
	return hostCx{}, false
}

func (t *Transport) handleConn(conn quic.Connection) (hostCx, error) {
	peer := conn.RemoteAddr().String()
	peerAddr, rawPort, err := net.SplitHostPort(peer)
	if err != nil {
		QErrInternal.Close(conn, "unexpected remote address")
		return hostCx{}, fmt.Errorf("%w: %w", ErrInvalidAddr, err)
	}
	peerPort, err := strconv.Atoi(rawPort)
	if err != nil {
		QErrInternal.Close(conn, "unexpected remote port")
		return hostCx{}, fmt.Errorf("%w: %w", ErrInvalidAddr, err)
	}

	logger := t.logger.With(telemetry.LabelPeerAddr.L(peer))
	mLabels := telemetry.With(t.cfg.MetricLabels, telemetry.LabelPeerAddr.M(peer))

	rsvHostname, err := t.cfg.HostnameResolver(conn.ConnectionState().TLS.PeerCertificates)
	if err != nil {
		logger.Error("failed to resolve hostname", telemetry.LabelError.L(err))
		t.msink.IncrCounterWithLabels(
			MetricConnErrorCount,
			1.0,
			append(mLabels, telemetry.LabelError.M("name_resolution")),
		)
		QErrHostname.Close(conn, err.Error())
		return hostCx{}, fmt.Errorf("%w: %w", ErrHostnameResolve, err)
	}

	mLabels = append(mLabels, telemetry.LabelPeerName.M(string(rsvHostname)))
	rsvHostnameHandle := unique.Make(rsvHostname)

	t.hostsLock.Lock()
	if t.closed.Load() {
		t.hostsLock.Unlock()
		QErrShutdown.Close(conn, "we are shutting down! bye!")
		return hostCx{}, ErrShutdown
	}

	// First, we check if we need to update our Addr to Hostname
	// mapping.
	currentHostname, ok := t.addrToHost[peer]
	if ok {
		if currentHostname != rsvHostnameHandle {
			logger := logger.With(
				"old", currentHostname.Value(),
				"new", rsvHostname,
			)

			logger.Warn("a peer changed its name, updating")
			t.addrToHost[peer] = rsvHostnameHandle

			// We need to migrate the connections as well.
			if cxs, hasConnections := t.hostsCxs[currentHostname]; hasConnections {
				logger.Debug("migrating connections")
				delete(t.hostsCxs, currentHostname)
				t.hostsCxs[rsvHostnameHandle] = cxs
			}
			t.msink.IncrCounterWithLabels(
				MetricHostNameChanges,
				1.0,
				telemetry.With(t.cfg.MetricLabels, telemetry.LabelPeerAddr.M(peer)),
			)
		}
	} else {
		t.addrToHost[peer] = rsvHostnameHandle
		logger.Info("new peer discovered", telemetry.LabelPeerName.L(rsvHostname))
	}

	// A known hostname showing up from another address is either a node
	// which moved, or two nodes sharing a certificate.
	hostInfo, ok := t.hostsInfo[rsvHostnameHandle]
	if !ok || hostInfo.Addr != peerAddr || hostInfo.Port != peerPort {
		if ok {
			logger := logger.With(
				"old_addr", hostInfo.Address(),
				"new_addr", peer,
			)
			logger.Warn("a node has been migrated or there is a name conflict in the cluster")
			t.msink.IncrCounterWithLabels(
				MetricHostNameChanges,
				1.0,
				telemetry.With(t.cfg.MetricLabels, telemetry.LabelPeerName.M(string(rsvHostname))),
			)

			if stale, stillActive := t.garbageCollectCxs(rsvHostnameHandle); stillActive {
				logger.Error("connection is still active after node migration, that's a symptom of name conflict!")
				t.msink.IncrCounterWithLabels(
					MetricHostConflictsCount,
					1.0,
					telemetry.With(t.cfg.MetricLabels, telemetry.LabelPeerAddr.M(peer)),
				)
				for _, cx := range stale {
					QErrNameConflict.Close(
						cx, "we detected a node name conflict in the cluster! "+
							"if you have not rescheduled this node on another machine, "+
							"one of your certificates may have leaked",
					)
				}
				delete(t.hostsCxs, rsvHostnameHandle)
			}
		}

		t.hostsInfo[rsvHostnameHandle] = Host{
			Name: rsvHostnameHandle,
			Addr: peerAddr,
			Port: peerPort,
		}
	}

	// Then, we actually perform the connection update
	// after a pass of garbage collection.
	hcx := hostCx{
		closeCh:    make(chan struct{}),
		Connection: conn,
	}
	active, _ := t.garbageCollectCxs(rsvHostnameHandle)
	t.hostsCxs[rsvHostnameHandle] = append(active, hcx)

	// Added under the lock, so Shutdown cannot be waiting yet.
	t.wg.Add(2)
	t.hostsLock.Unlock()

	t.msink.IncrCounterWithLabels(MetricConnEstCount, 1.0, mLabels)

	go t.waitForDatagrams(hcx)
	go t.handleStreams(hcx)
	return hcx, nil
}
