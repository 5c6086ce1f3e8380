package corelink

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"sync"
	"time"

	"github.com/hashicorp/go-metrics"
	"github.com/hashicorp/memberlist"
	"github.com/raskyld/corelink/pkg/service"
	"github.com/raskyld/corelink/pkg/telemetry"
	"github.com/raskyld/corelink/pkg/wire"
)

const MaxServiceNameLength = 128

var invalidServiceName = regexp.MustCompile(`[^A-Za-z0-9\-\.]+`)

var (
	_ service.Resolver = (*Node)(nil)
	_ service.Dialer   = (*Node)(nil)
)

// Node is a member of a corelink cluster. It serves local services and
// lets clients reach the services of the whole cluster by name.
type Node struct {
	config config
	logger *slog.Logger
	msink  metrics.MetricSink

	// gossip
	dir    *nameDirectory
	ml     *memberlist.Memberlist
	gossip *gossip

	// transport
	tr        *Transport
	localAddr string
	localName string

	// services management
	services     map[string]*LocalService
	svcGC        chan *LocalService
	svcGCWriters sync.WaitGroup
	gcDone       chan struct{}

	// synchronisation
	lk sync.Mutex

	// 2-phase close:
	// phase 1: shutdown notification, services are released.
	// phase 2: the cluster is left and all resources are freed.
	shutdown   bool
	shutdownCh chan struct{}
	wg         sync.WaitGroup
}

func Create(opts ...Option) (*Node, error) {
	node := &Node{
		services:   make(map[string]*LocalService),
		svcGC:      make(chan *LocalService, 64),
		gcDone:     make(chan struct{}),
		shutdownCh: make(chan struct{}),
	}

	// Fine-tune memberlist config.
	node.config.mlCfg = memberlist.DefaultLANConfig()
	node.config.mlCfg.LogOutput = nil
	node.config.mlCfg.ProbeTimeout = 2 * time.Second
	// Gossip packets travel as QUIC datagrams, which must fit in a
	// single UDP packet along with the QUIC headers.
	node.config.mlCfg.UDPBufferSize = 1024

	node.config.trCfg.DialTimeout = defaultDialTimeout
	node.config.trCfg.GracePeriod = 2 * time.Second
	node.config.conflictTimeout = 10 * time.Second
	node.config.leaveTimeout = 5 * time.Second

	// Run options now that we have a non-nil memberlist config.
	for _, opt := range opts {
		err := opt(&node.config)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidCfg, err)
		}
	}

	node.config.trCfg.BindAddr = node.config.mlCfg.BindAddr
	node.config.trCfg.BindPort = node.config.mlCfg.BindPort

	// Logging implementations.
	if node.config.logHandler == nil {
		node.config.logHandler = slog.Default().Handler()
	}
	node.logger = slog.New(node.config.logHandler)
	node.config.trCfg.LogHandler = node.config.logHandler
	node.config.mlCfg.Logger = slog.NewLogLogger(node.config.logHandler, slog.LevelDebug)

	// Metrics implementations.
	if node.config.msink == nil {
		node.config.msink = metrics.Default()
	}
	node.msink = node.config.msink
	node.config.trCfg.MetricSink = node.msink

	// Initiate the QUIC transport layer.
	tr, err := NewTransport(&node.config.trCfg)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidCfg, err)
	}
	node.tr = tr

	// Make memberlist use our transport.
	node.config.mlCfg.Transport = tr

	// Create our name dir and the delegate gossiping it.
	localName := node.config.mlCfg.Name
	node.dir = newNameDir(
		node.logger,
		localName,
		node.config.conflictTimeout,
		min(time.Second, node.config.conflictTimeout/4),
		node.evict,
	)
	node.gossip = newGossip(node.logger, node.dir, localName, node.config.mlCfg.RetransmitMult)
	node.config.mlCfg.Delegate = node.gossip
	node.config.mlCfg.Events = node.gossip

	ml, err := memberlist.Create(node.config.mlCfg)
	if err != nil {
		tr.Shutdown()
		node.dir.close()
		return nil, fmt.Errorf("%w: %w", ErrInvalidCfg, err)
	}
	node.ml = ml

	// Fetch our final advertised interfaces.
	node.localName = ml.LocalNode().Name
	node.localAddr = ml.LocalNode().Address()
	node.logger = node.logger.With(slog.String("node", node.localName))

	// Route inbound service streams and release closed services.
	node.wg.Add(2)
	go node.handleServiceStreams()
	go node.handleServiceGC()

	return node, nil
}

// LocalName is the name of the node in the cluster.
func (node *Node) LocalName() string {
	return node.localName
}

// LocalAddr is the address advertised to the cluster.
func (node *Node) LocalAddr() string {
	return node.localAddr
}

func (node *Node) JoinCluster() error {
	node.lk.Lock()
	shutdown := node.shutdown
	node.lk.Unlock()
	if shutdown {
		return ErrNodeClosed
	}

	if len(node.config.neighbours) == 0 {
		return nil
	}

	joined, err := node.ml.Join(node.config.neighbours)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrJoinCluster, err)
	}
	node.logger.Info("cluster joined")
	if len(node.config.neighbours) != joined {
		node.logger.Warn(
			"not all neighbours are reachable",
			"joined", joined,
			"expected", len(node.config.neighbours),
		)
	}
	return nil
}

// Members returns the nodes currently alive in the cluster, including
// the local one.
func (node *Node) Members() []*memberlist.Node {
	return node.ml.Members()
}

func (node *Node) Shutdown() error {
	// Phase 1: Shutdown notify.
	node.lk.Lock()
	if node.shutdown {
		node.lk.Unlock()
		return nil
	}
	node.shutdown = true
	close(node.shutdownCh)
	node.lk.Unlock()

	start := time.Now()
	node.logger.Info("shutting down...")

	node.logger.Info("shutdown: release local services")
	node.svcGCWriters.Wait()
	<-node.gcDone

	node.logger.Info("shutdown: leave cluster")
	if err := node.ml.Leave(node.config.leaveTimeout); err != nil {
		node.logger.Warn("could not leave the cluster gracefully", telemetry.LabelError.L(err))
	}

	// Phase 2: Drop all resources.
	node.logger.Info("shutdown: release gossip and transport resources")
	if err := node.ml.Shutdown(); err != nil {
		node.logger.Warn("memberlist shutdown failed", telemetry.LabelError.L(err))
	}
	node.dir.close()

	node.logger.Info("shutdown: wait for sub-tasks to finish")
	node.wg.Wait()

	node.logger.Info("shutdown: completed", telemetry.LabelDuration.L(time.Since(start)))
	return nil
}

// ServeService claims name in the cluster and serves it with handler
// until the returned `LocalService` is closed, ctx is done or the node
// shuts down.
func (node *Node) ServeService(
	ctx context.Context,
	name string,
	handler service.Handler,
	opts ...service.Option,
) (*LocalService, error) {
	if !ValidateServiceName(name) {
		return nil, ErrNameInvalid
	}

	node.lk.Lock()
	defer node.lk.Unlock()
	if node.shutdown {
		return nil, ErrNodeClosed
	}
	if _, has := node.services[name]; has {
		return nil, fmt.Errorf("%w: %s is already served locally", ErrNameConflict, name)
	}

	claim := &wire.NameClaim{
		Service: name,
		Node:    node.localName,
		Mode:    wire.ClaimModeClaim,
	}
	if err := node.dir.record(claim, true); err != nil {
		node.msink.IncrCounterWithLabels(
			MetricNameConflictCount,
			1.0,
			telemetry.With(node.config.metricLabels, telemetry.LabelService.M(name)),
		)
		return nil, err
	}

	queue := service.NewConnQueue()
	srv, err := service.NewServer(ctx, name, queue, handler, node.serviceOpts(opts)...)
	if err != nil {
		node.unclaim(name)
		return nil, err
	}

	node.gossip.broadcast(claim)
	node.msink.IncrCounterWithLabels(
		MetricServiceClaimCount,
		1.0,
		telemetry.With(node.config.metricLabels, telemetry.LabelService.M(name)),
	)
	node.logger.Info("serving service", telemetry.LabelService.L(name))

	svc := newLocalService(name, srv, queue, node.gcService)
	node.services[name] = svc
	return svc, nil
}

// ServiceClient returns a client of the service name, wherever it is
// served in the cluster.
func (node *Node) ServiceClient(ctx context.Context, name string, opts ...service.Option) (*service.Client, error) {
	if !ValidateServiceName(name) {
		return nil, ErrNameInvalid
	}
	return service.NewClient(ctx, name, node, node, node.serviceOpts(opts)...)
}

// Resolve blocks until a node serves name and returns its address.
func (node *Node) Resolve(ctx context.Context, name string) (string, error) {
	if !ValidateServiceName(name) {
		return "", ErrNameInvalid
	}

	node.lk.Lock()
	shutdown := node.shutdown
	node.lk.Unlock()
	if shutdown {
		return "", ErrNodeClosed
	}

	owner, err := node.dir.await(ctx, name)
	if err != nil {
		return "", err
	}

	if owner == node.localName {
		return node.localAddr, nil
	}

	for _, member := range node.ml.Members() {
		if member.Name == owner {
			return member.Address(), nil
		}
	}

	return "", fmt.Errorf("%w: %s", ErrHostNotFound, owner)
}

// DialService opens a stream to the service name served at addr.
// Streams to local services never leave the process.
func (node *Node) DialService(ctx context.Context, addr, name string) (service.Conn, error) {
	if addr == node.localAddr {
		node.lk.Lock()
		svc, has := node.services[name]
		node.lk.Unlock()
		if !has {
			return nil, fmt.Errorf("%w: %w: %s", ErrDialFailed, ErrNameResolution, name)
		}

		local, remote := service.Pipe()
		if err := svc.deliver(ctx, remote); err != nil {
			local.Close()
			return nil, fmt.Errorf("%w: %w", ErrDialFailed, err)
		}
		return local, nil
	}

	stream, err := node.tr.dialService(ctx, addr, name)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDialFailed, err)
	}
	return stream, nil
}

// ScanServices lists the services whose name starts with prefix.
func (node *Node) ScanServices(prefix string) ([]string, error) {
	return node.dir.scan(prefix)
}

func (node *Node) serviceOpts(extra []service.Option) []service.Option {
	opts := []service.Option{
		service.WithLog(node.config.logHandler),
		service.WithMetricSink(node.msink),
		service.WithMetricLabels(node.config.metricLabels),
	}
	opts = append(opts, node.config.serviceOpts...)
	return append(opts, extra...)
}

func (node *Node) handleServiceStreams() {
	defer node.wg.Done()
	for {
		var ss *serviceStream
		select {
		case ss = <-node.tr.serviceCh:
		case <-node.shutdownCh:
			node.logger.Info("shutdown: stop accepting inbound service streams")
			return
		}

		mLabels := telemetry.With(node.config.metricLabels, telemetry.LabelService.M(ss.service))

		node.lk.Lock()
		svc, has := node.services[ss.service]
		node.lk.Unlock()
		if !has {
			ss.CancelRead(QErrStreamServiceNotFound)
			ss.CancelWrite(QErrStreamServiceNotFound)
			node.msink.IncrCounterWithLabels(
				MetricServiceStreamRejectedCount,
				1.0,
				append(mLabels, telemetry.LabelError.M("not_found")),
			)
			node.logger.Debug("rejected stream to unknown service", telemetry.LabelService.L(ss.service))
			continue
		}

		node.wg.Add(1)
		go func() {
			defer node.wg.Done()
			ctx, cancel := context.WithTimeout(context.Background(), node.config.trCfg.DialTimeout)
			defer cancel()

			if err := svc.deliver(ctx, ss); err != nil {
				ss.CancelRead(QErrStreamShutdown)
				ss.CancelWrite(QErrStreamShutdown)
				node.msink.IncrCounterWithLabels(
					MetricServiceStreamRejectedCount,
					1.0,
					append(mLabels, telemetry.LabelError.M("not_accepted")),
				)
				node.logger.Warn(
					"failed to deliver service stream",
					telemetry.LabelService.L(ss.service),
					telemetry.LabelError.L(err),
				)
				return
			}
			node.msink.IncrCounterWithLabels(MetricServiceStreamRoutedCount, 1.0, mLabels)
		}()
	}
}

func (node *Node) handleServiceGC() {
	defer node.wg.Done()
	defer close(node.gcDone)
	for {
		var svc *LocalService
		select {
		case svc = <-node.svcGC:
		case <-node.shutdownCh:
			node.lk.Lock()
			remaining := make([]*LocalService, 0, len(node.services))
			for _, svc := range node.services {
				remaining = append(remaining, svc)
			}
			node.lk.Unlock()

			// Servers wait for their handlers, never do it under the lock.
			for _, svc := range remaining {
				svc.closeWith(closedBecause(ClosedByShutdown, "node is shutting down"))
				node.lk.Lock()
				node.releaseService(svc)
				node.lk.Unlock()
			}
			return
		}

		node.lk.Lock()
		node.releaseService(svc)
		node.lk.Unlock()
	}
}

// gcService is called by a `LocalService` once it stopped.
func (node *Node) gcService(svc *LocalService) {
	node.lk.Lock()
	if node.shutdown {
		node.lk.Unlock()
		return
	}
	node.svcGCWriters.Add(1)
	node.lk.Unlock()

	select {
	case <-node.shutdownCh:
	case node.svcGC <- svc:
	}

	node.svcGCWriters.Done()
}

// not thread safe!
// must be called by an holder of node.lk
func (node *Node) releaseService(svc *LocalService) {
	current, has := node.services[svc.name]
	if !has || current != svc {
		// we already reclaimed the name with another service.
		return
	}
	delete(node.services, svc.name)
	node.unclaim(svc.name)
	node.logger.Info(
		"released service",
		telemetry.LabelService.L(svc.name),
		telemetry.LabelReason.L(svc.Err()),
	)
}

func (node *Node) unclaim(name string) {
	claim := &wire.NameClaim{
		Service: name,
		Node:    node.localName,
		Mode:    wire.ClaimModeUnclaim,
	}
	if err := node.dir.record(claim, true); err != nil {
		node.logger.Error("could not unclaim service", telemetry.LabelService.L(name), telemetry.LabelError.L(err))
		return
	}
	node.gossip.broadcast(claim)
	node.msink.IncrCounterWithLabels(
		MetricServiceUnclaimCount,
		1.0,
		telemetry.With(node.config.metricLabels, telemetry.LabelService.M(name)),
	)
}

// evict stops a local service which lost a name conflict.
func (node *Node) evict(name string) {
	node.lk.Lock()
	svc, has := node.services[name]
	node.lk.Unlock()
	if !has {
		return
	}

	node.logger.Warn("another node won the service name, stop serving it", telemetry.LabelService.L(name))
	node.msink.IncrCounterWithLabels(
		MetricServiceEvictedCount,
		1.0,
		telemetry.With(node.config.metricLabels, telemetry.LabelService.M(name)),
	)

	go func() {
		if svc.closeWith(closedBecause(ClosedByEvicted, "name conflict lost")) {
			node.gcService(svc)
		}
	}()
}

// ValidateServiceName reports whether name can be served.
func ValidateServiceName(name string) bool {
	return name != "" && len(name) <= MaxServiceNameLength && !invalidServiceName.MatchString(name)
}
