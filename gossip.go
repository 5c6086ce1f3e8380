package corelink

import (
	"log/slog"
	"sync/atomic"

	"github.com/hashicorp/memberlist"
	"github.com/raskyld/corelink/pkg/telemetry"
	"github.com/raskyld/corelink/pkg/wire"
)

var (
	_ memberlist.Delegate       = (*gossip)(nil)
	_ memberlist.EventDelegate  = (*gossip)(nil)
	_ memberlist.NamedBroadcast = (*claimBroadcast)(nil)
)

// gossip spreads the name claims of the cluster on top of memberlist.
//
// Claims are broadcast when they are made and the claims of a node are
// also exchanged during push/pull, so late joiners catch up.
type gossip struct {
	logger     *slog.Logger
	dir        *nameDirectory
	localNode  string
	broadcasts *memberlist.TransmitLimitedQueue
	members    atomic.Int32
}

func newGossip(logger *slog.Logger, dir *nameDirectory, localNode string, retransmitMult int) *gossip {
	g := &gossip{
		logger:    logger,
		dir:       dir,
		localNode: localNode,
	}
	g.broadcasts = &memberlist.TransmitLimitedQueue{
		NumNodes:       g.numNodes,
		RetransmitMult: retransmitMult,
	}
	return g
}

func (g *gossip) numNodes() int {
	return max(int(g.members.Load()), 1)
}

// broadcast queues claim for dissemination. The returned channel is
// closed once the claim was transmitted enough times, or superseded.
func (g *gossip) broadcast(claim *wire.NameClaim) <-chan struct{} {
	b := &claimBroadcast{
		name:   claim.Service + "/" + claim.Node,
		msg:    claim.Marshal(),
		notify: make(chan struct{}),
	}
	g.broadcasts.QueueBroadcast(b)
	return b.notify
}

func (g *gossip) NodeMeta(limit int) []byte {
	return nil
}

func (g *gossip) NotifyMsg(buf []byte) {
	if len(buf) == 0 {
		return
	}

	claim, err := wire.UnmarshalNameClaim(buf)
	if err != nil {
		g.logger.Warn("dropping invalid claim", telemetry.LabelError.L(err))
		return
	}

	if claim.Node == g.localNode {
		// We are the authority on our own claims.
		return
	}

	if err := g.dir.record(claim, false); err != nil {
		g.logger.Warn("could not record claim", telemetry.LabelError.L(err))
	}
}

func (g *gossip) GetBroadcasts(overhead, limit int) [][]byte {
	return g.broadcasts.GetBroadcasts(overhead, limit)
}

func (g *gossip) LocalState(join bool) []byte {
	return wire.MarshalClaimSet(g.dir.localClaims())
}

func (g *gossip) MergeRemoteState(buf []byte, join bool) {
	claims, err := wire.UnmarshalClaimSet(buf)
	if err != nil {
		g.logger.Warn("dropping invalid remote state", telemetry.LabelError.L(err))
		return
	}

	for _, claim := range claims {
		if claim.Node == g.localNode {
			continue
		}
		if err := g.dir.record(claim, false); err != nil {
			g.logger.Warn("could not record claim", telemetry.LabelError.L(err))
		}
	}
}

func (g *gossip) NotifyJoin(node *memberlist.Node) {
	g.members.Add(1)
	withLogNode(g.logger, node).Info("peer joined cluster")
}

func (g *gossip) NotifyLeave(node *memberlist.Node) {
	g.members.Add(-1)
	withLogNode(g.logger, node).Info("peer left cluster")
	g.dir.purge(node.Name)
}

func (g *gossip) NotifyUpdate(node *memberlist.Node) {
	withLogNode(g.logger, node).Info("peer updated")
}

// claimBroadcast invalidates the older claims a node made on the same name.
type claimBroadcast struct {
	name   string
	msg    []byte
	notify chan struct{}
}

func (b *claimBroadcast) Invalidates(other memberlist.Broadcast) bool {
	nb, ok := other.(memberlist.NamedBroadcast)
	return ok && nb.Name() == b.name
}

func (b *claimBroadcast) Name() string {
	return b.name
}

func (b *claimBroadcast) Message() []byte {
	return b.msg
}

func (b *claimBroadcast) Finished() {
	if b.notify != nil {
		close(b.notify)
	}
}

func withLogNode(logger *slog.Logger, node *memberlist.Node) *slog.Logger {
	return logger.With(
		telemetry.LabelPeerName.L(node.Name),
		telemetry.LabelPeerAddr.L(node.Address()),
	)
}
