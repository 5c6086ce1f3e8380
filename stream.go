package corelink

import (
	"context"
	"io"
	"net"

	"github.com/quic-go/quic-go"
	"github.com/raskyld/corelink/pkg/service"
)

// gossipStream is the `net.Conn` memberlist uses for push/pull and
// fallback probes.
type gossipStream struct {
	localAddr  net.Addr
	remoteAddr net.Addr

	// quic-go serializes Read, Write and Close on a stream, so the
	// wrapper does not add its own locking.
	quic.Stream
}

func (gs *gossipStream) LocalAddr() net.Addr {
	return gs.localAddr
}

func (gs *gossipStream) RemoteAddr() net.Addr {
	return gs.remoteAddr
}

var _ service.Conn = (*serviceStream)(nil)

// serviceStream carries the calls of one client to one server slot.
type serviceStream struct {
	service string
	quic.Stream
}

// Close tears down both directions. quic-go only closes the write side
// on `quic.Stream.Close`, which would leave the peer free to keep sending.
func (ss *serviceStream) Close() error {
	ss.Stream.CancelRead(QErrStreamClosed)
	return ss.Stream.Close()
}

type drainable interface {
	io.Closer
	Context() context.Context
}

// closeOnDrain closes stream once the connection carrying it is asked
// to drain. It returns early if the stream is closed first.
func closeOnDrain(stream drainable, drain <-chan struct{}) {
	select {
	case <-stream.Context().Done():
	case <-drain:
		stream.Close()
	}
}
