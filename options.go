package corelink

import (
	"crypto/tls"
	"fmt"
	"log/slog"
	"time"

	leg_metrics "github.com/armon/go-metrics"
	"github.com/hashicorp/go-metrics"
	"github.com/hashicorp/memberlist"
	"github.com/raskyld/corelink/pkg/service"
)

type config struct {
	mlCfg        *memberlist.Config
	trCfg        TransportConfig
	logHandler   slog.Handler
	msink        metrics.MetricSink
	metricLabels []metrics.Label
	neighbours   []string
	serviceOpts  []service.Option

	conflictTimeout time.Duration
	leaveTimeout    time.Duration
}

// Option to pass to `Create`
type Option func(*config) error

// WithListenOn specifies which UDP interface must be used by the node.
// Gossip and service streams share the same socket.
func WithListenOn(addr string, port int) Option {
	return func(c *config) error {
		c.mlCfg.BindAddr = addr
		c.mlCfg.BindPort = port
		return nil
	}
}

// WithAdvertiseAddr overrides the address other nodes use to reach us.
// It is required when listening on an unspecified address.
func WithAdvertiseAddr(addr string, port int) Option {
	return func(c *config) error {
		c.mlCfg.AdvertiseAddr = addr
		c.mlCfg.AdvertisePort = port
		return nil
	}
}

// WithLog specifies which `slog.Handler` to use.
func WithLog(handler slog.Handler) Option {
	return func(c *config) error {
		c.logHandler = handler
		c.trCfg.LogHandler = handler
		return nil
	}
}

// WithHostname specifies which hostname should be exposed to other
// peers when joining the cluster. For a well-behaving cluster, the name
// MUST be unique and match the Common Name of the node certificate.
func WithHostname(hostname string) Option {
	return func(c *config) error {
		if hostname != "" {
			c.mlCfg.Name = hostname
		}
		return nil
	}
}

// WithMetricLabels adds static labels to all metrics produced by the node.
func WithMetricLabels(labels []metrics.Label) Option {
	return func(c *config) error {
		c.metricLabels = labels
		c.trCfg.MetricLabels = labels

		// memberlist still emits through armon/go-metrics.
		c.mlCfg.MetricLabels = make([]leg_metrics.Label, len(labels))
		for i, label := range labels {
			c.mlCfg.MetricLabels[i] = leg_metrics.Label{
				Name:  label.Name,
				Value: label.Value,
			}
		}
		return nil
	}
}

// WithTlsConfig set the `tls.Config` used by the QUIC transport.
// Peers authenticate each other with mTLS, so the config must both
// present a certificate and verify the one of the peer.
func WithTlsConfig(tlsConf *tls.Config) Option {
	return func(c *config) error {
		if tlsConf == nil {
			return ErrNoTLSConfig
		}
		c.trCfg.TlsConfig = tlsConf.Clone()
		return nil
	}
}

// WithHintMaxStreams gives an indication of the maximum number of
// service streams you intend to open concurrently with any peer.
func WithHintMaxStreams(hint int64) Option {
	return func(c *config) error {
		if hint < 0 {
			return fmt.Errorf("negative stream hint %d", hint)
		}
		if hint == 0 {
			hint = defaultHintMaxStreams
		}
		c.trCfg.HintMaxStreams = hint
		return nil
	}
}

// WithMetricSink allows you to chose how to collect the metrics emitted by
// your `Node` and its services.
func WithMetricSink(ms metrics.MetricSink) Option {
	return func(c *config) error {
		if ms == nil {
			ms = &metrics.BlackholeSink{}
		}
		c.msink = ms
		c.trCfg.MetricSink = ms
		return nil
	}
}

// WithDialTimeout controls how much time we are willing to wait for a
// remote node to answer.
func WithDialTimeout(timeout time.Duration) Option {
	return func(c *config) error {
		if timeout == 0 {
			timeout = 30 * time.Second
		}
		c.trCfg.DialTimeout = timeout
		return nil
	}
}

// WithGracePeriod controls how much time we wait on Shutdown for QUIC
// buffers to flush.
func WithGracePeriod(period time.Duration) Option {
	return func(c *config) error {
		if period < 0 {
			return fmt.Errorf("negative grace period %s", period)
		}
		c.trCfg.GracePeriod = period
		return nil
	}
}

// WithNeighbours controls which peers are tried initially to Join the
// cluster.
func WithNeighbours(neighbours []string) Option {
	return func(c *config) error {
		c.neighbours = neighbours
		return nil
	}
}

// WithServiceOptions sets options applied to every server started with
// `Node.ServeService` and every client built with `Node.ServiceClient`.
func WithServiceOptions(opts ...service.Option) Option {
	return func(c *config) error {
		c.serviceOpts = append(c.serviceOpts, opts...)
		return nil
	}
}

// WithConflictTimeout controls how long two nodes may claim the same
// service name before the cluster picks a winner.
func WithConflictTimeout(timeout time.Duration) Option {
	return func(c *config) error {
		if timeout <= 0 {
			return fmt.Errorf("conflict timeout must be positive, got %s", timeout)
		}
		c.conflictTimeout = timeout
		return nil
	}
}
