package service

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/hashicorp/go-metrics"
)

const (
	DefaultListenPool = 10
	defaultBackoffMin = 100 * time.Millisecond
	defaultBackoffMax = 5 * time.Second
)

type config struct {
	logHandler   slog.Handler
	msink        metrics.MetricSink
	metricLabels []metrics.Label
	listenPool   int
	writeTimeout time.Duration
	backoffMin   time.Duration
	backoffMax   time.Duration
}

// Option to pass to `NewServer` or `NewClient`.
type Option func(*config) error

func newConfig(opts []Option) (config, error) {
	cfg := config{
		listenPool: DefaultListenPool,
		backoffMin: defaultBackoffMin,
		backoffMax: defaultBackoffMax,
	}

	for _, opt := range opts {
		if err := opt(&cfg); err != nil {
			return cfg, fmt.Errorf("%w: %w", ErrInvalidCfg, err)
		}
	}

	if cfg.logHandler == nil {
		cfg.logHandler = slog.Default().Handler()
	}

	if cfg.msink == nil {
		cfg.msink = metrics.Default()
	}

	return cfg, nil
}

// WithLog specifies which `slog.Handler` to use.
func WithLog(handler slog.Handler) Option {
	return func(c *config) error {
		c.logHandler = handler
		return nil
	}
}

// WithMetricSink allows you to chose how to collect the metrics.
func WithMetricSink(ms metrics.MetricSink) Option {
	return func(c *config) error {
		if ms == nil {
			ms = &metrics.BlackholeSink{}
		}
		c.msink = ms
		return nil
	}
}

// WithMetricLabels adds static labels to all metrics.
func WithMetricLabels(labels []metrics.Label) Option {
	return func(c *config) error {
		c.metricLabels = labels
		return nil
	}
}

// WithListenPool sets how many slots are armed to accept a stream
// at any time.
func WithListenPool(size int) Option {
	return func(c *config) error {
		if size <= 0 {
			return fmt.Errorf("listen pool must be positive, got %d", size)
		}
		c.listenPool = size
		return nil
	}
}

// WithWriteTimeout bounds how long a single envelope write may block.
// Zero disables the deadline.
func WithWriteTimeout(timeout time.Duration) Option {
	return func(c *config) error {
		if timeout < 0 {
			return fmt.Errorf("write timeout must not be negative, got %s", timeout)
		}
		c.writeTimeout = timeout
		return nil
	}
}

// WithBackoff controls how a `Client` waits between two failed
// connection attempts.
func WithBackoff(initial, ceiling time.Duration) Option {
	return func(c *config) error {
		if initial <= 0 || ceiling < initial {
			return fmt.Errorf("invalid backoff bounds [%s, %s]", initial, ceiling)
		}
		c.backoffMin = initial
		c.backoffMax = ceiling
		return nil
	}
}
