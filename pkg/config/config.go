// Package config loads the configuration of a corelink process from a
// YAML file, overridable with `CORELINK_` environment variables.
//
// Nested keys map to environment variables by replacing dots with
// underscores: `node.bind_port` is read from `CORELINK_NODE_BIND_PORT`.
package config

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/hashicorp/go-metrics"
	"github.com/raskyld/corelink"
	"github.com/raskyld/corelink/pkg/service"
	"github.com/spf13/viper"
)

const EnvPrefix = "CORELINK"

var (
	ErrInvalidConfig = errors.New("config: invalid configuration")
	ErrTLS           = errors.New("config: could not load TLS material")
)

type Config struct {
	Node struct {
		Name            string        `mapstructure:"name"`
		BindAddr        string        `mapstructure:"bind_addr"`
		BindPort        int           `mapstructure:"bind_port"`
		AdvertiseAddr   string        `mapstructure:"advertise_addr"`
		AdvertisePort   int           `mapstructure:"advertise_port"`
		Neighbours      []string      `mapstructure:"neighbours"`
		DialTimeout     time.Duration `mapstructure:"dial_timeout"`
		GracePeriod     time.Duration `mapstructure:"grace_period"`
		ConflictTimeout time.Duration `mapstructure:"conflict_timeout"`
		HintMaxStreams  int64         `mapstructure:"hint_max_streams"`
	} `mapstructure:"node"`

	TLS struct {
		Cert string `mapstructure:"cert"`
		Key  string `mapstructure:"key"`
		CA   string `mapstructure:"ca"`
	} `mapstructure:"tls"`

	Log struct {
		Level  string `mapstructure:"level"`
		Format string `mapstructure:"format"`
	} `mapstructure:"log"`

	Metrics struct {
		Labels map[string]string `mapstructure:"labels"`
	} `mapstructure:"metrics"`

	Service struct {
		ListenPool   int           `mapstructure:"listen_pool"`
		WriteTimeout time.Duration `mapstructure:"write_timeout"`
		BackoffMin   time.Duration `mapstructure:"backoff_min"`
		BackoffMax   time.Duration `mapstructure:"backoff_max"`
	} `mapstructure:"service"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("node.name", "")
	v.SetDefault("node.bind_addr", "0.0.0.0")
	v.SetDefault("node.bind_port", 6174)
	v.SetDefault("node.advertise_addr", "")
	v.SetDefault("node.advertise_port", 0)
	v.SetDefault("node.neighbours", []string{})
	v.SetDefault("node.dial_timeout", 30*time.Second)
	v.SetDefault("node.grace_period", 2*time.Second)
	v.SetDefault("node.conflict_timeout", 10*time.Second)
	v.SetDefault("node.hint_max_streams", 0)

	v.SetDefault("tls.cert", "")
	v.SetDefault("tls.key", "")
	v.SetDefault("tls.ca", "")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")

	v.SetDefault("metrics.labels", map[string]string{})

	v.SetDefault("service.listen_pool", service.DefaultListenPool)
	v.SetDefault("service.write_timeout", time.Duration(0))
	v.SetDefault("service.backoff_min", 100*time.Millisecond)
	v.SetDefault("service.backoff_max", 5*time.Second)
}

// Load reads the YAML file at path. An empty path only loads the
// defaults and the environment.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := c.validate(); err != nil {
		return nil, err
	}

	return &c, nil
}

func (c *Config) validate() error {
	if c.Node.BindPort < 0 || c.Node.BindPort > 65535 {
		return fmt.Errorf("%w: node.bind_port %d out of range", ErrInvalidConfig, c.Node.BindPort)
	}

	switch strings.ToLower(c.Log.Format) {
	case "text", "json":
	default:
		return fmt.Errorf("%w: unknown log.format %q", ErrInvalidConfig, c.Log.Format)
	}

	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(c.Log.Level)); err != nil {
		return fmt.Errorf("%w: log.level: %w", ErrInvalidConfig, err)
	}

	return nil
}

// LogHandler builds the `slog.Handler` described by the `log` section,
// writing to stderr.
func (c *Config) LogHandler() slog.Handler {
	var lvl slog.Level
	// validated by Load
	_ = lvl.UnmarshalText([]byte(c.Log.Level))

	opts := &slog.HandlerOptions{Level: lvl}
	if strings.ToLower(c.Log.Format) == "json" {
		return slog.NewJSONHandler(os.Stderr, opts)
	}
	return slog.NewTextHandler(os.Stderr, opts)
}

// TLSConfig loads the mTLS material of the node. Both peers verify each
// other with the same CA bundle.
func (c *Config) TLSConfig() (*tls.Config, error) {
	if c.TLS.CA == "" || c.TLS.Cert == "" || c.TLS.Key == "" {
		return nil, fmt.Errorf("%w: tls.cert, tls.key and tls.ca are required", ErrTLS)
	}

	keypair, err := tls.LoadX509KeyPair(c.TLS.Cert, c.TLS.Key)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrTLS, err)
	}

	caBytes, err := os.ReadFile(c.TLS.CA)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrTLS, err)
	}

	caBundle := x509.NewCertPool()
	if !caBundle.AppendCertsFromPEM(caBytes) {
		return nil, fmt.Errorf("%w: no certificate found in %s", ErrTLS, c.TLS.CA)
	}

	return &tls.Config{
		ClientAuth:   tls.RequireAndVerifyClientCert,
		ClientCAs:    caBundle,
		Certificates: []tls.Certificate{keypair},
		RootCAs:      caBundle,
	}, nil
}

// MetricLabels returns the static labels sorted by name.
func (c *Config) MetricLabels() []metrics.Label {
	labels := make([]metrics.Label, 0, len(c.Metrics.Labels))
	for name, value := range c.Metrics.Labels {
		labels = append(labels, metrics.Label{Name: name, Value: value})
	}
	sort.Slice(labels, func(i, j int) bool {
		return labels[i].Name < labels[j].Name
	})
	return labels
}

// ServiceOptions returns the options applied to every server and client.
func (c *Config) ServiceOptions() []service.Option {
	return []service.Option{
		service.WithListenPool(c.Service.ListenPool),
		service.WithWriteTimeout(c.Service.WriteTimeout),
		service.WithBackoff(c.Service.BackoffMin, c.Service.BackoffMax),
	}
}

// NodeOptions returns the options to pass to `corelink.Create`, tlsConf
// usually comes from `Config.TLSConfig`.
func (c *Config) NodeOptions(tlsConf *tls.Config) []corelink.Option {
	opts := []corelink.Option{
		corelink.WithHostname(c.Node.Name),
		corelink.WithListenOn(c.Node.BindAddr, c.Node.BindPort),
		corelink.WithTlsConfig(tlsConf),
		corelink.WithLog(c.LogHandler()),
		corelink.WithDialTimeout(c.Node.DialTimeout),
		corelink.WithGracePeriod(c.Node.GracePeriod),
		corelink.WithConflictTimeout(c.Node.ConflictTimeout),
		corelink.WithHintMaxStreams(c.Node.HintMaxStreams),
		corelink.WithServiceOptions(c.ServiceOptions()...),
	}

	if c.Node.AdvertiseAddr != "" {
		opts = append(opts, corelink.WithAdvertiseAddr(c.Node.AdvertiseAddr, c.Node.AdvertisePort))
	}

	if neighbours := c.neighbours(); len(neighbours) > 0 {
		opts = append(opts, corelink.WithNeighbours(neighbours))
	}

	if labels := c.MetricLabels(); len(labels) > 0 {
		opts = append(opts, corelink.WithMetricLabels(labels))
	}

	return opts
}

func (c *Config) neighbours() []string {
	neighbours := make([]string, 0, len(c.Node.Neighbours))
	for _, n := range c.Node.Neighbours {
		if n = strings.TrimSpace(n); n != "" {
			neighbours = append(neighbours, n)
		}
	}
	return neighbours
}
