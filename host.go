package corelink

import (
	"crypto/x509"
	"log/slog"
	"net"
	"strconv"
	"unique"
)

type Hostname string

// Host is a peer we hold, or held, a QUIC connection with.
type Host struct {
	Name unique.Handle[Hostname]
	Addr string
	Port int
}

// Address returns the "ip:port" form of the host address.
func (host *Host) Address() string {
	return net.JoinHostPort(host.Addr, strconv.Itoa(host.Port))
}

func (host *Host) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("name", string(host.Name.Value())),
		slog.String("addr", host.Addr),
		slog.Int("port", host.Port),
	)
}

// HostnameResolver resolves the hostname of a peer from the certificates
// it presented.
//
// Implementations MUST NOT block, they run on the connection
// establishment critical path. The message of a returned error is sent
// to the remote peer so it can debug the failure.
type HostnameResolver func(certs []*x509.Certificate) (Hostname, error)

// CommonNameResolver is the default `HostnameResolver`, it uses the
// Subject Common Name of the peer certificate.
func CommonNameResolver(certs []*x509.Certificate) (Hostname, error) {
	if len(certs) == 0 || certs[0].Subject.CommonName == "" {
		return "", ErrHostnameResolve
	}
	return Hostname(certs[0].Subject.CommonName), nil
}
