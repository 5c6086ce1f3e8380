package corelink

import (
	"errors"
	"fmt"

	"github.com/quic-go/quic-go"
)

var (
	ErrNameInvalid = errors.New("node: service names must only contain alphanum, dashes, dots and be at most 128 chars")

	ErrInvalidCfg     = errors.New("node: invalid options")
	ErrJoinCluster    = errors.New("node: could not join cluster")
	ErrNodeClosed     = errors.New("node: shut down")
	ErrNameConflict   = errors.New("node: service name already claimed")
	ErrNameResolution = errors.New("node: service does not exist")
	ErrHostNotFound   = errors.New("node: the owner of the service is not a member")
	ErrDialFailed     = errors.New("node: could not dial service")

	ErrBufferSize      = errors.New("transport: could not allocate udp buffer")
	ErrHostnameResolve = errors.New("transport: could not resolve hostname from certificate")
	ErrInvalidAddr     = errors.New("transport: invalid address")
	ErrUdpNotAvailable = errors.New("transport: UDP listener not available")
	ErrShutdown        = errors.New("transport: shutting down")
	ErrStreamWrite     = errors.New("transport: error writing to a stream")
	ErrNoTLSConfig     = errors.New("transport: TlsConfig is required")
)

// Stream error codes used to reset QUIC streams.
var (
	QErrStreamClosed            = quic.StreamErrorCode(0x0)
	QErrStreamServiceNotFound   = quic.StreamErrorCode(0x1)
	QErrStreamShutdown          = quic.StreamErrorCode(0x2)
	QErrStreamProtocolViolation = quic.StreamErrorCode(0xFF)
)

var (
	QErrInternal = QuicApplicationError{
		Code:   0x1,
		Prefix: "internal",
	}
	QErrHostname = QuicApplicationError{
		Code:   0x2,
		Prefix: "hostname",
	}
	QErrShutdown = QuicApplicationError{
		Code:   0x3,
		Prefix: "shutdown",
	}
	QErrNameConflict = QuicApplicationError{
		Code:   0x4,
		Prefix: "name conflict",
	}
)

type QuicApplicationError struct {
	Code   uint64
	Prefix string
}

func (qerr *QuicApplicationError) Close(conn quic.Connection, msg string) error {
	if conn != nil {
		return conn.CloseWithError(
			quic.ApplicationErrorCode(qerr.Code),
			fmt.Sprintf("%s: %s", qerr.Prefix, msg),
		)
	}
	return nil
}

// ClosedBy tells why a `LocalService` stopped.
type ClosedBy uint8

const (
	ClosedByUnknown ClosedBy = iota
	ClosedByUser
	ClosedByContext
	ClosedByEvicted
	ClosedByShutdown
)

func (cause ClosedBy) String() string {
	switch cause {
	case ClosedByUser:
		return "explicit user close"
	case ClosedByContext:
		return "context done"
	case ClosedByEvicted:
		return "another node won the name"
	case ClosedByShutdown:
		return "node shutdown"
	default:
		return "unknown"
	}
}

// ClosedError is returned by `LocalService.Err` once the service stopped.
type ClosedError struct {
	Cause ClosedBy
	msg   string
}

func (err *ClosedError) Error() string {
	return fmt.Sprintf("service closed by %s: %s", err.Cause, err.msg)
}

func closedBecause(cause ClosedBy, msg string) *ClosedError {
	if msg == "" {
		msg = "no reason provided"
	}
	return &ClosedError{Cause: cause, msg: msg}
}
