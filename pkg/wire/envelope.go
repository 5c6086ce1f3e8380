package wire

import (
	"fmt"
	"io"

	"google.golang.org/protobuf/encoding/protowire"
)

// CallStatus is the lifecycle state of a call, shared by both ends of a
// service stream.
type CallStatus uint8

const (
	// StatusSuspended means the slot is idle and waits for a request.
	StatusSuspended CallStatus = iota
	// StatusRunning means a handler is executing the call.
	StatusRunning
	// StatusCancelRequested means the client asked to cancel while the
	// handler is still executing.
	StatusCancelRequested
	StatusSucceeded
	StatusFailed
	StatusAborted
)

func (st CallStatus) String() string {
	switch st {
	case StatusSuspended:
		return "suspended"
	case StatusRunning:
		return "running"
	case StatusCancelRequested:
		return "cancel_requested"
	case StatusSucceeded:
		return "succeeded"
	case StatusFailed:
		return "failed"
	case StatusAborted:
		return "aborted"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(st))
	}
}

// IsTerminal reports whether the status ends a call.
func (st CallStatus) IsTerminal() bool {
	return st == StatusSucceeded || st == StatusFailed || st == StatusAborted
}

func (st CallStatus) valid() bool {
	return st <= StatusAborted
}

// Action is what a client asks the server to do with a request.
type Action uint8

const (
	ActionUnspecified Action = iota
	ActionNewCall
	ActionCancel
)

func (act Action) String() string {
	switch act {
	case ActionNewCall:
		return "new_call"
	case ActionCancel:
		return "cancel"
	default:
		return "unspecified"
	}
}

// Request is sent from a client to a server slot.
type Request struct {
	Action  Action
	Payload []byte
}

// Reply is sent from a server slot back to its client. The payload is
// only meaningful for terminal statuses.
type Reply struct {
	Status  CallStatus
	Payload []byte
}

const (
	fieldEnvelopeKind    protowire.Number = 1
	fieldEnvelopePayload protowire.Number = 2
)

func (req *Request) Marshal() ([]byte, error) {
	if req.Action != ActionNewCall && req.Action != ActionCancel {
		return nil, fmt.Errorf("%w: action %s", ErrInvalidEnvelope, req.Action)
	}

	return appendEnvelope(nil, uint64(req.Action), req.Payload), nil
}

func UnmarshalRequest(buf []byte) (*Request, error) {
	kind, payload, err := consumeEnvelope(buf)
	if err != nil {
		return nil, err
	}

	act := Action(kind)
	if act != ActionNewCall && act != ActionCancel {
		return nil, fmt.Errorf("%w: unknown action %d", ErrInvalidEnvelope, kind)
	}

	return &Request{Action: act, Payload: payload}, nil
}

func (rep *Reply) Marshal() ([]byte, error) {
	if !rep.Status.valid() {
		return nil, fmt.Errorf("%w: status %s", ErrInvalidEnvelope, rep.Status)
	}

	return appendEnvelope(nil, uint64(rep.Status), rep.Payload), nil
}

func UnmarshalReply(buf []byte) (*Reply, error) {
	kind, payload, err := consumeEnvelope(buf)
	if err != nil {
		return nil, err
	}

	if kind > uint64(StatusAborted) {
		return nil, fmt.Errorf("%w: unknown status %d", ErrInvalidEnvelope, kind)
	}

	return &Reply{Status: CallStatus(kind), Payload: payload}, nil
}

// WriteRequest encodes req and writes it as one frame.
func WriteRequest(w io.Writer, req *Request) error {
	buf, err := req.Marshal()
	if err != nil {
		return err
	}
	return WriteFrame(w, buf)
}

// ReadRequest reads one frame and decodes it as a `Request`.
//
// A frame that was fully read but does not hold a valid request returns
// an error wrapping `ErrInvalidEnvelope`: the stream is still usable.
func ReadRequest(r io.Reader) (*Request, error) {
	buf, err := ReadFrame(r)
	if err != nil {
		return nil, err
	}
	return UnmarshalRequest(buf)
}

func WriteReply(w io.Writer, rep *Reply) error {
	buf, err := rep.Marshal()
	if err != nil {
		return err
	}
	return WriteFrame(w, buf)
}

func ReadReply(r io.Reader) (*Reply, error) {
	buf, err := ReadFrame(r)
	if err != nil {
		return nil, err
	}
	return UnmarshalReply(buf)
}

func appendEnvelope(b []byte, kind uint64, payload []byte) []byte {
	b = protowire.AppendTag(b, fieldEnvelopeKind, protowire.VarintType)
	b = protowire.AppendVarint(b, kind)
	if len(payload) > 0 {
		b = protowire.AppendTag(b, fieldEnvelopePayload, protowire.BytesType)
		b = protowire.AppendBytes(b, payload)
	}
	return b
}

func consumeEnvelope(buf []byte) (kind uint64, payload []byte, err error) {
	fr := fieldReader{buf: buf}
	hasKind := false
	for {
		num, typ, ok := fr.next()
		if !ok {
			break
		}

		switch {
		case num == fieldEnvelopeKind && typ == protowire.VarintType:
			kind = fr.varint()
			hasKind = true
		case num == fieldEnvelopePayload && typ == protowire.BytesType:
			payload = fr.bytes()
		default:
			fr.skip(num, typ)
		}
	}

	if fr.err != nil {
		return 0, nil, fmt.Errorf("%w: %w", ErrInvalidEnvelope, fr.err)
	}

	if !hasKind {
		return 0, nil, fmt.Errorf("%w: missing action or status", ErrInvalidEnvelope)
	}

	return kind, payload, nil
}
