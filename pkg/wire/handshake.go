package wire

import (
	"fmt"
	"io"

	"google.golang.org/protobuf/encoding/protowire"
)

// StreamMode tells the accepting side what a freshly opened stream
// is used for.
type StreamMode uint8

const (
	StreamModeUnspecified StreamMode = iota
	StreamModeGossip
	StreamModeService
)

func (mode StreamMode) String() string {
	switch mode {
	case StreamModeGossip:
		return "gossip"
	case StreamModeService:
		return "service"
	default:
		return "unspecified"
	}
}

// Init is the first frame sent on every stream.
type Init struct {
	Mode StreamMode

	// Service is the name of the service the stream must be routed to.
	// Only set for `StreamModeService`.
	Service string
}

const (
	fieldInitMode    protowire.Number = 1
	fieldInitService protowire.Number = 2
)

func (frame *Init) Marshal() ([]byte, error) {
	switch frame.Mode {
	case StreamModeGossip:
	case StreamModeService:
		if frame.Service == "" {
			return nil, fmt.Errorf("%w: service stream without a service name", ErrInvalidInit)
		}
	default:
		return nil, fmt.Errorf("%w: mode %s", ErrInvalidInit, frame.Mode)
	}

	b := protowire.AppendTag(nil, fieldInitMode, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(frame.Mode))
	if frame.Service != "" {
		b = protowire.AppendTag(b, fieldInitService, protowire.BytesType)
		b = protowire.AppendString(b, frame.Service)
	}
	return b, nil
}

func UnmarshalInit(buf []byte) (*Init, error) {
	frame := &Init{}
	fr := fieldReader{buf: buf}
	for {
		num, typ, ok := fr.next()
		if !ok {
			break
		}

		switch {
		case num == fieldInitMode && typ == protowire.VarintType:
			frame.Mode = StreamMode(fr.varint())
		case num == fieldInitService && typ == protowire.BytesType:
			frame.Service = fr.string()
		default:
			fr.skip(num, typ)
		}
	}

	if fr.err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidInit, fr.err)
	}

	switch frame.Mode {
	case StreamModeGossip:
	case StreamModeService:
		if frame.Service == "" {
			return nil, fmt.Errorf("%w: service stream without a service name", ErrInvalidInit)
		}
	default:
		return nil, fmt.Errorf("%w: unknown mode %d", ErrInvalidInit, frame.Mode)
	}

	return frame, nil
}

func WriteInit(w io.Writer, frame *Init) error {
	buf, err := frame.Marshal()
	if err != nil {
		return err
	}
	return WriteFrame(w, buf)
}

func ReadInit(r io.Reader) (*Init, error) {
	buf, err := ReadFrame(r)
	if err != nil {
		return nil, err
	}
	return UnmarshalInit(buf)
}
