// Package codec maps typed messages to the opaque payloads carried by
// call envelopes.
package codec

import (
	"encoding/json"
	"errors"
	"fmt"
	"reflect"

	"google.golang.org/protobuf/proto"
)

var (
	ErrEncode = errors.New("codec: could not encode message")
	ErrDecode = errors.New("codec: could not decode payload")
)

// Codec converts messages of type Msg to and from payloads.
type Codec[Msg any] interface {
	Marshal(msg Msg) ([]byte, error)
	Unmarshal(payload []byte) (Msg, error)
}

// Bytes passes payloads through. With copyBuffers, the payload is
// copied so the caller can reuse its buffer.
type Bytes struct {
	copyBuffers bool
}

func NewBytes(copyBuffers bool) Bytes {
	return Bytes{copyBuffers: copyBuffers}
}

func (c Bytes) Marshal(msg []byte) ([]byte, error) {
	if !c.copyBuffers {
		return msg, nil
	}
	return append([]byte(nil), msg...), nil
}

func (c Bytes) Unmarshal(payload []byte) ([]byte, error) {
	return c.Marshal(payload)
}

// JSON encodes messages with `encoding/json`. Msg must be a pointer.
type JSON[Msg any] struct {
	allocator func() Msg
}

func NewJSON[Msg any]() JSON[Msg] {
	t := reflect.TypeFor[Msg]()
	if t.Kind() != reflect.Pointer {
		panic("it makes no sense to try to unmarshal into a non-pointer")
	}

	return JSON[Msg]{
		allocator: func() Msg {
			return reflect.New(t.Elem()).Interface().(Msg)
		},
	}
}

func (c JSON[Msg]) Marshal(msg Msg) ([]byte, error) {
	buf, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrEncode, err)
	}
	return buf, nil
}

func (c JSON[Msg]) Unmarshal(payload []byte) (Msg, error) {
	msg := c.allocator()
	if err := json.Unmarshal(payload, msg); err != nil {
		var zero Msg
		return zero, fmt.Errorf("%w: %w", ErrDecode, err)
	}
	return msg, nil
}

// Proto encodes protobuf messages.
type Proto[Msg proto.Message] struct{}

func NewProto[Msg proto.Message]() Proto[Msg] {
	return Proto[Msg]{}
}

func (Proto[Msg]) Marshal(msg Msg) ([]byte, error) {
	buf, err := proto.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrEncode, err)
	}
	return buf, nil
}

func (Proto[Msg]) Unmarshal(payload []byte) (Msg, error) {
	var allocated Msg
	allocated = allocated.ProtoReflect().New().Interface().(Msg)
	if err := proto.Unmarshal(payload, allocated); err != nil {
		var zero Msg
		return zero, fmt.Errorf("%w: %w", ErrDecode, err)
	}
	return allocated, nil
}
