// Package wire holds everything exchanged between two nodes: the length
// prefixed framing, the call envelopes, the stream handshake and the
// gossiped name claims.
//
// Messages are laid out with the protobuf wire format so a peer written
// against a `.proto` schema can interoperate, but they are encoded by hand
// with `protowire` to keep the hot path free of reflection.
package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"google.golang.org/protobuf/encoding/protowire"
)

// MaxFrameSize is the largest frame we accept to read or write.
const MaxFrameSize = 4 << 20

// maxEmptyReads bounds how many reads in a row may return no data and
// no error, like `bufio` does.
const maxEmptyReads = 100

var (
	ErrFrameTooLarge   = errors.New("wire: frame was too large")
	ErrMalformedFrame  = errors.New("wire: malformed frame prefix")
	ErrInvalidEnvelope = errors.New("wire: invalid envelope")
	ErrInvalidInit     = errors.New("wire: invalid init frame")
	ErrInvalidClaim    = errors.New("wire: invalid name claim")
)

// AppendFrame appends buf prefixed by its varint-encoded length to dst.
func AppendFrame(dst, buf []byte) []byte {
	dst = protowire.AppendVarint(dst, uint64(len(buf)))
	return append(dst, buf...)
}

// WriteFrame writes buf as a single frame. The prefix and the body are
// sent with one call to `Write`.
func WriteFrame(w io.Writer, buf []byte) error {
	if len(buf) > MaxFrameSize {
		return ErrFrameTooLarge
	}

	_, err := w.Write(AppendFrame(make([]byte, 0, len(buf)+binary.MaxVarintLen64), buf))
	return err
}

// ReadFrame reads exactly one frame from r.
//
// The prefix is consumed one byte at a time, so nothing past the end of
// the frame is ever read. This lets a handshake be parsed before handing
// the stream to its final consumer.
func ReadFrame(r io.Reader) ([]byte, error) {
	var prefix [binary.MaxVarintLen64]byte
	n, empty := 0, 0
	for {
		if n == len(prefix) {
			return nil, ErrMalformedFrame
		}

		m, err := r.Read(prefix[n : n+1])
		if m == 1 {
			n++
			empty = 0
			if prefix[n-1] < 0x80 {
				break
			}
			continue
		}

		if err != nil {
			if n > 0 && errors.Is(err, io.EOF) {
				err = io.ErrUnexpectedEOF
			}
			return nil, err
		}

		empty++
		if empty >= maxEmptyReads {
			return nil, io.ErrNoProgress
		}
	}

	size, k := protowire.ConsumeVarint(prefix[:n])
	if k < 0 {
		return nil, fmt.Errorf("%w: %w", ErrMalformedFrame, protowire.ParseError(k))
	}

	if size > MaxFrameSize {
		return nil, ErrFrameTooLarge
	}

	buf := make([]byte, size)
	if _, err := io.ReadFull(r, buf); err != nil {
		if errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		return nil, err
	}

	return buf, nil
}

// fieldReader walks the fields of a protobuf-encoded message.
// The first decoding error sticks and stops the iteration.
type fieldReader struct {
	buf []byte
	err error
}

func (fr *fieldReader) next() (protowire.Number, protowire.Type, bool) {
	if fr.err != nil || len(fr.buf) == 0 {
		return 0, 0, false
	}

	num, typ, n := protowire.ConsumeTag(fr.buf)
	if n < 0 {
		fr.err = protowire.ParseError(n)
		return 0, 0, false
	}
	fr.buf = fr.buf[n:]
	return num, typ, true
}

func (fr *fieldReader) varint() uint64 {
	v, n := protowire.ConsumeVarint(fr.buf)
	if n < 0 {
		fr.err = protowire.ParseError(n)
		return 0
	}
	fr.buf = fr.buf[n:]
	return v
}

// bytes returns a copy of the next length-delimited value.
func (fr *fieldReader) bytes() []byte {
	v, n := protowire.ConsumeBytes(fr.buf)
	if n < 0 {
		fr.err = protowire.ParseError(n)
		return nil
	}
	fr.buf = fr.buf[n:]
	if len(v) == 0 {
		return nil
	}
	return append([]byte(nil), v...)
}

func (fr *fieldReader) string() string {
	v, n := protowire.ConsumeBytes(fr.buf)
	if n < 0 {
		fr.err = protowire.ParseError(n)
		return ""
	}
	fr.buf = fr.buf[n:]
	return string(v)
}

// skip discards a field we do not know about.
func (fr *fieldReader) skip(num protowire.Number, typ protowire.Type) {
	n := protowire.ConsumeFieldValue(num, typ, fr.buf)
	if n < 0 {
		fr.err = protowire.ParseError(n)
		return
	}
	fr.buf = fr.buf[n:]
}
