package frame

import (
	"encoding/binary"
	"errors"
	"io"
)

// HeaderLen is the size of the big-endian length prefix.
const HeaderLen = 4

var (
	ErrShortHeader     = errors.New("frame: short length header")
	ErrShortPayload    = errors.New("frame: short payload")
	ErrPayloadTooLarge = errors.New("frame: payload too large")
)

// Frame is one length-prefixed wire message. Raw holds the exact bytes read
// from the wire, prefix included.
type Frame struct {
	Length  uint32
	Payload []byte
	Raw     []byte
}

// Limits constrains frame decode/encode memory use.
type Limits struct {
	MaxPayloadBytes uint32
}

func DefaultLimits() Limits {
	return Limits{
		MaxPayloadBytes: 16 * 1024 * 1024,
	}
}

// ReadFrame reads exactly one prefix and body. A stream that ends anywhere
// inside a frame is an error.
func ReadFrame(r io.Reader, limits Limits) (Frame, error) {
	var header [HeaderLen]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return Frame{}, ErrShortHeader
		}
		return Frame{}, err
	}
	length := binary.BigEndian.Uint32(header[:])
	if limits.MaxPayloadBytes > 0 && length > limits.MaxPayloadBytes {
		return Frame{}, ErrPayloadTooLarge
	}

	raw := make([]byte, HeaderLen+int(length))
	copy(raw, header[:])
	if length > 0 {
		if _, err := io.ReadFull(r, raw[HeaderLen:]); err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				return Frame{}, ErrShortPayload
			}
			return Frame{}, err
		}
	}
	return Frame{Length: length, Payload: raw[HeaderLen:], Raw: raw}, nil
}

// WriteFrame writes prefix and payload with a single Write call.
func WriteFrame(w io.Writer, payload []byte, limits Limits) error {
	if limits.MaxPayloadBytes > 0 && uint64(len(payload)) > uint64(limits.MaxPayloadBytes) {
		return ErrPayloadTooLarge
	}
	_, err := w.Write(Encode(payload))
	return err
}

// Encode returns the wire form of payload.
func Encode(payload []byte) []byte {
	buf := make([]byte, HeaderLen+len(payload))
	binary.BigEndian.PutUint32(buf[:HeaderLen], uint32(len(payload)))
	copy(buf[HeaderLen:], payload)
	return buf
}

// Bytes returns the wire form of f, reusing the bytes it was read from.
func (f Frame) Bytes() []byte {
	if f.Raw != nil {
		return f.Raw
	}
	return Encode(f.Payload)
}
