package codec

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/dkeye/Desk/internal/domain"
)

const (
	HeaderSize     = 8
	MaxPayloadSize = 16 * 1024 * 1024
)

var (
	ErrShortFrame    = errors.New("short frame")
	ErrFrameTooLarge = errors.New("frame too large")
)

// AppendFrame appends the wire form of (tag, payload) to dst.
func AppendFrame(dst []byte, tag domain.TypeTag, payload []byte) ([]byte, error) {
	if len(payload) > MaxPayloadSize {
		return dst, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, len(payload))
	}
	dst = binary.BigEndian.AppendUint32(dst, uint32(tag))
	dst = binary.BigEndian.AppendUint32(dst, uint32(len(payload)))
	return append(dst, payload...), nil
}

// ParseFrame splits one complete frame, as carried by a websocket binary
// message, into tag and payload. The payload aliases b.
func ParseFrame(b []byte) (domain.TypeTag, []byte, error) {
	if len(b) < HeaderSize {
		return 0, nil, ErrShortFrame
	}
	tag := domain.TypeTag(binary.BigEndian.Uint32(b[0:4]))
	n := binary.BigEndian.Uint32(b[4:8])
	if n > MaxPayloadSize {
		return 0, nil, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, n)
	}
	if int(n) != len(b)-HeaderSize {
		return 0, nil, fmt.Errorf("%w: header says %d, have %d", ErrShortFrame, n, len(b)-HeaderSize)
	}
	return tag, b[HeaderSize:], nil
}

// ReadFrame reads one frame from a byte stream.
func ReadFrame(r io.Reader) (domain.TypeTag, []byte, error) {
	var hdr [HeaderSize]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return 0, nil, err
	}
	tag := domain.TypeTag(binary.BigEndian.Uint32(hdr[0:4]))
	n := binary.BigEndian.Uint32(hdr[4:8])
	if n > MaxPayloadSize {
		return 0, nil, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, n)
	}
	payload := make([]byte, n)
	if _, err := io.ReadFull(r, payload); err != nil {
		return 0, nil, err
	}
	return tag, payload, nil
}

// EncodeFrame is Encode followed by AppendFrame.
func EncodeFrame(msg domain.Message) ([]byte, error) {
	env, err := Encode(msg, true)
	if err != nil {
		return nil, err
	}
	return AppendFrame(make([]byte, 0, HeaderSize+len(env.Payload)), env.Tag, env.Payload)
}
