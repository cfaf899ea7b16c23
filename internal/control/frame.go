package control

import (
	"encoding/binary"
	"fmt"

	"github.com/1ureka/tincan/internal/errs"
)

// MaxBodyLen is the largest message body the 16-bit length prefix can
// describe.
const MaxBodyLen = 0xFFFF

// headerLen is the size of the little-endian length prefix.
const headerLen = 2

// EncodeFrame prepends the 16-bit little-endian length to body, producing
// one wire datagram. Bodies beyond MaxBodyLen are rejected.
func EncodeFrame(body []byte) ([]byte, error) {
	if len(body) > MaxBodyLen {
		return nil, fmt.Errorf("%w: control body of %d bytes exceeds framing limit", errs.ErrProtocol, len(body))
	}
	out := make([]byte, headerLen+len(body))
	binary.LittleEndian.PutUint16(out, uint16(len(body)))
	copy(out[headerLen:], body)
	return out, nil
}

// DecodeFrames iterates every length-prefixed body inside data, calling
// fn for each in order. A controller may coalesce back-to-back requests
// into one datagram; each is still delivered separately. A length that
// overruns the remaining bytes stops iteration with a protocol error.
func DecodeFrames(data []byte, fn func(body []byte)) error {
	for len(data) > 0 {
		if len(data) < headerLen {
			return fmt.Errorf("%w: truncated frame header", errs.ErrProtocol)
		}
		n := int(binary.LittleEndian.Uint16(data))
		data = data[headerLen:]
		if n > len(data) {
			return fmt.Errorf("%w: frame length %d overruns datagram (%d left)", errs.ErrProtocol, n, len(data))
		}
		body := make([]byte, n)
		copy(body, data[:n])
		fn(body)
		data = data[n:]
	}
	return nil
}
