package pump

import "encoding/binary"

// Framed stream constants. Each frame starts with an 8-byte header: the
// stream byte, three reserved bytes, then the big-endian payload size.
const (
	frameHeaderSize = 8

	streamStdout = 1
	streamStderr = 2
)

// framedDecoder demultiplexes the exec-style length-prefixed stream used when
// the container has no TTY. Incomplete frames are buffered until the next
// read.
type framedDecoder struct {
	buf []byte
}

// Feed consumes one chunk and returns the stdout and stderr payloads it
// completes, in stream order. Frames for other stream bytes are skipped.
func (d *framedDecoder) Feed(chunk []byte) [][]byte {
	d.buf = append(d.buf, chunk...)

	var out [][]byte
	for {
		if len(d.buf) < frameHeaderSize {
			return out
		}
		size := binary.BigEndian.Uint32(d.buf[4:frameHeaderSize])
		total := frameHeaderSize + int(size)
		if len(d.buf) < total {
			return out
		}

		stream := d.buf[0]
		payload := d.buf[frameHeaderSize:total]
		if stream == streamStdout || stream == streamStderr {
			cp := make([]byte, len(payload))
			copy(cp, payload)
			out = append(out, cp)
		}
		d.buf = d.buf[total:]
	}
}
