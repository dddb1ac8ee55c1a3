package framing

import (
	"encoding/binary"
	"fmt"

	"github.com/agentrelay/relay/internal/envelope"
)

// ProtocolError marks a frame that must abort the connection — oversize
// payload or malformed encoding.
type ProtocolError struct {
	Reason string
}

func (e *ProtocolError) Error() string { return "framing: protocol error: " + e.Reason }

// Decoder is a streaming frame parser backed by a ring buffer of at least
// 2*maxFrame+header bytes. Push appends newly read bytes and
// returns every envelope that became fully formed, in order.
type Decoder struct {
	buf      []byte
	start    int // first unread byte
	end      int // one past the last written byte
	maxFrame int
	legacy   bool
}

// NewDecoder creates a decoder with the given maximum payload size. legacy
// selects the 4-byte-header JSON-only variant; it must be set
// before the first call to Push.
func NewDecoder(maxFrame int, legacy bool) *Decoder {
	if maxFrame <= 0 {
		maxFrame = DefaultMaxFrameBytes
	}
	header := HeaderSize
	if legacy {
		header = LegacyHeaderSize
	}
	return &Decoder{
		buf:      make([]byte, 2*maxFrame+header),
		maxFrame: maxFrame,
		legacy:   legacy,
	}
}

// Push appends data to the ring buffer and decodes as many complete
// envelopes as are now available. Parse errors (oversize or malformed
// encoding) are returned as *ProtocolError and must abort the connection.
func (d *Decoder) Push(data []byte) ([]*envelope.Envelope, error) {
	if err := d.append(data); err != nil {
		return nil, err
	}

	var out []*envelope.Envelope
	for {
		env, consumed, err := d.tryDecodeOne()
		if err != nil {
			return out, err
		}
		if !consumed {
			break
		}
		if env != nil {
			out = append(out, env)
		}
	}
	return out, nil
}

// append compacts the buffer on wrap-around and writes data into the tail.
func (d *Decoder) append(data []byte) error {
	if d.end+len(data) > len(d.buf) {
		// Compact: slide unread bytes to the front before growing further.
		unread := d.end - d.start
		copy(d.buf, d.buf[d.start:d.end])
		d.start = 0
		d.end = unread
		if d.end+len(data) > len(d.buf) {
			grown := make([]byte, (d.end+len(data))*2)
			copy(grown, d.buf[:d.end])
			d.buf = grown
		}
	}
	copy(d.buf[d.end:], data)
	d.end += len(data)
	return nil
}

// tryDecodeOne attempts to decode a single frame from the front of the
// unread region. consumed reports whether a frame boundary was reached
// (decoded or skipped); env is nil when consumed is false (need more
// bytes).
func (d *Decoder) tryDecodeOne() (env *envelope.Envelope, consumed bool, err error) {
	header := HeaderSize
	if d.legacy {
		header = LegacyHeaderSize
	}

	available := d.end - d.start
	if available < header {
		return nil, false, nil
	}

	var format Format
	var length uint32
	if d.legacy {
		format = FormatJSON
		length = binary.BigEndian.Uint32(d.buf[d.start : d.start+4])
	} else {
		format = Format(d.buf[d.start])
		length = binary.BigEndian.Uint32(d.buf[d.start+1 : d.start+5])
	}

	if int(length) > d.maxFrame {
		return nil, false, &ProtocolError{Reason: fmt.Sprintf("frame of %d bytes exceeds max %d", length, d.maxFrame)}
	}

	if available < header+int(length) {
		return nil, false, nil // wait for more bytes
	}

	payload := d.buf[d.start+header : d.start+header+int(length)]
	var decoded envelope.Envelope
	if err := unmarshal(format, payload, &decoded); err != nil {
		return nil, false, &ProtocolError{Reason: fmt.Sprintf("malformed %v payload: %v", format, err)}
	}

	d.start += header + int(length)
	if d.start == d.end {
		// Reset to the front of the buffer so long-idle connections don't
		// keep growing their ring forever.
		d.start, d.end = 0, 0
	}

	return &decoded, true, nil
}
