// Package framing implements the relay daemon's length-prefixed wire
// codec. Every frame carries a 1-byte format discriminator, a 4-byte
// big-endian payload length, and the encoded envelope itself — either
// JSON or MessagePack. A legacy 4-byte-header JSON-only variant is
// accepted on connections that opt into it before their first frame.
package framing

import (
	"encoding/binary"
	"encoding/json"
	"fmt"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/agentrelay/relay/internal/envelope"
)

// Format is the 1-byte wire discriminator.
type Format byte

const (
	FormatJSON      Format = 0
	FormatMsgPack   Format = 1
)

// HeaderSize is the non-legacy frame header: 1 byte format + 4 byte length.
const HeaderSize = 5

// LegacyHeaderSize is the JSON-only variant's header: just the length.
const LegacyHeaderSize = 4

// DefaultMaxFrameBytes is the default maximum payload size.
const DefaultMaxFrameBytes = 1 << 20 // 1 MiB

// Encode serializes env in the given format and prefixes it with the
// frame header. Legacy connections must call EncodeLegacy instead.
func Encode(format Format, env *envelope.Envelope) ([]byte, error) {
	payload, err := marshal(format, env)
	if err != nil {
		return nil, err
	}
	buf := make([]byte, HeaderSize+len(payload))
	buf[0] = byte(format)
	binary.BigEndian.PutUint32(buf[1:5], uint32(len(payload)))
	copy(buf[5:], payload)
	return buf, nil
}

// EncodeLegacy serializes env as JSON with the 4-byte-length-only legacy
// header. It exists for connections that set legacy mode before consuming
// their first frame.
func EncodeLegacy(env *envelope.Envelope) ([]byte, error) {
	payload, err := marshal(FormatJSON, env)
	if err != nil {
		return nil, err
	}
	buf := make([]byte, LegacyHeaderSize+len(payload))
	binary.BigEndian.PutUint32(buf[0:4], uint32(len(payload)))
	copy(buf[4:], payload)
	return buf, nil
}

func marshal(format Format, env *envelope.Envelope) ([]byte, error) {
	switch format {
	case FormatJSON:
		return json.Marshal(env)
	case FormatMsgPack:
		return msgpack.Marshal(env)
	default:
		return nil, fmt.Errorf("framing: unknown format %d", format)
	}
}

func unmarshal(format Format, data []byte, env *envelope.Envelope) error {
	switch format {
	case FormatJSON:
		return json.Unmarshal(data, env)
	case FormatMsgPack:
		return msgpack.Unmarshal(data, env)
	default:
		return fmt.Errorf("framing: unknown format %d", format)
	}
}
