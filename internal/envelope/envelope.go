// Package envelope defines the wire message wrapping every frame the relay
// daemon exchanges with its clients. Every envelope carries a version, a
// kind tag from a fixed enumeration, a monotonic sortable id, routing
// fields, a kind-specific payload, and optional daemon-attached delivery
// metadata.
//
// Called by: framing, connection, router, correlator, spawn.
package envelope

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ProtocolVersion is the only version this daemon accepts.
const ProtocolVersion = 1

// Kind enumerates every envelope kind the daemon's dispatch table handles.
// Handlers are exhaustive over this set; an unrecognized kind is a protocol
// error.
type Kind string

const (
	KindHello   Kind = "HELLO"
	KindWelcome Kind = "WELCOME"

	KindSend    Kind = "SEND"
	KindDeliver Kind = "DELIVER"

	KindAck  Kind = "ACK"
	KindNack Kind = "NACK"

	KindPing  Kind = "PING"
	KindPong  Kind = "PONG"
	KindBusy  Kind = "BUSY"
	KindError Kind = "ERROR"
	KindBye   Kind = "BYE"
	KindLog   Kind = "LOG"

	KindChannelJoin    Kind = "CHANNEL_JOIN"
	KindChannelLeave   Kind = "CHANNEL_LEAVE"
	KindChannelMessage Kind = "CHANNEL_MESSAGE"
	KindChannelInfo    Kind = "CHANNEL_INFO"
	KindChannelMembers Kind = "CHANNEL_MEMBERS"
	KindChannelTyping  Kind = "CHANNEL_TYPING"

	KindSubscribe   Kind = "SUBSCRIBE"
	KindUnsubscribe Kind = "UNSUBSCRIBE"

	KindShadowBind   Kind = "SHADOW_BIND"
	KindShadowUnbind Kind = "SHADOW_UNBIND"

	KindSpawn         Kind = "SPAWN"
	KindSpawnResult   Kind = "SPAWN_RESULT"
	KindRelease       Kind = "RELEASE"
	KindReleaseResult Kind = "RELEASE_RESULT"

	// Reserved for session resume. The daemon accepts these kinds into
	// the enumeration but has no retention/snapshot semantics implemented
	// for them; it answers each with ERROR{RESUME_TOO_OLD}.
	KindResume       Kind = "RESUME"
	KindSyncSnapshot Kind = "SYNC_SNAPSHOT"
	KindSyncDelta    Kind = "SYNC_DELTA"
)

// validKinds backs IsValid with an O(1) membership check.
var validKinds = map[Kind]bool{
	KindHello: true, KindWelcome: true,
	KindSend: true, KindDeliver: true,
	KindAck: true, KindNack: true,
	KindPing: true, KindPong: true, KindBusy: true, KindError: true, KindBye: true, KindLog: true,
	KindChannelJoin: true, KindChannelLeave: true, KindChannelMessage: true,
	KindChannelInfo: true, KindChannelMembers: true, KindChannelTyping: true,
	KindSubscribe: true, KindUnsubscribe: true,
	KindShadowBind: true, KindShadowUnbind: true,
	KindSpawn: true, KindSpawnResult: true, KindRelease: true, KindReleaseResult: true,
	KindResume: true, KindSyncSnapshot: true, KindSyncDelta: true,
}

// IsValid reports whether k is one of the enumerated kinds.
func (k Kind) IsValid() bool {
	return validKinds[k]
}

// SyncMeta carries blocking request/reply correlation for a SEND.
type SyncMeta struct {
	CorrelationID string `json:"correlationId,omitempty"`
	Blocking      bool   `json:"blocking,omitempty"`
	TimeoutMs     int64  `json:"timeoutMs,omitempty"`
}

// PayloadMeta is sender-supplied quality-of-service and correlation
// metadata attached to a SEND.
type PayloadMeta struct {
	RequiresAck bool      `json:"requires_ack,omitempty"`
	TTLMs       int64     `json:"ttl_ms,omitempty"`
	Importance  string    `json:"importance,omitempty"`
	ReplyTo     string    `json:"replyTo,omitempty"`
	Sync        *SyncMeta `json:"sync,omitempty"`
}

// DeliveryInfo is attached by the daemon to outbound envelopes only —
// clients never set it.
type DeliveryInfo struct {
	Seq        uint64   `json:"seq"`
	SessionID  string   `json:"session_id"`
	OriginalTo string   `json:"original_to,omitempty"`
	Route      []string `json:"route,omitempty"`
}

// Envelope is the unit of the wire protocol. Payload is kept as raw JSON
// (even when the frame was decoded from MessagePack, see internal/framing)
// so that kind-specific payload structs can be unmarshaled lazily by
// whichever component handles that kind.
type Envelope struct {
	Version int    `json:"version"`
	Kind    Kind   `json:"kind"`
	ID      string `json:"id"`

	From  string `json:"from,omitempty"`
	To    string `json:"to,omitempty"`
	Topic string `json:"topic,omitempty"`

	Timestamp int64 `json:"ts"`

	Payload     json.RawMessage `json:"payload,omitempty"`
	PayloadMeta *PayloadMeta    `json:"payload_meta,omitempty"`

	// Delivery is never trusted from the wire on ingress; the router
	// strips and recomputes it on every outbound DELIVER.
	Delivery *DeliveryInfo `json:"delivery,omitempty"`
}

// New creates an envelope with a fresh v7 UUID, monotonic and
// lexicographically sortable by creation time.
func New(kind Kind, from, to string, payload interface{}) (*Envelope, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("envelope: marshal payload: %w", err)
	}
	id, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("envelope: generate id: %w", err)
	}
	return &Envelope{
		Version:   ProtocolVersion,
		Kind:      kind,
		ID:        id.String(),
		From:      from,
		To:        to,
		Timestamp: time.Now().UnixMilli(),
		Payload:   raw,
	}, nil
}

// NewID returns a fresh sortable envelope id without constructing a full
// envelope; used by components that build one by hand (e.g. the router
// copying fields from an inbound SEND).
func NewID() (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("envelope: generate id: %w", err)
	}
	return id.String(), nil
}

// UnmarshalPayload decodes the envelope payload into v.
func (e *Envelope) UnmarshalPayload(v interface{}) error {
	return json.Unmarshal(e.Payload, v)
}

// Clone returns a copy safe for independent mutation during fan-out (each
// recipient gets its own Delivery info). Payload, PayloadMeta and Delivery
// are copied; the Delivery.Route slice still shares its backing array with
// the original.
func (e *Envelope) Clone() *Envelope {
	clone := *e
	if e.Payload != nil {
		clone.Payload = make(json.RawMessage, len(e.Payload))
		copy(clone.Payload, e.Payload)
	}
	if e.PayloadMeta != nil {
		pm := *e.PayloadMeta
		if e.PayloadMeta.Sync != nil {
			sm := *e.PayloadMeta.Sync
			pm.Sync = &sm
		}
		clone.PayloadMeta = &pm
	}
	if e.Delivery != nil {
		d := *e.Delivery
		clone.Delivery = &d
	}
	return &clone
}

// Validate checks the minimal required fields of a just-decoded envelope.
func (e *Envelope) Validate() error {
	if e.Version != ProtocolVersion {
		return fmt.Errorf("envelope: unsupported version %d", e.Version)
	}
	if !e.Kind.IsValid() {
		return fmt.Errorf("envelope: unknown kind %q", e.Kind)
	}
	if e.ID == "" {
		return fmt.Errorf("envelope: missing id")
	}
	return nil
}

// IsBroadcast reports whether To addresses every connected agent.
func (e *Envelope) IsBroadcast() bool {
	return e.To == "*"
}

// IsChannel reports whether To names a channel.
func (e *Envelope) IsChannel() bool {
	return len(e.To) > 0 && e.To[0] == '#'
}
