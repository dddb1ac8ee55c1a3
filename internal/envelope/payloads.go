package envelope

// Payload shapes for the envelope kinds the daemon terminates or
// originates itself. Client-to-client payloads (SEND/DELIVER bodies) are
// intentionally permissive — the daemon only inspects fields it routes on
// and passes the rest through untouched.

// HelloPayload is the sole frame accepted in the HANDSHAKE state.
type HelloPayload struct {
	AgentName   string `json:"agent_name"`
	EntityType  string `json:"entity_type,omitempty"` // "agent" | "user"
	CLI         string `json:"cli,omitempty"`
	Model       string `json:"model,omitempty"`
	Task        string `json:"task,omitempty"`
	Cwd         string `json:"cwd,omitempty"`
	DisplayName string `json:"display_name,omitempty"`
	Legacy      bool   `json:"legacy,omitempty"`
}

// ServerInfo advertises connection parameters in WELCOME so a client can
// size its frames and heartbeat expectations without extra round trips.
type ServerInfo struct {
	MaxFrameBytes int   `json:"max_frame_bytes"`
	HeartbeatMs   int64 `json:"heartbeat_ms"`
}

// WelcomePayload completes a successful handshake.
type WelcomePayload struct {
	SessionID string     `json:"session_id"`
	Server    ServerInfo `json:"server"`
}

// SendPayload is the body of a client-originated SEND. Trigger
// optionally names which shadow-binding condition this message satisfies
// (see ShadowTrigger); senders that don't care leave it empty and it is
// treated as ALL_MESSAGES.
type SendPayload struct {
	PayloadKind string        `json:"kind"` // message | action | state | thinking
	Body        string        `json:"body"`
	Data        map[string]any `json:"data,omitempty"`
	ThreadID    string        `json:"thread_id,omitempty"`
	Trigger     ShadowTrigger `json:"trigger,omitempty"`
}

// ErrorCode enumerates the daemon's error taxonomy.
type ErrorCode string

const (
	ErrBadRequest   ErrorCode = "BAD_REQUEST"
	ErrUnauthorized ErrorCode = "UNAUTHORIZED"
	ErrNotFound     ErrorCode = "NOT_FOUND"
	ErrInternal     ErrorCode = "INTERNAL"
	ErrResumeTooOld ErrorCode = "RESUME_TOO_OLD"
	ErrBusy         ErrorCode = "BUSY"
)

// ErrorPayload is the body of an ERROR envelope.
type ErrorPayload struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
	Fatal   bool      `json:"fatal"`
}

// NackPayload is the body of a NACK envelope. CorrelationID lets a NACK
// settle a blocking SEND the same way an ACK does — an agent
// that wants to refuse a blocking request explicitly NACKs it instead of
// timing the sender out.
type NackPayload struct {
	Code          ErrorCode `json:"code"`
	Reason        string    `json:"reason,omitempty"`
	CorrelationID string    `json:"correlationId,omitempty"`
}

// BusyPayload accompanies a BUSY envelope.
type BusyPayload struct {
	RetryAfterMs int `json:"retry_after_ms"`
	QueueDepth   int `json:"queue_depth"`
}

// PingPayload carries a fresh nonce every heartbeat tick.
type PingPayload struct {
	Nonce string `json:"nonce"`
}

// AckPayload is both the agent-originated ACK body and the correlator's
// forwarded reply to a blocking sender.
type AckPayload struct {
	AckID         string      `json:"ack_id,omitempty"`
	Seq           uint64      `json:"seq,omitempty"`
	CorrelationID string      `json:"correlationId,omitempty"`
	Response      bool        `json:"response,omitempty"`
	ResponseData  interface{} `json:"responseData,omitempty"`
	CumulativeSeq uint64      `json:"cumulative_seq,omitempty"`
	Sack          []uint64    `json:"sack,omitempty"`
}

// ChannelJoinPayload / ChannelLeavePayload name the target channel.
type ChannelJoinPayload struct {
	Channel string `json:"channel"`
}

type ChannelLeavePayload struct {
	Channel string `json:"channel"`
}

// ChannelInfoPayload is the body of a CHANNEL_INFO request, naming the
// channel the sender wants a CHANNEL_MEMBERS snapshot for.
type ChannelInfoPayload struct {
	Channel string `json:"channel"`
}

// ChannelMembersPayload answers a CHANNEL_INFO request.
type ChannelMembersPayload struct {
	Channel string                  `json:"channel"`
	Members []string                `json:"members"`
	Recent  []ChannelActivityRecord `json:"recent,omitempty"`
}

// ChannelActivityRecord is one entry in a channel's capped activity ring —
// routing metadata only, never the message body, so CHANNEL_INFO can report
// recent traffic without retaining payloads at rest.
type ChannelActivityRecord struct {
	ID        string `json:"id"`
	From      string `json:"from"`
	Timestamp int64  `json:"ts"`
}

// SubscribePayload / UnsubscribePayload name the target topic.
type SubscribePayload struct {
	Topic string `json:"topic"`
}

type UnsubscribePayload struct {
	Topic string `json:"topic"`
}

// ChannelTypingPayload is an ephemeral, unacknowledged typing indicator
// fanned out to a channel's other members the same way CHANNEL_MESSAGE is.
type ChannelTypingPayload struct {
	Typing bool `json:"typing"`
}

// ShadowTrigger enumerates the conditions under which a shadow binding
// receives a copy of traffic.
type ShadowTrigger string

const (
	TriggerSessionEnd    ShadowTrigger = "SESSION_END"
	TriggerCodeWritten   ShadowTrigger = "CODE_WRITTEN"
	TriggerReviewRequest ShadowTrigger = "REVIEW_REQUEST"
	TriggerExplicitAsk   ShadowTrigger = "EXPLICIT_ASK"
	TriggerAllMessages   ShadowTrigger = "ALL_MESSAGES"
)

// ShadowBindPayload binds the sending connection as a shadow of
// PrimaryAgent. ReceiveIncoming/ReceiveOutgoing are pointers so an
// omitted field defaults to true rather than false.
type ShadowBindPayload struct {
	PrimaryAgent    string          `json:"primary_agent"`
	Triggers        []ShadowTrigger `json:"triggers,omitempty"`
	ReceiveIncoming *bool           `json:"receive_incoming,omitempty"`
	ReceiveOutgoing *bool           `json:"receive_outgoing,omitempty"`
}

type ShadowUnbindPayload struct {
	PrimaryAgent string `json:"primary_agent"`
}

// SpawnPayload requests that the daemon's spawn manager create a new
// worker agent.
type SpawnPayload struct {
	Name          string `json:"name"`
	CLI           string `json:"cli"`
	Task          string `json:"task"`
	Cwd           string `json:"cwd,omitempty"`
	Team          string `json:"team,omitempty"`
	SpawnerName   string `json:"spawnerName,omitempty"`
	Model         string `json:"model,omitempty"`
	ShadowOf      string `json:"shadowOf,omitempty"`
	ShadowSpeakOn string `json:"shadowSpeakOn,omitempty"`
}

// SpawnResultPayload replies to a SPAWN.
type SpawnResultPayload struct {
	ReplyTo        string `json:"replyTo"`
	Success        bool   `json:"success"`
	Name           string `json:"name"`
	Pid            int    `json:"pid,omitempty"`
	Error          string `json:"error,omitempty"`
	PolicyDecision string `json:"policyDecision,omitempty"`
}

// ReleasePayload requests that the daemon stop a previously spawned agent.
type ReleasePayload struct {
	Name string `json:"name"`
}

// ReleaseResultPayload replies to a RELEASE.
type ReleaseResultPayload struct {
	ReplyTo string `json:"replyTo"`
	Success bool   `json:"success"`
	Name    string `json:"name"`
	Error   string `json:"error,omitempty"`
}
