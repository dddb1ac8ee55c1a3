// Package client provides a thin SDK an agent process uses to speak the
// relay daemon's wire protocol: dial the daemon's Unix socket, complete
// the HELLO/WELCOME handshake, send framed envelopes, and receive
// inbound DELIVER/control traffic on a channel.
//
// The client handles connection bookkeeping and request/reply
// correlation for blocking sends; callers deal only in envelopes.
//
// Thread Safety: all public methods are safe to call concurrently.
package client

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/agentrelay/relay/internal/envelope"
	"github.com/agentrelay/relay/internal/framing"
)

// Config bundles the tunables a Client needs at dial time.
type Config struct {
	SocketPath string
	AgentName  string
	EntityType string
	CLI        string
	Model      string
	Task       string
	Cwd        string

	DialTimeout    time.Duration
	HandshakeWait  time.Duration
	OutboundFormat framing.Format
	MaxFrameBytes  int
}

// DefaultConfig returns sane dial-time defaults.
func DefaultConfig(socketPath, agentName string) Config {
	return Config{
		SocketPath:     socketPath,
		AgentName:      agentName,
		EntityType:     "agent",
		DialTimeout:    5 * time.Second,
		HandshakeWait:  5 * time.Second,
		OutboundFormat: framing.FormatJSON,
		MaxFrameBytes:  framing.DefaultMaxFrameBytes,
	}
}

// Client is a connected relay agent. It owns the socket, a background
// reader that decodes frames and fans them out, and the correlation
// table for blocking sends.
type Client struct {
	cfg Config
	log *zap.Logger

	conn    net.Conn
	decoder *framing.Decoder

	mu        sync.Mutex
	sessionID string
	server    envelope.ServerInfo
	closed    bool

	Inbox chan *envelope.Envelope // every DELIVER/CHANNEL_MESSAGE/control frame not consumed as a reply

	pendingMu sync.Mutex
	pending   map[string]chan *envelope.Envelope // correlationId -> waiter

	done chan struct{}
}

// Connect dials cfg.SocketPath and performs the HELLO/WELCOME handshake,
// mirroring the broker client's connect-then-handshake shape but over the
// relay's own framed protocol instead of JSON-RPC.
func Connect(cfg Config, log *zap.Logger) (*Client, error) {
	if cfg.AgentName == "" {
		return nil, fmt.Errorf("client: agent name is required")
	}
	if cfg.MaxFrameBytes == 0 {
		cfg.MaxFrameBytes = framing.DefaultMaxFrameBytes
	}

	conn, err := net.DialTimeout("unix", cfg.SocketPath, cfg.DialTimeout)
	if err != nil {
		return nil, fmt.Errorf("client: dial %s: %w", cfg.SocketPath, err)
	}

	c := &Client{
		cfg:     cfg,
		log:     log,
		conn:    conn,
		decoder: framing.NewDecoder(cfg.MaxFrameBytes, false),
		Inbox:   make(chan *envelope.Envelope, 64),
		pending: make(map[string]chan *envelope.Envelope),
		done:    make(chan struct{}),
	}

	hello, err := envelope.New(envelope.KindHello, "", "", envelope.HelloPayload{
		AgentName:  cfg.AgentName,
		EntityType: cfg.EntityType,
		CLI:        cfg.CLI,
		Model:      cfg.Model,
		Task:       cfg.Task,
		Cwd:        cfg.Cwd,
	})
	if err != nil {
		conn.Close()
		return nil, err
	}
	if err := c.writeFrame(hello); err != nil {
		conn.Close()
		return nil, err
	}

	if err := conn.SetReadDeadline(time.Now().Add(cfg.HandshakeWait)); err != nil {
		conn.Close()
		return nil, err
	}
	welcome, err := c.readOne()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("client: handshake: %w", err)
	}
	if welcome.Kind != envelope.KindWelcome {
		conn.Close()
		return nil, fmt.Errorf("client: handshake: expected WELCOME, got %s", welcome.Kind)
	}
	var wp envelope.WelcomePayload
	if err := welcome.UnmarshalPayload(&wp); err != nil {
		conn.Close()
		return nil, fmt.Errorf("client: handshake: malformed WELCOME: %w", err)
	}
	if err := conn.SetReadDeadline(time.Time{}); err != nil {
		conn.Close()
		return nil, err
	}

	c.mu.Lock()
	c.sessionID = wp.SessionID
	c.server = wp.Server
	c.mu.Unlock()

	go c.readLoop()
	return c, nil
}

// SessionID returns the session id WELCOME assigned this connection.
func (c *Client) SessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID
}

func (c *Client) readLoop() {
	defer close(c.done)
	buf := make([]byte, 64*1024)
	for {
		n, err := c.conn.Read(buf)
		if n > 0 {
			envs, perr := c.decoder.Push(buf[:n])
			if perr != nil {
				c.log.Warn("client: protocol error, closing", zap.Error(perr))
				return
			}
			for _, env := range envs {
				c.dispatch(env)
			}
		}
		if err != nil {
			return
		}
	}
}

// dispatch routes an inbound envelope to a pending correlation waiter if
// one matches, else to Inbox for the caller to consume directly. Heartbeat
// PINGs are answered here so an idle client stays alive without the caller
// having to drain Inbox.
func (c *Client) dispatch(env *envelope.Envelope) {
	if env.Kind == envelope.KindPing {
		var p envelope.PingPayload
		_ = env.UnmarshalPayload(&p)
		if pong, err := envelope.New(envelope.KindPong, c.cfg.AgentName, "", p); err == nil {
			_ = c.writeFrame(pong)
		}
		return
	}

	correlationID := replyCorrelationID(env)
	if correlationID != "" {
		c.pendingMu.Lock()
		ch, ok := c.pending[correlationID]
		c.pendingMu.Unlock()
		if ok {
			ch <- env
			return
		}
	}
	select {
	case c.Inbox <- env:
	default:
		c.log.Warn("client: inbox full, dropping envelope", zap.String("kind", string(env.Kind)))
	}
}

func replyCorrelationID(env *envelope.Envelope) string {
	switch env.Kind {
	case envelope.KindAck:
		var p envelope.AckPayload
		if err := env.UnmarshalPayload(&p); err == nil {
			return p.CorrelationID
		}
	case envelope.KindNack:
		var p envelope.NackPayload
		if err := env.UnmarshalPayload(&p); err == nil {
			return p.CorrelationID
		}
	}
	return ""
}

func (c *Client) writeFrame(env *envelope.Envelope) error {
	frame, err := framing.Encode(c.cfg.OutboundFormat, env)
	if err != nil {
		return fmt.Errorf("client: encode: %w", err)
	}
	if _, err := c.conn.Write(frame); err != nil {
		return fmt.Errorf("client: write: %w", err)
	}
	return nil
}

func (c *Client) readOne() (*envelope.Envelope, error) {
	buf := make([]byte, 4096)
	for {
		n, err := c.conn.Read(buf)
		if n > 0 {
			envs, perr := c.decoder.Push(buf[:n])
			if perr != nil {
				return nil, perr
			}
			if len(envs) > 0 {
				return envs[0], nil
			}
		}
		if err != nil {
			return nil, err
		}
	}
}

// Send transmits a fire-and-forget SEND envelope to to.
func (c *Client) Send(to string, payload envelope.SendPayload) error {
	env, err := envelope.New(envelope.KindSend, c.cfg.AgentName, to, payload)
	if err != nil {
		return err
	}
	return c.writeFrame(env)
}

// SendBlocking transmits a SEND marked blocking and waits for the
// matching ACK/NACK, honoring ctx and timeout. The correlation id
// is registered before the frame is written so a fast reply can never
// race ahead of the waiter.
func (c *Client) SendBlocking(ctx context.Context, to string, payload envelope.SendPayload, timeout time.Duration) (*envelope.Envelope, error) {
	correlationID, err := envelope.NewID()
	if err != nil {
		return nil, err
	}

	env, err := envelope.New(envelope.KindSend, c.cfg.AgentName, to, payload)
	if err != nil {
		return nil, err
	}
	env.PayloadMeta = &envelope.PayloadMeta{
		Sync: &envelope.SyncMeta{
			CorrelationID: correlationID,
			Blocking:      true,
			TimeoutMs:     timeout.Milliseconds(),
		},
	}

	ch := make(chan *envelope.Envelope, 1)
	c.pendingMu.Lock()
	c.pending[correlationID] = ch
	c.pendingMu.Unlock()
	defer func() {
		c.pendingMu.Lock()
		delete(c.pending, correlationID)
		c.pendingMu.Unlock()
	}()

	if err := c.writeFrame(env); err != nil {
		return nil, err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case reply := <-ch:
		return reply, nil
	case <-timer.C:
		return nil, fmt.Errorf("client: blocking send to %q timed out after %s", to, timeout)
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.done:
		return nil, fmt.Errorf("client: connection closed while waiting for reply")
	}
}

// JoinChannel/LeaveChannel manage channel membership.
func (c *Client) JoinChannel(channel string) error {
	env, err := envelope.New(envelope.KindChannelJoin, c.cfg.AgentName, "", envelope.ChannelJoinPayload{Channel: channel})
	if err != nil {
		return err
	}
	return c.writeFrame(env)
}

func (c *Client) LeaveChannel(channel string) error {
	env, err := envelope.New(envelope.KindChannelLeave, c.cfg.AgentName, "", envelope.ChannelLeavePayload{Channel: channel})
	if err != nil {
		return err
	}
	return c.writeFrame(env)
}

// ChannelMessage fans a message out to channel's other members.
func (c *Client) ChannelMessage(channel string, payload envelope.SendPayload) error {
	env, err := envelope.New(envelope.KindChannelMessage, c.cfg.AgentName, channel, payload)
	if err != nil {
		return err
	}
	return c.writeFrame(env)
}

// Subscribe/Unsubscribe manage topic subscriptions.
func (c *Client) Subscribe(topic string) error {
	env, err := envelope.New(envelope.KindSubscribe, c.cfg.AgentName, "", envelope.SubscribePayload{Topic: topic})
	if err != nil {
		return err
	}
	return c.writeFrame(env)
}

func (c *Client) Unsubscribe(topic string) error {
	env, err := envelope.New(envelope.KindUnsubscribe, c.cfg.AgentName, "", envelope.UnsubscribePayload{Topic: topic})
	if err != nil {
		return err
	}
	return c.writeFrame(env)
}

// ShadowBind registers this client as a shadow of primaryAgent, receiving
// copies of its traffic. A nil trigger set means every message; incoming
// and outgoing traffic are both received, as this method sets no
// direction flags.
func (c *Client) ShadowBind(primaryAgent string, triggers []envelope.ShadowTrigger) error {
	env, err := envelope.New(envelope.KindShadowBind, c.cfg.AgentName, "", envelope.ShadowBindPayload{
		PrimaryAgent: primaryAgent,
		Triggers:     triggers,
	})
	if err != nil {
		return err
	}
	return c.writeFrame(env)
}

// ShadowUnbind removes this client's shadow binding to primaryAgent.
func (c *Client) ShadowUnbind(primaryAgent string) error {
	env, err := envelope.New(envelope.KindShadowUnbind, c.cfg.AgentName, "", envelope.ShadowUnbindPayload{PrimaryAgent: primaryAgent})
	if err != nil {
		return err
	}
	return c.writeFrame(env)
}

// Ack replies to a received envelope with an ACK, optionally carrying
// response data back to a blocking sender.
func (c *Client) Ack(replyTo *envelope.Envelope, responseData interface{}) error {
	correlationID := ""
	if replyTo.PayloadMeta != nil && replyTo.PayloadMeta.Sync != nil {
		correlationID = replyTo.PayloadMeta.Sync.CorrelationID
	}
	env, err := envelope.New(envelope.KindAck, c.cfg.AgentName, replyTo.From, envelope.AckPayload{
		CorrelationID: correlationID,
		Response:      true,
		ResponseData:  responseData,
	})
	if err != nil {
		return err
	}
	env.PayloadMeta = &envelope.PayloadMeta{ReplyTo: replyTo.ID}
	return c.writeFrame(env)
}

// Nack replies to a received envelope with a NACK, refusing it.
func (c *Client) Nack(replyTo *envelope.Envelope, code envelope.ErrorCode, reason string) error {
	correlationID := ""
	if replyTo.PayloadMeta != nil && replyTo.PayloadMeta.Sync != nil {
		correlationID = replyTo.PayloadMeta.Sync.CorrelationID
	}
	env, err := envelope.New(envelope.KindNack, c.cfg.AgentName, replyTo.From, envelope.NackPayload{
		Code:          code,
		Reason:        reason,
		CorrelationID: correlationID,
	})
	if err != nil {
		return err
	}
	env.PayloadMeta = &envelope.PayloadMeta{ReplyTo: replyTo.ID}
	return c.writeFrame(env)
}

// Spawn requests the daemon launch a worker agent. The result arrives as
// a SPAWN_RESULT on Inbox, since it isn't correlation-tracked like
// ACK/NACK.
func (c *Client) Spawn(req envelope.SpawnPayload) error {
	env, err := envelope.New(envelope.KindSpawn, c.cfg.AgentName, "", req)
	if err != nil {
		return err
	}
	return c.writeFrame(env)
}

// Release requests the daemon stop a previously spawned worker.
func (c *Client) Release(name string) error {
	env, err := envelope.New(envelope.KindRelease, c.cfg.AgentName, "", envelope.ReleasePayload{Name: name})
	if err != nil {
		return err
	}
	return c.writeFrame(env)
}

// Close sends BYE and closes the underlying socket.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	bye, err := envelope.New(envelope.KindBye, c.cfg.AgentName, "", struct{}{})
	if err == nil {
		_ = c.writeFrame(bye)
	}
	return c.conn.Close()
}
