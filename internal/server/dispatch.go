package server

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/agentrelay/relay/internal/connection"
	"github.com/agentrelay/relay/internal/envelope"
	"github.com/agentrelay/relay/internal/registry"
)

// defaultSyncTimeout bounds a blocking SEND when the sender omits
// payload_meta.sync.timeoutMs.
const defaultSyncTimeout = 30 * time.Second

// handleEnvelope is the dispatch table driving every kind the daemon
// terminates or acts on. It is invoked from the connection's own
// reader goroutine, so handlers that need to block (a blocking SEND's
// wait for its ACK) must do so in a spawned goroutine, never here.
func (s *Server) handleEnvelope(ctx context.Context, c *connection.Connection, env *envelope.Envelope) {
	if err := env.Validate(); err != nil {
		s.sendError(c, env, envelope.ErrBadRequest, err.Error(), true)
		c.Close(err)
		return
	}

	switch env.Kind {
	case envelope.KindHello:
		s.handleHello(c, env)

	case envelope.KindSend, envelope.KindChannelMessage, envelope.KindChannelTyping:
		s.handleSend(ctx, c, env)

	case envelope.KindChannelJoin:
		s.handleChannelJoin(c, env)
	case envelope.KindChannelLeave:
		s.handleChannelLeave(c, env)
	case envelope.KindChannelInfo:
		s.handleChannelInfo(c, env)

	case envelope.KindSubscribe:
		s.handleSubscribe(c, env)
	case envelope.KindUnsubscribe:
		s.handleUnsubscribe(c, env)

	case envelope.KindShadowBind:
		s.handleShadowBind(c, env)
	case envelope.KindShadowUnbind:
		s.handleShadowUnbind(c, env)

	case envelope.KindAck, envelope.KindNack:
		s.handleAckOrNack(c, env)

	case envelope.KindSpawn:
		s.handleSpawn(ctx, c, env)
	case envelope.KindRelease:
		s.handleRelease(ctx, c, env)

	case envelope.KindPing:
		s.handlePing(c, env)
	case envelope.KindPong:
		// touch() already refreshed liveness in the read loop; nothing else to do.

	case envelope.KindBye:
		c.Close(nil)

	case envelope.KindLog:
		s.handleLog(c, env)

	case envelope.KindResume, envelope.KindSyncSnapshot, envelope.KindSyncDelta:
		s.sendError(c, env, envelope.ErrResumeTooOld, "session resume is not supported", false)

	default:
		s.sendError(c, env, envelope.ErrBadRequest, "unhandled envelope kind", true)
		c.Close(nil)
	}
}

func (s *Server) handleHello(c *connection.Connection, env *envelope.Envelope) {
	var p envelope.HelloPayload
	if err := env.UnmarshalPayload(&p); err != nil || p.AgentName == "" {
		s.sendError(c, env, envelope.ErrBadRequest, "agent_name is required", true)
		c.Close(nil)
		return
	}

	s.mu.Lock()
	cred, haveCred := s.peerCreds[c.ID]
	s.mu.Unlock()
	if haveCred {
		if ok, reason := s.policy.AuthorizeName(cred, p.AgentName); !ok {
			s.sendError(c, env, envelope.ErrUnauthorized, reason, true)
			c.Close(nil)
			return
		}
	}

	sessionID, err := envelope.NewID()
	if err != nil {
		s.sendError(c, env, envelope.ErrInternal, "failed to allocate session", true)
		c.Close(err)
		return
	}

	c.AgentName = p.AgentName
	c.SessionID = sessionID

	displaced, _ := s.registry.Register(registry.Entry{
		Name:        p.AgentName,
		EntityType:  p.EntityType,
		CLI:         p.CLI,
		Model:       p.Model,
		Task:        p.Task,
		Cwd:         p.Cwd,
		DisplayName: p.DisplayName,
		SessionID:   sessionID,
		ConnID:      c.ID,
		ConnectedAt: time.Now(),
	})

	if displaced != nil {
		s.mu.Lock()
		prev, ok := s.conns[displaced.PreviousConnID]
		s.mu.Unlock()
		if ok {
			s.sendError(prev, nil, envelope.ErrInternal, "superseded by a new connection for this agent name", true)
			prev.Close(nil)
		}
	}

	welcome, err := envelope.New(envelope.KindWelcome, "", p.AgentName, envelope.WelcomePayload{
		SessionID: sessionID,
		Server: envelope.ServerInfo{
			MaxFrameBytes: s.cfg.Framing.MaxFrameBytes,
			HeartbeatMs:   int64(s.cfg.Heartbeat.IntervalMs),
		},
	})
	if err != nil {
		s.log.Error("failed to build WELCOME", zap.Error(err))
		return
	}
	_ = c.Enqueue(welcome)
}

// handleSend routes a client-originated SEND/CHANNEL_MESSAGE/CHANNEL_TYPING
// and, for a blocking SEND, registers with the correlator before routing so
// a fast-arriving ACK can never beat the registration.
func (s *Server) handleSend(ctx context.Context, c *connection.Connection, env *envelope.Envelope) {
	env.From = c.AgentName // never trust the wire value

	sync := env.PayloadMeta != nil && env.PayloadMeta.Sync != nil && env.PayloadMeta.Sync.Blocking
	if env.Kind != envelope.KindSend || !sync || env.PayloadMeta.Sync.CorrelationID == "" {
		s.route(c, env)
		return
	}

	correlationID := env.PayloadMeta.Sync.CorrelationID
	timeout := defaultSyncTimeout
	if env.PayloadMeta.Sync.TimeoutMs > 0 {
		timeout = time.Duration(env.PayloadMeta.Sync.TimeoutMs) * time.Millisecond
	}

	wait, err := s.correlator.Register(correlationID, timeout)
	if err != nil {
		s.sendError(c, env, envelope.ErrBadRequest, err.Error(), false)
		return
	}

	s.route(c, env)

	start := time.Now()
	go func() {
		result, err := wait(ctx)
		s.metrics.BlockingSendLatency.Observe(time.Since(start).Seconds())
		if err != nil {
			// ctx cancelled — the sender's own connection is gone, nothing to reply to.
			return
		}
		if result.TimedOut {
			s.sendError(c, env, envelope.ErrInternal, "blocking send timed out waiting for a reply", false)
			return
		}
		reply := result.Envelope.Clone()
		reply.PayloadMeta = &envelope.PayloadMeta{ReplyTo: env.ID}
		_ = c.Enqueue(reply)
	}()
}

// route hands env to the router and keeps the routed/dropped counters
// honest about the outcome.
func (s *Server) route(c *connection.Connection, env *envelope.Envelope) {
	if err := s.router.Route(c.ID, c.AgentName, env); err != nil {
		s.metrics.EnvelopesDropped.WithLabelValues("route").Inc()
		s.log.Debug("routing failed", zap.Error(err))
		return
	}
	s.metrics.EnvelopesRouted.WithLabelValues(fanOutKind(env)).Inc()
}

func fanOutKind(env *envelope.Envelope) string {
	switch {
	case env.IsBroadcast():
		return "broadcast"
	case env.IsChannel():
		return "channel"
	case env.Topic != "":
		return "topic"
	default:
		return "direct"
	}
}

func (s *Server) handleChannelJoin(c *connection.Connection, env *envelope.Envelope) {
	var p envelope.ChannelJoinPayload
	if err := env.UnmarshalPayload(&p); err != nil || len(p.Channel) == 0 || p.Channel[0] != '#' {
		s.sendError(c, env, envelope.ErrBadRequest, "channel must begin with '#'", false)
		return
	}
	s.router.JoinChannel(p.Channel, c.AgentName)
}

func (s *Server) handleChannelLeave(c *connection.Connection, env *envelope.Envelope) {
	var p envelope.ChannelLeavePayload
	if err := env.UnmarshalPayload(&p); err != nil || len(p.Channel) == 0 || p.Channel[0] != '#' {
		s.sendError(c, env, envelope.ErrBadRequest, "channel must begin with '#'", false)
		return
	}
	s.router.LeaveChannel(p.Channel, c.AgentName)
}

func (s *Server) handleChannelInfo(c *connection.Connection, env *envelope.Envelope) {
	var p envelope.ChannelInfoPayload
	if err := env.UnmarshalPayload(&p); err != nil {
		s.sendError(c, env, envelope.ErrBadRequest, "malformed CHANNEL_INFO payload", false)
		return
	}
	reply, err := envelope.New(envelope.KindChannelMembers, "", c.AgentName, envelope.ChannelMembersPayload{
		Channel: p.Channel,
		Members: s.router.ChannelMembers(p.Channel),
		Recent:  s.router.ChannelHistory(p.Channel),
	})
	if err != nil {
		s.log.Error("failed to build CHANNEL_MEMBERS", zap.Error(err))
		return
	}
	reply.PayloadMeta = &envelope.PayloadMeta{ReplyTo: env.ID}
	_ = c.Enqueue(reply)
}

func (s *Server) handleSubscribe(c *connection.Connection, env *envelope.Envelope) {
	var p envelope.SubscribePayload
	if err := env.UnmarshalPayload(&p); err != nil || p.Topic == "" {
		s.sendError(c, env, envelope.ErrBadRequest, "topic is required", false)
		return
	}
	s.router.Subscribe(p.Topic, c.AgentName)
}

func (s *Server) handleUnsubscribe(c *connection.Connection, env *envelope.Envelope) {
	var p envelope.UnsubscribePayload
	if err := env.UnmarshalPayload(&p); err != nil || p.Topic == "" {
		s.sendError(c, env, envelope.ErrBadRequest, "topic is required", false)
		return
	}
	s.router.Unsubscribe(p.Topic, c.AgentName)
}

func (s *Server) handleShadowBind(c *connection.Connection, env *envelope.Envelope) {
	var p envelope.ShadowBindPayload
	if err := env.UnmarshalPayload(&p); err != nil || p.PrimaryAgent == "" {
		s.sendError(c, env, envelope.ErrBadRequest, "primary_agent is required", false)
		return
	}
	receiveIncoming := p.ReceiveIncoming == nil || *p.ReceiveIncoming
	receiveOutgoing := p.ReceiveOutgoing == nil || *p.ReceiveOutgoing
	s.router.BindShadow(p.PrimaryAgent, c.AgentName, p.Triggers, receiveIncoming, receiveOutgoing)
}

func (s *Server) handleShadowUnbind(c *connection.Connection, env *envelope.Envelope) {
	var p envelope.ShadowUnbindPayload
	if err := env.UnmarshalPayload(&p); err != nil || p.PrimaryAgent == "" {
		s.sendError(c, env, envelope.ErrBadRequest, "primary_agent is required", false)
		return
	}
	s.router.UnbindShadow(p.PrimaryAgent, c.AgentName)
}

func (s *Server) handleAckOrNack(c *connection.Connection, env *envelope.Envelope) {
	var correlationID string
	if env.Kind == envelope.KindAck {
		var p envelope.AckPayload
		if err := env.UnmarshalPayload(&p); err == nil {
			correlationID = p.CorrelationID
			if p.CumulativeSeq > 0 || len(p.Sack) > 0 {
				c.RecordAck(p.CumulativeSeq, p.Sack)
			}
		}
	} else {
		var p envelope.NackPayload
		if err := env.UnmarshalPayload(&p); err == nil {
			correlationID = p.CorrelationID
		}
	}
	if correlationID == "" {
		return
	}
	if !s.correlator.Resolve(correlationID, env) {
		s.log.Debug("unsolicited or late ack/nack", zap.String("correlation_id", correlationID))
	}
}

func (s *Server) handleSpawn(ctx context.Context, c *connection.Connection, env *envelope.Envelope) {
	if s.spawnMgr == nil {
		s.replySpawnResult(c, env, &envelope.SpawnResultPayload{Success: false, Error: "spawn is not configured on this daemon"})
		return
	}

	var p envelope.SpawnPayload
	if err := env.UnmarshalPayload(&p); err != nil {
		s.replySpawnResult(c, env, &envelope.SpawnResultPayload{Success: false, Error: "malformed SPAWN payload"})
		return
	}
	p.SpawnerName = c.AgentName

	if p.ShadowOf != "" {
		if _, ok := s.registry.Lookup(p.ShadowOf); !ok {
			s.replySpawnResult(c, env, &envelope.SpawnResultPayload{Success: false, Name: p.Name, Error: "shadowOf agent is not connected"})
			return
		}
	}

	result := s.spawnMgr.Spawn(ctx, p)
	if result.Success {
		s.metrics.WorkersSpawned.Inc()
		// A shadow-mode spawn derives a shadow binding immediately: the
		// worker's copies begin flowing as soon as it connects back under
		// its spawned name, with no separate SHADOW_BIND round trip.
		if p.ShadowOf != "" {
			s.router.BindShadow(p.ShadowOf, p.Name, shadowTriggers(p.ShadowSpeakOn), true, true)
		}
	}
	s.replySpawnResult(c, env, result)
}

// shadowTriggers maps a SPAWN's shadowSpeakOn onto a binding's trigger
// set; empty means every message.
func shadowTriggers(speakOn string) []envelope.ShadowTrigger {
	if speakOn == "" {
		return nil
	}
	return []envelope.ShadowTrigger{envelope.ShadowTrigger(speakOn)}
}

func (s *Server) replySpawnResult(c *connection.Connection, env *envelope.Envelope, result *envelope.SpawnResultPayload) {
	result.ReplyTo = env.ID
	out, err := envelope.New(envelope.KindSpawnResult, "", c.AgentName, result)
	if err != nil {
		s.log.Error("failed to build SPAWN_RESULT", zap.Error(err))
		return
	}
	_ = c.Enqueue(out)
}

func (s *Server) handleRelease(ctx context.Context, c *connection.Connection, env *envelope.Envelope) {
	if s.spawnMgr == nil {
		s.replyReleaseResult(c, env, &envelope.ReleaseResultPayload{Success: false, Error: "spawn is not configured on this daemon"})
		return
	}

	var p envelope.ReleasePayload
	if err := env.UnmarshalPayload(&p); err != nil {
		s.replyReleaseResult(c, env, &envelope.ReleaseResultPayload{Success: false, Error: "malformed RELEASE payload"})
		return
	}

	var shadowOf string
	if info, ok := s.spawnMgr.Info(p.Name); ok {
		shadowOf = info.ShadowOf
	}

	result := s.spawnMgr.Release(ctx, p)
	if result.Success {
		s.metrics.WorkersReleased.Inc()
		if shadowOf != "" {
			s.router.UnbindShadow(shadowOf, p.Name)
		}
	}
	s.replyReleaseResult(c, env, result)
}

func (s *Server) replyReleaseResult(c *connection.Connection, env *envelope.Envelope, result *envelope.ReleaseResultPayload) {
	result.ReplyTo = env.ID
	out, err := envelope.New(envelope.KindReleaseResult, "", c.AgentName, result)
	if err != nil {
		s.log.Error("failed to build RELEASE_RESULT", zap.Error(err))
		return
	}
	_ = c.Enqueue(out)
}

func (s *Server) handlePing(c *connection.Connection, env *envelope.Envelope) {
	var p envelope.PingPayload
	_ = env.UnmarshalPayload(&p)
	pong, err := envelope.New(envelope.KindPong, "", c.AgentName, p)
	if err != nil {
		return
	}
	_ = c.Enqueue(pong)
}

func (s *Server) handleLog(c *connection.Connection, env *envelope.Envelope) {
	s.log.Debug("agent log", zap.String("agent", c.AgentName), zap.ByteString("payload", env.Payload))
}

// sendError builds and enqueues an ERROR envelope. replyTo may be nil when
// the triggering envelope failed to validate enough to have a usable id.
func (s *Server) sendError(c *connection.Connection, replyTo *envelope.Envelope, code envelope.ErrorCode, message string, fatal bool) {
	errEnv, err := envelope.New(envelope.KindError, "", c.AgentName, envelope.ErrorPayload{
		Code:    code,
		Message: message,
		Fatal:   fatal,
	})
	if err != nil {
		s.log.Error("failed to build ERROR envelope", zap.Error(err))
		return
	}
	if replyTo != nil {
		errEnv.PayloadMeta = &envelope.PayloadMeta{ReplyTo: replyTo.ID}
	}
	_ = c.Enqueue(errEnv)
}
