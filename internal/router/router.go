// Package router fans SEND envelopes out to their destinations: a single
// named agent, every connected agent (broadcast), the members of a
// channel, the subscribers of a topic, or the shadow bindings watching a
// primary agent's traffic.
package router

import (
	"fmt"
	"os"
	"strconv"
	"sync"

	"go.uber.org/zap"

	"github.com/agentrelay/relay/internal/connection"
	"github.com/agentrelay/relay/internal/envelope"
	"github.com/agentrelay/relay/internal/registry"
)

// daemonHop is this process's own pid, stamped once onto every DELIVER's
// delivery.route. A process-local bus has exactly one hop, so there is
// nothing to accumulate across deliveries, only to record for debugging
// fan-out loops.
var daemonHop = strconv.Itoa(os.Getpid())

// channelHistoryCap bounds the per-channel activity ring kept for
// CHANNEL_INFO — routing metadata only, never message
// bodies, so it doesn't reintroduce the persisted-history Non-goal.
const channelHistoryCap = 100

// shadowBinding records one SHADOW_BIND: shadowName watches primaryName's
// traffic subject to the trigger filter and incoming/outgoing direction
// flags.
type shadowBinding struct {
	shadowName      string
	triggers        map[envelope.ShadowTrigger]bool
	receiveIncoming bool
	receiveOutgoing bool
}

func (b shadowBinding) matches(trigger envelope.ShadowTrigger) bool {
	if len(b.triggers) == 0 {
		return true // unscoped bind defaults to ALL_MESSAGES
	}
	if trigger == "" {
		trigger = envelope.TriggerAllMessages
	}
	return b.triggers[trigger] || b.triggers[envelope.TriggerAllMessages]
}

// Router owns the membership tables that aren't agent identity itself
// (that's internal/registry's job) and the logic to turn one inbound SEND
// into zero or more outbound DELIVERs.
type Router struct {
	log      *zap.Logger
	registry *registry.Registry

	mu               sync.RWMutex
	conns            map[string]*connection.Connection // connID -> live connection
	channelMembers   map[string]map[string]bool         // channel -> agent names
	topicSubscribers map[string]map[string]bool         // topic -> agent names
	shadows          map[string][]shadowBinding          // primary agent name -> bindings
	channelHistory   map[string][]envelope.ChannelActivityRecord
}

// New builds a router bound to reg for name→connection resolution.
func New(log *zap.Logger, reg *registry.Registry) *Router {
	return &Router{
		log:              log,
		registry:         reg,
		conns:            make(map[string]*connection.Connection),
		channelMembers:   make(map[string]map[string]bool),
		topicSubscribers: make(map[string]map[string]bool),
		shadows:          make(map[string][]shadowBinding),
		channelHistory:   make(map[string][]envelope.ChannelActivityRecord),
	}
}

// BindConn associates a live connection with its connection id so the
// router can deliver to it. Called once a connection reaches ACTIVE.
func (r *Router) BindConn(connID string, c *connection.Connection) {
	r.mu.Lock()
	r.conns[connID] = c
	r.mu.Unlock()
}

// UnbindConn drops a connection and scrubs it from every membership table
// keyed by the agent name it held, if any.
func (r *Router) UnbindConn(connID string, name string) {
	r.mu.Lock()
	delete(r.conns, connID)
	for ch, members := range r.channelMembers {
		delete(members, name)
		if len(members) == 0 {
			delete(r.channelMembers, ch)
		}
	}
	for topic, subs := range r.topicSubscribers {
		delete(subs, name)
		if len(subs) == 0 {
			delete(r.topicSubscribers, topic)
		}
	}
	delete(r.shadows, name)
	for primary, bindings := range r.shadows {
		kept := bindings[:0]
		for _, b := range bindings {
			if b.shadowName != name {
				kept = append(kept, b)
			}
		}
		r.shadows[primary] = kept
	}
	r.mu.Unlock()
}

// JoinChannel adds name to channel's membership.
func (r *Router) JoinChannel(channel, name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.channelMembers[channel] == nil {
		r.channelMembers[channel] = make(map[string]bool)
	}
	r.channelMembers[channel][name] = true
}

// LeaveChannel removes name from channel's membership.
func (r *Router) LeaveChannel(channel, name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if members, ok := r.channelMembers[channel]; ok {
		delete(members, name)
		if len(members) == 0 {
			delete(r.channelMembers, channel)
		}
	}
}

// ChannelMembers snapshots channel's current membership.
func (r *Router) ChannelMembers(channel string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	members := r.channelMembers[channel]
	out := make([]string, 0, len(members))
	for name := range members {
		out = append(out, name)
	}
	return out
}

// recordChannelActivity appends env's routing metadata to channel's
// capped history ring, trimming the oldest entry once channelHistoryCap is
// exceeded.
func (r *Router) recordChannelActivity(channel string, env *envelope.Envelope) {
	r.mu.Lock()
	defer r.mu.Unlock()
	hist := append(r.channelHistory[channel], envelope.ChannelActivityRecord{
		ID: env.ID, From: env.From, Timestamp: env.Timestamp,
	})
	if len(hist) > channelHistoryCap {
		hist = hist[len(hist)-channelHistoryCap:]
	}
	r.channelHistory[channel] = hist
}

// ChannelHistory snapshots channel's recent activity ring for CHANNEL_INFO.
func (r *Router) ChannelHistory(channel string) []envelope.ChannelActivityRecord {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]envelope.ChannelActivityRecord, len(r.channelHistory[channel]))
	copy(out, r.channelHistory[channel])
	return out
}

// Subscribe adds name as a subscriber of topic.
func (r *Router) Subscribe(topic, name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.topicSubscribers[topic] == nil {
		r.topicSubscribers[topic] = make(map[string]bool)
	}
	r.topicSubscribers[topic][name] = true
}

// Unsubscribe removes name from topic's subscriber set.
func (r *Router) Unsubscribe(topic, name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if subs, ok := r.topicSubscribers[topic]; ok {
		delete(subs, name)
		if len(subs) == 0 {
			delete(r.topicSubscribers, topic)
		}
	}
}

// BindShadow registers shadowName as a shadow of primaryName.
func (r *Router) BindShadow(primaryName, shadowName string, triggers []envelope.ShadowTrigger, receiveIncoming, receiveOutgoing bool) {
	set := make(map[envelope.ShadowTrigger]bool, len(triggers))
	for _, t := range triggers {
		set[t] = true
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	bindings := r.shadows[primaryName]
	for i, b := range bindings {
		if b.shadowName == shadowName {
			bindings[i] = shadowBinding{shadowName: shadowName, triggers: set, receiveIncoming: receiveIncoming, receiveOutgoing: receiveOutgoing}
			return
		}
	}
	r.shadows[primaryName] = append(bindings, shadowBinding{
		shadowName:      shadowName,
		triggers:        set,
		receiveIncoming: receiveIncoming,
		receiveOutgoing: receiveOutgoing,
	})
}

// UnbindShadow removes shadowName's binding to primaryName.
func (r *Router) UnbindShadow(primaryName, shadowName string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	bindings := r.shadows[primaryName]
	kept := bindings[:0]
	for _, b := range bindings {
		if b.shadowName != shadowName {
			kept = append(kept, b)
		}
	}
	r.shadows[primaryName] = kept
}

// Route dispatches an inbound SEND from senderName/senderConnID to its
// destination(s): direct, broadcast, channel, or topic, followed by any
// shadow fan-out the message triggers. The caller supplies the
// original envelope verbatim; Route builds and delivers the DELIVER
// copies.
func (r *Router) Route(senderConnID, senderName string, env *envelope.Envelope) error {
	switch {
	case env.IsBroadcast():
		r.routeBroadcast(senderName, env)
		return nil
	case env.IsChannel():
		r.routeChannel(senderName, env)
		return nil
	case env.Topic != "":
		r.routeTopic(senderName, env)
		return nil
	default:
		return r.routeDirect(senderConnID, senderName, env)
	}
}

func (r *Router) routeDirect(senderConnID, senderName string, env *envelope.Envelope) error {
	entry, ok := r.registry.Lookup(env.To)
	if !ok {
		return r.dropWithNack(senderConnID, env, envelope.ErrNotFound, fmt.Sprintf("agent %q is not connected", env.To))
	}

	r.mu.RLock()
	target, ok := r.conns[entry.ConnID]
	r.mu.RUnlock()
	if !ok {
		// Deregistered between the registry lookup and delivery: treat the
		// race the same as "never existed" rather than panicking or
		// silently dropping.
		return r.dropWithNack(senderConnID, env, envelope.ErrNotFound, fmt.Sprintf("agent %q is not connected", env.To))
	}

	if err := r.deliverTo(target, env, env.To); err != nil {
		// Hard-cap overflow on the recipient's write queue: do not
		// partially deliver, tell the sender BUSY instead.
		return r.dropWithNack(senderConnID, env, envelope.ErrBusy, "recipient is busy")
	}
	r.routeShadows(senderName, env.To, env)
	return nil
}

// dropWithNack replies NACK to the sender and still reports the drop to
// the caller, so routed/dropped accounting reflects what the recipient
// actually saw rather than whether the NACK got out.
func (r *Router) dropWithNack(senderConnID string, env *envelope.Envelope, code envelope.ErrorCode, reason string) error {
	if err := r.nack(senderConnID, env, code, reason); err != nil {
		return err
	}
	return fmt.Errorf("router: %s", reason)
}

func (r *Router) routeBroadcast(senderName string, env *envelope.Envelope) {
	var attempted, delivered int
	for _, entry := range r.registry.ListActive() {
		if entry.Name == senderName {
			continue
		}
		attempted++
		r.mu.RLock()
		target, ok := r.conns[entry.ConnID]
		r.mu.RUnlock()
		if !ok {
			continue
		}
		if err := r.deliverTo(target, env, "*"); err != nil {
			r.log.Warn("broadcast delivery failed", zap.String("to", entry.Name), zap.Error(err))
			continue
		}
		delivered++
	}
	// Per-recipient failures are logged and swallowed; only a universal
	// failure is reported back to the sender.
	if attempted > 0 && delivered == 0 {
		if entry, ok := r.registry.Lookup(senderName); ok {
			_ = r.nack(entry.ConnID, env, envelope.ErrBusy, "no broadcast recipient accepted the message")
		}
	}
}

func (r *Router) routeChannel(senderName string, env *envelope.Envelope) {
	r.recordChannelActivity(env.To, env)
	trigger := shadowTriggerOf(env)
	r.deliverShadowsOf(senderName, true, trigger, env, env.To)
	for _, name := range r.ChannelMembers(env.To) {
		if name == senderName {
			continue
		}
		entry, ok := r.registry.Lookup(name)
		if !ok {
			continue
		}
		r.mu.RLock()
		target, ok := r.conns[entry.ConnID]
		r.mu.RUnlock()
		if !ok {
			continue
		}
		if err := r.deliverTo(target, env, env.To); err != nil {
			r.log.Warn("channel delivery failed", zap.String("channel", env.To), zap.String("to", name), zap.Error(err))
			continue
		}
		// Each member that actually received a copy counts as a recipient
		// for its own shadows' purposes.
		r.deliverShadowsOf(name, false, trigger, env, env.To)
	}
}

func (r *Router) routeTopic(senderName string, env *envelope.Envelope) {
	r.mu.RLock()
	subs := r.topicSubscribers[env.Topic]
	names := make([]string, 0, len(subs))
	for name := range subs {
		names = append(names, name)
	}
	r.mu.RUnlock()

	for _, name := range names {
		if name == senderName {
			continue
		}
		entry, ok := r.registry.Lookup(name)
		if !ok {
			continue
		}
		r.mu.RLock()
		target, ok := r.conns[entry.ConnID]
		r.mu.RUnlock()
		if !ok {
			continue
		}
		if err := r.deliverTo(target, env, env.Topic); err != nil {
			r.log.Warn("topic delivery failed", zap.String("topic", env.Topic), zap.String("to", name), zap.Error(err))
		}
	}
}

// routeShadows mirrors traffic between senderName and destName to any
// bound shadow connections, honoring each binding's trigger filter and
// incoming/outgoing direction.
func (r *Router) routeShadows(senderName, destName string, env *envelope.Envelope) {
	trigger := shadowTriggerOf(env)
	r.deliverShadowsOf(senderName, true, trigger, env, destName)
	if destName != "" && destName != senderName {
		r.deliverShadowsOf(destName, false, trigger, env, destName)
	}
}

// deliverShadowsOf enqueues a copy of env to every shadow bound to
// primary whose direction flag and trigger filter admit it. Shadow copies
// are plain DELIVERs built here, outside Route, so they can never re-enter
// the shadow path themselves.
func (r *Router) deliverShadowsOf(primary string, wantOutgoing bool, trigger envelope.ShadowTrigger, env *envelope.Envelope, originalTo string) {
	r.mu.RLock()
	bindings := append([]shadowBinding(nil), r.shadows[primary]...)
	r.mu.RUnlock()
	for _, b := range bindings {
		if wantOutgoing && !b.receiveOutgoing {
			continue
		}
		if !wantOutgoing && !b.receiveIncoming {
			continue
		}
		if !b.matches(trigger) {
			continue
		}
		entry, ok := r.registry.Lookup(b.shadowName)
		if !ok {
			continue
		}
		r.mu.RLock()
		target, ok := r.conns[entry.ConnID]
		r.mu.RUnlock()
		if !ok {
			continue
		}
		if err := r.deliverTo(target, env, originalTo); err != nil {
			r.log.Warn("shadow delivery failed", zap.String("primary", primary), zap.String("shadow", b.shadowName), zap.Error(err))
		}
	}
}

func shadowTriggerOf(env *envelope.Envelope) envelope.ShadowTrigger {
	if env.Kind != envelope.KindSend {
		return envelope.TriggerAllMessages
	}
	var sp envelope.SendPayload
	if err := env.UnmarshalPayload(&sp); err != nil || sp.Trigger == "" {
		return envelope.TriggerAllMessages
	}
	return sp.Trigger
}

func (r *Router) deliverTo(target *connection.Connection, env *envelope.Envelope, originalTo string) error {
	out := env.Clone()
	out.Kind = envelope.KindDeliver
	return target.DeliverSeq(out, originalTo, []string{daemonHop})
}

// nack replies to senderConnID with a soft routing failure — the connection
// itself stays open.
func (r *Router) nack(senderConnID string, env *envelope.Envelope, code envelope.ErrorCode, reason string) error {
	r.mu.RLock()
	sender, ok := r.conns[senderConnID]
	r.mu.RUnlock()
	if !ok {
		return fmt.Errorf("router: sender connection %s gone", senderConnID)
	}
	nackEnv, err := envelope.New(envelope.KindNack, "", "", envelope.NackPayload{
		Code:   code,
		Reason: reason,
	})
	if err != nil {
		return err
	}
	nackEnv.PayloadMeta = &envelope.PayloadMeta{ReplyTo: env.ID}
	return sender.Enqueue(nackEnv)
}
