package router

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/agentrelay/relay/internal/connection"
	"github.com/agentrelay/relay/internal/envelope"
	"github.com/agentrelay/relay/internal/registry"
)

// bindAgent registers name in reg and binds a live (net.Pipe-backed)
// connection for it in r, returning the connection so tests can inspect
// its write queue.
func bindAgent(t *testing.T, r *Router, reg *registry.Registry, name string) *connection.Connection {
	t.Helper()
	server, client := net.Pipe()
	t.Cleanup(func() { server.Close(); client.Close() })

	connID := "conn-" + name
	c := connection.New(connID, server, connection.DefaultConfig(), zap.NewNop(), connection.Hooks{})
	c.AgentName = name
	_, ok := reg.Register(registry.Entry{Name: name, ConnID: connID})
	require.True(t, ok)
	r.BindConn(connID, c)
	return c
}

func TestDirectRouteNotFound(t *testing.T) {
	reg := registry.New(zap.NewNop(), registry.Events{})
	r := New(zap.NewNop(), reg)

	// No sender connection bound at all: notFound should fail cleanly
	// rather than panic when it can't find the sender to reply to.
	env, err := envelope.New(envelope.KindSend, "alice", "bob", envelope.SendPayload{Body: "hi"})
	require.NoError(t, err)

	err = r.Route("conn-alice", "alice", env)
	assert.Error(t, err)
}

func TestChannelMembershipJoinLeave(t *testing.T) {
	reg := registry.New(zap.NewNop(), registry.Events{})
	r := New(zap.NewNop(), reg)

	r.JoinChannel("#general", "alice")
	r.JoinChannel("#general", "bob")
	assert.ElementsMatch(t, []string{"alice", "bob"}, r.ChannelMembers("#general"))

	r.LeaveChannel("#general", "alice")
	assert.ElementsMatch(t, []string{"bob"}, r.ChannelMembers("#general"))
}

func TestShadowBindingMatchesTrigger(t *testing.T) {
	b := shadowBinding{
		shadowName: "watcher",
		triggers:   map[envelope.ShadowTrigger]bool{envelope.TriggerCodeWritten: true},
	}
	assert.True(t, b.matches(envelope.TriggerCodeWritten))
	assert.False(t, b.matches(envelope.TriggerReviewRequest))

	unscoped := shadowBinding{shadowName: "watcher"}
	assert.True(t, unscoped.matches(envelope.TriggerReviewRequest), "unscoped bind defaults to ALL_MESSAGES")
}

func TestChannelHistoryIsRecordedAndCapped(t *testing.T) {
	reg := registry.New(zap.NewNop(), registry.Events{})
	r := New(zap.NewNop(), reg)

	for i := 0; i < channelHistoryCap+5; i++ {
		env, err := envelope.New(envelope.KindChannelMessage, "alice", "#general", envelope.SendPayload{Body: "hi"})
		require.NoError(t, err)
		r.routeChannel("alice", env)
	}

	hist := r.ChannelHistory("#general")
	assert.Len(t, hist, channelHistoryCap)
}

func TestChannelMessageMirrorsToShadows(t *testing.T) {
	reg := registry.New(zap.NewNop(), registry.Events{})
	r := New(zap.NewNop(), reg)

	bindAgent(t, r, reg, "alice")
	bob := bindAgent(t, r, reg, "bob")
	senderShadow := bindAgent(t, r, reg, "sender-watcher")
	recipientShadow := bindAgent(t, r, reg, "recipient-watcher")

	r.JoinChannel("#eng", "alice")
	r.JoinChannel("#eng", "bob")
	r.BindShadow("alice", "sender-watcher", nil, true, true)
	r.BindShadow("bob", "recipient-watcher", nil, true, true)

	env, err := envelope.New(envelope.KindChannelMessage, "alice", "#eng", envelope.SendPayload{Body: "ship it"})
	require.NoError(t, err)
	require.NoError(t, r.Route("conn-alice", "alice", env))

	assert.Equal(t, 1, bob.QueueDepth(), "channel member receives the message")
	assert.Equal(t, 1, senderShadow.QueueDepth(), "sender's outgoing shadow receives a copy")
	assert.Equal(t, 1, recipientShadow.QueueDepth(), "recipient's incoming shadow receives a copy")
}

func TestDirectSendMirrorsToShadowsOnce(t *testing.T) {
	reg := registry.New(zap.NewNop(), registry.Events{})
	r := New(zap.NewNop(), reg)

	bindAgent(t, r, reg, "alice")
	bob := bindAgent(t, r, reg, "bob")
	watcher := bindAgent(t, r, reg, "watcher")

	r.BindShadow("bob", "watcher", nil, true, true)

	env, err := envelope.New(envelope.KindSend, "alice", "bob", envelope.SendPayload{Body: "hi"})
	require.NoError(t, err)
	require.NoError(t, r.Route("conn-alice", "alice", env))

	assert.Equal(t, 1, bob.QueueDepth())
	assert.Equal(t, 1, watcher.QueueDepth(), "a shadow copy is delivered exactly once")
}

func TestShadowOutgoingOnlySkipsIncomingTraffic(t *testing.T) {
	reg := registry.New(zap.NewNop(), registry.Events{})
	r := New(zap.NewNop(), reg)

	bindAgent(t, r, reg, "alice")
	bindAgent(t, r, reg, "bob")
	watcher := bindAgent(t, r, reg, "watcher")

	r.BindShadow("bob", "watcher", nil, false, true)

	// bob is the recipient here, so only receiveIncoming bindings apply.
	env, err := envelope.New(envelope.KindSend, "alice", "bob", envelope.SendPayload{Body: "hi"})
	require.NoError(t, err)
	require.NoError(t, r.Route("conn-alice", "alice", env))
	assert.Equal(t, 0, watcher.QueueDepth())

	// With bob as sender, the same binding's receiveOutgoing admits it.
	reply, err := envelope.New(envelope.KindSend, "bob", "alice", envelope.SendPayload{Body: "yo"})
	require.NoError(t, err)
	require.NoError(t, r.Route("conn-bob", "bob", reply))
	assert.Equal(t, 1, watcher.QueueDepth())
}

func TestUnbindConnScrubsMembership(t *testing.T) {
	reg := registry.New(zap.NewNop(), registry.Events{})
	r := New(zap.NewNop(), reg)

	r.JoinChannel("#general", "alice")
	r.Subscribe("topic.builds", "alice")
	r.BindShadow("alice", "watcher", nil, true, true)

	r.UnbindConn("conn-alice", "alice")

	assert.Empty(t, r.ChannelMembers("#general"))
	r.mu.RLock()
	_, subscribed := r.topicSubscribers["topic.builds"]
	r.mu.RUnlock()
	assert.False(t, subscribed)
}
