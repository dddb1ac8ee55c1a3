package server

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/agentrelay/relay/internal/authz"
	"github.com/agentrelay/relay/internal/config"
	"github.com/agentrelay/relay/internal/envelope"
	"github.com/agentrelay/relay/internal/framing"
	"github.com/agentrelay/relay/internal/spawn"
)

type fakeLauncher struct {
	mu       sync.Mutex
	launched map[string]spawn.LaunchSpec
	stopped  []string
}

func newFakeLauncher() *fakeLauncher {
	return &fakeLauncher{launched: make(map[string]spawn.LaunchSpec)}
}

func (f *fakeLauncher) Launch(ctx context.Context, spec spawn.LaunchSpec) (*spawn.LaunchResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.launched[spec.Name] = spec
	return &spawn.LaunchResult{PID: 4242}, nil
}

func (f *fakeLauncher) Stop(ctx context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped = append(f.stopped, name)
	delete(f.launched, name)
	return nil
}

func (f *fakeLauncher) IsAlive(name string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.launched[name]
	return ok
}

func newTestServer(t *testing.T, launcher spawn.Launcher) *Server {
	cfg := config.Default()
	s, err := New(cfg, zap.NewNop(), launcher, nil)
	require.NoError(t, err)
	return s
}

type testClient struct {
	conn    net.Conn
	dec     *framing.Decoder
	pending []*envelope.Envelope
}

func (tc *testClient) send(t *testing.T, env *envelope.Envelope) {
	t.Helper()
	frame, err := framing.Encode(framing.FormatJSON, env)
	require.NoError(t, err)
	_, err = tc.conn.Write(frame)
	require.NoError(t, err)
}

func (tc *testClient) recv(t *testing.T, timeout time.Duration) *envelope.Envelope {
	t.Helper()
	if len(tc.pending) > 0 {
		env := tc.pending[0]
		tc.pending = tc.pending[1:]
		return env
	}
	deadline := time.Now().Add(timeout)
	buf := make([]byte, 4096)
	for {
		_ = tc.conn.SetReadDeadline(deadline)
		n, err := tc.conn.Read(buf)
		if n > 0 {
			envs, perr := tc.dec.Push(buf[:n])
			require.NoError(t, perr)
			if len(envs) > 0 {
				tc.pending = append(tc.pending, envs...)
				env := tc.pending[0]
				tc.pending = tc.pending[1:]
				return env
			}
		}
		if err != nil {
			t.Fatalf("recv: %v", err)
		}
	}
}

func connectAgent(t *testing.T, s *Server, ctx context.Context, name string) *testClient {
	t.Helper()
	server, client := net.Pipe()
	go s.serveConn(ctx, server, authz.PeerCred{}, false)

	tc := &testClient{conn: client, dec: framing.NewDecoder(framing.DefaultMaxFrameBytes, false)}
	hello, err := envelope.New(envelope.KindHello, "", "", envelope.HelloPayload{AgentName: name})
	require.NoError(t, err)
	tc.send(t, hello)

	welcome := tc.recv(t, time.Second)
	require.Equal(t, envelope.KindWelcome, welcome.Kind)
	return tc
}

func TestHelloWelcomeHandshake(t *testing.T) {
	s := newTestServer(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	alice := connectAgent(t, s, ctx, "alice")
	defer alice.conn.Close()

	assert.Eventually(t, func() bool {
		_, ok := s.registry.Lookup("alice")
		return ok
	}, time.Second, 10*time.Millisecond)
}

func TestDuplicateHelloDisplacesPrevious(t *testing.T) {
	s := newTestServer(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	alice1 := connectAgent(t, s, ctx, "alice")
	defer alice1.conn.Close()

	alice2 := connectAgent(t, s, ctx, "alice")
	defer alice2.conn.Close()

	errEnv := alice1.recv(t, time.Second)
	assert.Equal(t, envelope.KindError, errEnv.Kind)
	var errPayload envelope.ErrorPayload
	require.NoError(t, errEnv.UnmarshalPayload(&errPayload))
	assert.Equal(t, envelope.ErrInternal, errPayload.Code)
	assert.True(t, errPayload.Fatal)

	entry, ok := s.registry.Lookup("alice")
	require.True(t, ok)
	assert.NotEmpty(t, entry.ConnID)
}

func TestHelloRejectedWhenNameViolatesTeamPrefix(t *testing.T) {
	cfg := config.Default()
	policyCfg := &authz.Config{
		Teams: []authz.TeamRule{
			{Name: "eng", AllowedUIDs: []uint32{1000}, AllowedNamePrefixes: []string{"eng-"}},
		},
	}
	s, err := New(cfg, zap.NewNop(), nil, policyCfg)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	server, client := net.Pipe()
	defer client.Close()
	go s.serveConn(ctx, server, authz.PeerCred{UID: 1000}, true)

	tc := &testClient{conn: client, dec: framing.NewDecoder(framing.DefaultMaxFrameBytes, false)}
	hello, err := envelope.New(envelope.KindHello, "", "", envelope.HelloPayload{AgentName: "rogue"})
	require.NoError(t, err)
	tc.send(t, hello)

	errEnv := tc.recv(t, time.Second)
	require.Equal(t, envelope.KindError, errEnv.Kind)
	var payload envelope.ErrorPayload
	require.NoError(t, errEnv.UnmarshalPayload(&payload))
	assert.Equal(t, envelope.ErrUnauthorized, payload.Code)
	assert.True(t, payload.Fatal)

	_, registered := s.registry.Lookup("rogue")
	assert.False(t, registered)
}

func TestSendRoutesBetweenAgents(t *testing.T) {
	s := newTestServer(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	alice := connectAgent(t, s, ctx, "alice")
	defer alice.conn.Close()
	bob := connectAgent(t, s, ctx, "bob")
	defer bob.conn.Close()

	send, err := envelope.New(envelope.KindSend, "alice", "bob", envelope.SendPayload{PayloadKind: "message", Body: "hi bob"})
	require.NoError(t, err)
	alice.send(t, send)

	deliver := bob.recv(t, time.Second)
	assert.Equal(t, envelope.KindDeliver, deliver.Kind)
	assert.Equal(t, "alice", deliver.From)

	var payload envelope.SendPayload
	require.NoError(t, deliver.UnmarshalPayload(&payload))
	assert.Equal(t, "hi bob", payload.Body)
}

func TestBlockingSendResolvesWithAck(t *testing.T) {
	s := newTestServer(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	alice := connectAgent(t, s, ctx, "alice")
	defer alice.conn.Close()
	bob := connectAgent(t, s, ctx, "bob")
	defer bob.conn.Close()

	send, err := envelope.New(envelope.KindSend, "alice", "bob", envelope.SendPayload{PayloadKind: "message", Body: "ping"})
	require.NoError(t, err)
	send.PayloadMeta = &envelope.PayloadMeta{
		Sync: &envelope.SyncMeta{CorrelationID: "corr-1", Blocking: true, TimeoutMs: 2000},
	}
	alice.send(t, send)

	deliver := bob.recv(t, time.Second)
	require.Equal(t, envelope.KindDeliver, deliver.Kind)

	ack, err := envelope.New(envelope.KindAck, "bob", "", envelope.AckPayload{
		CorrelationID: "corr-1",
		Response:      true,
		ResponseData:  "ok",
	})
	require.NoError(t, err)
	bob.send(t, ack)

	reply := alice.recv(t, time.Second)
	assert.Equal(t, envelope.KindAck, reply.Kind)
	require.NotNil(t, reply.PayloadMeta)
	assert.Equal(t, send.ID, reply.PayloadMeta.ReplyTo)

	var ackPayload envelope.AckPayload
	require.NoError(t, reply.UnmarshalPayload(&ackPayload))
	assert.Equal(t, "ok", ackPayload.ResponseData)
}

func TestSendToUnknownAgentNacks(t *testing.T) {
	s := newTestServer(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	alice := connectAgent(t, s, ctx, "alice")
	defer alice.conn.Close()

	send, err := envelope.New(envelope.KindSend, "alice", "ghost", envelope.SendPayload{Body: "anyone there"})
	require.NoError(t, err)
	alice.send(t, send)

	nack := alice.recv(t, time.Second)
	require.Equal(t, envelope.KindNack, nack.Kind)
	var payload envelope.NackPayload
	require.NoError(t, nack.UnmarshalPayload(&payload))
	assert.Equal(t, envelope.ErrNotFound, payload.Code)
	require.NotNil(t, nack.PayloadMeta)
	assert.Equal(t, send.ID, nack.PayloadMeta.ReplyTo)
}

func TestBroadcastExcludesSender(t *testing.T) {
	s := newTestServer(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	alice := connectAgent(t, s, ctx, "alice")
	defer alice.conn.Close()
	bob := connectAgent(t, s, ctx, "bob")
	defer bob.conn.Close()
	carol := connectAgent(t, s, ctx, "carol")
	defer carol.conn.Close()

	send, err := envelope.New(envelope.KindSend, "alice", "*", envelope.SendPayload{Body: "hi all"})
	require.NoError(t, err)
	alice.send(t, send)

	for _, tc := range []*testClient{bob, carol} {
		deliver := tc.recv(t, time.Second)
		require.Equal(t, envelope.KindDeliver, deliver.Kind)
		require.NotNil(t, deliver.Delivery)
		assert.Equal(t, "*", deliver.Delivery.OriginalTo)
	}

	// The sender gets nothing back; the next frame it sees should be the
	// DELIVER of an unrelated direct message, not its own broadcast.
	probe, err := envelope.New(envelope.KindSend, "bob", "alice", envelope.SendPayload{Body: "direct"})
	require.NoError(t, err)
	bob.send(t, probe)

	next := alice.recv(t, time.Second)
	require.Equal(t, envelope.KindDeliver, next.Kind)
	assert.Equal(t, "bob", next.From)
}

func TestChannelFanOutExcludesSender(t *testing.T) {
	s := newTestServer(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	alice := connectAgent(t, s, ctx, "alice")
	defer alice.conn.Close()
	bob := connectAgent(t, s, ctx, "bob")
	defer bob.conn.Close()

	for _, tc := range []*testClient{alice, bob} {
		join, err := envelope.New(envelope.KindChannelJoin, "", "", envelope.ChannelJoinPayload{Channel: "#eng"})
		require.NoError(t, err)
		tc.send(t, join)
	}

	// Joins are processed on each connection's own reader; wait until both
	// are members before publishing.
	assert.Eventually(t, func() bool {
		return len(s.router.ChannelMembers("#eng")) == 2
	}, time.Second, 10*time.Millisecond)

	msg, err := envelope.New(envelope.KindChannelMessage, "alice", "#eng", envelope.SendPayload{Body: "ship it"})
	require.NoError(t, err)
	alice.send(t, msg)

	deliver := bob.recv(t, time.Second)
	require.Equal(t, envelope.KindDeliver, deliver.Kind)
	assert.Equal(t, "alice", deliver.From)
	require.NotNil(t, deliver.Delivery)
	assert.Equal(t, "#eng", deliver.Delivery.OriginalTo)
}

func TestBlockingSendTimesOutWithError(t *testing.T) {
	s := newTestServer(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	alice := connectAgent(t, s, ctx, "alice")
	defer alice.conn.Close()
	bob := connectAgent(t, s, ctx, "bob")
	defer bob.conn.Close()

	send, err := envelope.New(envelope.KindSend, "alice", "bob", envelope.SendPayload{Body: "ping"})
	require.NoError(t, err)
	send.PayloadMeta = &envelope.PayloadMeta{
		Sync: &envelope.SyncMeta{CorrelationID: "corr-timeout", Blocking: true, TimeoutMs: 100},
	}
	alice.send(t, send)

	deliver := bob.recv(t, time.Second)
	require.Equal(t, envelope.KindDeliver, deliver.Kind)

	// bob never ACKs; alice gets a non-fatal INTERNAL error instead.
	errEnv := alice.recv(t, time.Second)
	require.Equal(t, envelope.KindError, errEnv.Kind)
	var payload envelope.ErrorPayload
	require.NoError(t, errEnv.UnmarshalPayload(&payload))
	assert.Equal(t, envelope.ErrInternal, payload.Code)
	assert.False(t, payload.Fatal)
}

func TestInvalidFrameStopsPipelinedFrames(t *testing.T) {
	s := newTestServer(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	alice := connectAgent(t, s, ctx, "alice")
	defer alice.conn.Close()
	bob := connectAgent(t, s, ctx, "bob")
	defer bob.conn.Close()

	bad, err := envelope.New(envelope.KindSend, "alice", "bob", envelope.SendPayload{Body: "first"})
	require.NoError(t, err)
	bad.Version = 99
	good, err := envelope.New(envelope.KindSend, "alice", "bob", envelope.SendPayload{Body: "second"})
	require.NoError(t, err)

	badFrame, err := framing.Encode(framing.FormatJSON, bad)
	require.NoError(t, err)
	goodFrame, err := framing.Encode(framing.FormatJSON, good)
	require.NoError(t, err)

	// Both frames arrive in a single write so the connection decodes them
	// from one batch; the valid one is pipelined behind the invalid one.
	_, err = alice.conn.Write(append(badFrame, goodFrame...))
	require.NoError(t, err)

	errEnv := alice.recv(t, time.Second)
	require.Equal(t, envelope.KindError, errEnv.Kind)
	var payload envelope.ErrorPayload
	require.NoError(t, errEnv.UnmarshalPayload(&payload))
	assert.True(t, payload.Fatal)

	// The pipelined SEND behind the fatal frame is never routed to bob.
	_ = bob.conn.SetReadDeadline(time.Now().Add(300 * time.Millisecond))
	buf := make([]byte, 4096)
	n, readErr := bob.conn.Read(buf)
	assert.Error(t, readErr)
	assert.Zero(t, n)
}

func TestShadowSpawnDerivesBindingAndReleaseRemovesIt(t *testing.T) {
	launcher := newFakeLauncher()
	s := newTestServer(t, launcher)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	lead := connectAgent(t, s, ctx, "lead")
	defer lead.conn.Close()
	primary := connectAgent(t, s, ctx, "primary")
	defer primary.conn.Close()

	spawnEnv, err := envelope.New(envelope.KindSpawn, "lead", "", envelope.SpawnPayload{
		Name: "observer-1", CLI: "claude", Task: "review", ShadowOf: "primary",
	})
	require.NoError(t, err)
	lead.send(t, spawnEnv)

	result := lead.recv(t, time.Second)
	require.Equal(t, envelope.KindSpawnResult, result.Kind)
	var rp envelope.SpawnResultPayload
	require.NoError(t, result.UnmarshalPayload(&rp))
	require.True(t, rp.Success)

	// The worker dials back in under its spawned name and starts seeing
	// the primary's traffic without any SHADOW_BIND of its own.
	observer := connectAgent(t, s, ctx, "observer-1")
	defer observer.conn.Close()

	msg, err := envelope.New(envelope.KindSend, "lead", "primary", envelope.SendPayload{Body: "hi"})
	require.NoError(t, err)
	lead.send(t, msg)

	require.Equal(t, envelope.KindDeliver, primary.recv(t, time.Second).Kind)
	copyEnv := observer.recv(t, time.Second)
	require.Equal(t, envelope.KindDeliver, copyEnv.Kind)
	assert.Equal(t, "lead", copyEnv.From)

	releaseEnv, err := envelope.New(envelope.KindRelease, "lead", "", envelope.ReleasePayload{Name: "observer-1"})
	require.NoError(t, err)
	lead.send(t, releaseEnv)

	relResult := lead.recv(t, time.Second)
	require.Equal(t, envelope.KindReleaseResult, relResult.Kind)
	var rel envelope.ReleaseResultPayload
	require.NoError(t, relResult.UnmarshalPayload(&rel))
	require.True(t, rel.Success)

	// The derived binding went with the worker: further traffic to the
	// primary no longer produces shadow copies.
	msg2, err := envelope.New(envelope.KindSend, "lead", "primary", envelope.SendPayload{Body: "again"})
	require.NoError(t, err)
	lead.send(t, msg2)
	require.Equal(t, envelope.KindDeliver, primary.recv(t, time.Second).Kind)

	_ = observer.conn.SetReadDeadline(time.Now().Add(300 * time.Millisecond))
	buf := make([]byte, 4096)
	_, readErr := observer.conn.Read(buf)
	assert.Error(t, readErr, "released shadow no longer receives copies")
}

func TestSpawnWithFakeLauncher(t *testing.T) {
	launcher := newFakeLauncher()
	s := newTestServer(t, launcher)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	alice := connectAgent(t, s, ctx, "alice")
	defer alice.conn.Close()

	spawnEnv, err := envelope.New(envelope.KindSpawn, "alice", "", envelope.SpawnPayload{
		Name: "worker-1", CLI: "claude", Task: "fix the bug",
	})
	require.NoError(t, err)
	alice.send(t, spawnEnv)

	result := alice.recv(t, time.Second)
	require.Equal(t, envelope.KindSpawnResult, result.Kind)

	var payload envelope.SpawnResultPayload
	require.NoError(t, result.UnmarshalPayload(&payload))
	assert.True(t, payload.Success)
	assert.Equal(t, "worker-1", payload.Name)
	assert.Equal(t, spawnEnv.ID, payload.ReplyTo)

	assert.True(t, launcher.IsAlive("worker-1"))
}

func TestSpawnWithoutLauncherConfiguredFails(t *testing.T) {
	s := newTestServer(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	alice := connectAgent(t, s, ctx, "alice")
	defer alice.conn.Close()

	spawnEnv, err := envelope.New(envelope.KindSpawn, "alice", "", envelope.SpawnPayload{Name: "worker-1", CLI: "claude"})
	require.NoError(t, err)
	alice.send(t, spawnEnv)

	result := alice.recv(t, time.Second)
	require.Equal(t, envelope.KindSpawnResult, result.Kind)
	var payload envelope.SpawnResultPayload
	require.NoError(t, result.UnmarshalPayload(&payload))
	assert.False(t, payload.Success)
}
