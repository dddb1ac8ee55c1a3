// Package server wires the connection, registry, router, correlator, and
// spawn packages into the running daemon: it owns the listener, the
// accept loop, connection-level authorization, and the envelope dispatch
// table.
package server

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/agentrelay/relay/internal/authz"
	"github.com/agentrelay/relay/internal/config"
	"github.com/agentrelay/relay/internal/connection"
	"github.com/agentrelay/relay/internal/correlator"
	"github.com/agentrelay/relay/internal/envelope"
	"github.com/agentrelay/relay/internal/metrics"
	"github.com/agentrelay/relay/internal/outbox"
	"github.com/agentrelay/relay/internal/pidfile"
	"github.com/agentrelay/relay/internal/registry"
	"github.com/agentrelay/relay/internal/router"
	"github.com/agentrelay/relay/internal/spawn"
)

// Server is the fully-wired relay daemon.
type Server struct {
	cfg *config.Config
	log *zap.Logger

	registry   *registry.Registry
	router     *router.Router
	correlator *correlator.Correlator
	spawnMgr   *spawn.Manager
	policy     *authz.Policy
	metrics    *metrics.Metrics
	promReg    *prometheus.Registry

	listener net.Listener
	outbox   *outbox.Watcher

	mu         sync.Mutex
	conns      map[string]*connection.Connection
	peerCreds  map[string]authz.PeerCred
	nextConnID uint64
}

// New wires every package together according to cfg. launcher and
// policyCfg may be nil, in which case workers can't be spawned and any
// connection is authorized.
func New(cfg *config.Config, log *zap.Logger, launcher spawn.Launcher, policyCfg *authz.Config) (*Server, error) {
	var policy *authz.Policy
	if policyCfg != nil {
		policy = authz.NewPolicy(policyCfg)
	} else {
		policy = authz.NewPolicy(nil)
	}

	promReg := prometheus.NewRegistry()

	s := &Server{
		cfg:        cfg,
		log:        log,
		correlator: correlator.New(log),
		policy:     policy,
		metrics:    metrics.New(promReg),
		promReg:    promReg,
		conns:      make(map[string]*connection.Connection),
		peerCreds:  make(map[string]authz.PeerCred),
	}

	if launcher != nil {
		s.spawnMgr = spawn.NewManager(log, launcher, policy)
	}

	// OnGone fires when the connection that currently holds an agent's name
	// closes and its registry entry is removed. Displacement by a new HELLO
	// does not fire it: the name stays registered to the new connection.
	// Releasing its spawned workers here covers the case where a spawning
	// agent exits without sending explicit RELEASEs.
	reg := registry.New(log, registry.Events{
		OnGone: func(e registry.Entry) {
			if s.spawnMgr != nil {
				for _, w := range s.spawnMgr.ListBySpawner(e.Name) {
					if w.ShadowOf != "" {
						s.router.UnbindShadow(w.ShadowOf, w.Name)
					}
				}
				s.spawnMgr.ReleaseBySpawner(context.Background(), e.Name)
			}
		},
	})
	s.registry = reg
	s.router = router.New(log, reg)

	if cfg.Outbox.Enabled {
		w, err := outbox.New(log, cfg.Outbox.Directory)
		if err != nil {
			return nil, err
		}
		w.Dispatch = s.dispatchOutboxEnvelope
		s.outbox = w
	}

	return s, nil
}

// Run binds the listener, claims the pidfile, and serves connections
// until ctx is cancelled. It then closes the listeners and returns once the
// accept loops, the outbox watcher and the metrics server have exited; it
// does not wait for connections that are still open to drain.
func (s *Server) Run(ctx context.Context) error {
	if err := s.claimPidfile(); err != nil {
		return err
	}
	defer pidfile.Remove(s.cfg.Pidfile)

	ln, err := s.listen()
	if err != nil {
		return err
	}
	s.listener = ln
	defer ln.Close()

	var tlsLn net.Listener
	if s.cfg.TLS.Enabled {
		tlsLn, err = s.listenTLS()
		if err != nil {
			return err
		}
		defer tlsLn.Close()
	}

	g, gctx := errgroup.WithContext(ctx)

	if s.outbox != nil {
		g.Go(func() error { return s.outbox.Run(gctx) })
	}

	if s.cfg.Metrics.Enabled {
		g.Go(func() error { return s.serveMetrics(gctx) })
	}

	g.Go(func() error { return s.acceptLoop(gctx, ln) })
	if tlsLn != nil {
		g.Go(func() error { return s.acceptLoop(gctx, tlsLn) })
	}

	<-gctx.Done()
	_ = ln.Close()
	if tlsLn != nil {
		_ = tlsLn.Close()
	}
	return g.Wait()
}

func (s *Server) claimPidfile() error {
	if err := pidfile.Check(s.cfg.Pidfile); err != nil {
		switch err.(type) {
		case *pidfile.ErrStale:
			s.log.Warn("removing stale pidfile", zap.Error(err))
			if rmErr := pidfile.Remove(s.cfg.Pidfile); rmErr != nil {
				return rmErr
			}
		default:
			return err
		}
	}
	return pidfile.Write(s.cfg.Pidfile)
}

func (s *Server) listen() (net.Listener, error) {
	_ = os.Remove(s.cfg.Socket.Path) // clear a stale socket from an unclean shutdown
	ln, err := net.Listen("unix", s.cfg.Socket.Path)
	if err != nil {
		return nil, fmt.Errorf("server: listen on %s: %w", s.cfg.Socket.Path, err)
	}
	if err := os.Chmod(s.cfg.Socket.Path, os.FileMode(s.cfg.Socket.Mode)); err != nil {
		ln.Close()
		return nil, fmt.Errorf("server: chmod socket: %w", err)
	}

	return ln, nil
}

// listenTLS opens the optional TCP listener for network deployments,
// with server cert/key, optional client-certificate validation against a
// CA bundle, and an allow-list of client common names.
func (s *Server) listenTLS() (net.Listener, error) {
	cert, err := tls.LoadX509KeyPair(s.cfg.TLS.CertFile, s.cfg.TLS.KeyFile)
	if err != nil {
		return nil, fmt.Errorf("server: load TLS keypair: %w", err)
	}
	tlsCfg := &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	}

	if s.cfg.TLS.ClientCAFile != "" {
		pem, err := os.ReadFile(s.cfg.TLS.ClientCAFile)
		if err != nil {
			return nil, fmt.Errorf("server: read client CA bundle: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("server: no certificates parsed from %s", s.cfg.TLS.ClientCAFile)
		}
		tlsCfg.ClientCAs = pool
		tlsCfg.ClientAuth = tls.RequireAndVerifyClientCert

		if len(s.cfg.TLS.AllowedCNs) > 0 {
			allowed := make(map[string]bool, len(s.cfg.TLS.AllowedCNs))
			for _, cn := range s.cfg.TLS.AllowedCNs {
				allowed[cn] = true
			}
			tlsCfg.VerifyPeerCertificate = func(_ [][]byte, chains [][]*x509.Certificate) error {
				for _, chain := range chains {
					if len(chain) > 0 && allowed[chain[0].Subject.CommonName] {
						return nil
					}
				}
				return fmt.Errorf("client common name is not in the allowed list")
			}
		}
	}

	ln, err := tls.Listen("tcp", s.cfg.TLS.ListenAddr, tlsCfg)
	if err != nil {
		return nil, fmt.Errorf("server: listen tls on %s: %w", s.cfg.TLS.ListenAddr, err)
	}
	return ln, nil
}

func (s *Server) serveMetrics(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(s.promReg, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: s.cfg.Metrics.Addr, Handler: mux}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

func (s *Server) acceptLoop(ctx context.Context, ln net.Listener) error {
	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				return fmt.Errorf("server: accept: %w", err)
			}
		}

		cred, authErr := authz.PeerCredFromConn(conn)
		haveCred := authErr == nil
		if haveCred {
			if ok, reason := s.policy.AuthorizeConn(cred); !ok {
				s.log.Warn("rejected connection", zap.Uint32("uid", cred.UID), zap.String("reason", reason))
				conn.Close()
				continue
			}
		}

		s.metrics.ConnectionsTotal.Inc()
		s.metrics.ConnectionsActive.Inc()
		go s.serveConn(ctx, conn, cred, haveCred)
	}
}

func (s *Server) serveConn(ctx context.Context, netConn net.Conn, cred authz.PeerCred, haveCred bool) {
	defer s.metrics.ConnectionsActive.Dec()

	connID := s.newConnID()
	connCfg := connection.DefaultConfig()
	connCfg.MaxFrameBytes = s.cfg.Framing.MaxFrameBytes
	connCfg.Legacy = s.cfg.Framing.AllowLegacy
	connCfg.HandshakeTimeout = time.Duration(s.cfg.Heartbeat.HandshakeMs) * time.Millisecond
	connCfg.HeartbeatInterval = time.Duration(s.cfg.Heartbeat.IntervalMs) * time.Millisecond
	connCfg.HeartbeatTimeoutFactor = s.cfg.Heartbeat.TimeoutFactor
	connCfg.ClosingGrace = time.Duration(s.cfg.Heartbeat.ClosingGraceMs) * time.Millisecond
	connCfg.Watermarks = connection.Watermarks{
		Low: s.cfg.Queue.LowWatermark, High: s.cfg.Queue.HighWatermark, HardCap: s.cfg.Queue.HardCap,
	}

	connCtx, cancel := context.WithCancel(ctx)

	var c *connection.Connection
	c = connection.New(connID, netConn, connCfg, s.log, connection.Hooks{
		OnEnvelope: func(env *envelope.Envelope) { s.handleEnvelope(connCtx, c, env) },
		OnActive:   func() { s.router.BindConn(connID, c) },
		OnBusy:     func() { s.metrics.BusySignals.Inc() },
		OnClose: func(reason error) {
			cancel()
			s.router.UnbindConn(connID, c.AgentName)
			s.registry.Deregister(connID)
			s.mu.Lock()
			delete(s.conns, connID)
			delete(s.peerCreds, connID)
			s.mu.Unlock()
		},
	})

	s.mu.Lock()
	s.conns[connID] = c
	if haveCred {
		s.peerCreds[connID] = cred
	}
	s.mu.Unlock()

	if err := c.Run(connCtx); err != nil {
		s.log.Debug("connection ended", zap.String("conn_id", connID), zap.Error(err))
	}
}

func (s *Server) newConnID() string {
	s.mu.Lock()
	s.nextConnID++
	id := s.nextConnID
	s.mu.Unlock()
	return fmt.Sprintf("conn-%d", id)
}

// dispatchOutboxEnvelope injects a file-dropped SEND, SPAWN, or RELEASE
// as if it had arrived on a socket. A SEND is attributed to its declared
// From name if that agent is currently connected, so routing/shadowing
// behaves identically; SPAWN/RELEASE results have no connection to reply
// to and are logged instead.
func (s *Server) dispatchOutboxEnvelope(env *envelope.Envelope) {
	switch env.Kind {
	case envelope.KindSpawn:
		if s.spawnMgr == nil {
			s.log.Warn("outbox SPAWN dropped: spawn is not configured")
			return
		}
		var p envelope.SpawnPayload
		if err := env.UnmarshalPayload(&p); err != nil {
			s.log.Warn("outbox SPAWN dropped: malformed payload", zap.Error(err))
			return
		}
		p.SpawnerName = env.From
		result := s.spawnMgr.Spawn(context.Background(), p)
		if result.Success {
			s.metrics.WorkersSpawned.Inc()
			if p.ShadowOf != "" {
				s.router.BindShadow(p.ShadowOf, p.Name, shadowTriggers(p.ShadowSpeakOn), true, true)
			}
			s.log.Info("outbox SPAWN succeeded", zap.String("name", result.Name), zap.Int("pid", result.Pid))
		} else {
			s.log.Warn("outbox SPAWN failed", zap.String("name", p.Name), zap.String("error", result.Error))
		}
	case envelope.KindRelease:
		if s.spawnMgr == nil {
			s.log.Warn("outbox RELEASE dropped: spawn is not configured")
			return
		}
		var p envelope.ReleasePayload
		if err := env.UnmarshalPayload(&p); err != nil {
			s.log.Warn("outbox RELEASE dropped: malformed payload", zap.Error(err))
			return
		}
		var shadowOf string
		if info, ok := s.spawnMgr.Info(p.Name); ok {
			shadowOf = info.ShadowOf
		}
		result := s.spawnMgr.Release(context.Background(), p)
		if result.Success {
			s.metrics.WorkersReleased.Inc()
			if shadowOf != "" {
				s.router.UnbindShadow(shadowOf, p.Name)
			}
			s.log.Info("outbox RELEASE succeeded", zap.String("name", result.Name))
		} else {
			s.log.Warn("outbox RELEASE failed", zap.String("name", p.Name), zap.String("error", result.Error))
		}
	default:
		entry, ok := s.registry.Lookup(env.From)
		if !ok {
			s.log.Warn("outbox envelope from unknown agent dropped", zap.String("from", env.From))
			return
		}
		if err := s.router.Route(entry.ConnID, env.From, env); err != nil {
			s.log.Warn("outbox envelope routing failed", zap.Error(err))
		}
	}
}
