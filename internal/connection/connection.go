// Package connection owns a single client socket: handshake, heartbeat, a
// bounded write queue with high/low/hard-cap flow control, per-connection
// sequence numbers, and the HANDSHAKE → ACTIVE → CLOSING → CLOSED
// lifecycle state machine.
package connection

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/agentrelay/relay/internal/envelope"
	"github.com/agentrelay/relay/internal/framing"
)

// State is a connection's position in the lifecycle state machine.
type State int32

const (
	StateHandshake State = iota
	StateActive
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateHandshake:
		return "HANDSHAKE"
	case StateActive:
		return "ACTIVE"
	case StateClosing:
		return "CLOSING"
	case StateClosed:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}

// Watermarks configure the bounded write queue's backpressure thresholds
// (defaults: low=500, high=1500, hardCap=2000).
type Watermarks struct {
	Low     int
	High    int
	HardCap int
}

// DefaultWatermarks returns the daemon's default queue thresholds.
func DefaultWatermarks() Watermarks {
	return Watermarks{Low: 500, High: 1500, HardCap: 2000}
}

// Config bundles the tunables a Connection needs at construction time.
type Config struct {
	HandshakeTimeout        time.Duration
	HeartbeatInterval       time.Duration
	HeartbeatTimeoutFactor  int // default 6
	ClosingGrace            time.Duration
	MaxFrameBytes           int
	Watermarks              Watermarks
	Legacy                  bool
	OutboundFormat          framing.Format
}

// DefaultConfig returns the daemon's documented defaults.
func DefaultConfig() Config {
	return Config{
		HandshakeTimeout:       5 * time.Second,
		HeartbeatInterval:      5 * time.Second,
		HeartbeatTimeoutFactor: 6,
		ClosingGrace:           2 * time.Second,
		MaxFrameBytes:          framing.DefaultMaxFrameBytes,
		Watermarks:             DefaultWatermarks(),
		OutboundFormat:         framing.FormatJSON,
	}
}

// Hooks are the callbacks a connection's owner (the server/dispatcher)
// supplies to receive lifecycle and inbound-envelope events. Each hook may
// be called concurrently from the connection's reader or heartbeat task
// and must not block for long.
type Hooks struct {
	OnEnvelope func(*envelope.Envelope)
	OnActive   func()
	OnBusy     func()
	OnClose    func(reason error)
}

// Connection owns one socket and one framing parser. It is created on
// accept and destroyed on FIN/RST/error/shutdown.
type Connection struct {
	ID   string
	conn net.Conn
	cfg  Config
	log  *zap.Logger
	hooks Hooks

	decoder *framing.Decoder

	stateMu sync.RWMutex
	state   State

	AgentName string // set at handshake; immutable afterward
	SessionID string

	seq atomic.Uint64

	ackMu         sync.Mutex
	cumulativeAck uint64
	sacked        map[uint64]bool

	lastActivity atomic.Int64 // unix nanos

	qmu        sync.Mutex
	queue      []*envelope.Envelope
	aboveHigh  bool
	notify     chan struct{}

	closeOnce sync.Once
	done      chan struct{}
}

// New wraps an accepted net.Conn. Callers must call Run to drive the
// connection's lifecycle.
func New(id string, conn net.Conn, cfg Config, log *zap.Logger, hooks Hooks) *Connection {
	c := &Connection{
		ID:      id,
		conn:    conn,
		cfg:     cfg,
		log:     log.With(zap.String("conn_id", id)),
		hooks:   hooks,
		decoder: framing.NewDecoder(cfg.MaxFrameBytes, cfg.Legacy),
		notify:  make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
	c.lastActivity.Store(time.Now().UnixNano())
	return c
}

// State returns the connection's current lifecycle state.
func (c *Connection) State() State {
	c.stateMu.RLock()
	defer c.stateMu.RUnlock()
	return c.state
}

func (c *Connection) setState(s State) {
	c.stateMu.Lock()
	c.state = s
	c.stateMu.Unlock()
}

// NextSeq returns the next strictly increasing outbound sequence number
// for this connection.
func (c *Connection) NextSeq() uint64 {
	return c.seq.Add(1)
}

// touch refreshes the last-activity timestamp; called for every received
// frame, including PONG.
func (c *Connection) touch() {
	c.lastActivity.Store(time.Now().UnixNano())
}

// Run drives the connection's reader, writer and heartbeat tasks until
// ctx is cancelled or the connection closes itself. It returns once every
// cooperating task has exited.
func (c *Connection) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return c.readLoop(gctx, cancel) })
	g.Go(func() error { return c.writeLoop(gctx) })
	g.Go(func() error { return c.heartbeatLoop(gctx) })

	err := g.Wait()
	c.closeSocket(err)
	return err
}

func (c *Connection) readLoop(ctx context.Context, cancel context.CancelFunc) error {
	defer cancel()

	handshakeDeadline := time.Now().Add(c.cfg.HandshakeTimeout)
	if err := c.conn.SetReadDeadline(handshakeDeadline); err != nil {
		return err
	}

	buf := make([]byte, 64*1024)
	handshakeDone := false

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		n, err := c.conn.Read(buf)
		if n > 0 {
			envs, perr := c.decoder.Push(buf[:n])
			if perr != nil {
				c.fail(fmt.Errorf("protocol error: %w", perr))
				return perr
			}
			for _, env := range envs {
				c.touch()
				if !handshakeDone {
					if env.Kind != envelope.KindHello {
						c.fail(errors.New("first frame was not HELLO"))
						return errors.New("handshake violation")
					}
					handshakeDone = true
					c.setState(StateActive)
					if err := c.conn.SetReadDeadline(time.Time{}); err != nil {
						return err
					}
					if c.hooks.OnActive != nil {
						c.hooks.OnActive()
					}
				}
				if c.hooks.OnEnvelope != nil {
					c.hooks.OnEnvelope(env)
				}
				if c.State() != StateActive {
					// A handler closed the connection (protocol error,
					// BYE, displacement). A client may have pipelined
					// further frames into the same read; none of them may
					// be processed once the connection is closing.
					return nil
				}
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
				return nil
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() && !handshakeDone {
				c.fail(errors.New("handshake timeout"))
				return errors.New("handshake timeout")
			}
			return err
		}
	}
}

func (c *Connection) heartbeatLoop(ctx context.Context) error {
	// Wait for ACTIVE before heartbeating; cheap poll since handshake is
	// bounded by HandshakeTimeout.
	ticker := time.NewTicker(c.cfg.HeartbeatInterval)
	defer ticker.Stop()

	timeout := time.Duration(c.cfg.HeartbeatTimeoutFactor) * c.cfg.HeartbeatInterval

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if c.State() != StateActive {
				continue
			}
			last := time.Unix(0, c.lastActivity.Load())
			if time.Since(last) > timeout {
				c.fail(fmt.Errorf("heartbeat timeout: no activity for %s", time.Since(last)))
				return errors.New("heartbeat timeout")
			}
			nonce := fmt.Sprintf("%d", time.Now().UnixNano())
			ping, err := envelope.New(envelope.KindPing, "", "", envelope.PingPayload{Nonce: nonce})
			if err == nil {
				_ = c.Enqueue(ping)
			}
		}
	}
}

// Enqueue pushes env onto the bounded write queue. It returns an error
// only when the hard cap is exceeded (fatal to this connection); crossing
// the high/low watermark instead emits BUSY/resume signals as a side
// effect.
func (c *Connection) Enqueue(env *envelope.Envelope) error {
	c.qmu.Lock()

	if len(c.queue) >= c.cfg.Watermarks.HardCap {
		c.qmu.Unlock()
		err := fmt.Errorf("connection %s: write queue hard cap exceeded", c.ID)
		c.fail(err)
		return err
	}

	c.queue = append(c.queue, env)
	depth := len(c.queue)

	crossedHigh := !c.aboveHigh && depth >= c.cfg.Watermarks.High
	if crossedHigh {
		c.aboveHigh = true
	}
	c.qmu.Unlock()

	if crossedHigh {
		busy, _ := envelope.New(envelope.KindBusy, "", "", envelope.BusyPayload{
			RetryAfterMs: 250,
			QueueDepth:   depth,
		})
		c.enqueueRaw(busy)
		if c.hooks.OnBusy != nil {
			c.hooks.OnBusy()
		}
	}

	select {
	case c.notify <- struct{}{}:
	default:
	}
	return nil
}

// enqueueRaw bypasses watermark bookkeeping; used for daemon-originated
// control frames (BUSY/resume) so they cannot themselves trigger BUSY.
func (c *Connection) enqueueRaw(env *envelope.Envelope) {
	c.qmu.Lock()
	c.queue = append([]*envelope.Envelope{env}, c.queue...)
	c.qmu.Unlock()
	select {
	case c.notify <- struct{}{}:
	default:
	}
}

// dequeue pops the head of the write queue. When the depth drops back to
// the low watermark after having crossed high, it also splices in a
// resume signal — a BUSY envelope with RetryAfterMs 0, which a client
// interprets as "the earlier BUSY has cleared".
func (c *Connection) dequeue() (*envelope.Envelope, bool) {
	c.qmu.Lock()
	defer c.qmu.Unlock()

	if len(c.queue) == 0 {
		return nil, false
	}
	env := c.queue[0]
	c.queue = c.queue[1:]
	depth := len(c.queue)

	if c.aboveHigh && depth <= c.cfg.Watermarks.Low {
		c.aboveHigh = false
		resume, err := envelope.New(envelope.KindBusy, "", "", envelope.BusyPayload{
			RetryAfterMs: 0,
			QueueDepth:   depth,
		})
		if err == nil {
			c.queue = append([]*envelope.Envelope{resume}, c.queue...)
		}
	}
	return env, true
}

func (c *Connection) writeLoop(ctx context.Context) error {
	for {
		for {
			env, ok := c.dequeue()
			if !ok {
				break
			}
			if err := c.writeFrame(env); err != nil {
				return err
			}
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.notify:
		case <-time.After(c.cfg.ClosingGrace):
			if c.State() == StateClosing {
				return nil
			}
		}
	}
}

func (c *Connection) writeFrame(env *envelope.Envelope) error {
	frame, err := framing.Encode(c.cfg.OutboundFormat, env)
	if err != nil {
		return fmt.Errorf("connection %s: encode: %w", c.ID, err)
	}
	if _, err := c.conn.Write(frame); err != nil {
		return fmt.Errorf("connection %s: write: %w", c.ID, err)
	}
	return nil
}

// DeliverSeq stamps env with the next outbound sequence number and this
// connection's session id, then enqueues it. route records the
// hop(s) the envelope passed through.
func (c *Connection) DeliverSeq(env *envelope.Envelope, originalTo string, route []string) error {
	env.Delivery = &envelope.DeliveryInfo{
		Seq:        c.NextSeq(),
		SessionID:  c.SessionID,
		OriginalTo: originalTo,
		Route:      route,
	}
	return c.Enqueue(env)
}

// RecordAck folds a received ACK's cumulative and selective fields into
// this connection's delivery state. cumulative acknowledges every
// DELIVER up to and including that sequence; sack acknowledges individual
// sequences beyond it. The state is what a future session resume would
// consult to compute unacknowledged deliveries.
func (c *Connection) RecordAck(cumulative uint64, sack []uint64) {
	c.ackMu.Lock()
	defer c.ackMu.Unlock()
	if cumulative > c.cumulativeAck {
		c.cumulativeAck = cumulative
	}
	for _, seq := range sack {
		if seq <= c.cumulativeAck {
			continue
		}
		if c.sacked == nil {
			c.sacked = make(map[uint64]bool)
		}
		c.sacked[seq] = true
	}
	// Fold selective acks contiguous with the watermark into it, then drop
	// any the raised watermark now covers.
	for c.sacked[c.cumulativeAck+1] {
		delete(c.sacked, c.cumulativeAck+1)
		c.cumulativeAck++
	}
	for seq := range c.sacked {
		if seq <= c.cumulativeAck {
			delete(c.sacked, seq)
		}
	}
}

// AckState snapshots the cumulative watermark and any selectively acked
// sequences above it.
func (c *Connection) AckState() (cumulative uint64, sack []uint64) {
	c.ackMu.Lock()
	defer c.ackMu.Unlock()
	sack = make([]uint64, 0, len(c.sacked))
	for seq := range c.sacked {
		sack = append(sack, seq)
	}
	return c.cumulativeAck, sack
}

// QueueDepth reports the current write-queue depth for status/testing.
func (c *Connection) QueueDepth() int {
	c.qmu.Lock()
	defer c.qmu.Unlock()
	return len(c.queue)
}

// Close transitions the connection to CLOSING, gives the writer up to
// ClosingGrace to drain any queued frames, then forces the socket closed so
// the blocked reader unblocks and Run's errgroup can return.
func (c *Connection) Close(reason error) {
	c.closeOnce.Do(func() {
		c.setState(StateClosing)
		close(c.done)
		if reason != nil {
			c.log.Debug("closing connection", zap.Error(reason))
		}
		go func() {
			<-time.After(c.cfg.ClosingGrace)
			_ = c.conn.SetDeadline(time.Now())
		}()
	})
}

func (c *Connection) fail(reason error) {
	c.log.Warn("connection failing", zap.Error(reason))
	c.Close(reason)
}

func (c *Connection) closeSocket(runErr error) {
	c.setState(StateClosed)
	_ = c.conn.Close()
	if c.hooks.OnClose != nil {
		c.hooks.OnClose(runErr)
	}
}

