// Package correlator implements the blocking SEND/ACK protocol: a sender
// that sets payload_meta.sync.blocking waits for exactly one ACK, NACK, or
// ERROR carrying its correlation id, or times out.
package correlator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/agentrelay/relay/internal/envelope"
)

// Result is what Await eventually resolves to.
type Result struct {
	Envelope *envelope.Envelope
	TimedOut bool
}

type pendingEntry struct {
	done  chan Result
	timer *time.Timer
	once  sync.Once
}

func (p *pendingEntry) resolve(r Result) bool {
	resolved := false
	p.once.Do(func() {
		resolved = true
		p.done <- r
	})
	return resolved
}

// Correlator tracks outstanding blocking SENDs by correlation id.
type Correlator struct {
	log *zap.Logger

	mu      sync.Mutex
	pending map[string]*pendingEntry
}

// New creates an empty correlator.
func New(log *zap.Logger) *Correlator {
	return &Correlator{
		log:     log,
		pending: make(map[string]*pendingEntry),
	}
}

// Await blocks until a reply tagged with correlationID arrives via
// Resolve, timeout elapses, or ctx is cancelled. It guarantees the
// correlation id is settled exactly once: a late Resolve call after
// timeout is a harmless no-op, and a Resolve racing the timer wins
// whichever happens first.
func (c *Correlator) Await(ctx context.Context, correlationID string, timeout time.Duration) (Result, error) {
	wait, err := c.Register(correlationID, timeout)
	if err != nil {
		return Result{}, err
	}
	return wait(ctx)
}

// Register reserves correlationID and starts its timeout clock, returning
// a closure that blocks for the eventual result. Splitting registration
// from the wait lets a caller register synchronously before handing the
// envelope to the router, then wait in a background goroutine — otherwise
// a reply fast enough to beat the caller back to Await would arrive
// before anyone was listening for it.
func (c *Correlator) Register(correlationID string, timeout time.Duration) (func(ctx context.Context) (Result, error), error) {
	if correlationID == "" {
		return nil, fmt.Errorf("correlator: empty correlation id")
	}

	entry := &pendingEntry{done: make(chan Result, 1)}

	c.mu.Lock()
	if _, exists := c.pending[correlationID]; exists {
		c.mu.Unlock()
		return nil, fmt.Errorf("correlator: correlation id %q already pending", correlationID)
	}
	c.pending[correlationID] = entry
	c.mu.Unlock()

	entry.timer = time.AfterFunc(timeout, func() {
		entry.resolve(Result{TimedOut: true})
	})

	wait := func(ctx context.Context) (Result, error) {
		defer func() {
			entry.timer.Stop()
			c.mu.Lock()
			delete(c.pending, correlationID)
			c.mu.Unlock()
		}()

		select {
		case r := <-entry.done:
			return r, nil
		case <-ctx.Done():
			entry.resolve(Result{TimedOut: true})
			return Result{}, ctx.Err()
		}
	}
	return wait, nil
}

// Resolve delivers env to the pending Await for its correlation id, if
// one exists. It returns false if there was no matching pending entry
// (already timed out, already resolved, or never registered) so the
// caller can decide whether a late/unsolicited ACK deserves a log line.
func (c *Correlator) Resolve(correlationID string, env *envelope.Envelope) bool {
	c.mu.Lock()
	entry, ok := c.pending[correlationID]
	c.mu.Unlock()
	if !ok {
		return false
	}
	return entry.resolve(Result{Envelope: env})
}

// Pending reports how many blocking SENDs are currently outstanding, for
// status reporting and tests.
func (c *Correlator) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}
