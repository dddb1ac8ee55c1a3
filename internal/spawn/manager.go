package spawn

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.uber.org/zap"

	"github.com/agentrelay/relay/internal/envelope"
)

// PolicyChecker decides whether a spawner is allowed to create a named
// worker, typically backed by internal/authz's team/prefix rules.
type PolicyChecker interface {
	CanSpawn(spawnerName, team, workerName string) (allowed bool, reason string)
}

// AllowAll is a PolicyChecker that never refuses a spawn; used when no
// authorization config is configured.
type AllowAll struct{}

func (AllowAll) CanSpawn(_, _, _ string) (bool, string) { return true, "" }

// WorkerInfo describes a worker the manager is currently tracking.
// ShadowOf carries the primary agent name for a shadow-mode worker so the
// binding derived from the SPAWN can be torn down again on RELEASE or
// parent disconnect.
type WorkerInfo struct {
	Name        string
	SpawnerName string
	Team        string
	CLI         string
	PID         int
	SpawnedAt   time.Time
	ShadowOf    string
}

// Manager tracks worker agents spawned through SPAWN/RELEASE requests
//. It does not itself register workers in the agent registry —
// that happens the normal way, through the worker's own HELLO once it
// dials back into the daemon.
type Manager struct {
	log     *zap.Logger
	launcher Launcher
	policy  PolicyChecker

	mu      sync.Mutex
	workers map[string]WorkerInfo
}

// NewManager builds a spawn manager backed by launcher, gated by policy.
func NewManager(log *zap.Logger, launcher Launcher, policy PolicyChecker) *Manager {
	if policy == nil {
		policy = AllowAll{}
	}
	return &Manager{
		log:      log,
		launcher: launcher,
		policy:   policy,
		workers:  make(map[string]WorkerInfo),
	}
}

// Spawn validates policy, then launches a worker with bounded retry via
// exponential backoff (the launcher's Launch can fail transiently — e.g.
// a container image still being pulled).
func (m *Manager) Spawn(ctx context.Context, req envelope.SpawnPayload) *envelope.SpawnResultPayload {
	if req.Name == "" {
		return &envelope.SpawnResultPayload{Success: false, Error: "worker name is required"}
	}

	m.mu.Lock()
	_, exists := m.workers[req.Name]
	m.mu.Unlock()
	if exists {
		return &envelope.SpawnResultPayload{Success: false, Name: req.Name, Error: "a worker with this name is already spawned"}
	}

	allowed, reason := m.policy.CanSpawn(req.SpawnerName, req.Team, req.Name)
	if !allowed {
		return &envelope.SpawnResultPayload{Success: false, Name: req.Name, Error: reason, PolicyDecision: "denied"}
	}

	spec := LaunchSpec{
		Name:     req.Name,
		CLI:      req.CLI,
		Task:     req.Task,
		Cwd:      req.Cwd,
		Team:     req.Team,
		Model:    req.Model,
		ShadowOf: req.ShadowOf,
	}

	result, err := backoff.Retry(ctx, func() (*LaunchResult, error) {
		return m.launcher.Launch(ctx, spec)
	}, backoff.WithBackOff(backoff.NewExponentialBackOff()), backoff.WithMaxTries(3))
	if err != nil {
		return &envelope.SpawnResultPayload{Success: false, Name: req.Name, Error: fmt.Sprintf("launch failed: %v", err), PolicyDecision: "allowed"}
	}

	m.mu.Lock()
	m.workers[req.Name] = WorkerInfo{
		Name:        req.Name,
		SpawnerName: req.SpawnerName,
		Team:        req.Team,
		CLI:         req.CLI,
		PID:         result.PID,
		SpawnedAt:   time.Now(),
		ShadowOf:    req.ShadowOf,
	}
	m.mu.Unlock()

	return &envelope.SpawnResultPayload{Success: true, Name: req.Name, Pid: result.PID, PolicyDecision: "allowed"}
}

// Release stops and forgets a previously spawned worker.
func (m *Manager) Release(ctx context.Context, req envelope.ReleasePayload) *envelope.ReleaseResultPayload {
	m.mu.Lock()
	_, ok := m.workers[req.Name]
	m.mu.Unlock()
	if !ok {
		return &envelope.ReleaseResultPayload{Success: false, Name: req.Name, Error: "no such spawned worker"}
	}

	if err := m.launcher.Stop(ctx, req.Name); err != nil {
		return &envelope.ReleaseResultPayload{Success: false, Name: req.Name, Error: err.Error()}
	}

	m.mu.Lock()
	delete(m.workers, req.Name)
	m.mu.Unlock()
	return &envelope.ReleaseResultPayload{Success: true, Name: req.Name}
}

// ReleaseBySpawner stops every worker a given spawner launched, best
// effort — used when a spawning agent disconnects without sending
// explicit RELEASEs. Failures are logged, not returned, since
// there's no connection left to report them to.
func (m *Manager) ReleaseBySpawner(ctx context.Context, spawnerName string) {
	for _, w := range m.ListBySpawner(spawnerName) {
		if err := m.launcher.Stop(ctx, w.Name); err != nil {
			m.log.Warn("failed to release orphaned worker", zap.String("name", w.Name), zap.Error(err))
			continue
		}
		m.mu.Lock()
		delete(m.workers, w.Name)
		m.mu.Unlock()
	}
}

// IsSpawned reports whether name is a worker this manager launched.
func (m *Manager) IsSpawned(name string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.workers[name]
	return ok
}

// Info returns the tracked record for a spawned worker.
func (m *Manager) Info(name string) (WorkerInfo, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	w, ok := m.workers[name]
	return w, ok
}

// ListBySpawner snapshots the workers a given spawner launched.
func (m *Manager) ListBySpawner(spawnerName string) []WorkerInfo {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]WorkerInfo, 0)
	for _, w := range m.workers {
		if w.SpawnerName == spawnerName {
			out = append(out, w)
		}
	}
	return out
}

// List snapshots every worker the manager currently tracks.
func (m *Manager) List() []WorkerInfo {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]WorkerInfo, 0, len(m.workers))
	for _, w := range m.workers {
		out = append(out, w)
	}
	return out
}

// SweepLiveness removes workers whose underlying process/container has
// died without a RELEASE, so status reporting stays accurate. It runs only
// when called; the server does not schedule it.
func (m *Manager) SweepLiveness() {
	m.mu.Lock()
	dead := make([]string, 0)
	for name := range m.workers {
		if !m.launcher.IsAlive(name) {
			dead = append(dead, name)
		}
	}
	for _, name := range dead {
		delete(m.workers, name)
	}
	m.mu.Unlock()

	for _, name := range dead {
		m.log.Info("spawned worker no longer running, dropping from tracking", zap.String("name", name))
	}
}
