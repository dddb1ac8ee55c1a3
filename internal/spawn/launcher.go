// Package spawn manages worker agent processes the daemon creates on
// behalf of a SPAWN request and tears down on RELEASE. Process
// creation is abstracted behind Launcher so the daemon can run workers as
// plain OS processes or as containers.
package spawn

import "context"

// LaunchSpec describes a worker to start. ShadowOf, when set, names the
// primary agent the worker will observe; launchers pass it to the child
// so it can announce itself in shadow mode.
type LaunchSpec struct {
	Name     string
	CLI      string
	Task     string
	Cwd      string
	Team     string
	Model    string
	ShadowOf string
	Env      map[string]string
}

// LaunchResult reports how the worker was started.
type LaunchResult struct {
	PID int // 0 for non-process launchers (e.g. a container)
}

// Launcher starts and stops worker agents. Implementations must be safe
// for concurrent use.
type Launcher interface {
	Launch(ctx context.Context, spec LaunchSpec) (*LaunchResult, error)
	Stop(ctx context.Context, name string) error
	// IsAlive reports whether a previously launched worker is still
	// running. Used by the spawn manager's liveness sweep (SweepLiveness).
	IsAlive(name string) bool
}
