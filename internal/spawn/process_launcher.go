package spawn

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"sync"

	"github.com/shirou/gopsutil/v4/process"
	"go.uber.org/zap"
)

// ProcessLauncher starts workers as plain child processes, invoking the
// agent CLI by name with the task as its argument and cwd as its working
// directory.
type ProcessLauncher struct {
	log *zap.Logger

	mu      sync.Mutex
	running map[string]*exec.Cmd
}

// NewProcessLauncher creates a launcher with no running workers.
func NewProcessLauncher(log *zap.Logger) *ProcessLauncher {
	return &ProcessLauncher{
		log:     log,
		running: make(map[string]*exec.Cmd),
	}
}

// Launch execs spec.CLI with the worker's task as an argument and its own
// environment augmented with AGENTRELAY_* variables identifying it to the
// daemon it will dial back into.
func (p *ProcessLauncher) Launch(ctx context.Context, spec LaunchSpec) (*LaunchResult, error) {
	if spec.CLI == "" {
		return nil, fmt.Errorf("spawn: empty CLI for worker %q", spec.Name)
	}

	cmd := exec.CommandContext(ctx, spec.CLI, spec.Task)
	if spec.Cwd != "" {
		cmd.Dir = spec.Cwd
	}
	cmd.Env = append(os.Environ(),
		"AGENTRELAY_AGENT_NAME="+spec.Name,
		"AGENTRELAY_TEAM="+spec.Team,
		"AGENTRELAY_MODEL="+spec.Model,
	)
	if spec.ShadowOf != "" {
		cmd.Env = append(cmd.Env, "AGENTRELAY_SHADOW_OF="+spec.ShadowOf)
	}
	for k, v := range spec.Env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}
	cmd.Stdout = nil
	cmd.Stderr = nil

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("spawn: start %q: %w", spec.Name, err)
	}

	p.mu.Lock()
	p.running[spec.Name] = cmd
	p.mu.Unlock()

	pid := cmd.Process.Pid
	go p.reap(spec.Name, cmd)

	p.log.Info("spawned worker", zap.String("name", spec.Name), zap.Int("pid", pid), zap.String("cli", spec.CLI))
	return &LaunchResult{PID: pid}, nil
}

// reap waits on the child so it doesn't linger as a zombie and clears it
// from running once it exits on its own.
func (p *ProcessLauncher) reap(name string, cmd *exec.Cmd) {
	_ = cmd.Wait()
	p.mu.Lock()
	delete(p.running, name)
	p.mu.Unlock()
}

// Stop kills the named worker's process (SIGKILL on Unix).
func (p *ProcessLauncher) Stop(ctx context.Context, name string) error {
	p.mu.Lock()
	cmd, ok := p.running[name]
	p.mu.Unlock()
	if !ok {
		return fmt.Errorf("spawn: no running worker named %q", name)
	}
	if cmd.Process == nil {
		return fmt.Errorf("spawn: worker %q has no process handle", name)
	}
	return cmd.Process.Kill()
}

// IsAlive checks the OS process table directly rather than trusting the
// ProcessLauncher's own bookkeeping, since an exec.Cmd whose Wait hasn't
// returned yet could still have an already-dead process underneath it.
func (p *ProcessLauncher) IsAlive(name string) bool {
	p.mu.Lock()
	cmd, ok := p.running[name]
	p.mu.Unlock()
	if !ok || cmd.Process == nil {
		return false
	}
	proc, err := process.NewProcess(int32(cmd.Process.Pid))
	if err != nil {
		return false
	}
	alive, err := proc.IsRunning()
	return err == nil && alive
}
