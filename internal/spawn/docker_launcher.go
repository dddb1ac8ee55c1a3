package spawn

import (
	"context"
	"fmt"
	"sync"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
	"go.uber.org/zap"
)

// DockerLauncher starts workers as containers instead of host processes,
// for deployments that want to sandbox spawned agents. The daemon itself
// never requires Docker.
type DockerLauncher struct {
	log   *zap.Logger
	image string
	cli   *client.Client

	mu         sync.Mutex
	containers map[string]string // worker name -> container id
}

// NewDockerLauncher dials the local Docker daemon using the standard
// environment-based configuration (DOCKER_HOST etc).
func NewDockerLauncher(log *zap.Logger, image string) (*DockerLauncher, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("spawn: docker client: %w", err)
	}
	return &DockerLauncher{
		log:        log,
		image:      image,
		cli:        cli,
		containers: make(map[string]string),
	}, nil
}

// Launch runs spec.CLI, with the task as its argument, as the command of a
// fresh container from the launcher's configured image.
func (d *DockerLauncher) Launch(ctx context.Context, spec LaunchSpec) (*LaunchResult, error) {
	env := []string{
		"AGENTRELAY_AGENT_NAME=" + spec.Name,
		"AGENTRELAY_TEAM=" + spec.Team,
		"AGENTRELAY_MODEL=" + spec.Model,
	}
	if spec.ShadowOf != "" {
		env = append(env, "AGENTRELAY_SHADOW_OF="+spec.ShadowOf)
	}
	for k, v := range spec.Env {
		env = append(env, k+"="+v)
	}

	resp, err := d.cli.ContainerCreate(ctx, &container.Config{
		Image: d.image,
		Cmd:   []string{spec.CLI, spec.Task},
		Env:   env,
		Labels: map[string]string{
			"agentrelay.worker": spec.Name,
			"agentrelay.team":   spec.Team,
		},
	}, nil, nil, nil, "")
	if err != nil {
		return nil, fmt.Errorf("spawn: container create for %q: %w", spec.Name, err)
	}

	if err := d.cli.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		return nil, fmt.Errorf("spawn: container start for %q: %w", spec.Name, err)
	}

	d.mu.Lock()
	d.containers[spec.Name] = resp.ID
	d.mu.Unlock()

	d.log.Info("spawned worker container", zap.String("name", spec.Name), zap.String("container_id", resp.ID))
	return &LaunchResult{PID: 0}, nil
}

// Stop stops and removes the named worker's container.
func (d *DockerLauncher) Stop(ctx context.Context, name string) error {
	d.mu.Lock()
	id, ok := d.containers[name]
	d.mu.Unlock()
	if !ok {
		return fmt.Errorf("spawn: no running container for worker %q", name)
	}
	if err := d.cli.ContainerStop(ctx, id, container.StopOptions{}); err != nil {
		return fmt.Errorf("spawn: container stop %q: %w", id, err)
	}
	return d.cli.ContainerRemove(ctx, id, container.RemoveOptions{Force: true})
}

// IsAlive inspects the container's running state.
func (d *DockerLauncher) IsAlive(name string) bool {
	d.mu.Lock()
	id, ok := d.containers[name]
	d.mu.Unlock()
	if !ok {
		return false
	}
	info, err := d.cli.ContainerInspect(context.Background(), id)
	if err != nil {
		return false
	}
	return info.State != nil && info.State.Running
}
