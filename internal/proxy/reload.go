package proxy

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
	"github.com/docker/docker/errdefs"
	"github.com/docker/docker/pkg/stdcopy"
)

// ErrConfigInvalid indicates nginx rejected the configuration.
var ErrConfigInvalid = errors.New("proxy: nginx configuration invalid")

// Reloader validates and applies nginx configuration.
type Reloader interface {
	Validate(ctx context.Context) error
	Reload(ctx context.Context) error
}

// CommandReloader shells out to nginx on the same host.
type CommandReloader struct {
	Test  []string
	Apply []string
}

// NewCommandReloader splits space separated commands such as "nginx -t".
func NewCommandReloader(test, apply string) CommandReloader {
	return CommandReloader{Test: strings.Fields(test), Apply: strings.Fields(apply)}
}

func (r CommandReloader) Validate(ctx context.Context) error {
	if len(r.Test) == 0 {
		return nil
	}
	out, err := exec.CommandContext(ctx, r.Test[0], r.Test[1:]...).CombinedOutput()
	if err != nil {
		return fmt.Errorf("%w: %s", ErrConfigInvalid, strings.TrimSpace(string(out)))
	}
	return nil
}

func (r CommandReloader) Reload(ctx context.Context) error {
	if len(r.Apply) == 0 {
		return errors.New("proxy: reload command not configured")
	}
	out, err := exec.CommandContext(ctx, r.Apply[0], r.Apply[1:]...).CombinedOutput()
	if err != nil {
		return fmt.Errorf("reload nginx: %w: %s", err, strings.TrimSpace(string(out)))
	}
	return nil
}

// DockerReloader drives nginx running in a container: nginx -t through exec,
// then SIGHUP.
type DockerReloader struct {
	client    *client.Client
	container string
}

// NewDockerReloader connects to the Docker daemon from the environment.
func NewDockerReloader(containerName string) (*DockerReloader, error) {
	containerName = strings.TrimSpace(containerName)
	if containerName == "" {
		return nil, fmt.Errorf("container name required")
	}
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, err
	}
	return &DockerReloader{client: cli, container: containerName}, nil
}

func (r *DockerReloader) Validate(ctx context.Context) error {
	created, err := r.client.ContainerExecCreate(ctx, r.container, container.ExecOptions{
		Cmd:          []string{"nginx", "-t"},
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		return r.wrap(err)
	}
	attach, err := r.client.ContainerExecAttach(ctx, created.ID, container.ExecAttachOptions{})
	if err != nil {
		return r.wrap(err)
	}
	defer attach.Close()

	var out bytes.Buffer
	if _, err := stdcopy.StdCopy(&out, &out, attach.Reader); err != nil {
		return fmt.Errorf("read nginx -t output: %w", err)
	}
	inspect, err := r.client.ContainerExecInspect(ctx, created.ID)
	if err != nil {
		return r.wrap(err)
	}
	if inspect.ExitCode != 0 {
		return fmt.Errorf("%w: %s", ErrConfigInvalid, strings.TrimSpace(out.String()))
	}
	return nil
}

func (r *DockerReloader) Reload(ctx context.Context) error {
	return r.wrap(r.client.ContainerKill(ctx, r.container, "HUP"))
}

func (r *DockerReloader) Close() error {
	return r.client.Close()
}

func (r *DockerReloader) wrap(err error) error {
	if err == nil {
		return nil
	}
	if errdefs.IsNotFound(err) {
		return fmt.Errorf("nginx container %s not found", r.container)
	}
	return err
}
