// Package sandbox runs commands inside an isolated Docker container so
// task handlers can execute tests and checks without touching the host.
// When the Docker daemon is unreachable the runner reports itself as
// unavailable and handlers record the skipped step instead of failing.
package sandbox

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
)

// ExecResult is the outcome of one command run inside the sandbox.
type ExecResult struct {
	Stdout   string `json:"stdout"`
	Stderr   string `json:"stderr"`
	ExitCode int    `json:"exit_code"`
}

// Options configures the sandbox container.
type Options struct {
	Image       string
	Workspace   string // host path bind-mounted at /workspace
	TimeoutSecs int    // per-command cap
}

// Runner owns a single long-lived container and executes commands in it.
type Runner struct {
	mu          sync.Mutex
	client      client.APIClient
	available   bool
	containerID string
	opts        Options
	logger      *slog.Logger
}

// NewRunner connects to the Docker daemon. If the daemon is unreachable the
// returned runner is marked unavailable; Run then returns an error callers
// are expected to downgrade to a skipped step.
func NewRunner(opts Options, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.TimeoutSecs <= 0 {
		opts.TimeoutSecs = 300
	}
	r := &Runner{opts: opts, logger: logger}

	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		logger.Warn("sandbox disabled: docker client init failed", "error", err)
		return r
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := cli.Ping(ctx); err != nil {
		_ = cli.Close()
		logger.Warn("sandbox disabled: docker daemon unreachable", "error", err)
		return r
	}

	r.client = cli
	r.available = true
	return r
}

// Available reports whether the Docker daemon was reachable at startup.
func (r *Runner) Available() bool {
	return r.available
}

// Run executes a shell command in the sandbox container, creating the
// container on first use. The workspace is mounted at /workspace and the
// command runs there.
func (r *Runner) Run(ctx context.Context, command string) (*ExecResult, error) {
	if !r.available {
		return nil, fmt.Errorf("sandbox: docker not available")
	}

	r.mu.Lock()
	cid, err := r.ensureContainerLocked(ctx)
	r.mu.Unlock()
	if err != nil {
		return nil, err
	}

	execCtx, cancel := context.WithTimeout(ctx, time.Duration(r.opts.TimeoutSecs)*time.Second)
	defer cancel()

	execResp, err := r.client.ContainerExecCreate(execCtx, cid, container.ExecOptions{
		Cmd:          []string{"sh", "-c", command},
		WorkingDir:   "/workspace",
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		return nil, fmt.Errorf("sandbox: exec create: %w", err)
	}

	attach, err := r.client.ContainerExecAttach(execCtx, execResp.ID, container.ExecAttachOptions{})
	if err != nil {
		return nil, fmt.Errorf("sandbox: exec attach: %w", err)
	}
	defer attach.Close()

	var stdout, stderr bytes.Buffer
	if _, err := stdcopy.StdCopy(&stdout, &stderr, attach.Reader); err != nil {
		return nil, fmt.Errorf("sandbox: exec read: %w", err)
	}

	inspect, err := r.client.ContainerExecInspect(execCtx, execResp.ID)
	if err != nil {
		return nil, fmt.Errorf("sandbox: exec inspect: %w", err)
	}

	return &ExecResult{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		ExitCode: inspect.ExitCode,
	}, nil
}

// ensureContainerLocked creates and starts the sandbox container if needed.
// Caller holds r.mu.
func (r *Runner) ensureContainerLocked(ctx context.Context) (string, error) {
	if r.containerID != "" {
		info, err := r.client.ContainerInspect(ctx, r.containerID)
		if err == nil && info.State.Running {
			return r.containerID, nil
		}
		r.containerID = ""
	}

	if r.opts.Image == "" {
		return "", fmt.Errorf("sandbox: image is required")
	}
	if err := r.ensureImage(ctx, r.opts.Image); err != nil {
		return "", fmt.Errorf("sandbox: pull image: %w", err)
	}

	cfg := &container.Config{
		Image:      r.opts.Image,
		Cmd:        []string{"sleep", "infinity"},
		WorkingDir: "/workspace",
	}
	hostCfg := &container.HostConfig{}
	if r.opts.Workspace != "" {
		hostCfg.Mounts = []mount.Mount{{
			Type:   mount.TypeBind,
			Source: r.opts.Workspace,
			Target: "/workspace",
		}}
	}

	resp, err := r.client.ContainerCreate(ctx, cfg, hostCfg, nil, nil, "custodian-sandbox")
	if err != nil {
		return "", fmt.Errorf("sandbox: create container: %w", err)
	}
	if err := r.client.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		rmCtx, rmCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer rmCancel()
		_ = r.client.ContainerRemove(rmCtx, resp.ID, container.RemoveOptions{Force: true})
		return "", fmt.Errorf("sandbox: start container: %w", err)
	}

	r.containerID = resp.ID
	r.logger.Info("sandbox container started", "image", r.opts.Image, "container", resp.ID[:12])
	return resp.ID, nil
}

func (r *Runner) ensureImage(ctx context.Context, img string) error {
	if _, err := r.client.ImageInspect(ctx, img); err == nil {
		return nil
	}
	reader, err := r.client.ImagePull(ctx, img, image.PullOptions{})
	if err != nil {
		return err
	}
	defer func() { _ = reader.Close() }()
	_, err = io.Copy(io.Discard, reader)
	return err
}

// Close removes the sandbox container and closes the Docker client.
func (r *Runner) Close() error {
	if !r.available || r.client == nil {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.containerID != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		_ = r.client.ContainerRemove(ctx, r.containerID, container.RemoveOptions{Force: true})
		r.containerID = ""
	}
	return r.client.Close()
}
