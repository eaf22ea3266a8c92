package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os/exec"
	goruntime "runtime"
	"strconv"
	"strings"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/client"
	"github.com/docker/docker/errdefs"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/docker/go-connections/nat"
	"go.uber.org/zap"

	"github.com/agentdesk/agentdesk/internal/common/logger"
	"github.com/agentdesk/agentdesk/internal/common/portutil"
)

// DockerRuntime drives the Docker daemon through the official SDK.
type DockerRuntime struct {
	cli    *client.Client
	logger *logger.Logger
}

var _ Runtime = (*DockerRuntime)(nil)

// NewDockerRuntime creates a Docker runtime. host may be empty to use the
// environment default socket.
func NewDockerRuntime(host string, log *logger.Logger) (*DockerRuntime, error) {
	opts := []client.Opt{
		client.FromEnv,
		client.WithAPIVersionNegotiation(),
	}
	if host != "" {
		opts = []client.Opt{
			client.WithHost(host),
			client.WithAPIVersionNegotiation(),
		}
	}

	cli, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}

	return &DockerRuntime{
		cli:    cli,
		logger: log.WithFields(zap.String("runtime", "docker")),
	}, nil
}

// Close closes the underlying client.
func (r *DockerRuntime) Close() error {
	return r.cli.Close()
}

func (r *DockerRuntime) Name() Name { return NameDocker }

func (r *DockerRuntime) Available(ctx context.Context) (Availability, error) {
	installed := binaryInstalled("docker")

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	_, err := r.cli.Ping(pingCtx)
	running := err == nil
	if running {
		installed = true
	}

	return Availability{
		Installed: installed,
		Running:   running,
		CanStart:  installed && !running && daemonStartSupported(),
	}, nil
}

func (r *DockerRuntime) StartDaemon(ctx context.Context) error {
	switch goruntime.GOOS {
	case "darwin":
		// Docker Desktop owns the daemon on macOS.
		return exec.CommandContext(ctx, "open", "-a", "Docker").Run()
	case "linux":
		return exec.CommandContext(ctx, "systemctl", "start", "docker").Run()
	default:
		return fmt.Errorf("starting the docker daemon is not supported on %s", goruntime.GOOS)
	}
}

func (r *DockerRuntime) ImagePresent(ctx context.Context, ref string) (bool, error) {
	_, err := r.cli.ImageInspect(ctx, ref)
	if err != nil {
		if errdefs.IsNotFound(err) {
			return false, nil
		}
		return false, fmt.Errorf("failed to inspect image %s: %w", ref, err)
	}
	return true, nil
}

// pullEvent is one line of the daemon's pull progress stream.
type pullEvent struct {
	Status         string `json:"status"`
	ID             string `json:"id"`
	ProgressDetail struct {
		Current int64 `json:"current"`
		Total   int64 `json:"total"`
	} `json:"progressDetail"`
	Error string `json:"error"`
}

func (r *DockerRuntime) PullImage(ctx context.Context, ref string, progress func(PullProgress)) error {
	r.logger.Info("pulling image", zap.String("image", ref))

	reader, err := r.cli.ImagePull(ctx, ref, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("failed to pull image %s: %w", ref, err)
	}
	defer reader.Close()

	dec := json.NewDecoder(reader)
	for {
		var ev pullEvent
		if err := dec.Decode(&ev); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return fmt.Errorf("error reading image pull stream: %w", err)
		}
		if ev.Error != "" {
			return fmt.Errorf("image pull failed: %s", ev.Error)
		}
		if progress != nil && ev.ID != "" {
			percent := 0.0
			if ev.ProgressDetail.Total > 0 {
				percent = float64(ev.ProgressDetail.Current) / float64(ev.ProgressDetail.Total) * 100
			}
			progress(PullProgress{Layer: ev.ID, Status: ev.Status, Percent: percent})
		}
	}

	r.logger.Info("image pulled", zap.String("image", ref))
	return nil
}

func (r *DockerRuntime) Run(ctx context.Context, req RunRequest) (RunResult, error) {
	present, err := r.ImagePresent(ctx, req.Image)
	if err != nil {
		return RunResult{}, err
	}
	if !present {
		return RunResult{}, fmt.Errorf("%w: %s", ErrImageNotFound, req.Image)
	}

	// A previous container for this agent may still exist stopped.
	if err := r.Stop(ctx, req.AgentSlug); err != nil {
		return RunResult{}, err
	}

	hostPort, err := portutil.AllocatePort()
	if err != nil {
		return RunResult{}, err
	}

	env := make([]string, 0, len(req.Env))
	for k, v := range req.Env {
		env = append(env, k+"="+v)
	}

	mounts := make([]mount.Mount, 0, len(req.Mounts))
	for _, m := range req.Mounts {
		mounts = append(mounts, mount.Mount{
			Type:     mount.TypeBind,
			Source:   m.Source,
			Target:   m.Target,
			ReadOnly: m.ReadOnly,
		})
	}

	apiPort := nat.Port(fmt.Sprintf("%d/tcp", AgentAPIPort))
	containerCfg := &container.Config{
		Image: req.Image,
		Env:   env,
		ExposedPorts: nat.PortSet{
			apiPort: struct{}{},
		},
		Labels: map[string]string{
			LabelManaged: "true",
			LabelAgent:   req.AgentSlug,
			LabelPort:    strconv.Itoa(hostPort),
		},
	}

	hostCfg := &container.HostConfig{
		Mounts: mounts,
		PortBindings: nat.PortMap{
			apiPort: []nat.PortBinding{{
				HostIP:   "127.0.0.1",
				HostPort: strconv.Itoa(hostPort),
			}},
		},
	}
	if req.MemoryBytes > 0 {
		hostCfg.Resources.Memory = req.MemoryBytes
	}
	if req.CPU > 0 {
		hostCfg.Resources.NanoCPUs = int64(req.CPU * 1e9)
	}

	resp, err := r.cli.ContainerCreate(ctx, containerCfg, hostCfg, nil, nil, ContainerName(req.AgentSlug))
	if err != nil {
		return RunResult{}, fmt.Errorf("failed to create container for %s: %w", req.AgentSlug, err)
	}

	if err := r.cli.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		_ = r.cli.ContainerRemove(ctx, resp.ID, container.RemoveOptions{Force: true})
		return RunResult{}, fmt.Errorf("failed to start container for %s: %w", req.AgentSlug, err)
	}

	r.logger.Info("container started",
		zap.String("agent_slug", req.AgentSlug),
		zap.String("container_id", resp.ID),
		zap.Int("port", hostPort))

	return RunResult{ContainerID: resp.ID, Port: hostPort}, nil
}

func (r *DockerRuntime) Stop(ctx context.Context, agentSlug string) error {
	id, _, err := r.find(ctx, agentSlug)
	if err != nil {
		return err
	}
	if id == "" {
		return nil
	}

	timeout := 10
	if err := r.cli.ContainerStop(ctx, id, container.StopOptions{Timeout: &timeout}); err != nil && !errdefs.IsNotFound(err) {
		return fmt.Errorf("failed to stop container for %s: %w", agentSlug, err)
	}
	if err := r.cli.ContainerRemove(ctx, id, container.RemoveOptions{Force: true}); err != nil && !errdefs.IsNotFound(err) {
		return fmt.Errorf("failed to remove container for %s: %w", agentSlug, err)
	}
	return nil
}

func (r *DockerRuntime) Inspect(ctx context.Context, agentSlug string) (InspectResult, error) {
	id, port, err := r.find(ctx, agentSlug)
	if err != nil {
		return InspectResult{}, err
	}
	if id == "" {
		return InspectResult{}, nil
	}

	inspect, err := r.cli.ContainerInspect(ctx, id)
	if err != nil {
		if errdefs.IsNotFound(err) {
			return InspectResult{}, nil
		}
		return InspectResult{}, fmt.Errorf("failed to inspect container for %s: %w", agentSlug, err)
	}

	running := inspect.State != nil && inspect.State.Running
	return InspectResult{Exists: true, Running: running, Port: port}, nil
}

func (r *DockerRuntime) Exec(ctx context.Context, agentSlug string, cmd []string, stdin string) (ExecResult, error) {
	id, _, err := r.find(ctx, agentSlug)
	if err != nil {
		return ExecResult{}, err
	}
	if id == "" {
		return ExecResult{}, fmt.Errorf("no container for agent %s", agentSlug)
	}

	execCfg := container.ExecOptions{
		Cmd:          cmd,
		AttachStdout: true,
		AttachStderr: true,
		AttachStdin:  stdin != "",
	}
	created, err := r.cli.ContainerExecCreate(ctx, id, execCfg)
	if err != nil {
		return ExecResult{}, fmt.Errorf("failed to create exec for %s: %w", agentSlug, err)
	}

	attach, err := r.cli.ContainerExecAttach(ctx, created.ID, container.ExecStartOptions{})
	if err != nil {
		return ExecResult{}, fmt.Errorf("failed to attach exec for %s: %w", agentSlug, err)
	}
	defer attach.Close()

	if stdin != "" {
		if _, err := attach.Conn.Write([]byte(stdin)); err != nil {
			return ExecResult{}, fmt.Errorf("failed to write exec stdin: %w", err)
		}
		_ = attach.CloseWrite()
	}

	var stdout, stderr strings.Builder
	if _, err := stdcopy.StdCopy(&stdout, &stderr, attach.Reader); err != nil {
		return ExecResult{}, fmt.Errorf("failed to read exec output: %w", err)
	}

	inspect, err := r.cli.ContainerExecInspect(ctx, created.ID)
	if err != nil {
		return ExecResult{}, fmt.Errorf("failed to inspect exec: %w", err)
	}

	return ExecResult{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		ExitCode: inspect.ExitCode,
	}, nil
}

// find locates the agent's container by label and returns its id and the
// recorded host port. An empty id means no container exists.
func (r *DockerRuntime) find(ctx context.Context, agentSlug string) (string, int, error) {
	filterArgs := filters.NewArgs()
	filterArgs.Add("label", LabelAgent+"="+agentSlug)

	containers, err := r.cli.ContainerList(ctx, container.ListOptions{
		All:     true,
		Filters: filterArgs,
	})
	if err != nil {
		return "", 0, fmt.Errorf("failed to list containers: %w", err)
	}
	if len(containers) == 0 {
		return "", 0, nil
	}

	ctr := containers[0]
	port := 0
	if v, ok := ctr.Labels[LabelPort]; ok {
		port, _ = strconv.Atoi(v)
	}
	return ctr.ID, port, nil
}

func binaryInstalled(name string) bool {
	_, err := exec.LookPath(name)
	return err == nil
}

func daemonStartSupported() bool {
	return goruntime.GOOS == "darwin" || goruntime.GOOS == "linux"
}
