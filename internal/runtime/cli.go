package runtime

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	goruntime "runtime"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/agentdesk/agentdesk/internal/common/logger"
	"github.com/agentdesk/agentdesk/internal/common/portutil"
)

// CLIRuntime drives a container runtime through its command-line binary.
// Podman and the macOS "container" runtime share enough of the docker CLI
// surface that one implementation covers both; the differences live in the
// flavor hooks below.
type CLIRuntime struct {
	name   Name
	binary string
	logger *logger.Logger
}

var _ Runtime = (*CLIRuntime)(nil)

// NewPodmanRuntime creates a runtime backed by the podman CLI.
func NewPodmanRuntime(log *logger.Logger) *CLIRuntime {
	return &CLIRuntime{
		name:   NamePodman,
		binary: "podman",
		logger: log.WithFields(zap.String("runtime", "podman")),
	}
}

// NewAppleRuntime creates a runtime backed by the macOS "container" CLI.
func NewAppleRuntime(log *logger.Logger) *CLIRuntime {
	return &CLIRuntime{
		name:   NameApple,
		binary: "container",
		logger: log.WithFields(zap.String("runtime", "apple")),
	}
}

func (r *CLIRuntime) Name() Name { return r.name }

// run executes the binary with args, returning trimmed stdout.
func (r *CLIRuntime) run(ctx context.Context, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, r.binary, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			msg = err.Error()
		}
		return "", fmt.Errorf("%s %s: %s", r.binary, args[0], msg)
	}
	return strings.TrimSpace(stdout.String()), nil
}

func (r *CLIRuntime) Available(ctx context.Context) (Availability, error) {
	if !binaryInstalled(r.binary) {
		return Availability{}, nil
	}

	probeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	var err error
	switch r.name {
	case NamePodman:
		_, err = r.run(probeCtx, "info", "--format", "json")
	default:
		_, err = r.run(probeCtx, "system", "status")
	}
	running := err == nil

	return Availability{
		Installed: true,
		Running:   running,
		CanStart:  !running && r.canStartDaemon(),
	}, nil
}

func (r *CLIRuntime) canStartDaemon() bool {
	switch r.name {
	case NamePodman:
		// podman machine exists only on macOS; on Linux podman is daemonless
		// and "not running" means the probe itself failed.
		return goruntime.GOOS == "darwin"
	default:
		return goruntime.GOOS == "darwin"
	}
}

func (r *CLIRuntime) StartDaemon(ctx context.Context) error {
	switch r.name {
	case NamePodman:
		_, err := r.run(ctx, "machine", "start")
		return err
	default:
		_, err := r.run(ctx, "system", "start")
		return err
	}
}

func (r *CLIRuntime) ImagePresent(ctx context.Context, ref string) (bool, error) {
	switch r.name {
	case NamePodman:
		err := exec.CommandContext(ctx, r.binary, "image", "exists", ref).Run()
		return err == nil, nil
	default:
		_, err := r.run(ctx, "images", "inspect", ref)
		return err == nil, nil
	}
}

func (r *CLIRuntime) PullImage(ctx context.Context, ref string, progress func(PullProgress)) error {
	r.logger.Info("pulling image", zap.String("image", ref))

	var args []string
	switch r.name {
	case NamePodman:
		args = []string{"pull", ref}
	default:
		args = []string{"images", "pull", ref}
	}

	cmd := exec.CommandContext(ctx, r.binary, args...)
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return err
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("failed to start %s pull: %w", r.binary, err)
	}

	// The CLI reports per-blob copy lines; forward them as coarse progress.
	scanner := bufio.NewScanner(stderr)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || progress == nil {
			continue
		}
		progress(PullProgress{Layer: "", Status: line, Percent: 0})
	}

	if err := cmd.Wait(); err != nil {
		return fmt.Errorf("image pull failed: %w", err)
	}
	r.logger.Info("image pulled", zap.String("image", ref))
	return nil
}

func (r *CLIRuntime) Run(ctx context.Context, req RunRequest) (RunResult, error) {
	present, err := r.ImagePresent(ctx, req.Image)
	if err != nil {
		return RunResult{}, err
	}
	if !present {
		return RunResult{}, fmt.Errorf("%w: %s", ErrImageNotFound, req.Image)
	}

	if err := r.Stop(ctx, req.AgentSlug); err != nil {
		return RunResult{}, err
	}

	hostPort, err := portutil.AllocatePort()
	if err != nil {
		return RunResult{}, err
	}

	args := []string{
		"run", "-d",
		"--name", ContainerName(req.AgentSlug),
		"-p", fmt.Sprintf("127.0.0.1:%d:%d", hostPort, AgentAPIPort),
		"--label", LabelManaged + "=true",
		"--label", LabelAgent + "=" + req.AgentSlug,
		"--label", LabelPort + "=" + strconv.Itoa(hostPort),
	}
	if req.CPU > 0 {
		args = append(args, "--cpus", strconv.FormatFloat(req.CPU, 'f', -1, 64))
	}
	if req.MemoryBytes > 0 {
		args = append(args, "--memory", strconv.FormatInt(req.MemoryBytes, 10)+"b")
	}
	for k, v := range req.Env {
		args = append(args, "-e", k+"="+v)
	}
	for _, m := range req.Mounts {
		spec := m.Source + ":" + m.Target
		if m.ReadOnly {
			spec += ":ro"
		}
		args = append(args, "-v", spec)
	}
	args = append(args, req.Image)

	out, err := r.run(ctx, args...)
	if err != nil {
		return RunResult{}, fmt.Errorf("failed to run container for %s: %w", req.AgentSlug, err)
	}

	containerID := strings.TrimSpace(out)
	r.logger.Info("container started",
		zap.String("agent_slug", req.AgentSlug),
		zap.String("container_id", containerID),
		zap.Int("port", hostPort))

	return RunResult{ContainerID: containerID, Port: hostPort}, nil
}

func (r *CLIRuntime) Stop(ctx context.Context, agentSlug string) error {
	name := ContainerName(agentSlug)

	res, err := r.Inspect(ctx, agentSlug)
	if err != nil {
		return err
	}
	if !res.Exists {
		return nil
	}

	if res.Running {
		if _, err := r.run(ctx, "stop", name); err != nil {
			r.logger.Warn("container stop failed, removing anyway",
				zap.String("agent_slug", agentSlug), zap.Error(err))
		}
	}
	if _, err := r.run(ctx, "rm", "-f", name); err != nil {
		return fmt.Errorf("failed to remove container for %s: %w", agentSlug, err)
	}
	return nil
}

// cliInspect is the subset of `inspect` output both CLIs share.
type cliInspect struct {
	State struct {
		Running bool   `json:"Running"`
		Status  string `json:"Status"`
	} `json:"State"`
	Config struct {
		Labels map[string]string `json:"Labels"`
	} `json:"Config"`
}

func (r *CLIRuntime) Inspect(ctx context.Context, agentSlug string) (InspectResult, error) {
	out, err := r.run(ctx, "inspect", ContainerName(agentSlug))
	if err != nil {
		// Both CLIs exit non-zero for an unknown container.
		return InspectResult{}, nil
	}

	var entries []cliInspect
	if err := json.Unmarshal([]byte(out), &entries); err != nil || len(entries) == 0 {
		return InspectResult{}, fmt.Errorf("unexpected inspect output for %s", agentSlug)
	}

	entry := entries[0]
	port := 0
	if v, ok := entry.Config.Labels[LabelPort]; ok {
		port, _ = strconv.Atoi(v)
	}
	running := entry.State.Running || strings.EqualFold(entry.State.Status, "running")
	return InspectResult{Exists: true, Running: running, Port: port}, nil
}

func (r *CLIRuntime) Exec(ctx context.Context, agentSlug string, cmd []string, stdin string) (ExecResult, error) {
	args := append([]string{"exec", "-i", ContainerName(agentSlug)}, cmd...)

	execCmd := exec.CommandContext(ctx, r.binary, args...)
	if stdin != "" {
		execCmd.Stdin = strings.NewReader(stdin)
	}
	var stdout, stderr bytes.Buffer
	execCmd.Stdout = &stdout
	execCmd.Stderr = &stderr

	err := execCmd.Run()
	exitCode := 0
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			exitCode = exitErr.ExitCode()
		} else {
			return ExecResult{}, fmt.Errorf("failed to exec in container for %s: %w", agentSlug, err)
		}
	}

	return ExecResult{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		ExitCode: exitCode,
	}, nil
}
