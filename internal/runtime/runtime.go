// Package runtime abstracts the local container runtimes AgentDesk can
// drive: the Docker daemon (via the SDK), Podman and the macOS container
// runtime (via their CLIs). One agent maps to one container; runtimes
// address containers by agent slug.
package runtime

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// Name identifies a container runtime.
type Name string

const (
	NameDocker Name = "docker"
	NamePodman Name = "podman"
	NameApple  Name = "apple"
)

// ParseName validates a runner string from config or the API.
func ParseName(s string) (Name, error) {
	switch Name(s) {
	case NameDocker, NamePodman, NameApple:
		return Name(s), nil
	default:
		return "", fmt.Errorf("unknown container runner %q", s)
	}
}

// AgentAPIPort is the fixed port the agent runtime listens on inside its
// container. Runtimes publish it to an ephemeral host port.
const AgentAPIPort = 8080

// ErrImageNotFound is returned by Run when the image is absent locally.
var ErrImageNotFound = errors.New("image not present locally")

// Availability describes whether a runtime can be used right now.
type Availability struct {
	Installed bool `json:"installed"`
	Running   bool `json:"running"`
	CanStart  bool `json:"canStart"`
}

// PullProgress is a single progress report during an image pull.
type PullProgress struct {
	Layer   string  `json:"layer"`
	Status  string  `json:"status"`
	Percent float64 `json:"percent"`
}

// Mount is a bind mount into the agent container.
type Mount struct {
	Source   string
	Target   string
	ReadOnly bool
}

// RunRequest describes the container to start for an agent.
type RunRequest struct {
	AgentSlug   string
	Image       string
	Env         map[string]string
	Mounts      []Mount
	CPU         float64 // cores; 0 means unlimited
	MemoryBytes int64   // 0 means unlimited
}

// RunResult identifies the started container and its published API port.
type RunResult struct {
	ContainerID string
	Port        int
}

// InspectResult reports the observed state of an agent's container.
type InspectResult struct {
	Exists  bool
	Running bool
	Port    int
}

// ExecResult carries the output of a command run inside the container.
type ExecResult struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// Runtime is the uniform interface over the supported container runtimes.
// Implementations are safe for concurrent use.
type Runtime interface {
	// Name returns the runtime identifier.
	Name() Name

	// Available probes the runtime. Implementations may spawn child
	// processes; callers cache the result (see container.Manager).
	Available(ctx context.Context) (Availability, error)

	// StartDaemon attempts to start the runtime's daemon or VM.
	StartDaemon(ctx context.Context) error

	// ImagePresent reports whether the image exists locally.
	ImagePresent(ctx context.Context, ref string) (bool, error)

	// PullImage pulls the image, reporting layer progress as it arrives.
	// Cancel the context to abort the pull.
	PullImage(ctx context.Context, ref string, progress func(PullProgress)) error

	// Run starts the agent's container and returns the published port.
	// Returns ErrImageNotFound (possibly wrapped) when the image is absent.
	Run(ctx context.Context, req RunRequest) (RunResult, error)

	// Stop stops and removes the agent's container. Stopping an absent
	// container is not an error.
	Stop(ctx context.Context, agentSlug string) error

	// Inspect reports the current state of the agent's container.
	Inspect(ctx context.Context, agentSlug string) (InspectResult, error)

	// Exec runs a command inside the agent's container.
	Exec(ctx context.Context, agentSlug string, cmd []string, stdin string) (ExecResult, error)
}

// Labels applied to every managed container.
const (
	LabelManaged = "agentdesk.managed"
	LabelAgent   = "agentdesk.agent"
	LabelPort    = "agentdesk.port"
)

// ContainerName returns the deterministic container name for an agent.
func ContainerName(agentSlug string) string {
	return "agentdesk-" + agentSlug
}

// ParseMemoryLimit converts a human limit ("2g", "512m", "1024k", plain
// bytes) to bytes. An empty string means unlimited.
func ParseMemoryLimit(s string) (int64, error) {
	s = strings.TrimSpace(strings.ToLower(s))
	if s == "" {
		return 0, nil
	}
	mult := int64(1)
	switch {
	case strings.HasSuffix(s, "g"), strings.HasSuffix(s, "gb"):
		mult = 1 << 30
		s = strings.TrimSuffix(strings.TrimSuffix(s, "b"), "g")
	case strings.HasSuffix(s, "m"), strings.HasSuffix(s, "mb"):
		mult = 1 << 20
		s = strings.TrimSuffix(strings.TrimSuffix(s, "b"), "m")
	case strings.HasSuffix(s, "k"), strings.HasSuffix(s, "kb"):
		mult = 1 << 10
		s = strings.TrimSuffix(strings.TrimSuffix(s, "b"), "k")
	}
	n, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil {
		return 0, fmt.Errorf("invalid memory limit %q", s)
	}
	return int64(n * float64(mult)), nil
}
