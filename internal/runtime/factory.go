package runtime

import (
	"fmt"

	"github.com/agentdesk/agentdesk/internal/common/logger"
)

// Registry holds one instance of each supported runtime so availability
// probes and runner switches reuse clients instead of rebuilding them.
type Registry struct {
	runtimes map[Name]Runtime
}

// NewRegistry constructs all supported runtimes. dockerHost may be empty.
func NewRegistry(dockerHost string, log *logger.Logger) (*Registry, error) {
	docker, err := NewDockerRuntime(dockerHost, log)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize docker runtime: %w", err)
	}

	return &Registry{
		runtimes: map[Name]Runtime{
			NameDocker: docker,
			NamePodman: NewPodmanRuntime(log),
			NameApple:  NewAppleRuntime(log),
		},
	}, nil
}

// NewRegistryFromRuntimes builds a registry from pre-constructed runtimes.
func NewRegistryFromRuntimes(runtimes map[Name]Runtime) *Registry {
	return &Registry{runtimes: runtimes}
}

// Get returns the runtime for the given name.
func (r *Registry) Get(name Name) (Runtime, error) {
	rt, ok := r.runtimes[name]
	if !ok {
		return nil, fmt.Errorf("unknown container runner %q", name)
	}
	return rt, nil
}

// Names lists all registered runtime names.
func (r *Registry) Names() []Name {
	names := make([]Name, 0, len(r.runtimes))
	for n := range r.runtimes {
		names = append(names, n)
	}
	return names
}

// Close releases runtime resources.
func (r *Registry) Close() {
	for _, rt := range r.runtimes {
		if closer, ok := rt.(interface{ Close() error }); ok {
			_ = closer.Close()
		}
	}
}
