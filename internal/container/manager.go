// Package container manages per-agent container lifecycle across the
// supported runtimes: a status cache the UI can poll cheaply, background
// reconcile and health loops, and the image readiness state machine.
package container

import (
	"context"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/agentdesk/agentdesk/internal/common/apperr"
	"github.com/agentdesk/agentdesk/internal/common/logger"
	"github.com/agentdesk/agentdesk/internal/events"
	"github.com/agentdesk/agentdesk/internal/events/bus"
	"github.com/agentdesk/agentdesk/internal/runtime"
)

// Status is the lifecycle state of an agent's container.
type Status string

const (
	StatusRunning  Status = "running"
	StatusStopped  Status = "stopped"
	StatusStarting Status = "starting"
	StatusStopping Status = "stopping"
	StatusError    Status = "error"
)

// ContainerStatus is the cached view of one agent's container.
type ContainerStatus struct {
	Status    Status    `json:"status"`
	Port      int       `json:"port,omitempty"`
	Warnings  []string  `json:"warnings"`
	StartedAt time.Time `json:"startedAt,omitempty"`
}

// RunSpecFn builds the run request for an agent. It is supplied by the
// server layer, which owns settings (image, limits, env, mounts).
type RunSpecFn func(agentSlug string) (runtime.RunRequest, error)

// Config holds the manager's tunables.
type Config struct {
	Image            string
	StartTimeout     time.Duration
	StatusSyncEvery  time.Duration
	HealthEvery      time.Duration
	StopConcurrency  int
}

// Manager owns all container state for the process.
type Manager struct {
	cfg     Config
	reg     *runtime.Registry
	bus     bus.EventBus
	logger  *logger.Logger
	runSpec RunSpecFn

	// current runner; guarded by mu together with the status cache
	mu       sync.RWMutex
	runner   runtime.Name
	statuses map[string]*ContainerStatus

	// per-agent operation locks; start/stop for one agent serialize here
	opMu  sync.Mutex
	opLks map[string]*sync.Mutex

	// availability probe cache, invalidated by mutating operations
	availMu sync.Mutex
	avail   map[runtime.Name]runtime.Availability

	// image readiness state machine
	readyMu    sync.Mutex
	readiness  ReadinessState
	readyMsg   string
	pullCancel context.CancelFunc

	httpClient *http.Client
	stopCh     chan struct{}
	wg         sync.WaitGroup
}

// NewManager creates a container manager using the given runner.
func NewManager(cfg Config, reg *runtime.Registry, runner runtime.Name, eventBus bus.EventBus, runSpec RunSpecFn, log *logger.Logger) *Manager {
	if cfg.StatusSyncEvery <= 0 {
		cfg.StatusSyncEvery = 2 * time.Second
	}
	if cfg.HealthEvery <= 0 {
		cfg.HealthEvery = 15 * time.Second
	}
	if cfg.StartTimeout <= 0 {
		cfg.StartTimeout = 60 * time.Second
	}
	if cfg.StopConcurrency <= 0 {
		cfg.StopConcurrency = 4
	}

	return &Manager{
		cfg:        cfg,
		reg:        reg,
		bus:        eventBus,
		logger:     log.WithFields(zap.String("component", "container-manager")),
		runSpec:    runSpec,
		runner:     runner,
		statuses:   make(map[string]*ContainerStatus),
		opLks:      make(map[string]*sync.Mutex),
		avail:      make(map[runtime.Name]runtime.Availability),
		readiness:  ReadinessUnknown,
		httpClient: &http.Client{Timeout: 5 * time.Second},
		stopCh:     make(chan struct{}),
	}
}

// Start refreshes availability, runs the readiness check and launches the
// background loops.
func (m *Manager) Start(ctx context.Context) {
	m.RefreshAvailability(ctx)
	go m.CheckImage(context.Background())

	m.wg.Add(2)
	go m.syncLoop()
	go m.healthLoop()
}

// Shutdown stops the background loops and all containers.
func (m *Manager) Shutdown(ctx context.Context) {
	close(m.stopCh)
	m.CancelPull()
	m.StopAll(ctx)
	m.wg.Wait()
}

// Runner returns the active runner name.
func (m *Manager) Runner() runtime.Name {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.runner
}

// SetImage updates the agent image reference and re-runs the readiness
// check.
func (m *Manager) SetImage(ctx context.Context, image string) {
	m.mu.Lock()
	m.cfg.Image = image
	m.mu.Unlock()
	go m.CheckImage(context.Background())
}

// Image returns the configured agent image reference.
func (m *Manager) Image() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cfg.Image
}

// SwitchRunner changes the active runtime. Refused while any agent runs.
func (m *Manager) SwitchRunner(ctx context.Context, name runtime.Name) error {
	if _, err := m.reg.Get(name); err != nil {
		return apperr.Wrap(apperr.KindValidation, "unknown container runner", err)
	}

	m.mu.Lock()
	if m.hasRunningLocked() {
		m.mu.Unlock()
		return apperr.New(apperr.KindConflict, "cannot change container runner while agents are running")
	}
	m.runner = name
	m.mu.Unlock()

	m.logger.Info("container runner switched", zap.String("runner", string(name)))
	m.InvalidateAvailability()
	go m.CheckImage(context.Background())
	return nil
}

// current returns the active runtime.
func (m *Manager) current() runtime.Runtime {
	m.mu.RLock()
	name := m.runner
	m.mu.RUnlock()
	rt, _ := m.reg.Get(name)
	return rt
}

// opLock returns the single-slot lock serializing operations for one agent.
func (m *Manager) opLock(agentSlug string) *sync.Mutex {
	m.opMu.Lock()
	defer m.opMu.Unlock()
	lk, ok := m.opLks[agentSlug]
	if !ok {
		lk = &sync.Mutex{}
		m.opLks[agentSlug] = lk
	}
	return lk
}

// Status returns a snapshot of one agent's cached status.
func (m *Manager) Status(agentSlug string) ContainerStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if st, ok := m.statuses[agentSlug]; ok {
		return *st
	}
	return ContainerStatus{Status: StatusStopped, Warnings: []string{}}
}

// Statuses returns a snapshot of the whole cache.
func (m *Manager) Statuses() map[string]ContainerStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]ContainerStatus, len(m.statuses))
	for slug, st := range m.statuses {
		out[slug] = *st
	}
	return out
}

// HasRunningAgents reports whether any agent container is running or in a
// transitional state.
func (m *Manager) HasRunningAgents() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.hasRunningLocked()
}

func (m *Manager) hasRunningLocked() bool {
	for _, st := range m.statuses {
		switch st.Status {
		case StatusRunning, StatusStarting, StatusStopping:
			return true
		}
	}
	return false
}

// setStatus updates the cache and publishes agent_status_changed when the
// lifecycle state actually changed.
func (m *Manager) setStatus(agentSlug string, status Status, port int) {
	m.mu.Lock()
	st, ok := m.statuses[agentSlug]
	if !ok {
		st = &ContainerStatus{Warnings: []string{}}
		m.statuses[agentSlug] = st
	}
	changed := st.Status != status
	st.Status = status
	st.Port = port
	if status == StatusRunning && changed {
		st.StartedAt = time.Now().UTC()
	}
	if status == StatusStopped {
		st.StartedAt = time.Time{}
	}
	m.mu.Unlock()

	if changed {
		events.Publish(context.Background(), m.bus, "container-manager", events.AgentStatusChanged, events.AgentStatusPayload{
			AgentSlug: agentSlug,
			Status:    string(status),
			Port:      port,
		})
	}
}

// Forget drops an agent from the cache after its container is stopped.
// Used by agent deletion.
func (m *Manager) Forget(agentSlug string) {
	m.mu.Lock()
	delete(m.statuses, agentSlug)
	m.mu.Unlock()

	m.opMu.Lock()
	delete(m.opLks, agentSlug)
	m.opMu.Unlock()
}

// RefreshAvailability probes every runtime and replaces the cache.
func (m *Manager) RefreshAvailability(ctx context.Context) map[runtime.Name]runtime.Availability {
	fresh := make(map[runtime.Name]runtime.Availability)
	for _, name := range m.reg.Names() {
		rt, _ := m.reg.Get(name)
		avail, err := rt.Available(ctx)
		if err != nil {
			m.logger.Warn("availability probe failed",
				zap.String("runner", string(name)), zap.Error(err))
		}
		fresh[name] = avail
	}

	m.availMu.Lock()
	m.avail = fresh
	m.availMu.Unlock()
	return m.Availability()
}

// Availability returns the cached probe results without spawning processes.
func (m *Manager) Availability() map[runtime.Name]runtime.Availability {
	m.availMu.Lock()
	defer m.availMu.Unlock()
	out := make(map[runtime.Name]runtime.Availability, len(m.avail))
	for k, v := range m.avail {
		out[k] = v
	}
	return out
}

// InvalidateAvailability drops the probe cache; the next refresh reprobes.
func (m *Manager) InvalidateAvailability() {
	m.availMu.Lock()
	m.avail = make(map[runtime.Name]runtime.Availability)
	m.availMu.Unlock()
}

// StartRunner starts the daemon for the given runner and waits for it to
// come up, then refreshes availability and readiness.
func (m *Manager) StartRunner(ctx context.Context, name runtime.Name) error {
	rt, err := m.reg.Get(name)
	if err != nil {
		return apperr.Wrap(apperr.KindValidation, "unknown container runner", err)
	}

	if err := rt.StartDaemon(ctx); err != nil {
		return apperr.Wrap(apperr.KindRuntimeUnavailable, "failed to start container runner", err)
	}

	// Daemon startup is asynchronous; poll until the probe succeeds.
	deadline := time.Now().Add(60 * time.Second)
	for {
		avail, _ := rt.Available(ctx)
		if avail.Running {
			break
		}
		if time.Now().After(deadline) {
			return apperr.New(apperr.KindRuntimeUnavailable, "container runner did not become ready")
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(2 * time.Second):
		}
	}

	m.RefreshAvailability(ctx)
	go m.CheckImage(context.Background())
	return nil
}
