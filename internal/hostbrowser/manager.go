// Package hostbrowser launches and supervises the user's real browser with
// remote debugging enabled, one process per agent. Debugging requires a
// dedicated scratch profile; the selected real profile's session data is
// seeded into the scratch directory on first launch only.
package hostbrowser

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/agentdesk/agentdesk/internal/common/apperr"
	"github.com/agentdesk/agentdesk/internal/common/logger"
	"github.com/agentdesk/agentdesk/internal/common/portutil"
)

// ExitCallback is invoked once when a browser process exits without
// StopAgent having been called.
type ExitCallback func(agentID string)

// instance is one supervised browser process.
type instance struct {
	agentID         string
	port            int
	cmd             *exec.Cmd
	intentionalStop bool
	exitOnce        sync.Once
	done            chan struct{} // closed by the watcher once Wait returns
}

// Manager owns the per-agent browser registry.
type Manager struct {
	profilesDir    string
	portWaitTotal  time.Duration
	onExternalExit ExitCallback
	logger         *logger.Logger

	mu        sync.Mutex
	instances map[string]*instance
	opLks     map[string]*sync.Mutex
}

// NewManager creates a browser manager. profilesDir holds the per-agent
// scratch profiles.
func NewManager(profilesDir string, portWaitTotal time.Duration, onExternalExit ExitCallback, log *logger.Logger) *Manager {
	if portWaitTotal <= 0 {
		portWaitTotal = 15 * time.Second
	}
	return &Manager{
		profilesDir:    profilesDir,
		portWaitTotal:  portWaitTotal,
		onExternalExit: onExternalExit,
		logger:         log.WithFields(zap.String("component", "host-browser")),
		instances:      make(map[string]*instance),
		opLks:          make(map[string]*sync.Mutex),
	}
}

// opLock serializes EnsureRunning/StopAgent per agent.
func (m *Manager) opLock(agentID string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	lk, ok := m.opLks[agentID]
	if !ok {
		lk = &sync.Mutex{}
		m.opLks[agentID] = lk
	}
	return lk
}

// Port returns the debugging port of the agent's browser, or 0.
func (m *Manager) Port(agentID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if inst, ok := m.instances[agentID]; ok {
		return inst.port
	}
	return 0
}

// EnsureRunning returns the debugging port of the agent's browser, spawning
// it if necessary. When the registered process is still listening the
// existing port is returned without spawning.
func (m *Manager) EnsureRunning(ctx context.Context, agentID, profileID string) (int, error) {
	lk := m.opLock(agentID)
	lk.Lock()
	defer lk.Unlock()

	m.mu.Lock()
	existing := m.instances[agentID]
	m.mu.Unlock()

	if existing != nil && portutil.IsOpen(existing.port) {
		return existing.port, nil
	}
	if existing != nil {
		// Registered but port closed: the process is gone or wedged.
		m.reap(existing)
	}

	det := Detect()
	if !det.Available {
		return 0, apperr.New(apperr.KindNotFound, "no supported browser installed")
	}

	port, err := portutil.AllocatePort()
	if err != nil {
		return 0, apperr.Wrap(apperr.KindInternal, "failed to allocate debugging port", err)
	}

	scratch := filepath.Join(m.profilesDir, agentID)
	firstLaunch := false
	if _, err := os.Stat(scratch); os.IsNotExist(err) {
		firstLaunch = true
	}
	if err := os.MkdirAll(scratch, 0o755); err != nil {
		return 0, apperr.Wrap(apperr.KindInternal, "failed to create browser profile directory", err)
	}
	if firstLaunch && profileID != "" {
		if err := seedProfile(det.Browser, profileID, scratch); err != nil {
			m.logger.Warn("profile seed copy failed, continuing with a fresh profile",
				zap.String("agent_id", agentID),
				zap.String("profile_id", profileID),
				zap.Error(err))
		}
	}

	cmd := exec.Command(det.Path,
		fmt.Sprintf("--remote-debugging-port=%d", port),
		"--remote-debugging-address=127.0.0.1",
		"--no-first-run",
		"--no-default-browser-check",
		"--user-data-dir="+scratch,
	)
	if err := cmd.Start(); err != nil {
		return 0, apperr.Wrap(apperr.KindInternal, "failed to launch browser", err)
	}

	inst := &instance{agentID: agentID, port: port, cmd: cmd, done: make(chan struct{})}
	m.mu.Lock()
	m.instances[agentID] = inst
	m.mu.Unlock()

	go m.watch(inst)

	waitCtx, cancel := context.WithTimeout(ctx, m.portWaitTotal)
	defer cancel()
	if err := portutil.WaitForOpen(waitCtx, port); err != nil {
		m.logger.Error("browser debugging port never opened",
			zap.String("agent_id", agentID), zap.Int("port", port))
		m.stopInstance(inst)
		return 0, apperr.New(apperr.KindInternal, "browser did not open its debugging port in time")
	}

	m.logger.Info("browser launched",
		zap.String("agent_id", agentID),
		zap.String("browser", string(det.Browser)),
		zap.Int("port", port))
	return port, nil
}

// watch waits for the process and hands the exit to handleExit. Only the
// watcher calls Wait; stoppers observe the exit through done.
func (m *Manager) watch(inst *instance) {
	_ = inst.cmd.Wait()
	close(inst.done)
	m.handleExit(inst)
}

// handleExit removes the registry entry and, unless the stop was ours,
// fires onExternalExit exactly once.
func (m *Manager) handleExit(inst *instance) {
	inst.exitOnce.Do(func() {
		m.mu.Lock()
		intentional := inst.intentionalStop
		if m.instances[inst.agentID] == inst {
			delete(m.instances, inst.agentID)
		}
		m.mu.Unlock()

		if intentional {
			return
		}
		m.logger.Info("browser exited externally", zap.String("agent_id", inst.agentID))
		if m.onExternalExit != nil {
			m.onExternalExit(inst.agentID)
		}
	})
}

// StopAgent terminates the agent's browser, if registered.
func (m *Manager) StopAgent(agentID string) {
	lk := m.opLock(agentID)
	lk.Lock()
	defer lk.Unlock()

	m.mu.Lock()
	inst := m.instances[agentID]
	m.mu.Unlock()
	if inst == nil {
		return
	}
	m.stopInstance(inst)
	m.logger.Info("browser stopped", zap.String("agent_id", agentID))
}

// stopInstance marks the stop intentional, signals the process and drops
// the registry entry.
func (m *Manager) stopInstance(inst *instance) {
	m.mu.Lock()
	inst.intentionalStop = true
	if m.instances[inst.agentID] == inst {
		delete(m.instances, inst.agentID)
	}
	m.mu.Unlock()

	if inst.cmd.Process != nil {
		_ = inst.cmd.Process.Signal(os.Interrupt)

		// Escalate if the browser ignores the signal.
		select {
		case <-inst.done:
		case <-time.After(5 * time.Second):
			_ = inst.cmd.Process.Kill()
			select {
			case <-inst.done:
			case <-time.After(2 * time.Second):
			}
		}
	}
}

// reap clears a dead registry entry without signaling.
func (m *Manager) reap(inst *instance) {
	m.mu.Lock()
	inst.intentionalStop = true
	if m.instances[inst.agentID] == inst {
		delete(m.instances, inst.agentID)
	}
	m.mu.Unlock()
}

// StopAll terminates every registered browser.
func (m *Manager) StopAll() {
	m.mu.Lock()
	ids := make([]string, 0, len(m.instances))
	for id := range m.instances {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	for _, id := range ids {
		m.StopAgent(id)
	}
}

// seedProfile copies the selected real profile's session data into the
// scratch directory as its default profile.
func seedProfile(b Browser, profileID, scratch string) error {
	src := filepath.Join(userDataDir(b), profileID)
	if info, err := os.Stat(src); err != nil || !info.IsDir() {
		return fmt.Errorf("profile %q not found", profileID)
	}
	return copyTree(src, filepath.Join(scratch, "Default"))
}

func copyTree(src, dst string) error {
	return filepath.WalkDir(src, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			// Browsers hold locks on some profile files; skip what we
			// cannot read.
			return nil
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)
		if d.IsDir() {
			return os.MkdirAll(target, 0o755)
		}
		if !d.Type().IsRegular() {
			return nil
		}
		return copyFile(path, target)
	})
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return nil
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer out.Close()

	_, err = io.Copy(out, in)
	return err
}
