package container

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/agentdesk/agentdesk/internal/common/apperr"
	"github.com/agentdesk/agentdesk/internal/common/portutil"
	"github.com/agentdesk/agentdesk/internal/runtime"
)

// InitializeAgents reconciles the cache with containers that survived a
// previous process. Containers still running are adopted; dead ones are
// removed.
func (m *Manager) InitializeAgents(ctx context.Context, agentSlugs []string) {
	rt := m.current()
	if rt == nil {
		return
	}

	for _, slug := range agentSlugs {
		res, err := rt.Inspect(ctx, slug)
		if err != nil {
			m.logger.Warn("failed to inspect container at startup",
				zap.String("agent_slug", slug), zap.Error(err))
			continue
		}
		switch {
		case res.Exists && res.Running && res.Port > 0:
			m.logger.Info("adopting running container",
				zap.String("agent_slug", slug), zap.Int("port", res.Port))
			m.setStatus(slug, StatusRunning, res.Port)
		case res.Exists:
			// Exited container left behind; clean it up.
			if err := rt.Stop(ctx, slug); err != nil {
				m.logger.Warn("failed to remove stale container",
					zap.String("agent_slug", slug), zap.Error(err))
			}
			m.setStatus(slug, StatusStopped, 0)
		default:
			m.setStatus(slug, StatusStopped, 0)
		}
	}
}

// StartAgent starts the agent's container and blocks until its API answers
// health checks or the start timeout elapses. Concurrent calls for the same
// agent serialize; a second caller observes the state the first produced.
func (m *Manager) StartAgent(ctx context.Context, agentSlug string) (ContainerStatus, error) {
	lk := m.opLock(agentSlug)
	lk.Lock()
	defer lk.Unlock()

	if st := m.Status(agentSlug); st.Status == StatusRunning {
		return st, nil
	}

	rt := m.current()
	if rt == nil {
		return ContainerStatus{}, apperr.New(apperr.KindRuntimeUnavailable, "no container runtime configured")
	}

	if state, _ := m.Readiness(); state != ReadinessReady {
		if state == ReadinessRuntimeUnavailable {
			return ContainerStatus{}, apperr.New(apperr.KindRuntimeUnavailable, "container runtime is not running")
		}
		if state == ReadinessError || state == ReadinessUnknown {
			// Re-probe; an absent image starts a pull.
			go m.CheckImage(context.WithoutCancel(ctx))
		}
		// Readiness resolves asynchronously; give the check or pull a
		// chance to complete before refusing.
		if !m.waitReady(ctx, 5*time.Second) {
			return ContainerStatus{}, apperr.New(apperr.KindConflict, "agent image is not ready")
		}
	}

	spec, err := m.runSpec(agentSlug)
	if err != nil {
		return ContainerStatus{}, err
	}

	m.setStatus(agentSlug, StatusStarting, 0)

	res, err := rt.Run(ctx, spec)
	if err != nil {
		m.setStatus(agentSlug, StatusError, 0)
		if errors.Is(err, runtime.ErrImageNotFound) {
			// Enqueue the pull so a retried start can succeed.
			if perr := m.PullImage(); perr != nil && !apperr.Is(perr, apperr.KindConflict) {
				m.logger.Warn("failed to enqueue image pull", zap.Error(perr))
			}
			return ContainerStatus{}, apperr.Wrap(apperr.KindConflict, "agent image is not present locally, pull started", err)
		}
		return ContainerStatus{}, apperr.Wrap(apperr.KindInternal, "failed to start agent container", err)
	}

	if err := m.waitHealthy(ctx, agentSlug, res.Port); err != nil {
		m.logger.Error("agent did not become healthy, rolling back",
			zap.String("agent_slug", agentSlug), zap.Error(err))
		_ = rt.Stop(context.WithoutCancel(ctx), agentSlug)
		m.setStatus(agentSlug, StatusError, 0)
		return ContainerStatus{}, apperr.Wrap(apperr.KindInternal, "agent container failed health check", err)
	}

	m.setStatus(agentSlug, StatusRunning, res.Port)
	m.logger.Info("agent started",
		zap.String("agent_slug", agentSlug),
		zap.Int("port", res.Port))
	return m.Status(agentSlug), nil
}

// waitReady blocks until readiness reaches READY or the timeout elapses.
func (m *Manager) waitReady(ctx context.Context, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for {
		if state, _ := m.Readiness(); state == ReadinessReady {
			return true
		}
		if time.Now().After(deadline) {
			return false
		}
		select {
		case <-ctx.Done():
			return false
		case <-time.After(200 * time.Millisecond):
		}
	}
}

// waitHealthy waits for the published port to accept connections and for
// the agent API health endpoint to answer 200, within the start timeout.
func (m *Manager) waitHealthy(ctx context.Context, agentSlug string, port int) error {
	waitCtx, cancel := context.WithTimeout(ctx, m.cfg.StartTimeout)
	defer cancel()

	if err := portutil.WaitForOpen(waitCtx, port); err != nil {
		return fmt.Errorf("port %d never opened: %w", port, err)
	}

	url := fmt.Sprintf("http://127.0.0.1:%d/healthz", port)
	for {
		req, err := http.NewRequestWithContext(waitCtx, http.MethodGet, url, nil)
		if err != nil {
			return err
		}
		resp, err := m.httpClient.Do(req)
		if err == nil {
			resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				return nil
			}
		}

		select {
		case <-waitCtx.Done():
			return fmt.Errorf("health check timed out for %s", agentSlug)
		case <-time.After(500 * time.Millisecond):
		}
	}
}

// StopAgent stops and removes the agent's container.
func (m *Manager) StopAgent(ctx context.Context, agentSlug string) error {
	lk := m.opLock(agentSlug)
	lk.Lock()
	defer lk.Unlock()

	if st := m.Status(agentSlug); st.Status == StatusStopped {
		return nil
	}

	rt := m.current()
	if rt == nil {
		m.setStatus(agentSlug, StatusStopped, 0)
		return nil
	}

	m.setStatus(agentSlug, StatusStopping, 0)
	if err := rt.Stop(ctx, agentSlug); err != nil {
		m.setStatus(agentSlug, StatusError, 0)
		return apperr.Wrap(apperr.KindInternal, "failed to stop agent container", err)
	}

	m.setStatus(agentSlug, StatusStopped, 0)
	m.logger.Info("agent stopped", zap.String("agent_slug", agentSlug))
	return nil
}

// StopAll stops every non-stopped agent with bounded concurrency. Errors
// are logged per agent; the slowest stop bounds the call.
func (m *Manager) StopAll(ctx context.Context) {
	m.mu.RLock()
	slugs := make([]string, 0, len(m.statuses))
	for slug, st := range m.statuses {
		if st.Status != StatusStopped {
			slugs = append(slugs, slug)
		}
	}
	m.mu.RUnlock()

	if len(slugs) == 0 {
		return
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(m.cfg.StopConcurrency)
	for _, slug := range slugs {
		g.Go(func() error {
			if err := m.StopAgent(gctx, slug); err != nil {
				m.logger.Error("failed to stop agent",
					zap.String("agent_slug", slug), zap.Error(err))
			}
			return nil
		})
	}
	_ = g.Wait()
}

// Exec runs a command inside a running agent's container.
func (m *Manager) Exec(ctx context.Context, agentSlug string, cmd []string, stdin string) (runtime.ExecResult, error) {
	if st := m.Status(agentSlug); st.Status != StatusRunning {
		return runtime.ExecResult{}, apperr.New(apperr.KindConflict, "agent is not running")
	}
	rt := m.current()
	if rt == nil {
		return runtime.ExecResult{}, apperr.New(apperr.KindRuntimeUnavailable, "no container runtime configured")
	}
	return rt.Exec(ctx, agentSlug, cmd, stdin)
}
