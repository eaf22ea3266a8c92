package container

import (
	"context"
	"fmt"
	"net/http"
	"reflect"
	"time"

	"go.uber.org/zap"

	"github.com/agentdesk/agentdesk/internal/events"
)

// syncLoop reconciles the status cache with the runtime every
// StatusSyncEvery. Containers that died outside our control move to
// stopped so the UI never shows a stale "running".
func (m *Manager) syncLoop() {
	defer m.wg.Done()

	ticker := time.NewTicker(m.cfg.StatusSyncEvery)
	defer ticker.Stop()

	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.syncOnce()
		}
	}
}

func (m *Manager) syncOnce() {
	rt := m.current()
	if rt == nil {
		return
	}

	m.mu.RLock()
	running := make(map[string]int)
	for slug, st := range m.statuses {
		if st.Status == StatusRunning {
			running[slug] = st.Port
		}
	}
	m.mu.RUnlock()

	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.StatusSyncEvery)
	defer cancel()

	for slug := range running {
		res, err := rt.Inspect(ctx, slug)
		if err != nil {
			m.logger.Warn("status sync inspect failed",
				zap.String("agent_slug", slug), zap.Error(err))
			continue
		}
		if !res.Exists || !res.Running {
			m.logger.Warn("container exited outside our control",
				zap.String("agent_slug", slug))
			m.setStatus(slug, StatusStopped, 0)
		}
	}
}

// healthLoop polls the agent API health endpoint of every running
// container and publishes container_health_changed when an agent's
// warnings change.
func (m *Manager) healthLoop() {
	defer m.wg.Done()

	ticker := time.NewTicker(m.cfg.HealthEvery)
	defer ticker.Stop()

	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.healthOnce()
		}
	}
}

func (m *Manager) healthOnce() {
	m.mu.RLock()
	running := make(map[string]int)
	for slug, st := range m.statuses {
		if st.Status == StatusRunning && st.Port > 0 {
			running[slug] = st.Port
		}
	}
	m.mu.RUnlock()

	for slug, port := range running {
		warnings := m.probeHealth(slug, port)
		m.updateWarnings(slug, warnings)
	}
}

// probeHealth returns the warnings reported by the agent API, or a
// transport-level warning when the API is unreachable.
func (m *Manager) probeHealth(agentSlug string, port int) []string {
	url := fmt.Sprintf("http://127.0.0.1:%d/healthz", port)
	resp, err := m.httpClient.Get(url)
	if err != nil {
		return []string{"agent API is not responding"}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return []string{fmt.Sprintf("agent API returned status %d", resp.StatusCode)}
	}
	return []string{}
}

func (m *Manager) updateWarnings(agentSlug string, warnings []string) {
	m.mu.Lock()
	st, ok := m.statuses[agentSlug]
	if !ok || st.Status != StatusRunning {
		m.mu.Unlock()
		return
	}
	changed := !reflect.DeepEqual(st.Warnings, warnings)
	st.Warnings = warnings
	m.mu.Unlock()

	if changed {
		events.Publish(context.Background(), m.bus, "container-manager", events.ContainerHealthChanged, events.ContainerHealthPayload{
			AgentSlug: agentSlug,
			Warnings:  warnings,
		})
	}
}
