package container

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/agentdesk/agentdesk/internal/common/apperr"
	"github.com/agentdesk/agentdesk/internal/events"
	"github.com/agentdesk/agentdesk/internal/runtime"
)

// ReadinessState tracks whether the configured agent image is usable on
// the active runtime.
type ReadinessState string

const (
	ReadinessUnknown            ReadinessState = "unknown"
	ReadinessChecking           ReadinessState = "checking"
	ReadinessReady              ReadinessState = "ready"
	ReadinessPulling            ReadinessState = "pulling_image"
	ReadinessError              ReadinessState = "error"
	ReadinessRuntimeUnavailable ReadinessState = "runtime_unavailable"
)

// Readiness returns the current readiness state and detail message.
func (m *Manager) Readiness() (ReadinessState, string) {
	m.readyMu.Lock()
	defer m.readyMu.Unlock()
	return m.readiness, m.readyMsg
}

// setReadiness transitions the state machine and publishes the change.
func (m *Manager) setReadiness(state ReadinessState, msg string) {
	m.readyMu.Lock()
	changed := m.readiness != state || m.readyMsg != msg
	m.readiness = state
	m.readyMsg = msg
	m.readyMu.Unlock()

	if changed {
		events.Publish(context.Background(), m.bus, "container-manager", events.RuntimeReadinessChanged, events.RuntimeReadinessPayload{
			State:   string(state),
			Message: msg,
			Runner:  string(m.Runner()),
		})
	}
}

// CheckImage probes the active runtime and the configured image, moving
// the readiness machine to READY, PULLING_IMAGE, ERROR or
// RUNTIME_UNAVAILABLE. An absent image starts a pull; the pull goroutine
// then walks the machine to READY or ERROR.
func (m *Manager) CheckImage(ctx context.Context) {
	// A pull in flight owns the state machine.
	m.readyMu.Lock()
	if m.readiness == ReadinessPulling {
		m.readyMu.Unlock()
		return
	}
	m.readyMu.Unlock()

	m.setReadiness(ReadinessChecking, "")

	rt := m.current()
	if rt == nil {
		m.setReadiness(ReadinessRuntimeUnavailable, "no container runtime configured")
		return
	}

	avail, err := rt.Available(ctx)
	if err != nil || !avail.Running {
		m.setReadiness(ReadinessRuntimeUnavailable, "container runtime is not running")
		return
	}

	image := m.Image()
	if image == "" {
		m.setReadiness(ReadinessError, "no agent image configured")
		return
	}

	present, err := rt.ImagePresent(ctx, image)
	if err != nil {
		m.logger.Warn("image presence check failed",
			zap.String("image", image), zap.Error(err))
		m.setReadiness(ReadinessError, "failed to check agent image: "+err.Error())
		return
	}
	if !present {
		if err := m.PullImage(); err != nil && !apperr.Is(err, apperr.KindConflict) {
			m.setReadiness(ReadinessError, "failed to start image pull: "+err.Error())
		}
		return
	}

	m.setReadiness(ReadinessReady, "")
}

// PullImage starts pulling the configured image in the background,
// streaming image_pull_progress events. Only one pull runs at a time.
func (m *Manager) PullImage() error {
	image := m.Image()
	if image == "" {
		return apperr.New(apperr.KindValidation, "no agent image configured")
	}

	m.readyMu.Lock()
	if m.readiness == ReadinessPulling {
		m.readyMu.Unlock()
		return apperr.New(apperr.KindConflict, "an image pull is already in progress")
	}
	pullCtx, cancel := context.WithCancel(context.Background())
	m.pullCancel = cancel
	m.readiness = ReadinessPulling
	m.readyMsg = ""
	m.readyMu.Unlock()

	events.Publish(context.Background(), m.bus, "container-manager", events.RuntimeReadinessChanged, events.RuntimeReadinessPayload{
		State:  string(ReadinessPulling),
		Runner: string(m.Runner()),
	})

	rt := m.current()
	go func() {
		defer cancel()

		// Throttle progress events; layer streams are chatty.
		last := time.Time{}
		err := rt.PullImage(pullCtx, image, func(p runtime.PullProgress) {
			if time.Since(last) < 250*time.Millisecond {
				return
			}
			last = time.Now()
			events.Publish(context.Background(), m.bus, "container-manager", events.ImagePullProgress, events.ImagePullProgressPayload{
				Layer:   p.Layer,
				Status:  p.Status,
				Percent: p.Percent,
			})
		})

		m.readyMu.Lock()
		m.pullCancel = nil
		m.readyMu.Unlock()

		if err != nil {
			if pullCtx.Err() != nil {
				m.logger.Info("image pull cancelled", zap.String("image", image))
				m.setReadiness(ReadinessError, "image pull cancelled")
				return
			}
			m.logger.Error("image pull failed",
				zap.String("image", image), zap.Error(err))
			m.setReadiness(ReadinessError, "image pull failed: "+err.Error())
			return
		}

		m.setReadiness(ReadinessReady, "")
	}()

	return nil
}

// CancelPull aborts an in-flight pull, if any.
func (m *Manager) CancelPull() {
	m.readyMu.Lock()
	cancel := m.pullCancel
	m.readyMu.Unlock()
	if cancel != nil {
		cancel()
	}
}
