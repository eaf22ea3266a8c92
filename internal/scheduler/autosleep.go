package scheduler

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/agentdesk/agentdesk/internal/agentfs"
	"github.com/agentdesk/agentdesk/internal/common/logger"
	"github.com/agentdesk/agentdesk/internal/container"
)

// sleepContainerOps is the slice of the container manager auto-sleep needs.
type sleepContainerOps interface {
	Statuses() map[string]container.ContainerStatus
	StopAgent(ctx context.Context, agentSlug string) error
}

// TimeoutFn returns the current auto-sleep timeout in minutes; 0 disables.
// Settings own the value, so it is read fresh every tick.
type TimeoutFn func() int

// AutoSleep stops agent containers that have been idle past the
// configured timeout.
type AutoSleep struct {
	containers sleepContainerOps
	sessions   *agentfs.Store
	timeout    TimeoutFn
	logger     *logger.Logger

	tick time.Duration
	now  func() time.Time

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// NewAutoSleep creates the monitor.
func NewAutoSleep(containers sleepContainerOps, sessions *agentfs.Store,
	timeout TimeoutFn, tick time.Duration, log *logger.Logger) *AutoSleep {
	if tick <= 0 {
		tick = time.Minute
	}
	return &AutoSleep{
		containers: containers,
		sessions:   sessions,
		timeout:    timeout,
		logger:     log.WithFields(zap.String("component", "auto-sleep")),
		tick:       tick,
		now:        time.Now,
		stopCh:     make(chan struct{}),
	}
}

// Start launches the tick loop. Starting a running monitor is a no-op.
func (a *AutoSleep) Start() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.running {
		return
	}
	a.running = true
	a.stopCh = make(chan struct{})
	a.wg.Add(1)
	go a.loop(a.stopCh)
}

// Stop halts the tick loop. Idempotent.
func (a *AutoSleep) Stop() {
	a.mu.Lock()
	if !a.running {
		a.mu.Unlock()
		return
	}
	a.running = false
	close(a.stopCh)
	a.mu.Unlock()
	a.wg.Wait()
}

func (a *AutoSleep) loop(stopCh chan struct{}) {
	defer a.wg.Done()
	ticker := time.NewTicker(a.tick)
	defer ticker.Stop()

	for {
		select {
		case <-stopCh:
			return
		case <-ticker.C:
			a.sweep(context.Background())
		}
	}
}

// sweep stops every running agent whose idleness exceeds the timeout.
func (a *AutoSleep) sweep(ctx context.Context) {
	minutes := a.timeout()
	if minutes <= 0 {
		return
	}
	threshold := time.Duration(minutes) * time.Minute

	for slug, st := range a.containers.Statuses() {
		if st.Status != container.StatusRunning {
			continue
		}
		idle := a.idleSince(slug, st)
		if idle.IsZero() || a.now().Sub(idle) < threshold {
			continue
		}

		a.logger.Info("stopping idle agent",
			zap.String("agent_slug", slug),
			zap.Duration("idle", a.now().Sub(idle)))
		if err := a.containers.StopAgent(ctx, slug); err != nil {
			a.logger.Warn("failed to stop idle agent",
				zap.String("agent_slug", slug), zap.Error(err))
		}
	}
}

// idleSince is the later of the last session message and the container
// start, so a freshly started agent is never reaped before it speaks.
func (a *AutoSleep) idleSince(agentSlug string, st container.ContainerStatus) time.Time {
	last := a.sessions.LastActivity(agentSlug)
	if st.StartedAt.After(last) {
		return st.StartedAt
	}
	return last
}
