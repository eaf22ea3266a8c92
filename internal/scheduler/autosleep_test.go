package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentdesk/agentdesk/internal/agentfs"
	"github.com/agentdesk/agentdesk/internal/common/logger"
	"github.com/agentdesk/agentdesk/internal/container"
)

type fakeSleepOps struct {
	mu       sync.Mutex
	statuses map[string]container.ContainerStatus
	stopped  []string
}

func (f *fakeSleepOps) Statuses() map[string]container.ContainerStatus {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[string]container.ContainerStatus, len(f.statuses))
	for k, v := range f.statuses {
		out[k] = v
	}
	return out
}

func (f *fakeSleepOps) StopAgent(ctx context.Context, agentSlug string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped = append(f.stopped, agentSlug)
	return nil
}

func newSleepFixture(t *testing.T, timeoutMinutes int, statuses map[string]container.ContainerStatus) (*AutoSleep, *fakeSleepOps, *agentfs.Store) {
	t.Helper()
	sessions, err := agentfs.NewStore(t.TempDir(), logger.Default())
	require.NoError(t, err)
	ops := &fakeSleepOps{statuses: statuses}
	monitor := NewAutoSleep(ops, sessions, func() int { return timeoutMinutes }, time.Minute, logger.Default())
	return monitor, ops, sessions
}

func TestSweepStopsIdleAgent(t *testing.T) {
	monitor, ops, _ := newSleepFixture(t, 1, map[string]container.ContainerStatus{
		"sleepy": {Status: container.StatusRunning, StartedAt: time.Now().Add(-10 * time.Minute)},
	})

	monitor.sweep(context.Background())
	assert.Equal(t, []string{"sleepy"}, ops.stopped)
}

func TestSweepSparesRecentlyStartedAgent(t *testing.T) {
	monitor, ops, _ := newSleepFixture(t, 5, map[string]container.ContainerStatus{
		"fresh": {Status: container.StatusRunning, StartedAt: time.Now().Add(-30 * time.Second)},
	})

	monitor.sweep(context.Background())
	assert.Empty(t, ops.stopped)
}

func TestSweepDisabledByZeroTimeout(t *testing.T) {
	monitor, ops, _ := newSleepFixture(t, 0, map[string]container.ContainerStatus{
		"ancient": {Status: container.StatusRunning, StartedAt: time.Now().Add(-24 * time.Hour)},
	})

	monitor.sweep(context.Background())
	assert.Empty(t, ops.stopped)
}

func TestSweepIgnoresStoppedAgents(t *testing.T) {
	monitor, ops, _ := newSleepFixture(t, 1, map[string]container.ContainerStatus{
		"idle-but-stopped": {Status: container.StatusStopped},
	})

	monitor.sweep(context.Background())
	assert.Empty(t, ops.stopped)
}
