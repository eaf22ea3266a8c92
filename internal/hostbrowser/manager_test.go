package hostbrowser

import (
	"os/exec"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentdesk/agentdesk/internal/common/logger"
)

func newTestManager(t *testing.T, onExit ExitCallback) *Manager {
	t.Helper()
	return NewManager(t.TempDir(), time.Second, onExit, logger.Default())
}

func TestPortUnknownAgent(t *testing.T) {
	m := newTestManager(t, nil)
	assert.Equal(t, 0, m.Port("ghost"))
}

func TestStopAgentWithoutInstanceIsNoop(t *testing.T) {
	m := newTestManager(t, nil)
	m.StopAgent("ghost")
	m.StopAll()
}

// fakeInstance registers an already-exited process so registry and watcher
// behavior can be exercised without launching a browser.
func registerFakeInstance(t *testing.T, m *Manager, agentID string, port int) *instance {
	t.Helper()
	inst := &instance{agentID: agentID, port: port}
	m.mu.Lock()
	m.instances[agentID] = inst
	m.mu.Unlock()
	return inst
}

func TestExternalExitFiresCallbackOnce(t *testing.T) {
	var mu sync.Mutex
	var calls []string
	m := newTestManager(t, func(agentID string) {
		mu.Lock()
		calls = append(calls, agentID)
		mu.Unlock()
	})

	inst := registerFakeInstance(t, m, "a1", 45000)

	// The watcher may observe the exit more than once; the callback must
	// fire exactly once and the registry entry must be gone.
	m.handleExit(inst)
	m.handleExit(inst)

	assert.Equal(t, 0, m.Port("a1"))
	mu.Lock()
	defer mu.Unlock()
	require.Len(t, calls, 1)
	assert.Equal(t, "a1", calls[0])
}

func TestIntentionalStopSuppressesCallback(t *testing.T) {
	var mu sync.Mutex
	calls := 0
	m := newTestManager(t, func(string) {
		mu.Lock()
		calls++
		mu.Unlock()
	})

	inst := registerFakeInstance(t, m, "a1", 45001)
	m.mu.Lock()
	inst.intentionalStop = true
	m.mu.Unlock()

	m.handleExit(inst)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 0, calls)
}

func TestStopInstanceWaitsForWatcher(t *testing.T) {
	m := newTestManager(t, func(string) {
		t.Error("intentional stop must not fire the exit callback")
	})

	cmd := exec.Command("sleep", "60")
	require.NoError(t, cmd.Start())
	inst := &instance{agentID: "a1", port: 45002, cmd: cmd, done: make(chan struct{})}
	m.mu.Lock()
	m.instances["a1"] = inst
	m.mu.Unlock()
	go m.watch(inst)

	// The interrupt kills the child; stopInstance must return without
	// escalating to Kill and without touching ProcessState itself.
	start := time.Now()
	m.stopInstance(inst)
	assert.Less(t, time.Since(start), 5*time.Second)

	select {
	case <-inst.done:
	case <-time.After(time.Second):
		t.Fatal("watcher never observed the exit")
	}
	assert.Equal(t, 0, m.Port("a1"))
}

func TestDetectReportsUnavailableGracefully(t *testing.T) {
	// On CI boxes with no browser installed Detect must not error, just
	// report unavailable. With one installed it must carry a path.
	det := Detect()
	if det.Available {
		assert.NotEmpty(t, det.Path)
		assert.NotEmpty(t, det.Browser)
	} else {
		assert.Empty(t, det.Path)
	}
}
