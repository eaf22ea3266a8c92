package container

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentdesk/agentdesk/internal/common/apperr"
	"github.com/agentdesk/agentdesk/internal/common/logger"
	"github.com/agentdesk/agentdesk/internal/events"
	"github.com/agentdesk/agentdesk/internal/events/bus"
	"github.com/agentdesk/agentdesk/internal/runtime"
)

// fakeRuntime is an in-memory Runtime for manager tests.
type fakeRuntime struct {
	mu           sync.Mutex
	name         runtime.Name
	avail        runtime.Availability
	imagePresent bool
	port         int
	running      map[string]bool
	pullErr      error
	pullBlocks   bool
	pullCalls    int
}

func newFakeRuntime(port int) *fakeRuntime {
	return &fakeRuntime{
		name:         runtime.NameDocker,
		avail:        runtime.Availability{Installed: true, Running: true},
		imagePresent: true,
		port:         port,
		running:      make(map[string]bool),
	}
}

func (f *fakeRuntime) Name() runtime.Name { return f.name }

func (f *fakeRuntime) Available(ctx context.Context) (runtime.Availability, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.avail, nil
}

func (f *fakeRuntime) StartDaemon(ctx context.Context) error { return nil }

func (f *fakeRuntime) ImagePresent(ctx context.Context, ref string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.imagePresent, nil
}

func (f *fakeRuntime) PullImage(ctx context.Context, ref string, progress func(runtime.PullProgress)) error {
	f.mu.Lock()
	f.pullCalls++
	err := f.pullErr
	block := f.pullBlocks
	f.mu.Unlock()
	if err != nil {
		return err
	}
	if block {
		<-ctx.Done()
		return ctx.Err()
	}
	if progress != nil {
		progress(runtime.PullProgress{Layer: "sha256:abc", Status: "Downloading", Percent: 50})
	}
	f.mu.Lock()
	f.imagePresent = true
	f.mu.Unlock()
	return nil
}

func (f *fakeRuntime) Run(ctx context.Context, req runtime.RunRequest) (runtime.RunResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.imagePresent {
		return runtime.RunResult{}, runtime.ErrImageNotFound
	}
	f.running[req.AgentSlug] = true
	return runtime.RunResult{ContainerID: "ctr-" + req.AgentSlug, Port: f.port}, nil
}

func (f *fakeRuntime) Stop(ctx context.Context, agentSlug string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.running, agentSlug)
	return nil
}

func (f *fakeRuntime) Inspect(ctx context.Context, agentSlug string) (runtime.InspectResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.running[agentSlug] {
		return runtime.InspectResult{Exists: true, Running: true, Port: f.port}, nil
	}
	return runtime.InspectResult{}, nil
}

func (f *fakeRuntime) Exec(ctx context.Context, agentSlug string, cmd []string, stdin string) (runtime.ExecResult, error) {
	return runtime.ExecResult{Stdout: "ok", ExitCode: 0}, nil
}

func (f *fakeRuntime) kill(agentSlug string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.running, agentSlug)
}

func (f *fakeRuntime) pulls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pullCalls
}

func (f *fakeRuntime) removeImage() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.imagePresent = false
}

// waitReadiness polls until the machine reaches the wanted state.
func waitReadiness(t *testing.T, m *Manager, want ReadinessState) string {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for {
		state, msg := m.Readiness()
		if state == want {
			return msg
		}
		require.True(t, time.Now().Before(deadline),
			"readiness never reached %s, got %s", want, state)
		time.Sleep(20 * time.Millisecond)
	}
}

// healthServer serves /healthz on a real loopback port so waitHealthy has
// something to talk to.
func healthServer(t *testing.T) int {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(srv.Close)

	_, portStr, err := net.SplitHostPort(srv.Listener.Addr().String())
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)
	return port
}

func newTestManager(t *testing.T, fake *fakeRuntime) (*Manager, bus.EventBus) {
	t.Helper()
	log := logger.Default()
	eventBus := bus.NewMemoryEventBus(log)
	t.Cleanup(eventBus.Close)

	reg := runtime.NewRegistryFromRuntimes(map[runtime.Name]runtime.Runtime{
		runtime.NameDocker: fake,
	})

	runSpec := func(agentSlug string) (runtime.RunRequest, error) {
		return runtime.RunRequest{AgentSlug: agentSlug, Image: "agentdesk/agent:latest"}, nil
	}

	m := NewManager(Config{
		Image:        "agentdesk/agent:latest",
		StartTimeout: 5 * time.Second,
	}, reg, runtime.NameDocker, eventBus, runSpec, log)
	return m, eventBus
}

func TestStartAgentBecomesRunning(t *testing.T) {
	port := healthServer(t)
	fake := newFakeRuntime(port)
	m, _ := newTestManager(t, fake)
	m.CheckImage(context.Background())

	st, err := m.StartAgent(context.Background(), "writer")
	require.NoError(t, err)
	assert.Equal(t, StatusRunning, st.Status)
	assert.Equal(t, port, st.Port)
	assert.True(t, m.HasRunningAgents())
}

func TestStartAgentIsIdempotent(t *testing.T) {
	port := healthServer(t)
	fake := newFakeRuntime(port)
	m, _ := newTestManager(t, fake)
	m.CheckImage(context.Background())

	_, err := m.StartAgent(context.Background(), "writer")
	require.NoError(t, err)
	st, err := m.StartAgent(context.Background(), "writer")
	require.NoError(t, err)
	assert.Equal(t, StatusRunning, st.Status)

	fake.mu.Lock()
	runs := len(fake.running)
	fake.mu.Unlock()
	assert.Equal(t, 1, runs)
}

func TestStartAgentImageGoneEnqueuesPull(t *testing.T) {
	fake := newFakeRuntime(0)
	m, _ := newTestManager(t, fake)
	m.CheckImage(context.Background())
	waitReadiness(t, m, ReadinessReady)

	// The image disappears between the readiness check and the run.
	fake.removeImage()

	_, err := m.StartAgent(context.Background(), "writer")
	require.Error(t, err)
	assert.Equal(t, apperr.KindConflict, apperr.KindOf(err))
	assert.Equal(t, StatusError, m.Status("writer").Status)

	// The failed start enqueued the pull; a retry can succeed once it lands.
	waitReadiness(t, m, ReadinessReady)
	assert.GreaterOrEqual(t, fake.pulls(), 1)
}

func TestStartAgentAbsentImageFailsRetryably(t *testing.T) {
	fake := newFakeRuntime(0)
	fake.imagePresent = false
	fake.pullErr = errors.New("registry unreachable")
	m, _ := newTestManager(t, fake)
	m.CheckImage(context.Background())
	waitReadiness(t, m, ReadinessError)

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()
	_, err := m.StartAgent(ctx, "writer")
	require.Error(t, err)
	assert.Equal(t, apperr.KindConflict, apperr.KindOf(err))
	assert.Equal(t, StatusStopped, m.Status("writer").Status)

	// The start re-probed the image, which attempted another pull.
	deadline := time.Now().Add(3 * time.Second)
	for fake.pulls() < 2 && time.Now().Before(deadline) {
		time.Sleep(20 * time.Millisecond)
	}
	assert.GreaterOrEqual(t, fake.pulls(), 2)
}

func TestStartAgentRuntimeUnavailable(t *testing.T) {
	fake := newFakeRuntime(0)
	fake.avail = runtime.Availability{Installed: true, Running: false}
	m, _ := newTestManager(t, fake)
	m.CheckImage(context.Background())

	_, err := m.StartAgent(context.Background(), "writer")
	require.Error(t, err)
	assert.Equal(t, apperr.KindRuntimeUnavailable, apperr.KindOf(err))
}

func TestStopAgent(t *testing.T) {
	port := healthServer(t)
	fake := newFakeRuntime(port)
	m, _ := newTestManager(t, fake)
	m.CheckImage(context.Background())

	_, err := m.StartAgent(context.Background(), "writer")
	require.NoError(t, err)

	require.NoError(t, m.StopAgent(context.Background(), "writer"))
	assert.Equal(t, StatusStopped, m.Status("writer").Status)
	assert.False(t, m.HasRunningAgents())

	// Stopping again is a no-op.
	require.NoError(t, m.StopAgent(context.Background(), "writer"))
}

func TestStopAllStopsEveryAgent(t *testing.T) {
	port := healthServer(t)
	fake := newFakeRuntime(port)
	m, _ := newTestManager(t, fake)
	m.CheckImage(context.Background())

	for _, slug := range []string{"writer", "coder", "planner"} {
		_, err := m.StartAgent(context.Background(), slug)
		require.NoError(t, err)
	}

	m.StopAll(context.Background())
	for _, slug := range []string{"writer", "coder", "planner"} {
		assert.Equal(t, StatusStopped, m.Status(slug).Status)
	}
}

func TestSwitchRunnerRefusedWhileRunning(t *testing.T) {
	port := healthServer(t)
	fake := newFakeRuntime(port)
	m, _ := newTestManager(t, fake)
	m.CheckImage(context.Background())

	_, err := m.StartAgent(context.Background(), "writer")
	require.NoError(t, err)

	err = m.SwitchRunner(context.Background(), runtime.NameDocker)
	require.Error(t, err)
	assert.Equal(t, apperr.KindConflict, apperr.KindOf(err))

	require.NoError(t, m.StopAgent(context.Background(), "writer"))
	require.NoError(t, m.SwitchRunner(context.Background(), runtime.NameDocker))
}

func TestSwitchRunnerUnknownName(t *testing.T) {
	fake := newFakeRuntime(0)
	m, _ := newTestManager(t, fake)

	err := m.SwitchRunner(context.Background(), runtime.Name("lxc"))
	require.Error(t, err)
	assert.Equal(t, apperr.KindValidation, apperr.KindOf(err))
}

func TestSyncDetectsExternalExit(t *testing.T) {
	port := healthServer(t)
	fake := newFakeRuntime(port)
	m, eventBus := newTestManager(t, fake)
	m.CheckImage(context.Background())

	var mu sync.Mutex
	var seen []string
	_, err := eventBus.Subscribe(events.Subject(events.AgentStatusChanged), func(ctx context.Context, ev *bus.Event) error {
		mu.Lock()
		seen = append(seen, ev.Type)
		mu.Unlock()
		return nil
	})
	require.NoError(t, err)

	_, err = m.StartAgent(context.Background(), "writer")
	require.NoError(t, err)

	fake.kill("writer")
	m.syncOnce()

	assert.Equal(t, StatusStopped, m.Status("writer").Status)
	mu.Lock()
	defer mu.Unlock()
	assert.NotEmpty(t, seen)
}

func TestInitializeAgentsAdoptsRunning(t *testing.T) {
	port := healthServer(t)
	fake := newFakeRuntime(port)
	fake.running["survivor"] = true
	m, _ := newTestManager(t, fake)

	m.InitializeAgents(context.Background(), []string{"survivor", "absent"})

	assert.Equal(t, StatusRunning, m.Status("survivor").Status)
	assert.Equal(t, port, m.Status("survivor").Port)
	assert.Equal(t, StatusStopped, m.Status("absent").Status)
}

func TestReadinessReady(t *testing.T) {
	fake := newFakeRuntime(0)
	m, _ := newTestManager(t, fake)

	m.CheckImage(context.Background())
	state, _ := m.Readiness()
	assert.Equal(t, ReadinessReady, state)
}

func TestReadinessImageAbsentPullsAutomatically(t *testing.T) {
	fake := newFakeRuntime(0)
	fake.imagePresent = false
	m, eventBus := newTestManager(t, fake)

	var mu sync.Mutex
	var states []string
	_, err := eventBus.Subscribe(events.Subject(events.RuntimeReadinessChanged), func(ctx context.Context, ev *bus.Event) error {
		if p, ok := ev.Data.(events.RuntimeReadinessPayload); ok {
			mu.Lock()
			states = append(states, p.State)
			mu.Unlock()
		}
		return nil
	})
	require.NoError(t, err)

	m.CheckImage(context.Background())
	waitReadiness(t, m, ReadinessReady)
	assert.Equal(t, 1, fake.pulls())

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		for _, s := range states {
			if s == string(ReadinessReady) {
				return true
			}
		}
		return false
	}, 2*time.Second, 10*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Contains(t, states, string(ReadinessChecking))
	assert.Contains(t, states, string(ReadinessPulling))
	assert.Contains(t, states, string(ReadinessReady))
}

func TestReadinessPullFailureEndsInError(t *testing.T) {
	fake := newFakeRuntime(0)
	fake.imagePresent = false
	fake.pullErr = errors.New("registry unreachable")
	m, _ := newTestManager(t, fake)

	m.CheckImage(context.Background())
	msg := waitReadiness(t, m, ReadinessError)
	assert.Contains(t, msg, "pull failed")
}

func TestReadinessRuntimeDown(t *testing.T) {
	fake := newFakeRuntime(0)
	fake.avail = runtime.Availability{Installed: true, Running: false}
	m, _ := newTestManager(t, fake)

	m.CheckImage(context.Background())
	state, _ := m.Readiness()
	assert.Equal(t, ReadinessRuntimeUnavailable, state)
}

func TestPullImageResolvesReadiness(t *testing.T) {
	fake := newFakeRuntime(0)
	fake.imagePresent = false
	m, _ := newTestManager(t, fake)

	require.NoError(t, m.PullImage())
	waitReadiness(t, m, ReadinessReady)
	assert.Equal(t, 1, fake.pulls())
}

func TestCancelPullEndsInError(t *testing.T) {
	fake := newFakeRuntime(0)
	fake.imagePresent = false
	fake.pullBlocks = true
	m, _ := newTestManager(t, fake)

	require.NoError(t, m.PullImage())
	waitReadiness(t, m, ReadinessPulling)

	m.CancelPull()
	msg := waitReadiness(t, m, ReadinessError)
	assert.Contains(t, msg, "cancelled")

	// The cancelled pull must stay cancelled, not silently restart.
	time.Sleep(100 * time.Millisecond)
	state, _ := m.Readiness()
	assert.Equal(t, ReadinessError, state)
	assert.Equal(t, 1, fake.pulls())
}

func TestExecRequiresRunningAgent(t *testing.T) {
	fake := newFakeRuntime(0)
	m, _ := newTestManager(t, fake)

	_, err := m.Exec(context.Background(), "writer", []string{"true"}, "")
	require.Error(t, err)
	assert.Equal(t, apperr.KindConflict, apperr.KindOf(err))
}
