package scheduler

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/agentdesk/agentdesk/internal/agentfs"
	"github.com/agentdesk/agentdesk/internal/common/logger"
	"github.com/agentdesk/agentdesk/internal/container"
	"github.com/agentdesk/agentdesk/internal/events"
	"github.com/agentdesk/agentdesk/internal/events/bus"
)

// containerOps is the slice of the container manager the scheduler needs.
type containerOps interface {
	StartAgent(ctx context.Context, agentSlug string) (container.ContainerStatus, error)
	Status(agentSlug string) container.ContainerStatus
}

// Scheduler wakes agent containers to execute due tasks.
type Scheduler struct {
	store      *Store
	containers containerOps
	sessions   *agentfs.Store
	bus        bus.EventBus
	logger     *logger.Logger

	tick       time.Duration
	httpClient *http.Client

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// NewScheduler creates the scheduler.
func NewScheduler(store *Store, containers containerOps, sessions *agentfs.Store,
	eventBus bus.EventBus, tick time.Duration, log *logger.Logger) *Scheduler {
	if tick <= 0 {
		tick = 30 * time.Second
	}
	return &Scheduler{
		store:      store,
		containers: containers,
		sessions:   sessions,
		bus:        eventBus,
		logger:     log.WithFields(zap.String("component", "scheduler")),
		tick:       tick,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		stopCh:     make(chan struct{}),
	}
}

// Store exposes the task store for the handler layer.
func (s *Scheduler) Store() *Store { return s.store }

// CreateTask persists a task and announces it on the bus.
func (s *Scheduler) CreateTask(agentSlug, name, prompt, recurrence string, firstRun time.Time) (Task, error) {
	task, err := s.store.Create(agentSlug, name, prompt, recurrence, firstRun)
	if err != nil {
		return Task{}, err
	}
	events.Publish(context.Background(), s.bus, "scheduler", events.ScheduledTaskCreated, events.ScheduledTaskCreatedPayload{
		TaskID:    task.ID,
		AgentSlug: task.AgentSlug,
	})
	return task, nil
}

// SessionsForTask lists the sessions a task has spawned, via the sidecar
// back-reference.
func (s *Scheduler) SessionsForTask(taskID string) ([]agentfs.Session, error) {
	task, err := s.store.Get(taskID)
	if err != nil {
		return nil, err
	}
	sessions, err := s.sessions.ListSessions(task.AgentSlug)
	if err != nil {
		return nil, err
	}
	out := []agentfs.Session{}
	for _, sess := range sessions {
		if sess.ScheduledTaskID == taskID {
			out = append(out, sess)
		}
	}
	return out, nil
}

// Start launches the tick loop. Starting a running scheduler is a no-op.
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return
	}
	s.running = true
	s.stopCh = make(chan struct{})
	s.wg.Add(1)
	go s.loop(s.stopCh)
}

// Stop halts the tick loop; in-flight executions finish. Idempotent.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	close(s.stopCh)
	s.mu.Unlock()
	s.wg.Wait()
}

func (s *Scheduler) loop(stopCh chan struct{}) {
	defer s.wg.Done()
	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()

	for {
		select {
		case <-stopCh:
			return
		case <-ticker.C:
			s.runDue(context.Background())
		}
	}
}

// runDue executes every due task sequentially. Desktop scale keeps the due
// set tiny; per-agent serialization happens inside the container manager.
func (s *Scheduler) runDue(ctx context.Context) {
	due, err := s.store.Due(time.Now())
	if err != nil {
		s.logger.Error("failed to query due tasks", zap.Error(err))
		return
	}

	for _, task := range due {
		grabbed, err := s.store.MarkRunning(task.ID)
		if err != nil {
			s.logger.Error("failed to mark task running",
				zap.String("task_id", task.ID), zap.Error(err))
			continue
		}
		if !grabbed {
			continue
		}
		s.execute(ctx, task)
	}
}

// execute wakes the agent and delivers the prompt as a new session.
func (s *Scheduler) execute(ctx context.Context, task Task) {
	log := s.logger.WithFields(
		zap.String("task_id", task.ID),
		zap.String("agent_slug", task.AgentSlug))
	log.Info("executing scheduled task")

	st, err := s.containers.StartAgent(ctx, task.AgentSlug)
	if err != nil {
		log.Error("failed to start agent for task", zap.Error(err))
		s.fail(task, "failed to start agent: "+err.Error())
		return
	}

	// Register eagerly so the session shows up in listings immediately.
	sessionID := uuid.NewString()
	if err := s.sessions.RegisterSession(task.AgentSlug, sessionID, task.Name, task.ID); err != nil {
		log.Error("failed to register task session", zap.Error(err))
		s.fail(task, "failed to register session: "+err.Error())
		return
	}

	if err := s.deliver(ctx, st.Port, sessionID, task.Prompt); err != nil {
		log.Error("failed to deliver task prompt", zap.Error(err))
		s.fail(task, "failed to deliver prompt: "+err.Error())
		return
	}

	var nextRun time.Time
	if task.Recurrence != "" {
		nextRun, err = ParseRecurrence(task.Recurrence, time.Now().UTC())
		if err != nil {
			log.Error("stored recurrence no longer parses", zap.Error(err))
			s.fail(task, "invalid recurrence: "+err.Error())
			return
		}
	}
	if err := s.store.MarkDone(task.ID, nextRun); err != nil {
		log.Error("failed to mark task done", zap.Error(err))
		return
	}
	log.Info("scheduled task dispatched", zap.String("session_id", sessionID))
}

func (s *Scheduler) fail(task Task, msg string) {
	if err := s.store.MarkFailed(task.ID, msg); err != nil {
		s.logger.Error("failed to mark task failed",
			zap.String("task_id", task.ID), zap.Error(err))
	}
}

// deliver posts the prompt to the agent API inside the container.
func (s *Scheduler) deliver(ctx context.Context, port int, sessionID, prompt string) error {
	payload, err := json.Marshal(map[string]string{
		"sessionId": sessionID,
		"prompt":    prompt,
	})
	if err != nil {
		return err
	}

	url := fmt.Sprintf("http://127.0.0.1:%d/sessions", port)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("agent API returned status %d", resp.StatusCode)
	}
	return nil
}
