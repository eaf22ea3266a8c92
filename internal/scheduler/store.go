// Package scheduler runs time-based tasks that wake agent containers, and
// the auto-sleep monitor that stops idle ones.
package scheduler

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/agentdesk/agentdesk/internal/common/apperr"
)

// Task statuses.
const (
	StatusPending   = "pending"
	StatusRunning   = "running"
	StatusDone      = "done"
	StatusFailed    = "failed"
	StatusCancelled = "cancelled"
)

// Task is one scheduled unit of work for an agent.
type Task struct {
	ID              string    `json:"id"`
	AgentSlug       string    `json:"agentSlug"`
	Name            string    `json:"name"`
	Prompt          string    `json:"prompt"`
	Recurrence      string    `json:"recurrence,omitempty"` // cron spec or @every duration; empty = one-shot
	Status          string    `json:"status"`
	NextExecutionAt time.Time `json:"nextExecutionAt"`
	LastError       string    `json:"lastError,omitempty"`
	CreatedAt       time.Time `json:"createdAt"`
	UpdatedAt       time.Time `json:"updatedAt"`
}

// Store persists scheduled tasks in the shared SQLite database.
type Store struct {
	db *sql.DB
}

// NewStore initializes the schema on the shared handle.
func NewStore(database *sql.DB) (*Store, error) {
	schema := `
	CREATE TABLE IF NOT EXISTS scheduled_tasks (
		id TEXT PRIMARY KEY,
		agent_slug TEXT NOT NULL,
		name TEXT NOT NULL,
		prompt TEXT NOT NULL,
		recurrence TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL,
		next_execution_at TIMESTAMP NOT NULL,
		last_error TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_tasks_due ON scheduled_tasks(status, next_execution_at);
	CREATE INDEX IF NOT EXISTS idx_tasks_agent ON scheduled_tasks(agent_slug);
	`
	if _, err := database.Exec(schema); err != nil {
		return nil, fmt.Errorf("failed to initialize scheduler schema: %w", err)
	}
	return &Store{db: database}, nil
}

// ParseRecurrence validates a recurrence spec and returns its next fire
// time after now. Standard cron fields and "@every" descriptors.
func ParseRecurrence(spec string, now time.Time) (time.Time, error) {
	sched, err := cron.ParseStandard(spec)
	if err != nil {
		return time.Time{}, apperr.Wrap(apperr.KindValidation, "invalid recurrence", err)
	}
	return sched.Next(now), nil
}

// Create validates and inserts a pending task.
func (s *Store) Create(agentSlug, name, prompt, recurrence string, firstRun time.Time) (Task, error) {
	if strings.TrimSpace(prompt) == "" {
		return Task{}, apperr.New(apperr.KindValidation, "task prompt is required")
	}
	now := time.Now().UTC()
	if firstRun.IsZero() {
		if recurrence == "" {
			return Task{}, apperr.New(apperr.KindValidation, "either a first run time or a recurrence is required")
		}
		next, err := ParseRecurrence(recurrence, now)
		if err != nil {
			return Task{}, err
		}
		firstRun = next
	} else if recurrence != "" {
		if _, err := ParseRecurrence(recurrence, now); err != nil {
			return Task{}, err
		}
	}

	task := Task{
		ID:              uuid.NewString(),
		AgentSlug:       agentSlug,
		Name:            name,
		Prompt:          prompt,
		Recurrence:      recurrence,
		Status:          StatusPending,
		NextExecutionAt: firstRun.UTC(),
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	_, err := s.db.Exec(
		`INSERT INTO scheduled_tasks (id, agent_slug, name, prompt, recurrence, status, next_execution_at, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		task.ID, task.AgentSlug, task.Name, task.Prompt, task.Recurrence,
		task.Status, task.NextExecutionAt, task.CreatedAt, task.UpdatedAt)
	if err != nil {
		return Task{}, apperr.Wrap(apperr.KindInternal, "failed to store scheduled task", err)
	}
	return task, nil
}

// Get returns one task.
func (s *Store) Get(id string) (Task, error) {
	row := s.db.QueryRow(
		`SELECT id, agent_slug, name, prompt, recurrence, status, next_execution_at, last_error, created_at, updated_at
		 FROM scheduled_tasks WHERE id = ?`, id)
	task, err := scanTask(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Task{}, apperr.Newf(apperr.KindNotFound, "scheduled task %s not found", id)
		}
		return Task{}, apperr.Wrap(apperr.KindInternal, "failed to load scheduled task", err)
	}
	return task, nil
}

// ListByAgent returns an agent's tasks, newest first.
func (s *Store) ListByAgent(agentSlug string) ([]Task, error) {
	return s.query(
		`SELECT id, agent_slug, name, prompt, recurrence, status, next_execution_at, last_error, created_at, updated_at
		 FROM scheduled_tasks WHERE agent_slug = ? ORDER BY created_at DESC`, agentSlug)
}

// Due returns pending tasks whose next execution has arrived.
func (s *Store) Due(now time.Time) ([]Task, error) {
	return s.query(
		`SELECT id, agent_slug, name, prompt, recurrence, status, next_execution_at, last_error, created_at, updated_at
		 FROM scheduled_tasks WHERE status = ? AND next_execution_at <= ? ORDER BY next_execution_at`,
		StatusPending, now.UTC())
}

// MarkRunning transitions pending to running. Returns false when the task
// was grabbed by someone else or cancelled in between.
func (s *Store) MarkRunning(id string) (bool, error) {
	res, err := s.db.Exec(
		`UPDATE scheduled_tasks SET status = ?, updated_at = ? WHERE id = ? AND status = ?`,
		StatusRunning, time.Now().UTC(), id, StatusPending)
	if err != nil {
		return false, apperr.Wrap(apperr.KindInternal, "failed to mark task running", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// MarkDone records success. Recurrent tasks re-arm to nextRun and revert
// to pending.
func (s *Store) MarkDone(id string, nextRun time.Time) error {
	now := time.Now().UTC()
	if nextRun.IsZero() {
		_, err := s.db.Exec(
			`UPDATE scheduled_tasks SET status = ?, last_error = '', updated_at = ? WHERE id = ?`,
			StatusDone, now, id)
		if err != nil {
			return apperr.Wrap(apperr.KindInternal, "failed to mark task done", err)
		}
		return nil
	}
	_, err := s.db.Exec(
		`UPDATE scheduled_tasks SET status = ?, next_execution_at = ?, last_error = '', updated_at = ? WHERE id = ?`,
		StatusPending, nextRun.UTC(), now, id)
	if err != nil {
		return apperr.Wrap(apperr.KindInternal, "failed to re-arm task", err)
	}
	return nil
}

// MarkFailed records the error.
func (s *Store) MarkFailed(id, lastError string) error {
	_, err := s.db.Exec(
		`UPDATE scheduled_tasks SET status = ?, last_error = ?, updated_at = ? WHERE id = ?`,
		StatusFailed, lastError, time.Now().UTC(), id)
	if err != nil {
		return apperr.Wrap(apperr.KindInternal, "failed to mark task failed", err)
	}
	return nil
}

// Cancel transitions any non-terminal state to cancelled.
func (s *Store) Cancel(id string) error {
	res, err := s.db.Exec(
		`UPDATE scheduled_tasks SET status = ?, updated_at = ? WHERE id = ? AND status IN (?, ?)`,
		StatusCancelled, time.Now().UTC(), id, StatusPending, StatusRunning)
	if err != nil {
		return apperr.Wrap(apperr.KindInternal, "failed to cancel task", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		if _, err := s.Get(id); err != nil {
			return err
		}
		return apperr.New(apperr.KindConflict, "task is already in a terminal state")
	}
	return nil
}

// Reset returns a terminal task to pending, recomputing the next run for
// recurrent tasks.
func (s *Store) Reset(id string) (Task, error) {
	task, err := s.Get(id)
	if err != nil {
		return Task{}, err
	}
	switch task.Status {
	case StatusDone, StatusFailed, StatusCancelled:
	default:
		return Task{}, apperr.New(apperr.KindConflict, "only finished tasks can be reset")
	}

	now := time.Now().UTC()
	next := task.NextExecutionAt
	if task.Recurrence != "" {
		next, err = ParseRecurrence(task.Recurrence, now)
		if err != nil {
			return Task{}, err
		}
	} else if !next.After(now) {
		next = now
	}

	_, err = s.db.Exec(
		`UPDATE scheduled_tasks SET status = ?, next_execution_at = ?, last_error = '', updated_at = ? WHERE id = ?`,
		StatusPending, next, now, id)
	if err != nil {
		return Task{}, apperr.Wrap(apperr.KindInternal, "failed to reset task", err)
	}
	return s.Get(id)
}

// Delete removes the task.
func (s *Store) Delete(id string) error {
	res, err := s.db.Exec(`DELETE FROM scheduled_tasks WHERE id = ?`, id)
	if err != nil {
		return apperr.Wrap(apperr.KindInternal, "failed to delete task", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperr.Newf(apperr.KindNotFound, "scheduled task %s not found", id)
	}
	return nil
}

func (s *Store) query(q string, args ...any) ([]Task, error) {
	rows, err := s.db.Query(q, args...)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindInternal, "failed to query tasks", err)
	}
	defer rows.Close()

	tasks := []Task{}
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, apperr.Wrap(apperr.KindInternal, "failed to scan task", err)
		}
		tasks = append(tasks, task)
	}
	return tasks, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (Task, error) {
	var t Task
	err := row.Scan(&t.ID, &t.AgentSlug, &t.Name, &t.Prompt, &t.Recurrence,
		&t.Status, &t.NextExecutionAt, &t.LastError, &t.CreatedAt, &t.UpdatedAt)
	return t, err
}
