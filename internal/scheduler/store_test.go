package scheduler

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentdesk/agentdesk/internal/common/apperr"
	"github.com/agentdesk/agentdesk/internal/db"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	database, err := db.Open(filepath.Join(t.TempDir(), "app.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = database.Close() })

	store, err := NewStore(database)
	require.NoError(t, err)
	return store
}

func TestCreateOneShotTask(t *testing.T) {
	s := newTestStore(t)
	firstRun := time.Now().Add(time.Hour)

	task, err := s.Create("writer", "Daily digest", "Summarize my inbox", "", firstRun)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, task.Status)
	assert.WithinDuration(t, firstRun, task.NextExecutionAt, time.Second)

	got, err := s.Get(task.ID)
	require.NoError(t, err)
	assert.Equal(t, "Summarize my inbox", got.Prompt)
}

func TestCreateRequiresPromptAndSchedule(t *testing.T) {
	s := newTestStore(t)

	_, err := s.Create("writer", "x", "  ", "", time.Now())
	assert.Equal(t, apperr.KindValidation, apperr.KindOf(err))

	_, err = s.Create("writer", "x", "prompt", "", time.Time{})
	assert.Equal(t, apperr.KindValidation, apperr.KindOf(err))

	_, err = s.Create("writer", "x", "prompt", "not a cron spec", time.Time{})
	assert.Equal(t, apperr.KindValidation, apperr.KindOf(err))
}

func TestRecurrenceComputesFirstRun(t *testing.T) {
	s := newTestStore(t)

	task, err := s.Create("writer", "Hourly", "check", "@every 1h", time.Time{})
	require.NoError(t, err)
	assert.True(t, task.NextExecutionAt.After(time.Now().Add(50*time.Minute)))
}

func TestDueSelection(t *testing.T) {
	s := newTestStore(t)

	past, err := s.Create("writer", "overdue", "p", "", time.Now().Add(-time.Minute))
	require.NoError(t, err)
	_, err = s.Create("writer", "future", "p", "", time.Now().Add(time.Hour))
	require.NoError(t, err)

	due, err := s.Due(time.Now())
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, past.ID, due[0].ID)
}

func TestMarkRunningGrabsOnce(t *testing.T) {
	s := newTestStore(t)
	task, err := s.Create("writer", "t", "p", "", time.Now().Add(-time.Minute))
	require.NoError(t, err)

	grabbed, err := s.MarkRunning(task.ID)
	require.NoError(t, err)
	assert.True(t, grabbed)

	again, err := s.MarkRunning(task.ID)
	require.NoError(t, err)
	assert.False(t, again)
}

func TestMarkDoneOneShotTerminal(t *testing.T) {
	s := newTestStore(t)
	task, err := s.Create("writer", "t", "p", "", time.Now().Add(-time.Minute))
	require.NoError(t, err)
	_, err = s.MarkRunning(task.ID)
	require.NoError(t, err)

	require.NoError(t, s.MarkDone(task.ID, time.Time{}))
	got, err := s.Get(task.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusDone, got.Status)

	due, err := s.Due(time.Now().Add(time.Hour))
	require.NoError(t, err)
	assert.Empty(t, due)
}

func TestMarkDoneRecurrentReArms(t *testing.T) {
	s := newTestStore(t)
	task, err := s.Create("writer", "t", "p", "@every 1h", time.Time{})
	require.NoError(t, err)
	_, err = s.MarkRunning(task.ID)
	require.NoError(t, err)

	next := time.Now().Add(time.Hour)
	require.NoError(t, s.MarkDone(task.ID, next))

	got, err := s.Get(task.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, got.Status)
	assert.WithinDuration(t, next, got.NextExecutionAt, time.Second)
}

func TestCancelAndReset(t *testing.T) {
	s := newTestStore(t)
	task, err := s.Create("writer", "t", "p", "", time.Now().Add(time.Hour))
	require.NoError(t, err)

	require.NoError(t, s.Cancel(task.ID))
	got, err := s.Get(task.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, got.Status)

	// Cancelling a terminal task conflicts.
	err = s.Cancel(task.ID)
	assert.Equal(t, apperr.KindConflict, apperr.KindOf(err))

	reset, err := s.Reset(task.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, reset.Status)

	// Resetting a pending task conflicts.
	_, err = s.Reset(task.ID)
	assert.Equal(t, apperr.KindConflict, apperr.KindOf(err))
}

func TestMarkFailedKeepsError(t *testing.T) {
	s := newTestStore(t)
	task, err := s.Create("writer", "t", "p", "", time.Now().Add(-time.Minute))
	require.NoError(t, err)

	require.NoError(t, s.MarkFailed(task.ID, "agent refused to start"))
	got, err := s.Get(task.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, got.Status)
	assert.Equal(t, "agent refused to start", got.LastError)
}

func TestDeleteTask(t *testing.T) {
	s := newTestStore(t)
	task, err := s.Create("writer", "t", "p", "", time.Now().Add(time.Hour))
	require.NoError(t, err)

	require.NoError(t, s.Delete(task.ID))
	err = s.Delete(task.ID)
	assert.Equal(t, apperr.KindNotFound, apperr.KindOf(err))
}
