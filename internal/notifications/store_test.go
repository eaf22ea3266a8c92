package notifications

import (
	"context"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentdesk/agentdesk/internal/common/apperr"
	"github.com/agentdesk/agentdesk/internal/common/logger"
	"github.com/agentdesk/agentdesk/internal/db"
	"github.com/agentdesk/agentdesk/internal/events"
	"github.com/agentdesk/agentdesk/internal/events/bus"
)

func newTestStore(t *testing.T) (*Store, bus.EventBus) {
	t.Helper()
	database, err := db.Open(filepath.Join(t.TempDir(), "app.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = database.Close() })

	eventBus := bus.NewMemoryEventBus(logger.Default())
	t.Cleanup(eventBus.Close)

	store, err := NewStore(database, eventBus)
	require.NoError(t, err)
	return store, eventBus
}

func TestCreatePublishesEvent(t *testing.T) {
	store, eventBus := newTestStore(t)

	var mu sync.Mutex
	var seen []*bus.Event
	_, err := eventBus.Subscribe(events.Subject(events.OSNotification), func(ctx context.Context, ev *bus.Event) error {
		mu.Lock()
		seen = append(seen, ev)
		mu.Unlock()
		return nil
	})
	require.NoError(t, err)

	n, err := store.Create("Task finished", "The digest is ready", "sess-1", "writer")
	require.NoError(t, err)
	assert.NotEmpty(t, n.ID)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, seen, 1)
	assert.Equal(t, events.OSNotification, seen[0].Type)
}

func TestCreateRequiresTitle(t *testing.T) {
	store, _ := newTestStore(t)
	_, err := store.Create("", "body", "", "")
	assert.Equal(t, apperr.KindValidation, apperr.KindOf(err))
}

func TestUnreadCountAndMarkRead(t *testing.T) {
	store, _ := newTestStore(t)

	n1, err := store.Create("one", "", "", "")
	require.NoError(t, err)
	_, err = store.Create("two", "", "", "")
	require.NoError(t, err)

	count, err := store.UnreadCount()
	require.NoError(t, err)
	assert.Equal(t, 2, count)

	require.NoError(t, store.MarkRead(n1.ID))
	count, err = store.UnreadCount()
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	// Marking again is a no-op.
	require.NoError(t, store.MarkRead(n1.ID))

	err = store.MarkRead("missing")
	assert.Equal(t, apperr.KindNotFound, apperr.KindOf(err))

	require.NoError(t, store.MarkAllRead())
	count, err = store.UnreadCount()
	require.NoError(t, err)
	assert.Equal(t, 0, count)
}

func TestListNewestFirst(t *testing.T) {
	store, _ := newTestStore(t)
	_, err := store.Create("first", "", "", "")
	require.NoError(t, err)
	_, err = store.Create("second", "", "", "")
	require.NoError(t, err)

	list, err := store.List(10)
	require.NoError(t, err)
	require.Len(t, list, 2)
}
