package bus

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentdesk/agentdesk/internal/common/logger"
)

type recorder struct {
	mu   sync.Mutex
	seen []string
}

func (r *recorder) handler(ctx context.Context, event *Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seen = append(r.seen, event.Type)
	return nil
}

func (r *recorder) events() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.seen...)
}

func TestExactSubjectDelivery(t *testing.T) {
	b := NewMemoryEventBus(logger.Default())
	defer b.Close()

	rec := &recorder{}
	_, err := b.Subscribe("events.os_notification", rec.handler)
	require.NoError(t, err)

	require.NoError(t, b.Publish(context.Background(), "events.os_notification", NewEvent("os_notification", "test", nil)))
	require.NoError(t, b.Publish(context.Background(), "events.session_idle", NewEvent("session_idle", "test", nil)))

	assert.Equal(t, []string{"os_notification"}, rec.events())
}

func TestWildcardSubjects(t *testing.T) {
	b := NewMemoryEventBus(logger.Default())
	defer b.Close()

	all := &recorder{}
	_, err := b.Subscribe("events.>", all.handler)
	require.NoError(t, err)

	single := &recorder{}
	_, err = b.Subscribe("events.*", single.handler)
	require.NoError(t, err)

	require.NoError(t, b.Publish(context.Background(), "events.ping", NewEvent("ping", "test", nil)))
	require.NoError(t, b.Publish(context.Background(), "events.sub.deep", NewEvent("deep", "test", nil)))

	// ">" matches any depth, "*" only one token.
	assert.Equal(t, []string{"ping", "deep"}, all.events())
	assert.Equal(t, []string{"ping"}, single.events())
}

func TestPerPublisherOrdering(t *testing.T) {
	b := NewMemoryEventBus(logger.Default())
	defer b.Close()

	rec := &recorder{}
	_, err := b.Subscribe("events.>", rec.handler)
	require.NoError(t, err)

	for _, name := range []string{"a", "b", "c", "d"} {
		require.NoError(t, b.Publish(context.Background(), "events.seq", NewEvent(name, "test", nil)))
	}
	assert.Equal(t, []string{"a", "b", "c", "d"}, rec.events())
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	b := NewMemoryEventBus(logger.Default())
	defer b.Close()

	rec := &recorder{}
	sub, err := b.Subscribe("events.ping", rec.handler)
	require.NoError(t, err)
	assert.True(t, sub.IsValid())

	require.NoError(t, sub.Unsubscribe())
	assert.False(t, sub.IsValid())

	require.NoError(t, b.Publish(context.Background(), "events.ping", NewEvent("ping", "test", nil)))
	assert.Empty(t, rec.events())
}

func TestClosedBusRejectsPublish(t *testing.T) {
	b := NewMemoryEventBus(logger.Default())
	b.Close()

	assert.False(t, b.IsConnected())
	err := b.Publish(context.Background(), "events.ping", NewEvent("ping", "test", nil))
	assert.Error(t, err)

	_, err = b.Subscribe("events.ping", func(ctx context.Context, event *Event) error { return nil })
	assert.Error(t, err)
}
