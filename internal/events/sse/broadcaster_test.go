package sse

import (
	"bufio"
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentdesk/agentdesk/internal/common/logger"
	"github.com/agentdesk/agentdesk/internal/events"
	"github.com/agentdesk/agentdesk/internal/events/bus"
)

func startStream(t *testing.T) (*Broadcaster, bus.EventBus, string) {
	t.Helper()
	eventBus := bus.NewMemoryEventBus(logger.Default())
	t.Cleanup(eventBus.Close)

	b := NewBroadcaster(eventBus, logger.Default())
	require.NoError(t, b.Start())
	t.Cleanup(b.Close)

	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.GET("/stream", b.HandleStream)
	ts := httptest.NewServer(router)
	t.Cleanup(ts.Close)

	return b, eventBus, ts.URL + "/stream"
}

func TestStreamDeliversPublishedEvents(t *testing.T) {
	b, eventBus, url := startStream(t)

	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	reader := bufio.NewReader(resp.Body)

	// First line is the initial ping comment.
	line, err := reader.ReadString('\n')
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(line, ": ping"))

	// Wait for the subscriber to register before publishing.
	require.Eventually(t, func() bool { return b.SubscriberCount() == 1 },
		2*time.Second, 10*time.Millisecond)

	events.Publish(context.Background(), eventBus, "test", events.SessionIdle,
		events.SessionStatePayload{AgentSlug: "writer", SessionID: "sess-1"})

	deadline := time.Now().Add(3 * time.Second)
	var data string
	for time.Now().Before(deadline) {
		line, err := reader.ReadString('\n')
		require.NoError(t, err)
		if strings.HasPrefix(line, "data: ") {
			data = line
			break
		}
	}
	require.NotEmpty(t, data, "no data line received")
	assert.Contains(t, data, `"session_idle"`)
	assert.Contains(t, data, `"writer"`)
}

func TestCloseDisconnectsSubscribers(t *testing.T) {
	b, _, url := startStream(t)

	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Eventually(t, func() bool { return b.SubscriberCount() == 1 },
		2*time.Second, 10*time.Millisecond)

	b.Close()
	assert.Equal(t, 0, b.SubscriberCount())

	// The stream ends once the broadcaster shuts down.
	buf := make([]byte, 1024)
	done := make(chan struct{})
	go func() {
		for {
			if _, err := resp.Body.Read(buf); err != nil {
				close(done)
				return
			}
		}
	}()
	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("stream did not close")
	}
}
