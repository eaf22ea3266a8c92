// Package sse fans out domain events to UI subscribers over Server-Sent
// Events.
//
// The broadcaster subscribes once to the event bus, serializes each event to
// a single JSON line, and writes it to every connected client through a
// bounded per-client queue. A client that cannot keep up is dropped so a
// stalled reader never blocks the publisher.
package sse

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/agentdesk/agentdesk/internal/common/logger"
	"github.com/agentdesk/agentdesk/internal/events"
	"github.com/agentdesk/agentdesk/internal/events/bus"
)

const (
	// clientQueueSize bounds the per-client outbound queue.
	clientQueueSize = 64

	// heartbeatInterval is how often a comment line is written to keep
	// intermediaries from closing an idle stream.
	heartbeatInterval = 15 * time.Second
)

type client struct {
	ch   chan []byte
	done chan struct{}
	once sync.Once
}

func (c *client) close() {
	c.once.Do(func() { close(c.done) })
}

// Broadcaster is the SSE fan-out hub.
type Broadcaster struct {
	bus    bus.EventBus
	logger *logger.Logger

	mu      sync.Mutex
	clients map[*client]bool
	sub     bus.Subscription
	closed  bool
}

// NewBroadcaster creates a broadcaster. Call Start before serving clients.
func NewBroadcaster(eventBus bus.EventBus, log *logger.Logger) *Broadcaster {
	return &Broadcaster{
		bus:     eventBus,
		logger:  log.WithFields(zap.String("component", "sse")),
		clients: make(map[*client]bool),
	}
}

// Start subscribes to every domain event on the bus.
func (b *Broadcaster) Start() error {
	sub, err := b.bus.Subscribe(events.SubjectAll, func(ctx context.Context, event *bus.Event) error {
		line, err := json.Marshal(event)
		if err != nil {
			return fmt.Errorf("marshal event %s: %w", event.Type, err)
		}
		b.fanOut(line)
		return nil
	})
	if err != nil {
		return fmt.Errorf("subscribe to event bus: %w", err)
	}
	b.sub = sub
	return nil
}

// fanOut enqueues one serialized event for every client. Enqueueing never
// blocks: a full queue means the client is too slow and gets dropped.
func (b *Broadcaster) fanOut(line []byte) {
	b.mu.Lock()
	var drop []*client
	for c := range b.clients {
		select {
		case c.ch <- line:
		default:
			drop = append(drop, c)
		}
	}
	for _, c := range drop {
		delete(b.clients, c)
	}
	b.mu.Unlock()

	for _, c := range drop {
		c.close()
		b.logger.Warn("dropped slow SSE subscriber")
	}
}

// SubscriberCount returns the number of connected clients.
func (b *Broadcaster) SubscriberCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.clients)
}

// Close unsubscribes from the bus and disconnects every client.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	b.closed = true
	clients := make([]*client, 0, len(b.clients))
	for c := range b.clients {
		clients = append(clients, c)
	}
	b.clients = make(map[*client]bool)
	b.mu.Unlock()

	if b.sub != nil {
		_ = b.sub.Unsubscribe()
	}
	for _, c := range clients {
		c.close()
	}
}

func (b *Broadcaster) register() (*client, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, fmt.Errorf("broadcaster is closed")
	}
	c := &client{
		ch:   make(chan []byte, clientQueueSize),
		done: make(chan struct{}),
	}
	b.clients[c] = true
	return c, nil
}

func (b *Broadcaster) unregister(c *client) {
	b.mu.Lock()
	delete(b.clients, c)
	b.mu.Unlock()
	c.close()
}

// HandleStream serves GET /api/notifications/stream.
//
// Wire format: one event per `data: <json>` line, blank-line terminated.
// Heartbeats are comment lines (`: ping`).
func (b *Broadcaster) HandleStream(c *gin.Context) {
	flusher, ok := c.Writer.(http.Flusher)
	if !ok {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "streaming not supported"})
		return
	}

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")

	cl, err := b.register()
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "server is shutting down"})
		return
	}
	defer b.unregister(cl)

	// Initial ping so the client knows the stream is live.
	fmt.Fprint(c.Writer, ": ping\n\n")
	flusher.Flush()

	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case line := <-cl.ch:
			fmt.Fprintf(c.Writer, "data: %s\n\n", line)
			flusher.Flush()

		case <-heartbeat.C:
			fmt.Fprint(c.Writer, ": ping\n\n")
			flusher.Flush()

		case <-cl.done:
			return

		case <-c.Request.Context().Done():
			return
		}
	}
}
