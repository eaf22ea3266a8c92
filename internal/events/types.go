// Package events defines the closed set of domain events delivered to UI
// subscribers, their payloads, and typed publish helpers over the bus.
package events

import (
	"context"

	"github.com/agentdesk/agentdesk/internal/events/bus"
)

// Event types. This is a closed set: the SSE stream carries nothing else.
const (
	OSNotification         = "os_notification"
	SessionActive          = "session_active"
	SessionIdle            = "session_idle"
	SessionError           = "session_error"
	AgentStatusChanged     = "agent_status_changed"
	ContainerHealthChanged = "container_health_changed"
	ScheduledTaskCreated   = "scheduled_task_created"
	RuntimeReadinessChanged = "runtime_readiness_changed"
	ImagePullProgress      = "image_pull_progress"
	BrowserActive          = "browser_active"
	Ping                   = "ping"
)

// Subject returns the bus subject for an event type. SSE subscribes to
// SubjectAll and receives every published event.
func Subject(eventType string) string {
	return "events." + eventType
}

// SubjectAll matches every domain event subject.
const SubjectAll = "events.>"

// OSNotificationPayload announces a user-facing notification.
type OSNotificationPayload struct {
	NotificationID string `json:"notificationId"`
	Title          string `json:"title"`
	Body           string `json:"body"`
	SessionID      string `json:"sessionId,omitempty"`
	AgentSlug      string `json:"agentSlug,omitempty"`
}

// SessionStatePayload is shared by session_active, session_idle and
// session_error.
type SessionStatePayload struct {
	AgentSlug string `json:"agentSlug"`
	SessionID string `json:"sessionId"`
	Message   string `json:"message,omitempty"` // session_error only
}

// AgentStatusPayload announces a container lifecycle transition.
type AgentStatusPayload struct {
	AgentSlug string `json:"agentSlug"`
	Status    string `json:"status"` // running, stopped, starting, stopping, error
	Port      int    `json:"port,omitempty"`
}

// ContainerHealthPayload carries health monitor warnings for one agent.
type ContainerHealthPayload struct {
	AgentSlug string   `json:"agentSlug"`
	Warnings  []string `json:"warnings"`
}

// ScheduledTaskCreatedPayload announces a newly persisted scheduled task.
type ScheduledTaskCreatedPayload struct {
	TaskID    string `json:"taskId"`
	AgentSlug string `json:"agentSlug"`
}

// RuntimeReadinessPayload announces a transition of the image readiness
// state machine.
type RuntimeReadinessPayload struct {
	State   string `json:"state"` // unknown, checking, ready, pulling_image, error, runtime_unavailable
	Runner  string `json:"runner"`
	Message string `json:"message,omitempty"`
}

// ImagePullProgressPayload carries layer progress while an image pull runs.
type ImagePullProgressPayload struct {
	Layer   string  `json:"layer"`
	Status  string  `json:"status"`
	Percent float64 `json:"percent"`
}

// BrowserActivePayload announces a host browser becoming (in)active for an
// agent.
type BrowserActivePayload struct {
	AgentID string `json:"agentId"`
	Active  bool   `json:"active"`
	Port    int    `json:"port,omitempty"`
}

// Publish sends a typed event on the bus. Publish failures are the bus's to
// log; callers treat events as fire-and-forget.
func Publish(ctx context.Context, b bus.EventBus, source, eventType string, payload any) {
	_ = b.Publish(ctx, Subject(eventType), bus.NewEvent(eventType, source, payload))
}
