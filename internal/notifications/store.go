// Package notifications persists user-facing notifications and announces
// new ones on the event bus so the desktop shell can surface them.
package notifications

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/agentdesk/agentdesk/internal/common/apperr"
	"github.com/agentdesk/agentdesk/internal/events"
	"github.com/agentdesk/agentdesk/internal/events/bus"
)

// Notification is one user-facing notification.
type Notification struct {
	ID        string     `json:"id"`
	Title     string     `json:"title"`
	Body      string     `json:"body"`
	SessionID string     `json:"sessionId,omitempty"`
	AgentSlug string     `json:"agentSlug,omitempty"`
	CreatedAt time.Time  `json:"createdAt"`
	ReadAt    *time.Time `json:"readAt,omitempty"`
}

// Store persists notifications in the shared SQLite database.
type Store struct {
	db  *sql.DB
	bus bus.EventBus
}

// NewStore initializes the schema on the shared handle.
func NewStore(database *sql.DB, eventBus bus.EventBus) (*Store, error) {
	schema := `
	CREATE TABLE IF NOT EXISTS notifications (
		id TEXT PRIMARY KEY,
		title TEXT NOT NULL,
		body TEXT NOT NULL,
		session_id TEXT NOT NULL DEFAULT '',
		agent_slug TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMP NOT NULL,
		read_at TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_notifications_created ON notifications(created_at DESC);
	`
	if _, err := database.Exec(schema); err != nil {
		return nil, fmt.Errorf("failed to initialize notifications schema: %w", err)
	}
	return &Store{db: database, bus: eventBus}, nil
}

// Create stores a notification and publishes os_notification.
func (s *Store) Create(title, body, sessionID, agentSlug string) (Notification, error) {
	if title == "" {
		return Notification{}, apperr.New(apperr.KindValidation, "notification title is required")
	}

	n := Notification{
		ID:        uuid.NewString(),
		Title:     title,
		Body:      body,
		SessionID: sessionID,
		AgentSlug: agentSlug,
		CreatedAt: time.Now().UTC(),
	}
	_, err := s.db.Exec(
		`INSERT INTO notifications (id, title, body, session_id, agent_slug, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		n.ID, n.Title, n.Body, n.SessionID, n.AgentSlug, n.CreatedAt)
	if err != nil {
		return Notification{}, apperr.Wrap(apperr.KindInternal, "failed to store notification", err)
	}

	events.Publish(context.Background(), s.bus, "notifications", events.OSNotification, events.OSNotificationPayload{
		NotificationID: n.ID,
		Title:          n.Title,
		Body:           n.Body,
		SessionID:      n.SessionID,
		AgentSlug:      n.AgentSlug,
	})
	return n, nil
}

// List returns notifications newest first.
func (s *Store) List(limit int) ([]Notification, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	rows, err := s.db.Query(
		`SELECT id, title, body, session_id, agent_slug, created_at, read_at
		 FROM notifications ORDER BY created_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindInternal, "failed to list notifications", err)
	}
	defer rows.Close()

	out := []Notification{}
	for rows.Next() {
		var n Notification
		var readAt sql.NullTime
		if err := rows.Scan(&n.ID, &n.Title, &n.Body, &n.SessionID, &n.AgentSlug, &n.CreatedAt, &readAt); err != nil {
			return nil, apperr.Wrap(apperr.KindInternal, "failed to scan notification", err)
		}
		if readAt.Valid {
			t := readAt.Time
			n.ReadAt = &t
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

// UnreadCount returns the number of unread notifications.
func (s *Store) UnreadCount() (int, error) {
	var count int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM notifications WHERE read_at IS NULL`).Scan(&count)
	if err != nil {
		return 0, apperr.Wrap(apperr.KindInternal, "failed to count notifications", err)
	}
	return count, nil
}

// MarkRead stamps one notification as read. Idempotent.
func (s *Store) MarkRead(id string) error {
	res, err := s.db.Exec(
		`UPDATE notifications SET read_at = ? WHERE id = ? AND read_at IS NULL`,
		time.Now().UTC(), id)
	if err != nil {
		return apperr.Wrap(apperr.KindInternal, "failed to mark notification read", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		var exists int
		err := s.db.QueryRow(`SELECT 1 FROM notifications WHERE id = ?`, id).Scan(&exists)
		if errors.Is(err, sql.ErrNoRows) {
			return apperr.Newf(apperr.KindNotFound, "notification %s not found", id)
		}
	}
	return nil
}

// MarkAllRead stamps every unread notification.
func (s *Store) MarkAllRead() error {
	_, err := s.db.Exec(`UPDATE notifications SET read_at = ? WHERE read_at IS NULL`, time.Now().UTC())
	if err != nil {
		return apperr.Wrap(apperr.KindInternal, "failed to mark notifications read", err)
	}
	return nil
}
