package proxy

import (
	"database/sql"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/agentdesk/agentdesk/internal/common/apperr"
	"github.com/agentdesk/agentdesk/internal/common/logger"
)

// AuditEntry is one proxied request record. Exactly one of StatusCode and
// ErrorMessage is meaningful.
type AuditEntry struct {
	ID           int64     `json:"id"`
	AgentSlug    string    `json:"agentSlug"`
	AccountID    string    `json:"accountId"`
	Toolkit      string    `json:"toolkit"`
	Host         string    `json:"host"`
	Path         string    `json:"path"`
	Method       string    `json:"method"`
	StatusCode   int       `json:"statusCode,omitempty"`
	ErrorMessage string    `json:"errorMessage,omitempty"`
	CreatedAt    time.Time `json:"createdAt"`
}

const auditQueueSize = 256

// AuditLog is the append-only store of proxied requests. Writes are
// best-effort: the response path enqueues and returns; a worker drains the
// bounded queue, dropping the oldest entry when full.
type AuditLog struct {
	db     *sql.DB
	logger *logger.Logger

	mu    sync.Mutex
	queue []AuditEntry
	wake  chan struct{}
	done  chan struct{}
	wg    sync.WaitGroup
}

// NewAuditLog initializes the schema and starts the writer worker.
func NewAuditLog(database *sql.DB, log *logger.Logger) (*AuditLog, error) {
	schema := `
	CREATE TABLE IF NOT EXISTS audit_log (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		agent_slug TEXT NOT NULL,
		account_id TEXT NOT NULL,
		toolkit TEXT NOT NULL,
		host TEXT NOT NULL,
		path TEXT NOT NULL,
		method TEXT NOT NULL,
		status_code INTEGER NOT NULL DEFAULT 0,
		error_message TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMP NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_audit_agent_created ON audit_log(agent_slug, created_at DESC);
	`
	if _, err := database.Exec(schema); err != nil {
		return nil, fmt.Errorf("failed to initialize audit schema: %w", err)
	}

	a := &AuditLog{
		db:     database,
		logger: log.WithFields(zap.String("component", "audit")),
		wake:   make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	a.wg.Add(1)
	go a.worker()
	return a, nil
}

// Record enqueues an entry. Never blocks; when the queue is full the
// oldest entry is dropped.
func (a *AuditLog) Record(entry AuditEntry) {
	entry.CreatedAt = time.Now().UTC()

	a.mu.Lock()
	if len(a.queue) >= auditQueueSize {
		a.queue = a.queue[1:]
		a.logger.Warn("audit queue full, dropping oldest entry")
	}
	a.queue = append(a.queue, entry)
	a.mu.Unlock()

	select {
	case a.wake <- struct{}{}:
	default:
	}
}

// Close drains the queue and stops the worker.
func (a *AuditLog) Close() {
	close(a.done)
	a.wg.Wait()
}

func (a *AuditLog) worker() {
	defer a.wg.Done()
	for {
		select {
		case <-a.wake:
			a.flush()
		case <-a.done:
			a.flush()
			return
		}
	}
}

func (a *AuditLog) flush() {
	for {
		a.mu.Lock()
		if len(a.queue) == 0 {
			a.mu.Unlock()
			return
		}
		entry := a.queue[0]
		a.queue = a.queue[1:]
		a.mu.Unlock()

		if err := a.write(entry); err != nil {
			a.logger.Warn("audit write failed", zap.Error(err))
		}
	}
}

func (a *AuditLog) write(entry AuditEntry) error {
	_, err := a.db.Exec(
		`INSERT INTO audit_log (agent_slug, account_id, toolkit, host, path, method, status_code, error_message, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.AgentSlug, entry.AccountID, entry.Toolkit, entry.Host, entry.Path,
		entry.Method, entry.StatusCode, entry.ErrorMessage, entry.CreatedAt)
	return err
}

// List returns an agent's entries, newest first.
func (a *AuditLog) List(agentSlug string, offset, limit int) ([]AuditEntry, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	if offset < 0 {
		offset = 0
	}

	rows, err := a.db.Query(
		`SELECT id, agent_slug, account_id, toolkit, host, path, method, status_code, error_message, created_at
		 FROM audit_log WHERE agent_slug = ? ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?`,
		agentSlug, limit, offset)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindInternal, "failed to query audit log", err)
	}
	defer rows.Close()

	entries := []AuditEntry{}
	for rows.Next() {
		var e AuditEntry
		if err := rows.Scan(&e.ID, &e.AgentSlug, &e.AccountID, &e.Toolkit, &e.Host,
			&e.Path, &e.Method, &e.StatusCode, &e.ErrorMessage, &e.CreatedAt); err != nil {
			return nil, apperr.Wrap(apperr.KindInternal, "failed to scan audit entry", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
