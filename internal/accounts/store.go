// Package accounts persists connected third-party accounts and their
// agent mappings, and drives the broker connection flows.
package accounts

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/agentdesk/agentdesk/internal/common/apperr"
)

// Account is one connected third-party account.
type Account struct {
	ID                   string    `json:"id"`
	ToolkitSlug          string    `json:"toolkitSlug"`
	ComposioConnectionID string    `json:"composioConnectionId"`
	DisplayName          string    `json:"displayName"`
	CreatedAt            time.Time `json:"createdAt"`
	AgentSlugs           []string  `json:"agentSlugs"`
}

// Store persists accounts and mappings in the shared SQLite database.
type Store struct {
	db *sql.DB
}

// NewStore initializes the schema on the shared handle.
func NewStore(database *sql.DB) (*Store, error) {
	schema := `
	CREATE TABLE IF NOT EXISTS connected_accounts (
		id TEXT PRIMARY KEY,
		toolkit_slug TEXT NOT NULL,
		composio_connection_id TEXT NOT NULL UNIQUE,
		display_name TEXT NOT NULL,
		created_at TIMESTAMP NOT NULL
	);
	CREATE TABLE IF NOT EXISTS agent_accounts (
		agent_slug TEXT NOT NULL,
		account_id TEXT NOT NULL REFERENCES connected_accounts(id) ON DELETE CASCADE,
		PRIMARY KEY (agent_slug, account_id)
	);
	CREATE INDEX IF NOT EXISTS idx_agent_accounts_agent ON agent_accounts(agent_slug);
	`
	if _, err := database.Exec(schema); err != nil {
		return nil, fmt.Errorf("failed to initialize accounts schema: %w", err)
	}
	return &Store{db: database}, nil
}

// Create inserts a completed connection as an account.
func (s *Store) Create(toolkitSlug, connectionID, displayName string) (Account, error) {
	account := Account{
		ID:                   uuid.NewString(),
		ToolkitSlug:          toolkitSlug,
		ComposioConnectionID: connectionID,
		DisplayName:          displayName,
		CreatedAt:            time.Now().UTC(),
		AgentSlugs:           []string{},
	}
	_, err := s.db.Exec(
		`INSERT INTO connected_accounts (id, toolkit_slug, composio_connection_id, display_name, created_at)
		 VALUES (?, ?, ?, ?, ?)`,
		account.ID, account.ToolkitSlug, account.ComposioConnectionID, account.DisplayName, account.CreatedAt,
	)
	if err != nil {
		return Account{}, apperr.Wrap(apperr.KindInternal, "failed to store connected account", err)
	}
	return account, nil
}

// Get returns one account with its agent mappings.
func (s *Store) Get(id string) (Account, error) {
	row := s.db.QueryRow(
		`SELECT id, toolkit_slug, composio_connection_id, display_name, created_at
		 FROM connected_accounts WHERE id = ?`, id)
	account, err := scanAccount(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Account{}, apperr.Newf(apperr.KindNotFound, "account %s not found", id)
		}
		return Account{}, apperr.Wrap(apperr.KindInternal, "failed to load account", err)
	}

	slugs, err := s.agentSlugs(id)
	if err != nil {
		return Account{}, err
	}
	account.AgentSlugs = slugs
	return account, nil
}

// List returns all accounts, newest first, with their agent mappings.
func (s *Store) List() ([]Account, error) {
	rows, err := s.db.Query(
		`SELECT id, toolkit_slug, composio_connection_id, display_name, created_at
		 FROM connected_accounts ORDER BY created_at DESC`)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindInternal, "failed to list accounts", err)
	}
	defer rows.Close()

	accounts := []Account{}
	for rows.Next() {
		account, err := scanAccount(rows)
		if err != nil {
			return nil, apperr.Wrap(apperr.KindInternal, "failed to scan account", err)
		}
		accounts = append(accounts, account)
	}
	if err := rows.Err(); err != nil {
		return nil, apperr.Wrap(apperr.KindInternal, "failed to iterate accounts", err)
	}

	for i := range accounts {
		slugs, err := s.agentSlugs(accounts[i].ID)
		if err != nil {
			return nil, err
		}
		accounts[i].AgentSlugs = slugs
	}
	return accounts, nil
}

// Rename updates the display name.
func (s *Store) Rename(id, displayName string) error {
	res, err := s.db.Exec(`UPDATE connected_accounts SET display_name = ? WHERE id = ?`, displayName, id)
	if err != nil {
		return apperr.Wrap(apperr.KindInternal, "failed to rename account", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperr.Newf(apperr.KindNotFound, "account %s not found", id)
	}
	return nil
}

// Delete removes the account; mappings cascade.
func (s *Store) Delete(id string) error {
	res, err := s.db.Exec(`DELETE FROM connected_accounts WHERE id = ?`, id)
	if err != nil {
		return apperr.Wrap(apperr.KindInternal, "failed to delete account", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperr.Newf(apperr.KindNotFound, "account %s not found", id)
	}
	return nil
}

// MapToAgent binds an account to an agent. Idempotent.
func (s *Store) MapToAgent(agentSlug, accountID string) error {
	if _, err := s.Get(accountID); err != nil {
		return err
	}
	_, err := s.db.Exec(
		`INSERT OR IGNORE INTO agent_accounts (agent_slug, account_id) VALUES (?, ?)`,
		agentSlug, accountID)
	if err != nil {
		return apperr.Wrap(apperr.KindInternal, "failed to map account to agent", err)
	}
	return nil
}

// UnmapFromAgent removes a binding. Idempotent.
func (s *Store) UnmapFromAgent(agentSlug, accountID string) error {
	_, err := s.db.Exec(
		`DELETE FROM agent_accounts WHERE agent_slug = ? AND account_id = ?`,
		agentSlug, accountID)
	if err != nil {
		return apperr.Wrap(apperr.KindInternal, "failed to unmap account from agent", err)
	}
	return nil
}

// ResolveForAgent joins the mapping and account records. Returns NotFound
// when the account does not exist or is not mapped to the agent.
func (s *Store) ResolveForAgent(agentSlug, accountID string) (Account, error) {
	row := s.db.QueryRow(
		`SELECT a.id, a.toolkit_slug, a.composio_connection_id, a.display_name, a.created_at
		 FROM connected_accounts a
		 JOIN agent_accounts m ON m.account_id = a.id
		 WHERE m.agent_slug = ? AND a.id = ?`, agentSlug, accountID)
	account, err := scanAccount(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Account{}, apperr.New(apperr.KindNotFound, "Account not found or not mapped to this agent")
		}
		return Account{}, apperr.Wrap(apperr.KindInternal, "failed to resolve account", err)
	}
	return account, nil
}

// UnmapAgent removes every binding for an agent. Used by agent deletion.
func (s *Store) UnmapAgent(agentSlug string) error {
	_, err := s.db.Exec(`DELETE FROM agent_accounts WHERE agent_slug = ?`, agentSlug)
	if err != nil {
		return apperr.Wrap(apperr.KindInternal, "failed to unmap agent accounts", err)
	}
	return nil
}

func (s *Store) agentSlugs(accountID string) ([]string, error) {
	rows, err := s.db.Query(
		`SELECT agent_slug FROM agent_accounts WHERE account_id = ? ORDER BY agent_slug`, accountID)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindInternal, "failed to load account mappings", err)
	}
	defer rows.Close()

	slugs := []string{}
	for rows.Next() {
		var slug string
		if err := rows.Scan(&slug); err != nil {
			return nil, apperr.Wrap(apperr.KindInternal, "failed to scan account mapping", err)
		}
		slugs = append(slugs, slug)
	}
	return slugs, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAccount(row rowScanner) (Account, error) {
	var account Account
	err := row.Scan(&account.ID, &account.ToolkitSlug, &account.ComposioConnectionID,
		&account.DisplayName, &account.CreatedAt)
	return account, err
}
