// Package remotemcp manages user-registered remote MCP servers: their
// persistence, connection probing, tool discovery, and the OAuth
// registration flow for servers that require it.
package remotemcp

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/agentdesk/agentdesk/internal/common/apperr"
)

// Auth types a remote MCP server may use.
const (
	AuthNone   = "none"
	AuthBearer = "bearer"
	AuthOAuth  = "oauth"
)

// Server statuses.
const (
	StatusActive       = "active"
	StatusError        = "error"
	StatusAuthRequired = "auth_required"
)

// Server is one registered remote MCP server.
type Server struct {
	ID                string     `json:"id"`
	Name              string     `json:"name"`
	URL               string     `json:"url"`
	AuthType          string     `json:"authType"`
	AccessToken       string     `json:"-"`
	RefreshToken      string     `json:"-"`
	OAuthClientID     string     `json:"-"`
	OAuthClientSecret string     `json:"-"`
	ToolsJSON         string     `json:"toolsJson,omitempty"`
	Status            string     `json:"status"`
	ErrorMessage      string     `json:"errorMessage,omitempty"`
	ToolsDiscoveredAt *time.Time `json:"toolsDiscoveredAt,omitempty"`
	CreatedAt         time.Time  `json:"createdAt"`
	UpdatedAt         time.Time  `json:"updatedAt"`
}

// Store persists remote MCP servers in the shared SQLite database.
type Store struct {
	db *sql.DB
}

// NewStore initializes the schema on the shared handle.
func NewStore(database *sql.DB) (*Store, error) {
	schema := `
	CREATE TABLE IF NOT EXISTS remote_mcp_servers (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		url TEXT NOT NULL,
		auth_type TEXT NOT NULL,
		access_token TEXT NOT NULL DEFAULT '',
		refresh_token TEXT NOT NULL DEFAULT '',
		oauth_client_id TEXT NOT NULL DEFAULT '',
		oauth_client_secret TEXT NOT NULL DEFAULT '',
		tools_json TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL,
		error_message TEXT NOT NULL DEFAULT '',
		tools_discovered_at TIMESTAMP,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	);
	`
	if _, err := database.Exec(schema); err != nil {
		return nil, fmt.Errorf("failed to initialize remote MCP schema: %w", err)
	}
	return &Store{db: database}, nil
}

// Create inserts a new server row.
func (s *Store) Create(server Server) (Server, error) {
	if server.ID == "" {
		server.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	server.CreatedAt = now
	server.UpdatedAt = now

	_, err := s.db.Exec(
		`INSERT INTO remote_mcp_servers
		 (id, name, url, auth_type, access_token, refresh_token, oauth_client_id, oauth_client_secret,
		  tools_json, status, error_message, tools_discovered_at, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		server.ID, server.Name, server.URL, server.AuthType,
		server.AccessToken, server.RefreshToken, server.OAuthClientID, server.OAuthClientSecret,
		server.ToolsJSON, server.Status, server.ErrorMessage, server.ToolsDiscoveredAt,
		server.CreatedAt, server.UpdatedAt)
	if err != nil {
		return Server{}, apperr.Wrap(apperr.KindInternal, "failed to store remote MCP server", err)
	}
	return server, nil
}

// Get returns one server by id.
func (s *Store) Get(id string) (Server, error) {
	row := s.db.QueryRow(selectColumns+` WHERE id = ?`, id)
	server, err := scanServer(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Server{}, apperr.Newf(apperr.KindNotFound, "remote MCP server %s not found", id)
	}
	if err != nil {
		return Server{}, apperr.Wrap(apperr.KindInternal, "failed to load remote MCP server", err)
	}
	return server, nil
}

// List returns all servers, newest first.
func (s *Store) List() ([]Server, error) {
	rows, err := s.db.Query(selectColumns + ` ORDER BY created_at DESC`)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindInternal, "failed to list remote MCP servers", err)
	}
	defer rows.Close()

	out := []Server{}
	for rows.Next() {
		server, err := scanServer(rows)
		if err != nil {
			return nil, apperr.Wrap(apperr.KindInternal, "failed to scan remote MCP server", err)
		}
		out = append(out, server)
	}
	return out, rows.Err()
}

// Update rewrites the mutable fields of a server row.
func (s *Store) Update(server Server) error {
	server.UpdatedAt = time.Now().UTC()
	res, err := s.db.Exec(
		`UPDATE remote_mcp_servers SET
		 name = ?, url = ?, auth_type = ?, access_token = ?, refresh_token = ?,
		 oauth_client_id = ?, oauth_client_secret = ?, tools_json = ?,
		 status = ?, error_message = ?, tools_discovered_at = ?, updated_at = ?
		 WHERE id = ?`,
		server.Name, server.URL, server.AuthType, server.AccessToken, server.RefreshToken,
		server.OAuthClientID, server.OAuthClientSecret, server.ToolsJSON,
		server.Status, server.ErrorMessage, server.ToolsDiscoveredAt, server.UpdatedAt,
		server.ID)
	if err != nil {
		return apperr.Wrap(apperr.KindInternal, "failed to update remote MCP server", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperr.Newf(apperr.KindNotFound, "remote MCP server %s not found", server.ID)
	}
	return nil
}

// SetStatus records a status transition and its error message.
func (s *Store) SetStatus(id, status, errorMessage string) error {
	res, err := s.db.Exec(
		`UPDATE remote_mcp_servers SET status = ?, error_message = ?, updated_at = ? WHERE id = ?`,
		status, errorMessage, time.Now().UTC(), id)
	if err != nil {
		return apperr.Wrap(apperr.KindInternal, "failed to update remote MCP status", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperr.Newf(apperr.KindNotFound, "remote MCP server %s not found", id)
	}
	return nil
}

// SetTools stores the discovered tool list.
func (s *Store) SetTools(id, toolsJSON string) error {
	now := time.Now().UTC()
	res, err := s.db.Exec(
		`UPDATE remote_mcp_servers SET tools_json = ?, tools_discovered_at = ?, updated_at = ? WHERE id = ?`,
		toolsJSON, now, now, id)
	if err != nil {
		return apperr.Wrap(apperr.KindInternal, "failed to store discovered tools", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperr.Newf(apperr.KindNotFound, "remote MCP server %s not found", id)
	}
	return nil
}

// Delete removes a server row.
func (s *Store) Delete(id string) error {
	res, err := s.db.Exec(`DELETE FROM remote_mcp_servers WHERE id = ?`, id)
	if err != nil {
		return apperr.Wrap(apperr.KindInternal, "failed to delete remote MCP server", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperr.Newf(apperr.KindNotFound, "remote MCP server %s not found", id)
	}
	return nil
}

const selectColumns = `SELECT id, name, url, auth_type, access_token, refresh_token,
	oauth_client_id, oauth_client_secret, tools_json, status, error_message,
	tools_discovered_at, created_at, updated_at FROM remote_mcp_servers`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanServer(row rowScanner) (Server, error) {
	var server Server
	var discoveredAt sql.NullTime
	err := row.Scan(
		&server.ID, &server.Name, &server.URL, &server.AuthType,
		&server.AccessToken, &server.RefreshToken, &server.OAuthClientID, &server.OAuthClientSecret,
		&server.ToolsJSON, &server.Status, &server.ErrorMessage,
		&discoveredAt, &server.CreatedAt, &server.UpdatedAt)
	if err != nil {
		return Server{}, err
	}
	if discoveredAt.Valid {
		t := discoveredAt.Time
		server.ToolsDiscoveredAt = &t
	}
	return server, nil
}
