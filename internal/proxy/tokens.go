// Package proxy implements the credential proxy: synthetic per-agent
// bearer tokens, an upstream token cache, a toolkit host allowlist, the
// forwarding pipeline and the audit log.
package proxy

import (
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/agentdesk/agentdesk/internal/common/apperr"
)

const tokenPrefix = "adk_"

// TokenStore persists the synthetic per-agent bearer tokens containers use
// to call the proxy. One token per agent; minting again rotates it.
type TokenStore struct {
	db *sql.DB
}

// NewTokenStore initializes the schema on the shared handle.
func NewTokenStore(database *sql.DB) (*TokenStore, error) {
	schema := `
	CREATE TABLE IF NOT EXISTS proxy_tokens (
		agent_slug TEXT PRIMARY KEY,
		token TEXT NOT NULL UNIQUE,
		created_at TIMESTAMP NOT NULL
	);
	`
	if _, err := database.Exec(schema); err != nil {
		return nil, fmt.Errorf("failed to initialize proxy tokens schema: %w", err)
	}
	return &TokenStore{db: database}, nil
}

// Mint creates (or rotates) the agent's synthetic token and returns it.
// The plain token is returned exactly once per mint; it is injected into
// the container's environment at start.
func (s *TokenStore) Mint(agentSlug string) (string, error) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return "", apperr.Wrap(apperr.KindInternal, "failed to generate token", err)
	}
	token := tokenPrefix + hex.EncodeToString(raw)

	_, err := s.db.Exec(
		`INSERT INTO proxy_tokens (agent_slug, token, created_at) VALUES (?, ?, ?)
		 ON CONFLICT(agent_slug) DO UPDATE SET token = excluded.token, created_at = excluded.created_at`,
		agentSlug, token, time.Now().UTC())
	if err != nil {
		return "", apperr.Wrap(apperr.KindInternal, "failed to store token", err)
	}
	return token, nil
}

// Validate resolves a presented token to its bound agent slug. The unique
// index makes this a point lookup.
func (s *TokenStore) Validate(token string) (string, error) {
	if token == "" {
		return "", apperr.New(apperr.KindUnauthorized, "missing bearer token")
	}
	var agentSlug string
	err := s.db.QueryRow(`SELECT agent_slug FROM proxy_tokens WHERE token = ?`, token).Scan(&agentSlug)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", apperr.New(apperr.KindUnauthorized, "invalid bearer token")
		}
		return "", apperr.Wrap(apperr.KindInternal, "failed to validate token", err)
	}
	return agentSlug, nil
}

// Revoke deletes the agent's token. Used by agent deletion.
func (s *TokenStore) Revoke(agentSlug string) error {
	if _, err := s.db.Exec(`DELETE FROM proxy_tokens WHERE agent_slug = ?`, agentSlug); err != nil {
		return apperr.Wrap(apperr.KindInternal, "failed to revoke token", err)
	}
	return nil
}
