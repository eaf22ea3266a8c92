package accounts

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentdesk/agentdesk/internal/common/apperr"
	"github.com/agentdesk/agentdesk/internal/db"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	database, err := db.Open(filepath.Join(t.TempDir(), "app.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = database.Close() })

	store, err := NewStore(database)
	require.NoError(t, err)
	return store
}

func TestCreateAndGetAccount(t *testing.T) {
	s := newTestStore(t)

	account, err := s.Create("gmail", "conn-1", "Work Gmail")
	require.NoError(t, err)
	require.NotEmpty(t, account.ID)

	got, err := s.Get(account.ID)
	require.NoError(t, err)
	assert.Equal(t, "gmail", got.ToolkitSlug)
	assert.Equal(t, "conn-1", got.ComposioConnectionID)
	assert.Equal(t, "Work Gmail", got.DisplayName)
	assert.Empty(t, got.AgentSlugs)
}

func TestResolveForAgentRequiresMapping(t *testing.T) {
	s := newTestStore(t)
	account, err := s.Create("github", "conn-2", "GitHub")
	require.NoError(t, err)

	_, err = s.ResolveForAgent("writer", account.ID)
	require.Error(t, err)
	assert.Equal(t, apperr.KindNotFound, apperr.KindOf(err))

	require.NoError(t, s.MapToAgent("writer", account.ID))
	resolved, err := s.ResolveForAgent("writer", account.ID)
	require.NoError(t, err)
	assert.Equal(t, "github", resolved.ToolkitSlug)

	// A different agent still cannot resolve it.
	_, err = s.ResolveForAgent("coder", account.ID)
	assert.Equal(t, apperr.KindNotFound, apperr.KindOf(err))
}

func TestMapToAgentIdempotent(t *testing.T) {
	s := newTestStore(t)
	account, err := s.Create("slack", "conn-3", "Slack")
	require.NoError(t, err)

	require.NoError(t, s.MapToAgent("writer", account.ID))
	require.NoError(t, s.MapToAgent("writer", account.ID))

	got, err := s.Get(account.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"writer"}, got.AgentSlugs)
}

func TestDeleteCascadesMappings(t *testing.T) {
	s := newTestStore(t)
	account, err := s.Create("notion", "conn-4", "Notion")
	require.NoError(t, err)
	require.NoError(t, s.MapToAgent("writer", account.ID))

	require.NoError(t, s.Delete(account.ID))

	_, err = s.Get(account.ID)
	assert.Equal(t, apperr.KindNotFound, apperr.KindOf(err))
	_, err = s.ResolveForAgent("writer", account.ID)
	assert.Equal(t, apperr.KindNotFound, apperr.KindOf(err))
}

func TestDeleteUnknownAccount(t *testing.T) {
	s := newTestStore(t)
	err := s.Delete("nope")
	assert.Equal(t, apperr.KindNotFound, apperr.KindOf(err))
}

func TestRename(t *testing.T) {
	s := newTestStore(t)
	account, err := s.Create("linear", "conn-5", "Linear")
	require.NoError(t, err)

	require.NoError(t, s.Rename(account.ID, "Team Linear"))
	got, err := s.Get(account.ID)
	require.NoError(t, err)
	assert.Equal(t, "Team Linear", got.DisplayName)
}

func TestListNewestFirst(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Create("gmail", "conn-6", "A")
	require.NoError(t, err)
	_, err = s.Create("github", "conn-7", "B")
	require.NoError(t, err)

	accounts, err := s.List()
	require.NoError(t, err)
	require.Len(t, accounts, 2)
}

func TestUnmapAgentRemovesAllBindings(t *testing.T) {
	s := newTestStore(t)
	a1, err := s.Create("gmail", "conn-8", "A")
	require.NoError(t, err)
	a2, err := s.Create("github", "conn-9", "B")
	require.NoError(t, err)
	require.NoError(t, s.MapToAgent("writer", a1.ID))
	require.NoError(t, s.MapToAgent("writer", a2.ID))

	require.NoError(t, s.UnmapAgent("writer"))
	_, err = s.ResolveForAgent("writer", a1.ID)
	assert.Equal(t, apperr.KindNotFound, apperr.KindOf(err))
}
