package agentfs

import (
	"os"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentdesk/agentdesk/internal/common/apperr"
)

func createAgent(t *testing.T, s *Store) Agent {
	t.Helper()
	agent, err := s.CreateAgent("Session Tester", "", "")
	require.NoError(t, err)
	return agent
}

func writeLog(t *testing.T, s *Store, agentSlug, sessionID string, lines ...string) {
	t.Helper()
	path := s.sessionLogPath(agentSlug, sessionID)
	require.NoError(t, os.MkdirAll(s.sessionLogsDir(agentSlug), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(strings.Join(lines, "\n")+"\n"), 0o644))
}

const (
	userLine      = `{"type":"user","message":{"role":"user","content":"Summarize my inbox please"},"timestamp":"2026-08-20T10:00:00Z"}`
	assistantLine = `{"type":"assistant","message":{"role":"assistant","content":[{"type":"text","text":"Done."}]},"timestamp":"2026-08-20T10:00:05Z"}`
	summaryLine   = `{"type":"summary","summary":"irrelevant","timestamp":"2026-08-20T10:00:06Z"}`
)

func TestRegisterSessionAppearsPending(t *testing.T) {
	s := newTestStore(t)
	agent := createAgent(t, s)

	require.NoError(t, s.RegisterSession(agent.Slug, "sess-1", "Morning run", "task-9"))

	sessions, err := s.ListSessions(agent.Slug)
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	assert.Equal(t, "sess-1", sessions[0].ID)
	assert.Equal(t, "Morning run", sessions[0].Name)
	assert.Equal(t, "task-9", sessions[0].ScheduledTaskID)
	assert.Equal(t, 0, sessions[0].MessageCount)
}

func TestRegisterSessionUnknownAgent(t *testing.T) {
	s := newTestStore(t)
	err := s.RegisterSession("ghost", "sess-1", "", "")
	assert.Equal(t, apperr.KindNotFound, apperr.KindOf(err))
}

func TestListSessionsMergesLogAndSidecar(t *testing.T) {
	s := newTestStore(t)
	agent := createAgent(t, s)

	writeLog(t, s, agent.Slug, "sess-log", userLine, assistantLine, summaryLine)
	require.NoError(t, s.RegisterSession(agent.Slug, "sess-pending", "", ""))

	sessions, err := s.ListSessions(agent.Slug)
	require.NoError(t, err)
	require.Len(t, sessions, 2)

	byID := map[string]Session{}
	for _, sess := range sessions {
		byID[sess.ID] = sess
	}
	assert.Equal(t, 2, byID["sess-log"].MessageCount)
	assert.Equal(t, "Summarize my inbox please", byID["sess-log"].Name)
	assert.Equal(t, 0, byID["sess-pending"].MessageCount)
}

func TestSessionNameTruncatedAt50(t *testing.T) {
	long := strings.Repeat("a", 80)
	line := `{"type":"user","message":{"role":"user","content":"` + long + `"},"timestamp":"2026-08-20T10:00:00Z"}`

	s := newTestStore(t)
	agent := createAgent(t, s)
	writeLog(t, s, agent.Slug, "sess-long", line)

	sess, err := s.GetSession(agent.Slug, "sess-long")
	require.NoError(t, err)
	assert.Len(t, sess.Name, 50)
}

func TestGetSessionMessagesFiltersNonChatLines(t *testing.T) {
	s := newTestStore(t)
	agent := createAgent(t, s)
	writeLog(t, s, agent.Slug, "sess-1", userLine, summaryLine, assistantLine, "not json at all")

	messages, err := s.GetSessionMessages(agent.Slug, "sess-1")
	require.NoError(t, err)
	require.Len(t, messages, 2)
	assert.Equal(t, "user", messages[0].Type)
	assert.Equal(t, "Summarize my inbox please", messages[0].Content)
	assert.Equal(t, "assistant", messages[1].Type)
	assert.Equal(t, "Done.", messages[1].Content)
}

func TestAppendMessageRoundTrips(t *testing.T) {
	s := newTestStore(t)
	agent := createAgent(t, s)

	require.NoError(t, s.AppendMessage(agent.Slug, "sess-1", "user", "Run the report"))

	messages, err := s.GetSessionMessages(agent.Slug, "sess-1")
	require.NoError(t, err)
	require.Len(t, messages, 1)
	assert.Equal(t, "Run the report", messages[0].Content)
}

func TestRenameAndDeleteSession(t *testing.T) {
	s := newTestStore(t)
	agent := createAgent(t, s)
	writeLog(t, s, agent.Slug, "sess-1", userLine)

	require.NoError(t, s.RenameSession(agent.Slug, "sess-1", "Inbox sweep"))
	sess, err := s.GetSession(agent.Slug, "sess-1")
	require.NoError(t, err)
	assert.Equal(t, "Inbox sweep", sess.Name)

	require.NoError(t, s.DeleteSession(agent.Slug, "sess-1"))
	_, err = s.GetSession(agent.Slug, "sess-1")
	assert.Equal(t, apperr.KindNotFound, apperr.KindOf(err))

	// Deleting again is a no-op.
	require.NoError(t, s.DeleteSession(agent.Slug, "sess-1"))
}

func TestRenameUnknownSession(t *testing.T) {
	s := newTestStore(t)
	agent := createAgent(t, s)
	err := s.RenameSession(agent.Slug, "nope", "name")
	assert.Equal(t, apperr.KindNotFound, apperr.KindOf(err))
}

func TestFindSessionAcrossAgents(t *testing.T) {
	s := newTestStore(t)
	a1 := createAgent(t, s)
	a2 := createAgent(t, s)
	writeLog(t, s, a2.Slug, "sess-42", userLine)

	slug, sess, err := s.FindSessionAcrossAgents("sess-42")
	require.NoError(t, err)
	assert.Equal(t, a2.Slug, slug)
	assert.Equal(t, "sess-42", sess.ID)
	_ = a1

	_, _, err = s.FindSessionAcrossAgents("missing")
	assert.Equal(t, apperr.KindNotFound, apperr.KindOf(err))
}

func TestLastActivityIgnoresPendingSessions(t *testing.T) {
	s := newTestStore(t)
	agent := createAgent(t, s)

	assert.True(t, s.LastActivity(agent.Slug).IsZero())

	require.NoError(t, s.RegisterSession(agent.Slug, "pending", "", ""))
	assert.True(t, s.LastActivity(agent.Slug).IsZero())

	writeLog(t, s, agent.Slug, "sess-1", userLine, assistantLine)
	last := s.LastActivity(agent.Slug)
	assert.Equal(t, "2026-08-20T10:00:05Z", last.UTC().Format("2006-01-02T15:04:05Z"))
}
