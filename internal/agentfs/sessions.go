package agentfs

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/agentdesk/agentdesk/internal/common/apperr"
)

// logLine is one entry of a session JSONL file. Lines that are neither
// user nor assistant (summaries, tool results, metadata) are filtered out
// of message listings but still count toward file timestamps.
type logLine struct {
	Type      string          `json:"type"`
	Message   json.RawMessage `json:"message"`
	Timestamp time.Time       `json:"timestamp"`
}

// logMessage is the payload shape shared by user and assistant lines.
type logMessage struct {
	Role    string          `json:"role"`
	Content json.RawMessage `json:"content"`
}

// contentBlock is one element of a structured content array.
type contentBlock struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// RegisterSession records a session in the sidecar before any log line
// exists, so pending sessions appear in listings immediately.
func (s *Store) RegisterSession(agentSlug, sessionID, name, scheduledTaskID string) error {
	if !s.Exists(agentSlug) {
		return apperr.Newf(apperr.KindNotFound, "agent %s not found", agentSlug)
	}
	if sessionID == "" {
		return apperr.New(apperr.KindValidation, "session id is required")
	}

	return s.updateSidecar(agentSlug, func(entries map[string]sidecarEntry) error {
		if _, ok := entries[sessionID]; ok {
			return nil
		}
		entries[sessionID] = sidecarEntry{
			Name:            name,
			ScheduledTaskID: scheduledTaskID,
			CreatedAt:       time.Now().UTC(),
		}
		return nil
	})
}

// RenameSession sets the session's display name in the sidecar.
func (s *Store) RenameSession(agentSlug, sessionID, name string) error {
	return s.updateSidecar(agentSlug, func(entries map[string]sidecarEntry) error {
		entry, ok := entries[sessionID]
		if !ok {
			// The log may exist without a sidecar entry; create one.
			if !s.sessionLogExists(agentSlug, sessionID) {
				return apperr.Newf(apperr.KindNotFound, "session %s not found", sessionID)
			}
			entry = sidecarEntry{CreatedAt: time.Now().UTC()}
		}
		entry.Name = name
		entries[sessionID] = entry
		return nil
	})
}

// DeleteSession removes the log file and the sidecar entry. Idempotent.
func (s *Store) DeleteSession(agentSlug, sessionID string) error {
	logPath := s.sessionLogPath(agentSlug, sessionID)
	if err := os.Remove(logPath); err != nil && !os.IsNotExist(err) {
		return apperr.Wrap(apperr.KindInternal, "failed to delete session log", err)
	}
	return s.updateSidecar(agentSlug, func(entries map[string]sidecarEntry) error {
		delete(entries, sessionID)
		return nil
	})
}

// ListSessions merges JSONL logs with sidecar entries. Sessions registered
// but not yet written appear with messageCount 0. Sorted by updatedAt
// descending.
func (s *Store) ListSessions(agentSlug string) ([]Session, error) {
	if !s.Exists(agentSlug) {
		return nil, apperr.Newf(apperr.KindNotFound, "agent %s not found", agentSlug)
	}

	sidecar, err := s.readSidecar(agentSlug)
	if err != nil {
		return nil, err
	}

	sessions := make(map[string]*Session)
	logsDir := s.sessionLogsDir(agentSlug)
	entries, err := os.ReadDir(logsDir)
	if err != nil && !os.IsNotExist(err) {
		return nil, apperr.Wrap(apperr.KindInternal, "failed to read session logs", err)
	}
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".jsonl") {
			continue
		}
		id := strings.TrimSuffix(entry.Name(), ".jsonl")
		sess, err := s.summarizeLog(agentSlug, id)
		if err != nil {
			s.logger.Warn("skipping unreadable session log",
				zap.String("agent_slug", agentSlug),
				zap.String("session_id", id),
				zap.Error(err))
			continue
		}
		sessions[id] = &sess
	}

	for id, entry := range sidecar {
		sess, ok := sessions[id]
		if !ok {
			sessions[id] = &Session{
				ID:              id,
				AgentSlug:       agentSlug,
				Name:            entry.Name,
				ScheduledTaskID: entry.ScheduledTaskID,
				CreatedAt:       entry.CreatedAt,
				UpdatedAt:       entry.CreatedAt,
			}
			continue
		}
		if entry.Name != "" {
			sess.Name = entry.Name
		}
		sess.ScheduledTaskID = entry.ScheduledTaskID
		if !entry.CreatedAt.IsZero() {
			sess.CreatedAt = entry.CreatedAt
		}
	}

	out := make([]Session, 0, len(sessions))
	for _, sess := range sessions {
		if sess.Name == "" {
			sess.Name = sess.ID
		}
		out = append(out, *sess)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].UpdatedAt.After(out[j].UpdatedAt)
	})
	return out, nil
}

// GetSession returns the merged view of one session.
func (s *Store) GetSession(agentSlug, sessionID string) (Session, error) {
	sessions, err := s.ListSessions(agentSlug)
	if err != nil {
		return Session{}, err
	}
	for _, sess := range sessions {
		if sess.ID == sessionID {
			return sess, nil
		}
	}
	return Session{}, apperr.Newf(apperr.KindNotFound, "session %s not found", sessionID)
}

// GetSessionMessages reads the log, keeping only user and assistant lines.
func (s *Store) GetSessionMessages(agentSlug, sessionID string) ([]Message, error) {
	if !s.Exists(agentSlug) {
		return nil, apperr.Newf(apperr.KindNotFound, "agent %s not found", agentSlug)
	}

	lines, err := s.readLog(agentSlug, sessionID)
	if err != nil {
		// Registered sessions may not have written a log yet.
		if apperr.Is(err, apperr.KindNotFound) {
			if sidecar, serr := s.readSidecar(agentSlug); serr == nil {
				if _, ok := sidecar[sessionID]; ok {
					return []Message{}, nil
				}
			}
		}
		return nil, err
	}

	messages := make([]Message, 0, len(lines))
	for _, line := range lines {
		if line.Type != "user" && line.Type != "assistant" {
			continue
		}
		messages = append(messages, Message{
			Type:      line.Type,
			Content:   extractText(line.Message),
			Timestamp: line.Timestamp,
		})
	}
	return messages, nil
}

// AppendMessage appends one line to the session log, creating it if
// needed. Used to seed scheduled-task prompts.
func (s *Store) AppendMessage(agentSlug, sessionID, msgType, content string) error {
	path := s.sessionLogPath(agentSlug, sessionID)
	s.locks.Lock(path)
	defer s.locks.Unlock(path)

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return apperr.Wrap(apperr.KindInternal, "failed to create session log directory", err)
	}

	msg, err := json.Marshal(logMessage{
		Role:    msgType,
		Content: json.RawMessage(mustJSON(content)),
	})
	if err != nil {
		return apperr.Wrap(apperr.KindInternal, "failed to marshal session message", err)
	}
	line, err := json.Marshal(logLine{
		Type:      msgType,
		Message:   msg,
		Timestamp: time.Now().UTC(),
	})
	if err != nil {
		return apperr.Wrap(apperr.KindInternal, "failed to marshal session line", err)
	}

	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return apperr.Wrap(apperr.KindInternal, "failed to open session log", err)
	}
	defer f.Close()
	if _, err := f.Write(append(line, '\n')); err != nil {
		return apperr.Wrap(apperr.KindInternal, "failed to append session line", err)
	}
	return nil
}

// FindSessionAcrossAgents scans every agent for the session. O(agents),
// fine at desktop scale.
func (s *Store) FindSessionAcrossAgents(sessionID string) (string, Session, error) {
	agents, err := s.ListAgents()
	if err != nil {
		return "", Session{}, err
	}
	for _, agent := range agents {
		sess, err := s.GetSession(agent.Slug, sessionID)
		if err == nil {
			return agent.Slug, sess, nil
		}
		if apperr.KindOf(err) != apperr.KindNotFound {
			return "", Session{}, err
		}
	}
	return "", Session{}, apperr.Newf(apperr.KindNotFound, "session %s not found", sessionID)
}

// LastActivity returns the newest message timestamp across the agent's
// sessions. Zero when the agent has no messages.
func (s *Store) LastActivity(agentSlug string) time.Time {
	sessions, err := s.ListSessions(agentSlug)
	if err != nil {
		return time.Time{}
	}
	var last time.Time
	for _, sess := range sessions {
		if sess.MessageCount > 0 && sess.UpdatedAt.After(last) {
			last = sess.UpdatedAt
		}
	}
	return last
}

func (s *Store) sessionLogPath(agentSlug, sessionID string) string {
	return filepath.Join(s.sessionLogsDir(agentSlug), sessionID+".jsonl")
}

func (s *Store) sessionLogExists(agentSlug, sessionID string) bool {
	_, err := os.Stat(s.sessionLogPath(agentSlug, sessionID))
	return err == nil
}

// summarizeLog derives the listing fields from one JSONL file.
func (s *Store) summarizeLog(agentSlug, sessionID string) (Session, error) {
	lines, err := s.readLog(agentSlug, sessionID)
	if err != nil {
		return Session{}, err
	}

	sess := Session{ID: sessionID, AgentSlug: agentSlug}
	for _, line := range lines {
		if line.Type != "user" && line.Type != "assistant" {
			continue
		}
		sess.MessageCount++
		if sess.CreatedAt.IsZero() || line.Timestamp.Before(sess.CreatedAt) {
			sess.CreatedAt = line.Timestamp
		}
		if line.Timestamp.After(sess.UpdatedAt) {
			sess.UpdatedAt = line.Timestamp
		}
		if sess.Name == "" && line.Type == "user" {
			sess.Name = deriveName(extractText(line.Message))
		}
	}
	return sess, nil
}

func (s *Store) readLog(agentSlug, sessionID string) ([]logLine, error) {
	f, err := os.Open(s.sessionLogPath(agentSlug, sessionID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, apperr.Newf(apperr.KindNotFound, "session %s not found", sessionID)
		}
		return nil, apperr.Wrap(apperr.KindInternal, "failed to open session log", err)
	}
	defer f.Close()

	var lines []logLine
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		raw := strings.TrimSpace(scanner.Text())
		if raw == "" {
			continue
		}
		var line logLine
		if err := json.Unmarshal([]byte(raw), &line); err != nil {
			// One corrupt line does not poison the session.
			continue
		}
		lines = append(lines, line)
	}
	if err := scanner.Err(); err != nil {
		return nil, apperr.Wrap(apperr.KindInternal, "failed to read session log", err)
	}
	return lines, nil
}

func (s *Store) readSidecar(agentSlug string) (map[string]sidecarEntry, error) {
	data, err := os.ReadFile(s.sidecarPath(agentSlug))
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]sidecarEntry{}, nil
		}
		return nil, apperr.Wrap(apperr.KindInternal, "failed to read sessions sidecar", err)
	}
	entries := map[string]sidecarEntry{}
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, apperr.Wrap(apperr.KindInternal, "failed to parse sessions sidecar", err)
	}
	return entries, nil
}

// updateSidecar applies fn to the sidecar map under the per-path lock and
// writes it back atomically.
func (s *Store) updateSidecar(agentSlug string, fn func(map[string]sidecarEntry) error) error {
	path := s.sidecarPath(agentSlug)
	s.locks.Lock(path)
	defer s.locks.Unlock(path)

	entries, err := s.readSidecar(agentSlug)
	if err != nil {
		return err
	}
	if err := fn(entries); err != nil {
		return err
	}

	data, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return apperr.Wrap(apperr.KindInternal, "failed to marshal sessions sidecar", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return apperr.Wrap(apperr.KindInternal, "failed to create workspace directory", err)
	}
	return writeFileAtomic(path, data)
}

// extractText flattens a message payload to plain text. Content is either
// a string or an array of typed blocks.
func extractText(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var msg logMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return ""
	}

	var text string
	if err := json.Unmarshal(msg.Content, &text); err == nil {
		return text
	}
	var blocks []contentBlock
	if err := json.Unmarshal(msg.Content, &blocks); err == nil {
		var parts []string
		for _, b := range blocks {
			if b.Type == "text" && b.Text != "" {
				parts = append(parts, b.Text)
			}
		}
		return strings.Join(parts, "\n")
	}
	return ""
}

// deriveName truncates the first user message to 50 characters.
func deriveName(text string) string {
	text = strings.TrimSpace(strings.ReplaceAll(text, "\n", " "))
	runes := []rune(text)
	if len(runes) > 50 {
		return string(runes[:50])
	}
	return text
}

func mustJSON(s string) []byte {
	b, _ := json.Marshal(s)
	return b
}
