package agentfs

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/agentdesk/agentdesk/internal/common/apperr"
	"github.com/agentdesk/agentdesk/internal/common/logger"
	"github.com/agentdesk/agentdesk/internal/common/pathlock"
)

const (
	instructionsFile = "AGENT.md"
	sidecarFile      = "sessions.json"
	sessionLogsRel   = ".claude/projects/-workspace"
)

// Store persists agents and sessions under <root>/<slug>/workspace.
type Store struct {
	root   string
	locks  *pathlock.Set
	logger *logger.Logger
}

// NewStore creates a store rooted at the agents directory.
func NewStore(root string, log *logger.Logger) (*Store, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create agents directory: %w", err)
	}
	return &Store{
		root:   root,
		locks:  pathlock.New(),
		logger: log.WithFields(zap.String("component", "agentfs")),
	}, nil
}

func (s *Store) workspaceDir(slug string) string {
	return filepath.Join(s.root, slug, "workspace")
}

func (s *Store) instructionsPath(slug string) string {
	return filepath.Join(s.workspaceDir(slug), instructionsFile)
}

func (s *Store) sidecarPath(slug string) string {
	return filepath.Join(s.workspaceDir(slug), sidecarFile)
}

func (s *Store) sessionLogsDir(slug string) string {
	return filepath.Join(s.workspaceDir(slug), sessionLogsRel)
}

// CreateAgent allocates a unique slug and writes the agent's workspace.
func (s *Store) CreateAgent(name, description, instructions string) (Agent, error) {
	if strings.TrimSpace(name) == "" {
		return Agent{}, apperr.New(apperr.KindValidation, "agent name is required")
	}

	var slug string
	for attempt := 0; ; attempt++ {
		if attempt >= 10 {
			return Agent{}, apperr.New(apperr.KindInternal, "failed to allocate a unique agent slug")
		}
		slug = newSlug(name)
		if _, err := os.Stat(filepath.Join(s.root, slug)); os.IsNotExist(err) {
			break
		}
	}

	agent := Agent{
		Slug:      slug,
		Name:      name,
		CreatedAt: time.Now().UTC(),
	}
	agent.Description = description

	if err := os.MkdirAll(s.sessionLogsDir(slug), 0o755); err != nil {
		return Agent{}, apperr.Wrap(apperr.KindInternal, "failed to create agent workspace", err)
	}
	if err := s.writeInstructions(agent, instructions); err != nil {
		_ = os.RemoveAll(filepath.Join(s.root, slug))
		return Agent{}, err
	}

	s.logger.Info("agent created", zap.String("agent_slug", slug))
	return agent, nil
}

// GetAgent reads one agent's metadata.
func (s *Store) GetAgent(slug string) (Agent, error) {
	agent, _, err := s.readAgent(slug)
	return agent, err
}

// GetInstructions returns the instructions body without the frontmatter.
func (s *Store) GetInstructions(slug string) (string, error) {
	_, body, err := s.readAgent(slug)
	return body, err
}

// ListAgents scans the agents directory, sorted by createdAt descending.
// Directories with an unreadable instructions file are skipped.
func (s *Store) ListAgents() ([]Agent, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindInternal, "failed to read agents directory", err)
	}

	agents := make([]Agent, 0, len(entries))
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		agent, _, err := s.readAgent(entry.Name())
		if err != nil {
			s.logger.Warn("skipping unreadable agent directory",
				zap.String("agent_slug", entry.Name()), zap.Error(err))
			continue
		}
		agents = append(agents, agent)
	}

	sort.Slice(agents, func(i, j int) bool {
		return agents[i].CreatedAt.After(agents[j].CreatedAt)
	})
	return agents, nil
}

// UpdateAgent patches name, description and instructions. Empty fields are
// left unchanged; pass a non-nil instructions pointer to replace the body.
func (s *Store) UpdateAgent(slug, name, description string, instructions *string) (Agent, error) {
	agent, body, err := s.readAgent(slug)
	if err != nil {
		return Agent{}, err
	}

	if name != "" {
		agent.Name = name
	}
	if description != "" {
		agent.Description = description
	}
	if instructions != nil {
		body = *instructions
	}

	if err := s.writeInstructions(agent, body); err != nil {
		return Agent{}, err
	}
	return agent, nil
}

// DeleteAgent removes the agent's directory tree. Deleting an absent agent
// is not an error.
func (s *Store) DeleteAgent(slug string) error {
	dir := filepath.Join(s.root, slug)
	if err := os.RemoveAll(dir); err != nil {
		return apperr.Wrap(apperr.KindInternal, "failed to delete agent directory", err)
	}
	s.logger.Info("agent deleted", zap.String("agent_slug", slug))
	return nil
}

// Exists reports whether the agent's directory is present.
func (s *Store) Exists(slug string) bool {
	info, err := os.Stat(filepath.Join(s.root, slug))
	return err == nil && info.IsDir()
}

// readAgent parses the instructions file into metadata and body.
func (s *Store) readAgent(slug string) (Agent, string, error) {
	data, err := os.ReadFile(s.instructionsPath(slug))
	if err != nil {
		if os.IsNotExist(err) {
			return Agent{}, "", apperr.Newf(apperr.KindNotFound, "agent %s not found", slug)
		}
		return Agent{}, "", apperr.Wrap(apperr.KindInternal, "failed to read agent instructions", err)
	}

	fm, body, err := parseFrontmatter(data)
	if err != nil {
		return Agent{}, "", apperr.Wrap(apperr.KindInternal, "failed to parse agent frontmatter", err)
	}

	agent := Agent{
		Slug:        slug,
		Name:        fm.Name,
		Description: fm.Description,
		CreatedAt:   fm.CreatedAt,
	}
	if agent.Name == "" {
		agent.Name = slug
	}
	if agent.CreatedAt.IsZero() {
		agent.CreatedAt = time.Now().UTC()
	}
	return agent, body, nil
}

// writeInstructions renders frontmatter + body atomically under the
// per-path lock.
func (s *Store) writeInstructions(agent Agent, body string) error {
	path := s.instructionsPath(agent.Slug)
	s.locks.Lock(path)
	defer s.locks.Unlock(path)

	fm := frontmatter{
		Name:        agent.Name,
		Description: agent.Description,
		CreatedAt:   agent.CreatedAt,
	}
	head, err := yaml.Marshal(&fm)
	if err != nil {
		return apperr.Wrap(apperr.KindInternal, "failed to marshal agent frontmatter", err)
	}

	var buf bytes.Buffer
	buf.WriteString("---\n")
	buf.Write(head)
	buf.WriteString("---\n")
	buf.WriteString(body)

	return writeFileAtomic(path, buf.Bytes())
}

// parseFrontmatter splits a "---" delimited YAML header from the body.
// A file without frontmatter is all body.
func parseFrontmatter(data []byte) (frontmatter, string, error) {
	var fm frontmatter
	text := string(data)
	if !strings.HasPrefix(text, "---\n") {
		return fm, text, nil
	}
	rest := text[len("---\n"):]
	end := strings.Index(rest, "\n---")
	if end < 0 {
		return fm, text, nil
	}
	head := rest[:end+1]
	body := rest[end+len("\n---"):]
	body = strings.TrimPrefix(body, "\n")

	if err := yaml.Unmarshal([]byte(head), &fm); err != nil {
		return frontmatter{}, "", err
	}
	return fm, body, nil
}

// writeFileAtomic writes via a temp file and rename so readers never see a
// torn write.
func writeFileAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return apperr.Wrap(apperr.KindInternal, "failed to create temp file", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return apperr.Wrap(apperr.KindInternal, "failed to write temp file", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return apperr.Wrap(apperr.KindInternal, "failed to close temp file", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return apperr.Wrap(apperr.KindInternal, "failed to replace file", err)
	}
	return nil
}
