// Package agentfs stores agents and their sessions on disk: one directory
// per agent holding an instructions file with YAML frontmatter, a sessions
// sidecar, and append-only JSONL conversation logs.
package agentfs

import "time"

// Agent is a named workspace with its own container, instructions and
// sessions.
type Agent struct {
	Slug        string    `json:"slug"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
}

// frontmatter is the YAML header of the instructions file.
type frontmatter struct {
	Name        string    `yaml:"name"`
	Description string    `yaml:"description,omitempty"`
	CreatedAt   time.Time `yaml:"createdAt,omitempty"`
}

// Session is the merged view of a conversation: sidecar metadata plus the
// JSONL log on disk.
type Session struct {
	ID              string    `json:"id"`
	AgentSlug       string    `json:"agentSlug"`
	Name            string    `json:"name"`
	MessageCount    int       `json:"messageCount"`
	ScheduledTaskID string    `json:"scheduledTaskId,omitempty"`
	CreatedAt       time.Time `json:"createdAt"`
	UpdatedAt       time.Time `json:"updatedAt"`
}

// sidecarEntry is one session's record in the sessions.json sidecar.
type sidecarEntry struct {
	Name            string    `json:"name,omitempty"`
	ScheduledTaskID string    `json:"scheduledTaskId,omitempty"`
	CreatedAt       time.Time `json:"createdAt"`
}

// Message is one user or assistant entry of a session log.
type Message struct {
	Type      string    `json:"type"` // user or assistant
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}
