// Package settings owns the mutable user settings persisted in
// settings.json: a closed field set, atomic writes, and the guard rails
// around changes that require a quiet fleet.
package settings

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"

	"github.com/agentdesk/agentdesk/internal/common/apperr"
)

// ContainerSettings configure the agent fleet's runtime.
type ContainerSettings struct {
	ContainerRunner string         `json:"containerRunner"`
	AgentImage      string         `json:"agentImage"`
	ResourceLimits  ResourceLimits `json:"resourceLimits"`
}

// ResourceLimits bound each agent container.
type ResourceLimits struct {
	CPU    float64 `json:"cpu,omitempty"`    // cores; 0 = unlimited
	Memory string  `json:"memory,omitempty"` // e.g. "2g"; empty = unlimited
}

// AppSettings configure shell behavior.
type AppSettings struct {
	ShowMenuBarIcon         bool   `json:"showMenuBarIcon"`
	AutoSleepTimeoutMinutes int    `json:"autoSleepTimeoutMinutes"`
	ChromeProfileID         string `json:"chromeProfileId,omitempty"`
	UseHostBrowser          bool   `json:"useHostBrowser,omitempty"`
	SetupCompleted          bool   `json:"setupCompleted"`
	AllowPrereleaseUpdates  bool   `json:"allowPrereleaseUpdates,omitempty"`
}

// APIKeys hold user-provided credentials. An empty string in a PUT deletes
// the key; an omitted field leaves it unchanged.
type APIKeys struct {
	AnthropicAPIKey string `json:"anthropicApiKey,omitempty"`
	ComposioAPIKey  string `json:"composioApiKey,omitempty"`
	ComposioUserID  string `json:"composioUserId,omitempty"`
}

// Models select which models agents run with.
type Models struct {
	AgentModel      string `json:"agentModel"`
	SummarizerModel string `json:"summarizerModel"`
	BrowserModel    string `json:"browserModel"`
}

// AgentLimits bound agent behavior inside the container.
type AgentLimits struct {
	MaxOutputTokens   int     `json:"maxOutputTokens,omitempty"`
	MaxThinkingTokens int     `json:"maxThinkingTokens,omitempty"`
	MaxTurns          int     `json:"maxTurns,omitempty"`
	MaxBudgetUSD      float64 `json:"maxBudgetUsd,omitempty"`
}

// Settings is the full persisted document.
type Settings struct {
	Container     ContainerSettings `json:"container"`
	App           AppSettings       `json:"app"`
	APIKeys       APIKeys           `json:"apiKeys"`
	Models        Models            `json:"models"`
	Skillsets     []string          `json:"skillsets"`
	CustomEnvVars map[string]string `json:"customEnvVars"`
	AgentLimits   AgentLimits       `json:"agentLimits"`
}

// Defaults returns the settings a fresh install starts with.
func Defaults() Settings {
	return Settings{
		Container: ContainerSettings{
			ContainerRunner: "docker",
			AgentImage:      "ghcr.io/agentdesk/agent:latest",
		},
		App: AppSettings{
			ShowMenuBarIcon:         true,
			AutoSleepTimeoutMinutes: 30,
		},
		Models: Models{
			AgentModel:      "claude-sonnet-4-5",
			SummarizerModel: "claude-haiku-4-5",
			BrowserModel:    "claude-haiku-4-5",
		},
		Skillsets:     []string{},
		CustomEnvVars: map[string]string{},
	}
}

// allowedKeys is the closed field tree a PUT may touch. A nil subtree
// means the node is a leaf or free-form object.
var allowedKeys = map[string]map[string]bool{
	"container":     {"containerRunner": true, "agentImage": true, "resourceLimits": true},
	"app":           {"showMenuBarIcon": true, "autoSleepTimeoutMinutes": true, "chromeProfileId": true, "useHostBrowser": true, "setupCompleted": true, "allowPrereleaseUpdates": true},
	"apiKeys":       {"anthropicApiKey": true, "composioApiKey": true, "composioUserId": true},
	"models":        {"agentModel": true, "summarizerModel": true, "browserModel": true},
	"skillsets":     nil,
	"customEnvVars": nil,
	"agentLimits":   {"maxOutputTokens": true, "maxThinkingTokens": true, "maxTurns": true, "maxBudgetUsd": true},
}

// resourceLimitsKeys close the nested resourceLimits object.
var resourceLimitsKeys = map[string]bool{"cpu": true, "memory": true}

// FileStore persists Settings atomically to one JSON file.
type FileStore struct {
	path string
	mu   sync.Mutex
}

// NewFileStore creates a store at path. The file is created on first save.
func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

// Load reads the settings, returning defaults when the file is absent.
func (s *FileStore) Load() (Settings, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loadLocked()
}

func (s *FileStore) loadLocked() (Settings, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return Defaults(), nil
		}
		return Settings{}, apperr.Wrap(apperr.KindInternal, "failed to read settings", err)
	}

	settings := Defaults()
	if err := json.Unmarshal(data, &settings); err != nil {
		return Settings{}, apperr.Wrap(apperr.KindInternal, "failed to parse settings", err)
	}
	return settings, nil
}

// Save writes the settings atomically.
func (s *FileStore) Save(settings Settings) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saveLocked(settings)
}

func (s *FileStore) saveLocked(settings Settings) error {
	data, err := json.MarshalIndent(settings, "", "  ")
	if err != nil {
		return apperr.Wrap(apperr.KindInternal, "failed to marshal settings", err)
	}

	tmp, err := os.CreateTemp("", "settings-*.json")
	if err != nil {
		return apperr.Wrap(apperr.KindInternal, "failed to create temp settings file", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return apperr.Wrap(apperr.KindInternal, "failed to write settings", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return apperr.Wrap(apperr.KindInternal, "failed to close settings file", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		// Rename across filesystems can fail; fall back to a direct write.
		os.Remove(tmpName)
		if werr := os.WriteFile(s.path, data, 0o600); werr != nil {
			return apperr.Wrap(apperr.KindInternal, "failed to replace settings file", werr)
		}
	}
	return nil
}

// Apply validates a raw PUT body against the closed field set, merges it
// over the current settings under the lock, and persists the result. The
// merged settings are returned along with which restricted fields changed.
func (s *FileStore) Apply(raw []byte) (Settings, RestrictedChanges, error) {
	var patch map[string]json.RawMessage
	if err := json.Unmarshal(raw, &patch); err != nil {
		return Settings{}, RestrictedChanges{}, apperr.Wrap(apperr.KindValidation, "settings body must be a JSON object", err)
	}
	if err := validateKeys(patch); err != nil {
		return Settings{}, RestrictedChanges{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	current, err := s.loadLocked()
	if err != nil {
		return Settings{}, RestrictedChanges{}, err
	}

	merged := current
	if err := json.Unmarshal(raw, &merged); err != nil {
		return Settings{}, RestrictedChanges{}, apperr.Wrap(apperr.KindValidation, "invalid settings value", err)
	}

	// Field-presence semantics for API keys: an empty string deletes, an
	// omitted field keeps. json.Unmarshal into the struct already handles
	// "omitted keeps"; empty strings simply overwrite with "".

	changes := RestrictedChanges{
		Runner: merged.Container.ContainerRunner != current.Container.ContainerRunner,
		Limits: merged.Container.ResourceLimits != current.Container.ResourceLimits,
		Image:  merged.Container.AgentImage != current.Container.AgentImage,
	}
	return merged, changes, nil
}

// Commit persists previously merged settings.
func (s *FileStore) Commit(settings Settings) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saveLocked(settings)
}

// RestrictedChanges flags the fields whose change requires a quiet fleet.
type RestrictedChanges struct {
	Runner bool
	Limits bool
	Image  bool
}

// Restricted reports whether any runner/limit change is present.
func (r RestrictedChanges) Restricted() bool {
	return r.Runner || r.Limits
}

// validateKeys walks the patch against the closed field tree.
func validateKeys(patch map[string]json.RawMessage) error {
	for key, value := range patch {
		sub, ok := allowedKeys[key]
		if !ok {
			return apperr.Newf(apperr.KindValidation, "unknown settings field %q", key)
		}
		if sub == nil {
			continue
		}
		var nested map[string]json.RawMessage
		if err := json.Unmarshal(value, &nested); err != nil {
			return apperr.Newf(apperr.KindValidation, "settings field %q must be an object", key)
		}
		for nestedKey, nestedVal := range nested {
			if !sub[nestedKey] {
				return apperr.Newf(apperr.KindValidation, "unknown settings field %q", key+"."+nestedKey)
			}
			if key == "container" && nestedKey == "resourceLimits" {
				var limits map[string]json.RawMessage
				if err := json.Unmarshal(nestedVal, &limits); err != nil {
					return apperr.New(apperr.KindValidation, "container.resourceLimits must be an object")
				}
				for limitKey := range limits {
					if !resourceLimitsKeys[limitKey] {
						return apperr.Newf(apperr.KindValidation, "unknown settings field %q", "container.resourceLimits."+limitKey)
					}
				}
			}
		}
	}
	return nil
}

// Reset deletes the settings file.
func (s *FileStore) Reset() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := os.Remove(s.path); err != nil && !os.IsNotExist(err) {
		return apperr.Wrap(apperr.KindInternal, "failed to remove settings file", err)
	}
	return nil
}

// Path returns the settings file path.
func (s *FileStore) Path() string { return s.path }

// String implements fmt.Stringer without leaking key material.
func (k APIKeys) String() string {
	mask := func(v string) string {
		if v == "" {
			return ""
		}
		return "***"
	}
	return fmt.Sprintf("APIKeys{anthropic:%s composio:%s user:%s}",
		mask(k.AnthropicAPIKey), mask(k.ComposioAPIKey), mask(k.ComposioUserID))
}
