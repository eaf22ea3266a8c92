package settings

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentdesk/agentdesk/internal/common/apperr"
)

func newTestStore(t *testing.T) *FileStore {
	t.Helper()
	return NewFileStore(filepath.Join(t.TempDir(), "settings.json"))
}

func TestLoadReturnsDefaultsWhenMissing(t *testing.T) {
	s := newTestStore(t)
	settings, err := s.Load()
	require.NoError(t, err)
	assert.Equal(t, "docker", settings.Container.ContainerRunner)
	assert.Equal(t, 30, settings.App.AutoSleepTimeoutMinutes)
	assert.NotEmpty(t, settings.Models.AgentModel)
}

func TestSaveRoundTrip(t *testing.T) {
	s := newTestStore(t)
	settings := Defaults()
	settings.App.SetupCompleted = true
	settings.CustomEnvVars = map[string]string{"HTTPS_PROXY": "http://proxy:8080"}
	require.NoError(t, s.Save(settings))

	got, err := s.Load()
	require.NoError(t, err)
	assert.True(t, got.App.SetupCompleted)
	assert.Equal(t, "http://proxy:8080", got.CustomEnvVars["HTTPS_PROXY"])
}

func TestApplyMergesPartialUpdate(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Save(Defaults()))

	merged, changes, err := s.Apply([]byte(`{"app":{"autoSleepTimeoutMinutes":5}}`))
	require.NoError(t, err)
	assert.Equal(t, 5, merged.App.AutoSleepTimeoutMinutes)
	// Untouched fields keep their values.
	assert.Equal(t, "docker", merged.Container.ContainerRunner)
	assert.True(t, merged.App.ShowMenuBarIcon)
	assert.False(t, changes.Restricted())
}

func TestApplyRejectsUnknownField(t *testing.T) {
	s := newTestStore(t)

	_, _, err := s.Apply([]byte(`{"telemetry":{"enabled":true}}`))
	assert.Equal(t, apperr.KindValidation, apperr.KindOf(err))

	_, _, err = s.Apply([]byte(`{"app":{"darkMode":true}}`))
	assert.Equal(t, apperr.KindValidation, apperr.KindOf(err))

	_, _, err = s.Apply([]byte(`{"container":{"resourceLimits":{"gpu":1}}}`))
	assert.Equal(t, apperr.KindValidation, apperr.KindOf(err))
}

func TestApplyRejectsNonObjectBody(t *testing.T) {
	s := newTestStore(t)
	_, _, err := s.Apply([]byte(`"not an object"`))
	assert.Equal(t, apperr.KindValidation, apperr.KindOf(err))
}

func TestApplyFlagsRestrictedChanges(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Save(Defaults()))

	_, changes, err := s.Apply([]byte(`{"container":{"containerRunner":"podman"}}`))
	require.NoError(t, err)
	assert.True(t, changes.Runner)
	assert.True(t, changes.Restricted())

	_, changes, err = s.Apply([]byte(`{"container":{"resourceLimits":{"cpu":2,"memory":"4g"}}}`))
	require.NoError(t, err)
	assert.True(t, changes.Limits)
	assert.True(t, changes.Restricted())

	_, changes, err = s.Apply([]byte(`{"container":{"agentImage":"ghcr.io/agentdesk/agent:next"}}`))
	require.NoError(t, err)
	assert.True(t, changes.Image)
	assert.False(t, changes.Restricted())
}

func TestApplyAPIKeySemantics(t *testing.T) {
	s := newTestStore(t)
	base := Defaults()
	base.APIKeys.AnthropicAPIKey = "sk-ant-existing"
	base.APIKeys.ComposioAPIKey = "comp-existing"
	require.NoError(t, s.Save(base))

	// Omitted field stays, empty string deletes.
	merged, _, err := s.Apply([]byte(`{"apiKeys":{"composioApiKey":""}}`))
	require.NoError(t, err)
	assert.Equal(t, "sk-ant-existing", merged.APIKeys.AnthropicAPIKey)
	assert.Empty(t, merged.APIKeys.ComposioAPIKey)
}

func TestCommitPersistsMergedSettings(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Save(Defaults()))

	merged, _, err := s.Apply([]byte(`{"app":{"setupCompleted":true}}`))
	require.NoError(t, err)
	require.NoError(t, s.Commit(merged))

	got, err := s.Load()
	require.NoError(t, err)
	assert.True(t, got.App.SetupCompleted)
}

func TestResetRemovesFile(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Save(Defaults()))
	require.NoError(t, s.Reset())

	_, err := os.Stat(s.Path())
	assert.True(t, os.IsNotExist(err))

	// Load after reset falls back to defaults.
	got, err := s.Load()
	require.NoError(t, err)
	assert.Equal(t, Defaults().Container.AgentImage, got.Container.AgentImage)

	// Resetting twice is a no-op.
	require.NoError(t, s.Reset())
}

func TestAPIKeysStringMasksSecrets(t *testing.T) {
	k := APIKeys{AnthropicAPIKey: "sk-ant-secret"}
	assert.NotContains(t, k.String(), "secret")
}
