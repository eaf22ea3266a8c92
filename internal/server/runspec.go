package server

import (
	"fmt"
	"path/filepath"
	"strconv"

	"github.com/agentdesk/agentdesk/internal/common/apperr"
	"github.com/agentdesk/agentdesk/internal/common/config"
	"github.com/agentdesk/agentdesk/internal/container"
	"github.com/agentdesk/agentdesk/internal/proxy"
	"github.com/agentdesk/agentdesk/internal/runtime"
	"github.com/agentdesk/agentdesk/internal/settings"
)

// NewRunSpec returns the callback the container manager invokes right
// before starting an agent. It reads the settings fresh on every start so
// model, limit, and env changes apply to the next boot, and mints the
// agent's proxy token. The real upstream credentials never enter the
// container; the agent only ever sees its synthetic proxy token.
func NewRunSpec(cfg *config.Config, store *settings.FileStore, tokens *proxy.TokenStore) container.RunSpecFn {
	return func(agentSlug string) (runtime.RunRequest, error) {
		current, err := store.Load()
		if err != nil {
			return runtime.RunRequest{}, err
		}

		token, err := tokens.Mint(agentSlug)
		if err != nil {
			return runtime.RunRequest{}, err
		}

		env := map[string]string{}
		for k, v := range current.CustomEnvVars {
			env[k] = v
		}
		env["AGENT_SLUG"] = agentSlug
		env["PROXY_TOKEN"] = token
		env["PROXY_BASE_URL"] = fmt.Sprintf("http://host.docker.internal:%d/api/proxy/%s", cfg.Server.Port, agentSlug)
		env["EVENTS_BASE_URL"] = fmt.Sprintf("http://host.docker.internal:%d/api", cfg.Server.Port)

		if current.APIKeys.AnthropicAPIKey != "" {
			env["ANTHROPIC_API_KEY"] = current.APIKeys.AnthropicAPIKey
		}
		if current.Models.AgentModel != "" {
			env["AGENT_MODEL"] = current.Models.AgentModel
		}
		if current.Models.SummarizerModel != "" {
			env["SUMMARIZER_MODEL"] = current.Models.SummarizerModel
		}
		if current.Models.BrowserModel != "" {
			env["BROWSER_MODEL"] = current.Models.BrowserModel
		}

		if n := current.AgentLimits.MaxOutputTokens; n > 0 {
			env["MAX_OUTPUT_TOKENS"] = strconv.Itoa(n)
		}
		if n := current.AgentLimits.MaxThinkingTokens; n > 0 {
			env["MAX_THINKING_TOKENS"] = strconv.Itoa(n)
		}
		if n := current.AgentLimits.MaxTurns; n > 0 {
			env["MAX_TURNS"] = strconv.Itoa(n)
		}
		if v := current.AgentLimits.MaxBudgetUSD; v > 0 {
			env["MAX_BUDGET_USD"] = strconv.FormatFloat(v, 'f', -1, 64)
		}

		var memoryBytes int64
		if limit := current.Container.ResourceLimits.Memory; limit != "" {
			memoryBytes, err = runtime.ParseMemoryLimit(limit)
			if err != nil {
				return runtime.RunRequest{}, apperr.Wrap(apperr.KindValidation, "invalid memory limit in settings", err)
			}
		}

		image := current.Container.AgentImage
		if image == "" {
			image = cfg.Container.DefaultImage
		}

		return runtime.RunRequest{
			AgentSlug: agentSlug,
			Image:     image,
			Env:       env,
			Mounts: []runtime.Mount{
				{
					Source: filepath.Join(cfg.AgentsDir(), agentSlug, "workspace"),
					Target: "/workspace",
				},
			},
			CPU:         current.Container.ResourceLimits.CPU,
			MemoryBytes: memoryBytes,
		}, nil
	}
}
