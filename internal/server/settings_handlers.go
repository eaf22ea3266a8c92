package server

import (
	"context"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/agentdesk/agentdesk/internal/common/apperr"
	"github.com/agentdesk/agentdesk/internal/runtime"
)

const anthropicModelsURL = "https://api.anthropic.com/v1/models"

func (s *Server) getSettings(c *gin.Context) {
	current, err := s.deps.Settings.Load()
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, current)
}

// putSettings validates the body against the closed field set, refuses
// runner and resource-limit changes while agents run, and applies runner
// and image changes to the container manager after persisting.
func (s *Server) putSettings(c *gin.Context) {
	raw, err := io.ReadAll(io.LimitReader(c.Request.Body, 1<<20))
	if err != nil {
		respondError(c, apperr.Wrap(apperr.KindValidation, "failed to read request body", err))
		return
	}

	merged, changes, err := s.deps.Settings.Apply(raw)
	if err != nil {
		respondError(c, err)
		return
	}

	if changes.Restricted() && s.deps.Containers.HasRunningAgents() {
		respondError(c, apperr.New(apperr.KindConflict,
			"cannot change container runner or resource limits while agents are running"))
		return
	}

	if changes.Runner {
		name, err := runtime.ParseName(merged.Container.ContainerRunner)
		if err != nil {
			respondError(c, apperr.Wrap(apperr.KindValidation, "invalid container runner", err))
			return
		}
		if err := s.deps.Containers.SwitchRunner(c.Request.Context(), name); err != nil {
			respondError(c, err)
			return
		}
	}

	if err := s.deps.Settings.Commit(merged); err != nil {
		respondError(c, err)
		return
	}

	if changes.Image {
		s.deps.Containers.SetImage(context.WithoutCancel(c.Request.Context()), merged.Container.AgentImage)
	}
	c.JSON(http.StatusOK, merged)
}

func (s *Server) runtimeStatus(c *gin.Context) {
	state, msg := s.deps.Containers.Readiness()
	c.JSON(http.StatusOK, gin.H{
		"runner":       string(s.deps.Containers.Runner()),
		"readiness":    string(state),
		"message":      msg,
		"availability": s.deps.Containers.Availability(),
	})
}

func (s *Server) startRunner(c *gin.Context) {
	// Body is optional; without one the configured runner is started.
	var req struct {
		Runner string `json:"runner"`
	}
	_ = c.ShouldBindJSON(&req)

	name := s.deps.Containers.Runner()
	if req.Runner != "" {
		parsed, err := runtime.ParseName(req.Runner)
		if err != nil {
			respondError(c, apperr.Wrap(apperr.KindValidation, "invalid container runner", err))
			return
		}
		name = parsed
	}

	if err := s.deps.Containers.StartRunner(context.WithoutCancel(c.Request.Context()), name); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"runner": string(name)})
}

func (s *Server) pullImage(c *gin.Context) {
	if err := s.deps.Containers.PullImage(); err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusAccepted)
}

func (s *Server) cancelPull(c *gin.Context) {
	s.deps.Containers.CancelPull()
	c.Status(http.StatusNoContent)
}

// validateAnthropicKey probes the Anthropic API with the supplied key, or
// the stored one when the body carries none. The key itself is never logged.
func (s *Server) validateAnthropicKey(c *gin.Context) {
	var req struct {
		APIKey string `json:"apiKey"`
	}
	_ = c.ShouldBindJSON(&req)

	key := req.APIKey
	if key == "" {
		current, err := s.deps.Settings.Load()
		if err != nil {
			respondError(c, err)
			return
		}
		key = current.APIKeys.AnthropicAPIKey
	}
	if key == "" {
		respondError(c, apperr.New(apperr.KindValidation, "no API key to validate"))
		return
	}

	probeCtx, cancel := context.WithTimeout(c.Request.Context(), 15*time.Second)
	defer cancel()
	httpReq, err := http.NewRequestWithContext(probeCtx, http.MethodGet, anthropicModelsURL, nil)
	if err != nil {
		respondError(c, apperr.Wrap(apperr.KindInternal, "failed to build probe request", err))
		return
	}
	httpReq.Header.Set("x-api-key", key)
	httpReq.Header.Set("anthropic-version", "2023-06-01")

	resp, err := http.DefaultClient.Do(httpReq)
	if err != nil {
		respondError(c, apperr.Wrap(apperr.KindUpstreamError, "could not reach the Anthropic API", err))
		return
	}
	defer resp.Body.Close()

	c.JSON(http.StatusOK, gin.H{"valid": resp.StatusCode == http.StatusOK})
}

// factoryReset stops everything, wipes user data, and recreates the
// on-disk skeleton. The process keeps running with empty state.
func (s *Server) factoryReset(c *gin.Context) {
	ctx := context.WithoutCancel(c.Request.Context())

	if s.deps.Scheduler != nil {
		s.deps.Scheduler.Stop()
	}
	if s.deps.AutoSleep != nil {
		s.deps.AutoSleep.Stop()
	}
	s.deps.Containers.StopAll(ctx)
	if s.deps.Browsers != nil {
		s.deps.Browsers.StopAll()
	}

	for _, table := range []string{
		"agent_accounts", "connected_accounts", "proxy_tokens", "audit_log",
		"scheduled_tasks", "remote_mcp_servers", "notifications",
	} {
		if _, err := s.deps.DB.Exec("DELETE FROM " + table); err != nil {
			s.logger.Warn("factory reset: failed to clear table",
				zap.String("table", table), zap.Error(err))
		}
	}

	for _, dir := range []string{s.deps.Cfg.AgentsDir(), s.deps.Cfg.BrowserProfilesDir()} {
		if err := os.RemoveAll(dir); err != nil {
			s.logger.Warn("factory reset: failed to remove directory",
				zap.String("dir", dir), zap.Error(err))
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			respondError(c, apperr.Wrap(apperr.KindInternal, "failed to recreate data directory", err))
			return
		}
	}

	if err := s.deps.Settings.Reset(); err != nil {
		respondError(c, err)
		return
	}

	// Restart the background loops over the now-empty state.
	if s.deps.Scheduler != nil {
		s.deps.Scheduler.Start()
	}
	if s.deps.AutoSleep != nil {
		s.deps.AutoSleep.Start()
	}

	s.logger.Info("factory reset complete", zap.String("data_dir", filepath.Clean(s.deps.Cfg.DataDir)))
	c.Status(http.StatusNoContent)
}
