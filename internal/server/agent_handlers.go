package server

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/agentdesk/agentdesk/internal/agentfs"
	"github.com/agentdesk/agentdesk/internal/common/apperr"
	"github.com/agentdesk/agentdesk/internal/container"
)

// agentView is the API shape of an agent plus its live container status.
type agentView struct {
	agentfs.Agent
	Status   string   `json:"status"`
	Port     int      `json:"port,omitempty"`
	Warnings []string `json:"warnings,omitempty"`
}

func (s *Server) agentView(agent agentfs.Agent) agentView {
	st := s.deps.Containers.Status(agent.Slug)
	return agentView{
		Agent:    agent,
		Status:   string(st.Status),
		Port:     st.Port,
		Warnings: st.Warnings,
	}
}

func (s *Server) listAgents(c *gin.Context) {
	agents, err := s.deps.Agents.ListAgents()
	if err != nil {
		respondError(c, err)
		return
	}
	views := make([]agentView, 0, len(agents))
	for _, agent := range agents {
		views = append(views, s.agentView(agent))
	}
	c.JSON(http.StatusOK, gin.H{"agents": views})
}

func (s *Server) createAgent(c *gin.Context) {
	var req struct {
		Name         string `json:"name"`
		Description  string `json:"description"`
		Instructions string `json:"instructions"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, apperr.Wrap(apperr.KindValidation, "invalid request body", err))
		return
	}
	if req.Name == "" {
		respondError(c, apperr.New(apperr.KindValidation, "agent name is required"))
		return
	}

	agent, err := s.deps.Agents.CreateAgent(req.Name, req.Description, req.Instructions)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, s.agentView(agent))
}

func (s *Server) getAgent(c *gin.Context) {
	slug := c.Param("slug")
	agent, err := s.deps.Agents.GetAgent(slug)
	if err != nil {
		respondError(c, err)
		return
	}
	instructions, err := s.deps.Agents.GetInstructions(slug)
	if err != nil {
		respondError(c, err)
		return
	}
	view := s.agentView(agent)
	c.JSON(http.StatusOK, gin.H{"agent": view, "instructions": instructions})
}

func (s *Server) updateAgent(c *gin.Context) {
	var req struct {
		Name         string  `json:"name"`
		Description  string  `json:"description"`
		Instructions *string `json:"instructions"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, apperr.Wrap(apperr.KindValidation, "invalid request body", err))
		return
	}

	agent, err := s.deps.Agents.UpdateAgent(c.Param("slug"), req.Name, req.Description, req.Instructions)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, s.agentView(agent))
}

// deleteAgent tears down everything attached to the agent: container,
// browser, proxy token, account mappings, then the directory tree.
func (s *Server) deleteAgent(c *gin.Context) {
	slug := c.Param("slug")
	if !s.deps.Agents.Exists(slug) {
		respondError(c, apperr.Newf(apperr.KindNotFound, "agent %s not found", slug))
		return
	}

	if err := s.deps.Containers.StopAgent(c.Request.Context(), slug); err != nil {
		s.logger.Warn("failed to stop container during agent delete",
			zap.String("agent_slug", slug), zap.Error(err))
	}
	s.deps.Containers.Forget(slug)
	if s.deps.Browsers != nil {
		s.deps.Browsers.StopAgent(slug)
	}
	if err := s.deps.Proxy.Tokens().Revoke(slug); err != nil {
		s.logger.Warn("failed to revoke proxy token",
			zap.String("agent_slug", slug), zap.Error(err))
	}
	if err := s.deps.Accounts.Store().UnmapAgent(slug); err != nil {
		s.logger.Warn("failed to unmap accounts",
			zap.String("agent_slug", slug), zap.Error(err))
	}
	if err := s.deps.Agents.DeleteAgent(slug); err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) startAgent(c *gin.Context) {
	slug := c.Param("slug")
	if !s.deps.Agents.Exists(slug) {
		respondError(c, apperr.Newf(apperr.KindNotFound, "agent %s not found", slug))
		return
	}

	// Container starts can take most of a minute; do not tie them to the
	// request socket.
	st, err := s.deps.Containers.StartAgent(context.WithoutCancel(c.Request.Context()), slug)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": string(st.Status), "port": st.Port})
}

func (s *Server) stopAgent(c *gin.Context) {
	slug := c.Param("slug")
	if !s.deps.Agents.Exists(slug) {
		respondError(c, apperr.Newf(apperr.KindNotFound, "agent %s not found", slug))
		return
	}
	if err := s.deps.Containers.StopAgent(context.WithoutCancel(c.Request.Context()), slug); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": string(container.StatusStopped)})
}

func (s *Server) listAuditLog(c *gin.Context) {
	slug := c.Param("slug")
	offset := intQuery(c, "offset", 0)
	limit := intQuery(c, "limit", 0)

	entries, err := s.deps.Proxy.Audit().List(slug, offset, limit)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"entries": entries})
}
