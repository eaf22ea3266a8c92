package server

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/agentdesk/agentdesk/internal/common/apperr"
)

func (s *Server) listAgentTasks(c *gin.Context) {
	tasks, err := s.deps.Scheduler.Store().ListByAgent(c.Param("slug"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"tasks": tasks})
}

func (s *Server) createTask(c *gin.Context) {
	var req struct {
		Name       string     `json:"name"`
		Prompt     string     `json:"prompt"`
		Recurrence string     `json:"recurrence"`
		FirstRunAt *time.Time `json:"firstRunAt"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, apperr.Wrap(apperr.KindValidation, "invalid request body", err))
		return
	}

	slug := c.Param("slug")
	if !s.deps.Agents.Exists(slug) {
		respondError(c, apperr.Newf(apperr.KindNotFound, "agent %s not found", slug))
		return
	}

	var firstRun time.Time
	if req.FirstRunAt != nil {
		firstRun = *req.FirstRunAt
	}
	task, err := s.deps.Scheduler.CreateTask(slug, req.Name, req.Prompt, req.Recurrence, firstRun)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, task)
}

func (s *Server) getTask(c *gin.Context) {
	task, err := s.deps.Scheduler.Store().Get(c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, task)
}

func (s *Server) listTaskSessions(c *gin.Context) {
	sessions, err := s.deps.Scheduler.SessionsForTask(c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"sessions": sessions})
}

func (s *Server) deleteTask(c *gin.Context) {
	if err := s.deps.Scheduler.Store().Delete(c.Param("id")); err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) cancelTask(c *gin.Context) {
	if err := s.deps.Scheduler.Store().Cancel(c.Param("id")); err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) resetTask(c *gin.Context) {
	task, err := s.deps.Scheduler.Store().Reset(c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, task)
}
