package server

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/agentdesk/agentdesk/internal/common/apperr"
)

func (s *Server) listSessions(c *gin.Context) {
	sessions, err := s.deps.Agents.ListSessions(c.Param("slug"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"sessions": sessions})
}

func (s *Server) createSession(c *gin.Context) {
	var req struct {
		SessionID string `json:"sessionId"`
		Name      string `json:"name"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, apperr.Wrap(apperr.KindValidation, "invalid request body", err))
		return
	}
	if req.SessionID == "" {
		req.SessionID = uuid.NewString()
	}

	slug := c.Param("slug")
	if err := s.deps.Agents.RegisterSession(slug, req.SessionID, req.Name, ""); err != nil {
		respondError(c, err)
		return
	}
	session, err := s.deps.Agents.GetSession(slug, req.SessionID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, session)
}

func (s *Server) getSession(c *gin.Context) {
	slug := c.Param("slug")
	sessionID := c.Param("sessionId")

	session, err := s.deps.Agents.GetSession(slug, sessionID)
	if err != nil {
		respondError(c, err)
		return
	}
	messages, err := s.deps.Agents.GetSessionMessages(slug, sessionID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"session": session, "messages": messages})
}

func (s *Server) renameSession(c *gin.Context) {
	var req struct {
		Name string `json:"name"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || req.Name == "" {
		respondError(c, apperr.New(apperr.KindValidation, "name is required"))
		return
	}
	if err := s.deps.Agents.RenameSession(c.Param("slug"), c.Param("sessionId"), req.Name); err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) deleteSession(c *gin.Context) {
	if err := s.deps.Agents.DeleteSession(c.Param("slug"), c.Param("sessionId")); err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// intQuery parses an integer query parameter, falling back on def.
func intQuery(c *gin.Context, name string, def int) int {
	raw := c.Query(name)
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return n
}
