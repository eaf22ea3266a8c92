package server

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/agentdesk/agentdesk/internal/common/apperr"
	"github.com/agentdesk/agentdesk/internal/events"
)

func (s *Server) launchHostBrowser(c *gin.Context) {
	var req struct {
		AgentID   string `json:"agentId"`
		ProfileID string `json:"profileId"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || req.AgentID == "" {
		respondError(c, apperr.New(apperr.KindValidation, "agentId is required"))
		return
	}

	profileID := req.ProfileID
	if profileID == "" {
		// Fall back to the profile chosen during setup, when any.
		if current, err := s.deps.Settings.Load(); err == nil {
			profileID = current.App.ChromeProfileID
		}
	}

	port, err := s.deps.Browsers.EnsureRunning(c.Request.Context(), req.AgentID, profileID)
	if err != nil {
		respondError(c, err)
		return
	}

	events.Publish(c.Request.Context(), s.deps.Bus, "hostbrowser", events.BrowserActive,
		events.BrowserActivePayload{AgentID: req.AgentID, Active: true, Port: port})
	c.JSON(http.StatusOK, gin.H{"port": port})
}

func (s *Server) stopHostBrowser(c *gin.Context) {
	var req struct {
		AgentID string `json:"agentId"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || req.AgentID == "" {
		respondError(c, apperr.New(apperr.KindValidation, "agentId is required"))
		return
	}

	s.deps.Browsers.StopAgent(req.AgentID)
	events.Publish(c.Request.Context(), s.deps.Bus, "hostbrowser", events.BrowserActive,
		events.BrowserActivePayload{AgentID: req.AgentID, Active: false})
	c.Status(http.StatusNoContent)
}

func (s *Server) listNotifications(c *gin.Context) {
	list, err := s.deps.Notifications.List(intQuery(c, "limit", 0))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"notifications": list})
}

func (s *Server) unreadNotifications(c *gin.Context) {
	count, err := s.deps.Notifications.UnreadCount()
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"count": count})
}

func (s *Server) markNotificationRead(c *gin.Context) {
	if err := s.deps.Notifications.MarkRead(c.Param("id")); err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) markAllNotificationsRead(c *gin.Context) {
	if err := s.deps.Notifications.MarkAllRead(); err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}
