package server

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/agentdesk/agentdesk/internal/common/apperr"
	"github.com/agentdesk/agentdesk/internal/remotemcp"
)

func (s *Server) listRemoteMCPs(c *gin.Context) {
	list, err := s.deps.RemoteMCPs.List()
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"servers": list})
}

func (s *Server) createRemoteMCP(c *gin.Context) {
	var req struct {
		Name        string `json:"name"`
		URL         string `json:"url"`
		AuthType    string `json:"authType"`
		AccessToken string `json:"accessToken"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, apperr.Wrap(apperr.KindValidation, "invalid request body", err))
		return
	}
	if req.AuthType == "" {
		req.AuthType = remotemcp.AuthNone
	}

	server, err := s.deps.RemoteMCPs.Create(c.Request.Context(), req.Name, req.URL, req.AuthType, req.AccessToken)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, server)
}

func (s *Server) getRemoteMCP(c *gin.Context) {
	server, err := s.deps.RemoteMCPs.Get(c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, server)
}

func (s *Server) updateRemoteMCP(c *gin.Context) {
	var req remotemcp.UpdateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, apperr.Wrap(apperr.KindValidation, "invalid request body", err))
		return
	}
	server, err := s.deps.RemoteMCPs.Update(c.Param("id"), req)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, server)
}

func (s *Server) deleteRemoteMCP(c *gin.Context) {
	if err := s.deps.RemoteMCPs.Delete(c.Param("id")); err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) discoverRemoteMCPTools(c *gin.Context) {
	server, err := s.deps.RemoteMCPs.DiscoverTools(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, server)
}

func (s *Server) testRemoteMCPConnection(c *gin.Context) {
	server, err := s.deps.RemoteMCPs.TestConnection(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, server)
}

func (s *Server) initiateRemoteMCPOAuth(c *gin.Context) {
	var req struct {
		Name string `json:"name"`
		URL  string `json:"url"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, apperr.Wrap(apperr.KindValidation, "invalid request body", err))
		return
	}
	authURL, err := s.deps.RemoteMCPs.InitiateOAuth(c.Request.Context(), req.Name, req.URL)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"authorizationUrl": authURL})
}

// remoteMCPOAuthCallback lands in the user's browser; it finishes the
// exchange and tells them to return to the app.
func (s *Server) remoteMCPOAuthCallback(c *gin.Context) {
	state := c.Query("state")
	code := c.Query("code")
	if errMsg := c.Query("error"); errMsg != "" {
		c.Data(http.StatusBadRequest, "text/html; charset=utf-8",
			[]byte("<html><body><h3>Authorization failed: "+errMsg+"</h3></body></html>"))
		return
	}

	server, err := s.deps.RemoteMCPs.CompleteOAuth(c.Request.Context(), state, code)
	if err != nil {
		respondError(c, err)
		return
	}
	c.Data(http.StatusOK, "text/html; charset=utf-8",
		[]byte("<html><body><h3>"+server.Name+" connected. You can close this window.</h3></body></html>"))
}
