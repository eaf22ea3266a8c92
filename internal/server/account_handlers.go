package server

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/agentdesk/agentdesk/internal/common/apperr"
)

func (s *Server) listAccounts(c *gin.Context) {
	list, err := s.deps.Accounts.List()
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"accounts": list})
}

func (s *Server) initiateAccount(c *gin.Context) {
	var req struct {
		Toolkit     string `json:"toolkit"`
		CallbackURL string `json:"callbackUrl"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, apperr.Wrap(apperr.KindValidation, "invalid request body", err))
		return
	}
	if req.CallbackURL == "" {
		// Deep link back into the desktop shell once the provider redirects.
		req.CallbackURL = s.deps.Cfg.ProtocolScheme + "://connected-accounts/callback"
	}

	result, err := s.deps.Accounts.Initiate(c.Request.Context(), req.Toolkit, req.CallbackURL)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

func (s *Server) completeAccount(c *gin.Context) {
	var req struct {
		Toolkit      string `json:"toolkit"`
		ConnectionID string `json:"connectionId"`
		DisplayName  string `json:"displayName"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, apperr.Wrap(apperr.KindValidation, "invalid request body", err))
		return
	}
	if req.ConnectionID == "" {
		respondError(c, apperr.New(apperr.KindValidation, "connectionId is required"))
		return
	}

	account, err := s.deps.Accounts.Complete(c.Request.Context(), req.Toolkit, req.ConnectionID, req.DisplayName)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, account)
}

func (s *Server) renameAccount(c *gin.Context) {
	var req struct {
		DisplayName string `json:"displayName"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, apperr.Wrap(apperr.KindValidation, "invalid request body", err))
		return
	}
	if err := s.deps.Accounts.Rename(c.Param("id"), req.DisplayName); err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) deleteAccount(c *gin.Context) {
	if err := s.deps.Accounts.Delete(c.Param("id")); err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) listAgentAccounts(c *gin.Context) {
	slug := c.Param("slug")
	all, err := s.deps.Accounts.List()
	if err != nil {
		respondError(c, err)
		return
	}
	mapped := all[:0:0]
	for _, account := range all {
		for _, mappedSlug := range account.AgentSlugs {
			if mappedSlug == slug {
				mapped = append(mapped, account)
				break
			}
		}
	}
	c.JSON(http.StatusOK, gin.H{"accounts": mapped})
}

func (s *Server) mapAgentAccount(c *gin.Context) {
	var req struct {
		AccountID string `json:"accountId"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || req.AccountID == "" {
		respondError(c, apperr.New(apperr.KindValidation, "accountId is required"))
		return
	}
	if err := s.deps.Accounts.MapToAgent(c.Param("slug"), req.AccountID); err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) unmapAgentAccount(c *gin.Context) {
	if err := s.deps.Accounts.UnmapFromAgent(c.Param("slug"), c.Param("accountId")); err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}
