package accounts

import (
	"context"
	"strings"

	"go.uber.org/zap"

	"github.com/agentdesk/agentdesk/internal/common/apperr"
	"github.com/agentdesk/agentdesk/internal/common/logger"
)

// Service drives account flows over the store and the broker client.
type Service struct {
	store    *Store
	composio *ComposioClient
	logger   *logger.Logger
}

// NewService creates the accounts service.
func NewService(store *Store, composio *ComposioClient, log *logger.Logger) *Service {
	return &Service{
		store:    store,
		composio: composio,
		logger:   log.WithFields(zap.String("component", "accounts")),
	}
}

// Store exposes the underlying store to collaborators (the credential
// proxy resolves accounts through it).
func (s *Service) Store() *Store { return s.store }

// Composio exposes the broker client.
func (s *Service) Composio() *ComposioClient { return s.composio }

// List returns all connected accounts.
func (s *Service) List() ([]Account, error) {
	return s.store.List()
}

// Initiate starts a broker connection flow for a toolkit.
func (s *Service) Initiate(ctx context.Context, toolkitSlug, callbackURL string) (InitiateResult, error) {
	toolkitSlug = strings.ToLower(strings.TrimSpace(toolkitSlug))
	if toolkitSlug == "" {
		return InitiateResult{}, apperr.New(apperr.KindValidation, "toolkit is required")
	}

	res, err := s.composio.Initiate(ctx, toolkitSlug, callbackURL)
	if err != nil {
		return InitiateResult{}, err
	}
	s.logger.Info("connection initiated",
		zap.String("toolkit", toolkitSlug),
		zap.String("connection_id", res.ConnectionID))
	return res, nil
}

// Complete verifies the connection became active at the broker and stores
// it as a connected account.
func (s *Service) Complete(ctx context.Context, toolkitSlug, connectionID, displayName string) (Account, error) {
	if connectionID == "" {
		return Account{}, apperr.New(apperr.KindValidation, "connection id is required")
	}

	status, err := s.composio.ConnectionStatus(ctx, connectionID)
	if err != nil {
		return Account{}, err
	}
	if !strings.EqualFold(status, "ACTIVE") {
		return Account{}, apperr.Newf(apperr.KindConflict, "connection is not active (status %s)", status)
	}

	if displayName == "" {
		displayName = toolkitSlug + " account"
	}
	account, err := s.store.Create(toolkitSlug, connectionID, displayName)
	if err != nil {
		return Account{}, err
	}
	s.logger.Info("account connected",
		zap.String("toolkit", toolkitSlug),
		zap.String("account_id", account.ID))
	return account, nil
}

// Rename updates the account's display name.
func (s *Service) Rename(id, displayName string) error {
	if strings.TrimSpace(displayName) == "" {
		return apperr.New(apperr.KindValidation, "display name is required")
	}
	return s.store.Rename(id, displayName)
}

// Delete removes the account and all its agent mappings.
func (s *Service) Delete(id string) error {
	if err := s.store.Delete(id); err != nil {
		return err
	}
	s.logger.Info("account deleted", zap.String("account_id", id))
	return nil
}

// MapToAgent binds an account to an agent.
func (s *Service) MapToAgent(agentSlug, accountID string) error {
	return s.store.MapToAgent(agentSlug, accountID)
}

// UnmapFromAgent removes a binding.
func (s *Service) UnmapFromAgent(agentSlug, accountID string) error {
	return s.store.UnmapFromAgent(agentSlug, accountID)
}
