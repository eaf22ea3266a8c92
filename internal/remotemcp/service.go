package remotemcp

import (
	"context"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/agentdesk/agentdesk/internal/common/apperr"
	"github.com/agentdesk/agentdesk/internal/common/logger"
)

// Service drives remote MCP server registration, probing, and discovery.
type Service struct {
	store       *Store
	flows       *oauthFlows
	redirectURL string
	httpClient  *http.Client
	logger      *logger.Logger
}

// NewService creates the service. redirectURL is the absolute URL of the
// OAuth callback endpoint this process serves.
func NewService(store *Store, redirectURL string, log *logger.Logger) *Service {
	return &Service{
		store:       store,
		flows:       newOAuthFlows(),
		redirectURL: redirectURL,
		httpClient:  &http.Client{Timeout: 30 * time.Second},
		logger:      log,
	}
}

// Store exposes the underlying store for read paths.
func (s *Service) Store() *Store { return s.store }

// List returns all registered servers.
func (s *Service) List() ([]Server, error) {
	return s.store.List()
}

// Get returns one server.
func (s *Service) Get(id string) (Server, error) {
	return s.store.Get(id)
}

// Create registers a bearer or no-auth server after a successful
// connection probe. OAuth servers are only registered via the OAuth flow.
func (s *Service) Create(ctx context.Context, name, serverURL, authType, accessToken string) (Server, error) {
	name = strings.TrimSpace(name)
	serverURL = strings.TrimSpace(serverURL)
	if name == "" || serverURL == "" {
		return Server{}, apperr.New(apperr.KindValidation, "name and url are required")
	}

	switch authType {
	case AuthNone, AuthBearer:
	case AuthOAuth:
		return Server{}, apperr.New(apperr.KindValidation, "OAuth servers must be registered via the OAuth flow")
	default:
		return Server{}, apperr.Newf(apperr.KindValidation, "unknown auth type %q", authType)
	}
	if authType == AuthBearer && accessToken == "" {
		return Server{}, apperr.New(apperr.KindValidation, "bearer auth requires an access token")
	}

	if err := probe(ctx, serverURL, accessToken); err != nil {
		return Server{}, err
	}

	server, err := s.store.Create(Server{
		Name:        name,
		URL:         serverURL,
		AuthType:    authType,
		AccessToken: accessToken,
		Status:      StatusActive,
	})
	if err != nil {
		return Server{}, err
	}

	if toolsJSON, derr := discoverTools(ctx, server.URL, server.AccessToken); derr == nil {
		if err := s.store.SetTools(server.ID, toolsJSON); err == nil {
			server.ToolsJSON = toolsJSON
		}
	} else {
		s.logger.Warn("initial tool discovery failed",
			zap.String("server_id", server.ID), zap.Error(derr))
	}
	return server, nil
}

// UpdateRequest carries the mutable PATCH fields. Nil means unchanged.
type UpdateRequest struct {
	Name        *string `json:"name"`
	URL         *string `json:"url"`
	AccessToken *string `json:"accessToken"`
}

// Update applies a partial update to a server.
func (s *Service) Update(id string, req UpdateRequest) (Server, error) {
	server, err := s.store.Get(id)
	if err != nil {
		return Server{}, err
	}
	if req.Name != nil {
		if strings.TrimSpace(*req.Name) == "" {
			return Server{}, apperr.New(apperr.KindValidation, "name cannot be empty")
		}
		server.Name = strings.TrimSpace(*req.Name)
	}
	if req.URL != nil {
		if strings.TrimSpace(*req.URL) == "" {
			return Server{}, apperr.New(apperr.KindValidation, "url cannot be empty")
		}
		server.URL = strings.TrimSpace(*req.URL)
	}
	if req.AccessToken != nil {
		if server.AuthType == AuthOAuth {
			return Server{}, apperr.New(apperr.KindValidation, "tokens of OAuth servers are managed by the OAuth flow")
		}
		server.AccessToken = *req.AccessToken
	}
	if err := s.store.Update(server); err != nil {
		return Server{}, err
	}
	return s.store.Get(id)
}

// Delete removes a server.
func (s *Service) Delete(id string) error {
	return s.store.Delete(id)
}

// TestConnection probes a registered server and records the resulting
// status transition.
func (s *Service) TestConnection(ctx context.Context, id string) (Server, error) {
	server, err := s.store.Get(id)
	if err != nil {
		return Server{}, err
	}

	if perr := probe(ctx, server.URL, server.AccessToken); perr != nil {
		status := StatusError
		if server.AuthType == AuthOAuth && isAuthError(perr) {
			status = StatusAuthRequired
		}
		if err := s.store.SetStatus(id, status, perr.Error()); err != nil {
			return Server{}, err
		}
		return s.store.Get(id)
	}

	if err := s.store.SetStatus(id, StatusActive, ""); err != nil {
		return Server{}, err
	}
	return s.store.Get(id)
}

// DiscoverTools refreshes the server's tool list, updating status on the way.
func (s *Service) DiscoverTools(ctx context.Context, id string) (Server, error) {
	server, err := s.store.Get(id)
	if err != nil {
		return Server{}, err
	}

	toolsJSON, derr := discoverTools(ctx, server.URL, server.AccessToken)
	if derr != nil {
		status := StatusError
		if server.AuthType == AuthOAuth && isAuthError(derr) {
			status = StatusAuthRequired
		}
		if err := s.store.SetStatus(id, status, derr.Error()); err != nil {
			return Server{}, err
		}
		return Server{}, derr
	}

	if err := s.store.SetTools(id, toolsJSON); err != nil {
		return Server{}, err
	}
	if err := s.store.SetStatus(id, StatusActive, ""); err != nil {
		return Server{}, err
	}
	return s.store.Get(id)
}
