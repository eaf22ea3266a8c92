package remotemcp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/oauth2"

	"github.com/agentdesk/agentdesk/internal/common/apperr"
)

const flowTTL = 10 * time.Minute

// authServerMetadata is the subset of RFC 8414 metadata the flow needs.
type authServerMetadata struct {
	AuthorizationEndpoint string `json:"authorization_endpoint"`
	TokenEndpoint         string `json:"token_endpoint"`
	RegistrationEndpoint  string `json:"registration_endpoint"`
}

// pendingFlow is one in-flight OAuth authorization, keyed by state.
type pendingFlow struct {
	serverName string
	serverURL  string
	verifier   string
	config     *oauth2.Config
	startedAt  time.Time
}

// oauthFlows tracks in-flight authorizations between initiate and callback.
type oauthFlows struct {
	mu    sync.Mutex
	flows map[string]*pendingFlow
}

func newOAuthFlows() *oauthFlows {
	return &oauthFlows{flows: make(map[string]*pendingFlow)}
}

func (f *oauthFlows) put(state string, flow *pendingFlow) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for k, v := range f.flows {
		if time.Since(v.startedAt) > flowTTL {
			delete(f.flows, k)
		}
	}
	f.flows[state] = flow
}

func (f *oauthFlows) take(state string) (*pendingFlow, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	flow, ok := f.flows[state]
	if ok {
		delete(f.flows, state)
	}
	if ok && time.Since(flow.startedAt) > flowTTL {
		return nil, false
	}
	return flow, ok
}

// discoverMetadata fetches the authorization server metadata for an MCP
// server URL, trying the standard well-known locations on its origin.
func discoverMetadata(ctx context.Context, client *http.Client, serverURL string) (authServerMetadata, error) {
	parsed, err := url.Parse(serverURL)
	if err != nil || parsed.Host == "" {
		return authServerMetadata{}, apperr.New(apperr.KindValidation, "invalid MCP server URL")
	}
	origin := parsed.Scheme + "://" + parsed.Host

	candidates := []string{
		origin + "/.well-known/oauth-authorization-server",
		origin + "/.well-known/openid-configuration",
	}
	var lastErr error
	for _, u := range candidates {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
		if err != nil {
			return authServerMetadata{}, apperr.Wrap(apperr.KindInternal, "failed to build metadata request", err)
		}
		resp, err := client.Do(req)
		if err != nil {
			lastErr = err
			continue
		}
		body, err := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
		resp.Body.Close()
		if err != nil || resp.StatusCode != http.StatusOK {
			lastErr = fmt.Errorf("metadata endpoint returned status %d", resp.StatusCode)
			continue
		}
		var meta authServerMetadata
		if err := json.Unmarshal(body, &meta); err != nil {
			lastErr = err
			continue
		}
		if meta.AuthorizationEndpoint != "" && meta.TokenEndpoint != "" {
			return meta, nil
		}
		lastErr = fmt.Errorf("metadata missing authorization or token endpoint")
	}
	return authServerMetadata{}, apperr.Wrap(apperr.KindUpstreamError, "OAuth metadata discovery failed", lastErr)
}

// registerClient performs RFC 7591 dynamic client registration. Used when
// the server exposes a registration endpoint; there is no pre-provisioned
// client for arbitrary user-supplied MCP servers.
func registerClient(ctx context.Context, client *http.Client, registrationEndpoint, redirectURL string) (clientID, clientSecret string, err error) {
	payload := map[string]any{
		"client_name":                "AgentDesk",
		"redirect_uris":              []string{redirectURL},
		"grant_types":                []string{"authorization_code", "refresh_token"},
		"response_types":             []string{"code"},
		"token_endpoint_auth_method": "none",
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return "", "", apperr.Wrap(apperr.KindInternal, "failed to encode registration request", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, registrationEndpoint, bytes.NewReader(body))
	if err != nil {
		return "", "", apperr.Wrap(apperr.KindInternal, "failed to build registration request", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return "", "", apperr.Wrap(apperr.KindUpstreamError, "client registration failed", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusOK {
		return "", "", apperr.Newf(apperr.KindUpstreamError, "client registration returned status %d", resp.StatusCode)
	}

	var result struct {
		ClientID     string `json:"client_id"`
		ClientSecret string `json:"client_secret"`
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, 64*1024)).Decode(&result); err != nil {
		return "", "", apperr.Wrap(apperr.KindUpstreamError, "failed to parse registration response", err)
	}
	if result.ClientID == "" {
		return "", "", apperr.New(apperr.KindUpstreamError, "registration response missing client_id")
	}
	return result.ClientID, result.ClientSecret, nil
}

// InitiateOAuth discovers the server's authorization metadata, registers a
// client when the server supports dynamic registration, and returns the
// authorization URL the shell should open in the user's browser.
func (s *Service) InitiateOAuth(ctx context.Context, name, serverURL string) (string, error) {
	if name == "" || serverURL == "" {
		return "", apperr.New(apperr.KindValidation, "name and url are required")
	}

	meta, err := discoverMetadata(ctx, s.httpClient, serverURL)
	if err != nil {
		return "", err
	}

	clientID := "agentdesk"
	clientSecret := ""
	if meta.RegistrationEndpoint != "" {
		clientID, clientSecret, err = registerClient(ctx, s.httpClient, meta.RegistrationEndpoint, s.redirectURL)
		if err != nil {
			return "", err
		}
	}

	cfg := &oauth2.Config{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		RedirectURL:  s.redirectURL,
		Endpoint: oauth2.Endpoint{
			AuthURL:  meta.AuthorizationEndpoint,
			TokenURL: meta.TokenEndpoint,
		},
	}

	state := uuid.NewString()
	verifier := oauth2.GenerateVerifier()
	s.flows.put(state, &pendingFlow{
		serverName: name,
		serverURL:  serverURL,
		verifier:   verifier,
		config:     cfg,
		startedAt:  time.Now(),
	})

	return cfg.AuthCodeURL(state, oauth2.S256ChallengeOption(verifier)), nil
}

// CompleteOAuth exchanges the callback code, persists the server with its
// tokens, and kicks off a best-effort tool discovery.
func (s *Service) CompleteOAuth(ctx context.Context, state, code string) (Server, error) {
	if state == "" || code == "" {
		return Server{}, apperr.New(apperr.KindValidation, "state and code are required")
	}
	flow, ok := s.flows.take(state)
	if !ok {
		return Server{}, apperr.New(apperr.KindNotFound, "unknown or expired OAuth state")
	}

	exchangeCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	exchangeCtx = context.WithValue(exchangeCtx, oauth2.HTTPClient, s.httpClient)

	token, err := flow.config.Exchange(exchangeCtx, code, oauth2.VerifierOption(flow.verifier))
	if err != nil {
		return Server{}, apperr.Wrap(apperr.KindUpstreamError, "OAuth code exchange failed", err)
	}

	server, err := s.store.Create(Server{
		Name:              flow.serverName,
		URL:               flow.serverURL,
		AuthType:          AuthOAuth,
		AccessToken:       token.AccessToken,
		RefreshToken:      token.RefreshToken,
		OAuthClientID:     flow.config.ClientID,
		OAuthClientSecret: flow.config.ClientSecret,
		Status:            StatusActive,
	})
	if err != nil {
		return Server{}, err
	}

	if toolsJSON, derr := discoverTools(ctx, server.URL, server.AccessToken); derr == nil {
		if err := s.store.SetTools(server.ID, toolsJSON); err == nil {
			server.ToolsJSON = toolsJSON
		}
	} else {
		s.logger.Warn("tool discovery after OAuth failed",
			zap.String("server_id", server.ID), zap.Error(derr))
	}
	return server, nil
}
