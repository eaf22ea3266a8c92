package accounts

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/agentdesk/agentdesk/internal/common/apperr"
	"github.com/agentdesk/agentdesk/internal/common/config"
)

// ComposioClient talks to the upstream credential broker. The broker owns
// the OAuth dance with third-party services; we only initiate connections,
// poll their status and retrieve short-lived access tokens.
type ComposioClient struct {
	baseURL    string
	apiKey     string
	userID     string
	httpClient *http.Client
}

// NewComposioClient creates a broker client from config.
func NewComposioClient(cfg config.ComposioConfig) *ComposioClient {
	return &ComposioClient{
		baseURL:    cfg.BaseURL,
		apiKey:     cfg.APIKey,
		userID:     cfg.UserID,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

// Configured reports whether broker credentials are present.
func (c *ComposioClient) Configured() bool {
	return c.apiKey != "" && c.userID != ""
}

// InitiateResult carries the redirect the user must visit to authorize.
type InitiateResult struct {
	ConnectionID string `json:"connectionId"`
	RedirectURL  string `json:"redirectUrl"`
}

// BrokerToken is a short-lived upstream access token.
type BrokerToken struct {
	AccessToken string
	ExpiresAt   time.Time
}

// Initiate starts a connection flow for a toolkit, returning the URL the
// user must visit.
func (c *ComposioClient) Initiate(ctx context.Context, toolkitSlug, callbackURL string) (InitiateResult, error) {
	if !c.Configured() {
		return InitiateResult{}, apperr.New(apperr.KindValidation, "composio api key and user id are not configured")
	}

	body := map[string]any{
		"toolkit_slug": toolkitSlug,
		"user_id":      c.userID,
		"callback_url": callbackURL,
	}
	var resp struct {
		ID          string `json:"id"`
		RedirectURL string `json:"redirect_url"`
	}
	if err := c.do(ctx, http.MethodPost, "/api/v3/connected_accounts/initiate", body, &resp); err != nil {
		return InitiateResult{}, err
	}
	return InitiateResult{ConnectionID: resp.ID, RedirectURL: resp.RedirectURL}, nil
}

// ConnectionStatus reports whether a pending connection has become active.
func (c *ComposioClient) ConnectionStatus(ctx context.Context, connectionID string) (string, error) {
	var resp struct {
		Status string `json:"status"`
	}
	path := "/api/v3/connected_accounts/" + connectionID
	if err := c.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return "", err
	}
	return resp.Status, nil
}

// AccessToken retrieves the current upstream token for a connection.
func (c *ComposioClient) AccessToken(ctx context.Context, connectionID string) (BrokerToken, error) {
	var resp struct {
		AccessToken string `json:"access_token"`
		ExpiresAt   string `json:"expires_at"`
	}
	path := "/api/v3/connected_accounts/" + connectionID + "/credentials"
	if err := c.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return BrokerToken{}, err
	}
	if resp.AccessToken == "" {
		return BrokerToken{}, apperr.New(apperr.KindUpstreamError, "credential broker returned no access token")
	}

	expiresAt := time.Now().Add(5 * time.Minute)
	if resp.ExpiresAt != "" {
		if t, err := time.Parse(time.RFC3339, resp.ExpiresAt); err == nil {
			expiresAt = t
		}
	}
	return BrokerToken{AccessToken: resp.AccessToken, ExpiresAt: expiresAt}, nil
}

func (c *ComposioClient) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return apperr.Wrap(apperr.KindInternal, "failed to marshal broker request", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return apperr.Wrap(apperr.KindInternal, "failed to build broker request", err)
	}
	req.Header.Set("x-api-key", c.apiKey)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return apperr.Wrap(apperr.KindUpstreamError, "credential broker request failed", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return apperr.New(apperr.KindUpstreamError,
			fmt.Sprintf("credential broker returned %d: %s", resp.StatusCode, string(data)))
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return apperr.Wrap(apperr.KindUpstreamError, "failed to decode broker response", err)
		}
	}
	return nil
}
