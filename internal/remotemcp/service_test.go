package remotemcp

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"strings"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentdesk/agentdesk/internal/common/apperr"
	"github.com/agentdesk/agentdesk/internal/common/logger"
	"github.com/agentdesk/agentdesk/internal/db"
)

func newTestService(t *testing.T) *Service {
	t.Helper()
	database, err := db.Open(filepath.Join(t.TempDir(), "app.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = database.Close() })

	store, err := NewStore(database)
	require.NoError(t, err)
	return NewService(store, "http://127.0.0.1:8317/api/remote-mcps/oauth-callback", logger.Default())
}

// startMCPServer runs a real MCP server over streamable HTTP with one tool.
// requireBearer, when set, rejects requests without that bearer token.
func startMCPServer(t *testing.T, requireBearer string) string {
	t.Helper()
	srv := mcpserver.NewMCPServer("fixture", "1.0.0", mcpserver.WithToolCapabilities(false))
	srv.AddTool(
		mcp.NewTool("echo", mcp.WithDescription("Echoes its input back")),
		func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			return mcp.NewToolResultText("ok"), nil
		},
	)

	var handler http.Handler = mcpserver.NewStreamableHTTPServer(srv)
	if requireBearer != "" {
		inner := handler
		handler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Header.Get("Authorization") != "Bearer "+requireBearer {
				http.Error(w, "Unauthorized", http.StatusUnauthorized)
				return
			}
			inner.ServeHTTP(w, r)
		})
	}

	ts := httptest.NewServer(handler)
	t.Cleanup(ts.Close)
	return ts.URL + "/mcp"
}

func TestCreateProbesAndDiscoversTools(t *testing.T) {
	svc := newTestService(t)
	serverURL := startMCPServer(t, "")

	server, err := svc.Create(context.Background(), "fixture", serverURL, AuthNone, "")
	require.NoError(t, err)
	assert.Equal(t, StatusActive, server.Status)
	assert.Contains(t, server.ToolsJSON, `"echo"`)
	require.NotNil(t, server.ToolsDiscoveredAt)

	got, err := svc.Get(server.ID)
	require.NoError(t, err)
	assert.Contains(t, got.ToolsJSON, "Echoes its input back")
}

func TestCreateRejectsOAuthType(t *testing.T) {
	svc := newTestService(t)
	_, err := svc.Create(context.Background(), "x", "http://example.invalid/mcp", AuthOAuth, "")
	assert.Equal(t, apperr.KindValidation, apperr.KindOf(err))
}

func TestCreateBearerRequiresToken(t *testing.T) {
	svc := newTestService(t)
	_, err := svc.Create(context.Background(), "x", "http://example.invalid/mcp", AuthBearer, "")
	assert.Equal(t, apperr.KindValidation, apperr.KindOf(err))
}

func TestCreateFailsWhenUnreachable(t *testing.T) {
	svc := newTestService(t)
	_, err := svc.Create(context.Background(), "dead", "http://127.0.0.1:1/mcp", AuthNone, "")
	assert.Equal(t, apperr.KindUpstreamError, apperr.KindOf(err))

	// Nothing was persisted.
	list, err := svc.List()
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestCreateWithBearerAuth(t *testing.T) {
	svc := newTestService(t)
	serverURL := startMCPServer(t, "sekrit")

	_, err := svc.Create(context.Background(), "locked", serverURL, AuthNone, "")
	assert.Equal(t, apperr.KindUpstreamError, apperr.KindOf(err))

	server, err := svc.Create(context.Background(), "locked", serverURL, AuthBearer, "sekrit")
	require.NoError(t, err)
	assert.Equal(t, StatusActive, server.Status)
}

func TestTestConnectionTransitionsStatus(t *testing.T) {
	svc := newTestService(t)
	serverURL := startMCPServer(t, "")

	server, err := svc.Create(context.Background(), "fixture", serverURL, AuthNone, "")
	require.NoError(t, err)

	deadURL := "http://127.0.0.1:1/mcp"
	_, err = svc.Update(server.ID, UpdateRequest{URL: &deadURL})
	require.NoError(t, err)

	got, err := svc.TestConnection(context.Background(), server.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusError, got.Status)
	assert.NotEmpty(t, got.ErrorMessage)

	_, err = svc.Update(server.ID, UpdateRequest{URL: &serverURL})
	require.NoError(t, err)

	got, err = svc.TestConnection(context.Background(), server.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusActive, got.Status)
	assert.Empty(t, got.ErrorMessage)
}

func TestDiscoverToolsMarksOAuthServerAuthRequired(t *testing.T) {
	svc := newTestService(t)
	serverURL := startMCPServer(t, "valid-token")

	// Seed an OAuth server whose token the upstream no longer accepts.
	seeded, err := svc.Store().Create(Server{
		Name:        "expired",
		URL:         serverURL,
		AuthType:    AuthOAuth,
		AccessToken: "stale-token",
		Status:      StatusActive,
	})
	require.NoError(t, err)

	_, err = svc.DiscoverTools(context.Background(), seeded.ID)
	require.Error(t, err)

	got, err := svc.Get(seeded.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusAuthRequired, got.Status)
}

func TestUpdateValidation(t *testing.T) {
	svc := newTestService(t)
	serverURL := startMCPServer(t, "")

	server, err := svc.Create(context.Background(), "fixture", serverURL, AuthNone, "")
	require.NoError(t, err)

	empty := "  "
	_, err = svc.Update(server.ID, UpdateRequest{Name: &empty})
	assert.Equal(t, apperr.KindValidation, apperr.KindOf(err))

	renamed := "renamed"
	got, err := svc.Update(server.ID, UpdateRequest{Name: &renamed})
	require.NoError(t, err)
	assert.Equal(t, "renamed", got.Name)

	_, err = svc.Update("missing", UpdateRequest{Name: &renamed})
	assert.Equal(t, apperr.KindNotFound, apperr.KindOf(err))
}

func TestDeleteServer(t *testing.T) {
	svc := newTestService(t)
	serverURL := startMCPServer(t, "")

	server, err := svc.Create(context.Background(), "fixture", serverURL, AuthNone, "")
	require.NoError(t, err)

	require.NoError(t, svc.Delete(server.ID))
	err = svc.Delete(server.ID)
	assert.Equal(t, apperr.KindNotFound, apperr.KindOf(err))
}

// startOAuthProvider serves authorization-server metadata, dynamic client
// registration, and a token endpoint, recording what it saw.
func startOAuthProvider(t *testing.T) (*httptest.Server, *oauthProviderState) {
	t.Helper()
	state := &oauthProviderState{}
	mux := http.NewServeMux()
	var ts *httptest.Server

	mux.HandleFunc("/.well-known/oauth-authorization-server", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{
			"authorization_endpoint": ts.URL + "/authorize",
			"token_endpoint":         ts.URL + "/token",
			"registration_endpoint":  ts.URL + "/register",
		})
	})
	mux.HandleFunc("/register", func(w http.ResponseWriter, r *http.Request) {
		state.registered = true
		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(map[string]string{"client_id": "dyn-client-42"})
	})
	mux.HandleFunc("/token", func(w http.ResponseWriter, r *http.Request) {
		r.ParseForm()
		state.tokenCode = r.FormValue("code")
		state.tokenVerifier = r.FormValue("code_verifier")
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"access_token":  "at-123",
			"refresh_token": "rt-456",
			"token_type":    "Bearer",
			"expires_in":    3600,
		})
	})

	ts = httptest.NewServer(mux)
	t.Cleanup(ts.Close)
	return ts, state
}

type oauthProviderState struct {
	registered    bool
	tokenCode     string
	tokenVerifier string
}

func TestOAuthFlowRegistersServer(t *testing.T) {
	svc := newTestService(t)
	provider, providerState := startOAuthProvider(t)

	authURL, err := svc.InitiateOAuth(context.Background(), "gh-tools", provider.URL+"/mcp")
	require.NoError(t, err)

	parsed, err := url.Parse(authURL)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(authURL, provider.URL+"/authorize"))
	assert.Equal(t, "dyn-client-42", parsed.Query().Get("client_id"))
	assert.NotEmpty(t, parsed.Query().Get("code_challenge"))
	assert.True(t, providerState.registered)

	oauthState := parsed.Query().Get("state")
	require.NotEmpty(t, oauthState)

	server, err := svc.CompleteOAuth(context.Background(), oauthState, "the-code")
	require.NoError(t, err)
	assert.Equal(t, AuthOAuth, server.AuthType)
	assert.Equal(t, "at-123", server.AccessToken)
	assert.Equal(t, "rt-456", server.RefreshToken)
	assert.Equal(t, StatusActive, server.Status)
	assert.Equal(t, "the-code", providerState.tokenCode)
	assert.NotEmpty(t, providerState.tokenVerifier)

	// The state is single-use.
	_, err = svc.CompleteOAuth(context.Background(), oauthState, "the-code")
	assert.Equal(t, apperr.KindNotFound, apperr.KindOf(err))
}

func TestCompleteOAuthUnknownState(t *testing.T) {
	svc := newTestService(t)
	_, err := svc.CompleteOAuth(context.Background(), "never-issued", "code")
	assert.Equal(t, apperr.KindNotFound, apperr.KindOf(err))
}

func TestInitiateOAuthFailsWithoutMetadata(t *testing.T) {
	svc := newTestService(t)
	ts := httptest.NewServer(http.NotFoundHandler())
	t.Cleanup(ts.Close)

	_, err := svc.InitiateOAuth(context.Background(), "x", ts.URL+"/mcp")
	assert.Equal(t, apperr.KindUpstreamError, apperr.KindOf(err))
}
