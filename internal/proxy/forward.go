package proxy

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/agentdesk/agentdesk/internal/accounts"
	"github.com/agentdesk/agentdesk/internal/common/apperr"
	"github.com/agentdesk/agentdesk/internal/common/config"
	"github.com/agentdesk/agentdesk/internal/common/logger"
)

// hop-by-hop headers never copied upstream
var hopHeaders = map[string]bool{
	"host":              true,
	"authorization":     true,
	"connection":        true,
	"content-length":    true,
	"transfer-encoding": true,
}

// brokerFetcher adapts the broker client to the cache's fetcher interface.
type brokerFetcher struct {
	client *accounts.ComposioClient
}

func (f *brokerFetcher) Fetch(ctx context.Context, connectionID string) (string, time.Time, error) {
	tok, err := f.client.AccessToken(ctx, connectionID)
	if err != nil {
		return "", time.Time{}, err
	}
	return tok.AccessToken, tok.ExpiresAt, nil
}

// Service is the credential proxy pipeline.
type Service struct {
	tokens    *TokenStore
	accounts  *accounts.Store
	cache     *TokenCache
	allowlist Allowlist
	audit     *AuditLog
	cfg       config.ProxyConfig
	transport *http.Client
	logger    *logger.Logger
}

// NewService wires the proxy pipeline.
func NewService(tokens *TokenStore, accountStore *accounts.Store, broker *accounts.ComposioClient,
	audit *AuditLog, cfg config.ProxyConfig, log *logger.Logger) *Service {
	allowlist := Allowlist{}
	for toolkit, hosts := range cfg.Allowlist {
		allowlist[strings.ToLower(toolkit)] = hosts
	}
	return &Service{
		tokens:    tokens,
		accounts:  accountStore,
		cache:     NewTokenCache(&brokerFetcher{client: broker}),
		allowlist: allowlist,
		audit:     audit,
		cfg:       cfg,
		// Timeouts are applied per request via context; redirects are not
		// followed so the container sees them as-is.
		transport: &http.Client{
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		logger: log.WithFields(zap.String("component", "proxy")),
	}
}

// Tokens exposes the synthetic token store.
func (s *Service) Tokens() *TokenStore { return s.tokens }

// Audit exposes the audit log.
func (s *Service) Audit() *AuditLog { return s.audit }

// Handle serves ANY /proxy/:agentSlug/:accountId/*path where path is
// /<host>/<upstream-path>.
func (s *Service) Handle(c *gin.Context) {
	pathSlug := c.Param("agentSlug")
	accountID := c.Param("accountId")
	host, upstreamPath, ok := splitHostPath(c.Param("path"))

	// 1. Synthetic bearer binds the caller to one agent.
	boundSlug, err := s.tokens.Validate(bearerToken(c.Request))
	if err != nil {
		c.JSON(apperr.HTTPStatus(err), gin.H{"error": apperr.Message(err)})
		return
	}
	if boundSlug != pathSlug {
		s.refuse(c, http.StatusForbidden, "token is not valid for this agent",
			AuditEntry{AgentSlug: boundSlug, AccountID: accountID, Host: host, Path: upstreamPath, Method: c.Request.Method})
		return
	}
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing upstream host in path"})
		return
	}

	// 2. Account must exist and be mapped to this agent.
	account, err := s.accounts.ResolveForAgent(pathSlug, accountID)
	if err != nil {
		s.refuse(c, apperr.HTTPStatus(err), apperr.Message(err),
			AuditEntry{AgentSlug: pathSlug, AccountID: accountID, Host: host, Path: upstreamPath, Method: c.Request.Method})
		return
	}

	entry := AuditEntry{
		AgentSlug: pathSlug,
		AccountID: accountID,
		Toolkit:   account.ToolkitSlug,
		Host:      host,
		Path:      upstreamPath,
		Method:    c.Request.Method,
	}

	// 3. The allowlist is the sole authority for reachable hosts.
	if !s.allowlist.HostAllowed(account.ToolkitSlug, host) {
		s.refuse(c, http.StatusForbidden, "host is not allowed for this toolkit", entry)
		return
	}

	// 4. Resolve the real upstream token through the cache.
	realToken, err := s.cache.Get(c.Request.Context(), account.ComposioConnectionID)
	if err != nil {
		s.refuse(c, http.StatusBadGateway, "failed to obtain upstream credentials", entry)
		return
	}

	// 5-6. Forward and relay.
	status, err := s.forward(c, account.ToolkitSlug, host, upstreamPath, realToken)
	if err != nil {
		entry.ErrorMessage = apperr.Message(err)
		s.audit.Record(entry)
		c.JSON(apperr.HTTPStatus(err), gin.H{"error": apperr.Message(err)})
		return
	}

	// 7. Best-effort audit; never blocks the response.
	entry.StatusCode = status
	s.audit.Record(entry)
}

// refuse sends an error response and audits the refusal.
func (s *Service) refuse(c *gin.Context, status int, msg string, entry AuditEntry) {
	entry.ErrorMessage = msg
	s.audit.Record(entry)
	c.JSON(status, gin.H{"error": msg})
}

// forward relays the request upstream and the response back. Returns the
// upstream status code.
func (s *Service) forward(c *gin.Context, toolkit, host, upstreamPath, realToken string) (int, error) {
	target := url.URL{
		Scheme:   "https",
		Host:     host,
		Path:     upstreamPath,
		RawQuery: c.Request.URL.RawQuery,
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), s.cfg.UpstreamTimeoutFor(toolkit))
	defer cancel()

	var body io.Reader
	if c.Request.Method != http.MethodGet && c.Request.Method != http.MethodHead {
		body = c.Request.Body
	}
	req, err := http.NewRequestWithContext(ctx, c.Request.Method, target.String(), body)
	if err != nil {
		return 0, apperr.Wrap(apperr.KindInternal, "failed to build upstream request", err)
	}

	for name, values := range c.Request.Header {
		if hopHeaders[strings.ToLower(name)] {
			continue
		}
		for _, v := range values {
			req.Header.Add(name, v)
		}
	}
	req.Header.Set("Authorization", "Bearer "+realToken)

	resp, err := s.transport.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return 0, apperr.New(apperr.KindUpstreamTimeout, "upstream request timed out")
		}
		return 0, apperr.Wrap(apperr.KindUpstreamError, "upstream request failed", err)
	}
	defer resp.Body.Close()

	for name, values := range resp.Header {
		if strings.EqualFold(name, "Transfer-Encoding") {
			continue
		}
		for _, v := range values {
			c.Writer.Header().Add(name, v)
		}
	}
	c.Writer.WriteHeader(resp.StatusCode)
	if _, err := io.Copy(c.Writer, resp.Body); err != nil {
		// Headers are gone; nothing to do but log.
		s.logger.Warn("error streaming upstream response", zap.Error(err))
	}
	return resp.StatusCode, nil
}

// splitHostPath separates "/<host>/<rest>" into host and "/<rest>".
func splitHostPath(p string) (string, string, bool) {
	p = strings.TrimPrefix(p, "/")
	if p == "" {
		return "", "", false
	}
	host, rest, found := strings.Cut(p, "/")
	if host == "" {
		return "", "", false
	}
	if !found {
		return host, "/", true
	}
	return host, "/" + rest, true
}

func bearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if token, ok := strings.CutPrefix(auth, "Bearer "); ok {
		return token
	}
	return ""
}
