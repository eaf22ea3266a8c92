// Package server assembles the HTTP API: route registration, dependency
// wiring, and graceful shutdown of the background machinery.
package server

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/agentdesk/agentdesk/internal/accounts"
	"github.com/agentdesk/agentdesk/internal/agentfs"
	"github.com/agentdesk/agentdesk/internal/common/apperr"
	"github.com/agentdesk/agentdesk/internal/common/config"
	"github.com/agentdesk/agentdesk/internal/common/httpmw"
	"github.com/agentdesk/agentdesk/internal/common/logger"
	"github.com/agentdesk/agentdesk/internal/container"
	"github.com/agentdesk/agentdesk/internal/events/bus"
	"github.com/agentdesk/agentdesk/internal/events/sse"
	"github.com/agentdesk/agentdesk/internal/gateway"
	"github.com/agentdesk/agentdesk/internal/hostbrowser"
	"github.com/agentdesk/agentdesk/internal/notifications"
	"github.com/agentdesk/agentdesk/internal/proxy"
	"github.com/agentdesk/agentdesk/internal/remotemcp"
	"github.com/agentdesk/agentdesk/internal/runtime"
	"github.com/agentdesk/agentdesk/internal/scheduler"
	"github.com/agentdesk/agentdesk/internal/settings"
)

// shutdownGrace is how long graceful shutdown may take before force-exit.
const shutdownGrace = 10 * time.Second

// containerManager is the slice of *container.Manager the handlers use.
type containerManager interface {
	StartAgent(ctx context.Context, agentSlug string) (container.ContainerStatus, error)
	StopAgent(ctx context.Context, agentSlug string) error
	StopAll(ctx context.Context)
	Status(agentSlug string) container.ContainerStatus
	Statuses() map[string]container.ContainerStatus
	HasRunningAgents() bool
	Forget(agentSlug string)
	Runner() runtime.Name
	SwitchRunner(ctx context.Context, name runtime.Name) error
	SetImage(ctx context.Context, image string)
	StartRunner(ctx context.Context, name runtime.Name) error
	Readiness() (container.ReadinessState, string)
	Availability() map[runtime.Name]runtime.Availability
	PullImage() error
	CancelPull()
}

// Deps carries everything the HTTP layer serves.
type Deps struct {
	Cfg           *config.Config
	DB            *sql.DB
	Bus           bus.EventBus
	Agents        *agentfs.Store
	Containers    containerManager
	Browsers      *hostbrowser.Manager
	Proxy         *proxy.Service
	Accounts      *accounts.Service
	RemoteMCPs    *remotemcp.Service
	Scheduler     *scheduler.Scheduler
	AutoSleep     *scheduler.AutoSleep
	Notifications *notifications.Store
	Settings      *settings.FileStore
	Broadcaster   *sse.Broadcaster
	BrowserStream *gateway.BrowserStreamProxy
	Logger        *logger.Logger
}

// Server is the HTTP API server.
type Server struct {
	deps   Deps
	engine *gin.Engine
	http   *http.Server
	logger *logger.Logger
}

// New builds the engine and registers every route.
func New(deps Deps) *Server {
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.Use(corsMiddleware())
	engine.Use(httpmw.RequestLogger(deps.Logger, "api"))

	s := &Server{
		deps:   deps,
		engine: engine,
		logger: deps.Logger.WithFields(zap.String("component", "server")),
	}
	s.registerRoutes()
	return s
}

// Engine exposes the router, for tests.
func (s *Server) Engine() *gin.Engine { return s.engine }

func (s *Server) registerRoutes() {
	api := s.engine.Group("/api")

	api.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	agents := api.Group("/agents")
	{
		agents.GET("", s.listAgents)
		agents.POST("", s.createAgent)
		agents.GET("/:slug", s.getAgent)
		agents.PATCH("/:slug", s.updateAgent)
		agents.DELETE("/:slug", s.deleteAgent)
		agents.POST("/:slug/start", s.startAgent)
		agents.POST("/:slug/stop", s.stopAgent)

		agents.GET("/:slug/sessions", s.listSessions)
		agents.POST("/:slug/sessions", s.createSession)
		agents.GET("/:slug/sessions/:sessionId", s.getSession)
		agents.PATCH("/:slug/sessions/:sessionId", s.renameSession)
		agents.DELETE("/:slug/sessions/:sessionId", s.deleteSession)

		agents.GET("/:slug/connected-accounts", s.listAgentAccounts)
		agents.POST("/:slug/connected-accounts", s.mapAgentAccount)
		agents.DELETE("/:slug/connected-accounts/:accountId", s.unmapAgentAccount)

		agents.GET("/:slug/scheduled-tasks", s.listAgentTasks)
		agents.POST("/:slug/scheduled-tasks", s.createTask)

		agents.GET("/:slug/audit-log", s.listAuditLog)
		agents.GET("/:slug/browser/stream", s.deps.BrowserStream.Handle)
	}

	accounts := api.Group("/connected-accounts")
	{
		accounts.GET("", s.listAccounts)
		accounts.POST("/initiate", s.initiateAccount)
		accounts.POST("/complete", s.completeAccount)
		accounts.PATCH("/:id", s.renameAccount)
		accounts.DELETE("/:id", s.deleteAccount)
	}

	mcps := api.Group("/remote-mcps")
	{
		mcps.GET("", s.listRemoteMCPs)
		mcps.POST("", s.createRemoteMCP)
		mcps.POST("/initiate-oauth", s.initiateRemoteMCPOAuth)
		mcps.GET("/oauth-callback", s.remoteMCPOAuthCallback)
		mcps.GET("/:id", s.getRemoteMCP)
		mcps.PATCH("/:id", s.updateRemoteMCP)
		mcps.DELETE("/:id", s.deleteRemoteMCP)
		mcps.POST("/:id/discover-tools", s.discoverRemoteMCPTools)
		mcps.POST("/:id/test-connection", s.testRemoteMCPConnection)
	}

	tasks := api.Group("/scheduled-tasks")
	{
		tasks.GET("/:id", s.getTask)
		tasks.GET("/:id/sessions", s.listTaskSessions)
		tasks.DELETE("/:id", s.deleteTask)
		tasks.POST("/:id/cancel", s.cancelTask)
		tasks.POST("/:id/reset", s.resetTask)
	}

	settingsGroup := api.Group("/settings")
	{
		settingsGroup.GET("", s.getSettings)
		settingsGroup.PUT("", s.putSettings)
		settingsGroup.GET("/runtime-status", s.runtimeStatus)
		settingsGroup.POST("/start-runner", s.startRunner)
		settingsGroup.POST("/pull-image", s.pullImage)
		settingsGroup.POST("/cancel-pull", s.cancelPull)
		settingsGroup.POST("/validate-anthropic-key", s.validateAnthropicKey)
		settingsGroup.POST("/factory-reset", s.factoryReset)
	}

	notif := api.Group("/notifications")
	{
		notif.GET("", s.listNotifications)
		notif.GET("/unread-count", s.unreadNotifications)
		notif.POST("/:id/read", s.markNotificationRead)
		notif.POST("/read-all", s.markAllNotificationsRead)
		notif.GET("/stream", s.deps.Broadcaster.HandleStream)
	}

	browser := api.Group("/browser")
	{
		browser.POST("/launch-host-browser", s.launchHostBrowser)
		browser.POST("/stop-host-browser", s.stopHostBrowser)
	}

	api.Any("/proxy/:agentSlug/:accountId/*path", s.deps.Proxy.Handle)
}

// Run serves until ctx is cancelled, then shuts the machinery down in
// dependency order with a force-exit deadline.
func (s *Server) Run(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.deps.Cfg.Server.Host, s.deps.Cfg.Server.Port)
	s.http = &http.Server{
		Addr:         addr,
		Handler:      s.engine,
		ReadTimeout:  s.deps.Cfg.Server.ReadTimeoutDuration(),
		WriteTimeout: s.deps.Cfg.Server.WriteTimeoutDuration(),
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("http server listening", zap.String("addr", addr))
		if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	s.logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()

	done := make(chan struct{})
	go func() {
		s.shutdown(shutdownCtx)
		close(done)
	}()

	select {
	case <-done:
	case <-shutdownCtx.Done():
		s.logger.Warn("graceful shutdown deadline exceeded, forcing exit")
	}
	return nil
}

func (s *Server) shutdown(ctx context.Context) {
	if s.deps.Scheduler != nil {
		s.deps.Scheduler.Stop()
	}
	if s.deps.AutoSleep != nil {
		s.deps.AutoSleep.Stop()
	}
	if s.deps.Containers != nil {
		s.deps.Containers.StopAll(ctx)
	}
	if s.deps.Browsers != nil {
		s.deps.Browsers.StopAll()
	}
	if s.deps.Broadcaster != nil {
		s.deps.Broadcaster.Close()
	}
	if s.deps.Proxy != nil {
		s.deps.Proxy.Audit().Close()
	}
	if s.http != nil {
		_ = s.http.Shutdown(ctx)
	}
}

// corsMiddleware allows the desktop shell's renderer to call the API.
func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, PATCH, PUT, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Origin, Content-Type, Authorization, Upgrade, Connection, Sec-WebSocket-Key, Sec-WebSocket-Version, Sec-WebSocket-Protocol")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

// respondError maps an error to its HTTP status and masked message.
func respondError(c *gin.Context, err error) {
	c.JSON(apperr.HTTPStatus(err), gin.H{"error": apperr.Message(err)})
}
