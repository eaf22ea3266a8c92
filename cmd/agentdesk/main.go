// Package main is the AgentDesk control plane: the local HTTP API the
// desktop shell talks to, plus the background machinery that supervises
// agent containers, host browsers, scheduled tasks, and the credential
// proxy.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/agentdesk/agentdesk/internal/accounts"
	"github.com/agentdesk/agentdesk/internal/agentfs"
	"github.com/agentdesk/agentdesk/internal/common/config"
	"github.com/agentdesk/agentdesk/internal/common/logger"
	"github.com/agentdesk/agentdesk/internal/container"
	"github.com/agentdesk/agentdesk/internal/db"
	"github.com/agentdesk/agentdesk/internal/events"
	"github.com/agentdesk/agentdesk/internal/events/bus"
	"github.com/agentdesk/agentdesk/internal/events/sse"
	"github.com/agentdesk/agentdesk/internal/gateway"
	"github.com/agentdesk/agentdesk/internal/hostbrowser"
	"github.com/agentdesk/agentdesk/internal/notifications"
	"github.com/agentdesk/agentdesk/internal/proxy"
	"github.com/agentdesk/agentdesk/internal/remotemcp"
	"github.com/agentdesk/agentdesk/internal/runtime"
	"github.com/agentdesk/agentdesk/internal/scheduler"
	"github.com/agentdesk/agentdesk/internal/server"
	"github.com/agentdesk/agentdesk/internal/settings"
)

func main() {
	// .env before config so the shell's exported variables win only when set.
	_ = godotenv.Load()

	// 1. Configuration, resolved once before any component observes it.
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// 2. Logger.
	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputPath: cfg.Logging.OutputPath,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	logger.SetDefault(log)

	log.Info("starting agentdesk", zap.String("data_dir", cfg.DataDir))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// 3. Event bus: in-memory by default, NATS when configured.
	var eventBus bus.EventBus
	if cfg.NATS.URL != "" {
		log.Info("connecting to NATS", zap.String("url", cfg.NATS.URL))
		natsBus, err := bus.NewNATSEventBus(cfg.NATS, log)
		if err != nil {
			log.Fatal("failed to connect to NATS", zap.Error(err))
		}
		eventBus = natsBus
	} else {
		eventBus = bus.NewMemoryEventBus(log)
	}
	defer eventBus.Close()

	// 4. Relational store.
	database, err := db.Open(cfg.DatabasePath())
	if err != nil {
		log.Fatal("failed to open database", zap.Error(err))
	}
	defer database.Close()

	// 5. Leaf stores and services.
	settingsStore := settings.NewFileStore(cfg.SettingsPath())
	userSettings, err := settingsStore.Load()
	if err != nil {
		log.Fatal("failed to load settings", zap.Error(err))
	}

	agents, err := agentfs.NewStore(cfg.AgentsDir(), log)
	if err != nil {
		log.Fatal("failed to initialize agent store", zap.Error(err))
	}

	accountStore, err := accounts.NewStore(database)
	if err != nil {
		log.Fatal("failed to initialize account store", zap.Error(err))
	}
	composioCfg := cfg.Composio
	if userSettings.APIKeys.ComposioAPIKey != "" {
		composioCfg.APIKey = userSettings.APIKeys.ComposioAPIKey
	}
	if userSettings.APIKeys.ComposioUserID != "" {
		composioCfg.UserID = userSettings.APIKeys.ComposioUserID
	}
	composio := accounts.NewComposioClient(composioCfg)
	accountSvc := accounts.NewService(accountStore, composio, log)

	tokens, err := proxy.NewTokenStore(database)
	if err != nil {
		log.Fatal("failed to initialize token store", zap.Error(err))
	}
	audit, err := proxy.NewAuditLog(database, log)
	if err != nil {
		log.Fatal("failed to initialize audit log", zap.Error(err))
	}
	proxySvc := proxy.NewService(tokens, accountStore, composio, audit, cfg.Proxy, log)

	mcpStore, err := remotemcp.NewStore(database)
	if err != nil {
		log.Fatal("failed to initialize remote MCP store", zap.Error(err))
	}
	oauthCallback := fmt.Sprintf("http://%s:%d/api/remote-mcps/oauth-callback", cfg.Server.Host, cfg.Server.Port)
	mcpSvc := remotemcp.NewService(mcpStore, oauthCallback, log)

	notifStore, err := notifications.NewStore(database, eventBus)
	if err != nil {
		log.Fatal("failed to initialize notification store", zap.Error(err))
	}

	// 6. Container manager over the runtime registry.
	registry, err := runtime.NewRegistry(cfg.Container.DockerHost, log)
	if err != nil {
		log.Fatal("failed to initialize container runtimes", zap.Error(err))
	}
	runnerName, err := runtime.ParseName(userSettings.Container.ContainerRunner)
	if err != nil {
		runnerName, _ = runtime.ParseName(cfg.Container.DefaultRunner)
	}
	image := userSettings.Container.AgentImage
	if image == "" {
		image = cfg.Container.DefaultImage
	}
	manager := container.NewManager(container.Config{
		Image:           image,
		StartTimeout:    cfg.Container.StartTimeoutDuration(),
		StatusSyncEvery: time.Duration(cfg.Container.StatusSyncEvery) * time.Second,
		HealthEvery:     time.Duration(cfg.Container.HealthEvery) * time.Second,
		StopConcurrency: cfg.Container.StopConcurrency,
	}, registry, runnerName, eventBus, server.NewRunSpec(cfg, settingsStore, tokens), log)

	// 7. Host browser supervision. External exits surface as browser_active.
	browsers := hostbrowser.NewManager(
		cfg.BrowserProfilesDir(),
		time.Duration(cfg.Browser.PortWaitTimeout)*time.Second,
		func(agentID string) {
			events.Publish(context.Background(), eventBus, "hostbrowser", events.BrowserActive,
				events.BrowserActivePayload{AgentID: agentID, Active: false})
		},
		log,
	)

	// 8. Scheduler and auto-sleep over the shared manager.
	taskStore, err := scheduler.NewStore(database)
	if err != nil {
		log.Fatal("failed to initialize task store", zap.Error(err))
	}
	sched := scheduler.NewScheduler(taskStore, manager, agents, eventBus,
		time.Duration(cfg.Scheduler.TickInterval)*time.Second, log)
	sleeper := scheduler.NewAutoSleep(manager, agents, func() int {
		current, err := settingsStore.Load()
		if err != nil {
			return 0
		}
		return current.App.AutoSleepTimeoutMinutes
	}, time.Duration(cfg.Scheduler.AutoSleepInterval)*time.Second, log)

	// 9. SSE fan-out.
	broadcaster := sse.NewBroadcaster(eventBus, log)
	if err := broadcaster.Start(); err != nil {
		log.Fatal("failed to start SSE broadcaster", zap.Error(err))
	}

	// 10. Background machinery: status sync, health probes, readiness,
	// recovery of containers that survived a restart.
	manager.Start(ctx)
	if list, err := agents.ListAgents(); err != nil {
		log.Warn("failed to list agents for recovery", zap.Error(err))
	} else {
		slugs := make([]string, 0, len(list))
		for _, agent := range list {
			slugs = append(slugs, agent.Slug)
		}
		manager.InitializeAgents(ctx, slugs)
	}
	sched.Start()
	sleeper.Start()

	// 11. HTTP API. Run blocks until the signal context is cancelled and
	// then drives graceful shutdown of everything above.
	srv := server.New(server.Deps{
		Cfg:           cfg,
		DB:            database,
		Bus:           eventBus,
		Agents:        agents,
		Containers:    manager,
		Browsers:      browsers,
		Proxy:         proxySvc,
		Accounts:      accountSvc,
		RemoteMCPs:    mcpSvc,
		Scheduler:     sched,
		AutoSleep:     sleeper,
		Notifications: notifStore,
		Settings:      settingsStore,
		Broadcaster:   broadcaster,
		BrowserStream: gateway.NewBrowserStreamProxy(manager, log),
		Logger:        log,
	})
	if err := srv.Run(ctx); err != nil {
		log.Fatal("http server failed", zap.Error(err))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	manager.Shutdown(shutdownCtx)
	log.Info("agentdesk stopped")
}
