package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/heptiolabs/healthcheck"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"inbox-router/internal/ai"
	"inbox-router/internal/config"
	"inbox-router/internal/crm/hubspot"
	"inbox-router/internal/crm/salesforce"
	"inbox-router/internal/dedup"
	"inbox-router/internal/gmail"
	"inbox-router/internal/handler"
	"inbox-router/internal/logger"
	"inbox-router/internal/metrics"
	"inbox-router/internal/model"
	"inbox-router/internal/oauth"
	"inbox-router/internal/repository"
	"inbox-router/internal/repository/memory"
	"inbox-router/internal/repository/sqlstore"
	"inbox-router/internal/router"
	"inbox-router/internal/service"
	"inbox-router/internal/sheets"
	"inbox-router/internal/sse"
)

func main() {
	// Load configuration
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatal("Failed to load config:", err)
	}

	// Validate configuration
	if err := cfg.Validate(); err != nil {
		log.Fatal("Config validation failed:", err)
	}

	appLogger, err := logger.NewWithConfig(logger.Config{
		Level:       cfg.LogLevel,
		Development: !cfg.IsProduction(),
		File:        cfg.LogFile,
	})
	if err != nil {
		log.Fatal("Failed to create logger:", err)
	}
	defer appLogger.Sync()

	health := healthcheck.NewHandler()
	health.AddLivenessCheck("goroutine-threshold", healthcheck.GoroutineCountCheck(1000))

	// Repositories: SQL when DATABASE_URL is set, in-memory otherwise
	var messageRepo repository.MessageRepository
	var credentialRepo repository.CredentialRepository

	if cfg.DatabaseURL != "" {
		db, err := sqlstore.Open(cfg.DatabaseDriver, cfg.DatabaseURL)
		if err != nil {
			log.Fatal("Failed to connect to database:", err)
		}
		defer db.Close()

		messageRepo = sqlstore.NewMessageRepository(db)
		credentialRepo = sqlstore.NewCredentialRepository(db)
		health.AddReadinessCheck("database", healthcheck.DatabasePingCheck(db.DB, 2*time.Second))

		appLogger.Info("Using", cfg.DatabaseDriver, "repositories")
	} else {
		messageRepo = memory.NewInMemoryMessageRepository()
		credentialRepo = memory.NewInMemoryCredentialRepository()

		appLogger.Info("Using in-memory repositories")
	}

	// In-flight guard: redis when configured so several instances agree
	var guard dedup.Guard
	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			log.Fatal("Invalid REDIS_URL:", err)
		}
		rdb := redis.NewClient(opts)
		defer rdb.Close()
		guard = dedup.NewRedisGuard(rdb, cfg.InFlightTTL)
		health.AddReadinessCheck("redis", func() error {
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			return rdb.Ping(ctx).Err()
		})
		appLogger.Info("Using redis in-flight guard")
	} else {
		guard = dedup.NewMemoryGuard(cfg.InFlightTTL)
	}

	appMetrics := metrics.New()
	oauthManager := oauth.NewManager(cfg, credentialRepo, appLogger)

	// External systems
	aiClient := ai.NewAIClient(ai.Config{
		Provider:      cfg.AIProvider,
		APIKeys:       cfg.AIKeys,
		Model:         cfg.AIModel,
		RatePerSecond: cfg.AIRatePerSecond,
	}, appLogger)
	gmailClient := gmail.NewGmailClient(oauthManager, "", appLogger)
	sheetsClient := sheets.NewClient(oauthManager, "", appLogger)
	hubspotClient := hubspot.NewClient(oauthManager, cfg.HubSpotAPIBase, appLogger)
	salesforceClient := salesforce.NewClient(oauthManager, cfg.SalesforceAPIVersion, appLogger)

	// Initialize SSE manager for real-time inbox updates
	sseManager := sse.NewSSEManager(appMetrics, appLogger)

	// Initialize services
	connectionService := service.NewConnectionService(credentialRepo, appLogger)
	inboxService := service.NewInboxService(messageRepo, credentialRepo, appLogger)
	syncService := service.NewSyncService(messageRepo, connectionService, gmailClient, sseManager, appMetrics, cfg.SyncMaxMessages, appLogger)
	classificationService := service.NewClassificationService(messageRepo, aiClient, guard, sseManager, appMetrics, cfg.ReviewConfidenceThreshold, appLogger)
	routingService := service.NewRoutingService(
		messageRepo,
		connectionService,
		[]service.DestinationClient{hubspotClient, sheetsClient, salesforceClient},
		guard,
		sseManager,
		appMetrics,
		appLogger,
	)

	inboxSyncJob := sse.NewInboxSyncJob(syncService, inboxService, sseManager, cfg.PollInterval, cfg.SyncMaxMessages, appLogger)

	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.Recover())
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins:     []string{cfg.FrontendURL},
		AllowHeaders:     []string{echo.HeaderOrigin, echo.HeaderContentType, echo.HeaderAccept, echo.HeaderAuthorization},
		AllowCredentials: true,
	}))

	handlers := router.Handlers{
		Connect: handler.NewConnectHandler(
			connectionService,
			oauthManager,
			sheetsClient,
			map[model.System]service.ResourceProvisioner{
				model.SystemContacts:    hubspotClient,
				model.SystemSpreadsheet: sheetsClient,
			},
			handler.NewSessionStore([]byte(cfg.SessionSecret), cfg.IsProduction()),
			cfg,
			appLogger,
		),
		Inbox:    handler.NewInboxHandler(inboxService, syncService, sseManager, appLogger),
		Pipeline: handler.NewPipelineHandler(classificationService, routingService, appLogger),
	}
	router.SetupRoutes(e, handlers, []byte(cfg.AuthJWTSecret), appMetrics, health)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	group, groupCtx := errgroup.WithContext(ctx)

	group.Go(func() error {
		appLogger.Info("Starting server on port", cfg.Port)
		if err := e.Start(":" + cfg.Port); err != nil && !errors.Is(err, http.ErrServerClosed) {
			appLogger.Error("Failed to start server:", err)
			return err
		}
		return nil
	})

	group.Go(func() error {
		return inboxSyncJob.Start(groupCtx)
	})

	group.Go(func() error {
		<-groupCtx.Done()
		appLogger.Info("Shutting down")
		sseManager.Close()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := e.Shutdown(shutdownCtx); err != nil {
			appLogger.Error("Server shutdown error:", err)
		}
		return nil
	})

	if err := group.Wait(); err != nil {
		appLogger.Error("Exited with error:", err)
	}
}
