// Package main is the entry point for the Market Fanout Gateway
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/marketfanout/gatewayapi/internal/api"
	"github.com/marketfanout/gatewayapi/internal/api/middleware"
	"github.com/marketfanout/gatewayapi/internal/cache"
	"github.com/marketfanout/gatewayapi/internal/config"
	"github.com/marketfanout/gatewayapi/internal/provider"
	"github.com/marketfanout/gatewayapi/internal/repository"
	"github.com/marketfanout/gatewayapi/internal/service"
	"github.com/marketfanout/gatewayapi/internal/ws"
	"github.com/marketfanout/gatewayapi/pkg/utils/zaplogger"
)

func main() {
	// Load configuration
	cfg, err := config.Get()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	// Print the configuration
	fmt.Println(cfg.String())

	// Connect to Postgres
	db, err := repository.ConnectPostgres(cfg)
	if err != nil {
		log.Fatalf("Failed to connect to Postgres: %v", err)
	}

	// Connect Redis
	redisClient, err := repository.ConnectRedis(cfg)
	if err != nil {
		log.Fatalf("Failed to connect to Redis: %v", err)
	}

	// Init logger
	err = zaplogger.InitLogger(db)
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}

	// Setup logger
	defer zaplogger.Sync()
	zaplogger.SetLogLevel(cfg.ServerLogLevel)

	// startUpMessage
	zaplogger.Info(cfg.APIName + " - " + cfg.APIVersion + " initialized")
	zaplogger.Info("Postgres initialized")
	zaplogger.Info("Redis initialized")

	// Create a new Echo instance
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	// Setup middleware
	middleware.SetupLoggerMiddleware(e)

	// Provider adapters and resolver
	instrumentRepo := repository.NewInstrumentRepository(db)
	pairResolver := provider.NewPairResolver(instrumentRepo)
	adapters := map[string]provider.Adapter{
		provider.ProviderFlattrade: provider.NewFlattrade(
			cfg.FlattradeAPIURL, cfg.FlattradeWSURL, cfg.FlattradeAccessToken, pairResolver),
		provider.ProviderVortex: provider.NewVortex(
			cfg.VortexAPIURL, cfg.VortexWSURL, cfg.VortexAccessToken, pairResolver),
	}
	resolver := provider.NewResolver(redisClient, cfg.DataProvider, adapters)

	// Core services
	ltpCache := cache.NewLTPCache()
	queue := provider.NewQueue(redisClient)
	tickRepo := repository.NewTickRepository(db, redisClient)

	apiKeyService := service.NewApiKeyService(db)
	usageService := service.NewUsageService(redisClient)
	abuseService := service.NewAbuseService(cfg, db)
	blocklistService := service.NewBlocklistService(redisClient)
	auditService := service.NewAuditService(cfg, db)
	batchService := service.NewBatchService(queue, ltpCache, tickRepo)
	streamService := service.NewStreamService(resolver, ltpCache, tickRepo)
	instrumentService := service.NewInstrumentService(db)

	// Downstream WebSocket gateway
	gateway := ws.NewGateway(cfg, apiKeyService, usageService, abuseService,
		blocklistService, auditService, streamService, batchService,
		resolver, pairResolver)

	// Setup routes
	api.SetupRoutes(e, api.Deps{
		Config:      cfg,
		DB:          db,
		RedisClient: redisClient,
		ApiKeys:     apiKeyService,
		Usage:       usageService,
		Abuse:       abuseService,
		Blocklist:   blocklistService,
		Audit:       auditService,
		Batch:       batchService,
		Stream:      streamService,
		Instruments: instrumentService,
		Resolver:    resolver,
		Gateway:     gateway,
	})

	// Setup and start cron jobs
	cronService := service.NewCronService(cfg, abuseService, auditService, streamService)
	cronService.Start()

	// Bridge abuse-flag changes onto the shared store and back
	publishService := service.NewPublishService(db, redisClient, cfg.PostgresDsn)
	go publishService.PublishAbuseFlagsToRedisChannel()
	go publishService.SubscribeAbuseFlagChanges(apiKeyService)

	// Start the server
	startServer(e, cfg, cronService, streamService, auditService)
}

// startServer starts the Echo server and handles graceful shutdown
func startServer(e *echo.Echo, cfg *config.Config, cronService *service.CronService, streamService *service.StreamService, auditService *service.AuditService) {
	port := cfg.ServerPort
	if port == "" {
		port = "3008"
	}

	go func() {
		zaplogger.Info("SERVER STARTED ON PORT " + port)
		if err := e.Start(":" + port); err != nil {
			zaplogger.Info("Server stopped accepting connections")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit

	zaplogger.Info("Shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	// Stop accepting, then stop the stream, then drain audit writes
	if err := e.Shutdown(ctx); err != nil {
		zaplogger.Error("Server shutdown failed", zaplogger.Fields{"error": err.Error()})
	}
	cronService.Stop()
	streamService.StopStreaming()
	auditService.Stop()
}
