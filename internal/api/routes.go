// Package api contains the API routes for the gateway
package api

import (
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/marketfanout/gatewayapi/internal/api/handlers"
	"github.com/marketfanout/gatewayapi/internal/api/middleware"
	"github.com/marketfanout/gatewayapi/internal/config"
	"github.com/marketfanout/gatewayapi/internal/metrics"
	"github.com/marketfanout/gatewayapi/internal/provider"
	"github.com/marketfanout/gatewayapi/internal/service"
	"github.com/marketfanout/gatewayapi/internal/ws"
	"github.com/marketfanout/gatewayapi/pkg/utils/response"
	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"
)

// Deps carries the wired services the routes depend on
type Deps struct {
	Config      *config.Config
	DB          *gorm.DB
	RedisClient *redis.Client

	ApiKeys     *service.ApiKeyService
	Usage       *service.UsageService
	Abuse       *service.AbuseService
	Blocklist   *service.BlocklistService
	Audit       *service.AuditService
	Batch       *service.BatchService
	Stream      *service.StreamService
	Instruments *service.InstrumentService
	Resolver    *provider.Resolver
	Gateway     *ws.Gateway
}

// SetupRoutes configures the routes for the API
func SetupRoutes(e *echo.Echo, deps Deps) {
	e.Use(middleware.MetricsMiddleware())

	// Index route
	e.GET("/", indexRoute(deps.Config))

	// WebSocket gateway, authentication happens inside the handshake
	e.GET("/ws", deps.Gateway.Handle)

	// Health routes (unprotected)
	healthHandler := handlers.NewHealthHandler(deps.DB, deps.RedisClient, deps.Resolver, deps.Stream)
	e.GET("/health", healthHandler.Health)
	e.GET("/health/detailed", healthHandler.HealthDetailed)
	e.GET("/health/metrics", echo.WrapHandler(metrics.Handler()))

	auth := middleware.AuthMiddleware(deps.ApiKeys, deps.Abuse, deps.Usage, deps.Audit)

	// Quote routes (protected)
	quoteHandler := handlers.NewQuoteHandler(deps.Batch, deps.Resolver)
	e.GET("/quote", quoteHandler.GetQuote, auth)
	e.GET("/ltp", quoteHandler.GetLTP, auth)
	e.GET("/ohlc", quoteHandler.GetOHLC, auth)

	// Instrument routes (protected)
	instrumentHandler := handlers.NewInstrumentHandler(deps.Instruments)
	instrumentGroup := e.Group("/instrument")
	instrumentGroup.Use(auth)
	instrumentGroup.GET("/query", instrumentHandler.QueryInstruments)
	instrumentGroup.GET("/tokens", instrumentHandler.GetTokens)

	// Admin routes (control plane)
	adminHandler := handlers.NewAdminHandler(
		deps.Resolver, deps.Stream, deps.Gateway,
		deps.ApiKeys, deps.Usage, deps.Abuse, deps.Blocklist)
	adminGroup := e.Group("/admin")
	adminGroup.Use(middleware.AdminMiddleware(deps.Config.AdminToken))
	adminGroup.GET("/provider/global", adminHandler.GetGlobalProvider)
	adminGroup.POST("/provider/global", adminHandler.SetGlobalProvider)
	adminGroup.POST("/provider/stream/start", adminHandler.StartStream)
	adminGroup.POST("/provider/stream/stop", adminHandler.StopStream)
	adminGroup.GET("/stream/status", adminHandler.StreamStatus)
	adminGroup.POST("/apikeys", adminHandler.CreateApiKey)
	adminGroup.POST("/apikeys/limits", adminHandler.UpdateApiKeyLimits)
	adminGroup.GET("/apikeys/:key/usage", adminHandler.GetApiKeyUsage)
	adminGroup.POST("/ws/entitlements", adminHandler.SetEntitlements)
	adminGroup.POST("/ws/blocklist", adminHandler.UpdateBlocklist)
	adminGroup.GET("/abuse/flags", adminHandler.ListAbuseFlags)
	adminGroup.POST("/abuse/flags/block", adminHandler.BlockApiKey)
	adminGroup.POST("/abuse/flags/unblock", adminHandler.UnblockApiKey)
}

// indexRoute handles the root route
func indexRoute(cfg *config.Config) echo.HandlerFunc {
	return func(c echo.Context) error {
		return c.JSON(http.StatusOK, response.Response{
			Status: "success",
			Data: map[string]string{
				"name":    cfg.APIName,
				"version": cfg.APIVersion,
			},
		})
	}
}
