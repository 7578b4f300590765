package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/marketfanout/gatewayapi/internal/provider"
	"github.com/marketfanout/gatewayapi/internal/service"
	"github.com/marketfanout/gatewayapi/pkg/utils/response"
	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"
)

// HealthHandler serves liveness and readiness probes
type HealthHandler struct {
	db          *gorm.DB
	redisClient *redis.Client
	resolver    *provider.Resolver
	stream      *service.StreamService
}

// NewHealthHandler creates a new health handler
func NewHealthHandler(db *gorm.DB, redisClient *redis.Client, resolver *provider.Resolver, stream *service.StreamService) *HealthHandler {
	return &HealthHandler{db: db, redisClient: redisClient, resolver: resolver, stream: stream}
}

// Health is the liveness probe
func (h *HealthHandler) Health(c echo.Context) error {
	return response.SuccessResponse(c, map[string]string{"status": "ok"})
}

// HealthDetailed reports the state of every dependency
func (h *HealthHandler) HealthDetailed(c echo.Context) error {
	ctx, cancel := context.WithTimeout(c.Request().Context(), 3*time.Second)
	defer cancel()

	checks := map[string]interface{}{}
	healthy := true

	if sqlDB, err := h.db.DB(); err == nil && sqlDB.PingContext(ctx) == nil {
		checks["postgres"] = "ok"
	} else {
		checks["postgres"] = "unreachable"
		healthy = false
	}

	if err := h.redisClient.Ping(ctx).Err(); err == nil {
		checks["redis"] = "ok"
	} else {
		checks["redis"] = "unreachable"
		healthy = false
	}

	providerName := h.resolver.GetGlobal(ctx)
	checks["provider"] = providerName
	if adapter := h.resolver.Get(providerName); adapter != nil && adapter.Ready() {
		checks["provider_ready"] = true
	} else {
		checks["provider_ready"] = false
	}

	checks["stream"] = h.stream.Status()

	if !healthy {
		return c.JSON(http.StatusServiceUnavailable, map[string]interface{}{
			"status": "degraded",
			"checks": checks,
		})
	}
	return response.SuccessResponse(c, checks)
}
