package middleware

import (
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/marketfanout/gatewayapi/internal/models"
	"github.com/marketfanout/gatewayapi/internal/service"
	"github.com/marketfanout/gatewayapi/pkg/utils/response"
)

// Context keys set by the auth middleware
const (
	ContextApiKey       = "api_key"
	ContextApiKeyRecord = "api_key_record"
)

// AuthMiddleware authenticates the API key, rejects blocked keys, and
// enforces the per-minute request limit
func AuthMiddleware(apiKeys *service.ApiKeyService, abuse *service.AbuseService, usage *service.UsageService, audit *service.AuditService) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()

			apiKey := c.Request().Header.Get("x-api-key")
			if apiKey == "" {
				apiKey = c.QueryParam("api_key")
			}
			if apiKey == "" {
				return response.ErrorResponse(c, http.StatusUnauthorized, "auth_missing", "Missing x-api-key header or api_key query parameter")
			}

			record, err := apiKeys.ValidateApiKey(apiKey)
			if err != nil || record == nil || !record.IsActive {
				return response.ErrorResponse(c, http.StatusUnauthorized, "auth_invalid", "Invalid or inactive API key")
			}

			// A blocked key is refused before any counter moves
			if flag := abuse.GetStatusForApiKey(apiKey); flag != nil && flag.Blocked {
				recordAudit(c, audit, record, http.StatusForbidden, start)
				return response.ErrorResponse(c, http.StatusForbidden, "key_blocked_for_abuse", "API key is blocked")
			}

			if err := usage.IncrementHttpUsage(c.Request().Context(), apiKey, record.RateLimitPerMinute); err != nil {
				recordAudit(c, audit, record, http.StatusTooManyRequests, start)
				return response.ErrorResponse(c, http.StatusTooManyRequests, "rate_limit_exceeded", "Per-minute request limit exceeded")
			}

			c.Set(ContextApiKey, apiKey)
			c.Set(ContextApiKeyRecord, record)

			err = next(c)
			recordAudit(c, audit, record, c.Response().Status, start)
			return err
		}
	}
}

func recordAudit(c echo.Context, audit *service.AuditService, record *models.ApiKeyModel, status int, start time.Time) {
	audit.RecordHTTP(models.RequestAuditLog{
		RouteOrEvent: c.Path(),
		Method:       c.Request().Method,
		Status:       status,
		ApiKey:       record.Key,
		TenantID:     record.TenantID,
		IP:           c.RealIP(),
		UserAgent:    c.Request().UserAgent(),
		Origin:       c.Request().Header.Get("Origin"),
		DurationMs:   time.Since(start).Milliseconds(),
	})
}

// AdminMiddleware guards the control-plane routes with the admin token
func AdminMiddleware(adminToken string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if adminToken == "" || c.Request().Header.Get("x-admin-token") != adminToken {
				return response.ErrorResponse(c, http.StatusUnauthorized, "auth_invalid", "Invalid admin token")
			}
			return next(c)
		}
	}
}
