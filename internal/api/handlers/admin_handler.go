package handlers

import (
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/marketfanout/gatewayapi/internal/models"
	"github.com/marketfanout/gatewayapi/internal/provider"
	"github.com/marketfanout/gatewayapi/internal/service"
	"github.com/marketfanout/gatewayapi/internal/ws"
	"github.com/marketfanout/gatewayapi/pkg/utils/response"
)

// AdminHandler serves the control-plane endpoints
type AdminHandler struct {
	resolver  *provider.Resolver
	stream    *service.StreamService
	gateway   *ws.Gateway
	apiKeys   *service.ApiKeyService
	usage     *service.UsageService
	abuse     *service.AbuseService
	blocklist *service.BlocklistService
}

// NewAdminHandler creates a new admin handler
func NewAdminHandler(
	resolver *provider.Resolver,
	stream *service.StreamService,
	gateway *ws.Gateway,
	apiKeys *service.ApiKeyService,
	usage *service.UsageService,
	abuse *service.AbuseService,
	blocklist *service.BlocklistService,
) *AdminHandler {
	return &AdminHandler{
		resolver:  resolver,
		stream:    stream,
		gateway:   gateway,
		apiKeys:   apiKeys,
		usage:     usage,
		abuse:     abuse,
		blocklist: blocklist,
	}
}

// GetGlobalProvider reads the active provider
func (h *AdminHandler) GetGlobalProvider(c echo.Context) error {
	return response.SuccessResponse(c, map[string]string{
		"provider": h.resolver.GetGlobal(c.Request().Context()),
	})
}

// SetGlobalProvider sets the active provider
func (h *AdminHandler) SetGlobalProvider(c echo.Context) error {
	var body struct {
		Provider string `json:"provider"`
	}
	if err := c.Bind(&body); err != nil {
		return response.ErrorResponse(c, http.StatusBadRequest, "invalid_payload", "Invalid request body")
	}
	if !h.resolver.KnownProvider(body.Provider) {
		return response.ErrorResponse(c, http.StatusBadRequest, "invalid_payload", "Unknown provider: "+body.Provider)
	}
	if err := h.resolver.SetGlobal(c.Request().Context(), body.Provider); err != nil {
		return response.ErrorResponse(c, http.StatusInternalServerError, "provider_error", err.Error())
	}
	return response.SuccessResponse(c, map[string]string{"provider": body.Provider})
}

// StartStream starts the upstream stream
func (h *AdminHandler) StartStream(c echo.Context) error {
	if err := h.stream.StartStreaming(c.Request().Context()); err != nil {
		return response.ErrorResponse(c, http.StatusBadGateway, "provider_error", err.Error())
	}
	h.gateway.NotifyStreamStatus()
	return response.SuccessResponse(c, h.stream.Status())
}

// StopStream stops the upstream stream, keeping the subscription table
func (h *AdminHandler) StopStream(c echo.Context) error {
	h.stream.StopStreaming()
	h.gateway.NotifyStreamStatus()
	return response.SuccessResponse(c, h.stream.Status())
}

// StreamStatus reports the multiplexer state
func (h *AdminHandler) StreamStatus(c echo.Context) error {
	return response.SuccessResponse(c, h.stream.Status())
}

// CreateApiKey inserts a new API key record
func (h *AdminHandler) CreateApiKey(c echo.Context) error {
	var record models.ApiKeyModel
	if err := c.Bind(&record); err != nil {
		return response.ErrorResponse(c, http.StatusBadRequest, "invalid_payload", "Invalid request body")
	}
	if record.Key == "" {
		return response.ErrorResponse(c, http.StatusBadRequest, "invalid_payload", "key is required")
	}
	if err := h.apiKeys.CreateKey(&record); err != nil {
		return response.ErrorResponse(c, http.StatusInternalServerError, "server_error", err.Error())
	}
	return response.SuccessResponse(c, record)
}

// UpdateApiKeyLimits partially updates a key's limits
func (h *AdminHandler) UpdateApiKeyLimits(c echo.Context) error {
	var body struct {
		Key                string  `json:"key"`
		IsActive           *bool   `json:"is_active,omitempty"`
		Provider           *string `json:"provider,omitempty"`
		RateLimitPerMinute *int    `json:"rate_limit_per_minute,omitempty"`
		ConnectionLimit    *int    `json:"connection_limit,omitempty"`
		WsSubscribeRPS     *int    `json:"ws_subscribe_rps,omitempty"`
		WsUnsubscribeRPS   *int    `json:"ws_unsubscribe_rps,omitempty"`
		WsModeRPS          *int    `json:"ws_mode_rps,omitempty"`
	}
	if err := c.Bind(&body); err != nil {
		return response.ErrorResponse(c, http.StatusBadRequest, "invalid_payload", "Invalid request body")
	}
	if body.Key == "" {
		return response.ErrorResponse(c, http.StatusBadRequest, "invalid_payload", "key is required")
	}

	updates := map[string]interface{}{}
	if body.IsActive != nil {
		updates["is_active"] = *body.IsActive
	}
	if body.Provider != nil {
		updates["provider"] = *body.Provider
	}
	if body.RateLimitPerMinute != nil {
		updates["rate_limit_per_minute"] = *body.RateLimitPerMinute
	}
	if body.ConnectionLimit != nil {
		updates["connection_limit"] = *body.ConnectionLimit
	}
	if body.WsSubscribeRPS != nil {
		updates["ws_subscribe_rps"] = *body.WsSubscribeRPS
	}
	if body.WsUnsubscribeRPS != nil {
		updates["ws_unsubscribe_rps"] = *body.WsUnsubscribeRPS
	}
	if body.WsModeRPS != nil {
		updates["ws_mode_rps"] = *body.WsModeRPS
	}
	if len(updates) == 0 {
		return response.ErrorResponse(c, http.StatusBadRequest, "invalid_payload", "No updates specified")
	}

	if err := h.apiKeys.UpdateLimits(body.Key, updates); err != nil {
		return response.ErrorResponse(c, http.StatusInternalServerError, "server_error", err.Error())
	}
	return response.SuccessResponse(c, map[string]interface{}{"key": body.Key, "updated": len(updates)})
}

// GetApiKeyUsage returns the key's limits plus live counters
func (h *AdminHandler) GetApiKeyUsage(c echo.Context) error {
	key := c.Param("key")
	record, err := h.apiKeys.ValidateApiKey(key)
	if err != nil {
		return response.ErrorResponse(c, http.StatusInternalServerError, "server_error", err.Error())
	}
	if record == nil {
		return response.ErrorResponse(c, http.StatusNotFound, "auth_invalid", "Unknown API key")
	}

	report := h.usage.GetUsageReport(c.Request().Context(), key)
	return response.SuccessResponse(c, map[string]interface{}{
		"limits": record,
		"usage":  report,
	})
}

// SetEntitlements replaces the entitled exchange set for a key
func (h *AdminHandler) SetEntitlements(c echo.Context) error {
	var body struct {
		ApiKey    string   `json:"apiKey"`
		Exchanges []string `json:"exchanges"`
	}
	if err := c.Bind(&body); err != nil {
		return response.ErrorResponse(c, http.StatusBadRequest, "invalid_payload", "Invalid request body")
	}
	if body.ApiKey == "" {
		return response.ErrorResponse(c, http.StatusBadRequest, "invalid_payload", "apiKey is required")
	}
	for _, exchange := range body.Exchanges {
		if !provider.AllowedExchanges[exchange] {
			return response.ErrorResponse(c, http.StatusBadRequest, "invalid_exchange", "Unknown exchange: "+exchange)
		}
	}
	if err := h.apiKeys.SetEntitledExchanges(body.ApiKey, body.Exchanges); err != nil {
		return response.ErrorResponse(c, http.StatusInternalServerError, "server_error", err.Error())
	}
	return response.SuccessResponse(c, map[string]interface{}{
		"apiKey":    body.ApiKey,
		"exchanges": body.Exchanges,
	})
}

// UpdateBlocklist writes a blocklist entry to the shared store
func (h *AdminHandler) UpdateBlocklist(c echo.Context) error {
	var entry service.BlockEntry
	if err := c.Bind(&entry); err != nil {
		return response.ErrorResponse(c, http.StatusBadRequest, "invalid_payload", "Invalid request body")
	}
	for _, exchange := range entry.Exchanges {
		if !provider.AllowedExchanges[exchange] {
			return response.ErrorResponse(c, http.StatusBadRequest, "invalid_exchange", "Unknown exchange: "+exchange)
		}
	}
	if err := h.blocklist.Apply(c.Request().Context(), entry); err != nil {
		return response.ErrorResponse(c, http.StatusInternalServerError, "server_error", err.Error())
	}
	return response.SuccessResponse(c, entry)
}

// ListAbuseFlags returns all abuse flags ordered by risk score
func (h *AdminHandler) ListAbuseFlags(c echo.Context) error {
	flags, err := h.abuse.ListFlags()
	if err != nil {
		return response.ErrorResponse(c, http.StatusInternalServerError, "server_error", err.Error())
	}
	return response.SuccessResponse(c, flags)
}

// BlockApiKey force-blocks a key
func (h *AdminHandler) BlockApiKey(c echo.Context) error {
	var body struct {
		ApiKey string `json:"apiKey"`
	}
	if err := c.Bind(&body); err != nil || body.ApiKey == "" {
		return response.ErrorResponse(c, http.StatusBadRequest, "invalid_payload", "apiKey is required")
	}
	if err := h.abuse.Block(body.ApiKey); err != nil {
		return response.ErrorResponse(c, http.StatusInternalServerError, "server_error", err.Error())
	}
	h.apiKeys.Invalidate(body.ApiKey)
	return response.SuccessResponse(c, map[string]interface{}{"apiKey": body.ApiKey, "blocked": true})
}

// UnblockApiKey clears a block and resets the score
func (h *AdminHandler) UnblockApiKey(c echo.Context) error {
	var body struct {
		ApiKey string `json:"apiKey"`
	}
	if err := c.Bind(&body); err != nil || body.ApiKey == "" {
		return response.ErrorResponse(c, http.StatusBadRequest, "invalid_payload", "apiKey is required")
	}
	if err := h.abuse.Unblock(body.ApiKey); err != nil {
		return response.ErrorResponse(c, http.StatusNotFound, "server_error", err.Error())
	}
	h.apiKeys.Invalidate(body.ApiKey)
	return response.SuccessResponse(c, map[string]interface{}{"apiKey": body.ApiKey, "blocked": false})
}
