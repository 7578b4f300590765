// Package handlers contains the handlers for the API
package handlers

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/labstack/echo/v4"
	"github.com/marketfanout/gatewayapi/internal/api/middleware"
	"github.com/marketfanout/gatewayapi/internal/models"
	"github.com/marketfanout/gatewayapi/internal/provider"
	"github.com/marketfanout/gatewayapi/internal/service"
	"github.com/marketfanout/gatewayapi/pkg/utils/response"
)

// QuoteHandler serves the coalesced quote endpoints
type QuoteHandler struct {
	batch    *service.BatchService
	resolver *provider.Resolver
}

// NewQuoteHandler creates a new quote handler
func NewQuoteHandler(batch *service.BatchService, resolver *provider.Resolver) *QuoteHandler {
	return &QuoteHandler{batch: batch, resolver: resolver}
}

// parseInstrumentsParam parses the instruments query parameter: a comma
// separated list of numeric tokens or EXCHANGE-TOKEN pairs. It returns the
// full token set, the bare (pairless) tokens, and the pairs.
func parseInstrumentsParam(c echo.Context) ([]uint32, []uint32, []provider.Pair, error) {
	raw := c.QueryParam("instruments")
	if raw == "" {
		return nil, nil, nil, echo.NewHTTPError(http.StatusBadRequest, "No instruments specified")
	}

	var tokens, bare []uint32
	var pairs []provider.Pair
	for _, item := range strings.Split(raw, ",") {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		if token, err := strconv.ParseUint(item, 10, 32); err == nil {
			tokens = append(tokens, uint32(token))
			bare = append(bare, uint32(token))
			continue
		}
		pair, err := provider.ParsePair(item)
		if err != nil {
			return nil, nil, nil, err
		}
		pairs = append(pairs, pair)
		tokens = append(tokens, pair.Token)
	}
	if len(tokens) == 0 {
		return nil, nil, nil, echo.NewHTTPError(http.StatusBadRequest, "No instruments specified")
	}
	return tokens, bare, pairs, nil
}

func (h *QuoteHandler) adapterFor(c echo.Context) provider.Adapter {
	keyOverride := ""
	if record, ok := c.Get(middleware.ContextApiKeyRecord).(*models.ApiKeyModel); ok && record != nil {
		keyOverride = record.Provider
	}
	return h.resolver.ResolveForHTTP(c.Request().Context(), c.Request().Header.Get("x-provider"), keyOverride)
}

// GetQuote gets the full quote for the given instruments
func (h *QuoteHandler) GetQuote(c echo.Context) error {
	tokens, _, _, err := parseInstrumentsParam(c)
	if err != nil {
		return quoteParamError(c, err)
	}

	quotes, err := h.batch.GetQuotes(c.Request().Context(), h.adapterFor(c), tokens)
	if err != nil {
		return response.ErrorResponse(c, http.StatusBadGateway, "provider_error", err.Error())
	}

	data := make(map[string]interface{}, len(quotes))
	for token, quote := range quotes {
		data[strconv.FormatUint(uint64(token), 10)] = quote
	}
	return response.SuccessResponse(c, data)
}

// GetOHLC gets the OHLC data for the given instruments
func (h *QuoteHandler) GetOHLC(c echo.Context) error {
	tokens, _, _, err := parseInstrumentsParam(c)
	if err != nil {
		return quoteParamError(c, err)
	}

	quotes, err := h.batch.GetOHLC(c.Request().Context(), h.adapterFor(c), tokens)
	if err != nil {
		return response.ErrorResponse(c, http.StatusBadGateway, "provider_error", err.Error())
	}

	data := make(map[string]interface{}, len(quotes))
	for token, quote := range quotes {
		data[strconv.FormatUint(uint64(token), 10)] = quote
	}
	return response.SuccessResponse(c, data)
}

// GetLTP gets the last price for the given instruments. Pair-form
// instruments are answered by pair and bare tokens by token, so every
// request item gets an entry even when the forms are mixed.
func (h *QuoteHandler) GetLTP(c echo.Context) error {
	tokens, bare, pairs, err := parseInstrumentsParam(c)
	if err != nil {
		return quoteParamError(c, err)
	}
	adapter := h.adapterFor(c)

	if len(pairs) == 0 {
		prices, err := h.batch.GetLTP(c.Request().Context(), adapter, tokens)
		if err != nil {
			return response.ErrorResponse(c, http.StatusBadGateway, "provider_error", err.Error())
		}
		data := make(map[string]interface{}, len(prices))
		for token, price := range prices {
			data[strconv.FormatUint(uint64(token), 10)] = map[string]interface{}{"last_price": price}
		}
		return response.SuccessResponse(c, data)
	}

	prices, err := h.batch.GetLTPByPairs(c.Request().Context(), adapter, pairs)
	if err != nil {
		return response.ErrorResponse(c, http.StatusBadGateway, "provider_error", err.Error())
	}
	data := make(map[string]interface{}, len(prices)+len(bare))
	for pairKey, price := range prices {
		data[pairKey] = map[string]interface{}{"last_price": price}
	}
	if len(bare) > 0 {
		barePrices, err := h.batch.GetLTP(c.Request().Context(), adapter, bare)
		if err != nil {
			return response.ErrorResponse(c, http.StatusBadGateway, "provider_error", err.Error())
		}
		for token, price := range barePrices {
			data[strconv.FormatUint(uint64(token), 10)] = map[string]interface{}{"last_price": price}
		}
	}
	return response.SuccessResponse(c, data)
}

func quoteParamError(c echo.Context, err error) error {
	if invalid, ok := err.(*provider.ErrInvalidExchange); ok {
		return response.ErrorResponse(c, http.StatusBadRequest, "invalid_exchange", invalid.Error())
	}
	if httpErr, ok := err.(*echo.HTTPError); ok {
		return response.ErrorResponse(c, httpErr.Code, "invalid_payload", httpErr.Message.(string))
	}
	return response.ErrorResponse(c, http.StatusBadRequest, "invalid_payload", err.Error())
}
