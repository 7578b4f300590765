package handlers

import (
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
	"github.com/marketfanout/gatewayapi/internal/models"
	"github.com/marketfanout/gatewayapi/internal/service"
	"github.com/marketfanout/gatewayapi/pkg/utils/response"
)

// InstrumentHandler serves the read-only instrument endpoints
type InstrumentHandler struct {
	instruments *service.InstrumentService
}

// NewInstrumentHandler creates a new instrument handler
func NewInstrumentHandler(instruments *service.InstrumentService) *InstrumentHandler {
	return &InstrumentHandler{instruments: instruments}
}

// QueryInstruments returns instruments matching the query parameters
func (h *InstrumentHandler) QueryInstruments(c echo.Context) error {
	var params models.QueryInstrumentsParams
	if err := c.Bind(&params); err != nil {
		return response.ErrorResponse(c, http.StatusBadRequest, "invalid_payload", "Invalid query parameters")
	}
	if params.Exchange == "" && params.Tradingsymbol == "" && params.Name == "" &&
		params.Segment == "" && params.InstrumentType == "" {
		return response.ErrorResponse(c, http.StatusBadRequest, "invalid_payload", "At least one query parameter is required")
	}

	instruments, err := h.instruments.QueryInstruments(params)
	if err != nil {
		return response.ErrorResponse(c, http.StatusInternalServerError, "server_error", err.Error())
	}
	return response.SuccessResponse(c, instruments)
}

// GetTokens resolves exchange:tradingsymbol identifiers to tokens
func (h *InstrumentHandler) GetTokens(c echo.Context) error {
	identifiers := c.QueryParams()["i"]
	if len(identifiers) == 0 {
		return response.ErrorResponse(c, http.StatusBadRequest, "invalid_payload", "No instruments specified")
	}

	symbols := make([][2]string, 0, len(identifiers))
	for _, identifier := range identifiers {
		parts := strings.SplitN(identifier, ":", 2)
		if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
			return response.ErrorResponse(c, http.StatusBadRequest, "invalid_payload", "Invalid instrument: "+identifier+", want EXCHANGE:TRADINGSYMBOL")
		}
		symbols = append(symbols, [2]string{parts[0], parts[1]})
	}

	tokens, err := h.instruments.GetTokensBySymbols(symbols)
	if err != nil {
		return response.ErrorResponse(c, http.StatusInternalServerError, "server_error", err.Error())
	}
	return response.SuccessResponse(c, tokens)
}
