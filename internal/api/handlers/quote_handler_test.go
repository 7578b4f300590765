package handlers

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/marketfanout/gatewayapi/internal/cache"
	"github.com/marketfanout/gatewayapi/internal/provider"
	"github.com/marketfanout/gatewayapi/internal/service"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// directGate runs upstream calls without pacing
type directGate struct{}

func (directGate) Execute(ctx context.Context, endpoint string, fn func(context.Context) (interface{}, error)) (interface{}, error) {
	return fn(ctx)
}

// priceAdapter serves quotes from fixed token and pair tables
type priceAdapter struct {
	prices  map[uint32]float64
	pairLTP map[string]*float64
}

func (a *priceAdapter) Name() string               { return "stub" }
func (a *priceAdapter) Ready() bool                { return true }
func (a *priceAdapter) Ping(context.Context) error { return nil }

func (a *priceAdapter) InitializeTicker() (provider.Ticker, error) { return nil, provider.ErrNotReady }
func (a *priceAdapter) RestartTicker() (provider.Ticker, error)    { return nil, provider.ErrNotReady }
func (a *priceAdapter) GetTicker() provider.Ticker                 { return nil }

func (a *priceAdapter) GetLTP(ctx context.Context, tokens []uint32) (map[uint32]float64, error) {
	out := make(map[uint32]float64)
	for _, token := range tokens {
		if price, ok := a.prices[token]; ok {
			out[token] = price
		}
	}
	return out, nil
}

func (a *priceAdapter) GetQuote(ctx context.Context, tokens []uint32) (map[uint32]provider.Quote, error) {
	out := make(map[uint32]provider.Quote)
	for _, token := range tokens {
		if price, ok := a.prices[token]; ok {
			out[token] = provider.Quote{LastPrice: price}
		}
	}
	return out, nil
}

func (a *priceAdapter) GetOHLC(ctx context.Context, tokens []uint32) (map[uint32]provider.Quote, error) {
	return a.GetQuote(ctx, tokens)
}

func (a *priceAdapter) GetLTPByPairs(ctx context.Context, pairs []provider.Pair) (map[string]*float64, error) {
	out := make(map[string]*float64)
	for _, pair := range pairs {
		out[pair.String()] = a.pairLTP[pair.String()]
	}
	return out, nil
}

func (a *priceAdapter) GetHistoricalData(ctx context.Context, req provider.HistoryRequest) ([]provider.Candle, error) {
	return nil, nil
}

func (a *priceAdapter) GetInstruments(ctx context.Context) ([]provider.InstrumentRecord, error) {
	return nil, nil
}

func newQuoteFixture(t *testing.T, adapter provider.Adapter) *QuoteHandler {
	t.Helper()
	resolver := provider.NewResolver(nil, "stub", map[string]provider.Adapter{"stub": adapter})
	batch := service.NewBatchService(directGate{}, cache.NewLTPCache(), nil)
	return NewQuoteHandler(batch, resolver)
}

func ltpRequest(t *testing.T, handler *QuoteHandler, instruments string) map[string]interface{} {
	t.Helper()
	e := echo.New()
	req := httptest.NewRequest("GET", "/ltp?instruments="+instruments, nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	require.NoError(t, handler.GetLTP(c))
	require.Equal(t, 200, rec.Code)

	var body struct {
		Status string                 `json:"status"`
		Data   map[string]interface{} `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, "success", body.Status)
	return body.Data
}

func TestGetLTPMixedTokensAndPairs(t *testing.T) {
	known := 455.5
	adapter := &priceAdapter{
		prices:  map[uint32]float64{256265: 22500.5},
		pairLTP: map[string]*float64{"NSE_FO-456": &known},
	}
	handler := newQuoteFixture(t, adapter)

	data := ltpRequest(t, handler, "256265,NSE_FO-456")

	// Bare tokens and pairs both answered, each keyed by its request form
	require.Contains(t, data, "256265")
	require.Contains(t, data, "NSE_FO-456")
	bare := data["256265"].(map[string]interface{})
	assert.Equal(t, 22500.5, bare["last_price"])
	pair := data["NSE_FO-456"].(map[string]interface{})
	assert.Equal(t, 455.5, pair["last_price"])
}

func TestGetLTPBareTokensOnly(t *testing.T) {
	adapter := &priceAdapter{prices: map[uint32]float64{738561: 2890.7}}
	handler := newQuoteFixture(t, adapter)

	data := ltpRequest(t, handler, "738561")

	require.Contains(t, data, "738561")
	entry := data["738561"].(map[string]interface{})
	assert.Equal(t, 2890.7, entry["last_price"])
}
