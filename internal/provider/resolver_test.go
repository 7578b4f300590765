package provider

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// stubAdapter satisfies Adapter for resolver tests
type stubAdapter struct {
	name string
}

func (a *stubAdapter) Name() string                    { return a.name }
func (a *stubAdapter) Ready() bool                     { return true }
func (a *stubAdapter) Ping(ctx context.Context) error  { return nil }
func (a *stubAdapter) GetTicker() Ticker               { return nil }
func (a *stubAdapter) InitializeTicker() (Ticker, error) { return nil, nil }
func (a *stubAdapter) RestartTicker() (Ticker, error)    { return nil, nil }
func (a *stubAdapter) GetQuote(ctx context.Context, tokens []uint32) (map[uint32]Quote, error) {
	return nil, nil
}
func (a *stubAdapter) GetOHLC(ctx context.Context, tokens []uint32) (map[uint32]Quote, error) {
	return nil, nil
}
func (a *stubAdapter) GetLTP(ctx context.Context, tokens []uint32) (map[uint32]float64, error) {
	return nil, nil
}
func (a *stubAdapter) GetLTPByPairs(ctx context.Context, pairs []Pair) (map[string]*float64, error) {
	return nil, nil
}
func (a *stubAdapter) GetHistoricalData(ctx context.Context, req HistoryRequest) ([]Candle, error) {
	return nil, nil
}
func (a *stubAdapter) GetInstruments(ctx context.Context) ([]InstrumentRecord, error) {
	return nil, nil
}

func newTestResolver() *Resolver {
	adapters := map[string]Adapter{
		ProviderFlattrade: &stubAdapter{name: ProviderFlattrade},
		ProviderVortex:    &stubAdapter{name: ProviderVortex},
	}
	// nil redis client exercises the in-memory fallback paths
	return NewResolver(nil, ProviderFlattrade, adapters)
}

func TestResolverDefault(t *testing.T) {
	r := newTestResolver()
	assert.Equal(t, ProviderFlattrade, r.GetGlobal(context.Background()))
	assert.Equal(t, ProviderFlattrade, r.ResolveForWS(context.Background()).Name())
}

func TestResolverHTTPPriority(t *testing.T) {
	r := newTestResolver()
	ctx := context.Background()

	// Header wins over everything
	adapter := r.ResolveForHTTP(ctx, ProviderVortex, ProviderFlattrade)
	assert.Equal(t, ProviderVortex, adapter.Name())

	// Key override wins over global
	adapter = r.ResolveForHTTP(ctx, "", ProviderVortex)
	assert.Equal(t, ProviderVortex, adapter.Name())

	// Unknown header falls through to the override
	adapter = r.ResolveForHTTP(ctx, "zerodha", ProviderVortex)
	assert.Equal(t, ProviderVortex, adapter.Name())

	// Nothing set falls back to the global selection
	adapter = r.ResolveForHTTP(ctx, "", "")
	assert.Equal(t, ProviderFlattrade, adapter.Name())
}

func TestResolverSetGlobal(t *testing.T) {
	r := newTestResolver()
	ctx := context.Background()

	var switches int
	r.OnSwitch(func(oldName, newName string) { switches++ })

	require.NoError(t, r.SetGlobal(ctx, ProviderVortex))
	assert.Equal(t, ProviderVortex, r.GetGlobal(ctx))
	assert.Equal(t, 1, switches)

	// Setting the same value again is a no-op
	require.NoError(t, r.SetGlobal(ctx, ProviderVortex))
	assert.Equal(t, 1, switches)

	// Unknown provider is rejected
	assert.Error(t, r.SetGlobal(ctx, "zerodha"))
}
