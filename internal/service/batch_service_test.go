package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/marketfanout/gatewayapi/internal/cache"
	"github.com/marketfanout/gatewayapi/internal/provider"
	"github.com/marketfanout/gatewayapi/internal/repository"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeLastTickStore serves last-tick records from a fixed table
type fakeLastTickStore struct {
	mu      sync.Mutex
	records map[uint32]repository.LastTick
	calls   int
}

func (f *fakeLastTickStore) GetLastTicks(ctx context.Context, tokens []uint32) (map[uint32]repository.LastTick, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	out := make(map[uint32]repository.LastTick)
	for _, token := range tokens {
		if record, ok := f.records[token]; ok {
			out[token] = record
		}
	}
	return out, nil
}

// passGate runs calls immediately, counting them
type passGate struct {
	mu    sync.Mutex
	calls map[string]int
}

func newPassGate() *passGate {
	return &passGate{calls: make(map[string]int)}
}

func (g *passGate) Execute(ctx context.Context, endpoint string, fn func(context.Context) (interface{}, error)) (interface{}, error) {
	g.mu.Lock()
	g.calls[endpoint]++
	g.mu.Unlock()
	return fn(ctx)
}

func (g *passGate) count(endpoint string) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.calls[endpoint]
}

// stubBatchAdapter records LTP calls and serves from a fixed price table
type stubBatchAdapter struct {
	mu       sync.Mutex
	ltpCalls [][]uint32
	prices   map[uint32]float64
	pairLTP  map[string]*float64
}

func (a *stubBatchAdapter) Name() string               { return "stub" }
func (a *stubBatchAdapter) Ready() bool                { return true }
func (a *stubBatchAdapter) Ping(context.Context) error { return nil }

func (a *stubBatchAdapter) InitializeTicker() (provider.Ticker, error) {
	return nil, provider.ErrNotReady
}
func (a *stubBatchAdapter) RestartTicker() (provider.Ticker, error) { return nil, provider.ErrNotReady }
func (a *stubBatchAdapter) GetTicker() provider.Ticker              { return nil }

func (a *stubBatchAdapter) GetLTP(ctx context.Context, tokens []uint32) (map[uint32]float64, error) {
	a.mu.Lock()
	snapshot := make([]uint32, len(tokens))
	copy(snapshot, tokens)
	a.ltpCalls = append(a.ltpCalls, snapshot)
	a.mu.Unlock()

	out := make(map[uint32]float64)
	for _, token := range tokens {
		if price, ok := a.prices[token]; ok {
			out[token] = price
		}
	}
	return out, nil
}

func (a *stubBatchAdapter) GetQuote(ctx context.Context, tokens []uint32) (map[uint32]provider.Quote, error) {
	out := make(map[uint32]provider.Quote)
	for _, token := range tokens {
		if price, ok := a.prices[token]; ok {
			out[token] = provider.Quote{LastPrice: price}
		}
	}
	return out, nil
}

func (a *stubBatchAdapter) GetOHLC(ctx context.Context, tokens []uint32) (map[uint32]provider.Quote, error) {
	return a.GetQuote(ctx, tokens)
}

func (a *stubBatchAdapter) GetLTPByPairs(ctx context.Context, pairs []provider.Pair) (map[string]*float64, error) {
	out := make(map[string]*float64)
	for _, pair := range pairs {
		out[pair.String()] = a.pairLTP[pair.String()]
	}
	return out, nil
}

func (a *stubBatchAdapter) GetHistoricalData(ctx context.Context, req provider.HistoryRequest) ([]provider.Candle, error) {
	return []provider.Candle{{Ts: req.From.Unix(), Close: 100}}, nil
}

func (a *stubBatchAdapter) GetInstruments(ctx context.Context) ([]provider.InstrumentRecord, error) {
	return nil, nil
}

// waitForWindowStart sleeps past the next coalescing-bucket boundary so
// concurrent callers land in the same window
func waitForWindowStart(windowDur time.Duration) {
	now := time.Now().UnixNano()
	next := (now/int64(windowDur) + 1) * int64(windowDur)
	time.Sleep(time.Duration(next-now) + 10*time.Millisecond)
}

func TestBatchCoalescesSameWindowCallers(t *testing.T) {
	gate := newPassGate()
	adapter := &stubBatchAdapter{prices: map[uint32]float64{
		256265: 22500.5, 260105: 48200.1, 738561: 2890.7,
	}}
	s := newBatchServiceWithWindow(gate, cache.NewLTPCache(), nil, 200*time.Millisecond)

	waitForWindowStart(s.windowDur)

	var wg sync.WaitGroup
	results := make([]map[uint32]float64, 2)
	requests := [][]uint32{{256265, 260105}, {256265, 738561}}
	for i := range requests {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			out, err := s.GetLTP(context.Background(), adapter, requests[i])
			require.NoError(t, err)
			results[i] = out
		}(i)
	}
	wg.Wait()

	require.Len(t, adapter.ltpCalls, 1)
	assert.ElementsMatch(t, []uint32{256265, 260105, 738561}, adapter.ltpCalls[0])
	assert.Equal(t, 1, gate.count(provider.EndpointLTP))

	assert.Equal(t, map[uint32]float64{256265: 22500.5, 260105: 48200.1}, results[0])
	assert.Equal(t, map[uint32]float64{256265: 22500.5, 738561: 2890.7}, results[1])
}

func TestBatchEnrichesFromStaleCache(t *testing.T) {
	gate := newPassGate()
	adapter := &stubBatchAdapter{prices: map[uint32]float64{110: 0}}
	ltpCache := cache.NewLTPCache()
	ltpCache.Set(110, 99.25)
	s := newBatchServiceWithWindow(gate, ltpCache, nil, 50*time.Millisecond)

	out, err := s.GetLTP(context.Background(), adapter, []uint32{110})

	require.NoError(t, err)
	assert.Equal(t, 99.25, out[110])
}

func TestBatchPairLTPAlwaysAnswersEveryPair(t *testing.T) {
	gate := newPassGate()
	known := 455.5
	adapter := &stubBatchAdapter{pairLTP: map[string]*float64{
		"NSE_EQ-22": &known,
	}}
	s := newBatchServiceWithWindow(gate, cache.NewLTPCache(), nil, 50*time.Millisecond)

	pairs := []provider.Pair{
		{Exchange: "NSE_EQ", Token: 22},
		{Exchange: "NSE_FO", Token: 999},
	}
	out, err := s.GetLTPByPairs(context.Background(), adapter, pairs)

	require.NoError(t, err)
	require.Len(t, out, 2)
	require.NotNil(t, out["NSE_EQ-22"])
	assert.Equal(t, 455.5, *out["NSE_EQ-22"])
	assert.Nil(t, out["NSE_FO-999"])
}

func TestBatchEnrichesFromSharedStoreBeforeExtraCall(t *testing.T) {
	gate := newPassGate()
	adapter := &stubBatchAdapter{prices: map[uint32]float64{110: 0}}
	ticks := &fakeLastTickStore{records: map[uint32]repository.LastTick{
		110: {LastPrice: 101.5, Ts: time.Now().UnixMilli()},
	}}
	s := newBatchServiceWithWindow(gate, cache.NewLTPCache(), ticks, 50*time.Millisecond)

	out, err := s.GetLTP(context.Background(), adapter, []uint32{110})

	require.NoError(t, err)
	assert.Equal(t, 101.5, out[110])

	// The shared record resolved the token, no extra upstream LTP call
	assert.Equal(t, 1, ticks.calls)
	adapter.mu.Lock()
	defer adapter.mu.Unlock()
	assert.Len(t, adapter.ltpCalls, 1)
}

func TestBatchPairLTPBackfillsFromSharedStore(t *testing.T) {
	gate := newPassGate()
	adapter := &stubBatchAdapter{pairLTP: map[string]*float64{}}
	ticks := &fakeLastTickStore{records: map[uint32]repository.LastTick{
		999: {LastPrice: 77.7, Ts: time.Now().UnixMilli()},
	}}
	s := newBatchServiceWithWindow(gate, cache.NewLTPCache(), ticks, 50*time.Millisecond)

	out, err := s.GetLTPByPairs(context.Background(), adapter, []provider.Pair{
		{Exchange: "NSE_FO", Token: 999},
		{Exchange: "NSE_FO", Token: 1000},
	})

	require.NoError(t, err)
	require.NotNil(t, out["NSE_FO-999"])
	assert.Equal(t, 77.7, *out["NSE_FO-999"])
	assert.Nil(t, out["NSE_FO-1000"])
}

func TestBatchLateJoinerAlwaysGetsAnswered(t *testing.T) {
	gate := newPassGate()
	adapter := &stubBatchAdapter{prices: map[uint32]float64{}}
	for token := uint32(1); token <= 16; token++ {
		adapter.prices[token] = float64(token) * 1.5
	}
	s := newBatchServiceWithWindow(gate, cache.NewLTPCache(), nil, 5*time.Millisecond)

	// Callers racing the window close must land in a fresh window rather
	// than registering after its snapshot and waiting out an empty result
	var wg sync.WaitGroup
	for worker := uint32(0); worker < 8; worker++ {
		wg.Add(1)
		go func(token uint32) {
			defer wg.Done()
			for i := 0; i < 25; i++ {
				out, err := s.GetLTP(context.Background(), adapter, []uint32{token})
				if assert.NoError(t, err) {
					assert.Contains(t, out, token)
				}
			}
		}(worker + 1)
	}
	wg.Wait()
}

func TestBatchHistoryGoesThroughGate(t *testing.T) {
	gate := newPassGate()
	adapter := &stubBatchAdapter{}
	s := newBatchServiceWithWindow(gate, cache.NewLTPCache(), nil, 50*time.Millisecond)

	candles, err := s.GetHistoricalData(context.Background(), adapter, provider.HistoryRequest{
		Token: 256265, Interval: "minute",
		From: time.Now().Add(-time.Hour), To: time.Now(),
	})

	require.NoError(t, err)
	require.Len(t, candles, 1)
	assert.Equal(t, 1, gate.count(provider.EndpointHistory))
}
