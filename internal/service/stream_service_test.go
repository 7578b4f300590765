package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/marketfanout/gatewayapi/internal/cache"
	"github.com/marketfanout/gatewayapi/internal/models"
	"github.com/marketfanout/gatewayapi/internal/provider"
	"github.com/marketfanout/gatewayapi/internal/repository"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeTicker struct {
	mu         sync.Mutex
	connected  bool
	subscribes []struct {
		tokens []uint32
		mode   provider.Mode
	}
	unsubscribes [][]uint32
	onTick       func(provider.Tick)
}

func (t *fakeTicker) Connect(ctx context.Context) error {
	t.mu.Lock()
	t.connected = true
	t.mu.Unlock()
	return nil
}

func (t *fakeTicker) Close() {
	t.mu.Lock()
	t.connected = false
	t.mu.Unlock()
}

func (t *fakeTicker) Subscribe(tokens []uint32, mode provider.Mode) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	snapshot := make([]uint32, len(tokens))
	copy(snapshot, tokens)
	t.subscribes = append(t.subscribes, struct {
		tokens []uint32
		mode   provider.Mode
	}{snapshot, mode})
	return nil
}

func (t *fakeTicker) Unsubscribe(tokens []uint32) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	snapshot := make([]uint32, len(tokens))
	copy(snapshot, tokens)
	t.unsubscribes = append(t.unsubscribes, snapshot)
	return nil
}

func (t *fakeTicker) SetMode(tokens []uint32, mode provider.Mode) error { return nil }
func (t *fakeTicker) IsConnected() bool                                 { return t.connected }
func (t *fakeTicker) OnTick(fn func(provider.Tick))                     { t.onTick = fn }
func (t *fakeTicker) OnConnect(fn func())                               {}
func (t *fakeTicker) OnClose(fn func(err error))                        {}
func (t *fakeTicker) OnError(fn func(err error))                        {}

type tickerAdapter struct {
	stubBatchAdapter
	ticker *fakeTicker
}

func (a *tickerAdapter) InitializeTicker() (provider.Ticker, error) { return a.ticker, nil }
func (a *tickerAdapter) GetTicker() provider.Ticker                 { return a.ticker }

type memTickStore struct {
	mu        sync.Mutex
	lastTicks map[uint32]repository.LastTick
	upserts   [][]models.TickerData
	truncates int
}

func newMemTickStore() *memTickStore {
	return &memTickStore{lastTicks: make(map[uint32]repository.LastTick)}
}

func (m *memTickStore) SetLastTick(ctx context.Context, token uint32, record repository.LastTick) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastTicks[token] = record
	return nil
}

func (m *memTickStore) UpsertTickerData(rows []models.TickerData) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.upserts = append(m.upserts, rows)
	return nil
}

func (m *memTickStore) TruncateTickerData() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.truncates++
	return nil
}

func newStreamFixture(t *testing.T) (*StreamService, *fakeTicker, *memTickStore, *cache.LTPCache) {
	t.Helper()
	ticker := &fakeTicker{}
	adapter := &tickerAdapter{ticker: ticker}
	resolver := provider.NewResolver(nil, "stub", map[string]provider.Adapter{"stub": adapter})
	ltpCache := cache.NewLTPCache()
	store := newMemTickStore()
	s := NewStreamService(resolver, ltpCache, store)
	return s, ticker, store, ltpCache
}

func TestStreamSubscribeDrainsGroupedByMode(t *testing.T) {
	s, ticker, _, _ := newStreamFixture(t)
	require.NoError(t, s.StartStreaming(context.Background()))
	defer s.StopStreaming()

	s.Subscribe([]uint32{738561}, provider.ModeLTP, "c1")
	s.Subscribe([]uint32{738561}, provider.ModeFull, "c2")
	s.Subscribe([]uint32{256265}, provider.ModeLTP, "c1")
	s.drainPending()

	ticker.mu.Lock()
	defer ticker.mu.Unlock()
	require.Len(t, ticker.subscribes, 2)
	byMode := map[provider.Mode][]uint32{}
	for _, call := range ticker.subscribes {
		byMode[call.mode] = append(byMode[call.mode], call.tokens...)
	}
	assert.Equal(t, []uint32{738561}, byMode[provider.ModeFull])
	assert.Equal(t, []uint32{256265}, byMode[provider.ModeLTP])
}

func TestStreamModeNeverDowngrades(t *testing.T) {
	s, ticker, _, _ := newStreamFixture(t)
	require.NoError(t, s.StartStreaming(context.Background()))
	defer s.StopStreaming()

	s.Subscribe([]uint32{100}, provider.ModeFull, "c1")
	s.drainPending()
	s.Subscribe([]uint32{100}, provider.ModeLTP, "c2")
	s.drainPending()

	ticker.mu.Lock()
	defer ticker.mu.Unlock()
	require.Len(t, ticker.subscribes, 1)
	assert.Equal(t, provider.ModeFull, ticker.subscribes[0].mode)
}

func TestStreamLastSubscriberTriggersUnsubscribe(t *testing.T) {
	s, ticker, _, _ := newStreamFixture(t)
	require.NoError(t, s.StartStreaming(context.Background()))
	defer s.StopStreaming()

	s.Subscribe([]uint32{256265}, provider.ModeLTP, "c1")
	s.Subscribe([]uint32{256265}, provider.ModeLTP, "c2")
	s.drainPending()

	s.Unsubscribe([]uint32{256265}, "c1")
	s.drainPending()
	ticker.mu.Lock()
	assert.Empty(t, ticker.unsubscribes)
	ticker.mu.Unlock()

	s.Unsubscribe([]uint32{256265}, "c2")
	s.drainPending()
	ticker.mu.Lock()
	defer ticker.mu.Unlock()
	require.Len(t, ticker.unsubscribes, 1)
	assert.Equal(t, []uint32{256265}, ticker.unsubscribes[0])
}

func TestStreamUnsubscribeCancelsPendingSubscribe(t *testing.T) {
	s, ticker, _, _ := newStreamFixture(t)
	require.NoError(t, s.StartStreaming(context.Background()))
	defer s.StopStreaming()

	s.Subscribe([]uint32{500}, provider.ModeLTP, "c1")
	s.Unsubscribe([]uint32{500}, "c1")
	s.drainPending()

	ticker.mu.Lock()
	defer ticker.mu.Unlock()
	assert.Empty(t, ticker.subscribes)
	assert.Empty(t, ticker.unsubscribes)
}

func TestStreamTickUpdatesCacheBeforeBroadcast(t *testing.T) {
	s, _, store, ltpCache := newStreamFixture(t)
	require.NoError(t, s.StartStreaming(context.Background()))
	defer s.StopStreaming()

	var cachedAtBroadcast float64
	s.SetBroadcastFunc(func(token uint32, tick provider.Tick) {
		cachedAtBroadcast, _ = ltpCache.Get(token)
	})

	s.handleTick(provider.Tick{
		Token: 738561, Mode: provider.ModeLTP,
		LastPrice: 2890.7, Timestamp: time.Now(),
	})

	assert.Equal(t, 2890.7, cachedAtBroadcast)
	store.mu.Lock()
	defer store.mu.Unlock()
	assert.Equal(t, 2890.7, store.lastTicks[738561].LastPrice)
}

func TestStreamStopKeepsTableAndStartReplays(t *testing.T) {
	s, ticker, store, _ := newStreamFixture(t)
	require.NoError(t, s.StartStreaming(context.Background()))

	s.Subscribe([]uint32{256265}, provider.ModeOHLCV, "c1")
	s.drainPending()
	s.StopStreaming()

	require.NoError(t, s.StartStreaming(context.Background()))
	defer s.StopStreaming()
	s.drainPending()

	ticker.mu.Lock()
	defer ticker.mu.Unlock()
	require.Len(t, ticker.subscribes, 2)
	assert.Equal(t, []uint32{256265}, ticker.subscribes[1].tokens)
	assert.Equal(t, provider.ModeOHLCV, ticker.subscribes[1].mode)

	store.mu.Lock()
	defer store.mu.Unlock()
	assert.Equal(t, 2, store.truncates)
}
