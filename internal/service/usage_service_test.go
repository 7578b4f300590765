package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// memUsageStore keeps the counters in a map, ignoring TTLs
type memUsageStore struct {
	mu       sync.Mutex
	counters map[string]int64
	failing  bool
}

func newMemUsageStore() *memUsageStore {
	return &memUsageStore{counters: make(map[string]int64)}
}

var errStoreDown = errors.New("store down")

func (m *memUsageStore) Incr(ctx context.Context, key string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failing {
		return 0, errStoreDown
	}
	m.counters[key]++
	return m.counters[key], nil
}

func (m *memUsageStore) Decr(ctx context.Context, key string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failing {
		return 0, errStoreDown
	}
	m.counters[key]--
	return m.counters[key], nil
}

func (m *memUsageStore) Expire(ctx context.Context, key string, ttl time.Duration) error { return nil }

func (m *memUsageStore) Set(ctx context.Context, key string, value int64, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.counters[key] = value
	return nil
}

func (m *memUsageStore) Get(ctx context.Context, key string) (int64, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failing {
		return 0, false, errStoreDown
	}
	count, ok := m.counters[key]
	return count, ok, nil
}

func (m *memUsageStore) counter(key string) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.counters[key]
}

func TestUsageKeyFormats(t *testing.T) {
	at := time.Date(2026, 3, 17, 9, 15, 42, 0, time.UTC)

	assert.Equal(t, "http:ratelimit:mk_live_abc:202603170915", httpUsageKey("mk_live_abc", at))
	assert.Equal(t, "ws:connections:mk_live_abc", wsConnectionsKey("mk_live_abc"))
	assert.Equal(t,
		"ws:rate:client-1:subscribe:1773738942",
		wsRateKey("client-1", "subscribe", at))
}

func TestHttpUsageKeyBucketsByMinute(t *testing.T) {
	base := time.Date(2026, 3, 17, 9, 15, 0, 0, time.UTC)

	sameMinute := httpUsageKey("k", base.Add(59*time.Second))
	nextMinute := httpUsageKey("k", base.Add(60*time.Second))

	assert.Equal(t, httpUsageKey("k", base), sameMinute)
	assert.NotEqual(t, sameMinute, nextMinute)
}

func TestTrackWsConnectionRefusesOverLimitWithoutLeak(t *testing.T) {
	store := newMemUsageStore()
	s := newUsageServiceWithStore(store)
	ctx := context.Background()

	require.NoError(t, s.TrackWsConnection(ctx, "mk_live_abc", 2))
	require.NoError(t, s.TrackWsConnection(ctx, "mk_live_abc", 2))

	err := s.TrackWsConnection(ctx, "mk_live_abc", 2)
	require.ErrorIs(t, err, ErrConnectionLimitExceeded)

	// The refused admission rolled its increment back, so a disconnect
	// frees exactly one slot
	key := wsConnectionsKey("mk_live_abc")
	assert.Equal(t, int64(2), store.counter(key))

	s.UntrackWsConnection(ctx, "mk_live_abc")
	assert.Equal(t, int64(1), store.counter(key))
	assert.NoError(t, s.TrackWsConnection(ctx, "mk_live_abc", 2))
}

func TestIncrementHttpUsageEnforcesMinuteLimit(t *testing.T) {
	store := newMemUsageStore()
	s := newUsageServiceWithStore(store)
	ctx := context.Background()

	require.NoError(t, s.IncrementHttpUsage(ctx, "mk_live_abc", 2))
	require.NoError(t, s.IncrementHttpUsage(ctx, "mk_live_abc", 2))
	assert.ErrorIs(t, s.IncrementHttpUsage(ctx, "mk_live_abc", 2), ErrRateLimitExceeded)

	// All three hits landed in the current minute bucket
	assert.Equal(t, int64(3), store.counter(httpUsageKey("mk_live_abc", time.Now())))
}

func TestCheckWsRateLimitReturnsRetryAfter(t *testing.T) {
	store := newMemUsageStore()
	s := newUsageServiceWithStore(store)
	ctx := context.Background()

	// The bucket is keyed by epoch second, retry if the calls straddle one
	for attempt := 0; attempt < 5; attempt++ {
		scope := string(rune('a' + attempt))
		start := time.Now().Unix()
		_, first := s.CheckWsRateLimit(ctx, scope, "subscribe", 1)
		retryAfter, second := s.CheckWsRateLimit(ctx, scope, "subscribe", 1)
		if time.Now().Unix() != start {
			continue
		}
		require.True(t, first)
		assert.False(t, second)
		assert.Greater(t, retryAfter, time.Duration(0))
		assert.LessOrEqual(t, retryAfter, time.Second)
		return
	}
	t.Fatal("calls kept straddling a bucket boundary")
}

func TestUsageCountersFailOpen(t *testing.T) {
	store := newMemUsageStore()
	store.failing = true
	s := newUsageServiceWithStore(store)
	ctx := context.Background()

	assert.NoError(t, s.TrackWsConnection(ctx, "mk_live_abc", 1))
	assert.NoError(t, s.IncrementHttpUsage(ctx, "mk_live_abc", 1))
	_, allowed := s.CheckWsRateLimit(ctx, "mk_live_abc", "subscribe", 1)
	assert.True(t, allowed)
}

func TestUsageReportReadsLiveCounters(t *testing.T) {
	store := newMemUsageStore()
	s := newUsageServiceWithStore(store)
	ctx := context.Background()

	require.NoError(t, s.IncrementHttpUsage(ctx, "mk_live_abc", 0))
	require.NoError(t, s.TrackWsConnection(ctx, "mk_live_abc", 0))
	require.NoError(t, s.TrackWsConnection(ctx, "mk_live_abc", 0))

	report := s.GetUsageReport(ctx, "mk_live_abc")
	assert.Equal(t, int64(1), report.HTTPRequestsThisMinute)
	assert.Equal(t, int64(2), report.CurrentWsConnections)
}
