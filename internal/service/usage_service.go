package service

import (
	"context"
	"fmt"
	"time"

	"github.com/marketfanout/gatewayapi/internal/metrics"
	"github.com/marketfanout/gatewayapi/pkg/utils/zaplogger"
	"github.com/redis/go-redis/v9"
)

const (
	httpUsageTTL = 65 * time.Second
	wsConnTTL    = 3600 * time.Second
	wsRateTTL    = 2 * time.Second
)

// usageStore is the slice of the shared store the usage counters need
type usageStore interface {
	Incr(ctx context.Context, key string) (int64, error)
	Decr(ctx context.Context, key string) (int64, error)
	Expire(ctx context.Context, key string, ttl time.Duration) error
	Set(ctx context.Context, key string, value int64, ttl time.Duration) error
	// Get returns the counter and whether the key exists
	Get(ctx context.Context, key string) (int64, bool, error)
}

// redisUsageStore backs usageStore with the shared Redis client
type redisUsageStore struct {
	client *redis.Client
}

func (r redisUsageStore) Incr(ctx context.Context, key string) (int64, error) {
	return r.client.Incr(ctx, key).Result()
}

func (r redisUsageStore) Decr(ctx context.Context, key string) (int64, error) {
	return r.client.Decr(ctx, key).Result()
}

func (r redisUsageStore) Expire(ctx context.Context, key string, ttl time.Duration) error {
	return r.client.Expire(ctx, key, ttl).Err()
}

func (r redisUsageStore) Set(ctx context.Context, key string, value int64, ttl time.Duration) error {
	return r.client.Set(ctx, key, value, ttl).Err()
}

func (r redisUsageStore) Get(ctx context.Context, key string) (int64, bool, error) {
	count, err := r.client.Get(ctx, key).Int64()
	if err == redis.Nil {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return count, true, nil
}

// UsageService maintains the per-key usage counters in the shared store.
// Every method is fail-open: a shared-store error is logged and metered but
// never turned into a caller-visible outage.
type UsageService struct {
	store usageStore
}

// NewUsageService creates a new UsageService
func NewUsageService(redisClient *redis.Client) *UsageService {
	return &UsageService{store: redisUsageStore{client: redisClient}}
}

// newUsageServiceWithStore wires an alternative counter store, for tests
func newUsageServiceWithStore(store usageStore) *UsageService {
	return &UsageService{store: store}
}

// httpUsageKey formats http:ratelimit:{key}:{YYYYMMDDHHMM}
func httpUsageKey(apiKey string, at time.Time) string {
	return fmt.Sprintf("http:ratelimit:%s:%s", apiKey, at.UTC().Format("200601021504"))
}

// wsConnectionsKey formats ws:connections:{key}
func wsConnectionsKey(apiKey string) string {
	return fmt.Sprintf("ws:connections:%s", apiKey)
}

// wsRateKey formats ws:rate:{key}:{event}:{epoch_sec}
func wsRateKey(scopeID, event string, at time.Time) string {
	return fmt.Sprintf("ws:rate:%s:%s:%d", scopeID, event, at.Unix())
}

// IncrementHttpUsage bumps the minute bucket and raises ErrRateLimitExceeded
// when the key is over its per-minute limit
func (s *UsageService) IncrementHttpUsage(ctx context.Context, apiKey string, limitPerMinute int) error {
	key := httpUsageKey(apiKey, time.Now())
	count, err := s.store.Incr(ctx, key)
	if err != nil {
		s.failOpen("http_usage_incr", err)
		return nil
	}
	if count == 1 {
		s.store.Expire(ctx, key, httpUsageTTL)
	}
	if limitPerMinute > 0 && count > int64(limitPerMinute) {
		metrics.HTTPRateLimited.Inc()
		return ErrRateLimitExceeded
	}
	return nil
}

// TrackWsConnection increments the per-key connection counter and raises
// ErrConnectionLimitExceeded when over the limit. The failed admission is
// decremented first so it does not leak a counter increment.
func (s *UsageService) TrackWsConnection(ctx context.Context, apiKey string, connectionLimit int) error {
	key := wsConnectionsKey(apiKey)
	count, err := s.store.Incr(ctx, key)
	if err != nil {
		s.failOpen("ws_conn_incr", err)
		return nil
	}
	s.store.Expire(ctx, key, wsConnTTL)
	if connectionLimit > 0 && count > int64(connectionLimit) {
		s.store.Decr(ctx, key)
		return ErrConnectionLimitExceeded
	}
	return nil
}

// UntrackWsConnection decrements the per-key connection counter
func (s *UsageService) UntrackWsConnection(ctx context.Context, apiKey string) {
	key := wsConnectionsKey(apiKey)
	count, err := s.store.Decr(ctx, key)
	if err != nil {
		s.failOpen("ws_conn_decr", err)
		return
	}
	if count < 0 {
		// Counter drift after TTL expiry, clamp
		s.store.Set(ctx, key, 0, wsConnTTL)
	}
}

// CheckWsRateLimit counts an event against the 1 s bucket. It returns the
// retry-after duration when the event is over the limit, zero when allowed.
func (s *UsageService) CheckWsRateLimit(ctx context.Context, scopeID, event string, rpsLimit int) (time.Duration, bool) {
	if rpsLimit <= 0 {
		return 0, true
	}
	now := time.Now()
	key := wsRateKey(scopeID, event, now)
	count, err := s.store.Incr(ctx, key)
	if err != nil {
		s.failOpen("ws_rate_incr", err)
		return 0, true
	}
	if count == 1 {
		s.store.Expire(ctx, key, wsRateTTL)
	}
	if count > int64(rpsLimit) {
		retryAfter := time.Second - time.Duration(now.Nanosecond())
		return retryAfter, false
	}
	return 0, true
}

// UsageReport is the live counter snapshot for one key
type UsageReport struct {
	HTTPRequestsThisMinute int64 `json:"httpRequestsThisMinute"`
	CurrentWsConnections   int64 `json:"currentWsConnections"`
}

// GetUsageReport reads the live counters for one key
func (s *UsageService) GetUsageReport(ctx context.Context, apiKey string) UsageReport {
	var report UsageReport
	if count, found, err := s.store.Get(ctx, httpUsageKey(apiKey, time.Now())); err != nil {
		s.failOpen("http_usage_get", err)
	} else if found {
		report.HTTPRequestsThisMinute = count
	}
	if count, found, err := s.store.Get(ctx, wsConnectionsKey(apiKey)); err != nil {
		s.failOpen("ws_conn_get", err)
	} else if found {
		report.CurrentWsConnections = count
	}
	return report
}

func (s *UsageService) failOpen(op string, err error) {
	metrics.SharedStoreErrors.WithLabelValues(op).Inc()
	zaplogger.Warn("shared store error, failing open", zaplogger.Fields{
		"op":    op,
		"error": err.Error(),
	})
}
