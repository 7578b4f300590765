package provider

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/marketfanout/gatewayapi/internal/metrics"
	"github.com/marketfanout/gatewayapi/pkg/utils/zaplogger"
	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"
)

const (
	queueLockPrefix    = "providerLock:"
	queueSpinLimit     = 5 * time.Second
	queueWarnInterval  = time.Minute
	queueLockBaseTTLMs = 1000
)

// lockStore is the subset of Redis the queue needs for its cluster gate
type lockStore interface {
	SetNX(ctx context.Context, key string, value interface{}, ttl time.Duration) (bool, error)
	PTTL(ctx context.Context, key string) (time.Duration, error)
}

type redisLockStore struct {
	client *redis.Client
}

func (s *redisLockStore) SetNX(ctx context.Context, key string, value interface{}, ttl time.Duration) (bool, error) {
	return s.client.SetNX(ctx, key, value, ttl).Result()
}

func (s *redisLockStore) PTTL(ctx context.Context, key string) (time.Duration, error) {
	return s.client.PTTL(ctx, key).Result()
}

// Queue is the cluster-wide one-call-per-second-per-endpoint gate in front
// of the provider HTTP APIs. When the shared store is unreachable it degrades
// to an in-process 1/sec limiter so the cluster keeps making progress.
type Queue struct {
	locks lockStore

	mu       sync.Mutex
	fallback map[string]*rate.Limiter
	lastWarn map[string]time.Time
}

// NewQueue creates a queue over the shared Redis store
func NewQueue(redisClient *redis.Client) *Queue {
	return &Queue{
		locks:    &redisLockStore{client: redisClient},
		fallback: make(map[string]*rate.Limiter),
		lastWarn: make(map[string]time.Time),
	}
}

// newQueueWithLocks is the test seam
func newQueueWithLocks(locks lockStore) *Queue {
	return &Queue{
		locks:    locks,
		fallback: make(map[string]*rate.Limiter),
		lastWarn: make(map[string]time.Time),
	}
}

// Execute runs fn once the caller holds the endpoint's one-per-second slot
func (q *Queue) Execute(ctx context.Context, endpoint string, fn func(context.Context) (interface{}, error)) (interface{}, error) {
	start := time.Now()
	key := queueLockPrefix + endpoint

	for {
		if time.Since(start) > queueSpinLimit {
			return q.executeFallback(ctx, endpoint, fn, "lock spin exceeded")
		}

		ttl := time.Duration(queueLockBaseTTLMs+50+rand.Intn(100)) * time.Millisecond
		acquired, err := q.locks.SetNX(ctx, key, "1", ttl)
		if err != nil {
			return q.executeFallback(ctx, endpoint, fn, err.Error())
		}
		if acquired {
			return q.run(ctx, endpoint, fn)
		}

		remaining, err := q.locks.PTTL(ctx, key)
		if err != nil || remaining < 0 {
			remaining = time.Duration(queueLockBaseTTLMs) * time.Millisecond
		}
		sleep := remaining + time.Duration(25+rand.Intn(75))*time.Millisecond
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(sleep):
		}
	}
}

// executeFallback serves the call through the in-process limiter
func (q *Queue) executeFallback(ctx context.Context, endpoint string, fn func(context.Context) (interface{}, error), reason string) (interface{}, error) {
	q.mu.Lock()
	limiter, ok := q.fallback[endpoint]
	if !ok {
		limiter = rate.NewLimiter(rate.Limit(1), 1)
		q.fallback[endpoint] = limiter
	}
	warnDue := time.Since(q.lastWarn[endpoint]) > queueWarnInterval
	if warnDue {
		q.lastWarn[endpoint] = time.Now()
	}
	q.mu.Unlock()

	if warnDue {
		zaplogger.Warn("provider queue using in-memory fallback gate", zaplogger.Fields{
			"endpoint": endpoint,
			"reason":   reason,
		})
	}
	metrics.ProviderQueueFallback.WithLabelValues(endpoint).Inc()

	if err := limiter.Wait(ctx); err != nil {
		return nil, err
	}
	return q.run(ctx, endpoint, fn)
}

func (q *Queue) run(ctx context.Context, endpoint string, fn func(context.Context) (interface{}, error)) (interface{}, error) {
	metrics.ProviderRequestsTotal.WithLabelValues(endpoint).Inc()
	start := time.Now()
	result, err := fn(ctx)
	metrics.ProviderLatency.WithLabelValues(endpoint).Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.ProviderRequestErrors.WithLabelValues(endpoint, errorLabel(err)).Inc()
	}
	return result, err
}

func errorLabel(err error) string {
	if err == ErrNotReady {
		return "not_ready"
	}
	if _, ok := err.(*Error); ok {
		return "provider_error"
	}
	return "other"
}
