package provider

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeLockStore struct {
	mu       sync.Mutex
	grant    bool
	err      error
	setCalls int
	ttl      time.Duration
}

func (s *fakeLockStore) SetNX(ctx context.Context, key string, value interface{}, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.setCalls++
	s.ttl = ttl
	return s.grant, s.err
}

func (s *fakeLockStore) PTTL(ctx context.Context, key string) (time.Duration, error) {
	return 20 * time.Millisecond, nil
}

func TestQueueExecutesWhenLockAcquired(t *testing.T) {
	store := &fakeLockStore{grant: true}
	q := newQueueWithLocks(store)

	result, err := q.Execute(context.Background(), EndpointLTP, func(ctx context.Context) (interface{}, error) {
		return "ok", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "ok", result)
	assert.Equal(t, 1, store.setCalls)
}

func TestQueueLockTTLWithinJitterRange(t *testing.T) {
	store := &fakeLockStore{grant: true}
	q := newQueueWithLocks(store)

	_, err := q.Execute(context.Background(), EndpointQuotes, func(ctx context.Context) (interface{}, error) {
		return nil, nil
	})
	require.NoError(t, err)
	assert.GreaterOrEqual(t, store.ttl, 1050*time.Millisecond)
	assert.LessOrEqual(t, store.ttl, 1150*time.Millisecond)
}

func TestQueueFallsBackWhenStoreUnreachable(t *testing.T) {
	store := &fakeLockStore{err: errors.New("connection refused")}
	q := newQueueWithLocks(store)

	result, err := q.Execute(context.Background(), EndpointOHLC, func(ctx context.Context) (interface{}, error) {
		return 42, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 42, result)
}

func TestQueueRetriesUntilLockGranted(t *testing.T) {
	store := &fakeLockStore{grant: false}
	q := newQueueWithLocks(store)

	// Grant the lock shortly after the first denial
	go func() {
		time.Sleep(30 * time.Millisecond)
		store.mu.Lock()
		store.grant = true
		store.mu.Unlock()
	}()

	done := make(chan struct{})
	var result interface{}
	var err error
	go func() {
		result, err = q.Execute(context.Background(), EndpointHistory, func(ctx context.Context) (interface{}, error) {
			return "late", nil
		})
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Execute did not complete after the lock became available")
	}
	require.NoError(t, err)
	assert.Equal(t, "late", result)
	assert.GreaterOrEqual(t, store.setCalls, 2)
}

func TestQueuePropagatesCallerError(t *testing.T) {
	store := &fakeLockStore{grant: true}
	q := newQueueWithLocks(store)

	wantErr := NewError(errors.New("upstream 502"), true)
	_, err := q.Execute(context.Background(), EndpointLTP, func(ctx context.Context) (interface{}, error) {
		return nil, wantErr
	})
	require.Error(t, err)
	var providerErr *Error
	assert.ErrorAs(t, err, &providerErr)
}

func TestQueueRespectsContextCancellation(t *testing.T) {
	store := &fakeLockStore{grant: false}
	q := newQueueWithLocks(store)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	_, err := q.Execute(ctx, EndpointQuotes, func(ctx context.Context) (interface{}, error) {
		return nil, nil
	})
	assert.ErrorIs(t, err, context.Canceled)
}
