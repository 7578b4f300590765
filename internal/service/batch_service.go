package service

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/marketfanout/gatewayapi/internal/cache"
	"github.com/marketfanout/gatewayapi/internal/metrics"
	"github.com/marketfanout/gatewayapi/internal/provider"
	"github.com/marketfanout/gatewayapi/internal/repository"
	"github.com/marketfanout/gatewayapi/pkg/utils/zaplogger"
)

const (
	batchWindowDuration = 1 * time.Second
	batchChunkSize      = 1000
	enrichStaleWindow   = 5 * time.Second
)

// providerGate is the pacing seam in front of upstream HTTP calls
type providerGate interface {
	Execute(ctx context.Context, endpoint string, fn func(context.Context) (interface{}, error)) (interface{}, error)
}

// lastTickStore is the shared-store read tier consulted between the local
// stale cache and the extra upstream LTP call
type lastTickStore interface {
	GetLastTicks(ctx context.Context, tokens []uint32) (map[uint32]repository.LastTick, error)
}

// BatchService coalesces same-second quote, LTP, and OHLC requests across
// callers into single gated upstream calls and backfills missing prices from
// the local cache and the shared last-tick records.
type BatchService struct {
	gate      providerGate
	cache     *cache.LTPCache
	ticks     lastTickStore
	windowDur time.Duration

	mu          sync.Mutex
	windows     map[string]*batchWindow
	pairWindows map[string]*pairBatchWindow
}

// NewBatchService creates a new BatchService
func NewBatchService(gate providerGate, ltpCache *cache.LTPCache, ticks lastTickStore) *BatchService {
	return newBatchServiceWithWindow(gate, ltpCache, ticks, batchWindowDuration)
}

func newBatchServiceWithWindow(gate providerGate, ltpCache *cache.LTPCache, ticks lastTickStore, windowDur time.Duration) *BatchService {
	return &BatchService{
		gate:        gate,
		cache:       ltpCache,
		ticks:       ticks,
		windowDur:   windowDur,
		windows:     make(map[string]*batchWindow),
		pairWindows: make(map[string]*pairBatchWindow),
	}
}

type batchWindow struct {
	mu     sync.Mutex
	closed bool
	tokens map[uint32]bool

	done   chan struct{}
	result map[uint32]provider.Quote
	err    error
}

type pairBatchWindow struct {
	mu     sync.Mutex
	closed bool
	pairs  map[string]provider.Pair

	done   chan struct{}
	result map[string]*float64
	err    error
}

func (s *BatchService) windowKey(endpoint, providerName string) string {
	bucket := time.Now().UnixNano() / int64(s.windowDur)
	return fmt.Sprintf("%s|%s|%d", endpoint, providerName, bucket)
}

// GetQuotes returns full quotes for the requested tokens, coalesced with any
// other callers in the same window
func (s *BatchService) GetQuotes(ctx context.Context, adapter provider.Adapter, tokens []uint32) (map[uint32]provider.Quote, error) {
	return s.joinWindow(ctx, adapter, provider.EndpointQuotes, tokens, adapter.GetQuote)
}

// GetOHLC returns OHLC quotes for the requested tokens
func (s *BatchService) GetOHLC(ctx context.Context, adapter provider.Adapter, tokens []uint32) (map[uint32]provider.Quote, error) {
	return s.joinWindow(ctx, adapter, provider.EndpointOHLC, tokens, adapter.GetOHLC)
}

// GetLTP returns last prices for the requested tokens
func (s *BatchService) GetLTP(ctx context.Context, adapter provider.Adapter, tokens []uint32) (map[uint32]float64, error) {
	quotes, err := s.joinWindow(ctx, adapter, provider.EndpointLTP,
		tokens, func(ctx context.Context, tokens []uint32) (map[uint32]provider.Quote, error) {
			prices, err := adapter.GetLTP(ctx, tokens)
			if err != nil {
				return nil, err
			}
			out := make(map[uint32]provider.Quote, len(prices))
			for token, price := range prices {
				out[token] = provider.Quote{LastPrice: price}
			}
			return out, nil
		})
	if err != nil {
		return nil, err
	}
	prices := make(map[uint32]float64, len(quotes))
	for token, quote := range quotes {
		prices[token] = quote.LastPrice
	}
	return prices, nil
}

// GetHistoricalData passes a history query through the pacing gate
func (s *BatchService) GetHistoricalData(ctx context.Context, adapter provider.Adapter, req provider.HistoryRequest) ([]provider.Candle, error) {
	result, err := s.gate.Execute(ctx, provider.EndpointHistory, func(ctx context.Context) (interface{}, error) {
		return adapter.GetHistoricalData(ctx, req)
	})
	if err != nil {
		return nil, err
	}
	return result.([]provider.Candle), nil
}

// joinWindow registers the caller's tokens under the current coalescing key.
// The first caller of a window arms its close timer; everyone waits on the
// shared result.
func (s *BatchService) joinWindow(ctx context.Context, adapter provider.Adapter, endpoint string, tokens []uint32,
	fetch func(context.Context, []uint32) (map[uint32]provider.Quote, error)) (map[uint32]provider.Quote, error) {

	metrics.BatchRequestsTotal.WithLabelValues(endpoint).Inc()
	metrics.BatchTokensRequested.WithLabelValues(endpoint).Add(float64(len(tokens)))

	var window *batchWindow
	for {
		key := s.windowKey(endpoint, adapter.Name())

		s.mu.Lock()
		candidate, ok := s.windows[key]
		if !ok {
			candidate = &batchWindow{
				tokens: make(map[uint32]bool),
				done:   make(chan struct{}),
			}
			s.windows[key] = candidate
			time.AfterFunc(s.windowDur, func() {
				s.mu.Lock()
				delete(s.windows, key)
				s.mu.Unlock()
				s.closeWindow(candidate, endpoint, adapter, fetch)
			})
		}
		s.mu.Unlock()

		candidate.mu.Lock()
		if candidate.closed {
			// Snapshot already taken, join a fresh window instead
			candidate.mu.Unlock()
			continue
		}
		for _, token := range tokens {
			candidate.tokens[token] = true
		}
		candidate.mu.Unlock()
		window = candidate
		break
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-window.done:
	}
	if window.err != nil {
		return nil, window.err
	}

	out := make(map[uint32]provider.Quote, len(tokens))
	for _, token := range tokens {
		if quote, ok := window.result[token]; ok {
			out[token] = quote
		}
	}
	return out, nil
}

// closeWindow executes the union of the window's tokens upstream and runs
// price enrichment over the merged result
func (s *BatchService) closeWindow(window *batchWindow, endpoint string, adapter provider.Adapter,
	fetch func(context.Context, []uint32) (map[uint32]provider.Quote, error)) {

	defer close(window.done)

	window.mu.Lock()
	window.closed = true
	tokens := make([]uint32, 0, len(window.tokens))
	for token := range window.tokens {
		tokens = append(tokens, token)
	}
	window.mu.Unlock()

	metrics.BatchTokensDeduped.WithLabelValues(endpoint).Add(float64(len(tokens)))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	merged := make(map[uint32]provider.Quote, len(tokens))
	for start := 0; start < len(tokens); start += batchChunkSize {
		end := start + batchChunkSize
		if end > len(tokens) {
			end = len(tokens)
		}
		chunk := tokens[start:end]

		metrics.BatchCallsTotal.WithLabelValues(endpoint).Inc()
		result, err := s.gate.Execute(ctx, endpoint, func(ctx context.Context) (interface{}, error) {
			return fetch(ctx, chunk)
		})
		if err != nil {
			window.err = err
			return
		}
		for token, quote := range result.(map[uint32]provider.Quote) {
			merged[token] = quote
		}
	}

	s.enrich(ctx, endpoint, adapter, tokens, merged)
	window.result = merged
}

// enrich backfills missing or non-positive last prices: local stale cache,
// then the shared last-tick records, then one extra gated LTP call for
// whatever remains
func (s *BatchService) enrich(ctx context.Context, endpoint string, adapter provider.Adapter, tokens []uint32, merged map[uint32]provider.Quote) {
	var missing []uint32
	for _, token := range tokens {
		if quote, ok := merged[token]; !ok || quote.LastPrice <= 0 {
			missing = append(missing, token)
		}
	}
	if len(missing) == 0 {
		return
	}

	cached := s.cache.GetManyStaleWithin(missing, enrichStaleWindow)
	var afterLocal []uint32
	for _, token := range missing {
		if price := cached[token]; price != nil {
			metrics.CacheHits.WithLabelValues("local_stale").Inc()
			quote := merged[token]
			quote.LastPrice = *price
			merged[token] = quote
		} else {
			afterLocal = append(afterLocal, token)
		}
	}

	stillMissing := s.enrichFromSharedStore(ctx, afterLocal, merged)
	if len(stillMissing) == 0 {
		return
	}
	metrics.CacheMisses.Add(float64(len(stillMissing)))

	metrics.BatchCallsTotal.WithLabelValues(provider.EndpointLTP).Inc()
	result, err := s.gate.Execute(ctx, provider.EndpointLTP, func(ctx context.Context) (interface{}, error) {
		return adapter.GetLTP(ctx, stillMissing)
	})
	if err != nil {
		zaplogger.Warn("ltp enrichment call failed", zaplogger.Fields{
			"endpoint": endpoint,
			"tokens":   len(stillMissing),
			"error":    err.Error(),
		})
		return
	}
	for token, price := range result.(map[uint32]float64) {
		quote := merged[token]
		quote.LastPrice = price
		merged[token] = quote
	}
}

// enrichFromSharedStore fills prices from the last-tick records, returning the
// tokens that stayed unresolved. The records carry their own <=5 s TTL so any
// hit is fresh enough. Shared-store failures fall through to the caller.
func (s *BatchService) enrichFromSharedStore(ctx context.Context, tokens []uint32, merged map[uint32]provider.Quote) []uint32 {
	if len(tokens) == 0 || s.ticks == nil {
		return tokens
	}
	records, err := s.ticks.GetLastTicks(ctx, tokens)
	if err != nil {
		metrics.SharedStoreErrors.WithLabelValues("last_tick_mget").Inc()
		return tokens
	}
	var remaining []uint32
	for _, token := range tokens {
		if record, ok := records[token]; ok && record.LastPrice > 0 {
			metrics.CacheHits.WithLabelValues("shared_store").Inc()
			quote := merged[token]
			quote.LastPrice = record.LastPrice
			merged[token] = quote
		} else {
			remaining = append(remaining, token)
		}
	}
	return remaining
}

// GetLTPByPairs returns last prices keyed by EXCHANGE-TOKEN pair, coalesced
// across callers. Every requested pair gets an entry, nil when unknown.
func (s *BatchService) GetLTPByPairs(ctx context.Context, adapter provider.Adapter, pairs []provider.Pair) (map[string]*float64, error) {
	metrics.BatchRequestsTotal.WithLabelValues(provider.EndpointLTP).Inc()
	metrics.BatchTokensRequested.WithLabelValues(provider.EndpointLTP).Add(float64(len(pairs)))

	var window *pairBatchWindow
	for {
		key := s.windowKey("ltp_pairs", adapter.Name())

		s.mu.Lock()
		candidate, ok := s.pairWindows[key]
		if !ok {
			candidate = &pairBatchWindow{
				pairs: make(map[string]provider.Pair),
				done:  make(chan struct{}),
			}
			s.pairWindows[key] = candidate
			time.AfterFunc(s.windowDur, func() {
				s.mu.Lock()
				delete(s.pairWindows, key)
				s.mu.Unlock()
				s.closePairWindow(candidate, adapter)
			})
		}
		s.mu.Unlock()

		candidate.mu.Lock()
		if candidate.closed {
			candidate.mu.Unlock()
			continue
		}
		for _, pair := range pairs {
			candidate.pairs[pair.String()] = pair
		}
		candidate.mu.Unlock()
		window = candidate
		break
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-window.done:
	}
	if window.err != nil {
		return nil, window.err
	}

	out := make(map[string]*float64, len(pairs))
	for _, pair := range pairs {
		out[pair.String()] = window.result[pair.String()]
	}
	return out, nil
}

func (s *BatchService) closePairWindow(window *pairBatchWindow, adapter provider.Adapter) {
	defer close(window.done)

	window.mu.Lock()
	window.closed = true
	pairs := make([]provider.Pair, 0, len(window.pairs))
	for _, pair := range window.pairs {
		pairs = append(pairs, pair)
	}
	window.mu.Unlock()

	metrics.BatchTokensDeduped.WithLabelValues(provider.EndpointLTP).Add(float64(len(pairs)))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	merged := make(map[string]*float64, len(pairs))
	for start := 0; start < len(pairs); start += batchChunkSize {
		end := start + batchChunkSize
		if end > len(pairs) {
			end = len(pairs)
		}
		chunk := pairs[start:end]

		metrics.BatchCallsTotal.WithLabelValues(provider.EndpointLTP).Inc()
		result, err := s.gate.Execute(ctx, provider.EndpointLTP, func(ctx context.Context) (interface{}, error) {
			return adapter.GetLTPByPairs(ctx, chunk)
		})
		if err != nil {
			window.err = err
			return
		}
		for pairKey, price := range result.(map[string]*float64) {
			merged[pairKey] = price
		}
	}

	// Backfill unknowns from the stale cache keyed by the token part, then
	// from the shared last-tick records
	var missed []provider.Pair
	for _, pair := range pairs {
		pairKey := pair.String()
		if price := merged[pairKey]; price != nil && *price > 0 {
			continue
		}
		if price, ok := s.cache.GetStaleWithin(pair.Token, enrichStaleWindow); ok {
			metrics.CacheHits.WithLabelValues("local_stale").Inc()
			value := price
			merged[pairKey] = &value
		} else {
			missed = append(missed, pair)
		}
	}

	if len(missed) > 0 && s.ticks != nil {
		tokens := make([]uint32, len(missed))
		for i, pair := range missed {
			tokens[i] = pair.Token
		}
		records, err := s.ticks.GetLastTicks(ctx, tokens)
		if err != nil {
			metrics.SharedStoreErrors.WithLabelValues("last_tick_mget").Inc()
			records = nil
		}
		for _, pair := range missed {
			pairKey := pair.String()
			if record, ok := records[pair.Token]; ok && record.LastPrice > 0 {
				metrics.CacheHits.WithLabelValues("shared_store").Inc()
				value := record.LastPrice
				merged[pairKey] = &value
			} else if _, present := merged[pairKey]; !present {
				merged[pairKey] = nil
			}
		}
	} else {
		for _, pair := range missed {
			if _, present := merged[pair.String()]; !present {
				merged[pair.String()] = nil
			}
		}
	}
	window.result = merged
}
