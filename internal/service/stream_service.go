package service

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/marketfanout/gatewayapi/internal/cache"
	"github.com/marketfanout/gatewayapi/internal/metrics"
	"github.com/marketfanout/gatewayapi/internal/models"
	"github.com/marketfanout/gatewayapi/internal/provider"
	"github.com/marketfanout/gatewayapi/internal/repository"
	"github.com/marketfanout/gatewayapi/pkg/utils/zaplogger"
)

const (
	drainInterval    = 500 * time.Millisecond
	drainChunkSize   = 500
	persistInterval  = 1 * time.Second
	persistBufferCap = 2000
)

// Stream states
const (
	StreamIdle         = "idle"
	StreamStarting     = "starting"
	StreamConnected    = "connected"
	StreamDisconnected = "disconnected"
)

// tickStore is the persistence seam behind the tick handler
type tickStore interface {
	SetLastTick(ctx context.Context, token uint32, record repository.LastTick) error
	UpsertTickerData(rows []models.TickerData) error
	TruncateTickerData() error
}

// subscriptionRow is the reference-counted upstream subscription for one token
type subscriptionRow struct {
	mode    provider.Mode
	clients map[string]bool
}

// StreamService owns the single upstream ticker and multiplexes it across
// sockets. It is the sole mutator of the upstream subscription set; the
// gateway only calls Subscribe, Unsubscribe, and the broadcast handle flows
// the other way.
type StreamService struct {
	resolver *provider.Resolver
	cache    *cache.LTPCache
	ticks    tickStore

	drainEvery   time.Duration
	persistEvery time.Duration

	mu           sync.Mutex
	rows         map[uint32]*subscriptionRow
	pendingSub   map[uint32]provider.Mode
	pendingUnsub map[uint32]bool
	streaming    bool
	state        string
	ticker       provider.Ticker
	providerName string
	stop         chan struct{}

	broadcastMu sync.RWMutex
	broadcast   func(token uint32, tick provider.Tick)

	persistMu  sync.Mutex
	persistBuf []models.TickerData
}

// NewStreamService creates a new StreamService
func NewStreamService(resolver *provider.Resolver, ltpCache *cache.LTPCache, ticks tickStore) *StreamService {
	s := &StreamService{
		resolver:     resolver,
		cache:        ltpCache,
		ticks:        ticks,
		drainEvery:   drainInterval,
		persistEvery: persistInterval,
		rows:         make(map[uint32]*subscriptionRow),
		pendingSub:   make(map[uint32]provider.Mode),
		pendingUnsub: make(map[uint32]bool),
		state:        StreamIdle,
	}
	resolver.OnSwitch(s.handleProviderSwitch)
	return s
}

// SetBroadcastFunc registers the gateway's fan-out handle
func (s *StreamService) SetBroadcastFunc(fn func(token uint32, tick provider.Tick)) {
	s.broadcastMu.Lock()
	s.broadcast = fn
	s.broadcastMu.Unlock()
}

// Subscribe adds socketID as a subscriber of the tokens at the given mode.
// New tokens are queued for the next drain; a higher-priority mode upgrades
// the token's upstream mode, it is never downgraded.
func (s *StreamService) Subscribe(tokens []uint32, mode provider.Mode, socketID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, token := range tokens {
		delete(s.pendingUnsub, token)

		row, ok := s.rows[token]
		if !ok {
			row = &subscriptionRow{mode: mode, clients: make(map[string]bool)}
			s.rows[token] = row
			s.pendingSub[token] = mode
		} else if mode.Priority() > row.mode.Priority() {
			row.mode = mode
			s.pendingSub[token] = mode
		}
		row.clients[socketID] = true
	}
	metrics.StreamSubscribed.Set(float64(len(s.rows)))
}

// Unsubscribe removes socketID from the tokens. A token whose last subscriber
// leaves is queued for upstream unsubscribe; if it was still waiting in the
// subscribe queue the pending subscribe is simply cancelled.
func (s *StreamService) Unsubscribe(tokens []uint32, socketID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, token := range tokens {
		row, ok := s.rows[token]
		if !ok {
			continue
		}
		delete(row.clients, socketID)
		if len(row.clients) > 0 {
			continue
		}
		delete(s.rows, token)
		if _, pending := s.pendingSub[token]; pending {
			delete(s.pendingSub, token)
		} else {
			s.pendingUnsub[token] = true
		}
	}
	metrics.StreamSubscribed.Set(float64(len(s.rows)))
}

// IsSubscriber reports whether socketID currently subscribes to token
func (s *StreamService) IsSubscriber(token uint32, socketID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.rows[token]
	return ok && row.clients[socketID]
}

// StartStreaming initializes the active provider's ticker and begins the
// drain and persist loops. Idempotent.
func (s *StreamService) StartStreaming(ctx context.Context) error {
	s.mu.Lock()
	if s.streaming {
		s.mu.Unlock()
		return nil
	}
	s.state = StreamStarting
	s.mu.Unlock()

	adapter := s.resolver.ResolveForWS(ctx)
	ticker, err := adapter.InitializeTicker()
	if err != nil {
		s.mu.Lock()
		s.state = StreamIdle
		s.mu.Unlock()
		return err
	}

	s.wireTicker(ticker)
	if err := ticker.Connect(ctx); err != nil {
		s.mu.Lock()
		s.state = StreamIdle
		s.mu.Unlock()
		return err
	}

	// Stale snapshot rows from the previous session are dropped; the table
	// only ever holds the current stream's latest ticks
	if err := s.ticks.TruncateTickerData(); err != nil {
		zaplogger.Warn("ticker data truncate failed", zaplogger.Fields{"error": err.Error()})
	}

	s.mu.Lock()
	s.ticker = ticker
	s.providerName = adapter.Name()
	s.streaming = true
	s.state = StreamConnected
	s.stop = make(chan struct{})
	// Replay the table so a restart resubscribes everything
	for token, row := range s.rows {
		s.pendingSub[token] = row.mode
	}
	stop := s.stop
	s.mu.Unlock()

	go s.drainLoop(stop)
	go s.persistLoop(stop)

	zaplogger.Info("streaming started", zaplogger.Fields{"provider": adapter.Name()})
	return nil
}

// StopStreaming disconnects the ticker and stops the loops. The subscription
// table is kept so a later start replays it.
func (s *StreamService) StopStreaming() {
	s.mu.Lock()
	if !s.streaming {
		s.mu.Unlock()
		return
	}
	s.streaming = false
	s.state = StreamIdle
	close(s.stop)
	ticker := s.ticker
	s.ticker = nil
	s.mu.Unlock()

	if ticker != nil {
		ticker.Close()
	}
	s.flushPersistBuffer()
	zaplogger.Info("streaming stopped", nil)
}

// ReconnectIfStreaming restarts the upstream ticker, used after a provider
// access-token refresh
func (s *StreamService) ReconnectIfStreaming(ctx context.Context) error {
	s.mu.Lock()
	streaming := s.streaming
	s.mu.Unlock()
	if !streaming {
		return nil
	}
	s.StopStreaming()
	return s.StartStreaming(ctx)
}

// handleProviderSwitch reconciles the stream onto the new provider
func (s *StreamService) handleProviderSwitch(oldName, newName string) {
	s.mu.Lock()
	streaming := s.streaming
	s.mu.Unlock()
	if !streaming {
		return
	}
	zaplogger.Info("reconciling stream after provider switch", zaplogger.Fields{
		"from": oldName,
		"to":   newName,
	})
	s.StopStreaming()
	if err := s.StartStreaming(context.Background()); err != nil {
		zaplogger.Error("stream restart after provider switch failed", zaplogger.Fields{
			"provider": newName,
			"error":    err.Error(),
		})
	}
}

func (s *StreamService) wireTicker(ticker provider.Ticker) {
	ticker.OnTick(s.handleTick)
	ticker.OnConnect(func() {
		s.mu.Lock()
		s.state = StreamConnected
		s.mu.Unlock()
	})
	ticker.OnClose(func(err error) {
		s.mu.Lock()
		if s.streaming {
			s.state = StreamDisconnected
		}
		s.mu.Unlock()
		if err != nil {
			zaplogger.Warn("upstream ticker closed", zaplogger.Fields{"error": err.Error()})
		}
	})
	ticker.OnError(func(err error) {
		zaplogger.Error("upstream ticker error", zaplogger.Fields{"error": err.Error()})
	})
}

// handleTick routes one upstream tick: cache first, then shared store, then
// best-effort persistence, then fan-out. The cache write must complete before
// the broadcast so REST readers never see a price older than a delivered tick.
func (s *StreamService) handleTick(tick provider.Tick) {
	metrics.TicksReceived.Inc()

	s.cache.Set(tick.Token, tick.LastPrice)

	record := repository.LastTick{
		LastPrice: tick.LastPrice,
		Volume:    tick.Volume,
		OI:        tick.OI,
		Ts:        tick.Timestamp.Unix(),
	}
	if tick.OHLC != nil {
		record.OHLC = map[string]float64{
			"open": tick.OHLC.Open, "high": tick.OHLC.High,
			"low": tick.OHLC.Low, "close": tick.OHLC.Close,
		}
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	if err := s.ticks.SetLastTick(ctx, tick.Token, record); err != nil {
		metrics.SharedStoreErrors.WithLabelValues("last_tick_set").Inc()
	}
	cancel()

	s.bufferTickerData(tick)

	s.broadcastMu.RLock()
	broadcast := s.broadcast
	s.broadcastMu.RUnlock()
	if broadcast != nil {
		broadcast(tick.Token, tick)
	}
}

func (s *StreamService) bufferTickerData(tick provider.Tick) {
	row := models.TickerData{
		InstrumentToken: tick.Token,
		Mode:            string(tick.Mode),
		LastPrice:       tick.LastPrice,
		VolumeTraded:    tick.Volume,
		OI:              tick.OI,
		NetChange:       tick.NetChange,
		Timestamp:       tick.Timestamp,
		UpdatedAt:       time.Now(),
	}
	if tick.OHLC != nil {
		if payload, err := json.Marshal(tick.OHLC); err == nil {
			row.OHLC = payload
		}
	}
	if tick.Depth != nil {
		if payload, err := json.Marshal(tick.Depth); err == nil {
			row.Depth = payload
		}
	}

	s.persistMu.Lock()
	if len(s.persistBuf) < persistBufferCap {
		s.persistBuf = append(s.persistBuf, row)
	}
	s.persistMu.Unlock()
}

func (s *StreamService) drainLoop(stop chan struct{}) {
	ticker := time.NewTicker(s.drainEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.drainPending()
		case <-stop:
			return
		}
	}
}

// drainPending flushes the queued subscribe and unsubscribe operations to
// the upstream ticker, grouped by mode and chunked. Failed chunks are
// requeued for the next cycle.
func (s *StreamService) drainPending() {
	s.mu.Lock()
	ticker := s.ticker
	subs := s.pendingSub
	unsubs := s.pendingUnsub
	s.pendingSub = make(map[uint32]provider.Mode)
	s.pendingUnsub = make(map[uint32]bool)
	s.mu.Unlock()

	if ticker == nil {
		return
	}

	byMode := make(map[provider.Mode][]uint32)
	for token, mode := range subs {
		byMode[mode] = append(byMode[mode], token)
	}
	for mode, tokens := range byMode {
		for start := 0; start < len(tokens); start += drainChunkSize {
			end := start + drainChunkSize
			if end > len(tokens) {
				end = len(tokens)
			}
			if err := ticker.Subscribe(tokens[start:end], mode); err != nil {
				zaplogger.Warn("upstream subscribe failed, retrying next drain", zaplogger.Fields{
					"tokens": len(tokens[start:end]),
					"mode":   string(mode),
					"error":  err.Error(),
				})
				s.requeueSubs(tokens[start:end], mode)
			}
		}
	}

	if len(unsubs) > 0 {
		tokens := make([]uint32, 0, len(unsubs))
		for token := range unsubs {
			tokens = append(tokens, token)
		}
		for start := 0; start < len(tokens); start += drainChunkSize {
			end := start + drainChunkSize
			if end > len(tokens) {
				end = len(tokens)
			}
			if err := ticker.Unsubscribe(tokens[start:end]); err != nil {
				zaplogger.Warn("upstream unsubscribe failed, retrying next drain", zaplogger.Fields{
					"tokens": len(tokens[start:end]),
					"error":  err.Error(),
				})
				s.requeueUnsubs(tokens[start:end])
			}
		}
	}
}

func (s *StreamService) requeueSubs(tokens []uint32, mode provider.Mode) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, token := range tokens {
		if _, stillWanted := s.rows[token]; stillWanted {
			s.pendingSub[token] = mode
		}
	}
}

func (s *StreamService) requeueUnsubs(tokens []uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, token := range tokens {
		if _, resubscribed := s.rows[token]; !resubscribed {
			s.pendingUnsub[token] = true
		}
	}
}

func (s *StreamService) persistLoop(stop chan struct{}) {
	ticker := time.NewTicker(s.persistEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.flushPersistBuffer()
		case <-stop:
			return
		}
	}
}

func (s *StreamService) flushPersistBuffer() {
	s.persistMu.Lock()
	if len(s.persistBuf) == 0 {
		s.persistMu.Unlock()
		return
	}
	rows := s.persistBuf
	s.persistBuf = nil
	s.persistMu.Unlock()

	if err := s.ticks.UpsertTickerData(rows); err != nil {
		// Non-fatal, the next flush carries fresher data anyway
		zaplogger.Warn("ticker data persist failed", zaplogger.Fields{
			"rows":  len(rows),
			"error": err.Error(),
		})
	}
}

// StreamStatus is the observability snapshot of the multiplexer
type StreamStatus struct {
	Streaming        bool   `json:"streaming"`
	State            string `json:"state"`
	Provider         string `json:"provider,omitempty"`
	SubscribedTokens int    `json:"subscribedTokens"`
	PendingSub       int    `json:"pendingSubscribe"`
	PendingUnsub     int    `json:"pendingUnsubscribe"`
}

// Status reports the current stream state
func (s *StreamService) Status() StreamStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return StreamStatus{
		Streaming:        s.streaming,
		State:            s.state,
		Provider:         s.providerName,
		SubscribedTokens: len(s.rows),
		PendingSub:       len(s.pendingSub),
		PendingUnsub:     len(s.pendingUnsub),
	}
}
