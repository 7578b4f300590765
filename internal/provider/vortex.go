package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"
)

// Vortex is the provider adapter for the Vortex HTTP API and ticker
type Vortex struct {
	apiURL      string
	wsURL       string
	accessToken string
	client      *http.Client
	pairs       *PairResolver

	mu     sync.Mutex
	ticker *wsTicker
}

// NewVortex creates a new Vortex adapter
func NewVortex(apiURL, wsURL, accessToken string, pairs *PairResolver) *Vortex {
	return &Vortex{
		apiURL:      apiURL,
		wsURL:       wsURL,
		accessToken: accessToken,
		client:      &http.Client{Timeout: providerHTTPTimeout},
		pairs:       pairs,
	}
}

// Name returns the provider name
func (v *Vortex) Name() string {
	return ProviderVortex
}

// Ready reports whether the adapter holds an access token
func (v *Vortex) Ready() bool {
	return v.accessToken != ""
}

// Ping checks upstream reachability
func (v *Vortex) Ping(ctx context.Context) error {
	var out struct {
		Status string `json:"status"`
	}
	return v.post(ctx, "/data/ping", map[string]interface{}{}, &out)
}

// vortexQuote is the upstream quote payload for one instrument
type vortexQuote struct {
	LastTradePrice float64  `json:"last_trade_price"`
	OpenPrice      *float64 `json:"open_price,omitempty"`
	HighPrice      *float64 `json:"high_price,omitempty"`
	LowPrice       *float64 `json:"low_price,omitempty"`
	ClosePrice     *float64 `json:"close_price,omitempty"`
	Volume         uint32   `json:"volume,omitempty"`
	OpenInterest   uint32   `json:"open_interest,omitempty"`
	LastUpdateTime int64    `json:"last_update_time,omitempty"`
}

type vortexQuoteRequest struct {
	Instruments []string `json:"instruments"`
	Mode        string   `json:"mode"`
}

// GetQuote fetches full quotes for the given tokens
func (v *Vortex) GetQuote(ctx context.Context, tokens []uint32) (map[uint32]Quote, error) {
	return v.fetchQuotes(ctx, tokens, "full")
}

// GetOHLC fetches OHLC quotes for the given tokens
func (v *Vortex) GetOHLC(ctx context.Context, tokens []uint32) (map[uint32]Quote, error) {
	return v.fetchQuotes(ctx, tokens, "ohlcv")
}

func (v *Vortex) fetchQuotes(ctx context.Context, tokens []uint32, mode string) (map[uint32]Quote, error) {
	pairs, err := v.pairs.ResolveTokens(tokens)
	if err != nil {
		return nil, err
	}
	raw, err := v.fetchByPairs(ctx, pairs, mode)
	if err != nil {
		return nil, err
	}
	result := make(map[uint32]Quote, len(raw))
	for pairStr, q := range raw {
		pair, err := ParsePair(pairStr)
		if err != nil {
			continue
		}
		quote := Quote{
			LastPrice: q.LastTradePrice,
			Volume:    q.Volume,
			OI:        q.OpenInterest,
			Ts:        q.LastUpdateTime,
		}
		if q.OpenPrice != nil && q.HighPrice != nil && q.LowPrice != nil && q.ClosePrice != nil {
			quote.OHLC = &OHLC{
				Open:  *q.OpenPrice,
				High:  *q.HighPrice,
				Low:   *q.LowPrice,
				Close: *q.ClosePrice,
			}
		}
		result[pair.Token] = quote
	}
	return result, nil
}

// GetLTP fetches last traded prices for the given tokens
func (v *Vortex) GetLTP(ctx context.Context, tokens []uint32) (map[uint32]float64, error) {
	pairs, err := v.pairs.ResolveTokens(tokens)
	if err != nil {
		return nil, err
	}
	raw, err := v.fetchByPairs(ctx, pairs, "ltp")
	if err != nil {
		return nil, err
	}
	result := make(map[uint32]float64, len(raw))
	for pairStr, q := range raw {
		pair, err := ParsePair(pairStr)
		if err != nil {
			continue
		}
		result[pair.Token] = q.LastTradePrice
	}
	return result, nil
}

// GetLTPByPairs fetches last traded prices keyed by pair string
func (v *Vortex) GetLTPByPairs(ctx context.Context, pairs []Pair) (map[string]*float64, error) {
	raw, err := v.fetchByPairs(ctx, pairs, "ltp")
	if err != nil {
		return nil, err
	}
	result := make(map[string]*float64, len(pairs))
	for _, pair := range pairs {
		if q, ok := raw[pair.String()]; ok {
			lp := q.LastTradePrice
			result[pair.String()] = &lp
		} else {
			result[pair.String()] = nil
		}
	}
	return result, nil
}

func (v *Vortex) fetchByPairs(ctx context.Context, pairs []Pair, mode string) (map[string]vortexQuote, error) {
	instruments := make([]string, len(pairs))
	for i, pair := range pairs {
		instruments[i] = pair.String()
	}
	var out struct {
		Status string                 `json:"status"`
		Data   map[string]vortexQuote `json:"data"`
	}
	err := v.post(ctx, "/data/quotes", vortexQuoteRequest{Instruments: instruments, Mode: mode}, &out)
	if err != nil {
		return nil, err
	}
	return out.Data, nil
}

// GetHistoricalData fetches historical candles for one token
func (v *Vortex) GetHistoricalData(ctx context.Context, req HistoryRequest) ([]Candle, error) {
	pairs, err := v.pairs.ResolveTokens([]uint32{req.Token})
	if err != nil {
		return nil, err
	}
	body := map[string]interface{}{
		"instrument": pairs[0].String(),
		"resolution": req.Interval,
		"from":       req.From.Unix(),
		"to":         req.To.Unix(),
	}
	var out struct {
		Status string   `json:"status"`
		Data   []Candle `json:"data"`
	}
	if err := v.post(ctx, "/data/history", body, &out); err != nil {
		return nil, err
	}
	return out.Data, nil
}

// GetInstruments fetches the provider's instrument dump
func (v *Vortex) GetInstruments(ctx context.Context) ([]InstrumentRecord, error) {
	var out struct {
		Status string             `json:"status"`
		Data   []InstrumentRecord `json:"data"`
	}
	if err := v.post(ctx, "/data/instruments", map[string]interface{}{}, &out); err != nil {
		return nil, err
	}
	return out.Data, nil
}

// InitializeTicker creates the ticker, replacing any existing one
func (v *Vortex) InitializeTicker() (Ticker, error) {
	if !v.Ready() {
		return nil, ErrNotReady
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.ticker != nil {
		v.ticker.Close()
	}
	header := http.Header{}
	header.Set("x-api-token", v.accessToken)
	v.ticker = newWsTicker(ProviderVortex, v.wsURL, header, vortexCodec{})
	return v.ticker, nil
}

// RestartTicker closes and recreates the ticker
func (v *Vortex) RestartTicker() (Ticker, error) {
	return v.InitializeTicker()
}

// GetTicker returns the current ticker, nil before initialization
func (v *Vortex) GetTicker() Ticker {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.ticker == nil {
		return nil
	}
	return v.ticker
}

func (v *Vortex) post(ctx context.Context, path string, body interface{}, out interface{}) error {
	if !v.Ready() {
		return ErrNotReady
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return NewError(err, false)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, v.apiURL+path, bytes.NewReader(payload))
	if err != nil {
		return NewError(err, false)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-api-token", v.accessToken)

	resp, err := v.client.Do(req)
	if err != nil {
		return NewError(err, true)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return NewError(fmt.Errorf("vortex %s returned %d", path, resp.StatusCode),
			resp.StatusCode >= 500)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return NewError(err, false)
	}
	return nil
}

// vortexCodec implements the Vortex ticker wire protocol
type vortexCodec struct{}

type vortexControlFrame struct {
	MessageType    string   `json:"message_type"`
	ExchangeTokens []uint32 `json:"exchange_tokens,omitempty"`
	Mode           string   `json:"mode,omitempty"`
}

func (vortexCodec) subscribeFrame(tokens []uint32, mode Mode) ([]byte, error) {
	return json.Marshal(vortexControlFrame{MessageType: "subscribe", ExchangeTokens: tokens, Mode: string(mode)})
}

func (vortexCodec) unsubscribeFrame(tokens []uint32) ([]byte, error) {
	return json.Marshal(vortexControlFrame{MessageType: "unsubscribe", ExchangeTokens: tokens})
}

func (vortexCodec) modeFrame(tokens []uint32, mode Mode) ([]byte, error) {
	return json.Marshal(vortexControlFrame{MessageType: "mode", ExchangeTokens: tokens, Mode: string(mode)})
}

type vortexTickFrame struct {
	Type         string   `json:"type"`
	Token        uint32   `json:"token"`
	Mode         string   `json:"mode,omitempty"`
	LTP          float64  `json:"ltp"`
	OpenPrice    *float64 `json:"open_price,omitempty"`
	HighPrice    *float64 `json:"high_price,omitempty"`
	LowPrice     *float64 `json:"low_price,omitempty"`
	ClosePrice   *float64 `json:"close_price,omitempty"`
	Volume       uint32   `json:"volume,omitempty"`
	OpenInterest uint32   `json:"open_interest,omitempty"`
	Depth        *Depth   `json:"depth,omitempty"`
	Timestamp    int64    `json:"timestamp,omitempty"`
}

func (vortexCodec) decode(data []byte) (*Tick, error) {
	var frame vortexTickFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		return nil, NewError(fmt.Errorf("vortex tick decode: %w", err), false)
	}
	if frame.Type != "tick" {
		return nil, nil
	}
	tick := &Tick{
		Token:     frame.Token,
		Mode:      Mode(frame.Mode),
		LastPrice: frame.LTP,
		Volume:    frame.Volume,
		OI:        frame.OpenInterest,
		Depth:     frame.Depth,
		Timestamp: time.UnixMilli(frame.Timestamp),
	}
	if tick.Mode == "" {
		tick.Mode = ModeLTP
	}
	if frame.Timestamp == 0 {
		tick.Timestamp = time.Now()
	}
	if frame.OpenPrice != nil && frame.HighPrice != nil && frame.LowPrice != nil && frame.ClosePrice != nil {
		tick.OHLC = &OHLC{
			Open:  *frame.OpenPrice,
			High:  *frame.HighPrice,
			Low:   *frame.LowPrice,
			Close: *frame.ClosePrice,
		}
	}
	return tick, nil
}
