package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"
)

const providerHTTPTimeout = 10 * time.Second

// Flattrade is the provider adapter for the Flattrade HTTP API and ticker
type Flattrade struct {
	apiURL      string
	wsURL       string
	accessToken string
	client      *http.Client
	pairs       *PairResolver

	mu     sync.Mutex
	ticker *wsTicker
}

// NewFlattrade creates a new Flattrade adapter
func NewFlattrade(apiURL, wsURL, accessToken string, pairs *PairResolver) *Flattrade {
	return &Flattrade{
		apiURL:      apiURL,
		wsURL:       wsURL,
		accessToken: accessToken,
		client:      &http.Client{Timeout: providerHTTPTimeout},
		pairs:       pairs,
	}
}

// Name returns the provider name
func (f *Flattrade) Name() string {
	return ProviderFlattrade
}

// Ready reports whether the adapter holds an access token
func (f *Flattrade) Ready() bool {
	return f.accessToken != ""
}

// Ping checks upstream reachability
func (f *Flattrade) Ping(ctx context.Context) error {
	var out struct {
		S string `json:"s"`
	}
	return f.get(ctx, "/ping", nil, &out)
}

// flattradeQuote is the upstream quote payload for one pair
type flattradeQuote struct {
	LP  float64  `json:"lp"`
	O   *float64 `json:"o,omitempty"`
	H   *float64 `json:"h,omitempty"`
	L   *float64 `json:"l,omitempty"`
	C   *float64 `json:"c,omitempty"`
	V   uint32   `json:"v,omitempty"`
	OI  uint32   `json:"oi,omitempty"`
	Ts  int64    `json:"ts,omitempty"`
}

// GetQuote fetches full quotes for the given tokens
func (f *Flattrade) GetQuote(ctx context.Context, tokens []uint32) (map[uint32]Quote, error) {
	return f.fetchQuotes(ctx, "/quotes", tokens)
}

// GetOHLC fetches OHLC quotes for the given tokens
func (f *Flattrade) GetOHLC(ctx context.Context, tokens []uint32) (map[uint32]Quote, error) {
	return f.fetchQuotes(ctx, "/quotes/ohlc", tokens)
}

func (f *Flattrade) fetchQuotes(ctx context.Context, path string, tokens []uint32) (map[uint32]Quote, error) {
	pairs, err := f.pairs.ResolveTokens(tokens)
	if err != nil {
		return nil, err
	}
	raw, err := f.fetchByPairs(ctx, path, pairs)
	if err != nil {
		return nil, err
	}

	result := make(map[uint32]Quote, len(raw))
	for pairStr, q := range raw {
		pair, err := ParsePair(pairStr)
		if err != nil {
			continue
		}
		quote := Quote{LastPrice: q.LP, Volume: q.V, OI: q.OI, Ts: q.Ts}
		if q.O != nil && q.H != nil && q.L != nil && q.C != nil {
			quote.OHLC = &OHLC{Open: *q.O, High: *q.H, Low: *q.L, Close: *q.C}
		}
		result[pair.Token] = quote
	}
	return result, nil
}

// GetLTP fetches last traded prices for the given tokens
func (f *Flattrade) GetLTP(ctx context.Context, tokens []uint32) (map[uint32]float64, error) {
	pairs, err := f.pairs.ResolveTokens(tokens)
	if err != nil {
		return nil, err
	}
	raw, err := f.fetchByPairs(ctx, "/quotes/ltp", pairs)
	if err != nil {
		return nil, err
	}
	result := make(map[uint32]float64, len(raw))
	for pairStr, q := range raw {
		pair, err := ParsePair(pairStr)
		if err != nil {
			continue
		}
		result[pair.Token] = q.LP
	}
	return result, nil
}

// GetLTPByPairs fetches last traded prices keyed by pair string
func (f *Flattrade) GetLTPByPairs(ctx context.Context, pairs []Pair) (map[string]*float64, error) {
	raw, err := f.fetchByPairs(ctx, "/quotes/ltp", pairs)
	if err != nil {
		return nil, err
	}
	result := make(map[string]*float64, len(pairs))
	for _, pair := range pairs {
		if q, ok := raw[pair.String()]; ok {
			lp := q.LP
			result[pair.String()] = &lp
		} else {
			result[pair.String()] = nil
		}
	}
	return result, nil
}

func (f *Flattrade) fetchByPairs(ctx context.Context, path string, pairs []Pair) (map[string]flattradeQuote, error) {
	params := url.Values{}
	for _, pair := range pairs {
		params.Add("i", pair.String())
	}
	var out struct {
		S string                    `json:"s"`
		D map[string]flattradeQuote `json:"d"`
	}
	if err := f.get(ctx, path, params, &out); err != nil {
		return nil, err
	}
	return out.D, nil
}

// GetHistoricalData fetches historical candles for one token
func (f *Flattrade) GetHistoricalData(ctx context.Context, req HistoryRequest) ([]Candle, error) {
	pairs, err := f.pairs.ResolveTokens([]uint32{req.Token})
	if err != nil {
		return nil, err
	}
	params := url.Values{}
	params.Set("i", pairs[0].String())
	params.Set("resolution", req.Interval)
	params.Set("from", strconv.FormatInt(req.From.Unix(), 10))
	params.Set("to", strconv.FormatInt(req.To.Unix(), 10))

	var out struct {
		S string   `json:"s"`
		D []Candle `json:"d"`
	}
	if err := f.get(ctx, "/history", params, &out); err != nil {
		return nil, err
	}
	return out.D, nil
}

// GetInstruments fetches the provider's instrument dump
func (f *Flattrade) GetInstruments(ctx context.Context) ([]InstrumentRecord, error) {
	var out struct {
		S string             `json:"s"`
		D []InstrumentRecord `json:"d"`
	}
	if err := f.get(ctx, "/instruments", nil, &out); err != nil {
		return nil, err
	}
	return out.D, nil
}

// InitializeTicker creates the ticker, replacing any existing one
func (f *Flattrade) InitializeTicker() (Ticker, error) {
	if !f.Ready() {
		return nil, ErrNotReady
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.ticker != nil {
		f.ticker.Close()
	}
	header := http.Header{}
	header.Set("Authorization", "Bearer "+f.accessToken)
	f.ticker = newWsTicker(ProviderFlattrade, f.wsURL, header, flattradeCodec{})
	return f.ticker, nil
}

// RestartTicker closes and recreates the ticker
func (f *Flattrade) RestartTicker() (Ticker, error) {
	return f.InitializeTicker()
}

// GetTicker returns the current ticker, nil before initialization
func (f *Flattrade) GetTicker() Ticker {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.ticker == nil {
		return nil
	}
	return f.ticker
}

func (f *Flattrade) get(ctx context.Context, path string, params url.Values, out interface{}) error {
	if !f.Ready() {
		return ErrNotReady
	}
	endpoint := f.apiURL + path
	if len(params) > 0 {
		endpoint += "?" + params.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return NewError(err, false)
	}
	req.Header.Set("Authorization", "Bearer "+f.accessToken)

	resp, err := f.client.Do(req)
	if err != nil {
		return NewError(err, true)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return NewError(fmt.Errorf("flattrade %s returned %d", path, resp.StatusCode),
			resp.StatusCode >= 500)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return NewError(err, false)
	}
	return nil
}

// flattradeCodec implements the Flattrade ticker wire protocol
type flattradeCodec struct{}

type flattradeFrame struct {
	T    string   `json:"t"`
	K    []uint32 `json:"k,omitempty"`
	Mode string   `json:"mode,omitempty"`
}

func (flattradeCodec) subscribeFrame(tokens []uint32, mode Mode) ([]byte, error) {
	return json.Marshal(flattradeFrame{T: "sub", K: tokens, Mode: string(mode)})
}

func (flattradeCodec) unsubscribeFrame(tokens []uint32) ([]byte, error) {
	return json.Marshal(flattradeFrame{T: "unsub", K: tokens})
}

func (flattradeCodec) modeFrame(tokens []uint32, mode Mode) ([]byte, error) {
	return json.Marshal(flattradeFrame{T: "mode", K: tokens, Mode: string(mode)})
}

type flattradeTickFrame struct {
	T    string   `json:"t"`
	Tk   uint32   `json:"tk"`
	Mode string   `json:"mode,omitempty"`
	LP   float64  `json:"lp"`
	O    *float64 `json:"o,omitempty"`
	H    *float64 `json:"h,omitempty"`
	L    *float64 `json:"l,omitempty"`
	C    *float64 `json:"c,omitempty"`
	V    uint32   `json:"v,omitempty"`
	OI   uint32   `json:"oi,omitempty"`
	NC   float64  `json:"nc,omitempty"`
	D    *Depth   `json:"d,omitempty"`
	Ts   int64    `json:"ts,omitempty"`
}

func (flattradeCodec) decode(data []byte) (*Tick, error) {
	var frame flattradeTickFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		return nil, NewError(fmt.Errorf("flattrade tick decode: %w", err), false)
	}
	if frame.T != "tk" {
		return nil, nil
	}
	tick := &Tick{
		Token:     frame.Tk,
		Mode:      Mode(frame.Mode),
		LastPrice: frame.LP,
		Volume:    frame.V,
		OI:        frame.OI,
		NetChange: frame.NC,
		Depth:     frame.D,
		Timestamp: time.UnixMilli(frame.Ts),
	}
	if tick.Mode == "" {
		tick.Mode = ModeLTP
	}
	if frame.Ts == 0 {
		tick.Timestamp = time.Now()
	}
	if frame.O != nil && frame.H != nil && frame.L != nil && frame.C != nil {
		tick.OHLC = &OHLC{Open: *frame.O, High: *frame.H, Low: *frame.L, Close: *frame.C}
	}
	return tick, nil
}
