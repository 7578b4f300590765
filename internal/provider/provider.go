// Package provider contains the broker adapters, the resolver that selects
// between them, and the distributed request gate in front of their HTTP APIs.
package provider

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Provider names
const (
	ProviderFlattrade = "flattrade"
	ProviderVortex    = "vortex"
)

// Mode is the granularity requested from the upstream ticker
type Mode string

const (
	ModeLTP   Mode = "ltp"
	ModeOHLCV Mode = "ohlcv"
	ModeFull  Mode = "full"
)

// Priority orders modes for upgrade-only semantics: full > ohlcv > ltp
func (m Mode) Priority() int {
	switch m {
	case ModeFull:
		return 3
	case ModeOHLCV:
		return 2
	case ModeLTP:
		return 1
	default:
		return 0
	}
}

// Valid reports whether m is a known mode
func (m Mode) Valid() bool {
	return m.Priority() > 0
}

// Endpoint names for the provider queue gate
const (
	EndpointQuotes  = "quotes"
	EndpointLTP     = "ltp"
	EndpointOHLC    = "ohlc"
	EndpointHistory = "history"
)

// OHLC is the open/high/low/close block of a quote or tick
type OHLC struct {
	Open  float64 `json:"open"`
	High  float64 `json:"high"`
	Low   float64 `json:"low"`
	Close float64 `json:"close"`
}

// DepthItem is one level of market depth
type DepthItem struct {
	Price    float64 `json:"price"`
	Quantity uint32  `json:"quantity"`
	Orders   uint32  `json:"orders"`
}

// Depth is the five-level order book carried by full-mode ticks
type Depth struct {
	Buy  []DepthItem `json:"buy"`
	Sell []DepthItem `json:"sell"`
}

// Tick is a single update for one instrument from the upstream ticker
type Tick struct {
	Token     uint32    `json:"token"`
	Mode      Mode      `json:"mode"`
	LastPrice float64   `json:"last_price"`
	OHLC      *OHLC     `json:"ohlc,omitempty"`
	Volume    uint32    `json:"volume,omitempty"`
	OI        uint32    `json:"oi,omitempty"`
	NetChange float64   `json:"net_change,omitempty"`
	Depth     *Depth    `json:"depth,omitempty"`
	Timestamp time.Time `json:"ts"`
}

// Quote is the REST quote payload for one token
type Quote struct {
	LastPrice float64 `json:"last_price"`
	OHLC      *OHLC   `json:"ohlc,omitempty"`
	Volume    uint32  `json:"volume,omitempty"`
	OI        uint32  `json:"oi,omitempty"`
	Ts        int64   `json:"ts,omitempty"`
}

// Candle is one bar of historical data
type Candle struct {
	Ts     int64   `json:"ts"`
	Open   float64 `json:"open"`
	High   float64 `json:"high"`
	Low    float64 `json:"low"`
	Close  float64 `json:"close"`
	Volume uint32  `json:"volume"`
}

// HistoryRequest describes one historical-data query
type HistoryRequest struct {
	Token    uint32
	Interval string
	From     time.Time
	To       time.Time
}

// InstrumentRecord is one row of a provider's instrument dump
type InstrumentRecord struct {
	Token         uint32 `json:"token"`
	Exchange      string `json:"exchange"`
	Tradingsymbol string `json:"tradingsymbol"`
	Name          string `json:"name"`
}

// Ticker is the upstream WebSocket ticker owned by an adapter. Events are
// delivered through callbacks, registration must happen before Connect.
type Ticker interface {
	Connect(ctx context.Context) error
	Close()
	Subscribe(tokens []uint32, mode Mode) error
	Unsubscribe(tokens []uint32) error
	SetMode(tokens []uint32, mode Mode) error
	IsConnected() bool

	OnTick(func(Tick))
	OnConnect(func())
	OnClose(func(err error))
	OnError(func(err error))
}

// Adapter is the uniform interface over one broker's HTTP API and ticker
type Adapter interface {
	Name() string
	Ready() bool
	Ping(ctx context.Context) error

	GetQuote(ctx context.Context, tokens []uint32) (map[uint32]Quote, error)
	GetOHLC(ctx context.Context, tokens []uint32) (map[uint32]Quote, error)
	GetLTP(ctx context.Context, tokens []uint32) (map[uint32]float64, error)
	GetLTPByPairs(ctx context.Context, pairs []Pair) (map[string]*float64, error)
	GetHistoricalData(ctx context.Context, req HistoryRequest) ([]Candle, error)
	GetInstruments(ctx context.Context) ([]InstrumentRecord, error)

	InitializeTicker() (Ticker, error)
	RestartTicker() (Ticker, error)
	GetTicker() Ticker
}

// ErrNotReady is returned when an adapter has no access token configured
var ErrNotReady = errors.New("provider not ready: missing access token")

// Error wraps an upstream provider failure
type Error struct {
	Kind      string // provider_error
	Retryable bool
	Err       error
}

func (e *Error) Error() string {
	return fmt.Sprintf("provider_error (retryable=%v): %v", e.Retryable, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// NewError wraps err as a provider error
func NewError(err error, retryable bool) *Error {
	return &Error{Kind: "provider_error", Retryable: retryable, Err: err}
}
