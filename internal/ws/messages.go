// Package ws implements the downstream WebSocket gateway: authentication,
// per-key limits, subscription state, and tick fan-out.
package ws

import (
	"encoding/json"
	"fmt"

	"github.com/marketfanout/gatewayapi/internal/provider"
)

// Inbound event names
const (
	EventSubscribe         = "subscribe"
	EventUnsubscribe       = "unsubscribe"
	EventSetMode           = "set_mode"
	EventGetQuote          = "get_quote"
	EventGetHistoricalData = "get_historical_data"
	EventPing              = "ping"
)

// Outbound frame types
const (
	FrameConnected               = "connected"
	FrameSubscriptionConfirmed   = "subscription_confirmed"
	FrameUnsubscriptionConfirmed = "unsubscription_confirmed"
	FrameModeConfirmed           = "mode_confirmed"
	FrameMarketData              = "market_data"
	FrameQuoteData               = "quote_data"
	FrameHistoricalData          = "historical_data"
	FramePong                    = "pong"
	FrameStreamStatus            = "stream_status"
	FrameError                   = "error"
)

// Error codes sent in error frames
const (
	CodeAuthMissing             = "auth_missing"
	CodeAuthInvalid             = "auth_invalid"
	CodeKeyBlockedForAbuse      = "key_blocked_for_abuse"
	CodeConnectionLimitExceeded = "connection_limit_exceeded"
	CodeRateLimited             = "rate_limited"
	CodeInvalidPayload          = "invalid_payload"
	CodeInvalidExchange         = "invalid_exchange"
	CodeInvalidMode             = "invalid_mode"
	CodeUnknownEvent            = "unknown_event"
	CodeStreamInactive          = "stream_inactive"
	CodeSubscriptionNotFound    = "subscription_not_found"
	CodeEntitlementDenied       = "entitlement_denied"
	CodeProviderError           = "provider_error"
)

// clientEvent is the decoded inbound frame. Instruments may be numeric
// tokens or EXCHANGE-TOKEN strings.
type clientEvent struct {
	Event       string        `json:"event"`
	Instruments []interface{} `json:"instruments,omitempty"`
	Mode        string        `json:"mode,omitempty"`
	LtpOnly     bool          `json:"ltp_only,omitempty"`

	// get_historical_data fields
	Token    uint32 `json:"token,omitempty"`
	Interval string `json:"interval,omitempty"`
	From     string `json:"from,omitempty"`
	To       string `json:"to,omitempty"`
}

// instrumentRef is one parsed instrument: always a token, plus the exchange
// when the client supplied a pair string
type instrumentRef struct {
	Token    uint32
	Exchange string
}

// parseInstruments validates and normalizes the instruments array
func parseInstruments(raw []interface{}) ([]instrumentRef, error) {
	if len(raw) == 0 {
		return nil, fmt.Errorf("instruments must be a non-empty array")
	}
	refs := make([]instrumentRef, 0, len(raw))
	for _, item := range raw {
		switch v := item.(type) {
		case float64:
			if v <= 0 || v != float64(uint32(v)) {
				return nil, fmt.Errorf("invalid instrument token %v", v)
			}
			refs = append(refs, instrumentRef{Token: uint32(v)})
		case string:
			pair, err := provider.ParsePair(v)
			if err != nil {
				return nil, err
			}
			refs = append(refs, instrumentRef{Token: pair.Token, Exchange: pair.Exchange})
		default:
			return nil, fmt.Errorf("instrument must be a numeric token or EXCHANGE-TOKEN string")
		}
	}
	return refs, nil
}

// frame builds an outbound frame. Both directions share the same envelope:
// an "event" discriminator plus the frame's own fields.
func frame(frameType string, fields map[string]interface{}) []byte {
	payload := make(map[string]interface{}, len(fields)+1)
	payload["event"] = frameType
	for k, v := range fields {
		payload[k] = v
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return []byte(`{"event":"error","code":"invalid_payload"}`)
	}
	return data
}

// errorFrame builds an error frame with a code and optional extra fields
func errorFrame(code string, extra map[string]interface{}) []byte {
	fields := map[string]interface{}{"code": code}
	for k, v := range extra {
		fields[k] = v
	}
	return frame(FrameError, fields)
}
