package ws

import (
	"encoding/json"
	"testing"

	"github.com/marketfanout/gatewayapi/internal/provider"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func decodeInstruments(t *testing.T, payload string) []interface{} {
	t.Helper()
	var event clientEvent
	require.NoError(t, json.Unmarshal([]byte(payload), &event))
	return event.Instruments
}

func TestParseInstrumentsNumericTokens(t *testing.T) {
	raw := decodeInstruments(t, `{"event":"subscribe","instruments":[256265,738561]}`)

	refs, err := parseInstruments(raw)

	require.NoError(t, err)
	require.Len(t, refs, 2)
	assert.Equal(t, uint32(256265), refs[0].Token)
	assert.Empty(t, refs[0].Exchange)
}

func TestParseInstrumentsPairStrings(t *testing.T) {
	raw := decodeInstruments(t, `{"event":"subscribe","instruments":["NSE_FO-53001","MCX_FO-12345"]}`)

	refs, err := parseInstruments(raw)

	require.NoError(t, err)
	require.Len(t, refs, 2)
	assert.Equal(t, instrumentRef{Token: 53001, Exchange: "NSE_FO"}, refs[0])
	assert.Equal(t, instrumentRef{Token: 12345, Exchange: "MCX_FO"}, refs[1])
}

func TestParseInstrumentsMixed(t *testing.T) {
	raw := decodeInstruments(t, `{"event":"subscribe","instruments":[256265,"NSE_EQ-738561"]}`)

	refs, err := parseInstruments(raw)

	require.NoError(t, err)
	require.Len(t, refs, 2)
	assert.Empty(t, refs[0].Exchange)
	assert.Equal(t, "NSE_EQ", refs[1].Exchange)
}

func TestParseInstrumentsRejectsEmpty(t *testing.T) {
	_, err := parseInstruments(nil)
	assert.Error(t, err)
}

func TestParseInstrumentsRejectsUnknownExchange(t *testing.T) {
	raw := decodeInstruments(t, `{"event":"subscribe","instruments":["BSE_EQ-1"]}`)

	_, err := parseInstruments(raw)

	require.Error(t, err)
	var invalidExchange *provider.ErrInvalidExchange
	assert.ErrorAs(t, err, &invalidExchange)
}

func TestParseInstrumentsRejectsNonNumericToken(t *testing.T) {
	raw := decodeInstruments(t, `{"event":"subscribe","instruments":["NSE_EQ-abc"]}`)
	_, err := parseInstruments(raw)
	assert.Error(t, err)
}

func TestParseInstrumentsRejectsNegativeAndFractional(t *testing.T) {
	for _, payload := range []string{
		`{"instruments":[-5]}`,
		`{"instruments":[12.5]}`,
		`{"instruments":[true]}`,
	} {
		raw := decodeInstruments(t, payload)
		_, err := parseInstruments(raw)
		assert.Error(t, err, payload)
	}
}

func TestErrorFrameShape(t *testing.T) {
	payload := errorFrame(CodeRateLimited, map[string]interface{}{
		"limit":          5,
		"retry_after_ms": 420,
	})

	var decoded map[string]interface{}
	require.NoError(t, json.Unmarshal(payload, &decoded))
	assert.Equal(t, FrameError, decoded["event"])
	assert.Equal(t, CodeRateLimited, decoded["code"])
	assert.Equal(t, float64(420), decoded["retry_after_ms"])
}

func TestFrameKeysEnvelopeByEvent(t *testing.T) {
	payload := frame(FrameConnected, map[string]interface{}{"client_id": "abc"})

	var decoded map[string]interface{}
	require.NoError(t, json.Unmarshal(payload, &decoded))
	assert.Equal(t, FrameConnected, decoded["event"])
	assert.Equal(t, "abc", decoded["client_id"])
	assert.NotContains(t, decoded, "type")
}
