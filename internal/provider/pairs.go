package provider

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/marketfanout/gatewayapi/internal/repository"
)

// DefaultExchange is the last-resort exchange for a bare token
const DefaultExchange = "NSE_EQ"

// AllowedExchanges are the venue segments accepted in EXCHANGE-TOKEN pairs
var AllowedExchanges = map[string]bool{
	"NSE_EQ":  true,
	"NSE_FO":  true,
	"NSE_CUR": true,
	"MCX_FO":  true,
}

// Pair is a canonical EXCHANGE-TOKEN instrument identifier
type Pair struct {
	Exchange string
	Token    uint32
}

// String renders the pair in its wire form
func (p Pair) String() string {
	return fmt.Sprintf("%s-%d", p.Exchange, p.Token)
}

// ErrInvalidExchange reports a pair with an unknown venue segment
type ErrInvalidExchange struct {
	Exchange string
}

func (e *ErrInvalidExchange) Error() string {
	return fmt.Sprintf("invalid_exchange: %q", e.Exchange)
}

// ParsePair parses and validates an EXCHANGE-TOKEN string
func ParsePair(s string) (Pair, error) {
	idx := strings.LastIndex(s, "-")
	if idx <= 0 || idx == len(s)-1 {
		return Pair{}, fmt.Errorf("invalid pair %q, want EXCHANGE-TOKEN", s)
	}
	exchange := s[:idx]
	if !AllowedExchanges[exchange] {
		return Pair{}, &ErrInvalidExchange{Exchange: exchange}
	}
	token, err := strconv.ParseUint(s[idx+1:], 10, 32)
	if err != nil {
		return Pair{}, fmt.Errorf("invalid pair %q: token is not numeric", s)
	}
	return Pair{Exchange: exchange, Token: uint32(token)}, nil
}

// PairResolver resolves bare tokens to EXCHANGE-TOKEN pairs. The instrument
// table is authoritative, the vortex mapping table is the fallback, and the
// last resort is NSE_EQ.
type PairResolver struct {
	instrumentRepo *repository.InstrumentRepository
}

// NewPairResolver creates a new PairResolver
func NewPairResolver(instrumentRepo *repository.InstrumentRepository) *PairResolver {
	return &PairResolver{instrumentRepo: instrumentRepo}
}

// ResolveTokens returns a pair for every requested token
func (r *PairResolver) ResolveTokens(tokens []uint32) ([]Pair, error) {
	pairs := make([]Pair, 0, len(tokens))
	exchanges, err := r.instrumentRepo.GetExchangesByTokens(tokens)
	if err != nil {
		return nil, err
	}

	var missing []uint32
	for _, token := range tokens {
		if _, ok := exchanges[token]; !ok {
			missing = append(missing, token)
		}
	}
	if len(missing) > 0 {
		fallback, err := r.instrumentRepo.GetVortexExchangesByTokens(missing)
		if err != nil {
			return nil, err
		}
		for token, exchange := range fallback {
			exchanges[token] = exchange
		}
	}

	for _, token := range tokens {
		exchange, ok := exchanges[token]
		if !ok || !AllowedExchanges[exchange] {
			exchange = DefaultExchange
		}
		pairs = append(pairs, Pair{Exchange: exchange, Token: token})
	}
	return pairs, nil
}
