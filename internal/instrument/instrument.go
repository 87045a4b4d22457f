// Package instrument parses and normalizes trading symbols.
//
// Accepted forms: BTC, BTC-USDT, BTC/USD, BTC_USDC, BTCUSDT and BTC-PERP.
// The base asset is what the correlation limiter groups exposure by.
package instrument

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// Instrument kinds.
const (
	KindSpot = "SPOT"
	KindPerp = "PERP"
)

// quoteSuffixes are recognized on concatenated symbols such as BTCUSDT.
// Longest first so USDT wins over USD.
var quoteSuffixes = []string{"USDT", "USDC", "BUSD", "USD", "EUR", "BTC", "ETH"}

var perpMarkers = map[string]bool{
	"PERP": true,
	"SWAP": true,
}

// symbolRegex matches: {BASE}[{sep}{QUOTE}] where sep is -, / or _.
var symbolRegex = regexp.MustCompile(`^([A-Z0-9]{2,15})(?:[-/_]([A-Z0-9]{2,10}))?$`)

var ErrInvalidSymbol = errors.New("instrument: invalid symbol")

// Instrument is a parsed trading symbol.
type Instrument struct {
	Symbol string `json:"symbol"`
	Base   string `json:"base"`
	Quote  string `json:"quote,omitempty"`
	Kind   string `json:"kind"`
}

// Parse validates a symbol and splits it into base and quote assets.
// Lower-case input is upper-cased first.
func Parse(symbol string) (*Instrument, error) {
	normalized := strings.ToUpper(strings.TrimSpace(symbol))
	matches := symbolRegex.FindStringSubmatch(normalized)
	if matches == nil {
		return nil, fmt.Errorf("%w: %q (expected BASE, BASE-QUOTE or BASE-PERP)", ErrInvalidSymbol, symbol)
	}

	base, quote := matches[1], matches[2]
	kind := KindSpot

	if quote == "" {
		base, quote = splitConcatenated(base)
	}
	if perpMarkers[quote] {
		kind = KindPerp
		quote = "USD"
	}
	if base == quote {
		return nil, fmt.Errorf("%w: base and quote are both %s", ErrInvalidSymbol, base)
	}

	return &Instrument{
		Symbol: normalized,
		Base:   base,
		Quote:  quote,
		Kind:   kind,
	}, nil
}

// BaseAsset returns the base asset of symbol, or the symbol itself when it
// does not parse.
func BaseAsset(symbol string) string {
	inst, err := Parse(symbol)
	if err != nil {
		return symbol
	}
	return inst.Base
}

func splitConcatenated(s string) (string, string) {
	for _, q := range quoteSuffixes {
		if len(s) > len(q)+1 && strings.HasSuffix(s, q) {
			return strings.TrimSuffix(s, q), q
		}
	}
	return s, ""
}
