// Package types holds the shared data model for the strategy runtime:
// instruments, candles, feature vectors, portfolio state, trade
// instructions/results, trade history, and the request/compose contracts
// that tie them together.
package types

import "strings"

// InstrumentRef identifies a tradable instrument by its canonical symbol
// and the exchange it is quoted on. Canonical form is "BASE/QUOTE" for
// spot or "BASE/QUOTE:SETTLE" for derivatives. InstrumentRef is immutable;
// callers must go through NormalizeSymbol to obtain a canonical value.
type InstrumentRef struct {
	Symbol     string `json:"symbol"`
	ExchangeID string `json:"exchangeId,omitempty"`
}

// NormalizeSymbol collapses "-" separators into "/" and, for derivative
// market types, appends ":QUOTE" when the settle currency is missing.
// Idempotent: NormalizeSymbol(NormalizeSymbol(x)) == NormalizeSymbol(x).
func NormalizeSymbol(symbol string, derivative bool) string {
	symbol = strings.TrimSpace(symbol)
	symbol = strings.ToUpper(symbol)
	symbol = strings.ReplaceAll(symbol, "-", "/")
	if !derivative {
		return symbol
	}
	if strings.Contains(symbol, ":") {
		return symbol
	}
	parts := strings.SplitN(symbol, "/", 2)
	if len(parts) != 2 || parts[1] == "" {
		return symbol
	}
	return symbol + ":" + parts[1]
}

// NewInstrumentRef builds an InstrumentRef with a normalized symbol.
func NewInstrumentRef(symbol, exchangeID string, derivative bool) InstrumentRef {
	return InstrumentRef{
		Symbol:     NormalizeSymbol(symbol, derivative),
		ExchangeID: exchangeID,
	}
}

// Key returns the map key used to group by instrument throughout the
// runtime (digests, portfolio positions): "EXCHANGE:SYMBOL".
func (r InstrumentRef) Key() string {
	return r.ExchangeID + ":" + r.Symbol
}

// DedupeSymbols preserves first-seen order while removing duplicates,
// matching the UserRequest.trading_config.symbols ordering contract.
func DedupeSymbols(symbols []string) []string {
	seen := make(map[string]bool, len(symbols))
	out := make([]string, 0, len(symbols))
	for _, s := range symbols {
		if seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
	}
	return out
}
