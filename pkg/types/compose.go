package types

// ComposeContext is the read-only input handed to every Composer.Compose
// call: the cycle's features, the current portfolio view, the trade
// digest, and optional venue constraints.
type ComposeContext struct {
	TsMs        int64             `json:"tsMs"`
	ComposeID   string            `json:"composeId"`
	StrategyID  string            `json:"strategyId"`
	Features    []FeatureVector   `json:"features"`
	Portfolio   PortfolioView     `json:"portfolio"`
	Digest      TradeDigest       `json:"digest"`
	Constraints *VenueConstraints `json:"constraints,omitempty"`
}

// ComposeResult is a Composer's output: normalized instructions plus a
// human-readable rationale and an optional stop signal.
type ComposeResult struct {
	Instructions []TradeInstruction `json:"instructions"`
	Rationale    string             `json:"rationale"`
	ShouldStop   bool               `json:"shouldStop"`
}

// VenueConstraints are the per-symbol filters normalization enforces:
// quantity step/precision, minimum trade size, minimum notional, and
// position-size caps. A symbol missing from a map (or a non-positive
// value) means "no constraint" for that symbol.
type VenueConstraints struct {
	MaxPositionQty map[string]float64 `json:"maxPositionQty,omitempty"`
	MaxOrderQty    map[string]float64 `json:"maxOrderQty,omitempty"`
	QuantityStep   map[string]float64 `json:"quantityStep,omitempty"`
	MinTradeQty    map[string]float64 `json:"minTradeQty,omitempty"`
	MinNotional    map[string]float64 `json:"minNotional,omitempty"`
	MaxLeverage    float64            `json:"maxLeverage,omitempty"`
}
