package types

import "github.com/shopspring/decimal"

// TradeType records which directional position a PositionSnapshot or
// TradeHistoryEntry belongs to.
type TradeType string

const (
	TradeTypeLong  TradeType = "LONG"
	TradeTypeShort TradeType = "SHORT"
)

// PositionSnapshot is one instrument's open-position state within a
// PortfolioView. Quantity is signed: positive for long, negative for
// short. A position with |Quantity| <= quantityPrecision is considered
// closed and is eligible for removal from PortfolioView.Positions.
type PositionSnapshot struct {
	Instrument       InstrumentRef    `json:"instrument"`
	Quantity         decimal.Decimal  `json:"quantity"`
	AvgPrice         decimal.Decimal  `json:"avgPrice"`
	MarkPrice        *decimal.Decimal `json:"markPrice,omitempty"`
	UnrealizedPnL    *decimal.Decimal `json:"unrealizedPnl,omitempty"`
	UnrealizedPnLPct *decimal.Decimal `json:"unrealizedPnlPct,omitempty"`
	Leverage         decimal.Decimal  `json:"leverage"`
	Notional         *decimal.Decimal `json:"notional,omitempty"`
	EntryTsMs        int64            `json:"entryTsMs,omitempty"`
	TradeType        TradeType        `json:"tradeType"`
}

// IsClosed reports whether the position is within precision of flat.
func (p PositionSnapshot) IsClosed(quantityPrecision decimal.Decimal) bool {
	return p.Quantity.Abs().LessThanOrEqual(quantityPrecision)
}

// PortfolioView is a consistent, coordinator-owned snapshot of cash,
// buying power, and open positions. TsMs is refreshed on every
// PortfolioService.GetView call. No component other than the Portfolio
// Service (and, in LIVE mode, the coordinator's reconciliation step) may
// mutate the values inside it.
type PortfolioView struct {
	TsMs               int64                        `json:"tsMs"`
	StrategyID         string                       `json:"strategyId"`
	Cash               decimal.Decimal              `json:"cash"`
	AccountBalance     decimal.Decimal              `json:"accountBalance"`
	BuyingPower        decimal.Decimal              `json:"buyingPower"`
	FreeCash           decimal.Decimal              `json:"freeCash"`
	Positions          map[string]*PositionSnapshot `json:"positions"`
	TotalValue         decimal.Decimal              `json:"totalValue"`
	TotalUnrealizedPnL decimal.Decimal              `json:"totalUnrealizedPnl"`
	AvailableCash      decimal.Decimal              `json:"availableCash"`
}

// Clone returns a deep copy so callers (e.g. the grid composer's
// projected-positions accumulator) can mutate without affecting the
// coordinator-owned original.
func (v PortfolioView) Clone() PortfolioView {
	out := v
	out.Positions = make(map[string]*PositionSnapshot, len(v.Positions))
	for sym, pos := range v.Positions {
		p := *pos
		out.Positions[sym] = &p
	}
	return out
}
