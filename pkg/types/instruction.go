package types

import "github.com/shopspring/decimal"

// TradeDecisionAction is the composer's intent for one instrument,
// before normalization turns it into an executable TradeInstruction.
type TradeDecisionAction string

const (
	ActionOpenLong   TradeDecisionAction = "OPEN_LONG"
	ActionOpenShort  TradeDecisionAction = "OPEN_SHORT"
	ActionCloseLong  TradeDecisionAction = "CLOSE_LONG"
	ActionCloseShort TradeDecisionAction = "CLOSE_SHORT"
	ActionFlat       TradeDecisionAction = "FLAT"
	ActionNoop       TradeDecisionAction = "NOOP"
)

// TradeSide is the executable order side produced by normalization.
type TradeSide string

const (
	SideBuy  TradeSide = "BUY"
	SideSell TradeSide = "SELL"
)

// PriceMode selects how an instruction should be priced at the venue.
type PriceMode string

const (
	PriceModeMarket PriceMode = "MARKET"
	PriceModeLimit  PriceMode = "LIMIT"
)

// TradeDecisionItem is the composer's raw, pre-normalization proposal for
// one instrument: an action and a target size, not yet clamped by venue
// filters or buying power.
type TradeDecisionItem struct {
	Instrument InstrumentRef       `json:"instrument"`
	Action     TradeDecisionAction `json:"action"`
	TargetQty  decimal.Decimal     `json:"targetQty"`
	Leverage   decimal.Decimal     `json:"leverage"`
	Confidence decimal.Decimal     `json:"confidence"`
	Rationale  string              `json:"rationale"`
}

// TradePlanProposal is a composer's raw output before shared
// normalization: a list of decision items plus the composer's own
// rationale for the whole cycle.
type TradePlanProposal struct {
	TsMs      int64                `json:"tsMs"`
	Items     []TradeDecisionItem  `json:"items"`
	Rationale string               `json:"rationale"`
}

// TradeInstruction is a normalized, executable order. Instructions are
// idempotent by InstructionID: re-submitting the same ID must not
// duplicate effect.
type TradeInstruction struct {
	InstructionID  string          `json:"instructionId"`
	ComposeID      string          `json:"composeId"`
	Instrument     InstrumentRef   `json:"instrument"`
	Action         TradeDecisionAction `json:"action"`
	Side           TradeSide       `json:"side"`
	Quantity       decimal.Decimal `json:"quantity"`
	PriceMode      PriceMode       `json:"priceMode"`
	LimitPrice     *decimal.Decimal `json:"limitPrice,omitempty"`
	MaxSlippageBps int             `json:"maxSlippageBps"`
	Leverage       *decimal.Decimal `json:"leverage,omitempty"`
	Meta           map[string]any  `json:"meta"`
}

// TxStatus is the execution outcome of one TradeInstruction.
type TxStatus string

const (
	TxStatusFilled   TxStatus = "FILLED"
	TxStatusPartial  TxStatus = "PARTIAL"
	TxStatusRejected TxStatus = "REJECTED"
	TxStatusError    TxStatus = "ERROR"
)

// Filled reports whether status carries a non-zero fill (FILLED or
// PARTIAL) per the spec contract "status in {FILLED, PARTIAL} => filled_qty > 0".
func (s TxStatus) Filled() bool {
	return s == TxStatusFilled || s == TxStatusPartial
}

// TxResult is the Execution Gateway's 1:1 response to a TradeInstruction,
// matched by InstructionID.
type TxResult struct {
	InstructionID  string           `json:"instructionId"`
	Instrument     InstrumentRef    `json:"instrument"`
	Side           TradeSide        `json:"side"`
	RequestedQty   decimal.Decimal  `json:"requestedQty"`
	FilledQty      decimal.Decimal  `json:"filledQty"`
	AvgExecPrice   *decimal.Decimal `json:"avgExecPrice,omitempty"`
	FeeCost        *decimal.Decimal `json:"feeCost,omitempty"`
	Status         TxStatus         `json:"status"`
	Reason         string           `json:"reason,omitempty"`
	Leverage       *decimal.Decimal `json:"leverage,omitempty"`
	Meta           map[string]any   `json:"meta"`
}
