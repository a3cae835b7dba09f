package types

import "github.com/shopspring/decimal"

// TradeHistoryEntry is an append-only record of one fill, created only
// for non-rejected, non-zero-qty TxResults. ExitTsMs/ExitPrice are only
// set when this entry itself fully closes a prior position, or (via
// pairing) when a later partial close annotates this entry retroactively.
type TradeHistoryEntry struct {
	TradeID         string           `json:"tradeId"`
	ComposeID       string           `json:"composeId"`
	InstructionID   string           `json:"instructionId"`
	StrategyID      string           `json:"strategyId"`
	Instrument      InstrumentRef    `json:"instrument"`
	Side            TradeSide        `json:"side"`
	Type            TradeType        `json:"type"`
	Quantity        decimal.Decimal  `json:"quantity"`
	EntryPrice      *decimal.Decimal `json:"entryPrice,omitempty"`
	AvgExecPrice    decimal.Decimal  `json:"avgExecPrice"`
	ExitPrice       *decimal.Decimal `json:"exitPrice,omitempty"`
	NotionalEntry   *decimal.Decimal `json:"notionalEntry,omitempty"`
	NotionalExit    *decimal.Decimal `json:"notionalExit,omitempty"`
	EntryTsMs       int64            `json:"entryTsMs"`
	ExitTsMs        *int64           `json:"exitTsMs,omitempty"`
	TradeTsMs       int64            `json:"tradeTsMs"`
	HoldingMs       *int64           `json:"holdingMs,omitempty"`
	UnrealizedPnL   decimal.Decimal  `json:"unrealizedPnl"`
	RealizedPnL     *decimal.Decimal `json:"realizedPnl,omitempty"`
	RealizedPnLPct  *decimal.Decimal `json:"realizedPnlPct,omitempty"`
	Leverage        decimal.Decimal  `json:"leverage"`
	FeeCost         *decimal.Decimal `json:"feeCost,omitempty"`
	Note            string           `json:"note,omitempty"`
}

// HistoryRecordKind enumerates the four record kinds appended per cycle.
type HistoryRecordKind string

const (
	HistoryKindFeatures     HistoryRecordKind = "features"
	HistoryKindCompose      HistoryRecordKind = "compose"
	HistoryKindInstructions HistoryRecordKind = "instructions"
	HistoryKindExecution    HistoryRecordKind = "execution"
)

// HistoryRecord is one append-only entry in the strategy's history ring.
// Payload is kind-specific (see history.NewFeaturesRecord etc.); it is
// stored as a generic map so the ring itself need not know the schema.
type HistoryRecord struct {
	TsMs        int64             `json:"tsMs"`
	Kind        HistoryRecordKind `json:"kind"`
	ReferenceID string            `json:"referenceId"`
	Payload     map[string]any    `json:"payload"`
}

// InstrumentDigest is one symbol's rolling aggregate inside a TradeDigest.
type InstrumentDigest struct {
	TradeCount   int             `json:"tradeCount"`
	RealizedPnL  decimal.Decimal `json:"realizedPnl"`
	LastTradeTsMs int64          `json:"lastTradeTsMs,omitempty"`
}

// TradeDigest is the rolling per-instrument summary of recent execution
// history, built from the last N execution records and fed into
// ComposeContext as composer input.
type TradeDigest struct {
	TsMs       int64                        `json:"tsMs"`
	ByInstrument map[string]*InstrumentDigest `json:"byInstrument"`
}

// StrategyStatus is the lifecycle state reported in StrategySummary.
type StrategyStatus string

const (
	StrategyStatusRunning StrategyStatus = "RUNNING"
	StrategyStatusStopped StrategyStatus = "STOPPED"
	StrategyStatusError   StrategyStatus = "ERROR"
)

// StopReason classifies why a strategy stopped, recorded in
// StrategySummary.Metadata when ComposeResult.ShouldStop is set.
type StopReason string

const (
	StopReasonNormalExit StopReason = "normal_exit"
	StopReasonStopLoss   StopReason = "stop_loss"
)

// StrategySummary is the per-cycle rollup of a strategy's PnL and status,
// streamed to subscribers as an update_strategy_summary event.
type StrategySummary struct {
	StrategyID       string            `json:"strategyId"`
	Name             string            `json:"name"`
	ModelProvider    string            `json:"modelProvider,omitempty"`
	ModelID          string            `json:"modelId,omitempty"`
	ExchangeID       string            `json:"exchangeId"`
	Mode             TradingMode       `json:"mode"`
	Status           StrategyStatus    `json:"status"`
	RealizedPnL      decimal.Decimal   `json:"realizedPnl"`
	UnrealizedPnL    decimal.Decimal   `json:"unrealizedPnl"`
	UnrealizedPnLPct *decimal.Decimal  `json:"unrealizedPnlPct,omitempty"`
	PnLPct           *decimal.Decimal  `json:"pnlPct,omitempty"`
	TotalValue       decimal.Decimal   `json:"totalValue"`
	LastUpdatedTsMs  int64             `json:"lastUpdatedTsMs"`
	Metadata         map[string]string `json:"metadata,omitempty"`
}
