package types

import "github.com/shopspring/decimal"

// TradingMode selects whether the Execution Gateway talks to a real
// venue (LIVE) or simulates fills locally (VIRTUAL).
type TradingMode string

const (
	TradingModeLive    TradingMode = "LIVE"
	TradingModeVirtual TradingMode = "VIRTUAL"
)

// MarketType distinguishes spot instruments (no leverage/shorts) from
// derivatives (leverage, shorts, funding).
type MarketType string

const (
	MarketTypeSpot       MarketType = "SPOT"
	MarketTypeDerivative MarketType = "DERIVATIVE"
)

// LLMModelConfig selects the model backing the LLM Composer and Grid
// Parameter Advisor.
type LLMModelConfig struct {
	Provider string `json:"provider"`
	ModelID  string `json:"modelId"`
	APIKey   string `json:"apiKey,omitempty"`
}

// ExchangeConfig identifies the venue and trading/market mode a strategy
// runs against.
type ExchangeConfig struct {
	ExchangeID  string      `json:"exchangeId"`
	TradingMode TradingMode `json:"tradingMode"`
	MarketType  MarketType  `json:"marketType"`
}

// TradingConfig is the strategy-level parameter set a UserRequest
// carries: symbols, sizing, and the take-profit/stop-loss ladder.
type TradingConfig struct {
	StrategyName             string          `json:"strategyName,omitempty"`
	StrategyPrompt           string          `json:"strategyPrompt,omitempty"`
	Symbols                  []string        `json:"symbols"`
	InitialCapital           decimal.Decimal `json:"initialCapital,omitempty"`
	DecideIntervalSec        int             `json:"decideIntervalSec"`
	MaxPositions             int             `json:"maxPositions"`
	MaxLeverage              decimal.Decimal `json:"maxLeverage"`
	RiskPerTrade             decimal.Decimal `json:"riskPerTrade,omitempty"`
	TakeProfitPct            decimal.Decimal `json:"takeProfitPct"`
	StopLossPct              decimal.Decimal `json:"stopLossPct"`
	PartialTPEnabled         bool            `json:"partialTpEnabled"`
	PartialTPThresholdPct    decimal.Decimal `json:"partialTpThresholdPct"`
	PartialTPCloseRatio      decimal.Decimal `json:"partialTpCloseRatio"`
	TrailingStopDrawdownPct  decimal.Decimal `json:"trailingStopDrawdownPct"`
	// CronSchedule optionally restricts the decide loop to a cron-style
	// trading-hours window instead of a bare fixed DecideIntervalSec tick
	// (see internal/agent; grounded on original_source/'s trading-hours
	// notion, carried via robfig/cron).
	CronSchedule string `json:"cronSchedule,omitempty"`
}

// DefaultTradingConfig matches the original's documented defaults.
func DefaultTradingConfig() TradingConfig {
	return TradingConfig{
		DecideIntervalSec:      60,
		MaxPositions:           5,
		MaxLeverage:            decimal.NewFromInt(1),
		TakeProfitPct:          decimal.NewFromInt(22),
		StopLossPct:            decimal.NewFromInt(-20),
		PartialTPEnabled:       true,
		PartialTPThresholdPct:  decimal.NewFromInt(15),
		PartialTPCloseRatio:    decimal.NewFromFloat(0.3),
		TrailingStopDrawdownPct: decimal.NewFromInt(3),
	}
}

// UserRequest is the external input that creates a strategy runtime.
// Unknown JSON fields must be rejected by the decoder that parses this
// (see internal/agent's handler); Symbols are deduplicated preserving order.
type UserRequest struct {
	LLMModelConfig LLMModelConfig `json:"llmModelConfig"`
	ExchangeConfig ExchangeConfig `json:"exchangeConfig"`
	TradingConfig  TradingConfig  `json:"tradingConfig"`
}

// Normalize dedupes symbols in place and returns the request for chaining.
func (r UserRequest) Normalize() UserRequest {
	r.TradingConfig.Symbols = DedupeSymbols(r.TradingConfig.Symbols)
	return r
}

// DecisionCycleResult is the full output of one Decision Coordinator
// run_once call.
type DecisionCycleResult struct {
	ComposeID       string              `json:"composeId"`
	TsMs            int64               `json:"tsMs"`
	CycleIndex      int                 `json:"cycleIndex"`
	Rationale       string              `json:"rationale"`
	StrategySummary StrategySummary     `json:"strategySummary"`
	Instructions    []TradeInstruction  `json:"instructions"`
	Trades          []TradeHistoryEntry `json:"trades"`
	HistoryRecords  []HistoryRecord     `json:"historyRecords"`
	Digest          TradeDigest         `json:"digest"`
	PortfolioView   PortfolioView       `json:"portfolioView"`
}
