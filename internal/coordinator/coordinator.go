// Package coordinator drives one strategy instance's decision cycle: a
// single immutable run_once pipeline from features through execution to
// portfolio and history, plus the close_all_positions/close lifecycle
// operations of §4.1. Grounded on teacher internal/autonomous/agent.go's
// run-loop/stop shape and internal/orchestrator/orchestrator.go's cycle
// sequencing, rewritten around the spec's fixed pipeline instead of the
// teacher's event-driven handler dispatch.
package coordinator

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/atlas-desktop/strategy-runtime/internal/composer"
	"github.com/atlas-desktop/strategy-runtime/internal/execution"
	"github.com/atlas-desktop/strategy-runtime/internal/features"
	"github.com/atlas-desktop/strategy-runtime/internal/history"
	"github.com/atlas-desktop/strategy-runtime/internal/portfolio"
	"github.com/atlas-desktop/strategy-runtime/pkg/types"
)

// closeEpsilon is the "close to zero" tolerance in close detection, per
// §4.1.1's ε = 1e-12.
var closeEpsilon = decimal.New(1, -12)

// Config is everything a Coordinator needs to drive one strategy
// instance's cycles.
type Config struct {
	StrategyID        string
	Request           types.UserRequest
	Portfolio         *portfolio.Service
	Pipeline          *features.Pipeline
	Composer          composer.Composer
	Gateway           execution.Gateway
	Adapter           execution.ExchangeAdapter // nil in VIRTUAL mode
	Recorder          *history.Recorder
	DigestWindow      int // default 50, per §4.6
	QuantityPrecision decimal.Decimal
}

// Coordinator drives run_once, close_all_positions, and close for one
// strategy instance. Safe for concurrent read of its accumulated trades;
// run_once itself is expected to be called sequentially by the owning
// agent loop (§4.7), never concurrently with itself.
type Coordinator struct {
	logger  *zap.Logger
	cfg     Config
	mu      sync.Mutex
	trades  []types.TradeHistoryEntry
	cycleIx int
	closed  bool
}

// New constructs a Coordinator.
func New(logger *zap.Logger, cfg Config) *Coordinator {
	if cfg.DigestWindow <= 0 {
		cfg.DigestWindow = 50
	}
	if cfg.QuantityPrecision.IsZero() {
		cfg.QuantityPrecision = decimal.New(1, -9)
	}
	return &Coordinator{logger: logger, cfg: cfg}
}

// RunOnce executes exactly one decision cycle, per §4.1's sixteen-step
// algorithm. It returns a PipelineError only for programmer-error
// invariant violations; every recoverable failure (missing price, LLM
// timeout, venue rejection) degrades gracefully into the result instead.
func (c *Coordinator) RunOnce(ctx context.Context, nowMs int64) (types.DecisionCycleResult, error) {
	composeID := uuid.NewString()

	portfolioView := c.cfg.Portfolio.GetView()

	if c.cfg.Request.ExchangeConfig.TradingMode == types.TradingModeLive {
		if err := c.reconcileLive(ctx); err != nil {
			c.logger.Warn("live reconciliation failed, continuing with last known portfolio view", zap.Error(err))
		}
		portfolioView = c.cfg.Portfolio.GetView()
	}

	featureVectors := c.cfg.Pipeline.Build(ctx, instrumentsForSymbols(c.cfg.Request.TradingConfig.Symbols, c.cfg.Request.ExchangeConfig))
	marketFeatures := types.FilterByGroup(featureVectors, types.FeatureGroupMarketSnapshot)

	c.mu.Lock()
	digest := history.BuildDigest(nowMs, c.trades, c.cfg.DigestWindow)
	c.mu.Unlock()

	cctx := types.ComposeContext{
		TsMs:       nowMs,
		ComposeID:  composeID,
		StrategyID: c.cfg.StrategyID,
		Features:   featureVectors,
		Portfolio:  portfolioView,
		Digest:     digest,
	}

	composeResult, err := c.cfg.Composer.Compose(ctx, cctx)
	if err != nil {
		return types.DecisionCycleResult{}, NewPipelineError(fmt.Sprintf("composer invariant violation: %v", err))
	}

	if setter, ok := c.cfg.Gateway.(execution.FeatureSetter); ok {
		setter.SetFeatures(marketFeatures)
	}

	txResults, err := c.cfg.Gateway.Execute(ctx, composeResult.Instructions)
	if err != nil {
		return types.DecisionCycleResult{}, NewPipelineError(fmt.Sprintf("execution gateway invariant violation: %v", err))
	}

	filledInstructions, filledResults, rationale := filterExecutionWarnings(composeResult.Instructions, txResults, composeResult.Rationale)

	prevPositions := clonePositions(portfolioView.Positions)
	trades := c.buildTradeRecords(nowMs, composeID, filledResults, prevPositions)

	c.cfg.Portfolio.ApplyTrades(trades, marketFeatures)
	postView := c.cfg.Portfolio.GetView()

	c.mu.Lock()
	c.trades = append(c.trades, trades...)
	c.cycleIx++
	cycleIndex := c.cycleIx
	c.mu.Unlock()

	summary := c.buildSummary(postView, composeResult.ShouldStop, rationale, nowMs)

	records := []types.HistoryRecord{
		history.NewFeaturesRecord(nowMs, composeID, featureVectors),
		history.NewComposeRecord(nowMs, composeID, composeResult),
		history.NewInstructionsRecord(nowMs, composeID, composeResult.Instructions),
		history.NewExecutionRecord(nowMs, composeID, txResults, trades),
	}
	for _, rec := range records {
		c.cfg.Recorder.Append(rec)
	}

	return types.DecisionCycleResult{
		ComposeID:       composeID,
		TsMs:            nowMs,
		CycleIndex:      cycleIndex,
		Rationale:       rationale,
		StrategySummary: summary,
		Instructions:    filledInstructions,
		Trades:          trades,
		HistoryRecords:  records,
		Digest:          digest,
		PortfolioView:   postView,
	}, nil
}

// reconcileLive implements §4.1 step 3.
func (c *Coordinator) reconcileLive(ctx context.Context) error {
	if c.cfg.Adapter == nil {
		return fmt.Errorf("LIVE mode requires an ExchangeAdapter")
	}

	accountBalance, buyingPower, err := c.cfg.Adapter.FetchBalance(ctx)
	if err != nil {
		return fmt.Errorf("fetch balance: %w", err)
	}

	reported, err := c.cfg.Adapter.FetchPositions(ctx, c.cfg.Request.TradingConfig.Symbols)
	if err != nil {
		return fmt.Errorf("fetch positions: %w", err)
	}

	c.cfg.Portfolio.ReconcileLive(accountBalance, buyingPower, reported)
	return nil
}

// filterExecutionWarnings implements §4.1 step 10: drop
// REJECTED/ERROR results and fold their reasons into the rationale.
func filterExecutionWarnings(instructions []types.TradeInstruction, results []types.TxResult, rationale string) ([]types.TradeInstruction, []types.TxResult, string) {
	filteredInstr := make([]types.TradeInstruction, 0, len(instructions))
	filteredResults := make([]types.TxResult, 0, len(results))
	warnings := make([]string, 0)

	for i, res := range results {
		if res.Status == types.TxStatusRejected || res.Status == types.TxStatusError {
			warnings = append(warnings, fmt.Sprintf("%s: %s (%s)", res.InstructionID, res.Status, res.Reason))
			continue
		}
		if i < len(instructions) {
			filteredInstr = append(filteredInstr, instructions[i])
		}
		filteredResults = append(filteredResults, res)
	}

	if len(warnings) > 0 {
		rationale = fmt.Sprintf("%s\n\nExecution Warnings:\n- %s", rationale, strings.Join(warnings, "\n- "))
	}
	return filteredInstr, filteredResults, rationale
}

// buildTradeRecords implements §4.1.1 close detection for every TxResult
// with filled_qty > 0.
func (c *Coordinator) buildTradeRecords(nowMs int64, composeID string, results []types.TxResult, prevPositions map[string]*types.PositionSnapshot) []types.TradeHistoryEntry {
	trades := make([]types.TradeHistoryEntry, 0, len(results))

	for _, res := range results {
		if !res.Status.Filled() || !res.FilledQty.IsPositive() {
			continue
		}

		prev := prevPositions[res.Instrument.Key()]
		var prevQty decimal.Decimal
		if prev != nil {
			prevQty = prev.Quantity
		}

		opposesPrev := (prevQty.IsPositive() && res.Side == types.SideSell) || (prevQty.IsNegative() && res.Side == types.SideBuy)
		var closeUnits decimal.Decimal
		if opposesPrev {
			closeUnits = decimal.Min(res.FilledQty, prevQty.Abs())
		}
		isFullClose := !prevQty.IsZero() && closeUnits.GreaterThanOrEqual(prevQty.Abs().Sub(closeEpsilon))

		execPrice := decimal.Zero
		if res.AvgExecPrice != nil {
			execPrice = *res.AvgExecPrice
		}
		fee := decimal.Zero
		if res.FeeCost != nil {
			fee = *res.FeeCost
		}

		tradeType := types.TradeTypeLong
		if res.Side == types.SideSell && prevQty.IsNegative() || (prevQty.IsZero() && res.Side == types.SideSell) {
			tradeType = types.TradeTypeShort
		}

		leverage := decimal.NewFromInt(1)
		if res.Leverage != nil {
			leverage = *res.Leverage
		}

		trade := types.TradeHistoryEntry{
			TradeID:       uuid.NewString(),
			ComposeID:     composeID,
			InstructionID: res.InstructionID,
			StrategyID:    c.cfg.StrategyID,
			Instrument:    res.Instrument,
			Side:          res.Side,
			Type:          tradeType,
			Quantity:      res.FilledQty,
			AvgExecPrice:  execPrice,
			EntryTsMs:     nowMs,
			TradeTsMs:     nowMs,
			Leverage:      leverage,
			FeeCost:       res.FeeCost,
		}

		switch {
		case isFullClose:
			// The close entry's quantity is the units needed to close the
			// prior position, not the full fill: on an overshoot (e.g. a
			// long 1.5 closed by a 2.0 sell), filled_qty includes units
			// that reopen the instrument in the opposite direction, which
			// get their own trade entry below so ApplyTrades still applies
			// the full fill to cash/position while the close entry's
			// quantity and realized-PnL basis stay mutually consistent.
			trade.Quantity = closeUnits

			entryPrice := prev.AvgPrice
			exitTs := nowMs
			holding := exitTs - prev.EntryTsMs
			notionalEntry := entryPrice.Mul(closeUnits)

			var realizedPnL decimal.Decimal
			if prevQty.IsPositive() {
				realizedPnL = execPrice.Sub(entryPrice).Mul(closeUnits)
			} else {
				realizedPnL = entryPrice.Sub(execPrice).Mul(closeUnits)
			}
			realizedPnL = realizedPnL.Sub(fee)

			realizedPnLPct := decimal.Zero
			if notionalEntry.IsPositive() {
				realizedPnLPct = realizedPnL.Div(notionalEntry)
			}

			trade.EntryPrice = &entryPrice
			trade.ExitPrice = &execPrice
			trade.EntryTsMs = prev.EntryTsMs
			trade.ExitTsMs = &exitTs
			trade.HoldingMs = &holding
			trade.NotionalEntry = &notionalEntry
			trade.RealizedPnL = &realizedPnL
			trade.RealizedPnLPct = &realizedPnLPct

			trades = append(trades, trade)

			if remainder := res.FilledQty.Sub(closeUnits); remainder.IsPositive() {
				reopenType := types.TradeTypeShort
				if prevQty.IsNegative() {
					reopenType = types.TradeTypeLong
				}
				trades = append(trades, types.TradeHistoryEntry{
					TradeID:       uuid.NewString(),
					ComposeID:     composeID,
					InstructionID: res.InstructionID,
					StrategyID:    c.cfg.StrategyID,
					Instrument:    res.Instrument,
					Side:          res.Side,
					Type:          reopenType,
					Quantity:      remainder,
					AvgExecPrice:  execPrice,
					EntryTsMs:     nowMs,
					TradeTsMs:     nowMs,
					Leverage:      leverage,
				})
			}
			continue

		case !opposesPrev:
			negFee := fee.Neg()
			trade.RealizedPnL = &negFee

		default:
			// Partial reduce: annotate the most recent open trade for this
			// instrument rather than computing a standalone realized PnL here.
			c.annotatePairedExit(res.Instrument, trade.TradeID, execPrice, nowMs, closeUnits)
		}

		trades = append(trades, trade)
	}

	return trades
}

// annotatePairedExit implements §4.1.1's partial-reduce path: the most
// recent still-open trade for instrument gets its exit fields set and a
// "paired_exit_of:<new_trade_id>" note, rather than recomputing a new
// standalone close record.
func (c *Coordinator) annotatePairedExit(instrument types.InstrumentRef, newTradeID string, exitPrice decimal.Decimal, exitTsMs int64, notionalQty decimal.Decimal) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for i := len(c.trades) - 1; i >= 0; i-- {
		t := &c.trades[i]
		if t.Instrument.Key() != instrument.Key() || t.ExitTsMs != nil {
			continue
		}
		holding := exitTsMs - t.EntryTsMs
		notionalExit := exitPrice.Mul(notionalQty)
		t.ExitPrice = &exitPrice
		t.ExitTsMs = &exitTsMs
		t.HoldingMs = &holding
		t.NotionalExit = &notionalExit
		if t.Note != "" {
			t.Note += "; "
		}
		t.Note += fmt.Sprintf("paired_exit_of:%s", newTradeID)
		return
	}
}

// buildSummary implements §4.1.2 summary math.
func (c *Coordinator) buildSummary(view types.PortfolioView, shouldStop bool, rationale string, nowMs int64) types.StrategySummary {
	c.mu.Lock()
	totalRealized := decimal.Zero
	for _, t := range c.trades {
		if t.RealizedPnL != nil {
			totalRealized = totalRealized.Add(*t.RealizedPnL)
		}
	}
	c.mu.Unlock()

	equity := view.TotalValue
	var unrealizedPct *decimal.Decimal
	if equity.IsPositive() {
		pct := view.TotalUnrealizedPnL.Div(equity).Mul(decimal.NewFromInt(100))
		unrealizedPct = &pct
	}

	var pnlPct *decimal.Decimal
	if equity.IsPositive() {
		pct := totalRealized.Add(view.TotalUnrealizedPnL).Div(equity)
		pnlPct = &pct
	}

	status := types.StrategyStatusRunning
	metadata := map[string]string{}
	if shouldStop {
		status = types.StrategyStatusStopped
		reason := types.StopReasonNormalExit
		if strings.Contains(rationale, "Stop Loss") || strings.Contains(rationale, "stop loss") {
			reason = types.StopReasonStopLoss
		}
		metadata["stop_reason"] = string(reason)
		metadata["stop_reason_detail"] = rationale
	}

	return types.StrategySummary{
		StrategyID:       c.cfg.StrategyID,
		Name:             c.cfg.Request.TradingConfig.StrategyName,
		ModelProvider:    c.cfg.Request.LLMModelConfig.Provider,
		ModelID:          c.cfg.Request.LLMModelConfig.ModelID,
		ExchangeID:       c.cfg.Request.ExchangeConfig.ExchangeID,
		Mode:             c.cfg.Request.ExchangeConfig.TradingMode,
		Status:           status,
		RealizedPnL:      totalRealized,
		UnrealizedPnL:    view.TotalUnrealizedPnL,
		UnrealizedPnLPct: unrealizedPct,
		PnLPct:           pnlPct,
		TotalValue:       view.TotalValue,
		LastUpdatedTsMs:  nowMs,
		Metadata:         metadata,
	}
}

// CloseAllPositions generates MARKET CLOSE instructions for every
// non-zero position with meta.reduceOnly=true, executes them, and
// applies the resulting trades to the portfolio. It does not record
// cycle history beyond the execution itself, per §4.1.
func (c *Coordinator) CloseAllPositions(ctx context.Context) ([]types.TradeHistoryEntry, error) {
	view := c.cfg.Portfolio.GetView()

	instructions := make([]types.TradeInstruction, 0, len(view.Positions))
	idx := 0
	for _, pos := range view.Positions {
		if pos.Quantity.Abs().LessThanOrEqual(c.cfg.QuantityPrecision) {
			continue
		}
		side := types.SideSell
		if pos.Quantity.IsNegative() {
			side = types.SideBuy
		}
		instructions = append(instructions, types.TradeInstruction{
			InstructionID:  fmt.Sprintf("close-all:%s:%d", pos.Instrument.Symbol, idx),
			Instrument:     pos.Instrument,
			Action:         types.ActionFlat,
			Side:           side,
			Quantity:       pos.Quantity.Abs(),
			PriceMode:      types.PriceModeMarket,
			MaxSlippageBps: 25,
			Meta:           map[string]any{"reduceOnly": true},
		})
		idx++
	}

	if len(instructions) == 0 {
		return nil, nil
	}

	featureVectors := c.cfg.Pipeline.Build(ctx, instrumentsForSymbols(c.cfg.Request.TradingConfig.Symbols, c.cfg.Request.ExchangeConfig))
	marketFeatures := types.FilterByGroup(featureVectors, types.FeatureGroupMarketSnapshot)

	if setter, ok := c.cfg.Gateway.(execution.FeatureSetter); ok {
		setter.SetFeatures(marketFeatures)
	}

	results, err := c.cfg.Gateway.Execute(ctx, instructions)
	if err != nil {
		return nil, NewPipelineError(fmt.Sprintf("close_all_positions execution invariant violation: %v", err))
	}

	nowMs := time.Now().UnixMilli()
	prevPositions := clonePositions(view.Positions)
	trades := c.buildTradeRecords(nowMs, "close-all", results, prevPositions)

	c.cfg.Portfolio.ApplyTrades(trades, marketFeatures)

	c.mu.Lock()
	c.trades = append(c.trades, trades...)
	c.mu.Unlock()

	return trades, nil
}

// Close releases gateway resources; idempotent.
func (c *Coordinator) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true

	if c.cfg.Adapter != nil {
		if err := c.cfg.Adapter.Close(); err != nil {
			return err
		}
	}
	return c.cfg.Pipeline.Close()
}

func clonePositions(positions map[string]*types.PositionSnapshot) map[string]*types.PositionSnapshot {
	out := make(map[string]*types.PositionSnapshot, len(positions))
	for k, v := range positions {
		p := *v
		out[k] = &p
	}
	return out
}

func instrumentsForSymbols(symbols []string, exchange types.ExchangeConfig) []types.InstrumentRef {
	out := make([]types.InstrumentRef, 0, len(symbols))
	for _, sym := range symbols {
		out = append(out, types.NewInstrumentRef(sym, exchange.ExchangeID, exchange.MarketType == types.MarketTypeDerivative))
	}
	return out
}
