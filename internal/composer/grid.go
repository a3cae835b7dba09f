package composer

import (
	"context"
	"fmt"
	"math"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/atlas-desktop/strategy-runtime/pkg/types"
)

const (
	minGridStepPct       = 0.003
	minGridZonePct       = 0.10
	marketChangeThreshold = 0.01
	maxGridCountDelta    = 2
	advisorRefreshSec    = 300
)

// GridParams is the Grid composer's dynamic parameter set, refreshed by an
// Advisor per §4.5.2.
type GridParams struct {
	StepPct      float64
	MaxSteps     int
	BaseFraction float64
	GridLowerPct *float64
	GridUpperPct *float64
	GridCount    *int
}

// tpState tracks one symbol's tiered take-profit/trailing-stop progress
// across cycles, per §4.5.1 steps 2-3.
type tpState struct {
	partialClosed bool
	peakPnL       float64
}

// Advisor is the capability GridComposer calls to refresh GridParams, per
// §4.5.2. LLMAdvisor is the production implementation; tests can supply a
// stub.
type Advisor interface {
	Advise(ctx context.Context, cctx types.ComposeContext, prev GridParams) (GridParams, string, error)
}

// GridComposer is the rule-based composer, grounded on
// original_source/.../grid_composer/grid_composer.py: it runs TP/SL checks
// first, then mean-reversion grid sizing for every remaining symbol, and
// reuses the shared Normalize guardrails to emit executable instructions.
type GridComposer struct {
	logger  *zap.Logger
	config  types.TradingConfig
	exchange types.ExchangeConfig
	advisor Advisor

	params            GridParams
	lastAdviceTsMs    int64
	llmParamsApplied  bool
	advisorRationale  string
	stoppedSymbols    map[string]bool
	tpTracking        map[string]*tpState
	quantityPrecision decimal.Decimal
}

// NewGridComposer constructs a GridComposer seeded with the defaults from
// §4.5.1 (step_pct 0.005, max_steps 3, base_fraction 0.08).
func NewGridComposer(logger *zap.Logger, config types.TradingConfig, exchange types.ExchangeConfig, advisor Advisor) *GridComposer {
	return &GridComposer{
		logger:   logger,
		config:   config,
		exchange: exchange,
		advisor:  advisor,
		params: GridParams{
			StepPct:      0.005,
			MaxSteps:     3,
			BaseFraction: 0.08,
		},
		stoppedSymbols:    make(map[string]bool),
		tpTracking:        make(map[string]*tpState),
		quantityPrecision: decimal.NewFromFloat(1e-9),
	}
}

// Compose implements Composer.
func (g *GridComposer) Compose(ctx context.Context, cctx types.ComposeContext) (types.ComposeResult, error) {
	symbols := g.config.Symbols

	hasPositions := false
	for _, sym := range symbols {
		if pos, ok := cctx.Portfolio.Positions[sym]; ok && !pos.Quantity.IsZero() {
			hasPositions = true
			break
		}
	}
	if !hasPositions && cctx.Portfolio.BuyingPower.LessThan(decimal.NewFromInt(1)) {
		return types.ComposeResult{
			Rationale: fmt.Sprintf("No action: insufficient buying power (%s) and no positions to manage.", cctx.Portfolio.BuyingPower.StringFixed(2)),
		}, nil
	}

	g.refreshParams(ctx, cctx)

	items := make([]types.TradeDecisionItem, 0, len(symbols))
	noopReasons := make([]string, 0)
	shouldStop := false
	handled := make(map[string]bool, len(symbols))

	tpItems, stopHit := g.applyTakeProfitStopLoss(cctx, symbols)
	items = append(items, tpItems...)
	for _, it := range tpItems {
		handled[it.Instrument.Symbol] = true
	}
	if stopHit {
		shouldStop = true
	}

	priceMap := priceMapFromFeatures(cctx.Features)
	openMap := OpenPriceMapFromFeatures(cctx.Features)
	isSpot := g.exchange.MarketType == types.MarketTypeSpot

	for _, symbol := range symbols {
		if handled[symbol] {
			continue
		}
		if g.stoppedSymbols[symbol] {
			noopReasons = append(noopReasons, fmt.Sprintf("%s: stopped due to previous stop loss", symbol))
			continue
		}

		price, hasPrice := priceMap[symbol]
		if !hasPrice || !price.IsPositive() {
			noopReasons = append(noopReasons, fmt.Sprintf("%s: missing or invalid price", symbol))
			continue
		}

		var pos *types.PositionSnapshot
		if p, ok := cctx.Portfolio.Positions[symbol]; ok {
			pos = p
		}

		item, reason := g.gridDecision(cctx, symbol, price, openMap[symbol], pos, isSpot)
		if item != nil {
			items = append(items, *item)
		} else if reason != "" {
			noopReasons = append(noopReasons, reason)
		}
	}

	paramsDesc := g.paramsDescription()
	if len(items) == 0 {
		summary := "no triggers hit"
		if len(noopReasons) > 0 {
			summary = joinReasons(noopReasons)
		}
		return types.ComposeResult{
			Rationale: fmt.Sprintf("Grid NOOP — reasons: %s. %s", summary, paramsDesc),
		}, nil
	}

	plan := types.TradePlanProposal{
		TsMs:      cctx.TsMs,
		Items:     items,
		Rationale: fmt.Sprintf("Grid plan — %s", paramsDesc),
	}

	normalized := Normalize(cctx, plan, NormalizeConfig{
		MaxPositions:       g.config.MaxPositions,
		DefaultSlippageBps: 25,
		QuantityPrecision:  g.quantityPrecision,
		Constraints:        cctx.Constraints,
	})

	rationale := plan.Rationale
	if shouldStop {
		rationale = "Stop Loss triggered. " + rationale
	}

	return types.ComposeResult{
		Instructions: normalized,
		Rationale:    rationale,
		ShouldStop:   shouldStop,
	}, nil
}

// refreshParams implements §4.5.2's refresh cadence and application policy.
func (g *GridComposer) refreshParams(ctx context.Context, cctx types.ComposeContext) {
	if g.advisor == nil {
		return
	}

	shouldRefresh := g.lastAdviceTsMs == 0 ||
		(cctx.TsMs-g.lastAdviceTsMs) >= advisorRefreshSec*1000 ||
		!g.llmParamsApplied

	if !shouldRefresh {
		return
	}

	advised, rationale, err := g.advisor.Advise(ctx, cctx, g.params)
	if err != nil {
		g.logger.Warn("grid param advisor failed, keeping configured params", zap.Error(err))
		g.lastAdviceTsMs = cctx.TsMs
		return
	}

	applyNew := !g.llmParamsApplied || g.hasClearMarketChange(cctx)
	if applyNew {
		g.applyAdvisedParams(advised)
		g.llmParamsApplied = true
	}
	g.advisorRationale = rationale
	g.lastAdviceTsMs = cctx.TsMs
}

// applyAdvisedParams clamps advisor output per §4.5.2.
func (g *GridComposer) applyAdvisedParams(advised GridParams) {
	g.params.StepPct = math.Max(minGridStepPct, advised.StepPct)
	if advised.MaxSteps < 1 {
		g.params.MaxSteps = 1
	} else {
		g.params.MaxSteps = advised.MaxSteps
	}
	if advised.BaseFraction > 0 {
		g.params.BaseFraction = advised.BaseFraction
	}

	lower := minGridZonePct
	if advised.GridLowerPct != nil && *advised.GridLowerPct > lower {
		lower = *advised.GridLowerPct
	}
	upper := minGridZonePct
	if advised.GridUpperPct != nil && *advised.GridUpperPct > upper {
		upper = *advised.GridUpperPct
	}
	g.params.GridLowerPct = &lower
	g.params.GridUpperPct = &upper

	if advised.GridCount != nil {
		proposed := *advised.GridCount
		if proposed < 1 {
			proposed = 1
		}
		if g.params.GridCount != nil {
			lo := *g.params.GridCount - maxGridCountDelta
			if lo < 1 {
				lo = 1
			}
			hi := *g.params.GridCount + maxGridCountDelta
			if proposed < lo {
				proposed = lo
			}
			if proposed > hi {
				proposed = hi
			}
		}
		g.params.GridCount = &proposed

		totalSpan := lower + upper
		if totalSpan > 0 {
			g.params.StepPct = math.Max(1e-6, totalSpan/float64(proposed))
			g.params.MaxSteps = proposed
		}
	}
}

// hasClearMarketChange implements §4.5.2's "apply only when market change
// ≥ 1%" gate.
func (g *GridComposer) hasClearMarketChange(cctx types.ComposeContext) bool {
	maxAbs := 0.0
	found := false
	symbolSet := make(map[string]bool, len(g.config.Symbols))
	for _, s := range g.config.Symbols {
		symbolSet[s] = true
	}
	for _, fv := range cctx.Features {
		if fv.Instrument == nil || !symbolSet[fv.Instrument.Symbol] {
			continue
		}
		change, ok := fv.Float("change_pct")
		if !ok {
			continue
		}
		found = true
		if math.Abs(change) > maxAbs {
			maxAbs = math.Abs(change)
		}
	}
	return found && maxAbs >= marketChangeThreshold
}

// applyTakeProfitStopLoss implements §4.5.1 steps 1-5, executed first per
// symbol, per cycle.
func (g *GridComposer) applyTakeProfitStopLoss(cctx types.ComposeContext, symbols []string) ([]types.TradeDecisionItem, bool) {
	items := make([]types.TradeDecisionItem, 0)
	shouldStop := false

	for _, symbol := range symbols {
		pos, ok := cctx.Portfolio.Positions[symbol]
		if !ok || pos.Quantity.IsZero() {
			continue
		}

		quantity := pos.Quantity
		avgPx := pos.AvgPrice
		markPx := avgPx
		if pos.MarkPrice != nil {
			markPx = *pos.MarkPrice
		}
		if !markPx.IsPositive() || !avgPx.IsPositive() {
			continue
		}

		priceMovePct := markPx.Sub(avgPx).Div(avgPx).Mul(decimal.NewFromInt(100))
		if quantity.IsNegative() {
			priceMovePct = avgPx.Sub(markPx).Div(avgPx).Mul(decimal.NewFromInt(100))
		}
		leverage := pos.Leverage
		if leverage.IsZero() {
			leverage = decimal.NewFromInt(1)
		}
		pnlPct, _ := priceMovePct.Mul(leverage).Float64()

		state, ok := g.tpTracking[symbol]
		if !ok {
			state = &tpState{peakPnL: pnlPct}
			g.tpTracking[symbol] = state
		}
		if pnlPct > state.peakPnL {
			state.peakPnL = pnlPct
		}

		partialTPThreshold, _ := g.config.PartialTPThresholdPct.Float64()
		partialTPRatio, _ := g.config.PartialTPCloseRatio.Float64()
		trailingDrawdown, _ := g.config.TrailingStopDrawdownPct.Float64()
		takeProfitPct, _ := g.config.TakeProfitPct.Float64()
		stopLossPct, _ := g.config.StopLossPct.Float64()

		closeAction := types.ActionCloseLong
		if quantity.IsNegative() {
			closeAction = types.ActionCloseShort
		}

		if g.config.PartialTPEnabled && !state.partialClosed && pnlPct >= partialTPThreshold {
			closeQty := quantity.Abs().Mul(decimal.NewFromFloat(partialTPRatio))
			items = append(items, types.TradeDecisionItem{
				Instrument: pos.Instrument,
				Action:     closeAction,
				TargetQty:  closeQty,
				Leverage:   decimal.NewFromInt(1),
				Confidence: decimal.NewFromInt(1),
				Rationale:  fmt.Sprintf("Partial TP: pnl=%.2f%% >= %.2f%%. Closing %.0f%%.", pnlPct, partialTPThreshold, partialTPRatio*100),
			})
			state.partialClosed = true
			state.peakPnL = pnlPct
			continue
		}

		if g.config.PartialTPEnabled && state.partialClosed {
			drawdown := state.peakPnL - pnlPct
			if drawdown >= trailingDrawdown {
				items = append(items, types.TradeDecisionItem{
					Instrument: pos.Instrument,
					Action:     closeAction,
					TargetQty:  quantity.Abs(),
					Leverage:   decimal.NewFromInt(1),
					Confidence: decimal.NewFromInt(1),
					Rationale:  fmt.Sprintf("Trailing stop: drawdown=%.2f%% from peak=%.2f%%.", drawdown, state.peakPnL),
				})
				g.tpTracking[symbol] = &tpState{}
			}
			// §4.5.1 step 3 is terminal for a partial-closed position: it
			// does not fall through to the full-TP/stop-loss checks below,
			// whether or not the trailing gate fired this cycle.
			continue
		}

		if pnlPct >= takeProfitPct {
			items = append(items, types.TradeDecisionItem{
				Instrument: pos.Instrument,
				Action:     closeAction,
				TargetQty:  quantity.Abs(),
				Leverage:   decimal.NewFromInt(1),
				Confidence: decimal.NewFromInt(1),
				Rationale:  fmt.Sprintf("Full TP: pnl=%.2f%% >= %.2f%%.", pnlPct, takeProfitPct),
			})
			g.tpTracking[symbol] = &tpState{}
			continue
		}

		if pnlPct <= stopLossPct {
			items = append(items, types.TradeDecisionItem{
				Instrument: pos.Instrument,
				Action:     closeAction,
				TargetQty:  quantity.Abs(),
				Leverage:   decimal.NewFromInt(1),
				Confidence: decimal.NewFromInt(1),
				Rationale:  fmt.Sprintf("Stop Loss triggered: pnl=%.2f%% <= %.2f%%. Strategy stopped for %s.", pnlPct, stopLossPct, symbol),
			})
			g.stoppedSymbols[symbol] = true
			shouldStop = true
			continue
		}
	}

	return items, shouldStop
}

// gridDecision implements §4.5.1's grid rules for one symbol not handled
// by TP/SL. Returns either a decision item or a NOOP reason.
func (g *GridComposer) gridDecision(cctx types.ComposeContext, symbol string, price, openPrice decimal.Decimal, pos *types.PositionSnapshot, isSpot bool) (*types.TradeDecisionItem, string) {
	equity := cctx.Portfolio.TotalValue
	baseQty := equity.Mul(decimal.NewFromFloat(g.params.BaseFraction)).Div(price)
	if baseQty.IsNegative() {
		baseQty = decimal.Zero
	}

	if cctx.Constraints != nil && cctx.Constraints.MinNotional != nil {
		if minNotional, ok := cctx.Constraints.MinNotional[symbol]; ok && minNotional > 0 {
			notional := baseQty.Mul(price)
			if notional.LessThan(decimal.NewFromFloat(minNotional)) {
				baseQty = decimal.NewFromFloat(minNotional).Div(price)
			}
		}
	}

	if !baseQty.IsPositive() {
		return nil, fmt.Sprintf("%s: base_qty=0 (equity=%s, price=%s)", symbol, equity.StringFixed(2), price.StringFixed(4))
	}

	instrument := types.NewInstrumentRef(symbol, g.exchange.ExchangeID, g.exchange.MarketType == types.MarketTypeDerivative)
	maxLeverage := g.config.MaxLeverage
	if cctx.Constraints != nil && cctx.Constraints.MaxLeverage > 0 {
		maxLeverageFloat, _ := maxLeverage.Float64()
		if cctx.Constraints.MaxLeverage < maxLeverageFloat {
			maxLeverage = decimal.NewFromFloat(cctx.Constraints.MaxLeverage)
		}
	}

	var qty, avgPx decimal.Decimal
	if pos != nil {
		qty = pos.Quantity
		avgPx = pos.AvgPrice
	}

	stepPct := decimal.NewFromFloat(g.params.StepPct)

	if qty.Abs().LessThanOrEqual(g.quantityPrecision) {
		if !openPrice.IsPositive() {
			return nil, fmt.Sprintf("%s: prev/curr price unavailable; prefer NOOP", symbol)
		}
		movedDown := price.LessThanOrEqual(openPrice.Mul(decimal.NewFromInt(1).Sub(stepPct)))
		movedUp := price.GreaterThanOrEqual(openPrice.Mul(decimal.NewFromInt(1).Add(stepPct)))

		if movedDown {
			leverage := decimal.NewFromInt(1)
			if !isSpot {
				leverage = maxLeverage
			}
			return &types.TradeDecisionItem{
				Instrument: instrument, Action: types.ActionOpenLong, TargetQty: baseQty,
				Leverage: leverage, Confidence: decimal.NewFromInt(1),
				Rationale: fmt.Sprintf("Grid open-long: crossed down >=1 step from %s to %s", openPrice.StringFixed(4), price.StringFixed(4)),
			}, ""
		}
		if !isSpot && movedUp {
			return &types.TradeDecisionItem{
				Instrument: instrument, Action: types.ActionOpenShort, TargetQty: baseQty.Neg(),
				Leverage: maxLeverage, Confidence: decimal.NewFromInt(1),
				Rationale: fmt.Sprintf("Grid open-short: crossed up >=1 step from %s to %s", openPrice.StringFixed(4), price.StringFixed(4)),
			}, ""
		}
		return nil, fmt.Sprintf("%s: no position, no grid step crossed", symbol)
	}

	if !openPrice.IsPositive() || !avgPx.IsPositive() {
		return nil, fmt.Sprintf("%s: missing prev/curr or avg price", symbol)
	}

	gridIndex := func(px decimal.Decimal) int {
		ratio, _ := px.Div(avgPx).Sub(decimal.NewFromInt(1)).Div(stepPct).Float64()
		return int(math.Floor(ratio))
	}
	giPrev := gridIndex(openPrice)
	giCurr := gridIndex(price)
	deltaIdx := giCurr - giPrev
	if deltaIdx == 0 {
		return nil, fmt.Sprintf("%s: no grid index change", symbol)
	}

	if g.params.GridLowerPct != nil && g.params.GridUpperPct != nil {
		lowerBound := avgPx.Mul(decimal.NewFromFloat(1 - *g.params.GridLowerPct))
		upperBound := avgPx.Mul(decimal.NewFromFloat(1 + *g.params.GridUpperPct))
		if price.LessThan(lowerBound) || price.GreaterThan(upperBound) {
			return nil, fmt.Sprintf("%s: price outside grid zone [%s, %s]", symbol, lowerBound.StringFixed(4), upperBound.StringFixed(4))
		}
	}

	appliedSteps := int(math.Min(math.Abs(float64(deltaIdx)), float64(g.params.MaxSteps)))
	confidence := decimal.NewFromFloat(math.Min(1, float64(appliedSteps)/float64(g.params.MaxSteps)))

	if qty.IsPositive() {
		if deltaIdx < 0 {
			leverage := decimal.NewFromInt(1)
			if !isSpot {
				leverage = maxLeverage
			}
			return &types.TradeDecisionItem{
				Instrument: instrument, Action: types.ActionOpenLong,
				TargetQty: qty.Add(baseQty.Mul(decimal.NewFromInt(int64(appliedSteps)))),
				Leverage:  leverage, Confidence: confidence,
				Rationale: fmt.Sprintf("Grid long add: crossed %d grid(s) down, applying %d", int(math.Abs(float64(deltaIdx))), appliedSteps),
			}, ""
		}
		return &types.TradeDecisionItem{
			Instrument: instrument, Action: types.ActionCloseLong,
			TargetQty: decimal.Min(qty.Abs(), baseQty.Mul(decimal.NewFromInt(int64(appliedSteps)))),
			Leverage:  decimal.NewFromInt(1), Confidence: confidence,
			Rationale: fmt.Sprintf("Grid long reduce: crossed %d grid(s) up, applying %d", deltaIdx, appliedSteps),
		}, ""
	}

	if deltaIdx > 0 && !isSpot {
		return &types.TradeDecisionItem{
			Instrument: instrument, Action: types.ActionOpenShort,
			TargetQty: qty.Sub(baseQty.Mul(decimal.NewFromInt(int64(appliedSteps)))),
			Leverage:  maxLeverage, Confidence: confidence,
			Rationale: fmt.Sprintf("Grid short add: crossed %d grid(s) up, applying %d", deltaIdx, appliedSteps),
		}, ""
	}
	if deltaIdx < 0 {
		return &types.TradeDecisionItem{
			Instrument: instrument, Action: types.ActionCloseShort,
			TargetQty: decimal.Min(qty.Abs(), baseQty.Mul(decimal.NewFromInt(int64(appliedSteps)))),
			Leverage:  decimal.NewFromInt(1), Confidence: confidence,
			Rationale: fmt.Sprintf("Grid short cover: crossed %d grid(s) down, applying %d", int(math.Abs(float64(deltaIdx))), appliedSteps),
		}, ""
	}
	return nil, fmt.Sprintf("%s: short position, no grid index change", symbol)
}

func (g *GridComposer) paramsDescription() string {
	desc := fmt.Sprintf("params(step_pct=%.4f, max_steps=%d, base_fraction=%.4f", g.params.StepPct, g.params.MaxSteps, g.params.BaseFraction)
	if g.params.GridLowerPct != nil && g.params.GridUpperPct != nil {
		desc += fmt.Sprintf(", zone_pct=[-%.4f, +%.4f]", *g.params.GridLowerPct, *g.params.GridUpperPct)
	}
	if g.params.GridCount != nil {
		desc += fmt.Sprintf(", count=%d", *g.params.GridCount)
	}
	desc += ")"
	if g.advisorRationale != "" {
		desc += fmt.Sprintf("; advisor_rationale=%s", g.advisorRationale)
	}
	return desc
}

func joinReasons(reasons []string) string {
	out := ""
	for i, r := range reasons {
		if i > 0 {
			out += "; "
		}
		out += r
	}
	return out
}
