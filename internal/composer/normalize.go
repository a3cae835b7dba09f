package composer

import (
	"fmt"
	"math"

	"github.com/shopspring/decimal"

	"github.com/atlas-desktop/strategy-runtime/pkg/types"
)

// NormalizeConfig carries the guardrails shared by every composer variant,
// per §4.5.4.
type NormalizeConfig struct {
	MaxPositions       int
	DefaultSlippageBps int
	QuantityPrecision  decimal.Decimal
	Constraints        *types.VenueConstraints
}

// Normalize turns a raw TradePlanProposal into executable TradeInstructions,
// applying the eight ordered guardrail steps from §4.5.4: resolve
// target_qty, compute delta, enforce max_positions, quantize and filter by
// venue limits, then emit one instruction per surviving item. Grounded on
// original_source/strategy_agent/decision/composer.py's _normalize_plan.
func Normalize(cctx types.ComposeContext, plan types.TradePlanProposal, cfg NormalizeConfig) []types.TradeInstruction {
	projected := make(map[string]decimal.Decimal, len(cctx.Portfolio.Positions))
	for symbol, pos := range cctx.Portfolio.Positions {
		projected[symbol] = pos.Quantity
	}

	activePositions := 0
	for _, qty := range projected {
		if qty.Abs().GreaterThan(cfg.QuantityPrecision) {
			activePositions++
		}
	}

	priceMap := priceMapFromFeatures(cctx.Features)
	instructions := make([]types.TradeInstruction, 0, len(plan.Items))

	for idx, item := range plan.Items {
		symbol := item.Instrument.Symbol
		currentQty := projected[symbol]

		targetQty := resolveTargetQty(item, currentQty, cfg.Constraints, symbol)
		delta := targetQty.Sub(currentQty)
		if delta.Abs().LessThanOrEqual(cfg.QuantityPrecision) {
			continue
		}

		isNewPosition := currentQty.Abs().LessThanOrEqual(cfg.QuantityPrecision) && targetQty.Abs().GreaterThan(cfg.QuantityPrecision)
		if isNewPosition && cfg.MaxPositions > 0 && activePositions >= cfg.MaxPositions {
			continue
		}

		side := types.SideBuy
		if delta.IsNegative() {
			side = types.SideSell
		}
		quantity := delta.Abs()

		price, hasPrice := priceMap[symbol]
		quantity = applyVenueFilters(symbol, quantity, price, hasPrice, cfg.Constraints)
		if quantity.LessThanOrEqual(cfg.QuantityPrecision) {
			continue
		}

		signedDelta := quantity
		if side == types.SideSell {
			signedDelta = quantity.Neg()
		}
		finalTarget := currentQty.Add(signedDelta)
		projected[symbol] = finalTarget

		if isNewPosition {
			activePositions++
		}
		if finalTarget.Abs().LessThanOrEqual(cfg.QuantityPrecision) && activePositions > 0 {
			activePositions--
		}

		meta := map[string]any{
			"requested_target_qty": targetQty.InexactFloat64(),
			"current_qty":          currentQty.InexactFloat64(),
			"final_target_qty":     finalTarget.InexactFloat64(),
			"action":               string(item.Action),
		}
		if !item.Confidence.IsZero() {
			meta["confidence"] = item.Confidence.InexactFloat64()
		}
		if item.Rationale != "" {
			meta["rationale"] = item.Rationale
		}

		slippageBps := cfg.DefaultSlippageBps
		if slippageBps == 0 {
			slippageBps = 25
		}

		instructions = append(instructions, types.TradeInstruction{
			InstructionID:  fmt.Sprintf("%s:%s:%d", cctx.ComposeID, symbol, idx),
			ComposeID:      cctx.ComposeID,
			Instrument:     item.Instrument,
			Action:         item.Action,
			Side:           side,
			Quantity:       quantity,
			PriceMode:      types.PriceModeMarket,
			MaxSlippageBps: slippageBps,
			Meta:           meta,
		})
	}

	return instructions
}

// resolveTargetQty implements §4.5.4 step 2.
func resolveTargetQty(item types.TradeDecisionItem, currentQty decimal.Decimal, constraints *types.VenueConstraints, symbol string) decimal.Decimal {
	var target decimal.Decimal
	switch item.Action {
	case types.ActionNoop:
		return currentQty
	case types.ActionFlat, types.ActionCloseLong, types.ActionCloseShort:
		if item.TargetQty.IsZero() {
			return decimal.Zero
		}
		closeQty := item.TargetQty.Abs()
		if currentQty.IsPositive() {
			target = currentQty.Sub(closeQty)
			if target.IsNegative() {
				target = decimal.Zero
			}
			return target
		}
		target = currentQty.Add(closeQty)
		if target.IsPositive() {
			target = decimal.Zero
		}
		return target
	default:
		target = item.TargetQty
	}

	if constraints != nil && constraints.MaxPositionQty != nil {
		if maxQty, ok := constraints.MaxPositionQty[symbol]; ok && maxQty > 0 {
			maxAbs := decimal.NewFromFloat(maxQty)
			if target.GreaterThan(maxAbs) {
				target = maxAbs
			}
			if target.LessThan(maxAbs.Neg()) {
				target = maxAbs.Neg()
			}
		}
	}
	return target
}

// applyVenueFilters implements §4.5.4 step 6, in order: cap by
// max_order_qty, quantize down to quantity_step, enforce min_trade_qty,
// enforce min_notional.
func applyVenueFilters(symbol string, quantity decimal.Decimal, price decimal.Decimal, hasPrice bool, constraints *types.VenueConstraints) decimal.Decimal {
	if constraints == nil {
		return quantity
	}

	if constraints.MaxOrderQty != nil {
		if maxQty, ok := constraints.MaxOrderQty[symbol]; ok && maxQty > 0 {
			cap := decimal.NewFromFloat(maxQty)
			if quantity.GreaterThan(cap) {
				quantity = cap
			}
		}
	}

	if constraints.QuantityStep != nil {
		if step, ok := constraints.QuantityStep[symbol]; ok && step > 0 {
			stepDec := decimal.NewFromFloat(step)
			steps := math.Floor(quantity.Div(stepDec).InexactFloat64())
			quantity = stepDec.Mul(decimal.NewFromFloat(steps))
		}
	}

	if quantity.IsZero() || quantity.IsNegative() {
		return decimal.Zero
	}

	if constraints.MinTradeQty != nil {
		if minQty, ok := constraints.MinTradeQty[symbol]; ok && minQty > 0 {
			if quantity.LessThan(decimal.NewFromFloat(minQty)) {
				return decimal.Zero
			}
		}
	}

	if constraints.MinNotional != nil {
		if minNotional, ok := constraints.MinNotional[symbol]; ok && minNotional > 0 {
			if !hasPrice {
				return decimal.Zero
			}
			notional := quantity.Mul(price)
			if notional.LessThan(decimal.NewFromFloat(minNotional)) {
				return decimal.Zero
			}
		}
	}

	return quantity
}

// priceMapFromFeatures extracts the per-symbol last price from the cycle's
// market_snapshot features, used by min_notional filtering above and by
// the Grid composer's sizing/grid-index math.
func priceMapFromFeatures(features []types.FeatureVector) map[string]decimal.Decimal {
	out := make(map[string]decimal.Decimal)
	for _, fv := range features {
		if fv.GroupBy() != types.FeatureGroupMarketSnapshot || fv.Instrument == nil {
			continue
		}
		last, ok := fv.Float("price.last")
		if !ok {
			continue
		}
		out[fv.Instrument.Symbol] = decimal.NewFromFloat(last)
	}
	return out
}

// OpenPriceMapFromFeatures extracts the per-symbol open price ("prev"
// price in grid terms) from the cycle's market_snapshot features.
func OpenPriceMapFromFeatures(features []types.FeatureVector) map[string]decimal.Decimal {
	out := make(map[string]decimal.Decimal)
	for _, fv := range features {
		if fv.GroupBy() != types.FeatureGroupMarketSnapshot || fv.Instrument == nil {
			continue
		}
		open, ok := fv.Float("price.open")
		if !ok {
			continue
		}
		out[fv.Instrument.Symbol] = decimal.NewFromFloat(open)
	}
	return out
}
