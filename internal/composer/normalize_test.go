package composer_test

import (
	"testing"

	"github.com/shopspring/decimal"

	"github.com/atlas-desktop/strategy-runtime/internal/composer"
	"github.com/atlas-desktop/strategy-runtime/pkg/types"
)

func dec(f float64) decimal.Decimal { return decimal.NewFromFloat(f) }

func baseContext() types.ComposeContext {
	return types.ComposeContext{
		ComposeID: "c1",
		Portfolio: types.PortfolioView{
			Positions: map[string]*types.PositionSnapshot{},
		},
	}
}

func TestNormalizeSkipsNoopDelta(t *testing.T) {
	cctx := baseContext()
	plan := types.TradePlanProposal{
		Items: []types.TradeDecisionItem{
			{Instrument: types.NewInstrumentRef("BTC/USDT", "binance", false), Action: types.ActionNoop, TargetQty: dec(1)},
		},
	}

	instructions := composer.Normalize(cctx, plan, composer.NormalizeConfig{QuantityPrecision: dec(1e-9)})
	if len(instructions) != 0 {
		t.Fatalf("expected no instructions for NOOP on flat position, got %d", len(instructions))
	}
}

func TestNormalizeEmitsBuyForNewLong(t *testing.T) {
	cctx := baseContext()
	plan := types.TradePlanProposal{
		Items: []types.TradeDecisionItem{
			{Instrument: types.NewInstrumentRef("BTC/USDT", "binance", false), Action: types.ActionOpenLong, TargetQty: dec(2)},
		},
	}

	instructions := composer.Normalize(cctx, plan, composer.NormalizeConfig{QuantityPrecision: dec(1e-9), DefaultSlippageBps: 25})
	if len(instructions) != 1 {
		t.Fatalf("expected 1 instruction, got %d", len(instructions))
	}
	instr := instructions[0]
	if instr.Side != types.SideBuy {
		t.Fatalf("expected BUY, got %s", instr.Side)
	}
	if !instr.Quantity.Equal(dec(2)) {
		t.Fatalf("expected quantity 2, got %s", instr.Quantity)
	}
	if instr.InstructionID != "c1:BTC/USDT:0" {
		t.Fatalf("unexpected instruction id: %s", instr.InstructionID)
	}
}

func TestNormalizeEnforcesMaxPositions(t *testing.T) {
	cctx := baseContext()
	cctx.Portfolio.Positions["ETH/USDT"] = &types.PositionSnapshot{Instrument: types.NewInstrumentRef("ETH/USDT", "binance", false), Quantity: dec(1)}

	plan := types.TradePlanProposal{
		Items: []types.TradeDecisionItem{
			{Instrument: types.NewInstrumentRef("BTC/USDT", "binance", false), Action: types.ActionOpenLong, TargetQty: dec(1)},
		},
	}

	instructions := composer.Normalize(cctx, plan, composer.NormalizeConfig{QuantityPrecision: dec(1e-9), MaxPositions: 1})
	if len(instructions) != 0 {
		t.Fatalf("expected new position to be skipped at max_positions, got %d instructions", len(instructions))
	}
}

func TestNormalizeAppliesMinNotionalFilter(t *testing.T) {
	cctx := baseContext()
	cctx.Features = []types.FeatureVector{
		{
			Instrument: &types.InstrumentRef{Symbol: "BTC/USDT"},
			Values:     map[string]any{"price.last": 100.0, "price.open": 100.0},
			Meta:       map[string]any{types.FeatureGroupByKey: types.FeatureGroupMarketSnapshot},
		},
	}
	plan := types.TradePlanProposal{
		Items: []types.TradeDecisionItem{
			{Instrument: types.NewInstrumentRef("BTC/USDT", "binance", false), Action: types.ActionOpenLong, TargetQty: dec(0.01)},
		},
	}
	constraints := &types.VenueConstraints{MinNotional: map[string]float64{"BTC/USDT": 50}}

	instructions := composer.Normalize(cctx, plan, composer.NormalizeConfig{QuantityPrecision: dec(1e-9), Constraints: constraints})
	if len(instructions) != 0 {
		t.Fatalf("expected order below min_notional to be skipped, got %d", len(instructions))
	}
}

func TestNormalizeQuantizesToStep(t *testing.T) {
	cctx := baseContext()
	plan := types.TradePlanProposal{
		Items: []types.TradeDecisionItem{
			{Instrument: types.NewInstrumentRef("BTC/USDT", "binance", false), Action: types.ActionOpenLong, TargetQty: dec(1.27)},
		},
	}
	constraints := &types.VenueConstraints{QuantityStep: map[string]float64{"BTC/USDT": 0.1}}

	instructions := composer.Normalize(cctx, plan, composer.NormalizeConfig{QuantityPrecision: dec(1e-9), Constraints: constraints})
	if len(instructions) != 1 {
		t.Fatalf("expected 1 instruction, got %d", len(instructions))
	}
	if !instructions[0].Quantity.Equal(dec(1.2)) {
		t.Fatalf("expected quantity quantized to 1.2, got %s", instructions[0].Quantity)
	}
}
