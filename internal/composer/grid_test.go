package composer_test

import (
	"context"
	"strings"
	"testing"

	"go.uber.org/zap"

	"github.com/atlas-desktop/strategy-runtime/internal/composer"
	"github.com/atlas-desktop/strategy-runtime/pkg/types"
)

func marketSnapshotFeature(symbol string, last, open float64) types.FeatureVector {
	inst := types.NewInstrumentRef(symbol, "binance", false)
	return types.FeatureVector{
		Instrument: &inst,
		Values:     map[string]any{"price.last": last, "price.open": open},
		Meta:       map[string]any{types.FeatureGroupByKey: types.FeatureGroupMarketSnapshot},
	}
}

func gridTradingConfig(symbols ...string) types.TradingConfig {
	cfg := types.DefaultTradingConfig()
	cfg.Symbols = symbols
	return cfg
}

func TestGridComposerSkipsWhenNoPositionsAndNoBuyingPower(t *testing.T) {
	g := composer.NewGridComposer(zap.NewNop(), gridTradingConfig("BTC/USDT"), types.ExchangeConfig{ExchangeID: "binance"}, nil)

	cctx := types.ComposeContext{
		ComposeID: "c1",
		Portfolio: types.PortfolioView{
			BuyingPower: dec(0.5),
			Positions:   map[string]*types.PositionSnapshot{},
		},
	}

	result, err := g.Compose(context.Background(), cctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(result.Instructions) != 0 {
		t.Fatalf("expected early-exit with no instructions, got %d", len(result.Instructions))
	}
}

func TestGridComposerOpensLongOnStepDown(t *testing.T) {
	g := composer.NewGridComposer(zap.NewNop(), gridTradingConfig("BTC/USDT"), types.ExchangeConfig{ExchangeID: "binance", MarketType: types.MarketTypeSpot}, nil)

	cctx := types.ComposeContext{
		ComposeID: "c1",
		Portfolio: types.PortfolioView{
			BuyingPower: dec(1000),
			TotalValue:  dec(1000),
			Positions:   map[string]*types.PositionSnapshot{},
		},
		Features: []types.FeatureVector{
			marketSnapshotFeature("BTC/USDT", 99, 100),
		},
	}

	result, err := g.Compose(context.Background(), cctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(result.Instructions) != 1 {
		t.Fatalf("expected 1 open-long instruction, got %d: rationale=%s", len(result.Instructions), result.Rationale)
	}
	if result.Instructions[0].Side != types.SideBuy {
		t.Fatalf("expected BUY, got %s", result.Instructions[0].Side)
	}
}

func TestGridComposerEmitsStopLossAndBlacklists(t *testing.T) {
	cfg := gridTradingConfig("BTC/USDT")
	cfg.StopLossPct = dec(-20)
	cfg.TakeProfitPct = dec(22)
	cfg.PartialTPEnabled = false

	g := composer.NewGridComposer(zap.NewNop(), cfg, types.ExchangeConfig{ExchangeID: "binance", MarketType: types.MarketTypeSpot}, nil)

	mark := dec(75)
	cctx := types.ComposeContext{
		ComposeID: "c1",
		Portfolio: types.PortfolioView{
			BuyingPower: dec(1000),
			TotalValue:  dec(1000),
			Positions: map[string]*types.PositionSnapshot{
				"BTC/USDT": {
					Instrument: types.NewInstrumentRef("BTC/USDT", "binance", false),
					Quantity:   dec(1),
					AvgPrice:   dec(100),
					MarkPrice:  &mark,
					Leverage:   dec(1),
				},
			},
		},
		Features: []types.FeatureVector{
			marketSnapshotFeature("BTC/USDT", 75, 100),
		},
	}

	result, err := g.Compose(context.Background(), cctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.ShouldStop {
		t.Fatal("expected should_stop after stop loss trigger")
	}
	if len(result.Instructions) != 1 {
		t.Fatalf("expected 1 close instruction, got %d", len(result.Instructions))
	}
	if result.Instructions[0].Side != types.SideSell {
		t.Fatalf("expected SELL to close long, got %s", result.Instructions[0].Side)
	}
	if !strings.Contains(result.Rationale, "Stop Loss") {
		t.Fatalf("expected rationale to carry the stop-loss marker, got %q", result.Rationale)
	}

	// With the position gone, the same drop would open a new long unless the
	// symbol is blacklisted.
	cctx.ComposeID = "c2"
	cctx.Portfolio.Positions = map[string]*types.PositionSnapshot{}
	result, err = g.Compose(context.Background(), cctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(result.Instructions) != 0 {
		t.Fatalf("expected blacklisted symbol to emit no instructions, got %d", len(result.Instructions))
	}
}

// TestGridComposerPartialClosedSkipsStopLossAfterTrailingMiss guards §4.5.1's
// step ordering: once a position has partial-closed, the trailing-stop check
// is terminal for that cycle and must not fall through to the stop-loss
// check below it, even when the trailing drawdown gate doesn't fire.
func TestGridComposerPartialClosedSkipsStopLossAfterTrailingMiss(t *testing.T) {
	cfg := gridTradingConfig("BTC/USDT")
	cfg.StopLossPct = dec(-20)
	cfg.TakeProfitPct = dec(22)
	cfg.PartialTPEnabled = true
	cfg.PartialTPThresholdPct = dec(15)
	cfg.PartialTPCloseRatio = dec(0.3)
	cfg.TrailingStopDrawdownPct = dec(50)

	g := composer.NewGridComposer(zap.NewNop(), cfg, types.ExchangeConfig{ExchangeID: "binance", MarketType: types.MarketTypeSpot}, nil)

	position := func(mark float64) map[string]*types.PositionSnapshot {
		markPx := dec(mark)
		return map[string]*types.PositionSnapshot{
			"BTC/USDT": {
				Instrument: types.NewInstrumentRef("BTC/USDT", "binance", false),
				Quantity:   dec(1),
				AvgPrice:   dec(100),
				MarkPrice:  &markPx,
				Leverage:   dec(1),
			},
		}
	}

	firstCycle := types.ComposeContext{
		ComposeID: "c1",
		Portfolio: types.PortfolioView{
			BuyingPower: dec(1000),
			TotalValue:  dec(1000),
			Positions:   position(116),
		},
		Features: []types.FeatureVector{marketSnapshotFeature("BTC/USDT", 116, 100)},
	}

	result, err := g.Compose(context.Background(), firstCycle)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(result.Instructions) != 1 {
		t.Fatalf("expected 1 partial-TP instruction, got %d", len(result.Instructions))
	}

	secondCycle := types.ComposeContext{
		ComposeID: "c2",
		Portfolio: types.PortfolioView{
			BuyingPower: dec(1000),
			TotalValue:  dec(1000),
			Positions:   position(75),
		},
		Features: []types.FeatureVector{marketSnapshotFeature("BTC/USDT", 75, 75)},
	}

	result, err = g.Compose(context.Background(), secondCycle)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.ShouldStop {
		t.Fatal("partial-closed position must not trigger stop-loss/blacklist once trailing step is terminal")
	}
	if len(result.Instructions) != 0 {
		t.Fatalf("expected no instructions once partial-closed branch is terminal, got %d", len(result.Instructions))
	}
}

// stubAdvisor returns a fixed GridParams/rationale pair so refresh-policy
// tests don't depend on a real LLM.
type stubAdvisor struct {
	params    composer.GridParams
	rationale string
}

func (s *stubAdvisor) Advise(ctx context.Context, cctx types.ComposeContext, prev composer.GridParams) (composer.GridParams, string, error) {
	return s.params, s.rationale, nil
}

func TestGridComposerAppliesAdvisorParamsOnFirstCycle(t *testing.T) {
	lower := 0.2
	advisor := &stubAdvisor{
		params:    composer.GridParams{StepPct: 0.01, MaxSteps: 5, BaseFraction: 0.1, GridLowerPct: &lower},
		rationale: "volatile market, widen steps",
	}
	g := composer.NewGridComposer(zap.NewNop(), gridTradingConfig("BTC/USDT"), types.ExchangeConfig{ExchangeID: "binance", MarketType: types.MarketTypeSpot}, advisor)

	cctx := types.ComposeContext{
		ComposeID: "c1",
		Portfolio: types.PortfolioView{
			BuyingPower: dec(1000),
			TotalValue:  dec(1000),
			Positions:   map[string]*types.PositionSnapshot{},
		},
		Features: []types.FeatureVector{
			marketSnapshotFeature("BTC/USDT", 99, 100),
		},
	}

	result, err := g.Compose(context.Background(), cctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Rationale == "" {
		t.Fatal("expected a rationale")
	}
}
