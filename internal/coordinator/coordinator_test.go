package coordinator_test

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/atlas-desktop/strategy-runtime/internal/coordinator"
	"github.com/atlas-desktop/strategy-runtime/internal/datasource"
	"github.com/atlas-desktop/strategy-runtime/internal/execution"
	"github.com/atlas-desktop/strategy-runtime/internal/features"
	"github.com/atlas-desktop/strategy-runtime/internal/history"
	"github.com/atlas-desktop/strategy-runtime/internal/portfolio"
	"github.com/atlas-desktop/strategy-runtime/pkg/types"
)

func dec(f float64) decimal.Decimal { return decimal.NewFromFloat(f) }

// stubDataSource feeds the Features Pipeline a fixed market snapshot for
// every instrument so run_once tests don't depend on network access.
type stubDataSource struct {
	price decimal.Decimal
}

func (s *stubDataSource) Open(ctx context.Context) error  { return nil }
func (s *stubDataSource) Close() error                     { return nil }
func (s *stubDataSource) FetchCandles(ctx context.Context, inst types.InstrumentRef, interval string, lookback int) ([]types.Candle, error) {
	return []types.Candle{{TsMs: 1000, Instrument: inst, Close: s.price, Volume: dec(1), Interval: interval}}, nil
}
func (s *stubDataSource) FetchSnapshot(ctx context.Context, inst types.InstrumentRef) (types.MarketSnapshot, error) {
	return types.MarketSnapshot{Instrument: inst, LastPrice: s.price, OpenPrice: s.price, TsMs: 1000}, nil
}

// stubComposer returns a fixed ComposeResult so coordinator tests isolate
// run_once's own plumbing from composer internals, which are covered by
// internal/composer's own test suite.
type stubComposer struct {
	result types.ComposeResult
	err    error
}

func (s *stubComposer) Compose(ctx context.Context, cctx types.ComposeContext) (types.ComposeResult, error) {
	return s.result, s.err
}

func newTestCoordinator(t *testing.T, composer *stubComposer) (*coordinator.Coordinator, *portfolio.Service) {
	t.Helper()

	logger := zap.NewNop()
	ds := &stubDataSource{price: dec(100)}
	pipeline := features.NewPipeline(logger, ds, datasource.NoopImageSource{}, nil, types.DefaultCandleConfigs())

	req := types.UserRequest{
		ExchangeConfig: types.ExchangeConfig{ExchangeID: "binance", TradingMode: types.TradingModeVirtual, MarketType: types.MarketTypeSpot},
		TradingConfig:  types.TradingConfig{Symbols: []string{"BTC/USDT"}},
	}
	svc := portfolio.NewService("strategy-1", req.ExchangeConfig.TradingMode, req.ExchangeConfig.MarketType, dec(1000), decimal.New(1, -9))

	c := coordinator.New(logger, coordinator.Config{
		StrategyID: "strategy-1",
		Request:    req,
		Portfolio:  svc,
		Pipeline:   pipeline,
		Composer:   composer,
		Gateway:    execution.NewPaperGateway(logger, execution.PaperConfig{FeeRate: decimal.Zero}),
		Recorder:   history.NewRecorder(100),
	})
	return c, svc
}

func TestRunOnceHappyPathOpensPosition(t *testing.T) {
	inst := types.NewInstrumentRef("BTC/USDT", "binance", false)
	composer := &stubComposer{
		result: types.ComposeResult{
			Instructions: []types.TradeInstruction{
				{InstructionID: "i1", Instrument: inst, Action: types.ActionOpenLong, Side: types.SideBuy, Quantity: dec(1), PriceMode: types.PriceModeMarket},
			},
			Rationale: "opening on signal",
		},
	}
	c, svc := newTestCoordinator(t, composer)

	result, err := c.RunOnce(context.Background(), 2000)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(result.Trades) != 1 {
		t.Fatalf("expected 1 trade, got %d", len(result.Trades))
	}
	if result.CycleIndex != 1 {
		t.Fatalf("expected cycle index 1, got %d", result.CycleIndex)
	}
	if len(result.HistoryRecords) != 4 {
		t.Fatalf("expected 4 history records, got %d", len(result.HistoryRecords))
	}
	for _, rec := range result.HistoryRecords {
		if rec.ReferenceID != result.ComposeID {
			t.Fatalf("expected all records to share compose_id %q, got %q", result.ComposeID, rec.ReferenceID)
		}
	}

	view := svc.GetView()
	pos, ok := view.Positions[inst.Key()]
	if !ok {
		t.Fatal("expected an open position after the cycle")
	}
	if !pos.Quantity.Equal(dec(1)) {
		t.Fatalf("expected quantity 1, got %s", pos.Quantity)
	}
}

func TestRunOnceFullCloseComputesRealizedPnL(t *testing.T) {
	inst := types.NewInstrumentRef("BTC/USDT", "binance", false)

	openComposer := &stubComposer{
		result: types.ComposeResult{
			Instructions: []types.TradeInstruction{
				{InstructionID: "open1", Instrument: inst, Action: types.ActionOpenLong, Side: types.SideBuy, Quantity: dec(1), PriceMode: types.PriceModeMarket},
			},
			Rationale: "open",
		},
	}
	c, svc := newTestCoordinator(t, openComposer)
	if _, err := c.RunOnce(context.Background(), 1000); err != nil {
		t.Fatalf("unexpected error on open cycle: %v", err)
	}

	// Price rose from 100 to 110 between cycles; closing realizes +10 per unit.
	ds2 := &stubDataSource{price: dec(110)}
	pipeline2 := features.NewPipeline(zap.NewNop(), ds2, datasource.NoopImageSource{}, nil, types.DefaultCandleConfigs())

	closeComposer := &stubComposer{
		result: types.ComposeResult{
			Instructions: []types.TradeInstruction{
				{InstructionID: "close1", Instrument: inst, Action: types.ActionCloseLong, Side: types.SideSell, Quantity: dec(1), PriceMode: types.PriceModeMarket},
			},
			Rationale: "close",
		},
	}
	c2 := coordinator.New(zap.NewNop(), coordinator.Config{
		StrategyID: "strategy-1",
		Request: types.UserRequest{
			ExchangeConfig: types.ExchangeConfig{ExchangeID: "binance", TradingMode: types.TradingModeVirtual, MarketType: types.MarketTypeSpot},
			TradingConfig:  types.TradingConfig{Symbols: []string{"BTC/USDT"}},
		},
		Portfolio: svc,
		Pipeline:  pipeline2,
		Composer:  closeComposer,
		Gateway:   execution.NewPaperGateway(zap.NewNop(), execution.PaperConfig{FeeRate: decimal.Zero}),
		Recorder:  history.NewRecorder(100),
	})

	result, err := c2.RunOnce(context.Background(), 2000)
	if err != nil {
		t.Fatalf("unexpected error on close cycle: %v", err)
	}
	if len(result.Trades) != 1 {
		t.Fatalf("expected 1 trade, got %d", len(result.Trades))
	}
	trade := result.Trades[0]
	if trade.RealizedPnL == nil {
		t.Fatal("expected realized_pnl to be set on full close")
	}
	if !trade.RealizedPnL.Equal(dec(10)) {
		t.Fatalf("expected realized_pnl 10, got %s", trade.RealizedPnL)
	}
	if trade.ExitTsMs == nil || *trade.ExitTsMs != 2000 {
		t.Fatal("expected exit_ts_ms to be set to the closing cycle's timestamp")
	}

	view := svc.GetView()
	if _, ok := view.Positions[inst.Key()]; ok {
		t.Fatal("expected position to be pruned after full close")
	}
}

// TestRunOnceFullCloseOvershootRecordsCloseUnitsNotFilledQty covers §8
// scenario 6: a long 1.5 closed by a 2.0 sell should record quantity=1.5
// (the units needed to close) on the close entry, not filled_qty=2.0 —
// the extra 0.5 reopens the instrument short via ApplyTrades instead.
func TestRunOnceFullCloseOvershootRecordsCloseUnitsNotFilledQty(t *testing.T) {
	inst := types.NewInstrumentRef("BTC/USDT", "binance", false)

	openComposer := &stubComposer{
		result: types.ComposeResult{
			Instructions: []types.TradeInstruction{
				{InstructionID: "open1", Instrument: inst, Action: types.ActionOpenLong, Side: types.SideBuy, Quantity: dec(1.5), PriceMode: types.PriceModeMarket},
			},
			Rationale: "open",
		},
	}
	c, svc := newTestCoordinator(t, openComposer)
	if _, err := c.RunOnce(context.Background(), 1000); err != nil {
		t.Fatalf("unexpected error on open cycle: %v", err)
	}

	ds2 := &stubDataSource{price: dec(110)}
	pipeline2 := features.NewPipeline(zap.NewNop(), ds2, datasource.NoopImageSource{}, nil, types.DefaultCandleConfigs())

	closeComposer := &stubComposer{
		result: types.ComposeResult{
			Instructions: []types.TradeInstruction{
				{InstructionID: "close1", Instrument: inst, Action: types.ActionCloseLong, Side: types.SideSell, Quantity: dec(2), PriceMode: types.PriceModeMarket},
			},
			Rationale: "overshoot close",
		},
	}
	c2 := coordinator.New(zap.NewNop(), coordinator.Config{
		StrategyID: "strategy-1",
		Request: types.UserRequest{
			ExchangeConfig: types.ExchangeConfig{ExchangeID: "binance", TradingMode: types.TradingModeVirtual, MarketType: types.MarketTypeSpot},
			TradingConfig:  types.TradingConfig{Symbols: []string{"BTC/USDT"}},
		},
		Portfolio: svc,
		Pipeline:  pipeline2,
		Composer:  closeComposer,
		Gateway:   execution.NewPaperGateway(zap.NewNop(), execution.PaperConfig{FeeRate: decimal.Zero}),
		Recorder:  history.NewRecorder(100),
	})

	result, err := c2.RunOnce(context.Background(), 2000)
	if err != nil {
		t.Fatalf("unexpected error on overshoot close cycle: %v", err)
	}
	if len(result.Trades) != 2 {
		t.Fatalf("expected 2 trades (close + reopen), got %d", len(result.Trades))
	}
	closeTrade := result.Trades[0]
	if !closeTrade.Quantity.Equal(dec(1.5)) {
		t.Fatalf("expected close entry quantity 1.5 (close units), got %s", closeTrade.Quantity)
	}
	if closeTrade.RealizedPnL == nil || !closeTrade.RealizedPnL.Equal(dec(15)) {
		t.Fatalf("expected realized_pnl 15 (10/unit * 1.5 units), got %v", closeTrade.RealizedPnL)
	}
	reopenTrade := result.Trades[1]
	if !reopenTrade.Quantity.Equal(dec(0.5)) {
		t.Fatalf("expected reopen entry quantity 0.5 (overshoot remainder), got %s", reopenTrade.Quantity)
	}
	if reopenTrade.Type != types.TradeTypeShort {
		t.Fatalf("expected reopen entry to be a short, got %s", reopenTrade.Type)
	}

	view := svc.GetView()
	pos, ok := view.Positions[inst.Key()]
	if !ok {
		t.Fatal("expected the 0.5 overshoot remainder to reopen the instrument short")
	}
	if !pos.Quantity.Equal(dec(-0.5)) {
		t.Fatalf("expected reopened short quantity -0.5, got %s", pos.Quantity)
	}
}

func TestRunOnceStopLossMarksSummaryStopped(t *testing.T) {
	composer := &stubComposer{
		result: types.ComposeResult{
			Rationale:  "Stop Loss triggered at -25%",
			ShouldStop: true,
		},
	}
	c, _ := newTestCoordinator(t, composer)

	result, err := c.RunOnce(context.Background(), 1000)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.StrategySummary.Status != types.StrategyStatusStopped {
		t.Fatalf("expected STOPPED status, got %s", result.StrategySummary.Status)
	}
	if result.StrategySummary.Metadata["stop_reason"] != string(types.StopReasonStopLoss) {
		t.Fatalf("expected stop_loss reason, got %q", result.StrategySummary.Metadata["stop_reason"])
	}
}

func TestRunOnceComposerErrorReturnsPipelineError(t *testing.T) {
	composer := &stubComposer{err: errNotImplemented}
	c, _ := newTestCoordinator(t, composer)

	_, err := c.RunOnce(context.Background(), 1000)
	if err == nil {
		t.Fatal("expected an error when the composer reports an invariant violation")
	}
	if _, ok := err.(*coordinator.PipelineError); !ok {
		t.Fatalf("expected *coordinator.PipelineError, got %T", err)
	}
}

func TestCloseAllPositionsClosesEverything(t *testing.T) {
	inst := types.NewInstrumentRef("BTC/USDT", "binance", false)
	openComposer := &stubComposer{
		result: types.ComposeResult{
			Instructions: []types.TradeInstruction{
				{InstructionID: "open1", Instrument: inst, Action: types.ActionOpenLong, Side: types.SideBuy, Quantity: dec(2), PriceMode: types.PriceModeMarket},
			},
		},
	}
	c, svc := newTestCoordinator(t, openComposer)
	if _, err := c.RunOnce(context.Background(), 1000); err != nil {
		t.Fatalf("unexpected error on open cycle: %v", err)
	}
	if len(svc.GetView().Positions) != 1 {
		t.Fatal("expected an open position before closing")
	}

	trades, err := c.CloseAllPositions(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(trades) != 1 {
		t.Fatalf("expected 1 close trade, got %d", len(trades))
	}
	if len(svc.GetView().Positions) != 0 {
		t.Fatal("expected no positions after close_all_positions")
	}
}

var errNotImplemented = &testComposerError{"composer not implemented"}

type testComposerError struct{ msg string }

func (e *testComposerError) Error() string { return e.msg }
