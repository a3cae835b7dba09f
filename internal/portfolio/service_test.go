package portfolio_test

import (
	"testing"

	"github.com/shopspring/decimal"

	"github.com/atlas-desktop/strategy-runtime/internal/portfolio"
	"github.com/atlas-desktop/strategy-runtime/pkg/types"
)

func precision() decimal.Decimal { return decimal.NewFromFloat(1e-9) }

func TestApplyTradesOpensPosition(t *testing.T) {
	svc := portfolio.NewService("strat-1", types.TradingModeVirtual, types.MarketTypeSpot, decimal.NewFromInt(10000), precision())

	inst := types.InstrumentRef{Symbol: "BTC/USDT", ExchangeID: "binance"}
	execPrice := decimal.NewFromInt(100)
	fee := decimal.Zero
	trade := types.TradeHistoryEntry{
		Instrument:   inst,
		Side:         types.SideBuy,
		Quantity:     decimal.NewFromInt(10),
		AvgExecPrice: execPrice,
		FeeCost:      &fee,
		Leverage:     decimal.NewFromInt(1),
		TradeTsMs:    1,
	}

	svc.ApplyTrades([]types.TradeHistoryEntry{trade}, nil)
	view := svc.GetView()

	pos := view.Positions[inst.Key()]
	if pos == nil {
		t.Fatal("expected open position")
	}
	if !pos.Quantity.Equal(decimal.NewFromInt(10)) {
		t.Fatalf("expected qty 10, got %s", pos.Quantity)
	}
	if !pos.AvgPrice.Equal(execPrice) {
		t.Fatalf("expected avg price 100, got %s", pos.AvgPrice)
	}
	if !view.Cash.Equal(decimal.NewFromInt(9000)) {
		t.Fatalf("expected cash 9000, got %s", view.Cash)
	}
}

func TestApplyTradesClosesAndPrunesPosition(t *testing.T) {
	svc := portfolio.NewService("strat-1", types.TradingModeVirtual, types.MarketTypeSpot, decimal.NewFromInt(10000), precision())
	inst := types.InstrumentRef{Symbol: "BTC/USDT", ExchangeID: "binance"}
	fee := decimal.Zero

	open := types.TradeHistoryEntry{
		Instrument: inst, Side: types.SideBuy, Quantity: decimal.NewFromInt(10),
		AvgExecPrice: decimal.NewFromInt(100), FeeCost: &fee, Leverage: decimal.NewFromInt(1), TradeTsMs: 1,
	}
	close := types.TradeHistoryEntry{
		Instrument: inst, Side: types.SideSell, Quantity: decimal.NewFromInt(10),
		AvgExecPrice: decimal.NewFromInt(110), FeeCost: &fee, Leverage: decimal.NewFromInt(1), TradeTsMs: 2,
	}

	svc.ApplyTrades([]types.TradeHistoryEntry{open, close}, nil)
	view := svc.GetView()

	if _, ok := view.Positions[inst.Key()]; ok {
		t.Fatal("expected position pruned after full close")
	}
	if !view.Cash.Equal(decimal.NewFromInt(10100)) {
		t.Fatalf("expected cash 10100, got %s", view.Cash)
	}
}

func TestReconcileLiveOverwritesAccountFigures(t *testing.T) {
	svc := portfolio.NewService("strat-1", types.TradingModeLive, types.MarketTypeDerivative, decimal.NewFromInt(5000), precision())

	svc.ReconcileLive(decimal.NewFromInt(7000), decimal.NewFromInt(3000), map[string]*types.PositionSnapshot{})
	view := svc.GetView()

	if !view.AccountBalance.Equal(decimal.NewFromInt(7000)) {
		t.Fatalf("expected account balance 7000, got %s", view.AccountBalance)
	}
	if !view.BuyingPower.Equal(decimal.NewFromInt(3000)) {
		t.Fatalf("expected buying power 3000, got %s", view.BuyingPower)
	}
}
