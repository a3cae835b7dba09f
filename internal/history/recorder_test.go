package history_test

import (
	"testing"

	"github.com/shopspring/decimal"

	"github.com/atlas-desktop/strategy-runtime/internal/history"
	"github.com/atlas-desktop/strategy-runtime/pkg/types"
)

func TestRecorderEvictsOldestPastCapacity(t *testing.T) {
	rec := history.NewRecorder(2)

	rec.Append(types.HistoryRecord{TsMs: 1, Kind: types.HistoryKindFeatures, ReferenceID: "a"})
	rec.Append(types.HistoryRecord{TsMs: 2, Kind: types.HistoryKindFeatures, ReferenceID: "b"})
	rec.Append(types.HistoryRecord{TsMs: 3, Kind: types.HistoryKindFeatures, ReferenceID: "c"})

	all := rec.All()
	if len(all) != 2 {
		t.Fatalf("expected 2 retained records, got %d", len(all))
	}
	if all[0].ReferenceID != "b" || all[1].ReferenceID != "c" {
		t.Fatalf("expected oldest record evicted, got %+v", all)
	}
}

func TestRecorderLast(t *testing.T) {
	rec := history.NewRecorder(10)
	for i := int64(1); i <= 5; i++ {
		rec.Append(types.HistoryRecord{TsMs: i, Kind: types.HistoryKindExecution})
	}

	last := rec.Last(2)
	if len(last) != 2 || last[0].TsMs != 4 || last[1].TsMs != 5 {
		t.Fatalf("unexpected Last(2) result: %+v", last)
	}
}

func TestBuildDigestAggregatesByInstrument(t *testing.T) {
	inst := types.InstrumentRef{Symbol: "BTC/USDT", ExchangeID: "binance"}
	pnl1 := decimal.NewFromInt(10)
	pnl2 := decimal.NewFromInt(-4)

	trades := []types.TradeHistoryEntry{
		{Instrument: inst, TradeTsMs: 100, RealizedPnL: &pnl1},
		{Instrument: inst, TradeTsMs: 200, RealizedPnL: &pnl2},
		{Instrument: types.InstrumentRef{Symbol: "ETH/USDT", ExchangeID: "binance"}, TradeTsMs: 150},
	}

	digest := history.BuildDigest(1000, trades, 0)

	btc := digest.ByInstrument[inst.Key()]
	if btc == nil {
		t.Fatal("expected BTC/USDT entry in digest")
	}
	if btc.TradeCount != 2 {
		t.Fatalf("expected trade count 2, got %d", btc.TradeCount)
	}
	if !btc.RealizedPnL.Equal(decimal.NewFromInt(6)) {
		t.Fatalf("expected realized pnl 6, got %s", btc.RealizedPnL)
	}
	if btc.LastTradeTsMs != 200 {
		t.Fatalf("expected last trade ts 200, got %d", btc.LastTradeTsMs)
	}
}

func TestBuildDigestRespectsWindow(t *testing.T) {
	inst := types.InstrumentRef{Symbol: "BTC/USDT", ExchangeID: "binance"}
	trades := make([]types.TradeHistoryEntry, 5)
	for i := range trades {
		trades[i] = types.TradeHistoryEntry{Instrument: inst, TradeTsMs: int64(i)}
	}

	digest := history.BuildDigest(0, trades, 2)
	if digest.ByInstrument[inst.Key()].TradeCount != 2 {
		t.Fatalf("expected window of 2 trades, got %d", digest.ByInstrument[inst.Key()].TradeCount)
	}
}
