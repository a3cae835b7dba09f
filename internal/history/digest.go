package history

import (
	"github.com/shopspring/decimal"

	"github.com/atlas-desktop/strategy-runtime/pkg/types"
)

// BuildDigest aggregates the last window trades (chronological order,
// oldest first) into a per-instrument TradeDigest: trade count, summed
// realized PnL, and the most recent trade timestamp. Grounded on
// original_source/_internal/coordinator.py's build_summary, which folds
// closed-trade realized_pnl into a running per-symbol total rather than
// recomputing it from the full history on every cycle. window <= 0 or
// greater than len(trades) uses the full slice.
func BuildDigest(tsMs int64, trades []types.TradeHistoryEntry, window int) types.TradeDigest {
	if window > 0 && window < len(trades) {
		trades = trades[len(trades)-window:]
	}

	digest := types.TradeDigest{
		TsMs:         tsMs,
		ByInstrument: make(map[string]*types.InstrumentDigest),
	}

	for _, trade := range trades {
		key := trade.Instrument.Key()
		entry := digest.ByInstrument[key]
		if entry == nil {
			entry = &types.InstrumentDigest{RealizedPnL: decimal.Zero}
			digest.ByInstrument[key] = entry
		}

		entry.TradeCount++
		if trade.RealizedPnL != nil {
			entry.RealizedPnL = entry.RealizedPnL.Add(*trade.RealizedPnL)
		}
		if trade.TradeTsMs > entry.LastTradeTsMs {
			entry.LastTradeTsMs = trade.TradeTsMs
		}
	}

	return digest
}

// RealizedPnLTotal sums RealizedPnL across every instrument in digest.
func RealizedPnLTotal(digest types.TradeDigest) decimal.Decimal {
	total := decimal.Zero
	for _, entry := range digest.ByInstrument {
		total = total.Add(entry.RealizedPnL)
	}
	return total
}
