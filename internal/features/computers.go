package features

import (
	"github.com/shopspring/decimal"

	"github.com/atlas-desktop/strategy-runtime/pkg/types"
)

// CandleFeature builds a FeatureVector from a symbol's most recent
// candles at one interval, per §4.2 step 1: latest close, volume, and
// change_pct relative to the prior bar. candles must be in chronological
// order (oldest first) with at least one element.
func CandleFeature(inst types.InstrumentRef, interval string, candles []types.Candle) types.FeatureVector {
	last := candles[len(candles)-1]

	changePct := decimal.Zero
	if len(candles) >= 2 {
		prevClose := candles[len(candles)-2].Close
		if !prevClose.IsZero() {
			changePct = last.Close.Sub(prevClose).Div(prevClose)
		}
	}

	return types.FeatureVector{
		TsMs:       last.TsMs,
		Instrument: &inst,
		Values: map[string]any{
			"close":      last.Close.InexactFloat64(),
			"volume":     last.Volume.InexactFloat64(),
			"change_pct": changePct.InexactFloat64(),
		},
		Meta: map[string]any{types.FeatureGroupByKey: types.FeatureGroupCandle(interval)},
	}
}

// MarketFeature builds the market_snapshot FeatureVector from a
// point-in-time ticker read, per §4.2 step 2.
func MarketFeature(snapshot types.MarketSnapshot) types.FeatureVector {
	changePct := decimal.Zero
	if !snapshot.OpenPrice.IsZero() {
		changePct = snapshot.LastPrice.Sub(snapshot.OpenPrice).Div(snapshot.OpenPrice)
	}

	values := map[string]any{
		"price.last": snapshot.LastPrice.InexactFloat64(),
		"price.open": snapshot.OpenPrice.InexactFloat64(),
		"volume":     snapshot.Volume.InexactFloat64(),
		"change_pct": changePct.InexactFloat64(),
	}
	if snapshot.OpenInterest != nil {
		values["open_interest"] = snapshot.OpenInterest.InexactFloat64()
	}
	if snapshot.FundingRate != nil {
		values["funding_rate"] = snapshot.FundingRate.InexactFloat64()
	}

	inst := snapshot.Instrument
	return types.FeatureVector{
		TsMs:       snapshot.TsMs,
		Instrument: &inst,
		Values:     values,
		Meta:       map[string]any{types.FeatureGroupByKey: types.FeatureGroupMarketSnapshot},
	}
}

// ImageFeature wraps an MLLM-produced markdown report as the single
// image_analysis FeatureVector, per §4.2 step 3.
func ImageFeature(tsMs int64, reportMarkdown string) types.FeatureVector {
	return types.FeatureVector{
		TsMs:   tsMs,
		Values: map[string]any{"report_markdown": reportMarkdown},
		Meta:   map[string]any{types.FeatureGroupByKey: types.FeatureGroupImageAnalysis},
	}
}
