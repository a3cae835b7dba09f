package types

import (
	"time"

	"github.com/shopspring/decimal"
)

// Candle is a single OHLCV bar for an instrument at a given interval,
// produced by a data source and consumed by candle feature computers.
type Candle struct {
	TsMs       int64           `json:"tsMs"`
	Instrument InstrumentRef   `json:"instrument"`
	Open       decimal.Decimal `json:"open"`
	High       decimal.Decimal `json:"high"`
	Low        decimal.Decimal `json:"low"`
	Close      decimal.Decimal `json:"close"`
	Volume     decimal.Decimal `json:"volume"`
	Interval   string          `json:"interval"`
}

// Ts returns the candle timestamp as time.Time.
func (c Candle) Ts() time.Time {
	return time.UnixMilli(c.TsMs).UTC()
}

// CandleConfig describes one candle-window fetch: an interval string
// ("1m", "5m", ...) and how many bars of lookback to request.
type CandleConfig struct {
	Interval string `json:"interval"`
	Lookback int    `json:"lookback"`
}

// DefaultCandleConfigs is the pipeline's default candle window set when
// none is supplied by the caller.
func DefaultCandleConfigs() []CandleConfig {
	return []CandleConfig{{Interval: "1m", Lookback: 240}}
}

// MarketSnapshot is a point-in-time ticker/open-interest/funding read for
// one instrument, as returned by a data source's snapshot fetch.
type MarketSnapshot struct {
	Instrument    InstrumentRef
	LastPrice     decimal.Decimal
	OpenPrice     decimal.Decimal
	Volume        decimal.Decimal
	OpenInterest  *decimal.Decimal
	FundingRate   *decimal.Decimal
	TsMs          int64
}
