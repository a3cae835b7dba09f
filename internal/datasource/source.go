// Package datasource provides the candle and market-snapshot data feeds
// the Features Pipeline fans out over. Grounded on the teacher's
// internal/data/market_data.go (per-symbol fetch, OnPrice/OnOHLCV
// callback registration) and internal/signals/aggregator.go's
// SignalSource interface shape, generalized from push-callback market
// data to the pull-per-cycle contract §4.2 requires.
package datasource

import (
	"context"

	"github.com/shopspring/decimal"

	"github.com/atlas-desktop/strategy-runtime/pkg/types"
)

// CandleSource fetches OHLCV history for one instrument.
type CandleSource interface {
	FetchCandles(ctx context.Context, inst types.InstrumentRef, interval string, lookback int) ([]types.Candle, error)
}

// SnapshotSource fetches a point-in-time ticker/OI/funding read for one
// instrument.
type SnapshotSource interface {
	FetchSnapshot(ctx context.Context, inst types.InstrumentRef) (types.MarketSnapshot, error)
}

// DataSource combines both feeds plus lifecycle hooks per §4.2's
// open()/close() idempotency requirement.
type DataSource interface {
	CandleSource
	SnapshotSource
	Open(ctx context.Context) error
	Close() error
}

// ExchangeDataSource adapts a venue client's OHLCV/ticker calls into a
// DataSource. It is the default data source in LIVE mode, where candles
// and snapshots come from the same venue the Execution Gateway trades
// against; the two funcs are passed in rather than an ExchangeAdapter
// reference so this package does not depend on internal/execution.
type ExchangeDataSource struct {
	fetchOHLCV func(ctx context.Context, symbol, interval string, limit int) ([]types.Candle, error)
	fetchPrice func(ctx context.Context, symbol string) (decimal.Decimal, error)
	opened     bool
	closed     bool
}

// NewExchangeDataSource wraps the two venue calls a DataSource needs.
func NewExchangeDataSource(
	fetchOHLCV func(ctx context.Context, symbol, interval string, limit int) ([]types.Candle, error),
	fetchPrice func(ctx context.Context, symbol string) (decimal.Decimal, error),
) *ExchangeDataSource {
	return &ExchangeDataSource{fetchOHLCV: fetchOHLCV, fetchPrice: fetchPrice}
}

// Open is idempotent per §4.2.
func (d *ExchangeDataSource) Open(ctx context.Context) error {
	d.opened = true
	return nil
}

// Close is idempotent per §4.2.
func (d *ExchangeDataSource) Close() error {
	d.closed = true
	return nil
}

// FetchCandles implements CandleSource.
func (d *ExchangeDataSource) FetchCandles(ctx context.Context, inst types.InstrumentRef, interval string, lookback int) ([]types.Candle, error) {
	return d.fetchOHLCV(ctx, inst.Symbol, interval, lookback)
}

// FetchSnapshot implements SnapshotSource. Open interest and funding are
// left nil; a derivative-specific data source can wrap this one and fill
// them in.
func (d *ExchangeDataSource) FetchSnapshot(ctx context.Context, inst types.InstrumentRef) (types.MarketSnapshot, error) {
	last, err := d.fetchPrice(ctx, inst.Symbol)
	if err != nil {
		return types.MarketSnapshot{}, err
	}
	return types.MarketSnapshot{
		Instrument: inst,
		LastPrice:  last,
	}, nil
}
