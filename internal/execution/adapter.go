package execution

import (
	"context"

	"github.com/shopspring/decimal"

	"github.com/atlas-desktop/strategy-runtime/pkg/types"
)

// ExchangeAdapter is the venue contract named in §6.4: balance, position,
// market-data, and order-placement operations a LiveGateway drives.
// Implementations must respect ctx deadlines; adapters/binance.go is the
// reference implementation.
type ExchangeAdapter interface {
	FetchBalance(ctx context.Context) (accountBalance, buyingPower decimal.Decimal, err error)
	FetchPositions(ctx context.Context, symbols []string) (map[string]*types.PositionSnapshot, error)
	FetchTicker(ctx context.Context, symbol string) (decimal.Decimal, error)
	FetchOHLCV(ctx context.Context, symbol, interval string, limit int) ([]types.Candle, error)
	CreateOrder(ctx context.Context, order AdapterOrder) (types.TxResult, error)
	Close() error
}

// AdapterOrder is the venue-facing order request a LiveGateway builds
// from a TradeInstruction.
type AdapterOrder struct {
	InstructionID string
	Instrument    types.InstrumentRef
	Side          types.TradeSide
	PriceMode     types.PriceMode
	Quantity      decimal.Decimal
	LimitPrice    *decimal.Decimal
	ReduceOnly    bool
}
