package execution

import (
	"context"
	"errors"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/atlas-desktop/strategy-runtime/pkg/types"
)

// LiveGateway translates instructions into venue orders through an
// ExchangeAdapter, honoring meta.reduceOnly and mapping adapter errors to
// the ERROR/REJECTED/PARTIAL taxonomy of §4.4 and §7.
type LiveGateway struct {
	logger  *zap.Logger
	adapter ExchangeAdapter
}

// NewLiveGateway wraps adapter for use as a Gateway.
func NewLiveGateway(logger *zap.Logger, adapter ExchangeAdapter) *LiveGateway {
	return &LiveGateway{logger: logger, adapter: adapter}
}

// Execute submits every instruction to the adapter concurrently,
// preserving input order in the returned slice.
func (g *LiveGateway) Execute(ctx context.Context, instructions []types.TradeInstruction) ([]types.TxResult, error) {
	results := make([]types.TxResult, len(instructions))

	group, gctx := errgroup.WithContext(ctx)
	for i, instr := range instructions {
		i, instr := i, instr
		group.Go(func() error {
			results[i] = g.submit(gctx, instr)
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

func (g *LiveGateway) submit(ctx context.Context, instr types.TradeInstruction) types.TxResult {
	reduceOnly, _ := instr.Meta["reduceOnly"].(bool)

	order := AdapterOrder{
		InstructionID: instr.InstructionID,
		Instrument:    instr.Instrument,
		Side:          instr.Side,
		PriceMode:     instr.PriceMode,
		Quantity:      instr.Quantity,
		LimitPrice:    instr.LimitPrice,
		ReduceOnly:    reduceOnly,
	}

	result, err := g.adapter.CreateOrder(ctx, order)
	if err != nil {
		status := types.TxStatusError
		var rejected *rejectionError
		if errors.As(err, &rejected) {
			status = types.TxStatusRejected
		}
		g.logger.Warn("live order failed",
			zap.String("instruction_id", instr.InstructionID),
			zap.String("symbol", instr.Instrument.Symbol),
			zap.Error(err),
		)
		return types.TxResult{
			InstructionID: instr.InstructionID,
			Instrument:    instr.Instrument,
			Side:          instr.Side,
			RequestedQty:  instr.Quantity,
			Status:        status,
			Reason:        err.Error(),
		}
	}

	result.InstructionID = instr.InstructionID
	return result
}

// rejectionError marks a venue response as a rejection (min-notional,
// margin, etc.) rather than a transport/protocol error, so submit can
// distinguish REJECTED from ERROR per §4.4.
type rejectionError struct{ reason string }

func (e *rejectionError) Error() string { return e.reason }

// NewRejectionError wraps reason as a venue rejection for adapters to
// return from CreateOrder.
func NewRejectionError(reason string) error {
	return &rejectionError{reason: reason}
}
