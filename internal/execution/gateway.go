// Package execution implements the Execution Gateway (§4.4): a paper
// simulator and a live venue adapter, both behind the same Gateway
// interface so the coordinator never branches on trading mode. Grounded
// on the teacher's internal/execution/execution_model.go (commission/
// slippage cost modeling) and internal/execution/adapters/binance.go
// (signed REST adapter, rate limiting), trimmed from backtest cost
// modeling to the spec's simpler taker-direction slippage rule.
package execution

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/atlas-desktop/strategy-runtime/pkg/types"
)

// Gateway accepts a batch of TradeInstructions and returns matching
// TxResults 1:1 by InstructionID, in the same order as the input.
type Gateway interface {
	Execute(ctx context.Context, instructions []types.TradeInstruction) ([]types.TxResult, error)
}

// FeatureSetter is implemented by Gateway variants (PaperGateway) that
// need the cycle's market_snapshot features to price fills; the
// coordinator type-asserts for it before calling Execute so LiveGateway,
// which prices off the live venue instead, is unaffected.
type FeatureSetter interface {
	SetFeatures(features []types.FeatureVector)
}

// PaperConfig configures the paper simulator's cost model.
type PaperConfig struct {
	FeeRate decimal.Decimal // default 0, per §4.4
}

// PaperGateway prices instructions off the cycle's market_snapshot
// features and simulates fills with configurable slippage and fees.
// Features must be set via SetFeatures before Execute is called for a
// cycle; the coordinator does this once per run_once.
type PaperGateway struct {
	logger   *zap.Logger
	config   PaperConfig
	features []types.FeatureVector
}

// NewPaperGateway creates a PaperGateway with the given fee configuration.
func NewPaperGateway(logger *zap.Logger, config PaperConfig) *PaperGateway {
	return &PaperGateway{logger: logger, config: config}
}

// SetFeatures installs the current cycle's feature vectors as the pricing
// source for subsequent Execute calls.
func (g *PaperGateway) SetFeatures(features []types.FeatureVector) {
	g.features = features
}

// Execute prices and fills each instruction independently and
// concurrently, preserving input order in the returned slice per §4.4's
// ordering requirement.
func (g *PaperGateway) Execute(ctx context.Context, instructions []types.TradeInstruction) ([]types.TxResult, error) {
	results := make([]types.TxResult, len(instructions))

	group, _ := errgroup.WithContext(ctx)
	for i, instr := range instructions {
		i, instr := i, instr
		group.Go(func() error {
			results[i] = g.fill(instr)
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

func (g *PaperGateway) fill(instr types.TradeInstruction) types.TxResult {
	fv, ok := types.MarketFeatureFor(g.features, instr.Instrument.Symbol)
	if !ok {
		return types.TxResult{
			InstructionID: instr.InstructionID,
			Instrument:    instr.Instrument,
			Side:          instr.Side,
			RequestedQty:  instr.Quantity,
			FilledQty:     decimal.Zero,
			Status:        types.TxStatusRejected,
			Reason:        "no_price",
		}
	}
	last, ok := fv.Float("price.last")
	if !ok {
		return types.TxResult{
			InstructionID: instr.InstructionID,
			Instrument:    instr.Instrument,
			Side:          instr.Side,
			RequestedQty:  instr.Quantity,
			FilledQty:     decimal.Zero,
			Status:        types.TxStatusRejected,
			Reason:        "no_price",
		}
	}

	lastPrice := decimal.NewFromFloat(last)
	slippageFrac := decimal.NewFromInt(int64(instr.MaxSlippageBps)).Div(decimal.NewFromInt(10000))

	execPrice := lastPrice
	if instr.Side == types.SideBuy {
		execPrice = lastPrice.Mul(decimal.NewFromInt(1).Add(slippageFrac))
	} else {
		execPrice = lastPrice.Mul(decimal.NewFromInt(1).Sub(slippageFrac))
	}

	feeCost := execPrice.Mul(instr.Quantity).Abs().Mul(g.config.FeeRate)

	return types.TxResult{
		InstructionID: instr.InstructionID,
		Instrument:    instr.Instrument,
		Side:          instr.Side,
		RequestedQty:  instr.Quantity,
		FilledQty:     instr.Quantity,
		AvgExecPrice:  &execPrice,
		FeeCost:       &feeCost,
		Status:        types.TxStatusFilled,
		Leverage:      instr.Leverage,
		Meta:          instr.Meta,
	}
}

// unsupportedPriceMode is returned by adapters that only support market
// orders for a given venue/instrument combination.
func unsupportedPriceMode(mode types.PriceMode) error {
	return fmt.Errorf("unsupported price mode: %s", mode)
}
