// Package portfolio maintains one strategy instance's cash, positions,
// and PnL, applying trades transactionally per §4.3 and reconciling
// against exchange truth in LIVE mode. It is grounded on the teacher's
// internal/backtester/portfolio.go (weighted-average cost basis,
// mutex-guarded accumulator) generalized from a backtest ledger to a
// live, continuously-queried view.
package portfolio

import (
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atlas-desktop/strategy-runtime/pkg/types"
)

// Service owns one strategy's PortfolioView and serializes every read and
// mutation behind a single mutex; GetView always returns a deep copy so
// callers (composer, history) never see a view change underneath them.
type Service struct {
	mu                sync.RWMutex
	view              types.PortfolioView
	mode              types.TradingMode
	marketType        types.MarketType
	quantityPrecision decimal.Decimal
}

// NewService creates a Service for strategyID starting from initialCash,
// with no open positions.
func NewService(strategyID string, mode types.TradingMode, marketType types.MarketType, initialCash, quantityPrecision decimal.Decimal) *Service {
	view := types.PortfolioView{
		TsMs:           time.Now().UnixMilli(),
		StrategyID:     strategyID,
		Cash:           initialCash,
		AccountBalance: initialCash,
		FreeCash:       initialCash,
		Positions:      make(map[string]*types.PositionSnapshot),
		TotalValue:     initialCash,
		AvailableCash:  initialCash,
	}
	if marketType == types.MarketTypeSpot {
		view.BuyingPower = decimal.Max(decimal.Zero, initialCash)
	}

	return &Service{
		view:              view,
		mode:              mode,
		marketType:        marketType,
		quantityPrecision: quantityPrecision,
	}
}

// GetView returns a consistent snapshot with ts_ms refreshed to now.
func (s *Service) GetView() types.PortfolioView {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.view.TsMs = time.Now().UnixMilli()
	return s.view.Clone()
}

// ReconcileLive overwrites account_balance/buying_power and merges the
// gateway's reported positions into the view, per §4.1 step 3. Positions
// reported by the gateway replace the local snapshot's quantity/avg_price
// for the same instrument; instruments absent from reported but present
// locally have their quantity zeroed and are then pruned from the view
// along with any other closed position.
func (s *Service) ReconcileLive(accountBalance, buyingPower decimal.Decimal, reported map[string]*types.PositionSnapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.view.AccountBalance = accountBalance
	s.view.BuyingPower = buyingPower

	for key, pos := range reported {
		cp := *pos
		s.view.Positions[key] = &cp
	}
	for key, pos := range s.view.Positions {
		if _, ok := reported[key]; !ok {
			pos.Quantity = decimal.Zero
		}
	}

	s.pruneClosedLocked()
	s.recomputeTotalsLocked()
}

// ApplyTrades folds each trade's fill into the position book per §4.3's
// BUY/SELL accounting rules, pricing unrealized PnL off the matching
// market_snapshot feature. Trades are applied in order; a trade whose
// instrument has no market feature is still applied to cash/quantity but
// leaves mark_price/unrealized_pnl stale until the next cycle supplies one.
func (s *Service) ApplyTrades(trades []types.TradeHistoryEntry, features []types.FeatureVector) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, trade := range trades {
		s.applyTradeLocked(trade)
	}
	s.markToMarketLocked(features)
	s.pruneClosedLocked()
	s.recomputeTotalsLocked()
}

func (s *Service) applyTradeLocked(trade types.TradeHistoryEntry) {
	key := trade.Instrument.Key()
	pos := s.view.Positions[key]
	if pos == nil {
		pos = &types.PositionSnapshot{Instrument: trade.Instrument, Quantity: decimal.Zero, Leverage: decimal.NewFromInt(1)}
		s.view.Positions[key] = pos
	}

	signedQty := trade.Quantity
	if trade.Side == types.SideSell {
		signedQty = signedQty.Neg()
	}

	notional := trade.AvgExecPrice.Mul(trade.Quantity)
	fee := decimal.Zero
	if trade.FeeCost != nil {
		fee = *trade.FeeCost
	}
	if trade.Side == types.SideBuy {
		s.view.Cash = s.view.Cash.Sub(notional).Sub(fee)
	} else {
		s.view.Cash = s.view.Cash.Add(notional).Sub(fee)
	}

	prevQty := pos.Quantity
	newQty := prevQty.Add(signedQty)

	sameDirection := prevQty.Sign() == 0 || prevQty.Sign() == signedQty.Sign()
	crossesZero := prevQty.Sign() != 0 && newQty.Sign() != 0 && prevQty.Sign() != newQty.Sign()

	switch {
	case prevQty.Sign() == 0:
		pos.AvgPrice = trade.AvgExecPrice
		pos.EntryTsMs = trade.TradeTsMs
	case sameDirection:
		// weighted-average cost basis across the add
		pos.AvgPrice = pos.AvgPrice.Mul(prevQty.Abs()).
			Add(trade.AvgExecPrice.Mul(trade.Quantity)).
			Div(prevQty.Abs().Add(trade.Quantity))
	case crossesZero:
		// leftover opens the opposite direction at this fill's price
		pos.AvgPrice = trade.AvgExecPrice
		pos.EntryTsMs = trade.TradeTsMs
	}

	pos.Quantity = newQty
	if newQty.Sign() < 0 {
		pos.TradeType = types.TradeTypeShort
	} else {
		pos.TradeType = types.TradeTypeLong
	}
	if trade.Leverage.Sign() > 0 {
		pos.Leverage = trade.Leverage
	}
}

// markToMarketLocked refreshes mark_price/unrealized_pnl/unrealized_pnl_pct
// for every open position from the cycle's market_snapshot features.
func (s *Service) markToMarketLocked(features []types.FeatureVector) {
	for _, pos := range s.view.Positions {
		fv, ok := types.MarketFeatureFor(features, pos.Instrument.Symbol)
		if !ok {
			continue
		}
		last, ok := fv.Float("price.last")
		if !ok {
			continue
		}
		mark := decimal.NewFromFloat(last)
		pos.MarkPrice = &mark

		priceMovePct := mark.Sub(pos.AvgPrice).Div(pos.AvgPrice).Mul(decimal.NewFromInt(100))
		if pos.Quantity.Sign() < 0 {
			priceMovePct = priceMovePct.Neg()
		}
		pnlPct := priceMovePct.Mul(pos.Leverage)
		pos.UnrealizedPnLPct = &pnlPct

		notional := pos.Quantity.Abs().Mul(pos.AvgPrice)
		unrealized := notional.Mul(pnlPct).Div(decimal.NewFromInt(100))
		pos.UnrealizedPnL = &unrealized

		posNotional := pos.Quantity.Abs().Mul(mark)
		pos.Notional = &posNotional
	}
}

// pruneClosedLocked removes positions within quantity_precision of flat.
func (s *Service) pruneClosedLocked() {
	for key, pos := range s.view.Positions {
		if pos.IsClosed(s.quantityPrecision) {
			delete(s.view.Positions, key)
		}
	}
}

// recomputeTotalsLocked recomputes total_unrealized_pnl and total_value
// per §3's PortfolioView invariant: for derivatives, total_value =
// account_balance + total_unrealized_pnl; for spot, total_value = cash +
// Σ(|qty|·mark_price).
func (s *Service) recomputeTotalsLocked() {
	totalUnrealized := decimal.Zero
	spotMarketValue := decimal.Zero

	for _, pos := range s.view.Positions {
		if pos.UnrealizedPnL != nil {
			totalUnrealized = totalUnrealized.Add(*pos.UnrealizedPnL)
		}
		if pos.MarkPrice != nil {
			spotMarketValue = spotMarketValue.Add(pos.Quantity.Abs().Mul(*pos.MarkPrice))
		}
	}
	s.view.TotalUnrealizedPnL = totalUnrealized

	if s.marketType == types.MarketTypeDerivative {
		s.view.TotalValue = s.view.AccountBalance.Add(totalUnrealized)
	} else {
		s.view.TotalValue = s.view.Cash.Add(spotMarketValue)
		s.view.AccountBalance = s.view.Cash
	}

	if s.mode == types.TradingModeVirtual && s.marketType == types.MarketTypeSpot {
		s.view.BuyingPower = decimal.Max(decimal.Zero, s.view.Cash)
	}
	s.view.FreeCash = s.view.Cash
	s.view.AvailableCash = s.view.BuyingPower
}
