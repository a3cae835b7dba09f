package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/atlas-desktop/strategy-runtime/internal/coordinator"
	"github.com/atlas-desktop/strategy-runtime/internal/events"
	"github.com/atlas-desktop/strategy-runtime/pkg/types"
)

const (
	statusCardEveryNCycles  = 5
	lineChartEveryNCycles   = 10
	defaultDecideInterval   = 60 * time.Second
)

// valueSample is one point of an instance's portfolio-value history, used
// to build the session-level line chart (§6.3).
type valueSample struct {
	tsMs  int64
	value float64
}

// Instance is one running strategy within a session: a Coordinator plus
// the bookkeeping §4.7's registry entry names (`active`, `check_count`,
// `last_check_ts`, `created_ts`). Grounded on
// original_source/agents/auto_trading_agent/agent.py's per-instance dict
// entry, restructured as a Go struct with its own run loop instead of a
// generator the caller drives.
type Instance struct {
	ID         string
	SessionID  string
	StrategyID string
	ModelID    string
	Request    types.UserRequest

	logger *zap.Logger
	coord  *coordinator.Coordinator
	bus    *events.Bus

	mu         sync.Mutex
	active     bool
	checkCount int
	createdTs  int64
	lastCheck  int64
	history    []valueSample

	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// newInstance wraps coord into a runnable Instance. nowMs is the
// instance's creation timestamp.
func newInstance(id, sessionID string, req types.UserRequest, coord *coordinator.Coordinator, bus *events.Bus, logger *zap.Logger, nowMs int64) *Instance {
	return &Instance{
		ID:         id,
		SessionID:  sessionID,
		StrategyID: id,
		ModelID:    req.LLMModelConfig.ModelID,
		Request:    req,
		logger:     logger.With(zap.String("instance_id", id), zap.String("session_id", sessionID)),
		coord:      coord,
		bus:        bus,
		active:     true,
		createdTs:  nowMs,
		stopCh:     make(chan struct{}),
		doneCh:     make(chan struct{}),
	}
}

// Stop requests the run loop exit after its current cycle. Safe to call
// more than once and from any goroutine.
func (inst *Instance) Stop() {
	inst.mu.Lock()
	inst.active = false
	inst.mu.Unlock()

	inst.stopOnce.Do(func() { close(inst.stopCh) })
}

// IsActive reports whether the instance's loop is still (or should still
// be) running.
func (inst *Instance) IsActive() bool {
	inst.mu.Lock()
	defer inst.mu.Unlock()
	return inst.active
}

// snapshot returns a read-only copy of the instance's registry fields for
// status reporting.
func (inst *Instance) snapshot() (checkCount int, lastCheck, createdTs int64, active bool, hist []valueSample) {
	inst.mu.Lock()
	defer inst.mu.Unlock()
	return inst.checkCount, inst.lastCheck, inst.createdTs, inst.active, append([]valueSample(nil), inst.history...)
}

// run drives the instance's main loop, grounded on
// internal/autonomous/agent.go's mainLoop ticker/select/stopChan shape,
// adapted from signal-polling to coordinator.RunOnce cycles. When a cycle's
// summary reports STOPPED and closeOnStop is set, it calls
// CloseAllPositions before leaving the loop; Stop or ctx cancellation ends
// the loop without closing positions. On exit it always calls coord.Close
// before closing doneCh.
func (inst *Instance) run(ctx context.Context, closeOnStop bool) {
	defer close(inst.doneCh)
	defer func() {
		if err := inst.coord.Close(); err != nil {
			inst.logger.Warn("error closing coordinator", zap.Error(err))
		}
	}()

	inst.emitStatus(types.StrategyStatusRunning)

	interval := time.Duration(inst.Request.TradingConfig.DecideIntervalSec) * time.Second
	if interval <= 0 {
		interval = defaultDecideInterval
	}

	var schedule cron.Schedule
	if spec := inst.Request.TradingConfig.CronSchedule; spec != "" {
		parsed, err := cron.ParseStandard(spec)
		if err != nil {
			inst.logger.Warn("invalid cron_schedule, falling back to decide_interval_sec", zap.String("cron_schedule", spec), zap.Error(err))
		} else {
			schedule = parsed
		}
	}

	for inst.IsActive() {
		select {
		case <-ctx.Done():
			inst.Stop()
		case <-inst.stopCh:
		default:
		}
		if !inst.IsActive() {
			break
		}

		result, err := inst.coord.RunOnce(ctx, nowMsFromWallClock())
		if err != nil {
			inst.logger.Error("run_once failed, will retry next interval", zap.Error(err))
			inst.emitWarning(fmt.Sprintf("strategy cycle error: %v; continuing with next check", err))
			if !sleepOrStop(ctx, inst.stopCh, waitDuration(schedule, interval)) {
				break
			}
			continue
		}

		inst.recordCycle(result)
		inst.emitCycle(result)

		if result.StrategySummary.Status == types.StrategyStatusStopped {
			inst.Stop()
			if closeOnStop {
				if _, err := inst.coord.CloseAllPositions(ctx); err != nil {
					inst.logger.Error("close_all_positions on stop failed", zap.Error(err))
				}
			}
			break
		}

		if !sleepOrStop(ctx, inst.stopCh, waitDuration(schedule, interval)) {
			break
		}
	}

	inst.emitDone()
}

// recordCycle updates the registry bookkeeping and value history under
// inst.mu, per §4.7's {check_count, last_check_ts} fields.
func (inst *Instance) recordCycle(result types.DecisionCycleResult) {
	inst.mu.Lock()
	defer inst.mu.Unlock()

	inst.checkCount++
	inst.lastCheck = result.TsMs
	totalValue, _ := result.PortfolioView.TotalValue.Float64()
	inst.history = append(inst.history, valueSample{tsMs: result.TsMs, value: totalValue})
}

// emitCycle publishes the per-cycle event sequence grounded on
// original_source/agents/strategy_agent/agent.py's stream loop
// (update_trade per trade, update_strategy_summary, update_portfolio),
// plus the every-5/every-10-cycle component cards from
// original_source/agents/auto_trading_agent/agent.py.
func (inst *Instance) emitCycle(result types.DecisionCycleResult) {
	for _, trade := range result.Trades {
		inst.publish(types.StreamEventUpdateTrade, trade)
	}
	inst.publish(types.StreamEventUpdateStrategySummary, result.StrategySummary)
	inst.publish(types.StreamEventUpdatePortfolio, result.PortfolioView)

	checkCount, _, _, _, _ := inst.snapshot()
	if checkCount%statusCardEveryNCycles == 0 {
		inst.emitStatusCard(result)
	}
	// The session-level line chart (every 10 cycles) needs every sibling
	// instance's value history, which only the registry can see; it is
	// published by registry.go's monitorChart poller (via broadcastChart)
	// once this instance's check count reaches a multiple of 10.
}

// emitStatusCard publishes the instance status component (§4.7's "card
// with positions, recent trades, counters").
func (inst *Instance) emitStatusCard(result types.DecisionCycleResult) {
	checkCount, lastCheck, createdTs, active, _ := inst.snapshot()

	positions := make([]map[string]any, 0, len(result.PortfolioView.Positions))
	for _, pos := range result.PortfolioView.Positions {
		positions = append(positions, map[string]any{
			"symbol":        pos.Instrument.Symbol,
			"type":          pos.TradeType,
			"quantity":      pos.Quantity.String(),
			"avgPrice":      pos.AvgPrice.String(),
			"unrealizedPnl": decimalStringOrNil(pos.UnrealizedPnL),
		})
	}

	recentTrades := result.Trades
	if len(recentTrades) > 5 {
		recentTrades = recentTrades[len(recentTrades)-5:]
	}

	card := map[string]any{
		"instanceId":     inst.ID,
		"modelId":        inst.ModelID,
		"symbols":        inst.Request.TradingConfig.Symbols,
		"status":         active,
		"checkCount":     checkCount,
		"createdTsMs":    createdTs,
		"lastCheckTsMs":  lastCheck,
		"totalValue":     result.PortfolioView.TotalValue.String(),
		"availableCash":  result.PortfolioView.AvailableCash.String(),
		"openPositions":  len(result.PortfolioView.Positions),
		"recentTrades":   recentTrades,
		"currentPositions": positions,
	}
	body, err := json.Marshal(card)
	if err != nil {
		inst.logger.Warn("failed to marshal status card", zap.Error(err))
		return
	}
	inst.publishComponent(types.ComponentCardPushNotification, string(body))
}

func (inst *Instance) emitStatus(status types.StrategyStatus) {
	inst.publish(types.StreamEventStrategyStatus, map[string]any{"strategyId": inst.StrategyID, "status": status})
}

func (inst *Instance) emitWarning(message string) {
	inst.publish(types.StreamEventMessageChunk, message)
}

func (inst *Instance) emitDone() {
	if inst.bus == nil {
		return
	}
	inst.bus.Publish(inst.SessionID, types.StreamEvent{EventType: types.StreamEventDone})
}

func (inst *Instance) publish(eventType types.StreamEventType, payload any) {
	if inst.bus == nil {
		return
	}
	evt, err := events.NewStreamEvent(eventType, payload)
	if err != nil {
		inst.logger.Warn("failed to encode stream event", zap.String("event_type", string(eventType)), zap.Error(err))
		return
	}
	inst.bus.Publish(inst.SessionID, evt)
}

func (inst *Instance) publishComponent(componentType types.ComponentType, content string) {
	if inst.bus == nil {
		return
	}
	evt, err := events.NewComponentEvent(componentType, content)
	if err != nil {
		inst.logger.Warn("failed to encode component event", zap.Error(err))
		return
	}
	inst.bus.Publish(inst.SessionID, evt)
}

func decimalStringOrNil(d *decimal.Decimal) string {
	if d == nil {
		return ""
	}
	return d.String()
}

// waitDuration returns how long the loop should sleep before its next
// cycle. When schedule is set (TradingConfig.CronSchedule parsed), the
// decide loop fires at the schedule's next occurrence instead of a flat
// period, restricting cycles to the configured trading-hours window;
// otherwise it falls back to the flat decide_interval_sec tick.
func waitDuration(schedule cron.Schedule, interval time.Duration) time.Duration {
	if schedule == nil {
		return interval
	}
	now := time.Now()
	next := schedule.Next(now)
	if wait := next.Sub(now); wait > 0 {
		return wait
	}
	return interval
}

// sleepOrStop waits for interval, the stop channel, or context
// cancellation, whichever comes first. It returns false when the loop
// should exit.
func sleepOrStop(ctx context.Context, stopCh <-chan struct{}, interval time.Duration) bool {
	timer := time.NewTimer(interval)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-stopCh:
		return false
	case <-ctx.Done():
		return false
	}
}

// nowMsFromWallClock is the run loop's only wall-clock read, isolated so
// tests can drive RunOnce directly with synthetic timestamps instead.
func nowMsFromWallClock() int64 {
	return time.Now().UnixMilli()
}
