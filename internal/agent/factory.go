// Package agent implements the Agent Orchestration layer (§4.7): a
// per-session registry of strategy runtimes, natural-language control
// commands, and the per-instance run loop that drives
// coordinator.RunOnce and fans its results out over internal/events.
// Grounded on the teacher's internal/orchestrator/orchestrator.go
// (registry shape, ticker-driven background loops, metrics) and
// internal/autonomous/agent.go (Start/Stop/stopChan/mainLoop pattern),
// with the event-emission sequence itself grounded on
// original_source/agents/strategy_agent/agent.py and the multi-instance
// session/control-command semantics on
// original_source/agents/auto_trading_agent/agent.py.
package agent

import (
	"fmt"
	"os"
	"strings"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/atlas-desktop/strategy-runtime/internal/composer"
	"github.com/atlas-desktop/strategy-runtime/internal/config"
	"github.com/atlas-desktop/strategy-runtime/internal/coordinator"
	"github.com/atlas-desktop/strategy-runtime/internal/datasource"
	"github.com/atlas-desktop/strategy-runtime/internal/execution"
	"github.com/atlas-desktop/strategy-runtime/internal/execution/adapters"
	"github.com/atlas-desktop/strategy-runtime/internal/features"
	"github.com/atlas-desktop/strategy-runtime/internal/history"
	"github.com/atlas-desktop/strategy-runtime/internal/llm"
	"github.com/atlas-desktop/strategy-runtime/internal/portfolio"
	"github.com/atlas-desktop/strategy-runtime/pkg/types"
)

// Factory builds a Coordinator from a UserRequest. It is the one place
// that wires concrete datasource/gateway/composer implementations
// together; the coordinator itself depends only on their interfaces.
type Factory struct {
	logger *zap.Logger
	cfg    config.RuntimeConfig
}

// NewFactory creates a Factory against the process's ambient runtime
// configuration.
func NewFactory(logger *zap.Logger, cfg config.RuntimeConfig) *Factory {
	return &Factory{logger: logger, cfg: cfg}
}

// Build wires a full Coordinator for req, selecting the exchange adapter,
// composer variant, and execution gateway per the request's
// ExchangeConfig and TradingConfig.
func (f *Factory) Build(strategyID string, req types.UserRequest) (*coordinator.Coordinator, error) {
	req = req.Normalize()
	if len(req.TradingConfig.Symbols) == 0 {
		return nil, fmt.Errorf("agent: user request has no symbols")
	}

	adapter := f.buildAdapter(req.ExchangeConfig)
	dataSource := datasource.NewExchangeDataSource(adapter.FetchOHLCV, adapter.FetchTicker)

	var llmClient llm.Client
	if req.LLMModelConfig.APIKey != "" {
		llmClient = llm.NewHTTPClient(providerBaseURL(req.LLMModelConfig.Provider), req.LLMModelConfig.ModelID, req.LLMModelConfig.APIKey)
	}

	pipeline := features.NewPipeline(f.logger, dataSource, datasource.NoopImageSource{}, llmClient, types.DefaultCandleConfigs())

	var comp composer.Composer
	if strings.TrimSpace(req.TradingConfig.StrategyPrompt) != "" && llmClient != nil {
		comp = composer.NewLLMComposer(f.logger, llmClient, req.TradingConfig, req.ExchangeConfig)
	} else {
		var advisor composer.Advisor
		if llmClient != nil {
			advisor = composer.NewLLMAdvisor(f.logger, llmClient)
		}
		comp = composer.NewGridComposer(f.logger, req.TradingConfig, req.ExchangeConfig, advisor)
	}

	var gateway execution.Gateway
	var liveAdapter execution.ExchangeAdapter
	if req.ExchangeConfig.TradingMode == types.TradingModeLive {
		gateway = execution.NewLiveGateway(f.logger, adapter)
		liveAdapter = adapter
	} else {
		gateway = execution.NewPaperGateway(f.logger, execution.PaperConfig{FeeRate: decimal.Zero})
	}

	initialCash := req.TradingConfig.InitialCapital
	if initialCash.IsZero() {
		initialCash = decimal.NewFromInt(100000)
	}
	svc := portfolio.NewService(strategyID, req.ExchangeConfig.TradingMode, req.ExchangeConfig.MarketType, initialCash, f.cfg.QuantityPrecision)

	historyCap := f.cfg.HistoryRingSize
	if historyCap <= 0 {
		historyCap = 200
	}
	digestWindow := f.cfg.DigestWindow
	if digestWindow <= 0 {
		digestWindow = 50
	}

	return coordinator.New(f.logger, coordinator.Config{
		StrategyID:        strategyID,
		Request:           req,
		Portfolio:         svc,
		Pipeline:          pipeline,
		Composer:          comp,
		Gateway:           gateway,
		Adapter:           liveAdapter,
		Recorder:          history.NewRecorder(historyCap),
		DigestWindow:      digestWindow,
		QuantityPrecision: f.cfg.QuantityPrecision,
	}), nil
}

// buildAdapter constructs the venue adapter for cfg.ExchangeID. Binance is
// the only wired venue today (internal/execution/adapters/binance.go);
// API credentials come from <EXCHANGE>_API_KEY/<EXCHANGE>_API_SECRET env
// vars, matching the teacher's getEnvOrDefault convention in
// cmd/server/main.go.
func (f *Factory) buildAdapter(cfg types.ExchangeConfig) *adapters.BinanceAdapter {
	exchange := strings.ToLower(cfg.ExchangeID)
	if exchange != "" && exchange != "binance" {
		f.logger.Warn("no dedicated adapter for exchange, falling back to binance-compatible REST shape", zap.String("exchange_id", cfg.ExchangeID))
	}

	prefix := strings.ToUpper(cfg.ExchangeID)
	if prefix == "" {
		prefix = "BINANCE"
	}
	return adapters.NewBinanceAdapter(f.logger, adapters.BinanceConfig{
		APIKey:     os.Getenv(prefix + "_API_KEY"),
		APISecret:  os.Getenv(prefix + "_API_SECRET"),
		Testnet:    cfg.TradingMode == types.TradingModeVirtual,
		Derivative: cfg.MarketType == types.MarketTypeDerivative,
	})
}

func providerBaseURL(provider string) string {
	switch strings.ToLower(provider) {
	case "openrouter":
		return "https://openrouter.ai/api/v1/chat/completions"
	default:
		return "https://api.openai.com/v1/chat/completions"
	}
}
