package composer

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/atlas-desktop/strategy-runtime/internal/llm"
	"github.com/atlas-desktop/strategy-runtime/pkg/types"
)

// planItem is the wire shape of one entry in the model's JSON plan, per
// §4.5.3: `{instrument, action, target_qty, leverage, confidence,
// rationale}`.
type planItem struct {
	Instrument string  `json:"instrument"`
	Action     string  `json:"action"`
	TargetQty  float64 `json:"target_qty"`
	Leverage   float64 `json:"leverage"`
	Confidence float64 `json:"confidence"`
	Rationale  string  `json:"rationale"`
}

type planResponse struct {
	Items []planItem `json:"items"`
}

// LLMComposer proposes a plan via the configured model and normalizes it
// through the shared guardrails, grounded on
// original_source/strategy_agent/decision/composer.py's LlmComposer.
type LLMComposer struct {
	logger            *zap.Logger
	client            llm.Client
	config            types.TradingConfig
	exchange          types.ExchangeConfig
	quantityPrecision decimal.Decimal
}

// NewLLMComposer constructs an LLMComposer against an llm.Client.
func NewLLMComposer(logger *zap.Logger, client llm.Client, config types.TradingConfig, exchange types.ExchangeConfig) *LLMComposer {
	return &LLMComposer{
		logger:            logger,
		client:            client,
		config:            config,
		exchange:          exchange,
		quantityPrecision: decimal.NewFromFloat(1e-9),
	}
}

// Compose implements Composer. On parse/validation failure or LLM error it
// returns an empty plan with rationale "LLM call failed", per §4.5.3.
func (c *LLMComposer) Compose(ctx context.Context, cctx types.ComposeContext) (types.ComposeResult, error) {
	prompt := c.buildPrompt(cctx)

	resp, err := c.client.Complete(ctx, llm.Request{
		SystemPrompt: "You are a trading strategy planner. Analyze the JSON context and produce a structured plan with an items array: instrument, action (OPEN_LONG|OPEN_SHORT|CLOSE_LONG|CLOSE_SHORT|FLAT|NOOP), target_qty, leverage, confidence, rationale. Respond with JSON only.",
		Messages:     []llm.Message{{Role: "user", Content: prompt}},
		Temperature:  0.2,
	})
	if err != nil {
		c.logger.Warn("LLM composer call failed", zap.Error(err))
		return types.ComposeResult{Rationale: "LLM call failed"}, nil
	}

	plan, err := c.parsePlan(resp.Content)
	if err != nil {
		c.logger.Warn("LLM composer output failed validation", zap.Error(err))
		return types.ComposeResult{Rationale: "LLM call failed"}, nil
	}

	if len(plan.Items) == 0 {
		return types.ComposeResult{Rationale: "LLM returned an empty plan"}, nil
	}

	proposal := types.TradePlanProposal{
		TsMs:      cctx.TsMs,
		Items:     plan.Items,
		Rationale: "LLM plan",
	}

	instructions := Normalize(cctx, proposal, NormalizeConfig{
		MaxPositions:       c.config.MaxPositions,
		DefaultSlippageBps: 25,
		QuantityPrecision:  c.quantityPrecision,
		Constraints:        cctx.Constraints,
	})

	return types.ComposeResult{Instructions: instructions, Rationale: proposal.Rationale}, nil
}

func (c *LLMComposer) buildPrompt(cctx types.ComposeContext) string {
	payload := map[string]any{
		"strategy_prompt": c.config.StrategyPrompt,
		"compose_id":      cctx.ComposeID,
		"timestamp":       cctx.TsMs,
		"portfolio":       cctx.Portfolio,
		"digest":          cctx.Digest,
		"features":        cctx.Features,
		"constraints":     cctx.Constraints,
	}
	body, _ := json.Marshal(payload)
	return fmt.Sprintf("Context:\n%s", string(body))
}

func (c *LLMComposer) parsePlan(content string) (types.TradePlanProposal, error) {
	content = strings.TrimSpace(content)
	content = strings.TrimPrefix(content, "```json")
	content = strings.TrimPrefix(content, "```")
	content = strings.TrimSuffix(content, "```")

	var parsed planResponse
	if err := json.Unmarshal([]byte(strings.TrimSpace(content)), &parsed); err != nil {
		return types.TradePlanProposal{}, fmt.Errorf("parse plan: %w", err)
	}

	items := make([]types.TradeDecisionItem, 0, len(parsed.Items))
	for _, raw := range parsed.Items {
		action, err := parseAction(raw.Action)
		if err != nil {
			return types.TradePlanProposal{}, err
		}
		items = append(items, types.TradeDecisionItem{
			Instrument: types.NewInstrumentRef(raw.Instrument, c.exchange.ExchangeID, c.exchange.MarketType == types.MarketTypeDerivative),
			Action:     action,
			TargetQty:  decimal.NewFromFloat(raw.TargetQty),
			Leverage:   decimal.NewFromFloat(raw.Leverage),
			Confidence: decimal.NewFromFloat(raw.Confidence),
			Rationale:  raw.Rationale,
		})
	}

	return types.TradePlanProposal{Items: items}, nil
}

func parseAction(raw string) (types.TradeDecisionAction, error) {
	switch types.TradeDecisionAction(strings.ToUpper(raw)) {
	case types.ActionOpenLong:
		return types.ActionOpenLong, nil
	case types.ActionOpenShort:
		return types.ActionOpenShort, nil
	case types.ActionCloseLong:
		return types.ActionCloseLong, nil
	case types.ActionCloseShort:
		return types.ActionCloseShort, nil
	case types.ActionFlat:
		return types.ActionFlat, nil
	case types.ActionNoop:
		return types.ActionNoop, nil
	default:
		return "", fmt.Errorf("unknown action %q", raw)
	}
}
