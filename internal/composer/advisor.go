package composer

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/atlas-desktop/strategy-runtime/internal/llm"
	"github.com/atlas-desktop/strategy-runtime/pkg/types"
)

// adviceResponse is the structured payload the advisor prompt asks the
// model to return.
type adviceResponse struct {
	GridStepPct      float64  `json:"grid_step_pct"`
	GridMaxSteps     int      `json:"grid_max_steps"`
	GridBaseFraction float64  `json:"grid_base_fraction"`
	GridLowerPct     *float64 `json:"grid_lower_pct,omitempty"`
	GridUpperPct     *float64 `json:"grid_upper_pct,omitempty"`
	GridCount        *int     `json:"grid_count,omitempty"`
	Rationale        string   `json:"advisor_rationale"`
}

// LLMAdvisor implements Advisor, grounded on
// original_source/.../grid_composer/llm_param_advisor.py's GridParamAdvisor:
// it hands the model the current ComposeContext plus the composer's
// previous params and asks for a refreshed, clamp-ready set.
type LLMAdvisor struct {
	logger *zap.Logger
	client llm.Client
}

// NewLLMAdvisor constructs an LLMAdvisor against an llm.Client.
func NewLLMAdvisor(logger *zap.Logger, client llm.Client) *LLMAdvisor {
	return &LLMAdvisor{logger: logger, client: client}
}

// Advise implements Advisor.
func (a *LLMAdvisor) Advise(ctx context.Context, cctx types.ComposeContext, prev GridParams) (GridParams, string, error) {
	prompt := a.buildPrompt(cctx, prev)

	resp, err := a.client.Complete(ctx, llm.Request{
		SystemPrompt: "You are a grid trading parameter advisor. Respond with a single JSON object matching the requested schema and nothing else.",
		Messages:     []llm.Message{{Role: "user", Content: prompt}},
		Temperature:  0.2,
	})
	if err != nil {
		return GridParams{}, "", fmt.Errorf("advisor: llm call failed: %w", err)
	}

	var parsed adviceResponse
	content := strings.TrimSpace(resp.Content)
	content = strings.TrimPrefix(content, "```json")
	content = strings.TrimPrefix(content, "```")
	content = strings.TrimSuffix(content, "```")
	if err := json.Unmarshal([]byte(strings.TrimSpace(content)), &parsed); err != nil {
		return GridParams{}, "", fmt.Errorf("advisor: parse response: %w", err)
	}

	return GridParams{
		StepPct:      parsed.GridStepPct,
		MaxSteps:     parsed.GridMaxSteps,
		BaseFraction: parsed.GridBaseFraction,
		GridLowerPct: parsed.GridLowerPct,
		GridUpperPct: parsed.GridUpperPct,
		GridCount:    parsed.GridCount,
	}, parsed.Rationale, nil
}

func (a *LLMAdvisor) buildPrompt(cctx types.ComposeContext, prev GridParams) string {
	payload := map[string]any{
		"prev_params": map[string]any{
			"grid_step_pct":      prev.StepPct,
			"grid_max_steps":     prev.MaxSteps,
			"grid_base_fraction": prev.BaseFraction,
			"grid_lower_pct":     prev.GridLowerPct,
			"grid_upper_pct":     prev.GridUpperPct,
			"grid_count":         prev.GridCount,
		},
		"portfolio": cctx.Portfolio,
		"digest":    cctx.Digest,
		"features":  cctx.Features,
	}
	body, _ := json.Marshal(payload)
	return fmt.Sprintf(
		"Analyze the JSON context and recommend grid trading parameters: "+
			"grid_step_pct (>=0.003), grid_max_steps (>=1), grid_base_fraction (>0), "+
			"optional grid_lower_pct/grid_upper_pct (>=0.10), optional grid_count, "+
			"and a one-sentence advisor_rationale.\n\nContext:\n%s", string(body))
}
