// Package composer turns a ComposeContext into executable TradeInstructions.
// Two variants share the same normalization guardrails (§4.5.4): Grid, a
// rule-based mean-reversion strategy grounded on
// original_source/.../grid_composer/grid_composer.py, and LLM, a
// plan-proposing strategy grounded on
// original_source/strategy_agent/decision/composer.py.
package composer

import (
	"context"

	"github.com/atlas-desktop/strategy-runtime/pkg/types"
)

// Composer is the polymorphic capability both Grid and LLM implement.
type Composer interface {
	Compose(ctx context.Context, cctx types.ComposeContext) (types.ComposeResult, error)
}
