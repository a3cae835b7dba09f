package agent

import (
	"testing"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/atlas-desktop/strategy-runtime/pkg/types"
)

func TestBuildSessionChartRowsMergesInstancesByTimestamp(t *testing.T) {
	logger := zap.NewNop()

	a := newInstance("inst-a", "session-1", types.UserRequest{LLMModelConfig: types.LLMModelConfig{ModelID: "model-a"}}, nil, nil, logger, 0)
	b := newInstance("inst-b", "session-1", types.UserRequest{LLMModelConfig: types.LLMModelConfig{ModelID: "model-b"}}, nil, nil, logger, 0)

	a.recordCycle(types.DecisionCycleResult{TsMs: 1000, PortfolioView: types.PortfolioView{TotalValue: decimal.NewFromInt(100000)}})
	b.recordCycle(types.DecisionCycleResult{TsMs: 1000, PortfolioView: types.PortfolioView{TotalValue: decimal.NewFromInt(50000)}})
	a.recordCycle(types.DecisionCycleResult{TsMs: 61000, PortfolioView: types.PortfolioView{TotalValue: decimal.NewFromInt(100500)}})

	rows := buildSessionChartRows([]*Instance{a, b})
	if len(rows) != 3 {
		t.Fatalf("expected header + 2 data rows, got %d", len(rows))
	}

	header := rows[0]
	if len(header) != 3 || header[0] != "Time" {
		t.Fatalf("unexpected header row: %v", header)
	}

	// Second timestamp has no sample for model-b; its cell must be 0.
	secondRow := rows[2]
	foundZero := false
	for _, cell := range secondRow[1:] {
		if v, ok := cell.(float64); ok && v == 0 {
			foundZero = true
		}
	}
	if !foundZero {
		t.Fatalf("expected a 0 cell for the model with no sample at this timestamp, got %v", secondRow)
	}
}

func TestBuildSessionChartRowsEmptyWhenNoHistory(t *testing.T) {
	logger := zap.NewNop()
	a := newInstance("inst-a", "session-1", types.UserRequest{}, nil, nil, logger, 0)

	rows := buildSessionChartRows([]*Instance{a})
	if len(rows) != 1 {
		t.Fatalf("expected only the header row, got %d rows", len(rows))
	}
}
