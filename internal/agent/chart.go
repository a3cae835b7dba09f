package agent

import (
	"encoding/json"
	"sort"
	"time"

	"github.com/atlas-desktop/strategy-runtime/pkg/types"
)

// buildSessionChartRows builds the §6.3 line-chart payload for a session:
// one series per model_id, rows sorted ascending by time, missing cells
// 0. Grounded on
// original_source/agents/auto_trading_agent/agent.py's
// _get_session_portfolio_chart_data.
func buildSessionChartRows(instances []*Instance) []types.LineChartRow {
	modelIDs := make([]string, 0, len(instances))
	seenModel := make(map[string]bool)
	// timestamp (formatted) -> model_id -> value
	byTs := make(map[string]map[string]float64)

	for _, inst := range instances {
		modelID := inst.ModelID
		if modelID == "" {
			modelID = inst.ID
		}
		if !seenModel[modelID] {
			seenModel[modelID] = true
			modelIDs = append(modelIDs, modelID)
		}

		_, _, _, _, hist := inst.snapshot()
		for _, sample := range hist {
			ts := time.UnixMilli(sample.tsMs).UTC().Format("2006-01-02 15:04:05")
			if byTs[ts] == nil {
				byTs[ts] = make(map[string]float64)
			}
			byTs[ts][modelID] = sample.value
		}
	}

	timestamps := make([]string, 0, len(byTs))
	for ts := range byTs {
		timestamps = append(timestamps, ts)
	}
	sort.Strings(timestamps)

	header := types.LineChartRow{"Time"}
	for _, m := range modelIDs {
		header = append(header, m)
	}

	rows := make([]types.LineChartRow, 0, len(timestamps)+1)
	rows = append(rows, header)
	for _, ts := range timestamps {
		row := types.LineChartRow{ts}
		for _, m := range modelIDs {
			value, ok := byTs[ts][m]
			if !ok {
				value = 0
			}
			row = append(row, value)
		}
		rows = append(rows, row)
	}
	return rows
}

// marshalChart JSON-encodes the chart rows as the component_generator
// content string (§6.2/§6.3).
func marshalChart(rows []types.LineChartRow) (string, error) {
	body, err := json.Marshal(rows)
	if err != nil {
		return "", err
	}
	return string(body), nil
}
