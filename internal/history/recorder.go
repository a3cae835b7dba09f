// Package history keeps the append-only per-cycle record of what a
// strategy saw and did (features, compose results, instructions,
// executions) and rolls recent executions into a TradeDigest. The ring
// buffer follows the teacher's internal/backtester/events.go EventQueue:
// a plain ordered slice, capped rather than priority-sorted, since
// history only ever appends at "now".
package history

import (
	"sync"

	"github.com/atlas-desktop/strategy-runtime/pkg/types"
)

// Recorder is a capacity-bounded, thread-safe ring of HistoryRecords for
// one strategy instance. Appending past capacity drops the oldest entry.
type Recorder struct {
	mu       sync.RWMutex
	capacity int
	records  []types.HistoryRecord
}

// NewRecorder creates a Recorder holding at most capacity records
// (capacity <= 0 defaults to 200, matching config.RuntimeConfig's
// historyRingSize default).
func NewRecorder(capacity int) *Recorder {
	if capacity <= 0 {
		capacity = 200
	}
	return &Recorder{
		capacity: capacity,
		records:  make([]types.HistoryRecord, 0, capacity),
	}
}

// Append adds rec, evicting the oldest record if the ring is full.
func (r *Recorder) Append(rec types.HistoryRecord) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.records) >= r.capacity {
		copy(r.records, r.records[1:])
		r.records = r.records[:len(r.records)-1]
	}
	r.records = append(r.records, rec)
}

// All returns a snapshot copy of every retained record, oldest first.
func (r *Recorder) All() []types.HistoryRecord {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]types.HistoryRecord, len(r.records))
	copy(out, r.records)
	return out
}

// Last returns a snapshot copy of the most recent n records, oldest
// first. n <= 0 or n greater than the ring's length returns everything.
func (r *Recorder) Last(n int) []types.HistoryRecord {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if n <= 0 || n >= len(r.records) {
		out := make([]types.HistoryRecord, len(r.records))
		copy(out, r.records)
		return out
	}
	start := len(r.records) - n
	out := make([]types.HistoryRecord, n)
	copy(out, r.records[start:])
	return out
}

// Len returns the number of records currently retained.
func (r *Recorder) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.records)
}

// NewFeaturesRecord wraps a cycle's feature vectors as a HistoryRecord.
func NewFeaturesRecord(tsMs int64, composeID string, features []types.FeatureVector) types.HistoryRecord {
	return types.HistoryRecord{
		TsMs:        tsMs,
		Kind:        types.HistoryKindFeatures,
		ReferenceID: composeID,
		Payload:     map[string]any{"features": features},
	}
}

// NewComposeRecord wraps a Composer's ComposeResult as a HistoryRecord.
func NewComposeRecord(tsMs int64, composeID string, result types.ComposeResult) types.HistoryRecord {
	return types.HistoryRecord{
		TsMs:        tsMs,
		Kind:        types.HistoryKindCompose,
		ReferenceID: composeID,
		Payload: map[string]any{
			"instructions": result.Instructions,
			"rationale":    result.Rationale,
			"shouldStop":   result.ShouldStop,
		},
	}
}

// NewInstructionsRecord wraps the normalized instructions sent to the
// Execution Gateway as a HistoryRecord, distinct from NewComposeRecord so
// a reviewer can tell what the composer proposed from what actually got
// submitted after guardrail normalization.
func NewInstructionsRecord(tsMs int64, composeID string, instructions []types.TradeInstruction) types.HistoryRecord {
	return types.HistoryRecord{
		TsMs:        tsMs,
		Kind:        types.HistoryKindInstructions,
		ReferenceID: composeID,
		Payload:     map[string]any{"instructions": instructions},
	}
}

// NewExecutionRecord wraps the TxResults and derived TradeHistoryEntries
// of one cycle's execution step as a HistoryRecord.
func NewExecutionRecord(tsMs int64, composeID string, results []types.TxResult, trades []types.TradeHistoryEntry) types.HistoryRecord {
	return types.HistoryRecord{
		TsMs:        tsMs,
		Kind:        types.HistoryKindExecution,
		ReferenceID: composeID,
		Payload: map[string]any{
			"results": results,
			"trades":  trades,
		},
	}
}
