package types

// StreamEventType enumerates the event types a strategy runtime emits to
// subscribers (§6.2).
type StreamEventType string

const (
	StreamEventStrategyStatus       StreamEventType = "strategy_status"
	StreamEventUpdateTrade          StreamEventType = "update_trade"
	StreamEventUpdateStrategySummary StreamEventType = "update_strategy_summary"
	StreamEventUpdatePortfolio      StreamEventType = "update_portfolio"
	StreamEventMessageChunk         StreamEventType = "message_chunk"
	StreamEventComponentGenerator   StreamEventType = "component_generator"
	StreamEventDone                 StreamEventType = "done"
)

// ComponentType enumerates the component_generator sub-shapes (§6.2).
type ComponentType string

const (
	ComponentCardPushNotification ComponentType = "filtered_card_push_notification"
	ComponentLineChart            ComponentType = "filtered_line_chart"
	ComponentStatus               ComponentType = "status"
	ComponentUpdateTrade          ComponentType = "update_trade"
	ComponentUpdateStrategySummary ComponentType = "update_strategy_summary"
	ComponentUpdatePortfolio      ComponentType = "update_portfolio"
)

// StreamEvent is the wire envelope fanned out to subscribers. PayloadJSON
// is the JSON-encoded event-specific payload, kept as a raw string so the
// hub never needs to know every payload schema.
type StreamEvent struct {
	EventType   StreamEventType `json:"eventType"`
	PayloadJSON string          `json:"payloadJson"`
}

// ComponentPayload is the decoded shape of a component_generator event's
// Content field before it is itself JSON-encoded into PayloadJSON.
type ComponentPayload struct {
	ComponentType ComponentType `json:"componentType"`
	Content       string        `json:"content"`
}

// LineChartRow is one row of the session-level equity line-chart shape
// (§6.3): either the header row (["Time", model_id, ...]) or a data row
// (["2025-...", value, ...]).
type LineChartRow []any
