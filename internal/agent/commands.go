package agent

import "strings"

// CommandKind enumerates the natural-language control commands a session
// may receive (§4.7). Anything that matches neither is treated as a new
// strategy-creation request.
type CommandKind int

const (
	CommandCreate CommandKind = iota
	CommandStop
	CommandStatus
)

var stopKeywords = []string{"stop", "pause", "halt", "停止", "暂停"}
var statusKeywords = []string{"status", "summary", "状态", "摘要"}

// ParseCommand classifies query as STOP, STATUS, or a plain creation
// request, and extracts an optional `instance_id:<id>` / `instance:<id>`
// target for STOP. Matching is keyword-containment, not exact-match,
// mirroring original_source/agents/auto_trading_agent/agent.py's
// `any(cmd in query_lower for cmd in [...])` dispatch.
func ParseCommand(query string) (kind CommandKind, instanceID string) {
	lower := strings.ToLower(strings.TrimSpace(query))

	if containsAny(lower, stopKeywords) {
		return CommandStop, extractInstanceID(query)
	}
	if containsAny(lower, statusKeywords) {
		return CommandStatus, ""
	}
	return CommandCreate, ""
}

func containsAny(haystack string, needles []string) bool {
	for _, n := range needles {
		if strings.Contains(haystack, n) {
			return true
		}
	}
	return false
}

// extractInstanceID pulls the value following "instance_id:" or
// "instance:" out of the raw (not lower-cased) query, preserving the
// instance ID's original case.
func extractInstanceID(query string) string {
	lower := strings.ToLower(query)
	for _, marker := range []string{"instance_id:", "instance:"} {
		idx := strings.Index(lower, marker)
		if idx < 0 {
			continue
		}
		rest := query[idx+len(marker):]
		rest = strings.TrimSpace(rest)
		fields := strings.Fields(rest)
		if len(fields) == 0 {
			continue
		}
		return strings.Trim(fields[0], ",;")
	}
	return ""
}
