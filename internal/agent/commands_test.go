package agent_test

import (
	"testing"

	"github.com/atlas-desktop/strategy-runtime/internal/agent"
)

func TestParseCommandStop(t *testing.T) {
	kind, instanceID := agent.ParseCommand("please stop trading now")
	if kind != agent.CommandStop {
		t.Fatalf("expected CommandStop, got %v", kind)
	}
	if instanceID != "" {
		t.Fatalf("expected no instance_id, got %q", instanceID)
	}
}

func TestParseCommandStopWithInstanceID(t *testing.T) {
	kind, instanceID := agent.ParseCommand("stop instance_id: inst_abc123 please")
	if kind != agent.CommandStop {
		t.Fatalf("expected CommandStop, got %v", kind)
	}
	if instanceID != "inst_abc123" {
		t.Fatalf("expected instance_id inst_abc123, got %q", instanceID)
	}
}

func TestParseCommandStopCJK(t *testing.T) {
	kind, _ := agent.ParseCommand("停止交易")
	if kind != agent.CommandStop {
		t.Fatalf("expected CommandStop for CJK stop keyword, got %v", kind)
	}
}

func TestParseCommandStatus(t *testing.T) {
	kind, _ := agent.ParseCommand("what's the status?")
	if kind != agent.CommandStatus {
		t.Fatalf("expected CommandStatus, got %v", kind)
	}
}

func TestParseCommandStatusCJK(t *testing.T) {
	kind, _ := agent.ParseCommand("状态如何")
	if kind != agent.CommandStatus {
		t.Fatalf("expected CommandStatus for CJK status keyword, got %v", kind)
	}
}

func TestParseCommandCreate(t *testing.T) {
	kind, _ := agent.ParseCommand("Trade Bitcoin and Ethereum with $50000")
	if kind != agent.CommandCreate {
		t.Fatalf("expected CommandCreate, got %v", kind)
	}
}
