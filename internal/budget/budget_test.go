package budget

import (
	"testing"
	"time"
)

func TestConfigValidate(t *testing.T) {
	cfg := Config{ToolCallBudget: 0}
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected validation error for zero budget")
	}
	cfg = Config{ToolCallBudget: 25}
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected validation error above absolute cap")
	}
	cfg = Config{ToolCallBudget: 10, SourceCap: 100}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestTrackerReserveAndRefund(t *testing.T) {
	tr := NewTracker(Config{ToolCallBudget: 2})
	if err := tr.ReserveToolCall(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := tr.ReserveToolCall(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := tr.ReserveToolCall(); err == nil {
		t.Fatalf("expected tool call budget breach")
	}
	tr.RefundToolCall()
	if err := tr.ReserveToolCall(); err != nil {
		t.Fatalf("refunded call should be reservable again: %v", err)
	}
	calls, _, _ := tr.Usage()
	if calls != 2 {
		t.Fatalf("expected 2 calls recorded, got %d", calls)
	}
}

func TestTrackerSourceCap(t *testing.T) {
	tr := NewTracker(Config{ToolCallBudget: 5, SourceCap: 1})
	if err := tr.ReserveSource(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := tr.ReserveSource(); err == nil {
		t.Fatalf("expected source cap breach")
	}
}

func TestTrackerDeadline(t *testing.T) {
	tr := NewTracker(Config{ToolCallBudget: 5, Deadline: time.Now().Add(-time.Second)})
	if err := tr.ReserveToolCall(); err == nil {
		t.Fatalf("expected deadline breach")
	}
	if err := tr.CheckDeadline(); err == nil {
		t.Fatalf("expected deadline breach from CheckDeadline")
	}
}

func TestTrackerTokenBudgetSoft(t *testing.T) {
	tr := NewTracker(Config{ToolCallBudget: 5, TokenBudget: 1000})
	tr.AddTokens(700)
	if tr.NearTokenLimit() {
		t.Fatalf("70%% usage should not trip the soft limit")
	}
	tr.AddTokens(150)
	if !tr.NearTokenLimit() {
		t.Fatalf("85%% usage should trip the soft limit")
	}
}

func TestTrackerClampsAbsoluteCap(t *testing.T) {
	tr := NewTracker(Config{ToolCallBudget: 99})
	if got := tr.Config().ToolCallBudget; got != AbsoluteToolCallCap {
		t.Fatalf("expected clamp to %d, got %d", AbsoluteToolCallCap, got)
	}
}
