package budget

import (
	"fmt"
	"sync"
	"time"
)

// Tracker enforces a subagent's Config during execution. All checks
// happen before dispatch so a breached limit never launches work.
type Tracker struct {
	config    Config
	toolCalls int
	sources   int
	tokens    int64
	mu        sync.Mutex
}

// NewTracker starts tracking usage against the provided config.
func NewTracker(cfg Config) *Tracker {
	return &Tracker{config: cfg.Clamp()}
}

// ReserveToolCall counts one tool call against the budget, returning an
// error without consuming it if the budget is already spent or the
// deadline has passed.
func (t *Tracker) ReserveToolCall() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.config.Deadline.IsZero() && time.Now().After(t.config.Deadline) {
		return ErrExceeded{
			Kind:  "deadline",
			Usage: time.Now().Format(time.RFC3339),
			Limit: t.config.Deadline.Format(time.RFC3339),
		}
	}
	if t.toolCalls >= t.config.ToolCallBudget {
		return ErrExceeded{
			Kind:  "tool_calls",
			Usage: fmt.Sprintf("%d calls", t.toolCalls),
			Limit: fmt.Sprintf("%d calls", t.config.ToolCallBudget),
		}
	}
	t.toolCalls++
	return nil
}

// RefundToolCall returns a previously reserved call, used when an
// invocation is rejected before dispatch (e.g. a duplicate query).
func (t *Tracker) RefundToolCall() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.toolCalls > 0 {
		t.toolCalls--
	}
}

// ReserveSource counts one source contribution against the cap.
func (t *Tracker) ReserveSource() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.config.SourceCap > 0 && t.sources >= t.config.SourceCap {
		return ErrExceeded{
			Kind:  "sources",
			Usage: fmt.Sprintf("%d sources", t.sources),
			Limit: fmt.Sprintf("%d sources", t.config.SourceCap),
		}
	}
	t.sources++
	return nil
}

// AddTokens records token usage. The token budget is soft: it is never
// an error, only a signal consumed through NearTokenLimit.
func (t *Tracker) AddTokens(n int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.tokens += n
}

// NearTokenLimit reports whether 80% of the token budget is consumed,
// the point at which the runner switches to summarize-then-continue.
func (t *Tracker) NearTokenLimit() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.config.TokenBudget <= 0 {
		return false
	}
	return t.tokens*10 >= t.config.TokenBudget*8
}

// CheckDeadline verifies wall-clock time against the configured deadline.
func (t *Tracker) CheckDeadline() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.config.Deadline.IsZero() || time.Now().Before(t.config.Deadline) {
		return nil
	}
	return ErrExceeded{
		Kind:  "deadline",
		Usage: time.Now().Format(time.RFC3339),
		Limit: t.config.Deadline.Format(time.RFC3339),
	}
}

// Exhausted reports whether the tool-call budget is fully spent.
func (t *Tracker) Exhausted() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.toolCalls >= t.config.ToolCallBudget
}

// Usage returns the accumulated counters.
func (t *Tracker) Usage() (toolCalls, sources int, tokens int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.toolCalls, t.sources, t.tokens
}

// Config returns the underlying budget config.
func (t *Tracker) Config() Config {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.config
}
