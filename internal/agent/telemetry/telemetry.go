// Package telemetry provides monitoring and cost tracking for research
// runs: in-process aggregates plus Prometheus collectors.
package telemetry

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/mohammad-safakhou/deepscout/config"
)

// Telemetry aggregates run metrics and tracks LLM spend.
type Telemetry struct {
	config      config.TelemetryConfig
	logger      *log.Logger
	metrics     *Metrics
	costTracker *CostTracker
	prom        *promCollectors
	mu          sync.RWMutex
}

// Metrics holds cumulative performance counters.
type Metrics struct {
	mu sync.RWMutex

	TotalSessions      int64
	SuccessfulSessions int64
	FailedSessions     int64
	RoundsTotal        int64
	SubagentsTotal     int64
	SourcesTotal       int64

	SubagentsByStatus map[string]int64
	ToolCalls         map[string]int64
	ToolFailures      map[string]int64

	LLMRequests   map[string]int64
	LLMTokensUsed map[string]int64
}

// CostTracker tracks LLM spend per model.
type CostTracker struct {
	mu          sync.RWMutex
	perModel    map[string]float64 // model -> $ per 1k tokens, blended
	ModelCosts  map[string]float64 // model -> accumulated $
	TotalCost   float64
	TotalTokens int64
}

// SessionEvent summarizes one completed research session.
type SessionEvent struct {
	ID         string
	Query      string
	StartTime  time.Time
	EndTime    time.Time
	Success    bool
	Rounds     int
	Subagents  int
	Sources    int
	TokensUsed int64
	Cost       float64
}

// SubagentEvent summarizes one finished subagent.
type SubagentEvent struct {
	ID         string
	Status     string
	ToolCalls  int
	Sources    int
	TokensUsed int64
	Duration   time.Duration
}

// ToolEvent records a single tool invocation.
type ToolEvent struct {
	Tool     string
	Success  bool
	Duration time.Duration
}

type promCollectors struct {
	sessions  *prometheus.CounterVec
	subagents *prometheus.CounterVec
	toolCalls *prometheus.CounterVec
	tokens    prometheus.Counter
	cost      prometheus.Counter
	duration  prometheus.Histogram
}

// NewTelemetry creates a telemetry instance and registers its
// Prometheus collectors on the default registry.
func NewTelemetry(cfg config.TelemetryConfig) *Telemetry {
	t := &Telemetry{
		config: cfg,
		logger: log.New(log.Writer(), "[TELEMETRY] ", log.LstdFlags),
		metrics: &Metrics{
			SubagentsByStatus: make(map[string]int64),
			ToolCalls:         make(map[string]int64),
			ToolFailures:      make(map[string]int64),
			LLMRequests:       make(map[string]int64),
			LLMTokensUsed:     make(map[string]int64),
		},
		costTracker: &CostTracker{
			perModel:   make(map[string]float64),
			ModelCosts: make(map[string]float64),
		},
	}
	if cfg.Enabled {
		t.prom = newPromCollectors()
	}
	return t
}

func newPromCollectors() *promCollectors {
	p := &promCollectors{
		sessions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "deepscout_sessions_total",
			Help: "Research sessions by outcome.",
		}, []string{"outcome"}),
		subagents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "deepscout_subagents_total",
			Help: "Subagent runs by terminal status.",
		}, []string{"status"}),
		toolCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "deepscout_tool_calls_total",
			Help: "Tool invocations by tool and outcome.",
		}, []string{"tool", "outcome"}),
		tokens: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "deepscout_llm_tokens_total",
			Help: "Cumulative LLM tokens consumed.",
		}),
		cost: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "deepscout_llm_cost_usd_total",
			Help: "Cumulative estimated LLM cost in USD.",
		}),
		duration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "deepscout_session_duration_seconds",
			Help:    "Wall-clock duration of research sessions.",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12),
		}),
	}
	for _, c := range []prometheus.Collector{p.sessions, p.subagents, p.toolCalls, p.tokens, p.cost, p.duration} {
		if err := prometheus.Register(c); err != nil {
			// Already registered (tests create several instances).
			continue
		}
	}
	return p
}

// RegisterModelCost records a model's blended $-per-1k-token price
// from its config entry.
func (t *Telemetry) RegisterModelCost(model config.LLMModel) {
	t.costTracker.mu.Lock()
	defer t.costTracker.mu.Unlock()
	t.costTracker.perModel[model.Name] = (model.CostPer1K + model.CostPer1KOutput) / 2
	if model.APIName != "" {
		t.costTracker.perModel[model.APIName] = (model.CostPer1K + model.CostPer1KOutput) / 2
	}
}

// EstimateCost returns the estimated spend for tokens on a model.
func (t *Telemetry) EstimateCost(model string, tokens int64) float64 {
	t.costTracker.mu.RLock()
	defer t.costTracker.mu.RUnlock()
	per1k, ok := t.costTracker.perModel[model]
	if !ok {
		return 0
	}
	return float64(tokens) / 1000 * per1k
}

// RecordSession aggregates one finished session.
func (t *Telemetry) RecordSession(ctx context.Context, ev SessionEvent) {
	m := t.metrics
	m.mu.Lock()
	m.TotalSessions++
	if ev.Success {
		m.SuccessfulSessions++
	} else {
		m.FailedSessions++
	}
	m.RoundsTotal += int64(ev.Rounds)
	m.SubagentsTotal += int64(ev.Subagents)
	m.SourcesTotal += int64(ev.Sources)
	m.mu.Unlock()

	t.costTracker.mu.Lock()
	t.costTracker.TotalCost += ev.Cost
	t.costTracker.TotalTokens += ev.TokensUsed
	t.costTracker.mu.Unlock()

	if t.prom != nil {
		outcome := "success"
		if !ev.Success {
			outcome = "failure"
		}
		t.prom.sessions.WithLabelValues(outcome).Inc()
		t.prom.tokens.Add(float64(ev.TokensUsed))
		t.prom.cost.Add(ev.Cost)
		t.prom.duration.Observe(ev.EndTime.Sub(ev.StartTime).Seconds())
	}
	if t.config.CostTracking {
		t.logger.Printf("session %s: %d tokens, $%.4f, %d sources", ev.ID, ev.TokensUsed, ev.Cost, ev.Sources)
	}
}

// RecordSubagent aggregates one finished subagent.
func (t *Telemetry) RecordSubagent(ctx context.Context, ev SubagentEvent) {
	m := t.metrics
	m.mu.Lock()
	m.SubagentsByStatus[ev.Status]++
	m.mu.Unlock()
	if t.prom != nil {
		t.prom.subagents.WithLabelValues(ev.Status).Inc()
	}
}

// RecordToolCall aggregates one tool invocation.
func (t *Telemetry) RecordToolCall(ctx context.Context, ev ToolEvent) {
	m := t.metrics
	m.mu.Lock()
	m.ToolCalls[ev.Tool]++
	if !ev.Success {
		m.ToolFailures[ev.Tool]++
	}
	m.mu.Unlock()
	if t.prom != nil {
		outcome := "ok"
		if !ev.Success {
			outcome = "error"
		}
		t.prom.toolCalls.WithLabelValues(ev.Tool, outcome).Inc()
	}
}

// RecordLLMUsage tracks per-model requests and spend.
func (t *Telemetry) RecordLLMUsage(ctx context.Context, model string, tokens int64) {
	m := t.metrics
	m.mu.Lock()
	m.LLMRequests[model]++
	m.LLMTokensUsed[model] += tokens
	m.mu.Unlock()

	cost := t.EstimateCost(model, tokens)
	t.costTracker.mu.Lock()
	t.costTracker.ModelCosts[model] += cost
	t.costTracker.mu.Unlock()
}

// Snapshot returns a copy of the aggregate counters.
func (t *Telemetry) Snapshot() map[string]interface{} {
	m := t.metrics
	m.mu.RLock()
	defer m.mu.RUnlock()
	t.costTracker.mu.RLock()
	defer t.costTracker.mu.RUnlock()

	byStatus := make(map[string]int64, len(m.SubagentsByStatus))
	for k, v := range m.SubagentsByStatus {
		byStatus[k] = v
	}
	tools := make(map[string]int64, len(m.ToolCalls))
	for k, v := range m.ToolCalls {
		tools[k] = v
	}
	return map[string]interface{}{
		"sessions_total":      m.TotalSessions,
		"sessions_successful": m.SuccessfulSessions,
		"sessions_failed":     m.FailedSessions,
		"rounds_total":        m.RoundsTotal,
		"subagents_total":     m.SubagentsTotal,
		"subagents_by_status": byStatus,
		"sources_total":       m.SourcesTotal,
		"tool_calls":          tools,
		"total_tokens":        t.costTracker.TotalTokens,
		"total_cost_usd":      t.costTracker.TotalCost,
	}
}
