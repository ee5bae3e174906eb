package core

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/kaptinlin/jsonrepair"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/mohammad-safakhou/deepscout/config"
	"github.com/mohammad-safakhou/deepscout/internal/agent/events"
	"github.com/mohammad-safakhou/deepscout/internal/agent/telemetry"
	"github.com/mohammad-safakhou/deepscout/internal/budget"
)

var engineTracer trace.Tracer = otel.Tracer("deepscout/internal/agent/core")

// ErrLLMUnavailable is the only failure that surfaces to the user with
// no prose output: the ChatModel could not be reached at all.
var ErrLLMUnavailable = errors.New("llm unavailable")

// Engine runs research sessions: it owns the providers, telemetry and
// the event bus, and drives one Lead per session.
type Engine struct {
	cfg       *config.Config
	chat      ChatModel
	search    SearchProvider
	fetch     FetchProvider
	telemetry *telemetry.Telemetry
	bus       *events.Bus
	logger    *log.Logger
	clock     func() time.Time
}

// NewEngine wires an engine from its collaborators. Providers are
// injected so tests can script them deterministically.
func NewEngine(cfg *config.Config, chat ChatModel, search SearchProvider, fetch FetchProvider, tele *telemetry.Telemetry, logger *log.Logger) *Engine {
	if logger == nil {
		logger = log.New(log.Writer(), "[ENGINE] ", log.LstdFlags)
	}
	return &Engine{
		cfg:       cfg,
		chat:      chat,
		search:    search,
		fetch:     fetch,
		telemetry: tele,
		bus:       events.NewBus(),
		logger:    logger,
		clock:     time.Now,
	}
}

// SetClock overrides the engine clock. Replay tests pin it.
func (e *Engine) SetClock(now func() time.Time) {
	e.clock = now
	e.bus.SetClock(now)
}

// Bus exposes the engine's event bus for subscribers.
func (e *Engine) Bus() *events.Bus { return e.bus }

// RunSession executes one research run to completion. Subagent
// failures never fail the session; the returned error is non-nil only
// for an unreachable ChatModel or a total-deadline expiry before any
// draft could be produced.
func (e *Engine) RunSession(ctx context.Context, query string) (*Session, error) {
	session := NewSession(query, e.clock())
	err := e.run(ctx, session)
	return session, err
}

// StartSession launches the run in the background and returns the
// session handle immediately; session.Done() closes at the end.
func (e *Engine) StartSession(ctx context.Context, query string) *Session {
	session := NewSession(query, e.clock())
	go func() {
		if err := e.run(ctx, session); err != nil {
			e.logger.Printf("session %s failed: %v", session.ID, err)
		}
	}()
	return session
}

func (e *Engine) run(ctx context.Context, session *Session) error {
	start := e.clock()
	defer session.markDone()

	runCtx, cancel := context.WithTimeout(ctx, e.cfg.Research.SessionDeadline)
	defer cancel()
	session.SetCancel(cancel)

	ctx2, span := engineTracer.Start(runCtx, "agent.run_session",
		trace.WithAttributes(attribute.String("session.id", session.ID)))
	defer span.End()
	runCtx = ctx2

	e.bus.Publish(session.ID, "", events.SessionStarted, map[string]interface{}{"query": session.Query})
	session.SetStatus(SessionRunning)

	qt, rationale := e.classify(runCtx, session.Query)
	session.SetQueryType(qt)
	e.bus.Publish(session.ID, "", events.QueryClassified, map[string]interface{}{
		"query_type": string(qt),
		"rationale":  rationale,
	})

	dispatcher := NewDispatcher(e.cfg.Research.MaxConcurrent, e.cfg.Research.SubagentDeadline)
	dispatch := func(dctx context.Context, tasks []TaskSpec) []SubagentResult {
		results := dispatcher.Dispatch(dctx, session, tasks, func(task TaskSpec) *Runner {
			return e.newRunner(session, task)
		})
		for _, res := range results {
			session.AddUsage(res.TokensUsed, e.costOf(e.cfg.LLM.Routing.Subagent, res.TokensUsed))
			e.recordSubagent(runCtx, res)
		}
		return results
	}

	lead := NewLead(LeadConfig{
		Model:                    e.cfg.LLM.Routing.Lead,
		Temperature:              0.5,
		MaxTokens:                8000,
		MaxRounds:                e.cfg.Research.MaxRounds,
		MaxSubagents:             e.cfg.Research.MaxSubagents,
		MaxLeadToolCallsPerRound: e.cfg.Research.MaxLeadToolCallsPerRound,
		LLMTimeout:               e.cfg.Research.LeadLLMTimeout,
	}, e.chat, e.search, session, e.bus, log.New(log.Writer(), "[LEAD] ", log.LstdFlags), e.clock, dispatch)

	draft, err := lead.Run(runCtx)
	if err != nil {
		return e.failSession(session, span, err)
	}
	session.SetDraft(draft)

	citer := NewCitationProcessor(e.chat, e.cfg.LLM.Routing.Citation, e.cfg.Research.CitationStyle, e.bus, log.New(log.Writer(), "[CITATION] ", log.LstdFlags), e.clock)
	cited, degraded := citer.Process(runCtx, session.ID, draft, session.Sources().List())
	session.SetCitedOutput(cited)
	if degraded {
		e.logger.Printf("[ENGINE] session %s shipped with degraded citations", session.ID)
	}

	session.SetStatus(SessionCompleted)
	tokens, cost := session.Usage()
	if e.telemetry != nil {
		e.telemetry.RecordSession(runCtx, telemetry.SessionEvent{
			ID:         session.ID,
			Query:      session.Query,
			StartTime:  start,
			EndTime:    e.clock(),
			Success:    true,
			Rounds:     len(session.Rounds()),
			Subagents:  len(session.TranscriptIDs()),
			Sources:    session.Sources().Len(),
			TokensUsed: tokens,
			Cost:       cost,
		})
	}
	span.SetAttributes(
		attribute.Int("run.rounds", len(session.Rounds())),
		attribute.Int("run.sources", session.Sources().Len()),
		attribute.Int64("run.tokens", tokens),
	)
	span.SetStatus(codes.Ok, "completed")
	e.logger.Printf("session %s completed in %v (%d rounds, %d sources)",
		session.ID, e.clock().Sub(start), len(session.Rounds()), session.Sources().Len())
	return nil
}

// failSession maps a lead failure onto the session's terminal state.
// Cancellation and deadline expiry preserve whatever was gathered.
func (e *Engine) failSession(session *Session, span trace.Span, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	e.bus.Publish(session.ID, "", events.Error, map[string]interface{}{"error": err.Error()})

	switch {
	case errors.Is(err, context.Canceled):
		session.SetStatus(SessionCancelled)
		session.SetError("cancelled")
		return nil
	case errors.Is(err, context.DeadlineExceeded):
		session.SetStatus(SessionFailed)
		session.SetError("session deadline exceeded before a draft was produced")
		return fmt.Errorf("session deadline exceeded: %w", err)
	default:
		session.SetStatus(SessionFailed)
		session.SetError(err.Error())
		return fmt.Errorf("%w: %v", ErrLLMUnavailable, err)
	}
}

func (e *Engine) newRunner(session *Session, task TaskSpec) *Runner {
	r := e.cfg.Research
	deadline := e.clock().Add(r.SubagentDeadline)
	cfg := RunnerConfig{
		Model:        e.cfg.LLM.Routing.Subagent,
		Temperature:  0.3,
		MaxTokens:    4000,
		ToolDeadline: r.ToolDeadline,
		MaxResults:   e.cfg.Search.MaxResults,
		Budget: budget.Config{
			ToolCallBudget: r.BudgetForHint(task.BudgetHint),
			SourceCap:      r.SourceCapPerSubagent,
			TokenBudget:    r.TokenBudgetPerSubagent,
			Deadline:       deadline,
		},
	}
	return NewRunner(session.ID, task, cfg, e.chat, e.search, e.fetch, session.Sources(), e.bus, log.New(log.Writer(), "[RUNNER] ", log.LstdFlags), e.clock)
}

func (e *Engine) recordSubagent(ctx context.Context, res SubagentResult) {
	if e.telemetry == nil {
		return
	}
	e.telemetry.RecordSubagent(ctx, telemetry.SubagentEvent{
		ID:         res.ID,
		Status:     string(res.Status),
		ToolCalls:  res.ToolCallsMade,
		Sources:    len(res.Sources),
		TokensUsed: res.TokensUsed,
		Duration:   time.Duration(res.DurationMS) * time.Millisecond,
	})
}

func (e *Engine) costOf(model string, tokens int64) float64 {
	if e.telemetry == nil {
		return 0
	}
	return e.telemetry.EstimateCost(model, tokens)
}

// classify labels the query with an advisory type. Classification
// failures fall back to straightforward: the label changes defaults,
// never correctness.
func (e *Engine) classify(ctx context.Context, query string) (QueryType, string) {
	req := CompletionRequest{
		Model: e.cfg.LLM.Routing.Classification,
		Messages: []ChatMessage{
			{Role: "user", Content: classificationPrompt(query)},
		},
		Temperature: 0.0,
		MaxTokens:   300,
	}
	comp, err := e.chat.StreamCompletion(ctx, req, nil)
	if err != nil {
		e.logger.Printf("classification failed, defaulting to straightforward: %v", err)
		return Straightforward, "classification unavailable"
	}

	var parsed struct {
		QueryType string `json:"query_type"`
		Rationale string `json:"rationale"`
	}
	raw := extractFirstJSON(comp.Content)
	if raw == "" {
		raw = comp.Content
	}
	if err := json.Unmarshal([]byte(raw), &parsed); err != nil {
		if repaired, rerr := jsonrepair.JSONRepair(raw); rerr == nil {
			_ = json.Unmarshal([]byte(repaired), &parsed)
		}
	}
	switch QueryType(strings.TrimSpace(parsed.QueryType)) {
	case DepthFirst:
		return DepthFirst, parsed.Rationale
	case BreadthFirst:
		return BreadthFirst, parsed.Rationale
	case Straightforward:
		return Straightforward, parsed.Rationale
	}
	return Straightforward, "unrecognized classification, defaulting"
}

// extractFirstJSON returns the first balanced JSON object in s.
func extractFirstJSON(s string) string {
	start := -1
	depth := 0
	for i, ch := range s {
		if ch == '{' {
			if depth == 0 {
				start = i
			}
			depth++
		} else if ch == '}' {
			if depth > 0 {
				depth--
			}
			if depth == 0 && start != -1 {
				return s[start : i+1]
			}
		}
	}
	return ""
}
