package core

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/mohammad-safakhou/deepscout/internal/agent/events"
	"github.com/mohammad-safakhou/deepscout/internal/agent/tool"
)

// LeadConfig carries the lead controller's knobs.
type LeadConfig struct {
	Model                    string
	Temperature              float64
	MaxTokens                int
	MaxRounds                int
	MaxSubagents             int
	MaxLeadToolCallsPerRound int
	LLMTimeout               time.Duration
}

// Lead owns the outer research loop: plan, dispatch, reflect, and
// finally synthesize a draft. The lead is single-threaded within a
// run; one LLM call is outstanding at a time.
type Lead struct {
	cfg      LeadConfig
	chat     ChatModel
	search   SearchProvider
	session  *Session
	bus      *events.Bus
	logger   *log.Logger
	clock    func() time.Time
	dispatch func(ctx context.Context, tasks []TaskSpec) []SubagentResult

	registry     *tool.Registry
	pendingRound *Round
	strayCalls   int
}

// NewLead builds the lead controller. dispatch executes one
// run_subagents call and blocks until every subagent finishes.
func NewLead(cfg LeadConfig, chat ChatModel, search SearchProvider, session *Session, bus *events.Bus, logger *log.Logger, clock func() time.Time, dispatch func(ctx context.Context, tasks []TaskSpec) []SubagentResult) *Lead {
	l := &Lead{
		cfg:      cfg,
		chat:     chat,
		search:   search,
		session:  session,
		bus:      bus,
		logger:   logger,
		clock:    clock,
		dispatch: dispatch,
	}
	l.registry = l.buildRegistry()
	return l
}

func (l *Lead) buildRegistry() *tool.Registry {
	reg := tool.NewRegistry()
	reg.Register(tool.Tool{
		Name:        tool.RunSubagents,
		Description: "Deploy research subagents in parallel, one per task prompt. Blocks until all finish and returns their findings.",
		Schema:      tool.GenerateSchema[tool.RunSubagentsArgs](),
		AllowLead:   true,
		Handler: func(ctx context.Context, caller tool.Caller, args json.RawMessage) (interface{}, error) {
			// Dispatch is handled structurally in the lead loop; the
			// handler exists so the schema is advertised.
			return nil, nil
		},
	})
	reg.Register(tool.Tool{
		Name:        tool.WebSearch,
		Description: "Direct web search for quick lookups. Substantial research belongs to subagents.",
		Schema:      tool.GenerateSchema[tool.WebSearchArgs](),
		AllowLead:   true,
		Handler:     l.handleWebSearch,
	})
	reg.Register(tool.Tool{
		Name:        tool.CompleteTask,
		Description: "Submit the final research report and end the run.",
		Schema:      tool.GenerateSchema[tool.CompleteTaskArgs](),
		AllowLead:   true,
		Handler: func(ctx context.Context, caller tool.Caller, args json.RawMessage) (interface{}, error) {
			return "report submitted", nil
		},
	})
	return reg
}

// Run drives the outer loop until a draft exists or a stop condition
// trips. The returned draft is uncited prose.
func (l *Lead) Run(ctx context.Context) (string, error) {
	messages := []ChatMessage{
		{Role: "system", Content: leadSystemPrompt(l.clock(), l.session.QueryType(), l.cfg.MaxSubagents)},
		{Role: "user", Content: leadUserPrompt(l.session.Query)},
	}

	rounds := 0
	nudged := false
	for {
		if err := ctx.Err(); err != nil {
			l.flushRound("")
			return "", err
		}

		comp, err := l.complete(ctx, messages, true)
		if err != nil {
			l.flushRound("")
			return "", fmt.Errorf("lead llm call failed: %w", err)
		}
		messages = append(messages, ChatMessage{Role: "assistant", Content: comp.Content, ToolCalls: comp.ToolCalls})

		if report, ok := l.extractCompletion(comp.ToolCalls); ok {
			l.flushRound(ReflectionSynthesize)
			l.publishSynthesis(report)
			return report, nil
		}

		if args, call, ok := l.extractRunSubagents(comp.ToolCalls); ok {
			if len(args.Tasks) > l.cfg.MaxSubagents {
				terr := tool.NewError(tool.ErrBadArgs, "run_subagents accepts at most %d tasks, got %d", l.cfg.MaxSubagents, len(args.Tasks))
				messages = l.appendToolResult(messages, call, terr)
				continue
			}
			l.flushRound(ReflectionContinue)

			tasks := parseTaskSpecs(args.Tasks)
			plan := Plan{QueryType: l.session.QueryType(), Rationale: strings.TrimSpace(comp.Content), Tasks: tasks}
			l.publish(events.PlanCreated, map[string]interface{}{"round": rounds, "tasks": len(tasks)})

			results := l.dispatch(ctx, tasks)
			rounds++
			l.pendingRound = &Round{Index: rounds - 1, Plan: plan, Results: results}
			l.strayCalls = 0

			summary := roundResultsMessage(rounds, results, l.session.Sources().List())
			messages = append(messages, ChatMessage{Role: "tool", Content: summary, ToolCallID: call.ID, Name: call.Name})
			l.publish(events.RoundComplete, map[string]interface{}{"round": rounds - 1, "results": len(results)})

			if rounds >= l.cfg.MaxRounds {
				return l.forceSynthesis(ctx, messages)
			}
			continue
		}

		if len(comp.ToolCalls) > 0 {
			// A stray tool call (e.g. a direct web_search): execute it
			// and re-ask, bounded per round.
			messages = l.handleStrayCalls(ctx, messages, comp.ToolCalls)
			continue
		}

		// Plain text with no tool call. Nudge once toward
		// complete_task, then accept the text as the draft.
		if !nudged && strings.TrimSpace(comp.Content) == "" {
			nudged = true
			messages = append(messages, ChatMessage{Role: "user", Content: "Continue: either call run_subagents with research tasks or submit the final report with complete_task."})
			continue
		}
		if !nudged {
			nudged = true
			messages = append(messages, ChatMessage{Role: "user", Content: "Submit the final report by calling complete_task with the report argument."})
			continue
		}
		l.flushRound(ReflectionSynthesize)
		l.publishSynthesis(comp.Content)
		return comp.Content, nil
	}
}

// forceSynthesis issues the final "synthesize now" turn with tools
// disabled after the round cap is hit.
func (l *Lead) forceSynthesis(ctx context.Context, messages []ChatMessage) (string, error) {
	messages = append(messages, ChatMessage{Role: "user", Content: synthesizeNowPrompt})
	comp, err := l.complete(ctx, messages, false)
	if err != nil {
		l.flushRound("")
		return "", fmt.Errorf("forced synthesis failed: %w", err)
	}
	l.flushRound(ReflectionSynthesize)
	l.publishSynthesis(comp.Content)
	return comp.Content, nil
}

func (l *Lead) handleStrayCalls(ctx context.Context, messages []ChatMessage, calls []ToolCall) []ChatMessage {
	for _, tc := range calls {
		l.strayCalls++
		if l.strayCalls > l.cfg.MaxLeadToolCallsPerRound {
			terr := tool.NewError(tool.ErrForbidden, "direct tool budget for this round is spent; use run_subagents or complete_task")
			messages = l.appendToolResult(messages, tc, terr)
			continue
		}
		l.publish(events.ToolCallStarted, map[string]interface{}{"tool": tc.Name, "caller": "lead"})
		result, terr := l.registry.Invoke(ctx, tool.CallerLead, nil, tc.Name, tc.Arguments)
		l.publish(events.ToolCallFinished, map[string]interface{}{"tool": tc.Name, "caller": "lead", "ok": terr == nil})
		if terr != nil {
			messages = l.appendToolResult(messages, tc, terr)
			continue
		}
		messages = append(messages, ChatMessage{Role: "tool", Content: fmt.Sprint(result), ToolCallID: tc.ID, Name: tc.Name})
	}
	return messages
}

func (l *Lead) appendToolResult(messages []ChatMessage, tc ToolCall, terr *tool.ToolError) []ChatMessage {
	b, _ := json.Marshal(terr)
	return append(messages, ChatMessage{Role: "tool", Content: string(b), ToolCallID: tc.ID, Name: tc.Name})
}

func (l *Lead) complete(ctx context.Context, messages []ChatMessage, withTools bool) (Completion, error) {
	callCtx := ctx
	if l.cfg.LLMTimeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, l.cfg.LLMTimeout)
		defer cancel()
	}
	req := CompletionRequest{
		Model:       l.cfg.Model,
		Messages:    messages,
		Temperature: l.cfg.Temperature,
		MaxTokens:   l.cfg.MaxTokens,
	}
	if withTools {
		req.Tools = l.registry.SchemasFor(tool.CallerLead)
	}
	comp, err := l.chat.StreamCompletion(callCtx, req, func(delta string) {
		l.publish(events.TokenDelta, map[string]interface{}{"delta": delta, "agent": "lead"})
	})
	if err == nil {
		l.session.AddUsage(comp.Usage.Total(), 0)
	}
	return comp, err
}

func (l *Lead) extractCompletion(calls []ToolCall) (string, bool) {
	for _, tc := range calls {
		if tc.Name != tool.CompleteTask {
			continue
		}
		var a tool.CompleteTaskArgs
		if err := json.Unmarshal(tc.Arguments, &a); err != nil {
			continue
		}
		return a.Report, true
	}
	return "", false
}

func (l *Lead) extractRunSubagents(calls []ToolCall) (tool.RunSubagentsArgs, ToolCall, bool) {
	for _, tc := range calls {
		if tc.Name != tool.RunSubagents {
			continue
		}
		var a tool.RunSubagentsArgs
		if err := json.Unmarshal(tc.Arguments, &a); err != nil {
			continue
		}
		if len(a.Tasks) == 0 {
			continue
		}
		return a, tc, true
	}
	return tool.RunSubagentsArgs{}, ToolCall{}, false
}

// flushRound records the buffered round with its reflection once the
// next decision is known. Plans replace each other; gathered sources
// and findings persist in the session.
func (l *Lead) flushRound(reflection string) {
	if l.pendingRound == nil {
		return
	}
	l.pendingRound.Reflection = reflection
	l.session.AppendRound(*l.pendingRound)
	l.pendingRound = nil
}

func (l *Lead) publishSynthesis(draft string) {
	l.publish(events.SynthesisStarted, nil)
	l.publish(events.SynthesisComplete, map[string]interface{}{"chars": len(draft)})
}

// handleWebSearch is the lead's rare direct search; hits still join
// the session source table with lead attribution.
func (l *Lead) handleWebSearch(ctx context.Context, _ tool.Caller, raw json.RawMessage) (interface{}, error) {
	var a tool.WebSearchArgs
	if err := json.Unmarshal(raw, &a); err != nil {
		return nil, tool.NewError(tool.ErrBadArgs, "web_search arguments: %v", err)
	}
	max := a.MaxResults
	if max <= 0 || max > 10 {
		max = 5
	}
	hits, err := l.search.Search(ctx, a.Query, max)
	if err != nil {
		return nil, err
	}
	if len(hits) == 0 {
		return "No results found.", nil
	}
	var b strings.Builder
	for _, h := range hits {
		l.session.Sources().Add(h.URL, h.Title, h.Snippet, "lead", l.clock())
		fmt.Fprintf(&b, "Title: %s\nURL: %s\nSnippet: %s\n---\n", h.Title, h.URL, h.Snippet)
	}
	return b.String(), nil
}

func (l *Lead) publish(kind events.Kind, payload map[string]interface{}) {
	if l.bus != nil {
		l.bus.Publish(l.session.ID, "", kind, payload)
	}
}

// parseTaskSpecs turns run_subagents task strings into TaskSpecs,
// stripping a trailing budget hint such as "[budget: light]".
func parseTaskSpecs(tasks []string) []TaskSpec {
	out := make([]TaskSpec, 0, len(tasks))
	for _, raw := range tasks {
		spec := TaskSpec{Prompt: strings.TrimSpace(raw)}
		for _, hint := range []string{"light", "medium", "heavy"} {
			marker := "[budget: " + hint + "]"
			if strings.HasSuffix(spec.Prompt, marker) {
				spec.BudgetHint = hint
				spec.Prompt = strings.TrimSpace(strings.TrimSuffix(spec.Prompt, marker))
				break
			}
		}
		out = append(out, spec)
	}
	return out
}
