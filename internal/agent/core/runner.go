package core

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/mohammad-safakhou/deepscout/internal/agent/events"
	"github.com/mohammad-safakhou/deepscout/internal/agent/tool"
	"github.com/mohammad-safakhou/deepscout/internal/budget"
)

// RunnerConfig carries the per-subagent knobs the engine resolves from
// configuration and the task's budget hint.
type RunnerConfig struct {
	Model        string
	Temperature  float64
	MaxTokens    int
	ToolDeadline time.Duration
	MaxResults   int
	Budget       budget.Config
}

// Runner executes one autonomous research task: an OODA loop of
// observe, orient, decide, act, terminated by completion, budget
// exhaustion, deadline, or cancellation.
type Runner struct {
	id         string
	sessionID  string
	task       TaskSpec
	cfg        RunnerConfig
	chat       ChatModel
	search     SearchProvider
	fetch      FetchProvider
	sources    *SourceTable
	tracker    *budget.Tracker
	transcript *Transcript
	registry   *tool.Registry
	bus        *events.Bus
	logger     *log.Logger
	clock      func() time.Time

	mu             sync.Mutex
	seenQueries    map[string]bool
	searchCalls    int
	noSearchNeeded bool
	contributed    []string
	contributedSet map[string]bool
}

// NewRunner builds a runner for one task. The transcript is attached
// to the session by the caller; runners never see each other's state
// beyond the shared source table.
func NewRunner(sessionID string, task TaskSpec, cfg RunnerConfig, chat ChatModel, search SearchProvider, fetch FetchProvider, sources *SourceTable, bus *events.Bus, logger *log.Logger, clock func() time.Time) *Runner {
	r := &Runner{
		id:             "subagent-" + uuid.NewString()[:8],
		sessionID:      sessionID,
		task:           task,
		cfg:            cfg,
		chat:           chat,
		search:         search,
		fetch:          fetch,
		sources:        sources,
		tracker:        budget.NewTracker(cfg.Budget),
		transcript:     NewTranscript(),
		bus:            bus,
		logger:         logger,
		clock:          clock,
		seenQueries:    make(map[string]bool),
		contributedSet: make(map[string]bool),
	}
	r.registry = r.buildRegistry()
	return r
}

// ID returns the runner's subagent id.
func (r *Runner) ID() string { return r.id }

// Transcript returns the runner's append-only transcript.
func (r *Runner) Transcript() *Transcript { return r.transcript }

// buildRegistry registers the subagent-visible tools with handlers
// bound to this runner's state.
func (r *Runner) buildRegistry() *tool.Registry {
	reg := tool.NewRegistry()
	reg.Register(tool.Tool{
		Name:        tool.WebSearch,
		Description: "Search the web. Returns ranked results with title, URL and snippet.",
		Schema:      tool.GenerateSchema[tool.WebSearchArgs](),
		AllowSub:    true,
		Handler:     r.handleWebSearch,
	})
	reg.Register(tool.Tool{
		Name:        tool.WebFetch,
		Description: "Fetch a web page and return its extracted text content.",
		Schema:      tool.GenerateSchema[tool.WebFetchArgs](),
		AllowSub:    true,
		Handler:     r.handleWebFetch,
	})
	reg.Register(tool.Tool{
		Name:        tool.CompleteTask,
		Description: "Submit the final findings report and finish this task.",
		Schema:      tool.GenerateSchema[tool.CompleteTaskArgs](),
		AllowSub:    true,
		Handler: func(ctx context.Context, caller tool.Caller, args json.RawMessage) (interface{}, error) {
			return "report submitted", nil
		},
	})
	return reg
}

// Run drives the OODA loop to a terminal SubagentResult. It never
// returns an error: every failure mode maps onto a terminal status.
func (r *Runner) Run(ctx context.Context) SubagentResult {
	start := r.clock()
	r.publish(events.SubagentSpawned, map[string]interface{}{"task": r.task.Prompt})

	r.transcript.Append(TranscriptEntry{Role: "system", Content: subagentSystemPrompt(r.clock()), At: r.clock()})
	r.transcript.Append(TranscriptEntry{Role: "user", Content: r.task.Prompt, At: r.clock()})

	status, report := r.loop(ctx)

	r.transcript.Close()
	calls, _, tokens := r.tracker.Usage()
	result := SubagentResult{
		ID:            r.id,
		Task:          r.task.Prompt,
		Status:        status,
		FindingsText:  report,
		Sources:       r.contributedSources(),
		ToolCallsMade: calls,
		TokensUsed:    tokens,
		DurationMS:    r.clock().Sub(start).Milliseconds(),
	}
	r.publish(events.SubagentFinished, map[string]interface{}{
		"status":     string(status),
		"tool_calls": calls,
		"sources":    len(result.Sources),
	})
	return result
}

func (r *Runner) loop(ctx context.Context) (SubagentStatus, string) {
	var (
		directiveSent   bool
		exhaustedStatus = StatusBudgetExhausted
		finalizeRetries int
		textOnlyNudged  bool
		firstTurn       = true
		accumulatedText strings.Builder
	)

	for {
		if err := ctx.Err(); err != nil {
			return r.cancelStatus(ctx), r.fabricateReport(&accumulatedText)
		}

		exhausted := r.tracker.Exhausted()
		if err := r.tracker.CheckDeadline(); err != nil {
			exhausted = true
			exhaustedStatus = StatusTimeout
		}
		if exhausted && !directiveSent {
			r.transcript.Append(TranscriptEntry{Role: "user", Content: budgetExhaustedDirective, At: r.clock()})
			directiveSent = true
		}

		comp, err := r.complete(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return r.cancelStatus(ctx), r.fabricateReport(&accumulatedText)
			}
			r.logger.Printf("[RUNNER %s] llm call failed: %v", r.id, err)
			return StatusError, r.fabricateReport(&accumulatedText)
		}
		r.tracker.AddTokens(comp.Usage.Total())

		r.transcript.Append(TranscriptEntry{Role: "assistant", Content: comp.Content, ToolCalls: comp.ToolCalls, At: r.clock()})
		if comp.Content != "" {
			accumulatedText.WriteString(comp.Content)
			accumulatedText.WriteString("\n")
		}
		if firstTurn {
			firstTurn = false
			if strings.HasPrefix(strings.TrimSpace(comp.Content), "[no-search-needed]") {
				r.mu.Lock()
				r.noSearchNeeded = true
				r.mu.Unlock()
			}
		}

		// A complete_task anywhere in the turn terminates the loop,
		// subject to the minimum-effort floor.
		if report, call, ok := r.extractCompletion(comp.ToolCalls); ok {
			if !r.minimumEffortMet() {
				r.appendToolResult(call, minimumEffortDirective)
				continue
			}
			if directiveSent {
				return exhaustedStatus, report
			}
			return StatusOK, report
		}

		if len(comp.ToolCalls) > 0 {
			if directiveSent {
				// The model ignored the finalize directive: one retry,
				// then fabricate a terminal result from findings.
				finalizeRetries++
				if finalizeRetries >= 2 {
					return exhaustedStatus, r.fabricateReport(&accumulatedText)
				}
				for _, tc := range comp.ToolCalls {
					r.appendToolResult(tc, budgetExhaustedDirective)
				}
				continue
			}
			r.dispatchToolCalls(ctx, comp.ToolCalls)
			continue
		}

		// Plain text with no tool calls.
		if directiveSent {
			return exhaustedStatus, r.fabricateReport(&accumulatedText)
		}
		if !textOnlyNudged {
			textOnlyNudged = true
			r.transcript.Append(TranscriptEntry{Role: "user", Content: "Submit your findings by calling complete_task with the report argument.", At: r.clock()})
			continue
		}
		if r.minimumEffortMet() {
			return StatusOK, comp.Content
		}
		return StatusError, r.fabricateReport(&accumulatedText)
	}
}

func (r *Runner) complete(ctx context.Context) (Completion, error) {
	summarize := r.tracker.NearTokenLimit()
	req := CompletionRequest{
		Model:       r.cfg.Model,
		Messages:    r.transcript.Window(summarize),
		Tools:       r.registry.SchemasFor(tool.CallerSubagent),
		Temperature: r.cfg.Temperature,
		MaxTokens:   r.cfg.MaxTokens,
	}
	return r.chat.StreamCompletion(ctx, req, func(delta string) {
		r.publish(events.TokenDelta, map[string]interface{}{"delta": delta})
	})
}

// dispatchToolCalls executes a turn's tool calls concurrently when the
// model emitted several, appending results in call order.
func (r *Runner) dispatchToolCalls(ctx context.Context, calls []ToolCall) {
	results := make([]string, len(calls))
	g, gctx := errgroup.WithContext(ctx)
	for i, tc := range calls {
		i, tc := i, tc
		g.Go(func() error {
			results[i] = r.invokeOne(gctx, tc)
			return nil
		})
	}
	_ = g.Wait()
	for i, tc := range calls {
		r.appendToolResult(tc, results[i])
	}
}

// invokeOne routes one tool call through the invoker. The
// duplicate-query guard runs inside the web_search handler, which
// refunds the call the invoker reserved.
func (r *Runner) invokeOne(ctx context.Context, tc ToolCall) string {
	started := r.clock()
	r.publish(events.ToolCallStarted, map[string]interface{}{"tool": tc.Name})

	callCtx := ctx
	if r.cfg.ToolDeadline > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, r.cfg.ToolDeadline)
		defer cancel()
	}

	result, terr := r.registry.Invoke(callCtx, tool.CallerSubagent, r.tracker, tc.Name, tc.Arguments)

	var content string
	if terr != nil {
		b, _ := json.Marshal(terr)
		content = string(b)
	} else {
		content = fmt.Sprint(result)
	}
	r.publish(events.ToolCallFinished, map[string]interface{}{
		"tool":        tc.Name,
		"ok":          terr == nil,
		"duration_ms": r.clock().Sub(started).Milliseconds(),
	})
	return content
}

func (r *Runner) appendToolResult(tc ToolCall, content string) {
	r.transcript.Append(TranscriptEntry{
		Role:       "tool",
		Content:    content,
		ToolCallID: tc.ID,
		Name:       tc.Name,
		At:         r.clock(),
	})
}

func (r *Runner) extractCompletion(calls []ToolCall) (string, ToolCall, bool) {
	for _, tc := range calls {
		if tc.Name != tool.CompleteTask {
			continue
		}
		var a tool.CompleteTaskArgs
		if err := json.Unmarshal(tc.Arguments, &a); err != nil {
			continue
		}
		return a.Report, tc, true
	}
	return "", ToolCall{}, false
}

func (r *Runner) minimumEffortMet() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.searchCalls > 0 || r.noSearchNeeded
}

func (r *Runner) cancelStatus(ctx context.Context) SubagentStatus {
	if ctx.Err() == context.DeadlineExceeded {
		return StatusTimeout
	}
	return StatusCancelled
}

// fabricateReport builds a terminal result from whatever the model
// produced when it never submitted one itself.
func (r *Runner) fabricateReport(acc *strings.Builder) string {
	text := strings.TrimSpace(acc.String())
	if text != "" {
		return text
	}
	if urls := r.contributedSources(); len(urls) > 0 {
		return "No findings report was produced. Sources located: " + strings.Join(urls, ", ")
	}
	return "No findings."
}

func (r *Runner) contributedSources() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.contributed))
	copy(out, r.contributed)
	return out
}

func (r *Runner) recordContribution(normURL string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.contributedSet[normURL] {
		r.contributedSet[normURL] = true
		r.contributed = append(r.contributed, normURL)
	}
}

// handleWebSearch runs a search, dedup-joins hits into the session's
// source table and formats results for the model. Identical repeat
// queries are rejected with a synthetic result and cost no budget.
func (r *Runner) handleWebSearch(ctx context.Context, _ tool.Caller, raw json.RawMessage) (interface{}, error) {
	var a tool.WebSearchArgs
	if err := json.Unmarshal(raw, &a); err != nil {
		return nil, tool.NewError(tool.ErrBadArgs, "web_search arguments: %v", err)
	}
	normQuery := strings.ToLower(strings.Join(strings.Fields(a.Query), " "))

	r.mu.Lock()
	if r.seenQueries[normQuery] {
		r.mu.Unlock()
		r.tracker.RefundToolCall()
		return duplicateQueryResult, nil
	}
	r.seenQueries[normQuery] = true
	r.searchCalls++
	r.mu.Unlock()

	max := a.MaxResults
	if max <= 0 || max > 10 {
		max = r.cfg.MaxResults
	}
	hits, err := r.search.Search(ctx, a.Query, max)
	if err != nil {
		return nil, err
	}
	if len(hits) == 0 {
		// Budget stays consumed; the model may pivot.
		r.publish(events.ToolCallFinished, map[string]interface{}{"tool": tool.WebSearch, "empty": true})
		return "No results found. Consider rephrasing the query.", nil
	}

	var b strings.Builder
	for _, h := range hits {
		src, added := r.sources.Add(h.URL, h.Title, h.Snippet, r.id, r.clock())
		if src.URL != "" {
			if added {
				if err := r.tracker.ReserveSource(); err != nil {
					break
				}
			}
			r.recordContribution(src.URL)
		}
		fmt.Fprintf(&b, "Title: %s\nURL: %s\nSnippet: %s\n---\n", h.Title, h.URL, h.Snippet)
	}
	return b.String(), nil
}

// handleWebFetch fetches a page, records it as a source and returns
// the extracted text.
func (r *Runner) handleWebFetch(ctx context.Context, _ tool.Caller, raw json.RawMessage) (interface{}, error) {
	var a tool.WebFetchArgs
	if err := json.Unmarshal(raw, &a); err != nil {
		return nil, tool.NewError(tool.ErrBadArgs, "web_fetch arguments: %v", err)
	}
	page, err := r.fetch.Fetch(ctx, a.URL)
	if err != nil {
		return nil, err
	}
	if src, added := r.sources.Add(page.URL, page.Title, "", r.id, r.clock()); src.URL != "" {
		if added {
			if err := r.tracker.ReserveSource(); err != nil {
				return nil, tool.NewError(tool.ErrBudget, "%v", err)
			}
		}
		r.recordContribution(src.URL)
	}
	return fmt.Sprintf("Title: %s\n\nContent:\n%s", page.Title, page.Text), nil
}

func (r *Runner) publish(kind events.Kind, payload map[string]interface{}) {
	if r.bus != nil {
		r.bus.Publish(r.sessionID, r.id, kind, payload)
	}
}
