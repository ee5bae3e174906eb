package core

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mohammad-safakhou/deepscout/config"
)

// fakeChat routes completion requests to scripted handlers by
// inspecting the system prompt, so lead, subagents, classification and
// citation can run concurrently against one deterministic model.
type fakeChat struct {
	mu sync.Mutex

	classifyAs string

	leadTurns []Completion
	leadIdx   int

	// subagentScript returns the completion for a given task prompt
	// and turn index (0-based assistant turn within that subagent).
	subagentScript func(task string, turn int) Completion
	subTurns       map[string]int

	// citation transforms the draft into the cited block; defaults to
	// echoing the draft unchanged inside the tags.
	citation func(draft string) string

	err    error  // when set, every call fails
	errFor string // subagent tasks containing this substring fail

	// subDelay simulates model latency for subagent calls so tests can
	// observe concurrency; active/maxActive track the semaphore bound.
	subDelay  time.Duration
	active    int32
	maxActive int32
}

func newFakeChat() *fakeChat {
	return &fakeChat{classifyAs: "straightforward", subTurns: make(map[string]int)}
}

func (f *fakeChat) StreamCompletion(ctx context.Context, req CompletionRequest, onDelta func(string)) (Completion, error) {
	if err := ctx.Err(); err != nil {
		return Completion{}, err
	}
	if f.subDelay > 0 && len(req.Messages) > 0 && strings.HasPrefix(req.Messages[0].Content, "You are a research subagent") {
		n := atomic.AddInt32(&f.active, 1)
		for {
			m := atomic.LoadInt32(&f.maxActive)
			if n <= m || atomic.CompareAndSwapInt32(&f.maxActive, m, n) {
				break
			}
		}
		time.Sleep(f.subDelay)
		defer atomic.AddInt32(&f.active, -1)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return Completion{}, f.err
	}

	system := ""
	firstUser := ""
	lastUser := ""
	for _, m := range req.Messages {
		switch m.Role {
		case "system":
			if system == "" {
				system = m.Content
			}
		case "user":
			if firstUser == "" {
				firstUser = m.Content
			}
			lastUser = m.Content
		}
	}

	switch {
	case strings.Contains(firstUser, "You are classifying a research query"):
		return textCompletion(fmt.Sprintf(`{"query_type": %q, "rationale": "scripted"}`, f.classifyAs)), nil

	case strings.HasPrefix(system, "You are an expert research lead"):
		if f.leadIdx >= len(f.leadTurns) {
			return textCompletion("no more scripted lead turns"), nil
		}
		comp := f.leadTurns[f.leadIdx]
		f.leadIdx++
		if onDelta != nil && comp.Content != "" {
			onDelta(comp.Content)
		}
		return comp, nil

	case strings.HasPrefix(system, "You are a research subagent"):
		task := firstUser
		if f.errFor != "" && strings.Contains(task, f.errFor) {
			return Completion{}, fmt.Errorf("scripted failure for task %q", task)
		}
		turn := f.subTurns[task]
		f.subTurns[task] = turn + 1
		comp := f.subagentScript(task, turn)
		if onDelta != nil && comp.Content != "" {
			onDelta(comp.Content)
		}
		return comp, nil

	case strings.HasPrefix(system, "You add citations"):
		draft := extractTagged(lastUser, "synthesized_text")
		cited := draft
		if f.citation != nil {
			cited = f.citation(draft)
		}
		return textCompletion("<exact_text_with_citation>\n" + cited + "\n</exact_text_with_citation>"), nil
	}
	return textCompletion("unscripted request"), nil
}

func extractTagged(s, tag string) string {
	opening, closing := "<"+tag+">", "</"+tag+">"
	i := strings.Index(s, opening)
	j := strings.Index(s, closing)
	if i < 0 || j < 0 || j <= i {
		return ""
	}
	return strings.Trim(s[i+len(opening):j], "\n")
}

func textCompletion(s string) Completion {
	return Completion{Content: s, FinishReason: "stop", Usage: TokenUsage{PromptTokens: 10, CompletionTokens: 10}}
}

func toolCompletion(calls ...ToolCall) Completion {
	return Completion{ToolCalls: calls, FinishReason: "tool_calls", Usage: TokenUsage{PromptTokens: 10, CompletionTokens: 5}}
}

func call(name string, args map[string]interface{}) ToolCall {
	b, _ := json.Marshal(args)
	return ToolCall{ID: "call-" + name, Name: name, Arguments: b}
}

// fakeSearch returns scripted hits; by default one example.com hit per query.
type fakeSearch struct {
	mu    sync.Mutex
	hits  map[string][]SearchHit // query -> hits; nil falls back to default
	calls []string
	err   error
}

func (f *fakeSearch) Search(ctx context.Context, query string, maxResults int) ([]SearchHit, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, query)
	if f.err != nil {
		return nil, f.err
	}
	if f.hits != nil {
		return f.hits[query], nil
	}
	slug := strings.ReplaceAll(strings.ToLower(query), " ", "-")
	return []SearchHit{{
		URL:     "https://example.com/" + slug,
		Title:   "Result for " + query,
		Snippet: "Snippet about " + query,
	}}, nil
}

// fakeFetch serves scripted page content keyed by URL substring.
type fakeFetch struct {
	mu      sync.Mutex
	pages   map[string]string // url substring -> text
	failFor map[string]bool   // url substring -> permanent failure
	calls   []string
	clock   func() time.Time
}

func (f *fakeFetch) Fetch(ctx context.Context, url string) (FetchResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, url)
	for frag := range f.failFor {
		if strings.Contains(url, frag) && f.failFor[frag] {
			return FetchResult{}, fmt.Errorf("fetch %s: 403 Forbidden", url)
		}
	}
	for frag, text := range f.pages {
		if strings.Contains(url, frag) {
			now := time.Now()
			if f.clock != nil {
				now = f.clock()
			}
			return FetchResult{URL: url, Title: "Page " + frag, Text: text, FetchedAt: now}, nil
		}
	}
	return FetchResult{URL: url, Title: "Generic page", Text: "Generic content for " + url, FetchedAt: time.Now()}, nil
}

// testConfig returns a config with fast deadlines for unit tests.
func testConfig() *config.Config {
	return &config.Config{
		LLM: config.LLMConfig{
			Routing: config.LLMRoutingConfig{
				Lead:           "lead-model",
				Subagent:       "subagent-model",
				Citation:       "citation-model",
				Classification: "classification-model",
			},
		},
		Research: config.ResearchConfig{
			MaxSubagents:             20,
			MaxConcurrent:            5,
			MaxRounds:                5,
			MaxLeadToolCallsPerRound: 3,
			SessionDeadline:          time.Minute,
			SubagentDeadline:         30 * time.Second,
			ToolDeadline:             5 * time.Second,
			LeadLLMTimeout:           10 * time.Second,
			BudgetLight:              5,
			BudgetMedium:             10,
			BudgetHeavy:              15,
			SourceCapPerSubagent:     100,
			TokenBudgetPerSubagent:   120000,
			CitationStyle:            "footnote",
			CancelGrace:              2 * time.Second,
		},
		Search: config.SearchConfig{MaxResults: 5},
	}
}
