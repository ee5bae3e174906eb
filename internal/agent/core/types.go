package core

import (
	"context"
	"encoding/json"
	"time"

	"github.com/mohammad-safakhou/deepscout/internal/agent/tool"
)

// QueryType classifies a research query. Classification is advisory:
// it affects only the default subagent count and prompt template.
type QueryType string

const (
	DepthFirst      QueryType = "depth_first"
	BreadthFirst    QueryType = "breadth_first"
	Straightforward QueryType = "straightforward"
)

// TaskSpec is one self-contained research task handed to a subagent.
type TaskSpec struct {
	Prompt     string `json:"prompt"`
	BudgetHint string `json:"budget_hint,omitempty"` // light, medium, heavy
}

// Plan is one round's decomposition of the query. Plans are replaced
// between rounds, never mutated.
type Plan struct {
	QueryType QueryType  `json:"query_type"`
	Rationale string     `json:"rationale,omitempty"`
	Tasks     []TaskSpec `json:"tasks"`
}

// SubagentStatus is the terminal state of one subagent run.
type SubagentStatus string

const (
	StatusOK              SubagentStatus = "ok"
	StatusBudgetExhausted SubagentStatus = "budget_exhausted"
	StatusTimeout         SubagentStatus = "timeout"
	StatusError           SubagentStatus = "error"
	StatusCancelled       SubagentStatus = "cancelled"
)

// SubagentResult is emitted exactly once per subagent.
type SubagentResult struct {
	ID            string         `json:"id"`
	Task          string         `json:"task"`
	Status        SubagentStatus `json:"status"`
	FindingsText  string         `json:"findings_text"`
	Sources       []string       `json:"sources"` // normalized URLs in the session SourceTable
	ToolCallsMade int            `json:"tool_calls_made"`
	TokensUsed    int64          `json:"tokens_used"`
	DurationMS    int64          `json:"duration_ms"`
}

// Reflection outcomes of a round.
const (
	ReflectionContinue   = "continue"
	ReflectionSynthesize = "synthesize"
)

// Round is one lead iteration: a plan, its dispatch results, and the
// reflection that decided what came next.
type Round struct {
	Index      int              `json:"index"`
	Plan       Plan             `json:"plan"`
	Results    []SubagentResult `json:"results"`
	Reflection string           `json:"reflection"`
}

// Source is one unique web resource referenced during the run.
type Source struct {
	URL         string    `json:"url"` // normalized
	Title       string    `json:"title,omitempty"`
	Snippet     string    `json:"snippet,omitempty"`
	FirstSeenBy string    `json:"first_seen_by,omitempty"`
	FirstSeenAt time.Time `json:"first_seen_at"`
	Index       int       `json:"index"` // 1-based citation index, first-seen order
}

// ChatMessage is one entry of the message history sent to a ChatModel.
type ChatMessage struct {
	Role       string     `json:"role"` // system, user, assistant, tool
	Content    string     `json:"content,omitempty"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
	Name       string     `json:"name,omitempty"`
}

// ToolCall is an LLM-requested tool invocation.
type ToolCall struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

// TokenUsage reports token consumption of one completion.
type TokenUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
}

// Total returns the combined token count.
func (u TokenUsage) Total() int64 {
	return int64(u.PromptTokens + u.CompletionTokens)
}

// Completion is the aggregated result of one streamed ChatModel turn.
type Completion struct {
	Content      string     `json:"content"`
	ToolCalls    []ToolCall `json:"tool_calls,omitempty"`
	FinishReason string     `json:"finish_reason"`
	Usage        TokenUsage `json:"usage"`
}

// CompletionRequest carries the full message history each turn; the
// core assumes no server-side session state.
type CompletionRequest struct {
	Model       string
	Messages    []ChatMessage
	Tools       []tool.Schema
	Temperature float64
	MaxTokens   int
}

// ChatModel is the consumed LLM interface. Implementations stream
// token deltas through onDelta and return the aggregated completion.
type ChatModel interface {
	StreamCompletion(ctx context.Context, req CompletionRequest, onDelta func(delta string)) (Completion, error)
}

// SearchHit is one ranked web search result.
type SearchHit struct {
	URL     string `json:"url"`
	Title   string `json:"title"`
	Snippet string `json:"snippet"`
}

// SearchProvider is the consumed web search interface.
type SearchProvider interface {
	Search(ctx context.Context, query string, maxResults int) ([]SearchHit, error)
}

// FetchResult is the extracted content of one page.
type FetchResult struct {
	URL       string    `json:"url"`
	Title     string    `json:"title"`
	Text      string    `json:"text"`
	FetchedAt time.Time `json:"fetched_at"`
}

// FetchProvider is the consumed page extraction interface.
type FetchProvider interface {
	Fetch(ctx context.Context, url string) (FetchResult, error)
}
