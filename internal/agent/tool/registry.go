// Package tool registers the tools exposed to agents and routes their
// invocation. The invoker is the single choke point for argument
// validation and budget accounting.
package tool

import (
	"context"
	"encoding/json"
	"strings"
	"sync"

	"github.com/mohammad-safakhou/deepscout/internal/budget"
)

// Core tool names.
const (
	WebSearch    = "web_search"
	WebFetch     = "web_fetch"
	RunSubagents = "run_subagents"
	CompleteTask = "complete_task"
)

// Caller identifies which kind of agent is invoking a tool.
type Caller string

const (
	CallerLead     Caller = "lead"
	CallerSubagent Caller = "subagent"
)

// WebSearchArgs are the arguments of the web_search tool.
type WebSearchArgs struct {
	Query      string `json:"query" jsonschema:"required,description=Search query"`
	MaxResults int    `json:"max_results,omitempty" jsonschema:"description=Maximum results to return (<=10)"`
}

// WebFetchArgs are the arguments of the web_fetch tool.
type WebFetchArgs struct {
	URL string `json:"url" jsonschema:"required,description=URL of the page to fetch"`
}

// RunSubagentsArgs are the arguments of the run_subagents tool.
type RunSubagentsArgs struct {
	Tasks []string `json:"tasks" jsonschema:"required,description=Self-contained research task prompts, one per subagent"`
}

// CompleteTaskArgs are the arguments of the complete_task tool.
type CompleteTaskArgs struct {
	Report string `json:"report" jsonschema:"required,description=The final report or findings for this task"`
}

// Handler executes a tool. It may return a ToolError describing the
// failure; any other error is wrapped as a cancelled tool error when the
// context is done and as a permanent tool error otherwise.
type Handler func(ctx context.Context, caller Caller, args json.RawMessage) (interface{}, error)

// Tool is one registered tool with its declared argument schema.
type Tool struct {
	Name        string
	Description string
	Schema      json.RawMessage
	AllowLead   bool
	AllowSub    bool
	Handler     Handler
}

// Schema is the wire representation handed to the ChatModel.
type Schema struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters"`
}

// Registry holds the registered tools.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]Tool
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]Tool)}
}

// Register adds or replaces a tool.
func (r *Registry) Register(t Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[t.Name] = t
}

// Get returns a tool by name.
func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// SchemasFor lists the tool schemas visible to a caller kind.
func (r *Registry) SchemasFor(caller Caller) []Schema {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []Schema
	for _, name := range []string{WebSearch, WebFetch, RunSubagents, CompleteTask} {
		t, ok := r.tools[name]
		if !ok {
			continue
		}
		if r.allowed(t, caller) {
			out = append(out, Schema{Name: t.Name, Description: t.Description, Parameters: t.Schema})
		}
	}
	// Any extra registered tools after the core four, in map order.
	for name, t := range r.tools {
		switch name {
		case WebSearch, WebFetch, RunSubagents, CompleteTask:
			continue
		}
		if r.allowed(t, caller) {
			out = append(out, Schema{Name: t.Name, Description: t.Description, Parameters: t.Schema})
		}
	}
	return out
}

func (r *Registry) allowed(t Tool, caller Caller) bool {
	switch caller {
	case CallerLead:
		return t.AllowLead
	case CallerSubagent:
		return t.AllowSub
	}
	return false
}

// Invoke validates the call, counts it against the caller's budget
// before dispatch, and executes the handler. A non-nil *ToolError is
// returned to the agent as the tool result; it is never an exception.
// The complete_task tool is exempt from budget accounting: terminating
// is always possible, even with a spent budget.
func (r *Registry) Invoke(ctx context.Context, caller Caller, tracker *budget.Tracker, name string, rawArgs json.RawMessage) (interface{}, *ToolError) {
	t, ok := r.Get(name)
	if !ok {
		return nil, NewError(ErrUnknownTool, "tool %q is not registered", name)
	}
	if !r.allowed(t, caller) {
		return nil, NewError(ErrForbidden, "tool %q is not available to %s agents", name, caller)
	}
	if err := validateArgs(name, rawArgs); err != nil {
		return nil, err
	}
	if tracker != nil && name != CompleteTask {
		if err := tracker.ReserveToolCall(); err != nil {
			return nil, NewError(ErrBudget, "%v", err)
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, NewError(ErrCancelled, "%v", err)
	}
	result, err := t.Handler(ctx, caller, rawArgs)
	if err != nil {
		if te, ok := err.(*ToolError); ok {
			return nil, te
		}
		if ctx.Err() != nil {
			return nil, NewError(ErrCancelled, "%v", err)
		}
		return nil, NewError(ErrPermanent, "%v", err)
	}
	return result, nil
}

// validateArgs decodes the raw arguments into the tool's argument
// struct and checks the required fields the schema declares.
func validateArgs(name string, raw json.RawMessage) *ToolError {
	if len(raw) == 0 {
		raw = json.RawMessage(`{}`)
	}
	switch name {
	case WebSearch:
		var a WebSearchArgs
		if err := json.Unmarshal(raw, &a); err != nil {
			return NewError(ErrBadArgs, "web_search arguments: %v", err)
		}
		if strings.TrimSpace(a.Query) == "" {
			return NewError(ErrBadArgs, "web_search requires a non-empty query")
		}
		if a.MaxResults < 0 || a.MaxResults > 10 {
			return NewError(ErrBadArgs, "web_search max_results must be in [0,10], got %d", a.MaxResults)
		}
	case WebFetch:
		var a WebFetchArgs
		if err := json.Unmarshal(raw, &a); err != nil {
			return NewError(ErrBadArgs, "web_fetch arguments: %v", err)
		}
		u := strings.TrimSpace(a.URL)
		if u == "" {
			return NewError(ErrBadArgs, "web_fetch requires a url")
		}
		if !strings.HasPrefix(u, "http://") && !strings.HasPrefix(u, "https://") {
			return NewError(ErrBadArgs, "web_fetch url must be http(s), got %q", a.URL)
		}
	case RunSubagents:
		var a RunSubagentsArgs
		if err := json.Unmarshal(raw, &a); err != nil {
			return NewError(ErrBadArgs, "run_subagents arguments: %v", err)
		}
		if len(a.Tasks) == 0 {
			return NewError(ErrBadArgs, "run_subagents requires at least one task")
		}
		for i, task := range a.Tasks {
			if strings.TrimSpace(task) == "" {
				return NewError(ErrBadArgs, "run_subagents task %d is empty", i)
			}
		}
	case CompleteTask:
		var a CompleteTaskArgs
		if err := json.Unmarshal(raw, &a); err != nil {
			return NewError(ErrBadArgs, "complete_task arguments: %v", err)
		}
	}
	return nil
}
