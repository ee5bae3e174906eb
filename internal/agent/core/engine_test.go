package core

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/mohammad-safakhou/deepscout/internal/agent/events"
)

// defaultSubagentScript searches once, fetches the first result, then
// completes with a report derived from the task.
func defaultSubagentScript(task string, turn int) Completion {
	switch turn {
	case 0:
		return toolCompletion(call("web_search", map[string]interface{}{"query": task}))
	case 1:
		return toolCompletion(call("web_fetch", map[string]interface{}{"url": "https://example.com/" + slugify(task)}))
	default:
		return toolCompletion(call("complete_task", map[string]interface{}{"report": "Findings for: " + task}))
	}
}

func slugify(s string) string {
	return strings.ReplaceAll(strings.ToLower(s), " ", "-")
}

func newTestEngine(chat *fakeChat, search SearchProvider, fetch FetchProvider) *Engine {
	return NewEngine(testConfig(), chat, search, fetch, nil, nil)
}

func TestTrivialFactualQuery(t *testing.T) {
	chat := newFakeChat()
	chat.classifyAs = "straightforward"
	chat.leadTurns = []Completion{
		toolCompletion(call("run_subagents", map[string]interface{}{
			"tasks": []string{"Find the capital of France and verify it [budget: light]"},
		})),
		toolCompletion(call("complete_task", map[string]interface{}{
			"report": "Paris is the capital of France.",
		})),
	}
	chat.subagentScript = func(task string, turn int) Completion {
		switch turn {
		case 0:
			return toolCompletion(call("web_search", map[string]interface{}{"query": "capital of France"}))
		case 1:
			return toolCompletion(call("web_fetch", map[string]interface{}{"url": "https://example.com/capital-of-france"}))
		default:
			return toolCompletion(call("complete_task", map[string]interface{}{"report": "Paris is the capital of France."}))
		}
	}
	chat.citation = func(draft string) string {
		return strings.Replace(draft, "France.", "France.[^1]", 1)
	}
	fetch := &fakeFetch{pages: map[string]string{"capital-of-france": "Paris is the capital of France."}}

	engine := newTestEngine(chat, &fakeSearch{}, fetch)
	session, err := engine.RunSession(context.Background(), "What is the capital of France?")
	require.NoError(t, err)

	require.Equal(t, SessionCompleted, session.Status())
	require.Equal(t, Straightforward, session.QueryType())
	require.Len(t, session.Rounds(), 1)
	require.Len(t, session.Rounds()[0].Results, 1)

	res := session.Rounds()[0].Results[0]
	require.Equal(t, StatusOK, res.Status)
	require.LessOrEqual(t, res.ToolCallsMade, 3)

	require.Contains(t, session.Draft(), "Paris")
	require.Contains(t, session.CitedOutput(), "[^1]")
	require.Contains(t, session.CitedOutput(), "## References")

	// The source table is non-empty and every entry carries a URL.
	for _, src := range session.Sources().List() {
		require.NotEmpty(t, src.URL)
	}
	require.GreaterOrEqual(t, session.Sources().Len(), 1)
}

func TestBreadthFirstEnumeration(t *testing.T) {
	companies := []string{"Alphabet", "Microsoft", "Amazon"}
	tasks := make([]string, len(companies))
	for i, c := range companies {
		tasks[i] = fmt.Sprintf("Find the latest quarterly revenue of %s", c)
	}

	chat := newFakeChat()
	chat.classifyAs = "breadth_first"
	chat.leadTurns = []Completion{
		toolCompletion(call("run_subagents", map[string]interface{}{"tasks": tasks})),
		toolCompletion(call("complete_task", map[string]interface{}{
			"report": "Alphabet, Microsoft and Amazon reported their latest quarterly revenue.",
		})),
	}
	chat.subagentScript = defaultSubagentScript

	engine := newTestEngine(chat, &fakeSearch{}, &fakeFetch{})
	session, err := engine.RunSession(context.Background(), "Compare the latest-quarter revenue of Alphabet, Microsoft, and Amazon")
	require.NoError(t, err)

	require.Equal(t, BreadthFirst, session.QueryType())
	round := session.Rounds()[0]
	require.Len(t, round.Results, 3)
	for i, res := range round.Results {
		// Dispatch-order determinism: results come back in task order.
		require.Contains(t, res.Task, companies[i])
		require.Equal(t, StatusOK, res.Status)
		require.NotEmpty(t, res.Sources)
	}
	require.GreaterOrEqual(t, session.Sources().Len(), 3)
	for _, c := range companies {
		require.Contains(t, session.Draft(), c)
	}
}

func TestPartialFetchFailureStillCompletes(t *testing.T) {
	chat := newFakeChat()
	chat.classifyAs = "breadth_first"
	chat.leadTurns = []Completion{
		toolCompletion(call("run_subagents", map[string]interface{}{
			"tasks": []string{"Research topic alpha", "Research topic beta"},
		})),
		toolCompletion(call("complete_task", map[string]interface{}{"report": "Combined findings on alpha and beta."})),
	}
	chat.subagentScript = defaultSubagentScript
	fetch := &fakeFetch{failFor: map[string]bool{"research-topic-beta": true}}

	engine := newTestEngine(chat, &fakeSearch{}, fetch)
	session, err := engine.RunSession(context.Background(), "alpha and beta")
	require.NoError(t, err)

	require.Equal(t, SessionCompleted, session.Status())
	round := session.Rounds()[0]
	okCount := 0
	for _, res := range round.Results {
		if res.Status == StatusOK {
			okCount++
		}
	}
	require.GreaterOrEqual(t, okCount, 1)
	require.NotEmpty(t, session.CitedOutput())
}

func TestSubagentErrorIsFlaggedNotFatal(t *testing.T) {
	chat := newFakeChat()
	chat.classifyAs = "breadth_first"
	chat.errFor = "doomed"
	chat.leadTurns = []Completion{
		toolCompletion(call("run_subagents", map[string]interface{}{
			"tasks": []string{"Research healthy topic", "Research doomed topic"},
		})),
		toolCompletion(call("complete_task", map[string]interface{}{"report": "What we could find."})),
	}
	chat.subagentScript = defaultSubagentScript

	engine := newTestEngine(chat, &fakeSearch{}, &fakeFetch{})
	session, err := engine.RunSession(context.Background(), "mixed fortunes")
	require.NoError(t, err)

	require.Equal(t, SessionCompleted, session.Status())
	require.Len(t, session.FailedTasks(), 1)
	require.Contains(t, session.FailedTasks()[0], "doomed")

	statuses := map[SubagentStatus]int{}
	for _, res := range session.Rounds()[0].Results {
		statuses[res.Status]++
	}
	require.Equal(t, 1, statuses[StatusOK])
	require.Equal(t, 1, statuses[StatusError])
}

func TestBudgetExhaustionStillSynthesizes(t *testing.T) {
	cfg := testConfig()
	cfg.Research.BudgetLight = 2

	chat := newFakeChat()
	chat.leadTurns = []Completion{
		toolCompletion(call("run_subagents", map[string]interface{}{
			"tasks": []string{"Exhaustively research a hard question [budget: light]"},
		})),
		toolCompletion(call("complete_task", map[string]interface{}{"report": "Best-effort synthesis from partial findings."})),
	}
	chat.subagentScript = func(task string, turn int) Completion {
		// Never completes on its own; keeps asking for searches.
		return toolCompletion(call("web_search", map[string]interface{}{"query": fmt.Sprintf("angle %d", turn)}))
	}

	engine := NewEngine(cfg, chat, &fakeSearch{}, &fakeFetch{}, nil, nil)
	session, err := engine.RunSession(context.Background(), "hard question")
	require.NoError(t, err)

	res := session.Rounds()[0].Results[0]
	require.Equal(t, StatusBudgetExhausted, res.Status)
	require.LessOrEqual(t, res.ToolCallsMade, 2)
	require.Contains(t, session.Draft(), "Best-effort")
	require.Equal(t, SessionCompleted, session.Status())
}

func TestMaxRoundsForcesSynthesis(t *testing.T) {
	cfg := testConfig()
	cfg.Research.MaxRounds = 1

	chat := newFakeChat()
	chat.leadTurns = []Completion{
		toolCompletion(call("run_subagents", map[string]interface{}{"tasks": []string{"Initial research"}})),
		textCompletion("Forced final report based on round one."),
	}
	chat.subagentScript = defaultSubagentScript

	engine := NewEngine(cfg, chat, &fakeSearch{}, &fakeFetch{}, nil, nil)
	session, err := engine.RunSession(context.Background(), "anything")
	require.NoError(t, err)

	require.Len(t, session.Rounds(), 1)
	require.Equal(t, ReflectionSynthesize, session.Rounds()[0].Reflection)
	require.Contains(t, session.Draft(), "Forced final report")
}

func TestMaxSubagentsBoundRejectsOversizedDispatch(t *testing.T) {
	cfg := testConfig()
	cfg.Research.MaxSubagents = 1

	chat := newFakeChat()
	chat.leadTurns = []Completion{
		toolCompletion(call("run_subagents", map[string]interface{}{"tasks": []string{"a", "b"}})),
		toolCompletion(call("run_subagents", map[string]interface{}{"tasks": []string{"single task"}})),
		toolCompletion(call("complete_task", map[string]interface{}{"report": "Done with one subagent."})),
	}
	chat.subagentScript = defaultSubagentScript

	engine := NewEngine(cfg, chat, &fakeSearch{}, &fakeFetch{}, nil, nil)
	session, err := engine.RunSession(context.Background(), "bounded")
	require.NoError(t, err)

	// The oversized call was rejected; only the single-task round ran.
	require.Len(t, session.Rounds(), 1)
	require.Len(t, session.Rounds()[0].Results, 1)
	require.Equal(t, SessionCompleted, session.Status())
}

func TestConcurrencySemaphoreBound(t *testing.T) {
	cfg := testConfig()
	cfg.Research.MaxConcurrent = 2

	tasks := make([]string, 6)
	for i := range tasks {
		tasks[i] = fmt.Sprintf("Research stream %d", i)
	}
	chat := newFakeChat()
	chat.subDelay = 20 * time.Millisecond
	chat.leadTurns = []Completion{
		toolCompletion(call("run_subagents", map[string]interface{}{"tasks": tasks})),
		toolCompletion(call("complete_task", map[string]interface{}{"report": "All streams done."})),
	}
	chat.subagentScript = defaultSubagentScript

	engine := NewEngine(cfg, chat, &fakeSearch{}, &fakeFetch{}, nil, nil)
	session, err := engine.RunSession(context.Background(), "wide query")
	require.NoError(t, err)

	require.Len(t, session.Rounds()[0].Results, 6)
	require.LessOrEqual(t, chat.maxActive, int32(2), "active subagents exceeded max_concurrent")
}

func TestSerialExecutionWithMaxConcurrentOne(t *testing.T) {
	cfg := testConfig()
	cfg.Research.MaxConcurrent = 1

	chat := newFakeChat()
	chat.subDelay = 10 * time.Millisecond
	chat.leadTurns = []Completion{
		toolCompletion(call("run_subagents", map[string]interface{}{"tasks": []string{"first", "second", "third"}})),
		toolCompletion(call("complete_task", map[string]interface{}{"report": "Serial results are correct."})),
	}
	chat.subagentScript = defaultSubagentScript

	engine := NewEngine(cfg, chat, &fakeSearch{}, &fakeFetch{}, nil, nil)
	session, err := engine.RunSession(context.Background(), "serial")
	require.NoError(t, err)

	require.Equal(t, int32(1), chat.maxActive)
	round := session.Rounds()[0]
	require.Len(t, round.Results, 3)
	for i, want := range []string{"first", "second", "third"} {
		require.Contains(t, round.Results[i].Task, want)
		require.Equal(t, StatusOK, round.Results[i].Status)
	}
}

func TestCancellationMidFlight(t *testing.T) {
	chat := newFakeChat()
	chat.subDelay = 50 * time.Millisecond
	chat.leadTurns = []Completion{
		toolCompletion(call("run_subagents", map[string]interface{}{"tasks": []string{"long running research"}})),
		toolCompletion(call("complete_task", map[string]interface{}{"report": "never reached"})),
	}
	chat.subagentScript = func(task string, turn int) Completion {
		return toolCompletion(call("web_search", map[string]interface{}{"query": fmt.Sprintf("q%d", turn)}))
	}

	engine := newTestEngine(chat, &fakeSearch{}, &fakeFetch{})
	sub := engine.Bus().Subscribe(256)
	defer sub.Close()

	session := engine.StartSession(context.Background(), "cancel me")

	// Cancel as soon as the first subagent spawns.
	deadline := time.After(5 * time.Second)
	for {
		var ev events.Event
		select {
		case ev = <-sub.Events():
		case <-deadline:
			t.Fatalf("no subagent_spawned event observed")
		}
		if ev.Kind == events.SubagentSpawned {
			session.Cancel()
			break
		}
	}

	select {
	case <-session.Done():
	case <-time.After(2 * time.Second):
		t.Fatalf("session did not reach a terminal state within the grace window")
	}
	require.Equal(t, SessionCancelled, session.Status())

	// Cancelling again leaves the same terminal state.
	session.Cancel()
	require.Equal(t, SessionCancelled, session.Status())
}

func TestLLMUnavailableFailsSession(t *testing.T) {
	chat := newFakeChat()
	chat.err = fmt.Errorf("connection refused")

	engine := newTestEngine(chat, &fakeSearch{}, &fakeFetch{})
	session, err := engine.RunSession(context.Background(), "anything")
	require.Error(t, err)
	require.ErrorIs(t, err, ErrLLMUnavailable)
	require.Equal(t, SessionFailed, session.Status())
	require.Empty(t, session.CitedOutput())
}

func TestReplayDeterminismWithScriptedProviders(t *testing.T) {
	fixed := time.Now()
	clock := func() time.Time { return fixed }

	runOnce := func() *Session {
		chat := newFakeChat()
		chat.classifyAs = "depth_first"
		chat.leadTurns = []Completion{
			toolCompletion(call("run_subagents", map[string]interface{}{
				"tasks": []string{"Evidence for intermittent fasting", "Evidence against intermittent fasting"},
			})),
			toolCompletion(call("complete_task", map[string]interface{}{
				"report": "Evidence both for and against intermittent fasting exists.",
			})),
		}
		chat.subagentScript = defaultSubagentScript
		engine := newTestEngine(chat, &fakeSearch{}, &fakeFetch{})
		engine.SetClock(clock)
		session, err := engine.RunSession(context.Background(), "Evaluate the evidence for and against intermittent fasting")
		require.NoError(t, err)
		return session
	}

	a, b := runOnce(), runOnce()
	require.Equal(t, a.Draft(), b.Draft())
	require.Equal(t, a.CitedOutput(), b.CitedOutput())
	require.Equal(t, len(a.Rounds()), len(b.Rounds()))

	srcA, srcB := a.Sources().List(), b.Sources().List()
	require.Equal(t, len(srcA), len(srcB))
	for i := range srcA {
		require.Equal(t, srcA[i].URL, srcB[i].URL)
		require.Equal(t, srcA[i].Index, srcB[i].Index)
		require.Equal(t, srcA[i].FirstSeenAt, srcB[i].FirstSeenAt)
	}
}

func TestDepthFirstBothPositionsInDraft(t *testing.T) {
	chat := newFakeChat()
	chat.classifyAs = "depth_first"
	chat.leadTurns = []Completion{
		toolCompletion(call("run_subagents", map[string]interface{}{
			"tasks": []string{"Evidence supporting intermittent fasting", "Evidence against intermittent fasting"},
		})),
		toolCompletion(call("complete_task", map[string]interface{}{
			"report": "Supporting evidence shows metabolic benefits. Evidence against cites adherence problems.",
		})),
	}
	chat.subagentScript = defaultSubagentScript

	engine := newTestEngine(chat, &fakeSearch{}, &fakeFetch{})
	session, err := engine.RunSession(context.Background(), "Evaluate the evidence for and against intermittent fasting")
	require.NoError(t, err)

	require.Equal(t, DepthFirst, session.QueryType())
	require.GreaterOrEqual(t, len(session.Rounds()[0].Plan.Tasks), 2)
	require.Contains(t, session.Draft(), "Supporting evidence")
	require.Contains(t, session.Draft(), "against")
}
