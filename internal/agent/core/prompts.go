package core

import (
	"fmt"
	"strings"
	"time"
)

// classificationPrompt asks the model to label the query. The answer is
// JSON so malformed output can be repaired mechanically.
func classificationPrompt(query string) string {
	return fmt.Sprintf(`You are classifying a research query before planning.

QUERY: %s

Categories:
- "depth_first": one core question that benefits from multiple perspectives or methodologies on the same issue.
- "breadth_first": divides into distinct, independently researchable sub-questions.
- "straightforward": focused and well-defined; a single investigation answers it.

Respond with JSON only:
{"query_type": "depth_first|breadth_first|straightforward", "rationale": "one sentence"}`, query)
}

// leadSystemPrompt is the lead controller's system prompt. The lead
// plans, delegates through run_subagents, reflects on returned
// findings, and writes the final report itself.
func leadSystemPrompt(now time.Time, queryType QueryType, maxSubagents int) string {
	var guidance string
	switch queryType {
	case Straightforward:
		guidance = "This query looks straightforward: a single well-instructed subagent usually suffices."
	case DepthFirst:
		guidance = "This query is depth-first: deploy 3-5 subagents exploring distinct perspectives or methodologies on the same core question."
	case BreadthFirst:
		guidance = fmt.Sprintf("This query is breadth-first: enumerate the distinct sub-questions and deploy one subagent per sub-question, up to %d.", maxSubagents)
	default:
		guidance = "Default to 3 subagents for most queries."
	}

	return fmt.Sprintf(`You are an expert research lead. The current date is %s. Your goal is to lead a research process that answers the user's query with an excellent, well-sourced report.

%s

Process:
1. Break the query into specific research tasks with crisp, non-overlapping boundaries. Each task prompt must be fully self-contained: the subagent sees nothing but its prompt.
2. Deploy subagents with a single run_subagents call per round. Each task may carry a budget hint by ending the prompt with one of [budget: light], [budget: medium], [budget: heavy].
3. When results return, reflect critically: if key information is missing, contradictory, or shallow, issue another run_subagents call with targeted follow-up tasks. Otherwise synthesize.
4. You write the final report yourself. Finish by calling complete_task with the full report as the report argument. Write in Markdown, lead with an executive summary, use concrete numbers, names and dates, and do not invent sources.

Rules:
- Never exceed %d tasks in one run_subagents call. Prefer fewer, more capable subagents over many narrow ones.
- All substantial information gathering is delegated; use web_search yourself only for trivial lookups.
- Do not add citation markers yourself; citations are inserted afterwards from the collected sources.`, now.Format("2006-01-02"), guidance, maxSubagents)
}

// subagentSystemPrompt is the research subagent's system prompt.
func subagentSystemPrompt(now time.Time) string {
	return fmt.Sprintf(`You are a research subagent working as part of a team. The current date is %s. Execute your assigned task using the available tools and report detailed findings to the lead researcher.

Process:
1. Plan a short research approach before the first tool call.
2. Use web_search to discover sources, then web_fetch to read the most promising URLs in full. Issue independent tool calls together in one turn so they run in parallel.
3. Keep search queries short and moderately broad; adapt them based on result quality. Never repeat an identical query.
4. Prefer significant, precise, recent, high-quality information. Note page titles: they are used for citation mapping.
5. Stop when the task is accomplished or returns are diminishing, and call complete_task with a detailed findings report.

Rules:
- At least one web_search is required before complete_task. If the task genuinely needs no research, begin your first reply with [no-search-needed] and explain why.
- Stay inside your tool-call budget; when told the budget is exhausted, immediately call complete_task with what you have.`, now.Format("2006-01-02"))
}

// leadUserPrompt opens the lead conversation.
func leadUserPrompt(query string) string {
	return fmt.Sprintf(`Research this query comprehensively: %s

Deploy subagents with run_subagents, reflect on their findings, repeat if needed, then write the final report and submit it with complete_task.`, query)
}

// roundResultsMessage renders a round's aggregated results back to the
// lead, with a source table summary for provenance-aware planning.
func roundResultsMessage(round int, results []SubagentResult, sources []Source) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Round %d results (%d subagents):\n", round, len(results))
	for i, r := range results {
		fmt.Fprintf(&b, "\n--- Subagent %d [%s] ---\nTask: %s\n", i+1, r.Status, r.Task)
		if r.FindingsText != "" {
			fmt.Fprintf(&b, "Findings:\n%s\n", r.FindingsText)
		}
		if len(r.Sources) > 0 {
			fmt.Fprintf(&b, "Sources used: %s\n", strings.Join(r.Sources, ", "))
		}
	}
	if len(sources) > 0 {
		b.WriteString("\nSource table so far:\n")
		for _, s := range sources {
			title := s.Title
			if title == "" {
				title = "(untitled)"
			}
			fmt.Fprintf(&b, "[%d] %s — %s\n", s.Index, title, s.URL)
		}
	}
	b.WriteString("\nReflect on coverage and gaps. Either call run_subagents with follow-up tasks, or write the final report and call complete_task.")
	return b.String()
}

// budgetExhaustedDirective is injected when a subagent trips a limit.
const budgetExhaustedDirective = "Budget exhausted — finalize now. Call complete_task immediately with your accumulated findings. Do not request any other tool."

// minimumEffortDirective rejects a completion attempt with no search.
const minimumEffortDirective = "This task requires at least one web_search before completion. Search first, then complete."

// duplicateQueryResult is the synthetic tool result for a repeated query.
const duplicateQueryResult = "duplicate query — rephrase"

// synthesizeNowPrompt forces the draft when max rounds are reached.
const synthesizeNowPrompt = "Maximum research rounds reached. Tools are now disabled. Write the complete final report in Markdown now, based on everything gathered above, and output only the report."

// citationSystemPrompt instructs the citation pass. The prose identity
// rule is enforced mechanically afterwards; the prompt exists to make
// the first attempt succeed.
func citationSystemPrompt(strict bool) string {
	base := `You add citations to a research report. You are given the report within <synthesized_text> tags and a numbered source list within <sources> tags.

Rules:
- Do NOT modify the text in any way: keep all content and whitespace 100% identical, only insert citation markers.
- Insert markers of the form [^n] (n = source number) after substantive factual claims: numbers, named entities, dated events, quoted statements.
- Do not cite background or transitional prose, and do not cite common knowledge.
- At most one marker per source per sentence; multiple markers in one sentence only for distinct sources.
- Output the cited text within <exact_text_with_citation> tags and nothing else inside them.`
	if strict {
		base += `

Your previous attempt altered the text. This time reproduce the input text byte for byte, inserting only [^n] markers. Any other change will be rejected.`
	}
	return base
}

func citationUserPrompt(draft string, sources []Source) string {
	var b strings.Builder
	b.WriteString("<synthesized_text>\n")
	b.WriteString(draft)
	b.WriteString("\n</synthesized_text>\n\n<sources>\n")
	for _, s := range sources {
		if s.Title != "" {
			fmt.Fprintf(&b, "[%d] %s — %s\n", s.Index, s.Title, s.URL)
		} else {
			fmt.Fprintf(&b, "[%d] %s\n", s.Index, s.URL)
		}
	}
	b.WriteString("</sources>")
	return b.String()
}
