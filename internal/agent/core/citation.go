package core

import (
	"context"
	"fmt"
	"log"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/mohammad-safakhou/deepscout/internal/agent/events"
)

// CitationStyle selects how anchors render in the final output.
const (
	CitationFootnote = "footnote" // [^n]
	CitationNumeric  = "numeric"  // [n]
)

// anchorPattern matches the footnote sentinel the citation model is
// instructed to insert. The sentinel form cannot collide with ordinary
// prose, which keeps mechanical stripping exact.
var anchorPattern = regexp.MustCompile(`\[\^(\d+)\]`)

var citedTextPattern = regexp.MustCompile(`(?s)<exact_text_with_citation>\n?(.*?)\n?</exact_text_with_citation>`)

// CitationProcessor inserts citation anchors against substantive
// claims without altering the prose. The prose-identity invariant is
// enforced mechanically, never trusted to the model.
type CitationProcessor struct {
	chat   ChatModel
	model  string
	style  string
	temp   float64
	bus    *events.Bus
	logger *log.Logger
	clock  func() time.Time
}

// NewCitationProcessor builds the processor.
func NewCitationProcessor(chat ChatModel, model, style string, bus *events.Bus, logger *log.Logger, clock func() time.Time) *CitationProcessor {
	if style == "" {
		style = CitationFootnote
	}
	return &CitationProcessor{chat: chat, model: model, style: style, temp: 0.1, bus: bus, logger: logger, clock: clock}
}

// Process returns the cited output and whether the citation pass
// degraded to the uncited draft. On degradation the draft still ships
// with a mechanical References section.
func (c *CitationProcessor) Process(ctx context.Context, sessionID, draft string, sources []Source) (string, bool) {
	if strings.TrimSpace(draft) == "" {
		return draft, false
	}
	if len(sources) == 0 {
		c.publish(sessionID, events.CitationComplete, map[string]interface{}{"anchors": 0})
		return draft, false
	}

	for attempt := 0; attempt < 2; attempt++ {
		cited, err := c.cite(ctx, draft, sources, attempt > 0)
		if err != nil {
			c.logger.Printf("[CITATION] attempt %d failed: %v", attempt+1, err)
			continue
		}
		if verifyErr := VerifyCitationIdentity(draft, cited, len(sources)); verifyErr != nil {
			c.logger.Printf("[CITATION] attempt %d violated identity: %v", attempt+1, verifyErr)
			continue
		}
		out := c.render(cited) + c.references(sources)
		c.publish(sessionID, events.CitationComplete, map[string]interface{}{
			"anchors": len(anchorPattern.FindAllString(cited, -1)),
		})
		return out, false
	}

	// Second failure: ship the uncited draft with references.
	c.publish(sessionID, events.CitationDegraded, nil)
	return draft + c.references(sources), true
}

func (c *CitationProcessor) cite(ctx context.Context, draft string, sources []Source, strict bool) (string, error) {
	req := CompletionRequest{
		Model: c.model,
		Messages: []ChatMessage{
			{Role: "system", Content: citationSystemPrompt(strict)},
			{Role: "user", Content: citationUserPrompt(draft, sources)},
		},
		Temperature: c.temp,
	}
	comp, err := c.chat.StreamCompletion(ctx, req, nil)
	if err != nil {
		return "", err
	}
	m := citedTextPattern.FindStringSubmatch(comp.Content)
	if m == nil {
		return "", fmt.Errorf("no <exact_text_with_citation> block in response")
	}
	return m[1], nil
}

// render converts the sentinel anchors into the configured style.
func (c *CitationProcessor) render(cited string) string {
	if c.style != CitationNumeric {
		return cited
	}
	return anchorPattern.ReplaceAllString(cited, "[$1]")
}

// references builds the mechanical trailing section from the source
// table, independent of what the model produced.
func (c *CitationProcessor) references(sources []Source) string {
	var b strings.Builder
	b.WriteString("\n\n## References\n\n")
	for _, s := range sources {
		title := s.Title
		if title == "" {
			title = s.URL
		}
		if c.style == CitationNumeric {
			fmt.Fprintf(&b, "[%d]: [%s](%s)\n", s.Index, title, s.URL)
		} else {
			fmt.Fprintf(&b, "[^%d]: [%s](%s)\n", s.Index, title, s.URL)
		}
	}
	return b.String()
}

// VerifyCitationIdentity checks that cited text with anchors removed is
// character-identical to the draft and that every anchor index points
// into the source table.
func VerifyCitationIdentity(draft, cited string, sourceCount int) error {
	for _, m := range anchorPattern.FindAllStringSubmatch(cited, -1) {
		idx, err := strconv.Atoi(m[1])
		if err != nil || idx < 1 || idx > sourceCount {
			return fmt.Errorf("anchor %s references a source outside [1,%d]", m[0], sourceCount)
		}
	}
	stripped := anchorPattern.ReplaceAllString(cited, "")
	if stripped != draft {
		return fmt.Errorf("cited text differs from draft outside anchor spans")
	}
	return nil
}

func (c *CitationProcessor) publish(sessionID string, kind events.Kind, payload map[string]interface{}) {
	if c.bus != nil {
		c.bus.Publish(sessionID, "", kind, payload)
	}
}
