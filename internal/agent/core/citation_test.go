package core

import (
	"context"
	"log"
	"strings"
	"testing"
	"time"

	"github.com/mohammad-safakhou/deepscout/internal/agent/events"
)

func testSources() []Source {
	return []Source{
		{URL: "https://example.com/a", Title: "Source A", Index: 1},
		{URL: "https://example.com/b", Title: "Source B", Index: 2},
	}
}

func newTestCiter(chat ChatModel, style string) (*CitationProcessor, *events.Bus) {
	bus := events.NewBus()
	logger := log.New(log.Writer(), "[CITATION] ", log.LstdFlags)
	return NewCitationProcessor(chat, "citation-model", style, bus, logger, time.Now), bus
}

func TestVerifyCitationIdentity(t *testing.T) {
	draft := "Paris is the capital of France. It hosts the Louvre."

	ok := "Paris is the capital of France.[^1] It hosts the Louvre.[^2]"
	if err := VerifyCitationIdentity(draft, ok, 2); err != nil {
		t.Fatalf("valid citation rejected: %v", err)
	}

	altered := "Paris is the capital of France![^1] It hosts the Louvre."
	if err := VerifyCitationIdentity(draft, altered, 2); err == nil {
		t.Fatalf("altered prose must be rejected")
	}

	outOfRange := "Paris is the capital of France.[^7]"
	if err := VerifyCitationIdentity("Paris is the capital of France.", outOfRange, 2); err == nil {
		t.Fatalf("anchor outside the source table must be rejected")
	}
}

func TestProcessInsertsAnchorsAndReferences(t *testing.T) {
	chat := newFakeChat()
	chat.citation = func(draft string) string {
		return strings.Replace(draft, "France.", "France.[^1]", 1)
	}
	citer, _ := newTestCiter(chat, CitationFootnote)

	draft := "Paris is the capital of France. More background follows."
	out, degraded := citer.Process(context.Background(), "s1", draft, testSources())
	if degraded {
		t.Fatalf("unexpected degradation")
	}
	if !strings.Contains(out, "France.[^1]") {
		t.Fatalf("anchor missing: %q", out)
	}
	if !strings.Contains(out, "## References") || !strings.Contains(out, "[^1]: [Source A](https://example.com/a)") {
		t.Fatalf("mechanical references missing: %q", out)
	}
}

func TestProcessNumericStyle(t *testing.T) {
	chat := newFakeChat()
	chat.citation = func(draft string) string {
		return strings.Replace(draft, "France.", "France.[^2]", 1)
	}
	citer, _ := newTestCiter(chat, CitationNumeric)

	out, degraded := citer.Process(context.Background(), "s1", "Paris is the capital of France.", testSources())
	if degraded {
		t.Fatalf("unexpected degradation")
	}
	if !strings.Contains(out, "France.[2]") {
		t.Fatalf("numeric anchors not rendered: %q", out)
	}
	if !strings.Contains(out, "[2]: [Source B](https://example.com/b)") {
		t.Fatalf("numeric references not rendered: %q", out)
	}
}

func TestProcessDegradesAfterTwoIdentityFailures(t *testing.T) {
	chat := newFakeChat()
	chat.citation = func(draft string) string {
		return "REWRITTEN " + draft + "[^1]"
	}
	citer, bus := newTestCiter(chat, CitationFootnote)
	sub := bus.Subscribe(64)
	defer sub.Close()

	draft := "Paris is the capital of France."
	out, degraded := citer.Process(context.Background(), "s1", draft, testSources())
	if !degraded {
		t.Fatalf("expected degradation")
	}
	if !strings.HasPrefix(out, draft) {
		t.Fatalf("degraded output must be the uncited draft: %q", out)
	}
	if !strings.Contains(out, "## References") {
		t.Fatalf("degraded output must still carry references: %q", out)
	}

	sawDegraded := false
	for {
		select {
		case ev := <-sub.Events():
			if ev.Kind == events.CitationDegraded {
				sawDegraded = true
			}
		default:
			if !sawDegraded {
				t.Fatalf("citation_degraded event not published")
			}
			return
		}
	}
}

func TestProcessNoSourcesShortCircuits(t *testing.T) {
	chat := newFakeChat()
	citer, _ := newTestCiter(chat, CitationFootnote)
	draft := "Nothing was gathered."
	out, degraded := citer.Process(context.Background(), "s1", draft, nil)
	if degraded || out != draft {
		t.Fatalf("no-source draft must pass through unchanged")
	}
}
