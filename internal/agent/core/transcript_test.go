package core

import (
	"strings"
	"testing"
	"time"
)

func TestTranscriptAppendOnlyOrder(t *testing.T) {
	tr := NewTranscript()
	for i, role := range []string{"system", "user", "assistant", "tool"} {
		tr.Append(TranscriptEntry{Role: role, Content: role, At: time.Now().Add(time.Duration(i) * time.Millisecond)})
	}
	entries := tr.Entries()
	if len(entries) != 4 {
		t.Fatalf("expected 4 entries, got %d", len(entries))
	}
	want := []string{"system", "user", "assistant", "tool"}
	for i, e := range entries {
		if e.Role != want[i] {
			t.Fatalf("order broken at %d: %s", i, e.Role)
		}
	}
}

func TestTranscriptClosedDropsAppends(t *testing.T) {
	tr := NewTranscript()
	tr.Append(TranscriptEntry{Role: "user", Content: "a"})
	tr.Close()
	tr.Append(TranscriptEntry{Role: "user", Content: "b"})
	if tr.Len() != 1 {
		t.Fatalf("append after close must be dropped")
	}
}

func TestWindowSummarizesOldToolResults(t *testing.T) {
	tr := NewTranscript()
	long := strings.Repeat("x", 2000)
	tr.Append(TranscriptEntry{Role: "system", Content: "sys"})
	for i := 0; i < 4; i++ {
		tr.Append(TranscriptEntry{Role: "assistant", ToolCalls: []ToolCall{{ID: "c", Name: "web_fetch"}}})
		tr.Append(TranscriptEntry{Role: "tool", Content: long, ToolCallID: "c", Name: "web_fetch"})
	}

	window := tr.Window(true)
	var toolContents []string
	for _, m := range window {
		if m.Role == "tool" {
			toolContents = append(toolContents, m.Content)
		}
	}
	if len(toolContents) != 4 {
		t.Fatalf("expected 4 tool messages, got %d", len(toolContents))
	}
	// The oldest two are trimmed, the trailing two stay intact.
	for i, content := range toolContents {
		trimmed := strings.Contains(content, "[truncated")
		if i < 2 && !trimmed {
			t.Fatalf("old tool result %d should be summarized", i)
		}
		if i >= 2 && trimmed {
			t.Fatalf("recent tool result %d must stay intact", i)
		}
	}

	// The audit log is untouched.
	for _, e := range tr.Entries() {
		if e.Role == "tool" && len(e.Content) != 2000 {
			t.Fatalf("audit log must keep full payloads")
		}
	}
}

func TestWindowWithoutSummarizeKeepsEverything(t *testing.T) {
	tr := NewTranscript()
	long := strings.Repeat("y", 1000)
	tr.Append(TranscriptEntry{Role: "tool", Content: long})
	window := tr.Window(false)
	if window[0].Content != long {
		t.Fatalf("window must be verbatim without summarize")
	}
}
