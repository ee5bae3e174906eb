package core

import (
	"testing"
	"time"
)

func TestNormalizeURL(t *testing.T) {
	cases := []struct{ in, want string }{
		{"https://Example.COM/Path/", "https://example.com/Path"},
		{"https://example.com/a#section", "https://example.com/a"},
		{"https://example.com/a?utm_source=x&utm_medium=y", "https://example.com/a"},
		{"https://example.com/a?id=1&utm_campaign=z", "https://example.com/a?id=1"},
		{"https://example.com/a?gclid=abc&fbclid=def&ref=tw", "https://example.com/a"},
		{"example.com/a", "https://example.com/a"},
		{"  https://example.com  ", "https://example.com"},
	}
	for _, c := range cases {
		if got := NormalizeURL(c.in); got != c.want {
			t.Errorf("NormalizeURL(%q) = %q, want %q", c.in, got, c.want)
		}
	}
}

func TestSourceTableDedup(t *testing.T) {
	table := NewSourceTable()
	now := time.Now()

	first, added := table.Add("https://example.com/a?utm_source=x", "Title A", "snippet", "sa-1", now)
	if !added || first.Index != 1 {
		t.Fatalf("first insert: added=%v index=%d", added, first.Index)
	}
	// Same page through a tracking link dedups to the original index.
	dup, added := table.Add("https://EXAMPLE.com/a", "", "", "sa-2", now.Add(time.Second))
	if added {
		t.Fatalf("duplicate URL must not create a new entry")
	}
	if dup.Index != 1 || dup.FirstSeenBy != "sa-1" {
		t.Fatalf("duplicate lost first-seen identity: %+v", dup)
	}

	second, added := table.Add("https://example.com/b", "Title B", "", "sa-2", now)
	if !added || second.Index != 2 {
		t.Fatalf("second insert: added=%v index=%d", added, second.Index)
	}
	if table.Len() != 2 {
		t.Fatalf("expected 2 entries, got %d", table.Len())
	}

	list := table.List()
	if list[0].URL != "https://example.com/a" || list[1].URL != "https://example.com/b" {
		t.Fatalf("first-seen ordering broken: %+v", list)
	}
}

func TestSourceTableBackfillsMetadata(t *testing.T) {
	table := NewSourceTable()
	now := time.Now()
	table.Add("https://example.com/a", "", "", "sa-1", now)
	table.Add("https://example.com/a", "Found Title", "found snippet", "sa-2", now)
	src, ok := table.Get("https://example.com/a")
	if !ok || src.Title != "Found Title" || src.Snippet != "found snippet" {
		t.Fatalf("metadata not backfilled: %+v", src)
	}
}

func TestSessionTerminalStatusIsFinal(t *testing.T) {
	s := NewSession("q", time.Now())
	s.SetStatus(SessionRunning)
	s.SetStatus(SessionCancelled)
	s.SetStatus(SessionCompleted)
	if s.Status() != SessionCancelled {
		t.Fatalf("terminal status must be final, got %s", s.Status())
	}
}

func TestSessionCancelIdempotent(t *testing.T) {
	s := NewSession("q", time.Now())
	calls := 0
	s.SetCancel(func() { calls++ })
	s.Cancel()
	s.Cancel()
	if calls != 1 {
		t.Fatalf("cancel must be idempotent, fired %d times", calls)
	}
}

func TestTranscriptIsolation(t *testing.T) {
	s := NewSession("q", time.Now())
	ta, tb := NewTranscript(), NewTranscript()
	s.AttachTranscript("sa-a", ta)
	s.AttachTranscript("sa-b", tb)
	ta.Append(TranscriptEntry{Role: "user", Content: "only in a"})

	got, _ := s.Transcript("sa-b")
	if got.Len() != 0 {
		t.Fatalf("transcript b must not see a's entries")
	}
}
