package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/mohammad-safakhou/deepscout/internal/agent/core"
)

func sampleRecord(id, query, report string) SessionRecord {
	return SessionRecord{
		Version:     RecordVersion,
		ID:          id,
		Query:       query,
		Status:      "completed",
		CreatedAt:   time.Now(),
		CitedOutput: report,
		Sources:     []core.Source{{URL: "https://example.com", Index: 1}},
	}
}

func TestMemoryStoreSessions(t *testing.T) {
	ctx := context.Background()
	st := NewMemoryStore()

	rec := sampleRecord("s1", "capital of France", "Paris is the capital.")
	if err := st.SaveSession(ctx, rec); err != nil {
		t.Fatalf("save: %v", err)
	}
	got, err := st.GetSession(ctx, "s1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Query != rec.Query || len(got.Sources) != 1 {
		t.Fatalf("round-trip mismatch: %+v", got)
	}
	if _, err := st.GetSession(ctx, "missing"); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	list, err := st.ListSessions(ctx, 10)
	if err != nil || len(list) != 1 {
		t.Fatalf("list: %v (%d entries)", err, len(list))
	}
}

func TestMemoryStoreUsers(t *testing.T) {
	ctx := context.Background()
	st := NewMemoryStore()

	id, err := st.CreateUser(ctx, "a@example.com", "hash")
	if err != nil || id == "" {
		t.Fatalf("create user: %v", err)
	}
	if _, err := st.CreateUser(ctx, "a@example.com", "hash2"); err == nil {
		t.Fatalf("expected duplicate email error")
	}
	gotID, hash, err := st.GetUserByEmail(ctx, "a@example.com")
	if err != nil || gotID != id || hash != "hash" {
		t.Fatalf("get user: %v %s %s", err, gotID, hash)
	}
}

func TestMemoryStoreTopics(t *testing.T) {
	ctx := context.Background()
	st := NewMemoryStore()

	topic := Topic{UserID: "u1", Query: "ai news", CronExpr: "0 8 * * *", CreatedAt: time.Now()}
	if err := st.SaveTopic(ctx, topic); err != nil {
		t.Fatalf("save topic: %v", err)
	}
	topics, err := st.ListTopics(ctx)
	if err != nil || len(topics) != 1 {
		t.Fatalf("list topics: %v (%d)", err, len(topics))
	}
	if err := st.TouchTopic(ctx, topics[0].ID, time.Now()); err != nil {
		t.Fatalf("touch topic: %v", err)
	}
}

func TestReportIndexSearch(t *testing.T) {
	path := filepath.Join(t.TempDir(), "reports.bleve")
	idx, err := OpenReportIndex(path)
	if err != nil {
		t.Fatalf("open index: %v", err)
	}
	defer idx.Close()

	if err := idx.Index(sampleRecord("s1", "capital of France", "Paris is the capital of France.")); err != nil {
		t.Fatalf("index: %v", err)
	}
	if err := idx.Index(sampleRecord("s2", "go concurrency", "Goroutines and channels are the primitives.")); err != nil {
		t.Fatalf("index: %v", err)
	}

	hits, err := idx.Search("Paris", 5)
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(hits) != 1 || hits[0].SessionID != "s1" {
		t.Fatalf("unexpected hits: %+v", hits)
	}
}
