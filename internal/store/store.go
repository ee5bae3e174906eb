// Package store persists finished research sessions and the accounts
// and scheduled topics of the HTTP server. Backends: in-memory, Redis,
// Postgres; a bleve index powers full-text history search.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/mohammad-safakhou/deepscout/config"
	"github.com/mohammad-safakhou/deepscout/internal/agent/core"
)

// RecordVersion is the serialization version of SessionRecord. Only
// this package's reader and writer need to agree on it.
const RecordVersion = 1

// ErrNotFound is returned when a record does not exist.
var ErrNotFound = errors.New("not found")

// SessionRecord is the durable form of one research session.
type SessionRecord struct {
	Version        int                               `json:"version"`
	ID             string                            `json:"id"`
	Query          string                            `json:"query"`
	QueryType      string                            `json:"query_type"`
	Status         string                            `json:"status"`
	CreatedAt      time.Time                         `json:"created_at"`
	ConfigSnapshot config.ResearchConfig             `json:"config_snapshot"`
	Rounds         []core.Round                      `json:"rounds"`
	Transcripts    map[string][]core.TranscriptEntry `json:"transcripts"`
	Sources        []core.Source                     `json:"sources"`
	Draft          string                            `json:"draft"`
	CitedOutput    string                            `json:"cited_output"`
	FailedTasks    []string                          `json:"failed_tasks,omitempty"`
	TokensUsed     int64                             `json:"tokens_used"`
	CostUSD        float64                           `json:"cost_usd"`
	Error          string                            `json:"error,omitempty"`
}

// SessionSummary is the listing view of a record.
type SessionSummary struct {
	ID        string    `json:"id"`
	Query     string    `json:"query"`
	Status    string    `json:"status"`
	CreatedAt time.Time `json:"created_at"`
	Sources   int       `json:"sources"`
}

// Topic is a saved query, optionally re-run on a cron schedule.
type Topic struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	Query     string    `json:"query"`
	CronExpr  string    `json:"cron_expr,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	LastRunAt time.Time `json:"last_run_at,omitempty"`
}

// Store is the persistence interface shared by all backends.
type Store interface {
	SaveSession(ctx context.Context, rec SessionRecord) error
	GetSession(ctx context.Context, id string) (SessionRecord, error)
	ListSessions(ctx context.Context, limit int) ([]SessionSummary, error)

	CreateUser(ctx context.Context, email, passwordHash string) (string, error)
	GetUserByEmail(ctx context.Context, email string) (id string, passwordHash string, err error)

	SaveTopic(ctx context.Context, t Topic) error
	ListTopics(ctx context.Context) ([]Topic, error)
	TouchTopic(ctx context.Context, id string, ranAt time.Time) error

	Close() error
}

// New selects a backend from configuration.
func New(ctx context.Context, cfg config.StorageConfig) (Store, error) {
	switch cfg.Backend {
	case "memory", "":
		return NewMemoryStore(), nil
	case "redis":
		return NewRedisStore(cfg.Redis)
	case "postgres":
		dsn, err := cfg.Postgres.DSN()
		if err != nil {
			return nil, err
		}
		return NewPostgresStore(ctx, dsn)
	default:
		return nil, fmt.Errorf("unsupported storage backend: %s", cfg.Backend)
	}
}

// RecordFromSessionWithConfig snapshots a finished session along with
// the research configuration it ran under.
func RecordFromSessionWithConfig(s *core.Session, cfg config.ResearchConfig) SessionRecord {
	rec := RecordFromSession(s)
	rec.ConfigSnapshot = cfg
	return rec
}

// RecordFromSession snapshots a finished session into its durable form.
func RecordFromSession(s *core.Session) SessionRecord {
	transcripts := make(map[string][]core.TranscriptEntry)
	for _, id := range s.TranscriptIDs() {
		if tr, ok := s.Transcript(id); ok {
			transcripts[id] = tr.Entries()
		}
	}
	tokens, cost := s.Usage()
	return SessionRecord{
		Version:     RecordVersion,
		ID:          s.ID,
		Query:       s.Query,
		QueryType:   string(s.QueryType()),
		Status:      string(s.Status()),
		CreatedAt:   s.CreatedAt,
		Rounds:      s.Rounds(),
		Transcripts: transcripts,
		Sources:     s.Sources().List(),
		Draft:       s.Draft(),
		CitedOutput: s.CitedOutput(),
		FailedTasks: s.FailedTasks(),
		TokensUsed:  tokens,
		CostUSD:     cost,
		Error:       s.Err(),
	}
}
