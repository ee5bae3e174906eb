package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore keeps everything in process. The default backend for
// one-shot CLI runs and tests.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]SessionRecord
	users    map[string]memUser // email -> user
	topics   map[string]Topic
}

type memUser struct {
	id   string
	hash string
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions: make(map[string]SessionRecord),
		users:    make(map[string]memUser),
		topics:   make(map[string]Topic),
	}
}

func (m *MemoryStore) SaveSession(ctx context.Context, rec SessionRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[rec.ID] = rec
	return nil
}

func (m *MemoryStore) GetSession(ctx context.Context, id string) (SessionRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.sessions[id]
	if !ok {
		return SessionRecord{}, ErrNotFound
	}
	return rec, nil
}

func (m *MemoryStore) ListSessions(ctx context.Context, limit int) ([]SessionSummary, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]SessionSummary, 0, len(m.sessions))
	for _, rec := range m.sessions {
		out = append(out, SessionSummary{
			ID:        rec.ID,
			Query:     rec.Query,
			Status:    rec.Status,
			CreatedAt: rec.CreatedAt,
			Sources:   len(rec.Sources),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) CreateUser(ctx context.Context, email, passwordHash string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.users[email]; exists {
		return "", fmt.Errorf("email already exists")
	}
	id := uuid.NewString()
	m.users[email] = memUser{id: id, hash: passwordHash}
	return id, nil
}

func (m *MemoryStore) GetUserByEmail(ctx context.Context, email string) (string, string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	u, ok := m.users[email]
	if !ok {
		return "", "", ErrNotFound
	}
	return u.id, u.hash, nil
}

func (m *MemoryStore) SaveTopic(ctx context.Context, t Topic) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	m.topics[t.ID] = t
	return nil
}

func (m *MemoryStore) ListTopics(ctx context.Context) ([]Topic, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Topic, 0, len(m.topics))
	for _, t := range m.topics {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *MemoryStore) TouchTopic(ctx context.Context, id string, ranAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.topics[id]
	if !ok {
		return ErrNotFound
	}
	t.LastRunAt = ranAt
	m.topics[id] = t
	return nil
}

func (m *MemoryStore) Close() error { return nil }
