package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq"
)

// PostgresStore persists records in Postgres. The schema lives in
// migrations/ and is applied by the migrate command.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore opens and pings the database.
func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &PostgresStore{db: db}, nil
}

func (p *PostgresStore) SaveSession(ctx context.Context, rec SessionRecord) error {
	payload, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	_, err = p.db.ExecContext(ctx, `
		INSERT INTO sessions (id, query, status, created_at, source_count, record)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO UPDATE SET status = EXCLUDED.status, source_count = EXCLUDED.source_count, record = EXCLUDED.record`,
		rec.ID, rec.Query, rec.Status, rec.CreatedAt, len(rec.Sources), payload)
	return err
}

func (p *PostgresStore) GetSession(ctx context.Context, id string) (SessionRecord, error) {
	var payload []byte
	err := p.db.QueryRowContext(ctx, `SELECT record FROM sessions WHERE id = $1`, id).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return SessionRecord{}, ErrNotFound
	}
	if err != nil {
		return SessionRecord{}, err
	}
	var rec SessionRecord
	if err := json.Unmarshal(payload, &rec); err != nil {
		return SessionRecord{}, err
	}
	return rec, nil
}

func (p *PostgresStore) ListSessions(ctx context.Context, limit int) ([]SessionSummary, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, query, status, created_at, source_count
		FROM sessions ORDER BY created_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []SessionSummary
	for rows.Next() {
		var s SessionSummary
		if err := rows.Scan(&s.ID, &s.Query, &s.Status, &s.CreatedAt, &s.Sources); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func (p *PostgresStore) CreateUser(ctx context.Context, email, passwordHash string) (string, error) {
	id := uuid.NewString()
	_, err := p.db.ExecContext(ctx,
		`INSERT INTO users (id, email, password_hash, created_at) VALUES ($1, $2, $3, now())`,
		id, email, passwordHash)
	if err != nil {
		return "", err
	}
	return id, nil
}

func (p *PostgresStore) GetUserByEmail(ctx context.Context, email string) (string, string, error) {
	var id, hash string
	err := p.db.QueryRowContext(ctx, `SELECT id, password_hash FROM users WHERE email = $1`, email).Scan(&id, &hash)
	if errors.Is(err, sql.ErrNoRows) {
		return "", "", ErrNotFound
	}
	if err != nil {
		return "", "", err
	}
	return id, hash, nil
}

func (p *PostgresStore) SaveTopic(ctx context.Context, t Topic) error {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO topics (id, user_id, query, cron_expr, created_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO UPDATE SET query = EXCLUDED.query, cron_expr = EXCLUDED.cron_expr`,
		t.ID, t.UserID, t.Query, t.CronExpr, t.CreatedAt)
	return err
}

func (p *PostgresStore) ListTopics(ctx context.Context) ([]Topic, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, user_id, query, COALESCE(cron_expr, ''), created_at, COALESCE(last_run_at, 'epoch'::timestamptz)
		FROM topics ORDER BY created_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Topic
	for rows.Next() {
		var t Topic
		if err := rows.Scan(&t.ID, &t.UserID, &t.Query, &t.CronExpr, &t.CreatedAt, &t.LastRunAt); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (p *PostgresStore) TouchTopic(ctx context.Context, id string, ranAt time.Time) error {
	res, err := p.db.ExecContext(ctx, `UPDATE topics SET last_run_at = $2 WHERE id = $1`, id, ranAt)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *PostgresStore) Close() error { return p.db.Close() }
