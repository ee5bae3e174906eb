package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/mohammad-safakhou/deepscout/config"
)

// RedisStore persists records as JSON blobs with a TTL. Sessions older
// than the TTL age out; accounts and topics are kept indefinitely.
type RedisStore struct {
	client *redis.Client
	ttl    time.Duration
}

const (
	redisSessionPrefix = "deepscout:session:"
	redisSessionIndex  = "deepscout:sessions"
	redisUserPrefix    = "deepscout:user:"
	redisTopicPrefix   = "deepscout:topic:"
	redisTopicIndex    = "deepscout:topics"
)

// NewRedisStore connects and pings the configured Redis.
func NewRedisStore(cfg config.RedisConfig) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%s", cfg.Host, cfg.Port),
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	ttl := time.Duration(cfg.TTLHours) * time.Hour
	if ttl <= 0 {
		ttl = 7 * 24 * time.Hour
	}
	return &RedisStore{client: client, ttl: ttl}, nil
}

func (r *RedisStore) SaveSession(ctx context.Context, rec SessionRecord) error {
	b, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	if err := r.client.Set(ctx, redisSessionPrefix+rec.ID, b, r.ttl).Err(); err != nil {
		return err
	}
	return r.client.ZAdd(ctx, redisSessionIndex, redis.Z{
		Score:  float64(rec.CreatedAt.UnixNano()),
		Member: rec.ID,
	}).Err()
}

func (r *RedisStore) GetSession(ctx context.Context, id string) (SessionRecord, error) {
	b, err := r.client.Get(ctx, redisSessionPrefix+id).Bytes()
	if errors.Is(err, redis.Nil) {
		return SessionRecord{}, ErrNotFound
	}
	if err != nil {
		return SessionRecord{}, err
	}
	var rec SessionRecord
	if err := json.Unmarshal(b, &rec); err != nil {
		return SessionRecord{}, err
	}
	return rec, nil
}

func (r *RedisStore) ListSessions(ctx context.Context, limit int) ([]SessionSummary, error) {
	if limit <= 0 {
		limit = 50
	}
	ids, err := r.client.ZRevRange(ctx, redisSessionIndex, 0, int64(limit-1)).Result()
	if err != nil {
		return nil, err
	}
	out := make([]SessionSummary, 0, len(ids))
	for _, id := range ids {
		rec, err := r.GetSession(ctx, id)
		if errors.Is(err, ErrNotFound) {
			continue // expired blob, index entry is stale
		}
		if err != nil {
			return nil, err
		}
		out = append(out, SessionSummary{
			ID:        rec.ID,
			Query:     rec.Query,
			Status:    rec.Status,
			CreatedAt: rec.CreatedAt,
			Sources:   len(rec.Sources),
		})
	}
	return out, nil
}

type redisUser struct {
	ID   string `json:"id"`
	Hash string `json:"hash"`
}

func (r *RedisStore) CreateUser(ctx context.Context, email, passwordHash string) (string, error) {
	id := uuid.NewString()
	b, _ := json.Marshal(redisUser{ID: id, Hash: passwordHash})
	ok, err := r.client.SetNX(ctx, redisUserPrefix+email, b, 0).Result()
	if err != nil {
		return "", err
	}
	if !ok {
		return "", fmt.Errorf("email already exists")
	}
	return id, nil
}

func (r *RedisStore) GetUserByEmail(ctx context.Context, email string) (string, string, error) {
	b, err := r.client.Get(ctx, redisUserPrefix+email).Bytes()
	if errors.Is(err, redis.Nil) {
		return "", "", ErrNotFound
	}
	if err != nil {
		return "", "", err
	}
	var u redisUser
	if err := json.Unmarshal(b, &u); err != nil {
		return "", "", err
	}
	return u.ID, u.Hash, nil
}

func (r *RedisStore) SaveTopic(ctx context.Context, t Topic) error {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	b, err := json.Marshal(t)
	if err != nil {
		return err
	}
	if err := r.client.Set(ctx, redisTopicPrefix+t.ID, b, 0).Err(); err != nil {
		return err
	}
	return r.client.SAdd(ctx, redisTopicIndex, t.ID).Err()
}

func (r *RedisStore) ListTopics(ctx context.Context) ([]Topic, error) {
	ids, err := r.client.SMembers(ctx, redisTopicIndex).Result()
	if err != nil {
		return nil, err
	}
	out := make([]Topic, 0, len(ids))
	for _, id := range ids {
		b, err := r.client.Get(ctx, redisTopicPrefix+id).Bytes()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return nil, err
		}
		var t Topic
		if err := json.Unmarshal(b, &t); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (r *RedisStore) TouchTopic(ctx context.Context, id string, ranAt time.Time) error {
	b, err := r.client.Get(ctx, redisTopicPrefix+id).Bytes()
	if errors.Is(err, redis.Nil) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	var t Topic
	if err := json.Unmarshal(b, &t); err != nil {
		return err
	}
	t.LastRunAt = ranAt
	nb, _ := json.Marshal(t)
	return r.client.Set(ctx, redisTopicPrefix+id, nb, 0).Err()
}

func (r *RedisStore) Close() error { return r.client.Close() }
