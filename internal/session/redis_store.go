package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"bedrock-chatbot/internal/domain"
)

// RedisStore keeps sessions in Redis so several service instances can share
// them. Each session is a JSON document; a set indexes the live ids.
type RedisStore struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// RedisConfig holds Redis connection configuration.
type RedisConfig struct {
	// Addr is the Redis server address (host:port).
	Addr     string
	Password string
	DB       int
	// Prefix is the key prefix for all session keys (default: "chatbot:").
	Prefix string
	// TTL expires idle sessions (0 = never expire).
	TTL time.Duration
}

// NewRedisStore connects to Redis and verifies the connection.
func NewRedisStore(ctx context.Context, cfg RedisConfig) (*RedisStore, error) {
	if cfg.Addr == "" {
		return nil, errors.New("session: redis address is required")
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("session: redis ping failed: %w", err)
	}
	return NewRedisStoreFromClient(client, cfg.Prefix, cfg.TTL), nil
}

// NewRedisStoreFromClient wraps an existing client.
func NewRedisStoreFromClient(client *redis.Client, prefix string, ttl time.Duration) *RedisStore {
	if prefix == "" {
		prefix = "chatbot:"
	}
	return &RedisStore{client: client, prefix: prefix, ttl: ttl}
}

func (r *RedisStore) sessionKey(id string) string {
	return r.prefix + "session:" + id
}

func (r *RedisStore) indexKey() string {
	return r.prefix + "sessions"
}

func (r *RedisStore) Get(ctx context.Context, id string) (*domain.Session, error) {
	data, err := r.client.Get(ctx, r.sessionKey(id)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrSessionNotFound
		}
		return nil, fmt.Errorf("session: redis get: %w", err)
	}
	var s domain.Session
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("session: unmarshal session: %w", err)
	}
	return &s, nil
}

func (r *RedisStore) Put(ctx context.Context, s *domain.Session) error {
	if s == nil || s.ID == "" {
		return errors.New("session: put requires a session with an id")
	}
	data, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("session: marshal session: %w", err)
	}
	pipe := r.client.TxPipeline()
	pipe.Set(ctx, r.sessionKey(s.ID), data, r.ttl)
	pipe.SAdd(ctx, r.indexKey(), s.ID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("session: redis put: %w", err)
	}
	return nil
}

func (r *RedisStore) Delete(ctx context.Context, id string) error {
	pipe := r.client.TxPipeline()
	del := pipe.Del(ctx, r.sessionKey(id))
	pipe.SRem(ctx, r.indexKey(), id)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("session: redis delete: %w", err)
	}
	if del.Val() == 0 {
		return ErrSessionNotFound
	}
	return nil
}

// List returns the indexed ids whose documents still exist. Ids whose
// documents expired are pruned from the index.
func (r *RedisStore) List(ctx context.Context) ([]string, error) {
	ids, err := r.client.SMembers(ctx, r.indexKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("session: redis list: %w", err)
	}
	if len(ids) == 0 {
		return []string{}, nil
	}

	pipe := r.client.Pipeline()
	exists := make([]*redis.IntCmd, len(ids))
	for i, id := range ids {
		exists[i] = pipe.Exists(ctx, r.sessionKey(id))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("session: redis list exists: %w", err)
	}

	live := make([]string, 0, len(ids))
	var stale []any
	for i, id := range ids {
		if exists[i].Val() > 0 {
			live = append(live, id)
			continue
		}
		stale = append(stale, id)
	}
	if len(stale) > 0 {
		// Best effort; the next List retries.
		_ = r.client.SRem(ctx, r.indexKey(), stale...).Err()
	}
	return live, nil
}

// Ping checks if the Redis connection is alive.
func (r *RedisStore) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

// Close releases the underlying connection pool.
func (r *RedisStore) Close() error {
	return r.client.Close()
}
