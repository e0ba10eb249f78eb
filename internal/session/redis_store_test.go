package session

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"bedrock-chatbot/internal/domain"
)

func setupMiniredis(t *testing.T, ttl time.Duration) (*miniredis.Miniredis, *RedisStore) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	store := NewRedisStoreFromClient(client, "test:", ttl)
	t.Cleanup(func() {
		_ = store.Close()
	})
	return mr, store
}

func TestRedisStore_PutAndGet(t *testing.T) {
	_, store := setupMiniredis(t, 0)
	ctx := context.Background()
	created := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	s := &domain.Session{
		ID:        "sess-1",
		ModelID:   "us.amazon.nova-lite-v1:0",
		CreatedAt: created,
		Turns: []domain.Turn{
			{SessionID: "sess-1", MessageID: "m1", Role: domain.RoleUser, Content: "Hello", Timestamp: created},
		},
	}

	require.NoError(t, store.Put(ctx, s))
	got, err := store.Get(ctx, "sess-1")
	require.NoError(t, err)
	require.Equal(t, s.ModelID, got.ModelID)
	require.True(t, created.Equal(got.CreatedAt))
	require.Len(t, got.Turns, 1)
	require.Equal(t, "Hello", got.Turns[0].Content)
}

func TestRedisStore_GetNotFound(t *testing.T) {
	_, store := setupMiniredis(t, 0)
	_, err := store.Get(context.Background(), "missing")
	require.ErrorIs(t, err, ErrSessionNotFound)
}

func TestRedisStore_Delete(t *testing.T) {
	_, store := setupMiniredis(t, 0)
	ctx := context.Background()
	require.NoError(t, store.Put(ctx, &domain.Session{ID: "sess-1"}))

	require.NoError(t, store.Delete(ctx, "sess-1"))
	_, err := store.Get(ctx, "sess-1")
	require.ErrorIs(t, err, ErrSessionNotFound)
	require.ErrorIs(t, store.Delete(ctx, "sess-1"), ErrSessionNotFound)

	ids, err := store.List(ctx)
	require.NoError(t, err)
	require.Empty(t, ids)
}

func TestRedisStore_ListPrunesExpiredSessions(t *testing.T) {
	mr, store := setupMiniredis(t, time.Hour)
	ctx := context.Background()
	require.NoError(t, store.Put(ctx, &domain.Session{ID: "a"}))
	require.NoError(t, store.Put(ctx, &domain.Session{ID: "b"}))

	ids, err := store.List(ctx)
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"a", "b"}, ids)

	mr.FastForward(2 * time.Hour)
	require.NoError(t, store.Put(ctx, &domain.Session{ID: "c"}))

	ids, err = store.List(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{"c"}, ids)

	members, err := mr.Members("test:sessions")
	require.NoError(t, err)
	require.Equal(t, []string{"c"}, members)
}

func TestRedisStore_BacksRegistry(t *testing.T) {
	_, store := setupMiniredis(t, 0)
	r, err := NewRegistry(store, WithPolicy(PolicyReject))
	require.NoError(t, err)
	ctx := context.Background()

	s, created, err := r.ResolveOrCreate(ctx, "", "model-x")
	require.NoError(t, err)
	require.True(t, created)

	s.Turns = append(s.Turns, domain.Turn{SessionID: s.ID, Role: domain.RoleUser, Content: "Hi"})
	require.NoError(t, r.Save(ctx, s))

	got, created, err := r.ResolveOrCreate(ctx, s.ID, "")
	require.NoError(t, err)
	require.False(t, created)
	require.Equal(t, "model-x", got.ModelID)
	require.Len(t, got.Turns, 1)

	_, _, err = r.ResolveOrCreate(ctx, "unknown", "")
	require.ErrorIs(t, err, ErrSessionNotFound)
}

func TestRedisStore_Ping(t *testing.T) {
	_, store := setupMiniredis(t, 0)
	require.NoError(t, store.Ping(context.Background()))

	down := NewRedisStoreFromClient(redis.NewClient(&redis.Options{Addr: "127.0.0.1:1", MaxRetries: -1}), "", 0)
	defer down.Close()
	require.Error(t, down.Ping(context.Background()))
}

func TestNewRedisStore_RequiresAddr(t *testing.T) {
	_, err := NewRedisStore(context.Background(), RedisConfig{})
	require.ErrorContains(t, err, "address is required")
}

func TestNewRedisStore_Connects(t *testing.T) {
	mr := miniredis.RunT(t)
	store, err := NewRedisStore(context.Background(), RedisConfig{Addr: mr.Addr()})
	require.NoError(t, err)
	require.NoError(t, store.Put(context.Background(), &domain.Session{ID: "x"}))
	require.True(t, mr.Exists("chatbot:session:x"))
	require.NoError(t, store.Close())
}
