package cache

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) (*Store, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewStore(client), mr
}

func TestStoreSetGetRoundTrip(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.Set(ctx, "greeting", map[string]any{"hello": "world"}, 0))

	var out map[string]string
	ok, err := store.GetJSON(ctx, "greeting", &out)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "world", out["hello"])
}

func TestStoreLowercasesKeys(t *testing.T) {
	store, mr := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.Set(ctx, "Users_1", 42, 0))
	require.True(t, mr.Exists("users_1"))
	require.False(t, mr.Exists("Users_1"))

	var got int
	ok, err := store.GetJSON(ctx, "USERS_1", &got)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, 42, got)
}

func TestStoreGetMissing(t *testing.T) {
	store, _ := newTestStore(t)

	_, ok, err := store.Get(context.Background(), "nope")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestStoreSetTTL(t *testing.T) {
	store, mr := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.Set(ctx, "ephemeral", 1, time.Minute))
	require.NoError(t, store.Set(ctx, "durable", 1, 0))

	require.Equal(t, time.Minute, mr.TTL("ephemeral"))
	require.Equal(t, time.Duration(0), mr.TTL("durable"))
}

func TestStoreGetManyPreservesOrder(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.Set(ctx, "a", 1, 0))
	require.NoError(t, store.Set(ctx, "c", 3, 0))

	payloads, err := store.GetMany(ctx, []string{"a", "b", "c"})
	require.NoError(t, err)
	require.Len(t, payloads, 3)
	require.NotNil(t, payloads[0])
	require.Nil(t, payloads[1])
	require.NotNil(t, payloads[2])
}

func TestStoreSetMany(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	err := store.SetMany(ctx, map[string]any{"one": 1, "two": 2}, time.Minute)
	require.NoError(t, err)

	var got int
	ok, err := store.GetJSON(ctx, "two", &got)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, 2, got)
}

func TestStoreDelete(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.Set(ctx, "gone", 1, 0))

	deleted, err := store.Delete(ctx, "gone")
	require.NoError(t, err)
	require.True(t, deleted)

	deleted, err = store.Delete(ctx, "gone")
	require.NoError(t, err)
	require.False(t, deleted)
}

func TestStoreIncrement(t *testing.T) {
	store, mr := newTestStore(t)
	ctx := context.Background()

	n, err := store.Increment(ctx, "hits", 1, time.Minute)
	require.NoError(t, err)
	require.Equal(t, int64(1), n)
	require.Equal(t, time.Minute, mr.TTL("hits"))

	n, err = store.Increment(ctx, "hits", 1, time.Minute)
	require.NoError(t, err)
	require.Equal(t, int64(2), n)
}
