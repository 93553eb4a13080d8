package registry

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client, *RedisRegistry) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{
		Addr: mr.Addr(),
	})
	t.Cleanup(func() { _ = client.Close() })

	return mr, client, NewRedisRegistry(client, nil, 5*time.Minute)
}

func testSession(id string) *Session {
	return &Session{
		ID:              id,
		Accessory:       "front-door",
		Status:          StatusPending,
		PeerAddress:     "192.168.1.20",
		IPVersion:       "ipv4",
		VideoPort:       51000,
		VideoReturnPort: 40001,
		VideoSSRC:       4000000000,
		AudioPort:       51002,
		AudioReturnPort: 40002,
		AudioSSRC:       12345,
	}
}

func TestRedisRegistry_Register(t *testing.T) {
	_, client, registry := setupTestRedis(t)
	ctx := context.Background()

	session := testSession("sess-1")
	require.NoError(t, registry.Register(ctx, session))

	exists, err := client.Exists(ctx, "doorway:sessions:sess-1").Result()
	require.NoError(t, err)
	assert.Equal(t, int64(1), exists)

	members, err := client.SMembers(ctx, "doorway:sessions:index").Result()
	require.NoError(t, err)
	assert.Equal(t, []string{"sess-1"}, members)

	got, err := registry.Get(ctx, "sess-1")
	require.NoError(t, err)
	assert.Equal(t, "front-door", got.Accessory)
	assert.Equal(t, uint32(4000000000), got.VideoSSRC)
	assert.Equal(t, 40002, got.AudioReturnPort)
	assert.Equal(t, StatusPending, got.Status)
}

func TestRedisRegistry_RegisterPreservesCreatedAt(t *testing.T) {
	_, _, registry := setupTestRedis(t)
	ctx := context.Background()

	first := testSession("sess-2")
	first.CreatedAt = time.Now().Add(-time.Hour).UTC()
	require.NoError(t, registry.Register(ctx, first))

	second := testSession("sess-2")
	second.VideoCodec = "libx264"
	require.NoError(t, registry.Register(ctx, second))

	got, err := registry.Get(ctx, "sess-2")
	require.NoError(t, err)
	assert.Equal(t, first.CreatedAt.Unix(), got.CreatedAt.Unix())
	assert.Equal(t, "libx264", got.VideoCodec)
}

func TestRedisRegistry_Heartbeat(t *testing.T) {
	mr, _, registry := setupTestRedis(t)
	ctx := context.Background()

	require.NoError(t, registry.Register(ctx, testSession("sess-4")))
	before, err := registry.Get(ctx, "sess-4")
	require.NoError(t, err)

	mr.FastForward(4 * time.Minute)
	time.Sleep(2 * time.Millisecond)
	require.NoError(t, registry.Heartbeat(ctx, "sess-4"))

	// Heartbeat resets the TTL, so the key survives past the original expiry.
	mr.FastForward(2 * time.Minute)
	after, err := registry.Get(ctx, "sess-4")
	require.NoError(t, err)
	assert.True(t, after.LastHeartbeat.After(before.LastHeartbeat))

	assert.ErrorIs(t, registry.Heartbeat(ctx, "missing"), ErrSessionNotFound)
}

func TestRedisRegistry_Unregister(t *testing.T) {
	_, client, registry := setupTestRedis(t)
	ctx := context.Background()

	require.NoError(t, registry.Register(ctx, testSession("sess-5")))
	require.NoError(t, registry.Unregister(ctx, "sess-5"))

	_, err := registry.Get(ctx, "sess-5")
	assert.ErrorIs(t, err, ErrSessionNotFound)

	members, err := client.SMembers(ctx, "doorway:sessions:index").Result()
	require.NoError(t, err)
	assert.Empty(t, members)

	assert.ErrorIs(t, registry.Unregister(ctx, "sess-5"), ErrSessionNotFound)
}

func TestRedisRegistry_ListPrunesExpired(t *testing.T) {
	mr, client, registry := setupTestRedis(t)
	ctx := context.Background()

	a := testSession("a")
	a.CreatedAt = time.Now().Add(-2 * time.Minute).UTC()
	b := testSession("b")
	b.CreatedAt = time.Now().Add(-time.Minute).UTC()
	require.NoError(t, registry.Register(ctx, b))
	require.NoError(t, registry.Register(ctx, a))

	sessions, err := registry.List(ctx)
	require.NoError(t, err)
	require.Len(t, sessions, 2)
	assert.Equal(t, "a", sessions[0].ID)
	assert.Equal(t, "b", sessions[1].ID)

	mr.FastForward(6 * time.Minute)

	sessions, err = registry.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, sessions)

	members, err := client.SMembers(ctx, "doorway:sessions:index").Result()
	require.NoError(t, err)
	assert.Empty(t, members)
}

func TestRedisRegistry_ConnectionError(t *testing.T) {
	mr, _, registry := setupTestRedis(t)
	mr.Close()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	assert.Error(t, registry.Register(ctx, testSession("x")))
	_, err := registry.List(ctx)
	assert.Error(t, err)
}
