package redissnapshot

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupMiniRedis(t *testing.T) *redis.Client {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	return redis.NewClient(&redis.Options{Addr: mr.Addr()})
}

func TestStore_PutThenGetRoundTrips(t *testing.T) {
	t.Parallel()

	client := setupMiniRedis(t)
	s := New(client, "")

	require.NoError(t, s.Put(context.Background(), "jwks-cache/v1/t/p", []byte("payload"), time.Minute))

	val, found, err := s.Get(context.Background(), "jwks-cache/v1/t/p")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, []byte("payload"), val)
}

func TestStore_GetOnMissReturnsFalseNotError(t *testing.T) {
	t.Parallel()

	client := setupMiniRedis(t)
	s := New(client, "")

	val, found, err := s.Get(context.Background(), "jwks-cache/v1/missing/missing")
	require.NoError(t, err)
	assert.False(t, found)
	assert.Nil(t, val)
}

func TestStore_DeleteRemovesKey(t *testing.T) {
	t.Parallel()

	client := setupMiniRedis(t)
	s := New(client, "")

	require.NoError(t, s.Put(context.Background(), "key", []byte("v"), 0))
	require.NoError(t, s.Delete(context.Background(), "key"))

	_, found, err := s.Get(context.Background(), "key")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestStore_KeyPrefixIsApplied(t *testing.T) {
	t.Parallel()

	client := setupMiniRedis(t)
	s := New(client, "myapp:")

	require.NoError(t, s.Put(context.Background(), "key", []byte("v"), 0))

	raw, err := client.Get(context.Background(), "myapp:key").Bytes()
	require.NoError(t, err)
	assert.Equal(t, []byte("v"), raw)
}
