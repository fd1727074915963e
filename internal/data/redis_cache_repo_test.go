package data

import (
	"context"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pagewatch/pagewatch/internal/testutil"
)

// setupTestRedis creates a Redis client for testing.
// Tests will be skipped if Redis is not available.
func setupTestRedis(t *testing.T) *redis.Client {
	t.Helper()
	return testutil.SetupTestRedis(t)
}

func TestRedisCacheRepo_Set_Get_Delete(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}

	client := setupTestRedis(t)
	defer client.Close()

	repo := NewRedisCacheRepo(client)
	ctx := context.Background()

	t.Run("set and get", func(t *testing.T) {
		key := "pagewatch:test:key:1"
		value := []byte("test value")
		ttl := 5 * time.Minute

		err := repo.Set(ctx, key, value, ttl)
		require.NoError(t, err)

		result, err := repo.Get(ctx, key)
		require.NoError(t, err)
		assert.Equal(t, value, result)

		actualTTL := client.TTL(ctx, key).Val()
		assert.True(t, actualTTL > 0 && actualTTL <= ttl)
	})

	t.Run("get non-existent key", func(t *testing.T) {
		result, err := repo.Get(ctx, "pagewatch:test:missing")
		require.NoError(t, err)
		assert.Nil(t, result)
	})

	t.Run("delete existing key", func(t *testing.T) {
		key := "pagewatch:test:key:2"

		err := repo.Set(ctx, key, []byte("to be deleted"), time.Minute)
		require.NoError(t, err)

		deleted, err := repo.Delete(ctx, key)
		require.NoError(t, err)
		assert.True(t, deleted)

		result, err := repo.Get(ctx, key)
		require.NoError(t, err)
		assert.Nil(t, result)
	})

	t.Run("delete non-existent key", func(t *testing.T) {
		deleted, err := repo.Delete(ctx, "pagewatch:test:missing")
		require.NoError(t, err)
		assert.False(t, deleted)
	})

	t.Run("exists", func(t *testing.T) {
		key := "pagewatch:test:key:3"

		exists, err := repo.Exists(ctx, key)
		require.NoError(t, err)
		assert.False(t, exists)

		err = repo.Set(ctx, key, []byte("exists test"), time.Minute)
		require.NoError(t, err)

		exists, err = repo.Exists(ctx, key)
		require.NoError(t, err)
		assert.True(t, exists)
	})

	t.Run("set TTL", func(t *testing.T) {
		key := "pagewatch:test:key:4"

		err := repo.Set(ctx, key, []byte("ttl test"), time.Minute)
		require.NoError(t, err)

		updated, err := repo.SetTTL(ctx, key, 2*time.Minute)
		require.NoError(t, err)
		assert.True(t, updated)

		actualTTL := client.TTL(ctx, key).Val()
		assert.True(t, actualTTL > time.Minute && actualTTL <= 2*time.Minute)
	})

	t.Run("set TTL on non-existent key", func(t *testing.T) {
		updated, err := repo.SetTTL(ctx, "pagewatch:test:missing", time.Minute)
		require.NoError(t, err)
		assert.False(t, updated)
	})

	t.Run("empty key is rejected", func(t *testing.T) {
		err := repo.Set(ctx, "", []byte("x"), time.Minute)
		require.Error(t, err)

		_, err = repo.Get(ctx, "")
		require.Error(t, err)
	})
}

func TestRedisCacheRepo_SetIfNotExists(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}

	client := setupTestRedis(t)
	defer client.Close()

	repo := NewRedisCacheRepo(client)
	ctx := context.Background()

	t.Run("sets when key is absent", func(t *testing.T) {
		key := "pagewatch:test:nx:1"

		set, err := repo.SetIfNotExists(ctx, key, []byte("first"), time.Minute)
		require.NoError(t, err)
		assert.True(t, set)

		value, err := repo.Get(ctx, key)
		require.NoError(t, err)
		assert.Equal(t, []byte("first"), value)
	})

	t.Run("does not overwrite an existing key", func(t *testing.T) {
		key := "pagewatch:test:nx:2"

		set, err := repo.SetIfNotExists(ctx, key, []byte("first"), time.Minute)
		require.NoError(t, err)
		require.True(t, set)

		set, err = repo.SetIfNotExists(ctx, key, []byte("second"), time.Minute)
		require.NoError(t, err)
		assert.False(t, set)

		value, err := repo.Get(ctx, key)
		require.NoError(t, err)
		assert.Equal(t, []byte("first"), value)
	})

	t.Run("non-positive TTL is clamped", func(t *testing.T) {
		key := "pagewatch:test:nx:3"

		set, err := repo.SetIfNotExists(ctx, key, []byte("clamped"), 0)
		require.NoError(t, err)
		assert.True(t, set)

		actualTTL := client.TTL(ctx, key).Val()
		assert.True(t, actualTTL > 0 && actualTTL <= time.Second)
	})
}

func TestRedisCacheRepo_Health(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}

	client := setupTestRedis(t)
	defer client.Close()

	repo := NewRedisCacheRepo(client)
	require.NoError(t, repo.Health(context.Background()))
}
