//go:build integration

package cache_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cohortd/cohortd/internal/cache"
	"github.com/cohortd/cohortd/internal/testsupport"
)

// TestRedisStore_Integration verifies the byte store against a real Redis:
// round-trip, missing keys, TTL expiry, and multi-key deletes.
func TestRedisStore_Integration(t *testing.T) {
	ctx := context.Background()

	redisContainer, err := testsupport.StartRedisContainer(ctx)
	require.NoError(t, err, "failed to start redis container")
	defer func() {
		if err := redisContainer.Terminate(ctx); err != nil {
			t.Logf("failed to terminate container: %v", err)
		}
	}()

	store := cache.NewRedisStore(redisContainer.Client)

	t.Run("set then get round-trips", func(t *testing.T) {
		require.NoError(t, store.Set(ctx, "user:u1:experiments", []byte(`{"a":1}`), time.Minute))

		raw, err := store.Get(ctx, "user:u1:experiments")
		require.NoError(t, err)
		assert.Equal(t, []byte(`{"a":1}`), raw)
	})

	t.Run("missing key yields ErrNotFound", func(t *testing.T) {
		_, err := store.Get(ctx, "user:unknown:experiments")
		assert.ErrorIs(t, err, cache.ErrNotFound)
	})

	t.Run("ttl expires the entry", func(t *testing.T) {
		require.NoError(t, store.Set(ctx, "user:u2:experiments", []byte(`{}`), 200*time.Millisecond))

		require.Eventually(t, func() bool {
			_, err := store.Get(ctx, "user:u2:experiments")
			return err != nil
		}, 2*time.Second, 50*time.Millisecond)
	})

	t.Run("delete drops several keys at once", func(t *testing.T) {
		require.NoError(t, store.Set(ctx, "user:u3:experiments", []byte(`{}`), time.Minute))
		require.NoError(t, store.Set(ctx, "user:u3:banner_mixture", []byte(`{}`), time.Minute))

		require.NoError(t, store.Delete(ctx, "user:u3:experiments", "user:u3:banner_mixture"))

		_, err := store.Get(ctx, "user:u3:experiments")
		assert.ErrorIs(t, err, cache.ErrNotFound)
		_, err = store.Get(ctx, "user:u3:banner_mixture")
		assert.ErrorIs(t, err, cache.ErrNotFound)

		// Deleting again is a no-op, not an error.
		assert.NoError(t, store.Delete(ctx, "user:u3:experiments"))
	})
}
