package session

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"session_billing/internal/models"
)

func setupTestRedis(t *testing.T) *redis.Client {
	mr, err := miniredis.Run()
	require.NoError(t, err)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() {
		client.Close()
		mr.Close()
	})
	return client
}

func stores(t *testing.T) map[string]Store {
	return map[string]Store{
		"memory": NewMemoryStore(),
		"redis":  NewRedisStore(setupTestRedis(t), "test"),
	}
}

func TestStore_Lifecycle(t *testing.T) {
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			s := &models.Session{ID: "s1", ClientAccountID: "c1", ProviderAccountID: "p1", Type: models.SessionTypeChat}
			require.NoError(t, store.Create(ctx, s))
			assert.ErrorIs(t, store.Create(ctx, s), ErrSessionExists)

			got, err := store.Get(ctx, "s1")
			require.NoError(t, err)
			assert.Equal(t, models.SessionStatePending, got.State)
			assert.Equal(t, models.SessionTypeChat, got.Type)

			require.NoError(t, Activate(got, 250, time.Now()))
			require.NoError(t, store.Update(ctx, got))

			active, err := store.ListByState(ctx, models.SessionStateActive)
			require.NoError(t, err)
			require.Len(t, active, 1)
			assert.Equal(t, int64(250), active[0].RatePerMinute)

			pending, err := store.ListByState(ctx, models.SessionStatePending)
			require.NoError(t, err)
			assert.Empty(t, pending)
		})
	}
}

func TestStore_NotFound(t *testing.T) {
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			_, err := store.Get(ctx, "missing")
			assert.ErrorIs(t, err, ErrSessionNotFound)

			err = store.Update(ctx, &models.Session{ID: "missing"})
			assert.ErrorIs(t, err, ErrSessionNotFound)
		})
	}
}

func TestMemoryStore_ReturnsCopies(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, store.Create(ctx, &models.Session{ID: "s1"}))

	got, err := store.Get(ctx, "s1")
	require.NoError(t, err)
	got.TotalCharged = 1000

	again, err := store.Get(ctx, "s1")
	require.NoError(t, err)
	assert.Zero(t, again.TotalCharged)
}
