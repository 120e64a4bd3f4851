package queue

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	mr, err := miniredis.Run()
	require.NoError(t, err)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})

	t.Cleanup(func() {
		client.Close()
		mr.Close()
	})

	return mr, client
}

func TestNewRedisQueue_RequiresClient(t *testing.T) {
	_, err := NewRedisQueue(nil, DefaultConfig("x"))
	assert.Error(t, err)

	_, client := setupTestRedis(t)
	_, err = NewRedisQueue(client, nil)
	assert.Error(t, err)
}

func TestRedisQueue_EnqueueDequeue(t *testing.T) {
	mr, client := setupTestRedis(t)
	ctx := context.Background()

	q, err := NewRedisQueue(client, DefaultConfig("pending-charges"))
	require.NoError(t, err)

	require.NoError(t, q.Enqueue(ctx, []byte(`{"session_id":"s1"}`)))
	require.NoError(t, q.Enqueue(ctx, []byte(`{"session_id":"s2"}`)))
	require.NoError(t, q.Enqueue(ctx, []byte(`{"session_id":"s3"}`)))

	assert.True(t, mr.Exists("queue:pending-charges"))

	length, err := q.Length(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, length)

	items, err := q.Dequeue(ctx, 2)
	require.NoError(t, err)
	require.Len(t, items, 2)
	assert.JSONEq(t, `{"session_id":"s1"}`, string(items[0]))
	assert.JSONEq(t, `{"session_id":"s2"}`, string(items[1]))

	items, err = q.DequeueWithTimeout(ctx, 10, time.Second)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.JSONEq(t, `{"session_id":"s3"}`, string(items[0]))
}

func TestRedisQueue_DequeueWithTimeoutEmpty(t *testing.T) {
	_, client := setupTestRedis(t)

	q, err := NewRedisQueue(client, DefaultConfig("empty"))
	require.NoError(t, err)

	items, err := q.DequeueWithTimeout(context.Background(), 10, time.Second)
	require.NoError(t, err)
	assert.Empty(t, items)
}

func TestRedisQueue_SurvivesNewInstance(t *testing.T) {
	_, client := setupTestRedis(t)
	ctx := context.Background()

	first, err := NewRedisQueue(client, DefaultConfig("durable"))
	require.NoError(t, err)
	require.NoError(t, first.Enqueue(ctx, []byte("charge")))
	require.NoError(t, first.Close())

	second, err := NewRedisQueue(client, DefaultConfig("durable"))
	require.NoError(t, err)

	items, err := second.DequeueWithTimeout(ctx, 1, time.Second)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "charge", string(items[0]))
}

func TestRedisDeadLetterQueue(t *testing.T) {
	mr, client := setupTestRedis(t)
	ctx := context.Background()

	dlq, err := NewRedisDeadLetterQueue(client, DefaultConfig("pending-charges"))
	require.NoError(t, err)

	require.NoError(t, dlq.Add(ctx, []byte("a"), errors.New("insufficient funds")))
	time.Sleep(2 * time.Millisecond)
	require.NoError(t, dlq.Add(ctx, []byte("b"), errors.New("account not found")))

	assert.True(t, mr.Exists("dlq:pending-charges"))

	items, err := dlq.List(ctx, 0)
	require.NoError(t, err)
	require.Len(t, items, 2)
	assert.Equal(t, "a", string(items[0].Payload))
	assert.Equal(t, "insufficient funds", items[0].Error)
	assert.Equal(t, "b", string(items[1].Payload))

	limited, err := dlq.List(ctx, 1)
	require.NoError(t, err)
	assert.Len(t, limited, 1)

	require.NoError(t, dlq.Remove(ctx, items[0].ID))
	assert.ErrorIs(t, dlq.Remove(ctx, items[0].ID), ErrItemNotFound)

	items, err = dlq.List(ctx, 0)
	require.NoError(t, err)
	assert.Len(t, items, 1)
}
