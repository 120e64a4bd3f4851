package notify

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/twmb/franz-go/pkg/kgo"

	"session_billing/internal/models"
)

func testEvent() SessionEvent {
	s := &models.Session{
		ID:                "s1",
		ClientAccountID:   "client",
		ProviderAccountID: "reader",
		State:             models.SessionStateTerminatedInsufficientFunds,
		EndReason:         "insufficient funds",
		TotalCharged:      500,
	}
	return NewSessionEvent(s, time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC))
}

func TestEventForState(t *testing.T) {
	tests := []struct {
		state models.SessionState
		want  EventType
	}{
		{models.SessionStateActive, EventSessionActivated},
		{models.SessionStateCompleted, EventSessionCompleted},
		{models.SessionStateCancelled, EventSessionCancelled},
		{models.SessionStateTerminatedInsufficientFunds, EventSessionTerminated},
	}
	for _, tt := range tests {
		t.Run(string(tt.state), func(t *testing.T) {
			assert.Equal(t, tt.want, EventForState(tt.state))
		})
	}
}

func TestRedisNotifier_Publish(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	ctx := context.Background()
	sub := client.Subscribe(ctx, "session-events")
	defer sub.Close()
	_, err = sub.Receive(ctx)
	require.NoError(t, err)

	n := NewRedisNotifier(client, "session-events")
	require.NoError(t, n.Publish(ctx, testEvent()))

	select {
	case msg := <-sub.Channel():
		var got SessionEvent
		require.NoError(t, json.Unmarshal([]byte(msg.Payload), &got))
		assert.Equal(t, EventSessionTerminated, got.Type)
		assert.Equal(t, "s1", got.SessionID)
		assert.Equal(t, int64(500), got.TotalCharged)
	case <-time.After(2 * time.Second):
		t.Fatal("no message received")
	}
}

type fakeProducer struct {
	mu      sync.Mutex
	records []*kgo.Record
	err     error
}

func (f *fakeProducer) ProduceSync(ctx context.Context, rs ...*kgo.Record) kgo.ProduceResults {
	f.mu.Lock()
	defer f.mu.Unlock()

	results := make(kgo.ProduceResults, 0, len(rs))
	for _, r := range rs {
		f.records = append(f.records, r)
		results = append(results, kgo.ProduceResult{Record: r, Err: f.err})
	}
	return results
}

func TestKafkaNotifier_Publish(t *testing.T) {
	producer := &fakeProducer{}
	n := NewKafkaNotifierWithProducer(producer, "session-events")

	require.NoError(t, n.Publish(context.Background(), testEvent()))

	require.Len(t, producer.records, 1)
	r := producer.records[0]
	assert.Equal(t, "session-events", r.Topic)
	assert.Equal(t, "s1", string(r.Key))
	assert.Equal(t, "event_type", r.Headers[0].Key)
	assert.Equal(t, string(EventSessionTerminated), string(r.Headers[0].Value))
	assert.NoError(t, n.Close())
}

func TestKafkaNotifier_ProduceError(t *testing.T) {
	producer := &fakeProducer{err: errors.New("broker down")}
	n := NewKafkaNotifierWithProducer(producer, "session-events")

	err := n.Publish(context.Background(), testEvent())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "broker down")
}

type errNotifier struct{ err error }

func (e errNotifier) Publish(context.Context, SessionEvent) error { return e.err }

func TestMultiNotifier(t *testing.T) {
	producer := &fakeProducer{}
	first := errors.New("first")

	m := MultiNotifier{
		errNotifier{err: first},
		NewKafkaNotifierWithProducer(producer, "t"),
		NewLogNotifier(),
	}

	err := m.Publish(context.Background(), testEvent())
	assert.ErrorIs(t, err, first)
	assert.Len(t, producer.records, 1, "later notifiers still run after a failure")

	assert.NoError(t, MultiNotifier{NewLogNotifier()}.Publish(context.Background(), testEvent()))
}
