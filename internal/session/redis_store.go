package session

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"

	"session_billing/internal/models"
)

// RedisStore keeps each session as a JSON document plus one set per state
type RedisStore struct {
	client *redis.Client
	prefix string
}

// NewRedisStore creates a session store using keys under prefix
func NewRedisStore(client *redis.Client, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "billing"
	}
	return &RedisStore{client: client, prefix: prefix}
}

func (r *RedisStore) key(id string) string { return r.prefix + ":session:" + id }
func (r *RedisStore) stateKey(state models.SessionState) string {
	return r.prefix + ":sessions:" + string(state)
}

// Create stores a new session unless the id is taken
func (r *RedisStore) Create(ctx context.Context, s *models.Session) error {
	c := s.Clone()
	if c.State == "" {
		c.State = models.SessionStatePending
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now()
	}
	c.UpdatedAt = c.CreatedAt

	data, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal session: %w", err)
	}

	created, err := r.client.SetNX(ctx, r.key(c.ID), data, 0).Result()
	if err != nil {
		return fmt.Errorf("failed to create session: %w", err)
	}
	if !created {
		return ErrSessionExists
	}
	if err := r.client.SAdd(ctx, r.stateKey(c.State), c.ID).Err(); err != nil {
		return fmt.Errorf("failed to index session: %w", err)
	}
	return nil
}

// Get loads a session
func (r *RedisStore) Get(ctx context.Context, id string) (*models.Session, error) {
	data, err := r.client.Get(ctx, r.key(id)).Bytes()
	if err == redis.Nil {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get session: %w", err)
	}

	var s models.Session
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("failed to unmarshal session: %w", err)
	}
	return &s, nil
}

// Update overwrites the document and moves the id to its state set
func (r *RedisStore) Update(ctx context.Context, s *models.Session) error {
	exists, err := r.client.Exists(ctx, r.key(s.ID)).Result()
	if err != nil {
		return fmt.Errorf("failed to check session: %w", err)
	}
	if exists == 0 {
		return ErrSessionNotFound
	}

	data, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("failed to marshal session: %w", err)
	}

	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, r.key(s.ID), data, 0)
		for _, st := range allStates {
			if st != s.State {
				pipe.SRem(ctx, r.stateKey(st), s.ID)
			}
		}
		pipe.SAdd(ctx, r.stateKey(s.State), s.ID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to update session: %w", err)
	}
	return nil
}

// ListByState loads every session indexed under state
func (r *RedisStore) ListByState(ctx context.Context, state models.SessionState) ([]*models.Session, error) {
	ids, err := r.client.SMembers(ctx, r.stateKey(state)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}

	out := make([]*models.Session, 0, len(ids))
	for _, id := range ids {
		s, err := r.Get(ctx, id)
		if err == ErrSessionNotFound {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

var allStates = []models.SessionState{
	models.SessionStatePending,
	models.SessionStateActive,
	models.SessionStateCompleted,
	models.SessionStateCancelled,
	models.SessionStateTerminatedInsufficientFunds,
}
