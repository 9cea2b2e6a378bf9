package ratelimit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// store persists quota state per resource.
type store interface {
	get(ctx context.Context, resource string) (*QuotaState, error)
	set(ctx context.Context, state *QuotaState) error
}

// redisStore keeps state in Redis so every process sharing the token sees
// the same quota.
type redisStore struct {
	client *redis.Client
}

func (s *redisStore) get(ctx context.Context, resource string) (*QuotaState, error) {
	pipe := s.client.Pipeline()
	limitCmd := pipe.Get(ctx, redisKey(resource, redisKeyLimit))
	remainingCmd := pipe.Get(ctx, redisKey(resource, redisKeyRemaining))
	resetCmd := pipe.Get(ctx, redisKey(resource, redisKeyReset))
	updateCmd := pipe.Get(ctx, redisKey(resource, redisKeyUpdate))

	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("read quota state: %w", err)
	}

	state := &QuotaState{Resource: resource}

	updateStr, err := updateCmd.Result()
	if errors.Is(err, redis.Nil) {
		return state, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get last update: %w", err)
	}
	if err := json.Unmarshal([]byte(updateStr), &state.LastUpdate); err != nil {
		return nil, fmt.Errorf("parse last update: %w", err)
	}

	if state.Limit, err = limitCmd.Int(); err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("get limit: %w", err)
	}
	if state.Remaining, err = remainingCmd.Int(); err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("get remaining: %w", err)
	}
	resetUnix, err := resetCmd.Int64()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("get reset timestamp: %w", err)
	}
	state.ResetAt = time.Unix(resetUnix, 0)

	return state, nil
}

func (s *redisStore) set(ctx context.Context, state *QuotaState) error {
	lastUpdateJSON, err := json.Marshal(state.LastUpdate)
	if err != nil {
		return fmt.Errorf("marshal last update: %w", err)
	}

	// Entries expire shortly after the window resets.
	ttl := time.Until(state.ResetAt) + time.Minute
	if ttl < time.Minute {
		ttl = time.Minute
	}

	pipe := s.client.TxPipeline()
	pipe.Set(ctx, redisKey(state.Resource, redisKeyLimit), state.Limit, ttl)
	pipe.Set(ctx, redisKey(state.Resource, redisKeyRemaining), state.Remaining, ttl)
	pipe.Set(ctx, redisKey(state.Resource, redisKeyReset), state.ResetAt.Unix(), ttl)
	pipe.Set(ctx, redisKey(state.Resource, redisKeyUpdate), lastUpdateJSON, ttl)

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("store quota state in redis: %w", err)
	}
	return nil
}

// memoryStore is used when no Redis client is configured.
type memoryStore struct {
	mu     sync.RWMutex
	states map[string]QuotaState
}

func newMemoryStore() *memoryStore {
	return &memoryStore{states: make(map[string]QuotaState)}
}

func (s *memoryStore) get(_ context.Context, resource string) (*QuotaState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	state, ok := s.states[resource]
	if !ok {
		return &QuotaState{Resource: resource}, nil
	}
	return &state, nil
}

func (s *memoryStore) set(_ context.Context, state *QuotaState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.states[state.Resource] = *state
	return nil
}
