package memory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const redisKeyPrefix = "evidentia:memory:"

// RedisStore persists conversation state as one JSON value per run id, with
// an optional TTL refreshed on every save.
type RedisStore struct {
	client redis.UniversalClient
	ttl    time.Duration
}

// NewRedisStore wraps a redis client. ttl of zero disables expiry.
func NewRedisStore(client redis.UniversalClient, ttl time.Duration) (*RedisStore, error) {
	if client == nil {
		return nil, errors.New("memory: redis client is required")
	}
	return &RedisStore{client: client, ttl: ttl}, nil
}

func redisKey(runID string) string {
	return redisKeyPrefix + runID
}

func (s *RedisStore) Load(ctx context.Context, runID string) (*ConversationState, error) {
	payload, err := s.client.Get(ctx, redisKey(runID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrConversationNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("memory: load conversation %s: %w", runID, err)
	}
	state := &ConversationState{}
	if err := json.Unmarshal(payload, state); err != nil {
		return nil, fmt.Errorf("memory: decode conversation %s: %w", runID, err)
	}
	return state, nil
}

func (s *RedisStore) Save(ctx context.Context, runID string, state *ConversationState) error {
	payload, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("memory: encode conversation %s: %w", runID, err)
	}
	if err := s.client.Set(ctx, redisKey(runID), payload, s.ttl).Err(); err != nil {
		return fmt.Errorf("memory: save conversation %s: %w", runID, err)
	}
	return nil
}

func (s *RedisStore) Delete(ctx context.Context, runID string) error {
	if err := s.client.Del(ctx, redisKey(runID)).Err(); err != nil {
		return fmt.Errorf("memory: delete conversation %s: %w", runID, err)
	}
	return nil
}
