package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	"github.com/example/caption-demo/internal/upload"
)

const (
	keyPrefix       = "caption:session:"
	maxWatchRetries = 5
)

// RedisStore keeps state in Redis as JSON. Updates use WATCH/MULTI so
// concurrent requests on one session never overwrite each other.
type RedisStore struct {
	client   redis.UniversalClient
	ttl      time.Duration
	newState func(string) *upload.State
	logger   *zap.Logger
}

// NewRedisStore returns a store backed by client.
func NewRedisStore(client redis.UniversalClient, ttl time.Duration, newState func(string) *upload.State, logger *zap.Logger) *RedisStore {
	return &RedisStore{
		client:   client,
		ttl:      ttl,
		newState: newState,
		logger:   logger.Named("session_store"),
	}
}

// Key returns the Redis key for sessionID.
func Key(sessionID string) string {
	return keyPrefix + sessionID
}

// Load returns the stored state, or fresh state when the key is missing.
func (s *RedisStore) Load(ctx context.Context, sessionID string) (*upload.State, error) {
	raw, err := s.client.Get(ctx, Key(sessionID)).Bytes()
	return s.decode(sessionID, raw, err)
}

// Update runs fn inside an optimistic transaction on the session key.
func (s *RedisStore) Update(ctx context.Context, sessionID string, fn func(*upload.State) error) (*upload.State, error) {
	key := Key(sessionID)
	var result *upload.State

	txf := func(tx *redis.Tx) error {
		raw, err := tx.Get(ctx, key).Bytes()
		state, err := s.decode(sessionID, raw, err)
		if err != nil {
			return err
		}
		if err := fn(state); err != nil {
			return err
		}
		encoded, err := json.Marshal(state)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, encoded, s.ttl)
			return nil
		})
		if err != nil {
			return err
		}
		result = state
		return nil
	}

	for attempt := 0; attempt < maxWatchRetries; attempt++ {
		err := s.client.Watch(ctx, txf, key)
		if err == nil {
			return result, nil
		}
		if !errors.Is(err, redis.TxFailedErr) {
			return nil, err
		}
		s.logger.Debug("session update conflict", zap.String("session_id", sessionID), zap.Int("attempt", attempt+1))
	}
	return nil, fmt.Errorf("%w: session %s", upload.ErrConflict, sessionID)
}

func (s *RedisStore) decode(sessionID string, raw []byte, err error) (*upload.State, error) {
	if errors.Is(err, redis.Nil) {
		return s.newState(sessionID), nil
	}
	if err != nil {
		return nil, err
	}
	var state upload.State
	if err := json.Unmarshal(raw, &state); err != nil {
		s.logger.Warn("discarding undecodable session state", zap.String("session_id", sessionID), zap.Error(err))
		return s.newState(sessionID), nil
	}
	return &state, nil
}
