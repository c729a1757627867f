// Package storage implements the consensus engines' optional durable
// Storage hook (spec.md §6) against Redis, replacing the teacher's
// Postgres-backed anomaly/data-point store with a state/log/snapshot
// store shaped for a replicated state machine.
package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	"github.com/ruvnet/swarmbft/internal/config"
	"github.com/ruvnet/swarmbft/internal/consensus"
)

// RedisStorage implements consensus.Storage against a single Redis
// instance, namespacing every key under the owning node's ID so one
// Redis deployment can back several local replicas in tests.
type RedisStorage struct {
	client *redis.Client
	logger *zap.Logger
	prefix string
	ctx    context.Context
}

// New dials Redis using cfg and returns a consensus.Storage backed by it.
func New(cfg config.RedisConfig, nodeID string, logger *zap.Logger) (*RedisStorage, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("storage: connecting to redis: %w", err)
	}

	return &RedisStorage{
		client: client,
		logger: logger,
		prefix: fmt.Sprintf("swarmbft:%s:", nodeID),
		ctx:    context.Background(),
	}, nil
}

func (s *RedisStorage) key(suffix string) string { return s.prefix + suffix }

// SaveState persists the engine's arbitrary state blob (view, term, last
// applied index, ...) as JSON.
func (s *RedisStorage) SaveState(state interface{}) error {
	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("storage: marshaling state: %w", err)
	}
	if err := s.client.Set(s.ctx, s.key("state"), data, 0).Err(); err != nil {
		s.logger.Error("failed to save state", zap.Error(err))
		return fmt.Errorf("storage: saving state: %w", err)
	}
	return nil
}

// LoadState decodes the persisted state blob into state.
func (s *RedisStorage) LoadState(state interface{}) error {
	data, err := s.client.Get(s.ctx, s.key("state")).Bytes()
	if err == redis.Nil {
		return nil
	}
	if err != nil {
		return fmt.Errorf("storage: loading state: %w", err)
	}
	return json.Unmarshal(data, state)
}

// SaveLog appends entries to the durable log, one Redis hash field per
// entry, keyed by index so LoadLog can select an index range back out.
func (s *RedisStorage) SaveLog(entries []*consensus.LogEntry) error {
	pipe := s.client.Pipeline()
	for _, e := range entries {
		data, err := json.Marshal(e)
		if err != nil {
			return fmt.Errorf("storage: marshaling log entry %d: %w", e.Index, err)
		}
		pipe.HSet(s.ctx, s.key("log"), fmt.Sprintf("%d", e.Index), data)
	}
	if _, err := pipe.Exec(s.ctx); err != nil {
		s.logger.Error("failed to save log entries", zap.Error(err))
		return fmt.Errorf("storage: saving log: %w", err)
	}
	return nil
}

// LoadLog returns every persisted entry with index in [startIndex, endIndex].
func (s *RedisStorage) LoadLog(startIndex, endIndex consensus.LogIndex) ([]*consensus.LogEntry, error) {
	all, err := s.client.HGetAll(s.ctx, s.key("log")).Result()
	if err != nil {
		return nil, fmt.Errorf("storage: loading log: %w", err)
	}

	entries := make([]*consensus.LogEntry, 0, len(all))
	for _, raw := range all {
		var e consensus.LogEntry
		if err := json.Unmarshal([]byte(raw), &e); err != nil {
			s.logger.Warn("dropping malformed log entry", zap.Error(err))
			continue
		}
		if e.Index >= startIndex && e.Index <= endIndex {
			entries = append(entries, &e)
		}
	}
	return entries, nil
}

// SaveSnapshot persists a full state-machine snapshot, overwriting any
// previous one.
func (s *RedisStorage) SaveSnapshot(snapshot []byte) error {
	if err := s.client.Set(s.ctx, s.key("snapshot"), snapshot, 0).Err(); err != nil {
		s.logger.Error("failed to save snapshot", zap.Error(err))
		return fmt.Errorf("storage: saving snapshot: %w", err)
	}
	return nil
}

// LoadSnapshot returns the most recently saved snapshot, or nil if none
// has been saved yet.
func (s *RedisStorage) LoadSnapshot() ([]byte, error) {
	data, err := s.client.Get(s.ctx, s.key("snapshot")).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("storage: loading snapshot: %w", err)
	}
	return data, nil
}

// Close releases the underlying Redis connection.
func (s *RedisStorage) Close() error {
	return s.client.Close()
}
