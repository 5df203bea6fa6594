package command

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/Mayoruang/drone9/internal/model"
)

// RedisStore backs the command tracker with Redis so tracked commands survive
// process restarts. Commands are stored as JSON under cmd:<id> with a
// per-drone index set for history lookups.
type RedisStore struct {
	rdb *redis.Client
	ttl time.Duration
}

// NewRedisStore creates a Redis-backed command store. Entries expire after
// ttl; zero means no expiry.
func NewRedisStore(rdb *redis.Client, ttl time.Duration) *RedisStore {
	return &RedisStore{rdb: rdb, ttl: ttl}
}

func commandKey(id string) string       { return "cmd:" + id }
func droneIndexKey(id uuid.UUID) string { return "cmd:drone:" + id.String() }

// Put inserts or replaces a command.
func (s *RedisStore) Put(cmd *model.Command) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	data, err := json.Marshal(cmd)
	if err != nil {
		return fmt.Errorf("marshal command: %w", err)
	}

	pipe := s.rdb.TxPipeline()
	pipe.Set(ctx, commandKey(cmd.ID), data, s.ttl)
	pipe.SAdd(ctx, droneIndexKey(cmd.DroneID), cmd.ID)
	if s.ttl > 0 {
		pipe.Expire(ctx, droneIndexKey(cmd.DroneID), s.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("store command %s: %w", cmd.ID, err)
	}
	return nil
}

// Get returns the command with the given id, or nil when absent.
func (s *RedisStore) Get(id string) (*model.Command, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	data, err := s.rdb.Get(ctx, commandKey(id)).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get command %s: %w", id, err)
	}
	var cmd model.Command
	if err := json.Unmarshal(data, &cmd); err != nil {
		return nil, fmt.Errorf("decode command %s: %w", id, err)
	}
	return &cmd, nil
}

// ForDrone returns all commands issued to the given drone.
func (s *RedisStore) ForDrone(droneID uuid.UUID) ([]*model.Command, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	ids, err := s.rdb.SMembers(ctx, droneIndexKey(droneID)).Result()
	if err != nil {
		return nil, fmt.Errorf("list commands for drone %s: %w", droneID, err)
	}

	var out []*model.Command
	for _, id := range ids {
		cmd, err := s.Get(id)
		if err != nil {
			return nil, err
		}
		if cmd == nil {
			// Expired entry still referenced by the index.
			continue
		}
		out = append(out, cmd)
	}
	return out, nil
}
