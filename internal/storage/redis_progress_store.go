package storage

import (
	"chatsink/backend/internal/models"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const progressIndexKey = "backfill:ops"

func progressKey(id string) string {
	return fmt.Sprintf("backfill:op:%s", id)
}

// RedisProgressStore keeps backfill snapshots in Redis so that several
// API instances can answer status queries for the same operation.
// Terminal snapshots expire through key TTLs.
type RedisProgressStore struct {
	client    *redis.Client
	retention time.Duration
}

// NewRedisProgressStore creates a Redis-backed ProgressStore.
func NewRedisProgressStore(client *redis.Client, retention time.Duration) *RedisProgressStore {
	return &RedisProgressStore{client: client, retention: retention}
}

// Get returns the stored snapshot, or ErrNotFound.
func (s *RedisProgressStore) Get(ctx context.Context, id string) (*models.BackfillOperation, error) {
	raw, err := s.client.Get(ctx, progressKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var op models.BackfillOperation
	if err := json.Unmarshal(raw, &op); err != nil {
		return nil, fmt.Errorf("decode backfill snapshot %s: %w", id, err)
	}
	return &op, nil
}

// Set writes the snapshot. Terminal snapshots get the retention TTL.
func (s *RedisProgressStore) Set(ctx context.Context, op *models.BackfillOperation) error {
	raw, err := json.Marshal(op)
	if err != nil {
		return err
	}
	var ttl time.Duration
	if op.Status.IsTerminal() {
		ttl = s.retention
	}
	pipe := s.client.TxPipeline()
	pipe.Set(ctx, progressKey(op.ID), raw, ttl)
	pipe.SAdd(ctx, progressIndexKey, op.ID)
	_, err = pipe.Exec(ctx)
	return err
}

// Delete removes a snapshot and its index entry.
func (s *RedisProgressStore) Delete(ctx context.Context, id string) error {
	pipe := s.client.TxPipeline()
	pipe.Del(ctx, progressKey(id))
	pipe.SRem(ctx, progressIndexKey, id)
	_, err := pipe.Exec(ctx)
	return err
}

// Sweep prunes index entries whose snapshot already expired.
func (s *RedisProgressStore) Sweep(ctx context.Context) (int, error) {
	ids, err := s.client.SMembers(ctx, progressIndexKey).Result()
	if err != nil {
		return 0, err
	}
	removed := 0
	for _, id := range ids {
		n, err := s.client.Exists(ctx, progressKey(id)).Result()
		if err != nil {
			return removed, err
		}
		if n == 0 {
			if err := s.client.SRem(ctx, progressIndexKey, id).Err(); err != nil {
				return removed, err
			}
			removed++
		}
	}
	return removed, nil
}

// List returns all live snapshots.
func (s *RedisProgressStore) List(ctx context.Context) ([]*models.BackfillOperation, error) {
	ids, err := s.client.SMembers(ctx, progressIndexKey).Result()
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = progressKey(id)
	}
	values, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, err
	}
	out := make([]*models.BackfillOperation, 0, len(values))
	for _, v := range values {
		str, ok := v.(string)
		if !ok {
			continue
		}
		var op models.BackfillOperation
		if err := json.Unmarshal([]byte(str), &op); err != nil {
			continue
		}
		out = append(out, &op)
	}
	return out, nil
}
