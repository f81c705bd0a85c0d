package ingestion

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/mist-health/mdf-pipeline/pkg/common/models"
)

const (
	statusKeyPrefix = "mdf:status:"
	cancelKeyPrefix = "mdf:cancel:"
	scanBatch       = 200
)

// StatusCache holds the metadata of finished datasets so status polls do not
// reach the database.
type StatusCache interface {
	Get(ctx context.Context, id string) (*models.DatasetMetadata, error)
	Set(ctx context.Context, meta *models.DatasetMetadata) error
	Cleanup(ctx context.Context, ttl time.Duration) (int, error)
}

type RedisStatusCache struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRedisStatusCache(client *redis.Client, ttl time.Duration) *RedisStatusCache {
	return &RedisStatusCache{client: client, ttl: ttl}
}

// Get returns nil, nil on a miss.
func (c *RedisStatusCache) Get(ctx context.Context, id string) (*models.DatasetMetadata, error) {
	raw, err := c.client.Get(ctx, statusKeyPrefix+id).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var meta models.DatasetMetadata
	if err := json.Unmarshal(raw, &meta); err != nil {
		return nil, err
	}
	return &meta, nil
}

func (c *RedisStatusCache) Set(ctx context.Context, meta *models.DatasetMetadata) error {
	raw, err := json.Marshal(meta)
	if err != nil {
		return err
	}
	return c.client.Set(ctx, statusKeyPrefix+meta.ID, raw, c.ttl).Err()
}

// Cleanup removes cached terminal entries last updated before now-ttl and
// reports how many were removed. Keys written without expiry by older
// deployments are caught here too.
func (c *RedisStatusCache) Cleanup(ctx context.Context, ttl time.Duration) (int, error) {
	if ttl <= 0 {
		return 0, nil
	}
	cutoff := time.Now().UTC().Add(-ttl)
	removed := 0
	var cursor uint64
	for {
		keys, next, err := c.client.Scan(ctx, cursor, statusKeyPrefix+"*", scanBatch).Result()
		if err != nil {
			return removed, err
		}
		for _, key := range keys {
			raw, err := c.client.Get(ctx, key).Bytes()
			if errors.Is(err, redis.Nil) {
				continue
			}
			if err != nil {
				return removed, err
			}
			var meta models.DatasetMetadata
			if json.Unmarshal(raw, &meta) != nil || (meta.Status.Terminal() && meta.UpdatedAt.Before(cutoff)) {
				if err := c.client.Del(ctx, key).Err(); err != nil {
					return removed, err
				}
				removed++
			}
		}
		cursor = next
		if cursor == 0 {
			return removed, nil
		}
	}
}

// RedisCanceller shares cancellation flags between the API and the workers.
type RedisCanceller struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRedisCanceller(client *redis.Client, ttl time.Duration) *RedisCanceller {
	return &RedisCanceller{client: client, ttl: ttl}
}

func (c *RedisCanceller) Cancel(ctx context.Context, datasetID string) error {
	return c.client.Set(ctx, cancelKeyPrefix+datasetID, "1", c.ttl).Err()
}

func (c *RedisCanceller) Cancelled(ctx context.Context, datasetID string) (bool, error) {
	n, err := c.client.Exists(ctx, cancelKeyPrefix+datasetID).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}
