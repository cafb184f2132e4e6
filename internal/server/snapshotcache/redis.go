// Package snapshotcache keeps recent draft snapshots in Redis so joins and
// reconnects do not hit PostgreSQL for every snapshot request.
package snapshotcache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bytedance/sonic"
	"github.com/dmitrijs2005/draftsync/internal/common"
	"github.com/dmitrijs2005/draftsync/internal/models"
	"github.com/redis/go-redis/v9"
)

const keyPrefix = "draftsync:snapshot:"

// RedisCache stores snapshots as JSON under draftsync:snapshot:<draftID>.
type RedisCache struct {
	client *redis.Client
	ttl    time.Duration
}

// New wraps an existing client. A zero ttl keeps entries until evicted.
func New(client *redis.Client, ttl time.Duration) *RedisCache {
	return &RedisCache{client: client, ttl: ttl}
}

// Connect parses url, dials Redis and checks the connection.
func Connect(ctx context.Context, url string, ttl time.Duration) (*RedisCache, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis url: %w", err)
	}

	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return New(client, ttl), nil
}

func key(draftID string) string { return keyPrefix + draftID }

// Get returns the cached snapshot or common.ErrNotFound.
func (c *RedisCache) Get(ctx context.Context, draftID string) (*models.Draft, error) {
	b, err := c.client.Get(ctx, key(draftID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, common.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get snapshot: %w", err)
	}

	d := &models.Draft{}
	if err := sonic.Unmarshal(b, d); err != nil {
		return nil, fmt.Errorf("failed to decode snapshot: %w", err)
	}
	return d, nil
}

// maxSetAttempts bounds retries when another writer touches the key
// between WATCH and EXEC.
const maxSetAttempts = 3

// Set caches d unless the cached snapshot of the same draft has seen
// something d has not.
func (c *RedisCache) Set(ctx context.Context, d *models.Draft) error {
	b, err := sonic.Marshal(d)
	if err != nil {
		return fmt.Errorf("failed to encode snapshot: %w", err)
	}

	k := key(d.ID)
	for i := 0; i < maxSetAttempts; i++ {
		err = c.client.Watch(ctx, func(tx *redis.Tx) error {
			cur, err := tx.Get(ctx, k).Bytes()
			switch {
			case errors.Is(err, redis.Nil):
			case err != nil:
				return err
			default:
				old := &models.Draft{}
				if sonic.Unmarshal(cur, old) == nil && !d.VersionVector.Dominates(old.VersionVector) {
					return nil
				}
			}
			_, err = tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
				p.Set(ctx, k, b, c.ttl)
				return nil
			})
			return err
		}, k)
		if !errors.Is(err, redis.TxFailedErr) {
			break
		}
	}
	if err != nil {
		return fmt.Errorf("failed to set snapshot: %w", err)
	}
	return nil
}

// Invalidate drops the cached snapshot of draftID.
func (c *RedisCache) Invalidate(ctx context.Context, draftID string) error {
	if err := c.client.Del(ctx, key(draftID)).Err(); err != nil {
		return fmt.Errorf("failed to delete snapshot: %w", err)
	}
	return nil
}

func (c *RedisCache) Close() error {
	return c.client.Close()
}
