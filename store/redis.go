package store

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisCoordinator implements Coordinator and Idempotency over go-redis,
// using the sentinelcp key namespace (see keys.go). Postgres remains the
// durable Store; Redis is used purely for coordination, the idempotency
// cache, and the Job Runner's uniqueness window.
type RedisCoordinator struct {
	client *redis.Client
}

// NewRedisCoordinator dials Redis and verifies connectivity with a PING.
func NewRedisCoordinator(addr, password string, db int) (*RedisCoordinator, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", addr, err)
	}

	return &RedisCoordinator{client: client}, nil
}

// Client exposes the underlying client for packages (streaming) that need
// native pub/sub rather than the Coordinator abstraction.
func (c *RedisCoordinator) Client() *redis.Client { return c.client }

func (c *RedisCoordinator) Close() error {
	return c.client.Close()
}

// --- Locks (simple mutual exclusion, no lease metadata) ---

func (c *RedisCoordinator) AcquireLock(ctx context.Context, key string, ownerID string, ttl time.Duration) (bool, error) {
	return c.client.SetNX(ctx, lockKey(key), ownerID, ttl).Result()
}

// compareAndDeleteScript deletes KEYS[1] only if its value equals ARGV[1].
const compareAndDeleteScript = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
else
	return 0
end
`

// compareAndExpireScript extends KEYS[1]'s TTL only if its value equals ARGV[1].
const compareAndExpireScript = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
else
	return 0
end
`

func (c *RedisCoordinator) RenewLock(ctx context.Context, key string, ownerID string, ttl time.Duration) (bool, error) {
	res, err := c.client.Eval(ctx, compareAndExpireScript, []string{lockKey(key)}, ownerID, ttl.Milliseconds()).Result()
	if err != nil {
		return false, err
	}
	n, _ := res.(int64)
	return n == 1, nil
}

func (c *RedisCoordinator) ReleaseLock(ctx context.Context, key string, ownerID string) error {
	_, err := c.client.Eval(ctx, compareAndDeleteScript, []string{lockKey(key)}, ownerID).Result()
	return err
}

func (c *RedisCoordinator) GetLockOwner(ctx context.Context, key string) (string, error) {
	val, err := c.client.Get(ctx, lockKey(key)).Result()
	if err == redis.Nil {
		return "", nil
	}
	return val, err
}

// --- Leases (same primitives, used for leadership where value carries
// owner/epoch metadata rather than a plain owner id) ---

func (c *RedisCoordinator) AcquireLease(ctx context.Context, key string, value string, ttl time.Duration) (bool, error) {
	return c.client.SetNX(ctx, lockKey(key), value, ttl).Result()
}

func (c *RedisCoordinator) RenewLease(ctx context.Context, key string, value string, ttl time.Duration) (bool, error) {
	return c.RenewLock(ctx, key, value, ttl)
}

func (c *RedisCoordinator) ReleaseLease(ctx context.Context, key string, value string) error {
	return c.ReleaseLock(ctx, key, value)
}

func (c *RedisCoordinator) IsLeaseOwner(ctx context.Context, key string, value string) (bool, error) {
	owner, err := c.GetLockOwner(ctx, key)
	if err != nil {
		return false, err
	}
	return owner == value, nil
}

func (c *RedisCoordinator) IncrementEpoch(ctx context.Context, key string) (int64, error) {
	return c.client.Incr(ctx, Key(ResourceEpoch, key)).Result()
}

func (c *RedisCoordinator) ScanLocks(ctx context.Context, pattern string) ([]string, error) {
	var keys []string
	iter := c.client.Scan(ctx, 0, pattern, 0).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	return keys, iter.Err()
}

func (c *RedisCoordinator) SetNX(ctx context.Context, key string, value string, ttl time.Duration) (bool, error) {
	return c.client.SetNX(ctx, Key(ResourceUnique, key), value, ttl).Result()
}

// --- Idempotency backend ---

func (c *RedisCoordinator) GetIdempotencyRecord(ctx context.Context, key string) (string, error) {
	val, err := c.client.Get(ctx, Key(ResourceIdem, key)).Result()
	if err == redis.Nil {
		return "", nil
	}
	return val, err
}

func (c *RedisCoordinator) SetIdempotencyRecord(ctx context.Context, key string, value string, ttl time.Duration) error {
	return c.client.Set(ctx, Key(ResourceIdem, key), value, ttl).Err()
}

func lockKey(key string) string {
	return Key(ResourceLock, key)
}
