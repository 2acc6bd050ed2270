package dedup

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// reserveScript atomically increments the quota counter and compares it to
// the limit in one round trip. The expiry is set only when the key is
// created, pinning the window to the first acceptance. Returns 1 when the
// reservation succeeded, 0 when the owner is at the limit.
var reserveScript = redis.NewScript(`
local current = tonumber(redis.call('GET', KEYS[1]) or '0')
if current >= tonumber(ARGV[1]) then
    return 0
end
current = redis.call('INCR', KEYS[1])
if current == 1 then
    redis.call('EXPIRE', KEYS[1], ARGV[2])
end
return 1
`)

// releaseScript decrements the counter without letting it go negative or
// resurrecting an expired key.
var releaseScript = redis.NewScript(`
local current = tonumber(redis.call('GET', KEYS[1]) or '0')
if current > 0 then
    redis.call('DECR', KEYS[1])
end
return current
`)

// RedisStore is the Store backend shared by all service instances.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore constructs a RedisStore around an existing client.
func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

// Seen implements Store.
func (s *RedisStore) Seen(ctx context.Context, kind WindowKind, fingerprint string) (bool, error) {
	count, err := s.client.Exists(ctx, dedupKey(kind, fingerprint)).Result()
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

// MarkSeen implements Store.
func (s *RedisStore) MarkSeen(ctx context.Context, kind WindowKind, fingerprint string, window time.Duration) error {
	return s.client.Set(ctx, dedupKey(kind, fingerprint), "1", window).Err()
}

// ReserveQuota implements Store.
func (s *RedisStore) ReserveQuota(ctx context.Context, ownerID string, window QuotaWindow, limit int) (bool, error) {
	seconds := int(window.Duration().Seconds())
	allowed, err := reserveScript.Run(ctx, s.client, []string{quotaKey(ownerID, window)}, limit, seconds).Int()
	if err != nil {
		return false, err
	}
	return allowed == 1, nil
}

// ReleaseQuota implements Store.
func (s *RedisStore) ReleaseQuota(ctx context.Context, ownerID string, window QuotaWindow) error {
	return releaseScript.Run(ctx, s.client, []string{quotaKey(ownerID, window)}).Err()
}
