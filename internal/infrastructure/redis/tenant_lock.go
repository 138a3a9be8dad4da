package redis

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// releaseScript deletes the lock only when it is still held by the caller.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// TenantLock is a cross-node tenant lock built on SET NX with an expiry.
type TenantLock struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

func NewTenantLock(client *redis.Client, ttl time.Duration) *TenantLock {
	if ttl <= 0 {
		ttl = 30 * time.Minute
	}
	return &TenantLock{
		client: client,
		prefix: "rollout:tenant-lock:",
		ttl:    ttl,
	}
}

// Acquire takes the lock for owner. Re-acquiring a lock already held by owner succeeds.
func (l *TenantLock) Acquire(ctx context.Context, tenantID, owner string) (bool, error) {
	key := l.prefix + tenantID
	ok, err := l.client.SetNX(ctx, key, owner, l.ttl).Result()
	if err != nil {
		return false, err
	}
	if ok {
		return true, nil
	}
	holder, err := l.client.Get(ctx, key).Result()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return holder == owner, nil
}

func (l *TenantLock) Release(ctx context.Context, tenantID, owner string) error {
	return releaseScript.Run(ctx, l.client, []string{l.prefix + tenantID}, owner).Err()
}
