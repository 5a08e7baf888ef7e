package repository

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// releaseScript deletes the lease only if this replica still owns it.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisLease is a cross-replica refresh lock, so that only one replica at a
// time spends the registry's rate limit.
type RedisLease struct {
	client redis.UniversalClient
	key    string
	owner  string
	ttl    time.Duration
	logger *zap.Logger
}

func NewRedisLease(client redis.UniversalClient, key string, ttl time.Duration, logger *zap.Logger) *RedisLease {
	return &RedisLease{
		client: client,
		key:    key,
		owner:  uuid.NewString(),
		ttl:    ttl,
		logger: logger,
	}
}

// Acquire reports whether this replica now holds the lease. The lease
// expires on its own after ttl if Release is never called.
func (l *RedisLease) Acquire(ctx context.Context) (bool, error) {
	ok, err := l.client.SetNX(ctx, l.key, l.owner, l.ttl).Result()
	if err != nil {
		l.logger.Error("failed to acquire refresh lease",
			zap.String("key", l.key),
			zap.Error(err))
		return false, err
	}
	if !ok {
		holder, err := l.client.Get(ctx, l.key).Result()
		if err != nil && err != redis.Nil {
			holder = "unknown"
		}
		l.logger.Debug("refresh lease held elsewhere",
			zap.String("key", l.key),
			zap.String("holder", holder))
	}
	return ok, nil
}

func (l *RedisLease) Release(ctx context.Context) error {
	err := releaseScript.Run(ctx, l.client, []string{l.key}, l.owner).Err()
	if err == redis.Nil {
		return nil
	}
	if err != nil {
		l.logger.Error("failed to release refresh lease",
			zap.String("key", l.key),
			zap.Error(err))
	}
	return err
}

func (l *RedisLease) Owner() string {
	return l.owner
}
