package scheduler

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	redis "github.com/redis/go-redis/v9"
)

const leaseKeyPrefix = "carebill:scheduler:lease:"

const leaseReleaseScript = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`

var ErrLeaseNotConfigured = errors.New("lease_not_configured")

// Leaser grants a time-bounded exclusive right to run a job across instances.
type Leaser interface {
	TryAcquire(ctx context.Context, job string, ttl time.Duration) (token string, ok bool, err error)
	Release(ctx context.Context, job, token string) error
}

// RedisLeaser holds leases as SET NX keys owned by a random token. Release
// only deletes a key that still carries the caller's token.
type RedisLeaser struct {
	client *redis.Client
	script *redis.Script
}

func NewRedisLeaser(client *redis.Client) *RedisLeaser {
	if client == nil {
		return nil
	}
	return &RedisLeaser{
		client: client,
		script: redis.NewScript(leaseReleaseScript),
	}
}

func (l *RedisLeaser) TryAcquire(ctx context.Context, job string, ttl time.Duration) (string, bool, error) {
	if l == nil || l.client == nil {
		return "", false, ErrLeaseNotConfigured
	}
	if job == "" {
		return "", false, errors.New("lease job is empty")
	}
	if ttl <= 0 {
		return "", false, errors.New("lease ttl must be positive")
	}

	token := uuid.NewString()
	ok, err := l.client.SetNX(ctx, leaseKeyPrefix+job, token, ttl).Result()
	if err != nil {
		return "", false, err
	}
	return token, ok, nil
}

func (l *RedisLeaser) Release(ctx context.Context, job, token string) error {
	if l == nil || l.client == nil {
		return nil
	}
	if job == "" || token == "" {
		return nil
	}
	return l.script.Run(ctx, l.client, []string{leaseKeyPrefix + job}, token).Err()
}

var _ Leaser = (*RedisLeaser)(nil)
