package ratelimiter

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// allowScript purges, counts and records in one atomic step so
// concurrent sessions of the same user can't slip past the cap.
//
// KEYS[1] = window key, ARGV[1] = now (ms), ARGV[2] = window (ms),
// ARGV[3] = cap, ARGV[4] = member id. Returns 1 when admitted.
var allowScript = redis.NewScript(`
redis.call("ZREMRANGEBYSCORE", KEYS[1], 0, ARGV[1] - ARGV[2])
if redis.call("ZCARD", KEYS[1]) >= tonumber(ARGV[3]) then
	return 0
end
redis.call("ZADD", KEYS[1], ARGV[1], ARGV[4])
redis.call("PEXPIRE", KEYS[1], ARGV[2])
return 1
`)

// Redis is a sliding window limiter backed by a shared redis instance,
// so every gateway process enforces the same per-sender cap.
type Redis struct {
	client *redis.Client
	max    int
	window time.Duration
}

func NewRedis(client *redis.Client, max int, window time.Duration) *Redis {
	if max <= 0 {
		max = DefaultMax
	}
	if window <= 0 {
		window = DefaultWindow
	}

	return &Redis{client: client, max: max, window: window}
}

// Allow runs the window check atomically on redis. When redis is
// unreachable the event is admitted and the error returned, leaving the
// fail-open decision visible to the caller's logs.
func (r *Redis) Allow(ctx context.Context, key string) (bool, error) {
	now := time.Now().UnixMilli()

	res, err := allowScript.Run(ctx, r.client,
		[]string{"ratelimit:messages:" + key},
		now, r.window.Milliseconds(), r.max, uuid.NewString(),
	).Int()
	if err != nil {
		return true, fmt.Errorf("rate limit check for %q failed: %w", key, err)
	}

	return res == 1, nil
}
