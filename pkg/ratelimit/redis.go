package ratelimit

import (
	"context"
	"fmt"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"

	"questline-settlement/pkg/rediskey"
)

// RedisLimiter keeps the sliding window in a ZSET scored by hit time, so
// every instance of the service sees the same window.
type RedisLimiter struct {
	rdb    *redis.Client
	max    int
	window time.Duration
	seq    int64
	now    func() time.Time
}

func NewRedis(rdb *redis.Client, max int, window time.Duration) *RedisLimiter {
	return &RedisLimiter{
		rdb:    rdb,
		max:    max,
		window: window,
		now:    time.Now,
	}
}

func (l *RedisLimiter) Allow(ctx context.Context, key string) (Decision, error) {
	now := l.now()
	zkey := rediskey.BuildRateLimitKey(key)
	cutoff := now.Add(-l.window).UnixNano()

	pipe := l.rdb.TxPipeline()
	pipe.ZRemRangeByScore(ctx, zkey, "0", strconv.FormatInt(cutoff, 10))
	card := pipe.ZCard(ctx, zkey)
	oldest := pipe.ZRangeWithScores(ctx, zkey, 0, 0)
	if _, err := pipe.Exec(ctx); err != nil {
		return Decision{}, err
	}

	if card.Val() >= int64(l.max) {
		retry := l.window
		if entries := oldest.Val(); len(entries) > 0 {
			oldestAt := time.Unix(0, int64(entries[0].Score))
			retry = oldestAt.Add(l.window).Sub(now)
		}
		return Decision{Allowed: false, Remaining: 0, RetryAfter: retry}, nil
	}

	member := fmt.Sprintf("%d-%d", now.UnixNano(), atomic.AddInt64(&l.seq, 1))

	record := l.rdb.TxPipeline()
	record.ZAdd(ctx, zkey, redis.Z{Score: float64(now.UnixNano()), Member: member})
	record.Expire(ctx, zkey, l.window+time.Minute)
	if _, err := record.Exec(ctx); err != nil {
		return Decision{}, err
	}

	return Decision{
		Allowed:   true,
		Remaining: l.max - int(card.Val()) - 1,
	}, nil
}

// Sweep is a no-op for the redis backend; window keys expire on their own.
func (l *RedisLimiter) Sweep(ctx context.Context) int {
	return 0
}
