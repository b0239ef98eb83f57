package ratelimit

import (
	"context"
	"math"
	"time"

	"questline-settlement/pkg/config"

	"github.com/redis/go-redis/v9"
	"go.uber.org/fx"
)

const (
	DefaultMax    = 100
	DefaultWindow = time.Minute
)

// Decision is the outcome of a single Allow call. RetryAfter is measured
// from the oldest hit still inside the window, so a caller that waits that
// long is guaranteed a fresh slot.
type Decision struct {
	Allowed    bool
	Remaining  int
	RetryAfter time.Duration
}

// RetryAfterSeconds rounds RetryAfter up to whole seconds, never below 1,
// suitable for a Retry-After response field.
func (d Decision) RetryAfterSeconds() int {
	if d.Allowed {
		return 0
	}
	secs := int(math.Ceil(d.RetryAfter.Seconds()))
	if secs < 1 {
		secs = 1
	}
	return secs
}

// Limiter enforces a sliding-window rate limit per caller key.
type Limiter interface {
	Allow(ctx context.Context, key string) (Decision, error)
	// Sweep drops state that can no longer influence a decision and
	// reports how many entries were removed.
	Sweep(ctx context.Context) int
}

var Module = fx.Module("ratelimit",
	fx.Provide(NewLimiter),
)

type Params struct {
	fx.In

	Cfg   *config.Config
	Redis *redis.Client `optional:"true"`
}

// NewLimiter picks the redis backend when a client is available so limits
// hold across instances, and falls back to process-local state otherwise.
func NewLimiter(p Params) Limiter {
	max := p.Cfg.Webhook.RateLimitMax
	if max <= 0 {
		max = DefaultMax
	}

	window := p.Cfg.Webhook.RateLimitWindow
	if window <= 0 {
		window = DefaultWindow
	}

	if p.Redis != nil {
		return NewRedis(p.Redis, max, window)
	}

	return NewMemory(max, window)
}
