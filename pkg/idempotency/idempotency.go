package idempotency

import (
	"context"
	"time"

	"questline-settlement/pkg/config"

	"github.com/redis/go-redis/v9"
	"go.uber.org/fx"
)

const DefaultTTL = 24 * time.Hour

// Cache remembers which webhook events already applied. It is an
// accelerator in front of the durable webhook log: a miss still has to be
// confirmed against storage, and Mark only happens after a successful
// apply so failed events stay retryable.
type Cache interface {
	Seen(ctx context.Context, workspaceID, eventID string) (bool, error)
	Mark(ctx context.Context, workspaceID, eventID string) error
	// Sweep drops expired marks and reports how many were removed.
	Sweep(ctx context.Context) int
}

var Module = fx.Module("idempotency",
	fx.Provide(NewCache),
)

type Params struct {
	fx.In

	Cfg   *config.Config
	Redis *redis.Client `optional:"true"`
}

// NewCache picks the redis backend when a client is available so dedup
// marks are shared across instances.
func NewCache(p Params) Cache {
	ttl := p.Cfg.Webhook.IdempotencyTTL
	if ttl <= 0 {
		ttl = DefaultTTL
	}

	if p.Redis != nil {
		return NewRedis(p.Redis, ttl)
	}

	return NewMemory(ttl)
}
