package sequence

import (
	"context"
	"crypto/rand"
	"fmt"
	"math/big"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/fx"
)

var Module = fx.Module("sequence",
	fx.Provide(NewRedisGenerator),
)

// Generator hands out human-readable codes. Codes are display identifiers
// only; primary keys stay snowflake IDs.
type Generator interface {
	NextIssuanceCode(ctx context.Context, workspaceID string) (string, error)
	NextChallengeCode(ctx context.Context, workspaceID string) (string, error)
	NextSubmissionCode(ctx context.Context, workspaceID string) (string, error)
}

type RedisGenerator struct {
	rdb *redis.Client
}

type Params struct {
	fx.In

	Redis *redis.Client
}

func NewRedisGenerator(p Params) Generator {
	return &RedisGenerator{
		rdb: p.Redis,
	}
}

func (g *RedisGenerator) NextIssuanceCode(ctx context.Context, workspaceID string) (string, error) {
	return g.nextDailyCode(ctx, "RWD", workspaceID)
}

func (g *RedisGenerator) NextChallengeCode(ctx context.Context, workspaceID string) (string, error) {
	return g.nextDailyCode(ctx, "CHL", workspaceID)
}

func (g *RedisGenerator) NextSubmissionCode(ctx context.Context, workspaceID string) (string, error) {
	return g.nextDailyCode(ctx, "SUB", workspaceID)
}

func (g *RedisGenerator) nextDailyCode(ctx context.Context, prefix, workspaceID string) (string, error) {
	today := time.Now().UTC().Format("060102")
	key := fmt.Sprintf("seq:%s:%s:%s", prefix, workspaceID, today)

	seq, err := g.rdb.Incr(ctx, key).Result()
	if err != nil {
		return "", err
	}

	if seq == 1 {
		expire := time.Until(time.Now().Truncate(24 * time.Hour).Add(24*time.Hour - time.Second))
		_ = g.rdb.Expire(ctx, key, expire).Err()
	}

	// Base36, padded to at least 3 characters
	encodedSeq := strings.ToUpper(fmt.Sprintf("%03s", strconv.FormatInt(seq, 36)))

	// Random suffix keeps codes unguessable across workspaces
	randSuffix, _ := randomAlphaNumeric(2)

	return fmt.Sprintf("%s-%s-%s%s", prefix, today, encodedSeq, randSuffix), nil
}

func randomAlphaNumeric(n int) (string, error) {
	const chars = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"
	b := make([]byte, n)
	for i := range b {
		num, err := rand.Int(rand.Reader, big.NewInt(int64(len(chars))))
		if err != nil {
			return "", err
		}
		b[i] = chars[num.Int64()]
	}
	return string(b), nil
}
