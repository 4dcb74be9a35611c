package quota

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/JakeFAU/discovery-pipeline/internal/pipeline"
)

const (
	keyPrefix = "pipeline:search_quota:"
	keyTTL    = 48 * time.Hour
)

// Redis shares the daily counter between concurrent invocations.
type Redis struct {
	client redis.UniversalClient
	limit  int
}

// NewRedis returns a Redis-backed Counter allowing limit units per day.
func NewRedis(client redis.UniversalClient, limit int) *Redis {
	return &Redis{client: client, limit: limit}
}

// Take implements Counter. INCR and EXPIRE run in one pipeline; a caller that
// overshoots the limit gives the unit back.
func (r *Redis) Take(ctx context.Context, at time.Time) (int, error) {
	key := keyPrefix + dayKey(at)
	pipe := r.client.TxPipeline()
	incr := pipe.Incr(ctx, key)
	pipe.Expire(ctx, key, keyTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("increment search quota: %w", err)
	}
	used := int(incr.Val())
	if used > r.limit {
		if err := r.client.Decr(ctx, key).Err(); err != nil {
			return 0, fmt.Errorf("release search quota: %w", err)
		}
		return 0, pipeline.NewError(pipeline.KindQuotaExceeded, "search quota", "", errLimit(r.limit))
	}
	return r.limit - used, nil
}

// Used implements Counter.
func (r *Redis) Used(ctx context.Context, at time.Time) (int, error) {
	n, err := r.client.Get(ctx, keyPrefix+dayKey(at)).Int()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read search quota: %w", err)
	}
	return n, nil
}

// Ping checks connectivity.
func (r *Redis) Ping(ctx context.Context) error {
	if err := r.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("ping redis: %w", err)
	}
	return nil
}

func errLimit(limit int) error {
	return fmt.Errorf("daily limit of %d requests reached", limit)
}
