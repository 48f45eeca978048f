package dedupe

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Deduper is a once-only guard backed by redis SET NX. Webhook deliveries
// are retried by the gateway, so the same event ID can arrive many times.
type Deduper struct {
	rdb    *redis.Client
	ttl    time.Duration
	logger *zap.Logger
}

func New(rdb *redis.Client, ttl time.Duration, logger *zap.Logger) *Deduper {
	return &Deduper{rdb: rdb, ttl: ttl, logger: logger}
}

// AcquireOnce returns true the first time (scope, id) is seen within the
// TTL. When redis is unavailable it fails open: processing downstream is
// idempotent, a duplicate pass is safe, a dropped event is not.
func (d *Deduper) AcquireOnce(ctx context.Context, scope, id string) bool {
	key := fmt.Sprintf("dedup:%s:%s", scope, id)

	ok, err := d.rdb.SetNX(ctx, key, 1, d.ttl).Result()
	if err != nil {
		d.logger.Warn("dedup check failed, allowing processing",
			zap.String("scope", scope),
			zap.String("id", id),
			zap.Error(err),
		)
		return true
	}

	if !ok {
		d.logger.Info("skipped duplicate event",
			zap.String("scope", scope),
			zap.String("id", id),
		)
	}
	return ok
}
