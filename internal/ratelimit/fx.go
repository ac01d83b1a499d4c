package ratelimit

import (
	"strings"

	"github.com/habitloop/habitloop/internal/config"
	redis "github.com/redis/go-redis/v9"
	"go.uber.org/fx"
)

// NewRedisClient returns nil when no redis address is configured; redis
// backed features degrade gracefully in that case.
func NewRedisClient(cfg config.Config) *redis.Client {
	addr := strings.TrimSpace(cfg.Redis.Addr)
	if addr == "" {
		return nil
	}
	return redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
}

var Module = fx.Module("rate.limit",
	fx.Provide(
		NewRedisClient,
		NewLocker,
		NewIngressLimiter,
		NewWindowLimiter,
	),
)
