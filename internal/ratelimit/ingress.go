package ratelimit

import (
	"context"
	"fmt"
	"strings"

	"github.com/habitloop/habitloop/internal/config"
	redis "github.com/redis/go-redis/v9"
)

const keyIngressUser = "ingress:user:%s"

// IngressLimiter throttles the submit-event endpoint per user before any
// validation work happens. It is separate from the sliding-window ceilings,
// which bound persisted events over 1h/24h.
type IngressLimiter struct {
	enabled bool

	bucket *TokenBucket
	rate   float64
	burst  int
}

// NewIngressLimiter returns a nil limiter when redis is not configured,
// which disables ingress throttling.
func NewIngressLimiter(cfg config.Config, client *redis.Client) *IngressLimiter {
	if client == nil {
		return nil
	}
	if cfg.Redis.IngressRate <= 0 || cfg.Redis.IngressBurst <= 0 {
		return nil
	}
	return &IngressLimiter{
		enabled: true,
		bucket:  NewTokenBucket(client),
		rate:    cfg.Redis.IngressRate,
		burst:   cfg.Redis.IngressBurst,
	}
}

func (l *IngressLimiter) Enabled() bool {
	return l != nil && l.enabled
}

func (l *IngressLimiter) Allow(ctx context.Context, userID string) (bool, error) {
	if !l.Enabled() {
		return true, nil
	}
	res, err := l.bucket.Allow(ctx, fmt.Sprintf(keyIngressUser, strings.TrimSpace(userID)), l.rate, l.burst)
	if err != nil {
		return false, err
	}
	return res.Allowed, nil
}
