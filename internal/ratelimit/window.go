package ratelimit

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/habitloop/habitloop/internal/clock"
	"github.com/habitloop/habitloop/internal/config"
	"go.uber.org/fx"
	"gorm.io/gorm"
)

// ErrLimitExceeded is returned when any sliding-window ceiling is hit.
var ErrLimitExceeded = errors.New("rate_limit_exceeded")

// Deny reasons, used as low-cardinality metric labels.
const (
	ReasonEventsPerHour = "events_per_hour"
	ReasonEventsPerDay  = "events_per_day"
	ReasonPointsPerHour = "points_per_hour"
	ReasonPointsPerDay  = "points_per_day"
)

// Decision is the outcome of a window check.
type Decision struct {
	Allowed bool
	Reason  string
}

type WindowLimiterParams struct {
	fx.In

	DB     *gorm.DB
	Clock  clock.Clock
	Policy *config.TrustPolicyHolder
}

// WindowLimiter enforces sliding 1-hour and 24-hour ceilings over both
// event count and awarded points, reconstructed from the ledger on every
// call. Exceeding any ceiling rejects the event before persistence.
type WindowLimiter struct {
	db     *gorm.DB
	clock  clock.Clock
	policy *config.TrustPolicyHolder
}

func NewWindowLimiter(p WindowLimiterParams) *WindowLimiter {
	return &WindowLimiter{
		db:     p.DB,
		clock:  p.Clock,
		policy: p.Policy,
	}
}

// Check evaluates all four ceilings for the user. The returned Decision
// carries the first breached ceiling; err is ErrLimitExceeded in that case.
func (l *WindowLimiter) Check(ctx context.Context, userID snowflake.ID) (Decision, error) {
	limits := l.policy.Current().RateLimits
	now := l.clock.Now()
	hourAgo := now.Add(-time.Hour)
	dayAgo := now.Add(-24 * time.Hour)

	hourCount, err := l.countEvents(ctx, userID, hourAgo)
	if err != nil {
		return Decision{}, err
	}
	if hourCount >= int64(limits.EventsPerHour) {
		return Decision{Reason: ReasonEventsPerHour}, ErrLimitExceeded
	}

	dayCount, err := l.countEvents(ctx, userID, dayAgo)
	if err != nil {
		return Decision{}, err
	}
	if dayCount >= int64(limits.EventsPerDay) {
		return Decision{Reason: ReasonEventsPerDay}, ErrLimitExceeded
	}

	hourPoints, err := l.sumAwardedPoints(ctx, userID, hourAgo)
	if err != nil {
		return Decision{}, err
	}
	if hourPoints >= int64(limits.PointsPerHour) {
		return Decision{Reason: ReasonPointsPerHour}, ErrLimitExceeded
	}

	dayPoints, err := l.sumAwardedPoints(ctx, userID, dayAgo)
	if err != nil {
		return Decision{}, err
	}
	if dayPoints >= int64(limits.PointsPerDay) {
		return Decision{Reason: ReasonPointsPerDay}, ErrLimitExceeded
	}

	return Decision{Allowed: true}, nil
}

func (l *WindowLimiter) countEvents(ctx context.Context, userID snowflake.ID, since time.Time) (int64, error) {
	var count int64
	err := l.db.WithContext(ctx).
		Table("points_events").
		Where("user_id = ? AND created_at >= ? AND status <> ?", userID, since, "rejected").
		Count(&count).Error
	return count, err
}

func (l *WindowLimiter) sumAwardedPoints(ctx context.Context, userID snowflake.ID, since time.Time) (int64, error) {
	var total int64
	err := l.db.WithContext(ctx).
		Raw(`SELECT COALESCE(SUM(points_delta), 0)
			FROM points_events
			WHERE user_id = ? AND created_at >= ? AND status = ? AND points_delta > 0`,
			userID, since, "validated").
		Scan(&total).Error
	return total, err
}
