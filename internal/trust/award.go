package trust

import (
	"math"
	"sort"

	"github.com/habitloop/habitloop/internal/config"
)

// Outcome is the validation decision derived from a trust score.
type Outcome int

const (
	OutcomeValidated Outcome = iota
	OutcomeReview
	OutcomeRejected
)

// Decide partitions a score against the policy thresholds.
func Decide(policy config.TrustPolicy, score int) Outcome {
	switch {
	case score >= policy.Thresholds.Validate:
		return OutcomeValidated
	case score >= policy.Thresholds.Review:
		return OutcomeReview
	default:
		return OutcomeRejected
	}
}

// StreakMultiplier returns the reward amplification for a consecutive-day
// completion streak. Tiers are evaluated highest first.
func StreakMultiplier(policy config.TrustPolicy, streakDays int) float64 {
	tiers := make([]config.StreakTier, len(policy.Streak))
	copy(tiers, policy.Streak)
	sort.Slice(tiers, func(i, j int) bool { return tiers[i].MinDays > tiers[j].MinDays })

	for _, tier := range tiers {
		if streakDays >= tier.MinDays {
			return tier.Multiplier
		}
	}
	return 1.0
}

// AwardPoints computes base points for the event type multiplied by the
// streak multiplier, floored to an integer. Unknown event types award 0.
func AwardPoints(policy config.TrustPolicy, eventType string, streakDays int) int64 {
	base, ok := policy.BasePoints[eventType]
	if !ok || base <= 0 {
		return 0
	}
	return int64(math.Floor(float64(base) * StreakMultiplier(policy, streakDays)))
}
