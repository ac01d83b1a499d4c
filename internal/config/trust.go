package config

import (
	"errors"
	"log"
	"strings"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// TrustPolicy bundles the hand-tuned scoring and admission constants. The
// numbers are starting policy, not a trained model, so operators can override
// any of them from trust.yml without a redeploy.
type TrustPolicy struct {
	Weights    TrustWeights    `mapstructure:"weights"`
	Thresholds TrustThresholds `mapstructure:"thresholds"`
	BasePoints map[string]int  `mapstructure:"basePoints"`
	Streak     []StreakTier    `mapstructure:"streak"`
	RateLimits RateLimits      `mapstructure:"rateLimits"`
}

type TrustWeights struct {
	AttestationValid   int `mapstructure:"attestationValid"`
	AttestationInvalid int `mapstructure:"attestationInvalid"`
	AttestationAbsent  int `mapstructure:"attestationAbsent"`

	ProofValid   int `mapstructure:"proofValid"`
	ProofInvalid int `mapstructure:"proofInvalid"`

	DeviceTrusted   int `mapstructure:"deviceTrusted"`
	DeviceUntrusted int `mapstructure:"deviceUntrusted"`
	DeviceUnknown   int `mapstructure:"deviceUnknown"`

	AccountUnderDay  int `mapstructure:"accountUnderDay"`
	AccountUnderWeek int `mapstructure:"accountUnderWeek"`
	AccountMature    int `mapstructure:"accountMature"`

	SpacingUnderSecond   int `mapstructure:"spacingUnderSecond"`
	SpacingUnderTen      int `mapstructure:"spacingUnderTen"`
	SpacingUnderMinute   int `mapstructure:"spacingUnderMinute"`
	SpacingAtLeastMinute int `mapstructure:"spacingAtLeastMinute"`

	DeviceSeen   int `mapstructure:"deviceSeen"`
	DeviceUnseen int `mapstructure:"deviceUnseen"`

	OwnershipValid   int `mapstructure:"ownershipValid"`
	OwnershipInvalid int `mapstructure:"ownershipInvalid"`

	UnresolvedFraud int `mapstructure:"unresolvedFraud"`
}

type TrustThresholds struct {
	Validate int `mapstructure:"validate"`
	Review   int `mapstructure:"review"`
}

type StreakTier struct {
	MinDays    int     `mapstructure:"minDays"`
	Multiplier float64 `mapstructure:"multiplier"`
}

type RateLimits struct {
	EventsPerHour int `mapstructure:"eventsPerHour"`
	EventsPerDay  int `mapstructure:"eventsPerDay"`
	PointsPerHour int `mapstructure:"pointsPerHour"`
	PointsPerDay  int `mapstructure:"pointsPerDay"`
}

func DefaultTrustPolicy() TrustPolicy {
	return TrustPolicy{
		Weights: TrustWeights{
			AttestationValid:   40,
			AttestationInvalid: -20,
			AttestationAbsent:  5,

			ProofValid:   30,
			ProofInvalid: -10,

			DeviceTrusted:   15,
			DeviceUntrusted: 5,
			DeviceUnknown:   5,

			AccountUnderDay:  -20,
			AccountUnderWeek: 5,
			AccountMature:    10,

			SpacingUnderSecond:   -40,
			SpacingUnderTen:      -20,
			SpacingUnderMinute:   0,
			SpacingAtLeastMinute: 5,

			DeviceSeen:   10,
			DeviceUnseen: 5,

			OwnershipValid:   20,
			OwnershipInvalid: -10,

			UnresolvedFraud: -30,
		},
		Thresholds: TrustThresholds{
			Validate: 60,
			Review:   30,
		},
		BasePoints: map[string]int{
			"habit_completion":    10,
			"workout_completion":  20,
			"morning_reflection":  5,
			"evening_reflection":  5,
			"goal_achieved":       50,
			"streak_milestone":    25,
			"activity_completion": 15,
		},
		Streak: []StreakTier{
			{MinDays: 90, Multiplier: 2.0},
			{MinDays: 30, Multiplier: 1.5},
			{MinDays: 14, Multiplier: 1.3},
			{MinDays: 7, Multiplier: 1.2},
		},
		RateLimits: RateLimits{
			EventsPerHour: 100,
			EventsPerDay:  500,
			PointsPerHour: 1000,
			PointsPerDay:  5000,
		},
	}
}

// TrustPolicyHolder keeps the current policy and hot-reloads it when the
// backing file changes.
type TrustPolicyHolder struct {
	current atomic.Value // holds TrustPolicy
}

func NewTrustPolicyHolder() (*TrustPolicyHolder, error) {
	v := viper.New()

	v.SetConfigName("trust")
	v.SetConfigType("yml")
	v.AddConfigPath("/var/lib/habitloop/config")
	v.AddConfigPath("/etc/habitloop")
	v.AddConfigPath(".")

	v.SetEnvPrefix("HABITLOOP")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
	}

	holder := &TrustPolicyHolder{}
	if err := holder.reload(v); err != nil {
		return nil, err
	}

	v.OnConfigChange(func(_ fsnotify.Event) {
		if err := holder.reload(v); err != nil {
			log.Printf("trust policy reload failed: %v", err)
		}
	})
	v.WatchConfig()

	return holder, nil
}

// NewStaticTrustPolicyHolder wraps a fixed policy, used in tests.
func NewStaticTrustPolicyHolder(policy TrustPolicy) *TrustPolicyHolder {
	holder := &TrustPolicyHolder{}
	holder.current.Store(mergeWithDefaults(policy))
	return holder
}

func (h *TrustPolicyHolder) Current() TrustPolicy {
	if v, ok := h.current.Load().(TrustPolicy); ok {
		return v
	}
	return DefaultTrustPolicy()
}

func (h *TrustPolicyHolder) reload(v *viper.Viper) error {
	var cfg TrustPolicy
	if err := v.UnmarshalKey("trust", &cfg); err != nil {
		return err
	}
	merged := mergeWithDefaults(cfg)
	if err := validatePolicy(merged); err != nil {
		return err
	}
	h.current.Store(merged)
	return nil
}

func mergeWithDefaults(cfg TrustPolicy) TrustPolicy {
	defaults := DefaultTrustPolicy()
	if cfg.Thresholds.Validate == 0 && cfg.Thresholds.Review == 0 {
		cfg.Thresholds = defaults.Thresholds
	}
	if len(cfg.BasePoints) == 0 {
		cfg.BasePoints = defaults.BasePoints
	}
	if len(cfg.Streak) == 0 {
		cfg.Streak = defaults.Streak
	}
	if cfg.RateLimits == (RateLimits{}) {
		cfg.RateLimits = defaults.RateLimits
	}
	if cfg.Weights == (TrustWeights{}) {
		cfg.Weights = defaults.Weights
	}
	return cfg
}

func validatePolicy(cfg TrustPolicy) error {
	if cfg.Thresholds.Review > cfg.Thresholds.Validate {
		return errors.New("trust policy: review threshold exceeds validate threshold")
	}
	if cfg.RateLimits.EventsPerHour <= 0 || cfg.RateLimits.EventsPerDay <= 0 ||
		cfg.RateLimits.PointsPerHour <= 0 || cfg.RateLimits.PointsPerDay <= 0 {
		return errors.New("trust policy: rate limit ceilings must be positive")
	}
	for _, tier := range cfg.Streak {
		if tier.MinDays <= 0 || tier.Multiplier < 1.0 {
			return errors.New("trust policy: invalid streak tier")
		}
	}
	return nil
}
