package domain

import (
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

// RedemptionStatus is the terminal outcome of a redemption attempt.
type RedemptionStatus string

const (
	StatusCompleted RedemptionStatus = "completed"
	StatusFailed    RedemptionStatus = "failed"
)

var (
	ErrInsufficientBalance = errors.New("insufficient_balance")
	ErrRedemptionNotFound  = errors.New("redemption_not_found")
	ErrRedemptionConflict  = errors.New("redemption_conflict")
)

// Redemption records one successful spend of balance for a reward artifact.
// The (user, idempotency hash) pair is unique, which is the atomic barrier
// that makes concurrent duplicate requests collapse to a single deduction.
type Redemption struct {
	ID     snowflake.ID `gorm:"primaryKey"`
	UserID snowflake.ID `gorm:"not null;index;uniqueIndex:ux_redemptions_user_idem,priority:1"`

	TemplateID      snowflake.ID `gorm:"not null;index"`
	IdempotencyKey  string       `gorm:"type:text;not null"`
	IdempotencyHash string       `gorm:"type:text;not null;uniqueIndex:ux_redemptions_user_idem,priority:2"`

	Status      RedemptionStatus `gorm:"type:text;not null"`
	PointsSpent int64            `gorm:"not null"`

	CouponID      *snowflake.ID `gorm:"index"`
	PointsEventID *snowflake.ID `gorm:""`
	TrialEndsAt   *time.Time    `gorm:""`

	BalanceBefore int64 `gorm:"not null"`
	BalanceAfter  int64 `gorm:"not null"`

	Metadata  datatypes.JSONMap `gorm:"type:jsonb"`
	CreatedAt time.Time         `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt time.Time         `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (Redemption) TableName() string { return "redemptions" }

// Outcome is the caller-facing redemption result. Replays return the same
// metadata with the code masked.
type Outcome struct {
	Success          bool       `json:"success"`
	RedemptionID     snowflake.ID `json:"redemption_id"`
	Code             string     `json:"code,omitempty"`
	CouponID         *snowflake.ID `json:"coupon_id,omitempty"`
	TrialEndsAt      *time.Time `json:"trial_ends_at,omitempty"`
	ExpiresAt        *time.Time `json:"expires_at,omitempty"`
	RemainingBalance int64      `json:"remaining_balance"`
	Replayed         bool       `json:"replayed"`
	Message          string     `json:"message,omitempty"`
}
