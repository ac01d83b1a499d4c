package domain

import (
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

// RewardKind describes what a template grants on redemption.
type RewardKind string

const (
	RewardKindDiscountCode   RewardKind = "discount_code"
	RewardKindTrialExtension RewardKind = "trial_extension"
	RewardKindPartnerOffer   RewardKind = "partner_offer"
)

// CouponStatus is the coupon sub-state-machine.
type CouponStatus string

const (
	CouponStatusIssued   CouponStatus = "issued"
	CouponStatusRedeemed CouponStatus = "redeemed"
	CouponStatusExpired  CouponStatus = "expired"
	CouponStatusRevoked  CouponStatus = "revoked"
)

var (
	ErrTemplateNotFound    = errors.New("template_not_found")
	ErrTemplateUnavailable = errors.New("template_unavailable")
	ErrCouponNotFound      = errors.New("coupon_not_found")
	ErrCouponNotIssued     = errors.New("coupon_not_issued")
	ErrInvalidCode         = errors.New("invalid_coupon_code")
)

// CouponTemplate is a reusable definition of a redeemable reward.
type CouponTemplate struct {
	ID          snowflake.ID `gorm:"primaryKey"`
	Slug        string       `gorm:"type:text;not null;uniqueIndex"`
	Name        string       `gorm:"type:text;not null"`
	Description string       `gorm:"type:text"`

	Kind       RewardKind `gorm:"type:text;not null"`
	CostPoints int64      `gorm:"not null"`

	DiscountPercent    int `gorm:"not null;default:0"`
	TrialExtensionDays int `gorm:"not null;default:0"`

	MaxPerUser     int        `gorm:"not null;default:1"`
	ExpiryDays     int        `gorm:"not null;default:30"`
	PartnerName    string     `gorm:"type:text"`
	Terms          string     `gorm:"type:text"`
	Active         bool       `gorm:"not null;default:true"`
	AvailableUntil *time.Time `gorm:""`

	Metadata  datatypes.JSONMap `gorm:"type:jsonb"`
	CreatedAt time.Time         `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt time.Time         `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (CouponTemplate) TableName() string { return "coupon_templates" }

// Available reports whether the template can be redeemed at the given time.
func (t CouponTemplate) Available(now time.Time) bool {
	if !t.Active {
		return false
	}
	if t.AvailableUntil != nil && now.After(*t.AvailableUntil) {
		return false
	}
	return true
}

// Coupon is a single-use reward artifact. The plaintext code is never
// stored, only its keyed digest.
type Coupon struct {
	ID         snowflake.ID `gorm:"primaryKey"`
	UserID     snowflake.ID `gorm:"not null;index"`
	TemplateID snowflake.ID `gorm:"not null;index"`

	CodeDigest string       `gorm:"type:text;not null;uniqueIndex"`
	Status     CouponStatus `gorm:"type:text;not null;default:issued;index:ix_coupons_status_expires,priority:1"`
	SingleUse  bool         `gorm:"not null;default:true"`
	CostPaid   int64        `gorm:"not null"`

	IssuedAt   time.Time  `gorm:"not null"`
	ExpiresAt  time.Time  `gorm:"not null;index:ix_coupons_status_expires,priority:2"`
	RedeemedAt *time.Time `gorm:""`

	Metadata  datatypes.JSONMap `gorm:"type:jsonb"`
	CreatedAt time.Time         `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt time.Time         `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (Coupon) TableName() string { return "coupons" }
