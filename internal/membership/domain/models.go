package domain

import (
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

// Tier is the subscription tier fed by provider notifications. The points
// core stores it as an external fact and never interprets it.
type Tier string

const (
	TierFree    Tier = "free"
	TierPlus    Tier = "plus"
	TierPremium Tier = "premium"
)

// Status mirrors the provider-side subscription status.
type Status string

const (
	StatusActive   Status = "active"
	StatusTrialing Status = "trialing"
	StatusPastDue  Status = "past_due"
	StatusCanceled Status = "canceled"
)

var (
	ErrMembershipNotFound = errors.New("membership_not_found")
	ErrInvalidNotification = errors.New("invalid_notification")
)

// Membership is the per-user tier/status record mutated by verified
// provider notifications and by trial-extension redemptions.
type Membership struct {
	UserID snowflake.ID `gorm:"primaryKey"`
	Tier   Tier         `gorm:"type:text;not null;default:free"`
	Status Status       `gorm:"type:text;not null;default:active"`

	TrialEndsAt *time.Time `gorm:""`

	Provider    string `gorm:"type:text"`
	ProviderRef string `gorm:"type:text;index"`

	Metadata  datatypes.JSONMap `gorm:"type:jsonb"`
	CreatedAt time.Time         `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt time.Time         `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (Membership) TableName() string { return "memberships" }

// ProcessedNotification dedupes provider notifications by their event id.
type ProcessedNotification struct {
	ProviderEventID string    `gorm:"primaryKey;type:text"`
	Provider        string    `gorm:"type:text;not null"`
	ReceivedAt      time.Time `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (ProcessedNotification) TableName() string { return "membership_notifications" }

// Notification is the decoded provider payload after signature verification.
type Notification struct {
	EventID     string     `json:"event_id"`
	Type        string     `json:"type"`
	UserID      int64      `json:"user_id"`
	Tier        Tier       `json:"tier"`
	Status      Status     `json:"status"`
	TrialEndsAt *time.Time `json:"trial_ends_at,omitempty"`
	Provider    string     `json:"provider"`
	ProviderRef string     `json:"provider_ref"`
}
