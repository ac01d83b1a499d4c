package domain

import (
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

// EventType identifies the behavioral action that produced a points event.
type EventType string

const (
	EventTypeHabitCompletion    EventType = "habit_completion"
	EventTypeWorkoutCompletion  EventType = "workout_completion"
	EventTypeMorningReflection  EventType = "morning_reflection"
	EventTypeEveningReflection  EventType = "evening_reflection"
	EventTypeGoalAchieved       EventType = "goal_achieved"
	EventTypeStreakMilestone    EventType = "streak_milestone"
	EventTypeActivityCompletion EventType = "activity_completion"
	EventTypeRedeemCoupon       EventType = "redeem_coupon"
)

// ValidStatus is the lifecycle of a points event through validation.
type ValidationStatus string

const (
	StatusPending       ValidationStatus = "pending"
	StatusValidating    ValidationStatus = "validating"
	StatusValidated     ValidationStatus = "validated"
	StatusPendingReview ValidationStatus = "pending_review"
	StatusRejected      ValidationStatus = "rejected"
)

// ProofType classifies the evidence attached to an event.
type ProofType string

const (
	ProofTypeNone        ProofType = "none"
	ProofTypeSelfReport  ProofType = "self_report"
	ProofTypeThirdParty  ProofType = "third_party"
	ProofTypeAttestation ProofType = "attestation"
)

var (
	ErrEventNotFound      = errors.New("event_not_found")
	ErrInvalidEventType   = errors.New("invalid_event_type")
	ErrInvalidStatus      = errors.New("invalid_status_transition")
	ErrDuplicateEvent     = errors.New("duplicate_event")
	ErrRateLimited        = errors.New("rate_limit_exceeded")
	ErrNotReviewable      = errors.New("event_not_reviewable")
	ErrInvalidReviewState = errors.New("invalid_review_resolution")
)

// KnownEventType reports whether t is a recognized event type.
func KnownEventType(t EventType) bool {
	switch t {
	case EventTypeHabitCompletion,
		EventTypeWorkoutCompletion,
		EventTypeMorningReflection,
		EventTypeEveningReflection,
		EventTypeGoalAchieved,
		EventTypeStreakMilestone,
		EventTypeActivityCompletion,
		EventTypeRedeemCoupon:
		return true
	default:
		return false
	}
}

// Terminal reports whether the status is immutable.
func (s ValidationStatus) Terminal() bool {
	switch s {
	case StatusValidated, StatusPendingReview, StatusRejected:
		return true
	default:
		return false
	}
}

// PointsEvent is an append-only ledger row. Only status, score and award
// fields change after insert, and only during validation.
type PointsEvent struct {
	ID          snowflake.ID `gorm:"primaryKey"`
	UserID      snowflake.ID `gorm:"not null;index;uniqueIndex:ux_points_events_user_nonce,priority:1"`
	EventType   EventType    `gorm:"type:text;not null;index"`
	PointsDelta int64        `gorm:"not null;default:0"`

	ProofType    ProofType         `gorm:"type:text;not null;default:none"`
	ProofPayload datatypes.JSONMap `gorm:"type:jsonb"`
	PayloadHash  string            `gorm:"type:text;not null;index:ix_points_events_user_hash,priority:2"`
	Nonce        string            `gorm:"type:text;not null;uniqueIndex:ux_points_events_user_nonce,priority:2"`

	TrustScore *int             `gorm:""`
	Status     ValidationStatus `gorm:"type:text;not null;default:pending;index:ix_points_events_status_started,priority:1"`

	RelatedEntityType string       `gorm:"type:text"`
	RelatedEntityID   snowflake.ID `gorm:""`
	DeviceID          string       `gorm:"type:text;index"`

	OccurredAt          time.Time  `gorm:"not null;index"`
	ValidationStartedAt *time.Time `gorm:"index:ix_points_events_status_started,priority:2"`
	ValidatedAt         *time.Time `gorm:""`
	ValidatorIdentity   string     `gorm:"type:text"`
	ReviewReason        string     `gorm:"type:text"`

	Metadata  datatypes.JSONMap `gorm:"type:jsonb"`
	CreatedAt time.Time         `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt time.Time         `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (PointsEvent) TableName() string { return "points_events" }

// UserPointsCache is the derived per-user balance. It is recomputed from the
// validated ledger rows, never patched incrementally.
type UserPointsCache struct {
	UserID         snowflake.ID `gorm:"primaryKey"`
	Balance        int64        `gorm:"not null;default:0"`
	LifetimeEarned int64        `gorm:"not null;default:0"`
	LifetimeSpent  int64        `gorm:"not null;default:0"`
	LastEventAt    *time.Time   `gorm:""`
	UpdatedAt      time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (UserPointsCache) TableName() string { return "user_points_cache" }

// ValidationOutcome is the per-event result reported to callers.
type ValidationOutcome struct {
	EventID       snowflake.ID     `json:"event_id"`
	Status        ValidationStatus `json:"status"`
	PointsAwarded int64            `json:"points_awarded"`
	TrustScore    int              `json:"trust_score"`
}
