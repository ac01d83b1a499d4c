package domain

import (
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/lib/pq"
	"gorm.io/datatypes"
)

// InsightKind classifies the anomaly a fraud insight records.
type InsightKind string

const (
	InsightKindLowTrustScore    InsightKind = "low_trust_score"
	InsightKindBorderlineScore  InsightKind = "borderline_score"
	InsightKindHoneypotTrigger  InsightKind = "honeypot_trigger"
	InsightKindVelocityAnomaly  InsightKind = "velocity_anomaly"
	InsightKindRateLimitBreach  InsightKind = "rate_limit_breach"
	InsightKindReplayedPayload  InsightKind = "replayed_payload"
	InsightKindManualReviewDeny InsightKind = "manual_review_deny"
)

// Severity buckets insights for triage.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

var ErrInsightNotFound = errors.New("fraud_insight_not_found")

// FraudInsight is a flagged anomaly linked to one or more ledger events.
type FraudInsight struct {
	ID       snowflake.ID `gorm:"primaryKey"`
	UserID   snowflake.ID `gorm:"not null;index:ix_fraud_insights_user_resolved,priority:1"`
	Kind     InsightKind  `gorm:"type:text;not null"`
	Severity Severity     `gorm:"type:text;not null"`
	Score    int          `gorm:"not null;default:0"`

	EventIDs pq.Int64Array     `gorm:"type:bigint[]"`
	Detail   datatypes.JSONMap `gorm:"type:jsonb"`

	Resolved   bool       `gorm:"not null;default:false;index:ix_fraud_insights_user_resolved,priority:2"`
	ResolvedAt *time.Time `gorm:""`
	ResolvedBy string     `gorm:"type:text"`

	CreatedAt time.Time `gorm:"not null;default:CURRENT_TIMESTAMP;index"`
}

// TableName sets the database table name.
func (FraudInsight) TableName() string { return "fraud_insights" }
