package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// ActorType classifies who performed an audited action.
type ActorType string

const (
	ActorTypeUser     ActorType = "user"
	ActorTypeOperator ActorType = "operator"
	ActorTypeSystem   ActorType = "system"
)

// AuditLog captures a state-changing action with before/after context.
type AuditLog struct {
	ID         snowflake.ID      `gorm:"primaryKey"`
	UserID     *snowflake.ID     `gorm:"index"`
	ActorType  string            `gorm:"type:text;not null"`
	ActorID    *string           `gorm:"type:text"`
	Action     string            `gorm:"type:text;not null;index"`
	TargetType string            `gorm:"type:text;not null"`
	TargetID   *string           `gorm:"type:text"`
	Metadata   datatypes.JSONMap `gorm:"type:jsonb"`
	IPAddress  *string           `gorm:"type:text"`
	UserAgent  *string           `gorm:"type:text"`
	CreatedAt  time.Time         `gorm:"not null;default:CURRENT_TIMESTAMP;index"`
}

// TableName sets the database table name.
func (AuditLog) TableName() string { return "audit_logs" }

// AuditCursor is the keyset position for audit log pagination.
type AuditCursor struct {
	ID        snowflake.ID
	CreatedAt time.Time
}

// ListFilter narrows audit log listings.
type ListFilter struct {
	UserID     snowflake.ID
	Action     string
	TargetType string
	TargetID   string
	ActorType  string
	StartAt    *time.Time
	EndAt      *time.Time
	Cursor     *AuditCursor
	Limit      int
}

type Repository interface {
	Insert(ctx context.Context, db *gorm.DB, entry *AuditLog) error
	List(ctx context.Context, db *gorm.DB, filter ListFilter) ([]*AuditLog, error)
}
