package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

// IssueRequest creates a coupon inside a caller-owned transaction so the
// artifact and its paired ledger entry commit or roll back together.
type IssueRequest struct {
	UserID     snowflake.ID
	TemplateID snowflake.ID
	CostPaid   int64
	Code       string
	ExpiresAt  time.Time
}

// ConsumeResult reports the coupon flipped to redeemed.
type ConsumeResult struct {
	CouponID   snowflake.ID `json:"coupon_id"`
	TemplateID snowflake.ID `json:"template_id"`
	RedeemedAt time.Time    `json:"redeemed_at"`
}

type Service interface {
	ListTemplates(ctx context.Context, includeInactive bool) ([]CouponTemplate, error)
	GetTemplate(ctx context.Context, id snowflake.ID) (*CouponTemplate, error)
	GetTemplateBySlug(ctx context.Context, slug string) (*CouponTemplate, error)

	CountIssuedForUser(ctx context.Context, tx *gorm.DB, userID, templateID snowflake.ID) (int64, error)
	IssueTx(ctx context.Context, tx *gorm.DB, req IssueRequest) (*Coupon, error)

	Consume(ctx context.Context, userID snowflake.ID, code string) (*ConsumeResult, error)
	Revoke(ctx context.Context, couponID snowflake.ID) error
	ExpireDue(ctx context.Context, batchSize int) (int64, error)
}
